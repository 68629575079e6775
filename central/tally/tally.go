// Package tally implements Tally (C9): per-candidate counts, applied
// idempotently by ballotId, checkpointed durably on a K-applies-or-
// T-seconds cadence. Checkpointing is grounded on storage/postgres.go's
// pgxpool usage, with a JSON-file fallback when no
// Postgres DSN is configured — the tally is small enough that a
// dependency-free deployment should still get durability.
package tally

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
	"github.com/tomasquin2003/ballot-delivery/logging"
)

// Entry is one candidate's durable tally state.
type Entry struct {
	Count        int64  `json:"count"`
	LastBallotID string `json:"lastBallotId"`
}

// Checkpointer persists a full tally snapshot. Implementations must be
// safe to call from the single committer goroutine only — Tally never
// calls concurrently.
type Checkpointer interface {
	Checkpoint(ctx context.Context, snapshot map[string]Entry) error
	Load(ctx context.Context) (map[string]Entry, error)
	Close() error
}

// Tally is the single-writer vote counter. apply is serialized by mu;
// a single-writer committer goroutine is realized here as a
// mutex-guarded apply rather than a channel-fed
// goroutine, since apply must return synchronously to CentralIntake's
// receive before it durably marks the ballot processed.
type Tally struct {
	mu      sync.Mutex
	entries map[string]Entry  // candidateId -> Entry
	applied map[string]string // ballotId -> candidateId, protocol-violation guard

	checkpoint      Checkpointer
	checkpointEvery int
	checkpointEach  time.Duration
	sinceCheckpoint int
	lastCheckpoint  time.Time
}

// Open builds a Tally that checkpoints via cp every `every` applies or
// `interval`, whichever comes first, seeding entries from cp's last
// checkpoint so a restart resumes counts from that checkpoint rather
// than starting every count at zero. The interval is checked only when
// Apply runs; there is no background timer, so applies followed by an
// idle period are checkpointed by the next Apply or by Close.
func Open(ctx context.Context, cp Checkpointer, every int, interval time.Duration) (*Tally, error) {
	t := &Tally{
		entries:         make(map[string]Entry),
		applied:         make(map[string]string),
		checkpoint:      cp,
		checkpointEvery: every,
		checkpointEach:  interval,
		lastCheckpoint:  time.Now(),
	}
	if cp == nil {
		return t, nil
	}
	snap, err := cp.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tally checkpoint: %w", err)
	}
	for candidateID, e := range snap {
		t.entries[candidateID] = e
		if e.LastBallotID != "" {
			t.applied[e.LastBallotID] = candidateID
		}
	}
	return t, nil
}

// Apply increments candidateId's count for ballotId, or is a no-op if
// ballotId was already applied to candidateId, or returns
// errs.ErrProtocolViolation if ballotId was already applied to a
// different candidate. Never decreases a count.
func (t *Tally) Apply(ctx context.Context, candidateID, ballotID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[candidateID]; ok && e.LastBallotID == ballotID {
		return nil
	}
	if appliedTo, ok := t.applied[ballotID]; ok && appliedTo != candidateID {
		return fmt.Errorf("%w: ballotId %s already applied to %s, rejected for %s", errs.ErrProtocolViolation, ballotID, appliedTo, candidateID)
	}

	e := t.entries[candidateID]
	e.Count++
	e.LastBallotID = ballotID
	t.entries[candidateID] = e
	t.applied[ballotID] = candidateID
	t.sinceCheckpoint++

	if t.sinceCheckpoint >= t.checkpointEvery || time.Since(t.lastCheckpoint) >= t.checkpointEach {
		t.checkpointLocked(ctx)
	}
	return nil
}

func (t *Tally) checkpointLocked(ctx context.Context) {
	if t.checkpoint == nil {
		return
	}
	snap := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		snap[k] = v
	}
	if err := t.checkpoint.Checkpoint(ctx, snap); err != nil {
		logging.Warnf("tally checkpoint failed: %v", err)
		return
	}
	t.sinceCheckpoint = 0
	t.lastCheckpoint = time.Now()
}

// Snapshot is a read-only view of current counts.
func (t *Tally) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.entries))
	for k, v := range t.entries {
		out[k] = v.Count
	}
	return out
}

// Close forces a final checkpoint and releases the checkpoint store.
func (t *Tally) Close(ctx context.Context) error {
	t.mu.Lock()
	t.checkpointLocked(ctx)
	t.mu.Unlock()
	if t.checkpoint == nil {
		return nil
	}
	return t.checkpoint.Close()
}

// PostgresCheckpointer writes the tally snapshot to a single table,
// upserting one row per candidate, generalizing storage/postgres.go's
// SQLDB.Insert/Update into a batch checkpoint rather than per-row OLTP
// access.
type PostgresCheckpointer struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckpointer connects using dsn and ensures the checkpoint
// table exists.
func NewPostgresCheckpointer(ctx context.Context, dsn string) (*PostgresCheckpointer, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to tally checkpoint store: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS tally_checkpoint (
		candidate_id TEXT PRIMARY KEY,
		count BIGINT NOT NULL,
		last_ballot_id TEXT NOT NULL
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating tally checkpoint table: %w", err)
	}
	return &PostgresCheckpointer{pool: pool}, nil
}

func (p *PostgresCheckpointer) Checkpoint(ctx context.Context, snapshot map[string]Entry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning checkpoint transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	for candidateID, e := range snapshot {
		if _, err := tx.Exec(ctx, `INSERT INTO tally_checkpoint (candidate_id, count, last_ballot_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (candidate_id) DO UPDATE SET count = $2, last_ballot_id = $3`,
			candidateID, e.Count, e.LastBallotID); err != nil {
			return fmt.Errorf("upserting checkpoint row for %s: %w", candidateID, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresCheckpointer) Load(ctx context.Context) (map[string]Entry, error) {
	rows, err := p.pool.Query(ctx, `SELECT candidate_id, count, last_ballot_id FROM tally_checkpoint`)
	if err != nil {
		return nil, fmt.Errorf("querying tally checkpoint: %w", err)
	}
	defer rows.Close()
	snap := make(map[string]Entry)
	for rows.Next() {
		var candidateID, lastBallotID string
		var count int64
		if err := rows.Scan(&candidateID, &count, &lastBallotID); err != nil {
			return nil, fmt.Errorf("scanning tally checkpoint row: %w", err)
		}
		snap[candidateID] = Entry{Count: count, LastBallotID: lastBallotID}
	}
	return snap, rows.Err()
}

func (p *PostgresCheckpointer) Close() error {
	p.pool.Close()
	return nil
}

// FileCheckpointer writes the snapshot as a single JSON file, the
// dependency-free fallback used when no Postgres DSN is configured.
type FileCheckpointer struct {
	path string
}

func NewFileCheckpointer(path string) *FileCheckpointer {
	return &FileCheckpointer{path: path}
}

func (f *FileCheckpointer) Checkpoint(_ context.Context, snapshot map[string]Entry) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding tally checkpoint: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing tally checkpoint: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileCheckpointer) Load(_ context.Context) (map[string]Entry, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tally checkpoint: %w", err)
	}
	var snap map[string]Entry
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding tally checkpoint: %w", err)
	}
	return snap, nil
}

func (f *FileCheckpointer) Close() error { return nil }
