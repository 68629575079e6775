// Package log implements BrokerLog (C5): an append-only durable log of
// BrokerRecords with an in-memory index keyed by ballotId, grounded on
// storage/log_manager.go's wal.Log usage, generalized the
// same way station/outbox is: synchronous per-record fsync rather than
// LogManager's buffered background flush, since BrokerQueue's crash
// recovery re-enqueue depends on the log reflecting every accepted
// ballot even across an unclean shutdown.
package log

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/wal"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
)

// State is a BrokerRecord's delivery state, distinct from ballot.State:
// the broker only ever tracks PENDING vs SENT for its own bookkeeping.
type State uint8

const (
	Pending State = iota
	Sent
)

// Record is the broker's durable record of one ballot's delivery state.
type Record struct {
	Ballot    ballot.Ballot `json:"ballot"`
	Priority  int           `json:"priority"`
	State     State         `json:"state"`
	Attempts  int           `json:"attempts"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type entry struct {
	Op        string    `json:"op"` // "record" | "sent" | "audit" | "purged"
	Record    *Record   `json:"record,omitempty"`
	BallotID  string    `json:"ballotId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Log is the broker's single-writer durable store.
type Log struct {
	mu    sync.Mutex
	wl    *wal.Log
	lsn   uint64
	index map[string]*Record
}

// Open opens or creates the log at dir and replays it to rebuild index.
func Open(dir string) (*Log, error) {
	wl, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening broker log at %s: %w", dir, err)
	}
	l := &Log{wl: wl, index: make(map[string]*Record)}
	last, err := wl.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("reading broker log index: %w", err)
	}
	l.lsn = last
	for i := uint64(1); i <= last; i++ {
		data, err := wl.Read(i)
		if err != nil {
			return nil, fmt.Errorf("replaying broker log entry %d: %w", i, err)
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("corrupt broker log entry %d: %w", i, err)
		}
		l.apply(e)
	}
	return l, nil
}

func (l *Log) apply(e entry) {
	switch e.Op {
	case "record":
		if existing, ok := l.index[e.Record.Ballot.BallotID]; ok {
			existing.Priority = e.Record.Priority
			existing.Attempts = e.Record.Attempts
			existing.UpdatedAt = e.Record.UpdatedAt
		} else {
			l.index[e.Record.Ballot.BallotID] = e.Record
		}
	case "sent":
		if r, ok := l.index[e.BallotID]; ok {
			r.State = Sent
			r.UpdatedAt = e.Timestamp
		}
	case "purged":
		delete(l.index, e.BallotID)
	}
}

// Record durably records b at priority, idempotent by ballotId: a
// second call for the same ballotId updates priority/attempt fields
// rather than adding a second entry.
func (l *Log) Record(b ballot.Ballot, priority int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := &Record{Ballot: b, Priority: priority, State: Pending, UpdatedAt: time.Now()}
	if existing, ok := l.index[b.BallotID]; ok {
		rec.Attempts = existing.Attempts
		rec.State = existing.State
	}
	if err := l.write(entry{Op: "record", Record: rec}); err != nil {
		return err
	}
	l.index[b.BallotID] = rec
	return nil
}

// MarkSent records that CentralIntake has acknowledged ballotId.
func (l *Log) MarkSent(ballotID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.index[ballotID]
	if !ok {
		return errs.ErrUnknownBallot
	}
	if r.State == Sent {
		return nil
	}
	now := time.Now()
	if err := l.write(entry{Op: "sent", BallotID: ballotID, Timestamp: now}); err != nil {
		return err
	}
	r.State = Sent
	r.UpdatedAt = now
	return nil
}

// IncrementAttempts bumps the in-memory attempt counter for ballotID;
// callers (RetryScheduler) persist the new count via Record.
func (l *Log) IncrementAttempts(ballotID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.index[ballotID]
	if !ok {
		return 0
	}
	r.Attempts++
	return r.Attempts
}

// Get returns a copy of the record for ballotID, if known.
func (l *Log) Get(ballotID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.index[ballotID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ListPending returns every record not yet SENT.
func (l *Log) ListPending() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, 0, len(l.index))
	for _, r := range l.index {
		if r.State != Sent {
			out = append(out, r)
		}
	}
	return out
}

// IsSent implements queue.SentChecker, the interface BrokerQueue.Enqueue
// consults to decide whether an enqueue is a no-op.
func (l *Log) IsSent(ballotID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.index[ballotID]
	return ok && r.State == Sent
}

// AuditWrite durably records an out-of-band audit note (e.g. a circuit
// breaker transition or a quarantine decision) against ballotID.
func (l *Log) AuditWrite(operation, ballotID, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(entry{Op: "audit", BallotID: ballotID, Detail: operation + ": " + detail})
}

// SentOlderThan returns a snapshot of every SENT record last updated
// before cutoff, for a caller to archive. The records remain in the
// index until Purge is called for each archived ballotId, so a failed
// archive attempt never loses data.
func (l *Log) SentOlderThan(cutoff time.Time) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0)
	for _, r := range l.index {
		if r.State == Sent && r.UpdatedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	return out
}

// Purge durably removes ballotID from the log and index. Callers must
// have archived the record first if it needs to survive the purge;
// Purge itself does not archive.
func (l *Log) Purge(ballotID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[ballotID]; !ok {
		return nil
	}
	if err := l.write(entry{Op: "purged", BallotID: ballotID}); err != nil {
		return err
	}
	delete(l.index, ballotID)
	return nil
}

func (l *Log) write(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encoding broker log record: %v", errs.ErrPersistence, err)
	}
	l.lsn++
	if err := l.wl.Write(l.lsn, data); err != nil {
		l.lsn--
		return fmt.Errorf("%w: %v", errs.ErrPersistence, err)
	}
	return nil
}

// Close releases the underlying log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wl.Close()
}
