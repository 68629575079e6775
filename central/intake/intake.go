// Package intake implements CentralIntake (C8): idempotent receipt of
// ballots keyed by ballotId, durable logging grounded the same way
// station/outbox and broker/log are, and replay of the unprocessed log
// tail at startup.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	set "github.com/deckarep/golang-set"
	"github.com/tidwall/wal"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
	"github.com/tomasquin2003/ballot-delivery/logging"
)

// TallyApplier is the subset of *tally.Tally intake depends on.
type TallyApplier interface {
	Apply(ctx context.Context, candidateID, ballotID string) error
}

// Confirmer is notified once a ballotId reaches a terminal state.
type Confirmer interface {
	Confirm(ballotID string, status wire.Status)
}

type record struct {
	Op     string        `json:"op"` // "received" | "processed"
	Ballot *ballot.Ballot `json:"ballot,omitempty"`
}

// Intake is the single writer for the received-ballot log and the
// authority on whether a ballotId has already been seen.
type Intake struct {
	mu        sync.Mutex
	wl        *wal.Log
	lsn       uint64
	processed set.Set                  // ballotId dedup view, mirrors station/roll's voted set
	received  map[string]ballot.Ballot // ballotId -> ballot, including not-yet-processed
	tally     TallyApplier
}

// Open opens or creates the received log at dir and rebuilds the
// processed/received index by replaying it.
func Open(dir string, tally TallyApplier) (*Intake, error) {
	wl, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening intake log at %s: %w", dir, err)
	}
	in := &Intake{
		wl:        wl,
		processed: set.NewSet(),
		received:  make(map[string]ballot.Ballot),
		tally:     tally,
	}
	last, err := wl.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("reading intake log index: %w", err)
	}
	in.lsn = last
	for i := uint64(1); i <= last; i++ {
		data, err := wl.Read(i)
		if err != nil {
			return nil, fmt.Errorf("replaying intake log entry %d: %w", i, err)
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("corrupt intake log entry %d: %w", i, err)
		}
		switch r.Op {
		case "received":
			in.received[r.Ballot.BallotID] = *r.Ballot
		case "processed":
			in.processed.Add(r.Ballot.BallotID)
		}
	}
	return in, nil
}

// Receive is CentralIntake's sole entry point. Duplicate ballotIds
// return wire.StatusDuplicate, which is a success signal, not a
// failure, per the protocol's idempotence contract.
func (in *Intake) Receive(ctx context.Context, b ballot.Ballot, confirmer Confirmer) (wire.Status, error) {
	in.mu.Lock()
	if in.processed.Contains(b.BallotID) {
		in.mu.Unlock()
		if confirmer != nil {
			confirmer.Confirm(b.BallotID, wire.StatusDuplicate)
		}
		return wire.StatusDuplicate, nil
	}
	if err := in.append(record{Op: "received", Ballot: &b}); err != nil {
		in.mu.Unlock()
		return wire.StatusTransientError, err
	}
	in.received[b.BallotID] = b
	in.mu.Unlock()

	if err := in.tally.Apply(ctx, b.CandidateID, b.BallotID); err != nil {
		if errors.Is(err, errs.ErrProtocolViolation) {
			logging.Warnf("protocol violation applying %s: %v", b.BallotID, err)
			return wire.StatusPermanentError, err
		}
		return wire.StatusTransientError, err
	}

	in.mu.Lock()
	if err := in.append(record{Op: "processed", Ballot: &b}); err != nil {
		in.mu.Unlock()
		return wire.StatusTransientError, err
	}
	in.processed.Add(b.BallotID)
	in.mu.Unlock()

	if confirmer != nil {
		confirmer.Confirm(b.BallotID, wire.StatusProcessed)
	}
	return wire.StatusProcessed, nil
}

// Replay re-applies to Tally every received ballot not yet marked
// processed. Safe to call repeatedly: Tally.Apply is itself idempotent
// by ballotId.
func (in *Intake) Replay(ctx context.Context) error {
	in.mu.Lock()
	pending := make([]ballot.Ballot, 0)
	for id, b := range in.received {
		if !in.processed.Contains(id) {
			pending = append(pending, b)
		}
	}
	in.mu.Unlock()

	for _, b := range pending {
		if err := in.tally.Apply(ctx, b.CandidateID, b.BallotID); err != nil {
			return fmt.Errorf("replaying ballot %s: %w", b.BallotID, err)
		}
		in.mu.Lock()
		if err := in.append(record{Op: "processed", Ballot: &b}); err != nil {
			in.mu.Unlock()
			return fmt.Errorf("marking %s processed during replay: %w", b.BallotID, err)
		}
		in.processed.Add(b.BallotID)
		in.mu.Unlock()
	}
	return nil
}

// append writes one record and fsyncs. Callers must hold mu.
func (in *Intake) append(r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encoding intake record: %v", errs.ErrPersistence, err)
	}
	in.lsn++
	if err := in.wl.Write(in.lsn, data); err != nil {
		in.lsn--
		return fmt.Errorf("%w: %v", errs.ErrPersistence, err)
	}
	return nil
}

// Close releases the underlying log file.
func (in *Intake) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.wl.Close()
}
