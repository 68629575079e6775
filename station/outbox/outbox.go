// Package outbox implements StationOutbox (C2): a durable, crash-safe
// store of OutboxEntries. Every state transition is appended to a
// tidwall/wal log and fsynced before append returns, generalizing the
// teacher's storage/log_manager.go — but unlike LogManager's buffered,
// periodic localBatchSyncLogger flush, append here writes and syncs
// synchronously, because I4/I5 require a returned ballotId to imply
// durability, not eventual durability.
package outbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/wal"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
)

// record is one durably-logged transition. op disambiguates the four
// operations that ever touch the log.
type record struct {
	Op       string `json:"op"` // "append" | "sent" | "confirmed" | "attempt"
	Entry    *Entry `json:"entry,omitempty"`
	BallotID string `json:"ballotId,omitempty"`
}

// Entry is one station-side record of a cast ballot.
type Entry struct {
	Ballot    ballot.Ballot `json:"ballot"`
	VoterID   string        `json:"voterId"`
	State     ballot.State  `json:"state"`
	Attempts  int           `json:"attempts"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Outbox is the single writer for a station's durable ballot log. Reads
// (ScanUnconfirmed, VoterIDs) and writes both take mu, so the in-memory
// index is never read while it is being mutated; the underlying wal.Log
// also serializes its own writers internally.
type Outbox struct {
	mu    sync.Mutex
	log   *wal.Log
	lsn   uint64
	index map[string]*Entry // ballotId -> entry, rebuilt from log at Open
}

// Open opens (or creates) the durable log rooted at dir and rebuilds the
// in-memory index by replaying every record. A replay failure is
// returned rather than panicked, so the caller can refuse to start the
// station — the same closed-by-default posture as roll.NewAuthorizer.
func Open(dir string) (*Outbox, error) {
	log, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening outbox log at %s: %w", dir, err)
	}
	o := &Outbox{log: log, index: make(map[string]*Entry)}
	last, err := log.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("reading outbox log index: %w", err)
	}
	o.lsn = last
	for i := uint64(1); i <= last; i++ {
		data, err := log.Read(i)
		if err != nil {
			return nil, fmt.Errorf("replaying outbox log entry %d: %w", i, err)
		}
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("corrupt outbox log entry %d: %w", i, err)
		}
		o.apply(r)
	}
	return o, nil
}

func (o *Outbox) apply(r record) {
	switch r.Op {
	case "append":
		o.index[r.Entry.Ballot.BallotID] = r.Entry
	case "sent":
		if e, ok := o.index[r.BallotID]; ok {
			e.State = ballot.Sent
		}
	case "confirmed":
		if e, ok := o.index[r.BallotID]; ok {
			e.State = ballot.Confirmed
		}
	case "attempt":
		if e, ok := o.index[r.BallotID]; ok {
			e.Attempts++
		}
	}
}

// Append durably records a newly cast ballot. It returns only after the
// record has been written and fsynced to the log; a non-nil error means
// the vote was never durably recorded and must not be treated as cast.
func (o *Outbox) Append(b ballot.Ballot, voterID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry := &Entry{Ballot: b, VoterID: voterID, State: ballot.Pending, CreatedAt: time.Now()}
	if err := o.write(record{Op: "append", Entry: entry}); err != nil {
		return err
	}
	o.index[b.BallotID] = entry
	return nil
}

// MarkSent records that the Broker has accepted ballotId.
func (o *Outbox) MarkSent(ballotID string) error {
	return o.transition(ballotID, "sent", ballot.Sent)
}

// MarkConfirmed records a terminal confirmation from CentralIntake.
func (o *Outbox) MarkConfirmed(ballotID string) error {
	return o.transition(ballotID, "confirmed", ballot.Confirmed)
}

func (o *Outbox) transition(ballotID, op string, next ballot.State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.index[ballotID]
	if !ok {
		return errs.ErrUnknownBallot
	}
	if e.State == next || !e.State.CanAdvanceTo(next) {
		return nil // already at or past next; forward-only, not an error
	}
	if err := o.write(record{Op: op, BallotID: ballotID}); err != nil {
		return err
	}
	e.State = next
	return nil
}

// write appends one JSON record to the log and fsyncs before returning.
// Callers must hold mu.
func (o *Outbox) write(r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encoding outbox record: %v", errs.ErrPersistence, err)
	}
	o.lsn++
	if err := o.log.Write(o.lsn, data); err != nil {
		o.lsn--
		return fmt.Errorf("%w: %v", errs.ErrPersistence, err)
	}
	return nil
}

// IncrementAttempts durably bumps ballotID's retry attempt counter and
// returns the new count, so a station restart resumes the right
// backoff stage instead of starting every unconfirmed entry over at
// attempt zero.
func (o *Outbox) IncrementAttempts(ballotID string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.index[ballotID]
	if !ok {
		return 0, errs.ErrUnknownBallot
	}
	if err := o.write(record{Op: "attempt", BallotID: ballotID}); err != nil {
		return 0, err
	}
	e.Attempts++
	return e.Attempts, nil
}

// ScanUnconfirmed returns every entry not yet in CONFIRMED state, the
// view StationSender's retry loop depends on. RollAuthorizer's startup
// scan uses VoterIDs instead.
func (o *Outbox) ScanUnconfirmed() []*Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Entry, 0, len(o.index))
	for _, e := range o.index {
		if e.State != ballot.Confirmed {
			out = append(out, e)
		}
	}
	return out
}

// VoterIDs returns every voterId that has at least one durable entry in
// {PENDING, SENT, CONFIRMED} — every entry in the index, since rejected
// entries are never indexed. Used to rebuild RollAuthorizer's voted set.
func (o *Outbox) VoterIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.index))
	for _, e := range o.index {
		out = append(out, e.VoterID)
	}
	return out
}

// Close releases the underlying log file.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.log.Close()
}
