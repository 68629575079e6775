// Package roll implements RollAuthorizer (C1): eligibility + already-voted
// tracking for a single station. The eligibility set is immutable and
// loaded once at startup; the already-voted set is durable and rebuilt
// from the outbox log, never defaulted to allow on a scan failure.
package roll

import (
	"sync"

	set "github.com/deckarep/golang-set"

	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
)

// Decision is the outcome of an authorize call.
type Decision int

const (
	Authorized Decision = iota
	NotOnRoll
	AlreadyVoted
)

func (d Decision) String() string {
	switch d {
	case Authorized:
		return "AUTHORIZED"
	case NotOnRoll:
		return "NOT_ON_ROLL"
	case AlreadyVoted:
		return "ALREADY_VOTED"
	default:
		return "UNKNOWN"
	}
}

// Authorizer decides eligibility and already-voted status. authorize is
// serialized per voterId via a single mutex guarding the voted set: the
// set itself is small enough (one entry per cast ballot at a single
// station) that a single lock, rather than per-key striping, is the
// right shape here. Authorize and MarkCast hold it only for set access;
// AuthorizeAndMark also holds it across persist, so every voterId waits
// behind an in-progress durable append.
type Authorizer struct {
	mu    sync.Mutex
	roll  set.Set // eligible voterIds, immutable after NewAuthorizer
	voted set.Set // voterIds with a durable OutboxEntry in {PENDING,SENT,CONFIRMED}
}

// ScanFunc supplies the voterIds that already have a durable outbox
// entry, used to rebuild the voted set at startup. Returning an error
// means the scan could not complete; NewAuthorizer then refuses to
// return a usable Authorizer, per the station's closed-by-default policy.
type ScanFunc func() ([]string, error)

// NewAuthorizer loads the immutable eligibility roll and rebuilds the
// voted set by calling scan. If scan fails, the station must not open
// for voting: this returns errs.ErrRollScanFailed rather than an
// Authorizer with an empty voted set.
func NewAuthorizer(eligibleVoterIDs []string, scan ScanFunc) (*Authorizer, error) {
	already, err := scan()
	if err != nil {
		return nil, errs.ErrRollScanFailed
	}
	roll := set.NewSet()
	for _, id := range eligibleVoterIDs {
		roll.Add(id)
	}
	voted := set.NewSet()
	for _, id := range already {
		voted.Add(id)
	}
	return &Authorizer{roll: roll, voted: voted}, nil
}

// Authorize reports whether voterId may cast a ballot at this station.
// Two concurrent calls for the same voterId never both return
// Authorized: the check-and-would-be-marked decision happens under the
// same lock markCast uses to actually record the vote.
func (a *Authorizer) Authorize(voterID string) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.roll.Contains(voterID) {
		return NotOnRoll
	}
	if a.voted.Contains(voterID) {
		return AlreadyVoted
	}
	return Authorized
}

// MarkCast flips voterId to voted. It persists nothing itself and the
// outbox does not call it; AuthorizeAndMark, which marks the voter only
// after persist succeeds and under the same lock, is the path that keeps
// authorize+append+markCast one critical section per voterId.
func (a *Authorizer) MarkCast(voterID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.voted.Add(voterID)
}

// AuthorizeAndMark runs authorize and, if it returns Authorized, runs
// persist (expected to durably append the OutboxEntry) and marks the
// voterId voted, all while holding the same lock — the single critical
// section per-voterId serializability requires. If persist
// returns an error the voterId is left unmarked so a later cast attempt
// is still possible.
func (a *Authorizer) AuthorizeAndMark(voterID string, persist func() error) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.roll.Contains(voterID) {
		return NotOnRoll, nil
	}
	if a.voted.Contains(voterID) {
		return AlreadyVoted, nil
	}
	if err := persist(); err != nil {
		return Authorized, err
	}
	a.voted.Add(voterID)
	return Authorized, nil
}
