// Package ballot defines the Ballot value type and its state machine.
// A Ballot is immutable once created; ballotId is the primary identity
// for every idempotence decision made anywhere in the pipeline.
package ballot

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
)

// State is the forward-only per-layer ballot state.
type State uint8

const (
	Pending State = iota
	Sent
	Confirmed
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Sent:
		return "SENT"
	case Confirmed:
		return "CONFIRMED"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// CanAdvanceTo reports whether a transition from s to next is forward-only,
// per spec: states never move back to an earlier one.
func (s State) CanAdvanceTo(next State) bool {
	return next >= s
}

// Ballot is the unit of vote. candidateId and integrityHash are opaque to
// this package; stationId and timestamp are supplied by the casting
// station and never re-derived downstream.
type Ballot struct {
	BallotID      string    `json:"ballotId"`
	CandidateID   string    `json:"candidateId"`
	StationID     string    `json:"stationId"`
	Timestamp     time.Time `json:"timestamp"`
	IntegrityHash []byte    `json:"integrityHash"`
}

// NewID generates a globally unique 128-bit ballot identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the structural invariants a Ballot must hold before it
// is accepted at any layer: non-empty id/candidate/station, non-empty hash.
func (b Ballot) Validate() error {
	if b.BallotID == "" {
		return errValidation("empty ballotId")
	}
	if _, err := uuid.Parse(b.BallotID); err != nil {
		return errValidation("malformed ballotId: " + err.Error())
	}
	if b.CandidateID == "" {
		return errValidation("empty candidateId")
	}
	if b.StationID == "" {
		return errValidation("empty stationId")
	}
	if len(b.IntegrityHash) == 0 {
		return errValidation("empty integrityHash")
	}
	return nil
}

func errValidation(detail string) error {
	return fmt.Errorf("%w: %s", errs.ErrValidation, detail)
}
