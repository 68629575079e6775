// Package errs collects the typed/sentinel errors that flow through the
// delivery pipeline, in the idiom of utils/errors.go.
package errs

import "errors"

var (
	// ErrNotOnRoll: the voterId is not present in the station's eligibility roll.
	ErrNotOnRoll = errors.New("voter not on roll")
	// ErrAlreadyVoted: a durable OutboxEntry for this voterId already exists
	// in PENDING, SENT, or CONFIRMED.
	ErrAlreadyVoted = errors.New("voter already cast a ballot")
	// ErrRollScanFailed: the durable "already voted" scan could not complete
	// at startup; the station must refuse to open for voting.
	ErrRollScanFailed = errors.New("roll durability scan failed")

	// ErrPersistence: a durable write failed. The caller must treat the
	// operation as unacknowledged.
	ErrPersistence = errors.New("durable write failed")

	// ErrValidation: malformed ballotId, missing candidateId, empty hash.
	ErrValidation = errors.New("invalid ballot")

	// ErrQueueFull: BrokerQueue is at capacity. Never a silent drop.
	ErrQueueFull = errors.New("queue full")

	// ErrCircuitOpen: the destination's circuit breaker is open; caller
	// must not attempt the send, the ballot stays durably pending.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrDuplicate: not a failure. Terminal confirmation for the sender.
	ErrDuplicate = errors.New("duplicate ballot")

	// ErrProtocolViolation: the same ballotId was applied to two distinct
	// candidateIds. Logged and refused, never silently overwritten.
	ErrProtocolViolation = errors.New("protocol violation: ballotId applied to a second candidate")

	// ErrUnknownBallot: an operation referenced a ballotId this layer has
	// no record of.
	ErrUnknownBallot = errors.New("unknown ballotId")

	// ErrTransport: timeout or connection failure talking to a peer tier.
	ErrTransport = errors.New("transport error")

	// ErrQuarantined: delivery for this ballotId has been permanently
	// halted and is retained only for audit.
	ErrQuarantined = errors.New("ballot quarantined")
)
