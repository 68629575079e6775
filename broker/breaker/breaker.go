// Package breaker implements CircuitBreaker (C6): a per-destination
// CLOSED/OPEN/HALF_OPEN state machine guarded by a
// viney-shih/go-lock CAS mutex per destination, the same lock type the
// teacher's storage/cc_2pl_nw.go uses to guard one latch per row.
package breaker

import (
	"sync"
	"time"

	"github.com/viney-shih/go-lock"
)

// State is one destination's current breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Audit receives every state transition, the breaker's audit channel;
// broker/log.Log.AuditWrite satisfies this.
type Audit interface {
	AuditWrite(operation, ballotID, detail string) error
}

type destinationState struct {
	latch                lock.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// Breaker tracks one state machine per destination, parameterized by
// failure threshold F, open timeout T, and success threshold S.
type Breaker struct {
	mu    sync.Mutex // guards the destinations map itself, not per-destination state
	dests map[string]*destinationState

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	audit            Audit
}

// New builds a Breaker. audit may be nil to discard transitions.
func New(failureThreshold, successThreshold int, openTimeout time.Duration, audit Audit) *Breaker {
	return &Breaker{
		dests:            make(map[string]*destinationState),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		audit:            audit,
	}
}

func (b *Breaker) destFor(destination string) *destinationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dests[destination]
	if !ok {
		d = &destinationState{latch: lock.NewCASMutex()}
		b.dests[destination] = d
	}
	return d
}

// IsOpen reports whether destination currently refuses sends. An OPEN
// destination whose open timeout has elapsed transitions to HALF_OPEN
// here as a side effect of the check, matching the table's "probe time elapsed" event
// firing on observation rather than on a background timer.
func (b *Breaker) IsOpen(destination string) bool {
	d := b.destFor(destination)
	d.latch.Lock()
	defer d.latch.Unlock()
	if d.state == Open && time.Since(d.openedAt) >= b.openTimeout {
		d.state = HalfOpen
		d.consecutiveSuccesses = 0
		b.emit(destination, "OPEN->HALF_OPEN", "probe timeout elapsed")
	}
	return d.state == Open
}

// Success records a successful send to destination.
func (b *Breaker) Success(destination string) {
	d := b.destFor(destination)
	d.latch.Lock()
	defer d.latch.Unlock()
	switch d.state {
	case Closed:
		d.consecutiveFailures = 0
	case HalfOpen:
		d.consecutiveSuccesses++
		if d.consecutiveSuccesses >= b.successThreshold {
			d.state = Closed
			d.consecutiveFailures = 0
			b.emit(destination, "HALF_OPEN->CLOSED", "success threshold reached")
		}
	}
}

// Failure records a failed send to destination.
func (b *Breaker) Failure(destination string) {
	d := b.destFor(destination)
	d.latch.Lock()
	defer d.latch.Unlock()
	switch d.state {
	case Closed:
		d.consecutiveFailures++
		if d.consecutiveFailures >= b.failureThreshold {
			d.state = Open
			d.openedAt = time.Now()
			b.emit(destination, "CLOSED->OPEN", "failure threshold reached")
		}
	case HalfOpen:
		d.state = Open
		d.openedAt = time.Now()
		b.emit(destination, "HALF_OPEN->OPEN", "probe failed")
	}
}

// State returns destination's current state, for the admin surface.
func (b *Breaker) State(destination string) State {
	d := b.destFor(destination)
	d.latch.Lock()
	defer d.latch.Unlock()
	return d.state
}

// Reset forces destination back to CLOSED, the admin ResetBreaker
// operation's effect.
func (b *Breaker) Reset(destination string) {
	d := b.destFor(destination)
	d.latch.Lock()
	defer d.latch.Unlock()
	d.state = Closed
	d.consecutiveFailures = 0
	d.consecutiveSuccesses = 0
	b.emit(destination, "RESET->CLOSED", "operator reset")
}

func (b *Breaker) emit(destination, transition, detail string) {
	if b.audit == nil {
		return
	}
	_ = b.audit.AuditWrite(transition, destination, detail)
}
