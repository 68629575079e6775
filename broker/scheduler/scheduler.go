// Package scheduler implements RetryScheduler (C7): drains
// BrokerLog.listPending honoring CircuitBreaker, with strict priority +
// FIFO-within-priority ordering via broker/queue and bounded concurrent
// in-flight sends per destination via a semaphore channel, the same
// bounded-goroutine shape as network/coordinator/conn.go's Commu.sem.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/broker/breaker"
	"github.com/tomasquin2003/ballot-delivery/broker/log"
	"github.com/tomasquin2003/ballot-delivery/broker/queue"
	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
	"github.com/tomasquin2003/ballot-delivery/logging"
)

// Sender delivers one ballot to the central destination and returns its
// terminal or transient status.
type Sender interface {
	Send(ctx context.Context, destination string, b ballot.Ballot) (wire.Status, error)
}

// Confirmer notifies the originating station that a ballotId reached a
// terminal state, used when StationSender is still connected.
type Confirmer interface {
	Confirm(ballotID string, status wire.Status)
}

// Scheduler periodically drains pending BrokerRecords and attempts
// delivery to a single central destination.
type Scheduler struct {
	log         *log.Log
	breaker     *breaker.Breaker
	queue       *queue.Queue
	sender      Sender
	confirmer   Confirmer
	destination string

	callTimeout   time.Duration
	baseInterval  time.Duration
	maxInterval   time.Duration
	multiplier    float64
	maxAttempts   int
	maxConcurrent int

	quarantineMu sync.Mutex
	quarantined  map[string]bool
}

// New builds a Scheduler targeting a single central destination.
// maxConcurrent bounds in-flight sends to that destination.
func New(l *log.Log, b *breaker.Breaker, q *queue.Queue, sender Sender, confirmer Confirmer, destination string,
	callTimeout, baseInterval, maxInterval time.Duration, multiplier float64, maxAttempts, maxConcurrent int) *Scheduler {
	return &Scheduler{
		log:           l,
		breaker:       b,
		queue:         q,
		sender:        sender,
		confirmer:     confirmer,
		destination:   destination,
		callTimeout:   callTimeout,
		baseInterval:  baseInterval,
		maxInterval:   maxInterval,
		multiplier:    multiplier,
		maxAttempts:   maxAttempts,
		maxConcurrent: maxConcurrent,
		quarantined:   make(map[string]bool),
	}
}

// Run drains the queue until ctx is cancelled. Each dequeued ballot is
// dispatched to its own goroutine, bounded by a semaphore sized
// maxConcurrent, preserving strict priority + FIFO-within-priority
// ordering at the point of dequeue even though sends themselves run
// concurrently.
func (s *Scheduler) Run(ctx context.Context) {
	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup
	for {
		b, _, ok := s.queue.Dequeue()
		if !ok {
			wg.Wait()
			return
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(b ballot.Ballot) {
			defer wg.Done()
			defer func() { <-sem }()
			s.attempt(ctx, b)
		}(b)
	}
}

func (s *Scheduler) attempt(ctx context.Context, b ballot.Ballot) {
	s.quarantineMu.Lock()
	quarantined := s.quarantined[b.BallotID]
	s.quarantineMu.Unlock()
	if quarantined {
		return
	}

	if s.breaker.IsOpen(s.destination) {
		s.log.IncrementAttempts(b.BallotID)
		if err := s.log.Record(b, int(queue.PriorityHigh)); err != nil {
			logging.Warnf("persisting attempt count for %s: %v", b.BallotID, err)
		}
		s.requeueAfter(b, s.delayFor(0))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	status, err := s.sender.Send(callCtx, s.destination, b)
	cancel()

	if err != nil {
		s.breaker.Failure(s.destination)
		attempts := s.log.IncrementAttempts(b.BallotID)
		if err := s.log.Record(b, int(queue.PriorityHigh)); err != nil {
			logging.Warnf("persisting attempt count for %s: %v", b.BallotID, err)
		}
		if attempts >= s.maxAttempts {
			s.quarantineMu.Lock()
			s.quarantined[b.BallotID] = true
			s.quarantineMu.Unlock()
			_ = s.log.AuditWrite("QUARANTINED", b.BallotID, fmt.Sprintf("exceeded %d attempts: %v", s.maxAttempts, err))
			return
		}
		logging.Warnf("send of %s to %s failed (attempt %d): %v", b.BallotID, s.destination, attempts, err)
		s.requeueAfter(b, s.delayFor(attempts))
		return
	}

	s.breaker.Success(s.destination)
	if err := s.log.MarkSent(b.BallotID); err != nil {
		logging.Warnf("marking %s sent: %v", b.BallotID, err)
	}
	if s.confirmer != nil {
		s.confirmer.Confirm(b.BallotID, status)
	}
}

// ForceRetry clears any quarantine on ballotID and re-enqueues it at
// HIGH priority immediately, bypassing the backoff window an operator
// would otherwise have to wait out. Returns errs.ErrUnknownBallot if
// the log has no record of ballotID, and is a no-op if it is already
// SENT.
func (s *Scheduler) ForceRetry(ballotID string) error {
	s.quarantineMu.Lock()
	delete(s.quarantined, ballotID)
	s.quarantineMu.Unlock()

	rec, ok := s.log.Get(ballotID)
	if !ok {
		return errs.ErrUnknownBallot
	}
	if rec.State == log.Sent {
		return nil
	}
	return s.queue.Enqueue(rec.Ballot, queue.PriorityHigh, s.log)
}

func (s *Scheduler) delayFor(attempts int) time.Duration {
	d := float64(s.baseInterval)
	for i := 0; i < attempts; i++ {
		d *= s.multiplier
	}
	if time.Duration(d) > s.maxInterval {
		return s.maxInterval
	}
	return time.Duration(d)
}

func (s *Scheduler) requeueAfter(b ballot.Ballot, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if err := s.queue.Enqueue(b, queue.PriorityHigh, s.log); err != nil && err != errs.ErrQueueFull {
			logging.Warnf("requeueing %s: %v", b.BallotID, err)
		}
	})
}
