// Package sender implements StationSender (C3): cast orchestrates
// authorization through durable append; a background retry loop drains
// unconfirmed outbox entries with per-entry exponential backoff, the way
// the RetryScheduler-flavored loops in network/coordinator periodically
// rescan outstanding work.
package sender

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/config"
	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
	"github.com/tomasquin2003/ballot-delivery/logging"
	"github.com/tomasquin2003/ballot-delivery/station/outbox"
	"github.com/tomasquin2003/ballot-delivery/station/roll"
)

// Transport is the subset of *wire.Listener the sender needs, named here
// so tests can substitute a fake.
type Transport interface {
	Send(to string, env wire.Envelope) error
}

// Sender orchestrates casting and redelivery for one station.
type Sender struct {
	stationID  string
	brokerAddr string
	authorizer *roll.Authorizer
	outbox     *outbox.Outbox
	transport  Transport

	retryDelay time.Duration // minimum age before an unconfirmed entry is retried
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64

	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds a Sender. retryDelay, fixed here at 2s, is the minimum age
// an unconfirmed entry must reach before the loop reattempts it.
func New(stationID, brokerAddr string, authorizer *roll.Authorizer, ob *outbox.Outbox, transport Transport) *Sender {
	return &Sender{
		stationID:  stationID,
		brokerAddr: brokerAddr,
		authorizer: authorizer,
		outbox:     ob,
		transport:  transport,
		retryDelay: 2 * time.Second,
		baseDelay:  config.DefaultRetryBaseInterval,
		maxDelay:   config.DefaultRetryMaxInterval,
		multiplier: config.DefaultRetryMultiplier,
		stop:       make(chan struct{}),
	}
}

// Cast authorizes, durably appends, and asynchronously enqueues voterId's
// ballot for candidateId. Returning a ballotId implies the append
// fsynced; delivery to the Broker happens on the retry loop's next tick
// or an immediate best-effort send attempted here.
func (s *Sender) Cast(candidateID, voterID string) (string, error) {
	id := ballot.NewID()
	b := ballot.Ballot{
		BallotID:      id,
		CandidateID:   candidateID,
		StationID:     s.stationID,
		Timestamp:     time.Now(),
		IntegrityHash: integrityHash(id, candidateID, voterID),
	}
	if err := b.Validate(); err != nil {
		return "", err
	}

	decision, err := s.authorizer.AuthorizeAndMark(voterID, func() error {
		return s.outbox.Append(b, voterID)
	})
	if err != nil {
		return "", fmt.Errorf("durably recording ballot: %w", err)
	}
	switch decision {
	case roll.NotOnRoll:
		return "", errs.ErrNotOnRoll
	case roll.AlreadyVoted:
		return "", errs.ErrAlreadyVoted
	}

	// Best-effort immediate send; failure here is not fatal, the retry
	// loop will pick this ballotId up once retryDelay has elapsed.
	if err := s.sendOne(b.BallotID); err != nil {
		logging.Warnf("immediate send of %s failed, deferring to retry loop: %v", b.BallotID, err)
	}
	return b.BallotID, nil
}

// OnConfirmation applies a terminal or transient confirmation received
// from the Broker/CentralIntake path back to the durable outbox.
func (s *Sender) OnConfirmation(ballotID string, status wire.Status) {
	switch status {
	case wire.StatusReceived, wire.StatusProcessed, wire.StatusDuplicate:
		if err := s.outbox.MarkConfirmed(ballotID); err != nil {
			logging.Warnf("marking %s confirmed: %v", ballotID, err)
		}
	case wire.StatusTransientError, wire.StatusPermanentError:
		// left PENDING; the retry loop will reattempt per backoff.
	}
}

// Run starts the periodic retry loop. It blocks until ctx is cancelled
// or Stop is called, and is meant to run in its own goroutine.
func (s *Sender) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.retryUnconfirmed()
		}
	}
}

// Stop signals Run to exit after any in-flight send completes, letting
// that send finish durably (marked sent, or left pending) before the
// station process exits.
func (s *Sender) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Sender) retryUnconfirmed() {
	for _, e := range s.outbox.ScanUnconfirmed() {
		if time.Since(e.CreatedAt) < s.retryDelay {
			continue
		}
		n := e.Attempts
		delay := backoff(s.baseDelay, s.maxDelay, s.multiplier, n)
		if n > 0 && time.Since(e.CreatedAt) < delay {
			continue
		}
		s.wg.Add(1)
		go func(ballotID string) {
			defer s.wg.Done()
			if err := s.sendOne(ballotID); err != nil {
				logging.Warnf("retry send of %s failed: %v", ballotID, err)
				if _, err := s.outbox.IncrementAttempts(ballotID); err != nil {
					logging.Warnf("persisting attempt count for %s: %v", ballotID, err)
				}
			}
		}(e.Ballot.BallotID)
	}
}

func (s *Sender) sendOne(ballotID string) error {
	entries := s.outbox.ScanUnconfirmed()
	for _, e := range entries {
		if e.Ballot.BallotID != ballotID {
			continue
		}
		env := wire.NewOfferEnvelope(e.Ballot)
		if err := s.transport.Send(s.brokerAddr, env); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransport, err)
		}
		return s.outbox.MarkSent(ballotID)
	}
	return nil
}

func backoff(base, max time.Duration, multiplier float64, attempt int) time.Duration {
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= multiplier
	}
	if time.Duration(d) > max {
		return max
	}
	return time.Duration(d)
}

func integrityHash(ballotID, candidateID, voterID string) []byte {
	sum := sha256.Sum256([]byte(ballotID + "|" + candidateID + "|" + voterID))
	return sum[:]
}
