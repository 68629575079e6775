package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/broker/breaker"
	"github.com/tomasquin2003/ballot-delivery/broker/log"
	"github.com/tomasquin2003/ballot-delivery/broker/queue"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
)

type fakeSender struct {
	mu      sync.Mutex
	calls   []string
	failing bool
}

func (f *fakeSender) Send(_ context.Context, _ string, b ballot.Ballot) (wire.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, b.BallotID)
	if f.failing {
		return wire.StatusTransientError, assert.AnError
	}
	return wire.StatusProcessed, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeConfirmer struct {
	mu        sync.Mutex
	confirmed map[string]wire.Status
}

func newFakeConfirmer() *fakeConfirmer { return &fakeConfirmer{confirmed: make(map[string]wire.Status)} }

func (f *fakeConfirmer) Confirm(ballotID string, status wire.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed[ballotID] = status
}

func (f *fakeConfirmer) statusFor(ballotID string) (wire.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.confirmed[ballotID]
	return s, ok
}

func newBallot(id string) ballot.Ballot {
	return ballot.Ballot{BallotID: id, CandidateID: "C1", StationID: "S1", Timestamp: time.Now(), IntegrityHash: []byte{1}}
}

func setup(t *testing.T, sender Sender, confirmer Confirmer) (*Scheduler, *queue.Queue, *log.Log) {
	l, err := log.Open(filepath.Join(t.TempDir(), "brokerlog"))
	assert.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	q := queue.New(10)
	br := breaker.New(3, 2, 50*time.Millisecond, l)
	s := New(l, br, q, sender, confirmer, "central:7003", time.Second, 5*time.Millisecond, 50*time.Millisecond, 2.0, 5, 4)
	return s, q, l
}

func TestSuccessfulSendMarksLogAndConfirms(t *testing.T) {
	sender := &fakeSender{}
	confirmer := newFakeConfirmer()
	s, q, l := setup(t, sender, confirmer)

	b := newBallot("a")
	assert.NoError(t, l.Record(b, 0))
	assert.NoError(t, q.Enqueue(b, queue.PriorityNormal, l))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	go s.Run(ctx)
	defer cancel()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if l.IsSent("a") {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.True(t, l.IsSent("a"))
	status, ok := confirmer.statusFor("a")
	assert.True(t, ok)
	assert.Equal(t, wire.StatusProcessed, status)
}

func TestFailedSendRequeuesUntilQuarantined(t *testing.T) {
	sender := &fakeSender{failing: true}
	s, q, l := setup(t, sender, nil)
	s.maxAttempts = 2

	b := newBallot("a")
	assert.NoError(t, l.Record(b, 0))
	assert.NoError(t, q.Enqueue(b, queue.PriorityNormal, l))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.quarantineMu.Lock()
		q := s.quarantined["a"]
		s.quarantineMu.Unlock()
		if q {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.quarantineMu.Lock()
	assert.True(t, s.quarantined["a"])
	s.quarantineMu.Unlock()
	assert.False(t, l.IsSent("a"))
}

func TestForceRetryClearsQuarantineAndReenqueues(t *testing.T) {
	s, q, l := setup(t, &fakeSender{}, nil)
	b := newBallot("a")
	assert.NoError(t, l.Record(b, 0))

	s.quarantineMu.Lock()
	s.quarantined["a"] = true
	s.quarantineMu.Unlock()

	assert.NoError(t, s.ForceRetry("a"))

	s.quarantineMu.Lock()
	assert.False(t, s.quarantined["a"])
	s.quarantineMu.Unlock()
	assert.Equal(t, 1, q.Len())
}

func TestForceRetryUnknownBallotErrors(t *testing.T) {
	s, _, _ := setup(t, &fakeSender{}, nil)
	assert.Error(t, s.ForceRetry("missing"))
}

func TestForceRetryOnAlreadySentBallotIsNoOp(t *testing.T) {
	s, q, l := setup(t, &fakeSender{}, nil)
	b := newBallot("a")
	assert.NoError(t, l.Record(b, 0))
	assert.NoError(t, l.MarkSent("a"))

	assert.NoError(t, s.ForceRetry("a"))
	assert.Equal(t, 0, q.Len())
}
