package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
)

type fakeSentChecker map[string]bool

func (f fakeSentChecker) IsSent(ballotID string) bool { return f[ballotID] }

func newBallot(id string) ballot.Ballot {
	return ballot.Ballot{BallotID: id, CandidateID: "C1", StationID: "S1", Timestamp: time.Now(), IntegrityHash: []byte{1}}
}

func TestDequeueOrdersHighPriorityFirst(t *testing.T) {
	q := New(10)
	assert.NoError(t, q.Enqueue(newBallot("a"), PriorityNormal, nil))
	assert.NoError(t, q.Enqueue(newBallot("b"), PriorityHigh, nil))
	assert.NoError(t, q.Enqueue(newBallot("c"), PriorityNormal, nil))

	b, p, ok := q.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, "b", b.BallotID)
	assert.Equal(t, PriorityHigh, p)
}

func TestDequeueIsFIFOWithinPriority(t *testing.T) {
	q := New(10)
	assert.NoError(t, q.Enqueue(newBallot("a"), PriorityNormal, nil))
	assert.NoError(t, q.Enqueue(newBallot("b"), PriorityNormal, nil))

	b1, _, _ := q.Dequeue()
	b2, _, _ := q.Dequeue()
	assert.Equal(t, "a", b1.BallotID)
	assert.Equal(t, "b", b2.BallotID)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(1)
	assert.NoError(t, q.Enqueue(newBallot("a"), PriorityNormal, nil))
	err := q.Enqueue(newBallot("b"), PriorityNormal, nil)
	assert.ErrorIs(t, err, errs.ErrQueueFull)
}

func TestEnqueueIsNoOpWhenAlreadySent(t *testing.T) {
	q := New(10)
	checker := fakeSentChecker{"a": true}
	assert.NoError(t, q.Enqueue(newBallot("a"), PriorityNormal, checker))
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueIsNoOpWhenAlreadyPresent(t *testing.T) {
	q := New(10)
	assert.NoError(t, q.Enqueue(newBallot("a"), PriorityNormal, nil))
	assert.NoError(t, q.Enqueue(newBallot("a"), PriorityHigh, nil))
	assert.Equal(t, 1, q.Len())
}

func TestDequeueUnblocksFalseOnClose(t *testing.T) {
	q := New(10)
	done := make(chan bool, 1)
	go func() {
		_, _, ok := q.Dequeue()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock after Close")
	}
}
