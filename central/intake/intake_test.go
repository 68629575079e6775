package intake

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
)

type fakeTally struct {
	mu      sync.Mutex
	applied map[string]string // ballotId -> candidateId
	fail    error
}

func newFakeTally() *fakeTally { return &fakeTally{applied: make(map[string]string)} }

func (f *fakeTally) Apply(_ context.Context, candidateID, ballotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if existing, ok := f.applied[ballotID]; ok && existing != candidateID {
		return errs.ErrProtocolViolation
	}
	f.applied[ballotID] = candidateID
	return nil
}

func (f *fakeTally) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
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

func newBallot(id string) ballot.Ballot {
	return ballot.Ballot{BallotID: id, CandidateID: "C1", StationID: "S1", Timestamp: time.Now(), IntegrityHash: []byte{1}}
}

func TestReceiveProcessesNewBallot(t *testing.T) {
	tl := newFakeTally()
	in, err := Open(filepath.Join(t.TempDir(), "intake"), tl)
	assert.NoError(t, err)
	defer in.Close()

	confirmer := newFakeConfirmer()
	status, err := in.Receive(context.Background(), newBallot("a"), confirmer)
	assert.NoError(t, err)
	assert.Equal(t, wire.StatusProcessed, status)
	assert.Equal(t, 1, tl.appliedCount())
}

func TestReceiveIsIdempotentOnDuplicate(t *testing.T) {
	tl := newFakeTally()
	in, err := Open(filepath.Join(t.TempDir(), "intake"), tl)
	assert.NoError(t, err)
	defer in.Close()

	confirmer := newFakeConfirmer()
	_, err = in.Receive(context.Background(), newBallot("a"), confirmer)
	assert.NoError(t, err)
	status, err := in.Receive(context.Background(), newBallot("a"), confirmer)
	assert.NoError(t, err)
	assert.Equal(t, wire.StatusDuplicate, status)
	assert.Equal(t, 1, tl.appliedCount(), "a duplicate receive must not apply to the tally a second time")
}

func TestReceiveProtocolViolationReturnsPermanentError(t *testing.T) {
	tl := newFakeTally()
	in, err := Open(filepath.Join(t.TempDir(), "intake"), tl)
	assert.NoError(t, err)
	defer in.Close()

	b := newBallot("a")
	confirmer := newFakeConfirmer()
	_, err = in.Receive(context.Background(), b, confirmer)
	assert.NoError(t, err)

	b2 := b
	b2.CandidateID = "C2"
	b2.BallotID = b.BallotID
	tl.fail = errs.ErrProtocolViolation
	status, err := in.Receive(context.Background(), b2, confirmer)
	assert.Error(t, err)
	assert.Equal(t, wire.StatusPermanentError, status)
}

func TestReplayReappliesUnprocessedBallots(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "intake")
	tl := newFakeTally()
	in, err := Open(dir, tl)
	assert.NoError(t, err)

	b := newBallot("a")
	in.mu.Lock()
	assert.NoError(t, in.append(record{Op: "received", Ballot: &b}))
	in.received[b.BallotID] = b
	in.mu.Unlock()
	assert.NoError(t, in.Close())

	reopened, err := Open(dir, tl)
	assert.NoError(t, err)
	defer reopened.Close()
	assert.NoError(t, reopened.Replay(context.Background()))
	assert.Equal(t, 1, tl.appliedCount())
}
