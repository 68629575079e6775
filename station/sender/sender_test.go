package sender

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
	"github.com/tomasquin2003/ballot-delivery/station/outbox"
	"github.com/tomasquin2003/ballot-delivery/station/roll"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []wire.Envelope
	failing bool
}

func (f *fakeTransport) Send(_ string, env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return assert.AnError
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestSender(t *testing.T, transport Transport) (*Sender, *outbox.Outbox) {
	ob, err := outbox.Open(filepath.Join(t.TempDir(), "outbox"))
	assert.NoError(t, err)
	t.Cleanup(func() { ob.Close() })
	authorizer, err := roll.NewAuthorizer([]string{"V1", "V2"}, func() ([]string, error) { return ob.VoterIDs(), nil })
	assert.NoError(t, err)
	return New("S1", "broker:7002", authorizer, ob, transport), ob
}

func TestCastRejectsUnknownVoter(t *testing.T) {
	snd, _ := newTestSender(t, &fakeTransport{})
	_, err := snd.Cast("C1", "V99")
	assert.ErrorIs(t, err, errs.ErrNotOnRoll)
}

func TestCastRejectsDoubleVote(t *testing.T) {
	ft := &fakeTransport{}
	snd, _ := newTestSender(t, ft)
	_, err := snd.Cast("C1", "V1")
	assert.NoError(t, err)
	_, err = snd.Cast("C2", "V1")
	assert.ErrorIs(t, err, errs.ErrAlreadyVoted)
}

func TestCastSendsOfferImmediately(t *testing.T) {
	ft := &fakeTransport{}
	snd, ob := newTestSender(t, ft)
	id, err := snd.Cast("C1", "V1")
	assert.NoError(t, err)
	assert.Equal(t, 1, ft.count())

	pending := ob.ScanUnconfirmed()
	assert.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].Ballot.BallotID)
}

func TestCastStillDurableWhenImmediateSendFails(t *testing.T) {
	ft := &fakeTransport{failing: true}
	snd, ob := newTestSender(t, ft)
	id, err := snd.Cast("C1", "V1")
	assert.NoError(t, err, "a failed best-effort send must not fail Cast itself")
	pending := ob.ScanUnconfirmed()
	assert.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].Ballot.BallotID)
	assert.Equal(t, 0, ft.count())
}

func TestOnConfirmationMarksOutboxConfirmed(t *testing.T) {
	ft := &fakeTransport{}
	snd, ob := newTestSender(t, ft)
	id, err := snd.Cast("C1", "V1")
	assert.NoError(t, err)

	snd.OnConfirmation(id, wire.StatusProcessed)
	assert.Empty(t, ob.ScanUnconfirmed())
}

func TestOnConfirmationTransientErrorLeavesPending(t *testing.T) {
	ft := &fakeTransport{}
	snd, ob := newTestSender(t, ft)
	id, err := snd.Cast("C1", "V1")
	assert.NoError(t, err)

	snd.OnConfirmation(id, wire.StatusTransientError)
	assert.Len(t, ob.ScanUnconfirmed(), 1)
}

func TestRetryUnconfirmedPersistsAttemptCountThroughOutbox(t *testing.T) {
	ft := &fakeTransport{failing: true}
	snd, ob := newTestSender(t, ft)
	id, err := snd.Cast("C1", "V1")
	assert.NoError(t, err)

	snd.retryDelay = 0
	snd.retryUnconfirmed()
	snd.wg.Wait()

	pending := ob.ScanUnconfirmed()
	assert.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].Ballot.BallotID)
	assert.Equal(t, 1, pending[0].Attempts, "a failed retry must durably bump Entry.Attempts, not an in-memory-only counter")
}
