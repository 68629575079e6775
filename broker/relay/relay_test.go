package relay

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/broker/log"
	"github.com/tomasquin2003/ballot-delivery/broker/queue"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []wire.Envelope
	to   []string
}

func (f *fakeTransport) Send(to string, env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	f.to = append(f.to, to)
	return nil
}

func (f *fakeTransport) last() (string, wire.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.sent)
	return f.to[n-1], f.sent[n-1]
}

func newBallot(id, stationID string) ballot.Ballot {
	return ballot.Ballot{BallotID: id, CandidateID: "C1", StationID: stationID, Timestamp: time.Now(), IntegrityHash: []byte{1}}
}

func TestSendBlocksUntilConfirm(t *testing.T) {
	transport := &fakeTransport{}
	r := New(transport, nil)

	b := newBallot("a", "S1")
	var status wire.Status
	var sendErr error
	done := make(chan struct{})
	go func() {
		status, sendErr = r.Send(context.Background(), "central:7003", b)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	r.Confirm("a", wire.StatusProcessed)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after Confirm")
	}
	assert.NoError(t, sendErr)
	assert.Equal(t, wire.StatusProcessed, status)
}

func TestSendReturnsOnContextCancellation(t *testing.T) {
	transport := &fakeTransport{}
	r := New(transport, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Send(ctx, "central:7003", newBallot("a", "S1"))
	assert.Error(t, err)
}

func TestHandleInboundRecordsOfferAndRoutesConfirmToStation(t *testing.T) {
	transport := &fakeTransport{}
	stations := map[string]string{"S1": "127.0.0.1:7001"}
	r := New(transport, stations)

	l, err := log.Open(filepath.Join(t.TempDir(), "brokerlog"))
	assert.NoError(t, err)
	defer l.Close()
	q := queue.New(10)

	handler := r.HandleInbound(q, l)
	b := newBallot("a", "S1")
	handler(nil, wire.NewOfferEnvelope(b))

	assert.Equal(t, 1, q.Len())
	r.Confirm("a", wire.StatusProcessed)
	to, env := transport.last()
	assert.Equal(t, "127.0.0.1:7001", to)
	assert.Equal(t, wire.KindConfirm, env.Kind)
	assert.Equal(t, "a", env.Confirm.BallotID)
}

func TestConfirmRouteIsRemovedAfterTerminalStatus(t *testing.T) {
	transport := &fakeTransport{}
	stations := map[string]string{"S1": "127.0.0.1:7001"}
	r := New(transport, stations)

	l, err := log.Open(filepath.Join(t.TempDir(), "brokerlog"))
	assert.NoError(t, err)
	defer l.Close()
	q := queue.New(10)
	handler := r.HandleInbound(q, l)
	handler(nil, wire.NewOfferEnvelope(newBallot("a", "S1")))

	r.Confirm("a", wire.StatusProcessed)
	sentBefore := len(transport.sent)
	r.Confirm("a", wire.StatusProcessed)
	assert.Equal(t, sentBefore, len(transport.sent), "a route must not be reused after a terminal confirmation")
}

func TestStationsMapIsNotMutatedByInboundHandling(t *testing.T) {
	transport := &fakeTransport{}
	stations := map[string]string{"S1": "127.0.0.1:7001"}
	r := New(transport, stations)

	l, err := log.Open(filepath.Join(t.TempDir(), "brokerlog"))
	assert.NoError(t, err)
	defer l.Close()
	q := queue.New(10)
	handler := r.HandleInbound(q, l)
	handler(nil, wire.NewOfferEnvelope(newBallot("b", "S1")))

	assert.Len(t, stations, 1, "the immutable stationId->address map must not grow with per-ballot routes")
}
