// Package relay bridges broker/scheduler's synchronous Sender/Confirmer
// interfaces onto delivery/wire's asynchronous, connection-pooled
// transport: a send to the central destination blocks until a matching
// Confirm envelope arrives (or times out), and an inbound Confirm from
// central is routed back to the station address that originated the
// ballot.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/broker/log"
	"github.com/tomasquin2003/ballot-delivery/broker/queue"
	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
	"github.com/tomasquin2003/ballot-delivery/logging"
)

// Transport is the subset of *wire.Listener relay needs.
type Transport interface {
	Send(to string, env wire.Envelope) error
}

// Relay implements scheduler.Sender and scheduler.Confirmer over a
// shared wire.Listener.
type Relay struct {
	transport Transport
	stations  map[string]string // stationId -> dial-back address, immutable

	mu      sync.Mutex
	routes  map[string]string           // ballotId -> station dial-back address
	waiting map[string]chan wire.Status // ballotId -> pending scheduler.Send call
}

// New builds a Relay. stations maps stationId to the address a Confirm
// should be delivered to.
func New(transport Transport, stations map[string]string) *Relay {
	return &Relay{
		transport: transport,
		stations:  stations,
		routes:    make(map[string]string),
		waiting:   make(map[string]chan wire.Status),
	}
}

// Send implements scheduler.Sender: it offers b to destination and
// blocks until a Confirm for b.BallotID arrives via HandleInbound, or
// ctx is done.
func (r *Relay) Send(ctx context.Context, destination string, b ballot.Ballot) (wire.Status, error) {
	ch := make(chan wire.Status, 1)
	r.mu.Lock()
	r.waiting[b.BallotID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiting, b.BallotID)
		r.mu.Unlock()
	}()

	if err := r.transport.Send(destination, wire.NewOfferEnvelope(b)); err != nil {
		return wire.StatusTransientError, fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		return wire.StatusTransientError, ctx.Err()
	}
}

// Confirm implements scheduler.Confirmer: it forwards status to the
// station that originated ballotID, looked up via its prior Offer.
func (r *Relay) Confirm(ballotID string, status wire.Status) {
	r.mu.Lock()
	addr, ok := r.routes[ballotID]
	if ok && status.IsTerminal() {
		delete(r.routes, ballotID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	env := wire.NewConfirmEnvelope(ballotID, status, "")
	if err := r.transport.Send(addr, env); err != nil {
		logging.Warnf("forwarding confirmation for %s to %s: %v", ballotID, addr, err)
	}
}

// HandleInbound is the wire.Handler a broker's Listener dispatches
// every frame to: OFFER frames are enqueued for scheduling; CONFIRM
// frames (from central, carrying a status for a send this Relay is
// waiting on) are routed to the blocked Send call.
func (r *Relay) HandleInbound(q *queue.Queue, l *log.Log) wire.Handler {
	return func(from net.Addr, env wire.Envelope) {
		switch env.Kind {
		case wire.KindOffer:
			if env.Offer == nil {
				return
			}
			b := env.Offer.Ballot
			if err := b.Validate(); err != nil {
				logging.Warnf("rejecting malformed offer from %s: %v", from, err)
				return
			}
			if err := l.Record(b, int(queue.PriorityNormal)); err != nil {
				logging.Warnf("recording offer %s: %v", b.BallotID, err)
				return
			}
			r.mu.Lock()
			if addr, ok := r.stations[b.StationID]; ok {
				r.routes[b.BallotID] = addr
			}
			r.mu.Unlock()
			if err := q.Enqueue(b, queue.PriorityNormal, l); err != nil {
				logging.Warnf("enqueueing offer %s: %v", b.BallotID, err)
			}
		case wire.KindConfirm:
			if env.Confirm == nil {
				return
			}
			r.mu.Lock()
			ch, ok := r.waiting[env.Confirm.BallotID]
			r.mu.Unlock()
			if ok {
				select {
				case ch <- env.Confirm.Status:
				default:
				}
			}
		}
	}
}
