// Package wire implements DeliveryProtocol (C10): the Offer/Confirm/Probe
// message envelope and its newline-delimited-JSON-over-TCP transport,
// generalizing network/msg.go's envelope
// (CoordinatorGossip/Response4Coordinator) and network/*/conn.go
// (Commu/Comm) transport.
package wire

import (
	"time"

	"github.com/tomasquin2003/ballot-delivery/ballot"
)

// Kind discriminates the three message shapes carried over the wire.
type Kind string

const (
	KindOffer   Kind = "OFFER"
	KindConfirm Kind = "CONFIRM"
	KindProbe   Kind = "PROBE"
)

// Status is the terminal or transient outcome carried by a Confirm.
type Status string

const (
	StatusReceived       Status = "RECEIVED"
	StatusProcessed      Status = "PROCESSED"
	StatusDuplicate      Status = "DUPLICATE"
	StatusTransientError Status = "TRANSIENT_ERROR"
	StatusPermanentError Status = "PERMANENT_ERROR"
)

// IsTerminal reports whether status ends a sender's retry loop for the
// ballotId it confirms. PROCESSED and DUPLICATE are treated identically.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusDuplicate
}

// Offer carries a ballot from station to broker, or broker to central.
type Offer struct {
	Ballot ballot.Ballot `json:"ballot"`
}

// Confirm flows from a receiver back to a sender, keyed by ballotId.
type Confirm struct {
	BallotID string `json:"ballotId"`
	Status   Status `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

// Probe is an optional liveness check; From identifies the prober so a
// Confirm-style Pong can be routed back without a live callback reference.
type Probe struct {
	From string `json:"from"`
}

// Envelope is the single wire-level frame every message is wrapped in,
// one JSON object per line (bufio.Reader.ReadString('\n') framing, as
// in network/*/conn.go).
type Envelope struct {
	Kind    Kind      `json:"kind"`
	Sent    time.Time `json:"sent"`
	Offer   *Offer    `json:"offer,omitempty"`
	Confirm *Confirm  `json:"confirm,omitempty"`
	Probe   *Probe    `json:"probe,omitempty"`
}

func NewOfferEnvelope(b ballot.Ballot) Envelope {
	return Envelope{Kind: KindOffer, Sent: time.Now(), Offer: &Offer{Ballot: b}}
}

func NewConfirmEnvelope(ballotID string, status Status, detail string) Envelope {
	return Envelope{Kind: KindConfirm, Sent: time.Now(), Confirm: &Confirm{BallotID: ballotID, Status: status, Detail: detail}}
}

func NewProbeEnvelope(from string) Envelope {
	return Envelope{Kind: KindProbe, Sent: time.Now(), Probe: &Probe{From: from}}
}
