// Package signal assigns this client an addressable signaling identity and
// carries offer/answer/hangup messages between identities.
package signal

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrIdentityLost is reported when the local identity stops being
	// reachable. The owner should open a new one.
	ErrIdentityLost = errors.New("signal: identity lost")

	// ErrUnreachable means the remote identity could not be resolved.
	ErrUnreachable = errors.New("signal: peer unreachable")

	ErrClosed = errors.New("signal: identity closed")
)

// Message is one signaling message. Room must match on both ends; offers for
// another room are discarded by the receiver.
type Message struct {
	Type string
	Room string
	SDP  string
}

// Envelope is a received Message and the identity that sent it.
type Envelope struct {
	From string
	Message
}

// Identity is an open signaling address.
type Identity interface {
	// ID is the address other participants send to.
	ID() string
	Send(ctx context.Context, to string, m Message) error
	// Incoming delivers messages addressed to this identity. It is never
	// closed.
	Incoming() <-chan Envelope
	// Lost is closed when the identity stops being reachable.
	Lost() <-chan struct{}
	Close() error
}

// Broker opens signaling identities. Open blocks until the identity is
// assigned or ctx ends.
type Broker interface {
	Open(ctx context.Context) (Identity, error)
}

// SplitID splits a signaling id into its libp2p peer id and instance.
func SplitID(id string) (peerID, instance string, ok bool) {
	peerID, instance, ok = strings.Cut(id, "/")
	if !ok || peerID == "" || instance == "" {
		return "", "", false
	}
	return peerID, instance, true
}

// JoinID builds a signaling id.
func JoinID(peerID, instance string) string { return peerID + "/" + instance }
