// Package signaltest is an in-memory signaling network for tests.
package signaltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/petervdpas/roomcall/internal/signal"
)

var ErrOpenFailed = errors.New("signaltest: open refused")

// Sent records one delivered or attempted message.
type Sent struct {
	From, To string
	signal.Message
}

// Net routes messages between identities it opened.
type Net struct {
	mu        sync.Mutex
	ids       map[string]*identity
	seq       map[string]int
	log       []Sent
	drop      map[string]int // message type → how many to drop silently
	failOpens int
}

func NewNet() *Net {
	return &Net{ids: map[string]*identity{}, seq: map[string]int{}, drop: map[string]int{}}
}

// Broker returns a broker whose identities are <peerID>/<n>.
func (n *Net) Broker(peerID string) signal.Broker { return &broker{net: n, peer: peerID} }

// FailOpens makes the next k Open calls fail.
func (n *Net) FailOpens(k int) {
	n.mu.Lock()
	n.failOpens = k
	n.mu.Unlock()
}

// DropNext silently loses the next k messages of type typ, as a flaky
// brokering service would.
func (n *Net) DropNext(typ string, k int) {
	n.mu.Lock()
	n.drop[typ] += k
	n.mu.Unlock()
}

// Kill marks id lost and unroutable.
func (n *Net) Kill(id string) {
	n.mu.Lock()
	ident := n.ids[id]
	delete(n.ids, id)
	n.mu.Unlock()
	if ident != nil {
		ident.markLost()
	}
}

// Log returns every message sent so far, delivered or not.
func (n *Net) Log() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.log...)
}

// Count returns how many messages of typ went from → to.
func (n *Net) Count(typ, from, to string) int {
	c := 0
	for _, s := range n.Log() {
		if s.Type == typ && s.From == from && s.To == to {
			c++
		}
	}
	return c
}

// Open identities currently routable.
func (n *Net) Open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

type broker struct {
	net  *Net
	peer string
}

func (b *broker) Open(ctx context.Context) (signal.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := b.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failOpens > 0 {
		n.failOpens--
		return nil, ErrOpenFailed
	}
	n.seq[b.peer]++
	id := &identity{
		net:  n,
		id:   signal.JoinID(b.peer, fmt.Sprint(n.seq[b.peer])),
		in:   make(chan signal.Envelope, 256),
		lost: make(chan struct{}),
	}
	n.ids[id.id] = id
	return id, nil
}

type identity struct {
	net  *Net
	id   string
	in   chan signal.Envelope
	once sync.Once
	lost chan struct{}
}

func (i *identity) ID() string                       { return i.id }
func (i *identity) Incoming() <-chan signal.Envelope { return i.in }
func (i *identity) Lost() <-chan struct{}            { return i.lost }

func (i *identity) markLost() { i.once.Do(func() { close(i.lost) }) }

func (i *identity) Send(ctx context.Context, to string, m signal.Message) error {
	select {
	case <-i.lost:
		return signal.ErrIdentityLost
	default:
	}
	n := i.net
	n.mu.Lock()
	n.log = append(n.log, Sent{From: i.id, To: to, Message: m})
	if n.drop[m.Type] > 0 {
		n.drop[m.Type]--
		n.mu.Unlock()
		return nil
	}
	dst := n.ids[to]
	n.mu.Unlock()
	if dst == nil {
		return fmt.Errorf("%w: %s", signal.ErrUnreachable, to)
	}
	select {
	case dst.in <- signal.Envelope{From: i.id, Message: m}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *identity) Close() error {
	n := i.net
	n.mu.Lock()
	if n.ids[i.id] == i {
		delete(n.ids, i.id)
	}
	n.mu.Unlock()
	return nil
}
