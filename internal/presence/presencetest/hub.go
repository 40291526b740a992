// Package presencetest provides an in-memory broadcast hub that stands in
// for gossipsub in tests.
package presencetest

import (
	"context"
	"errors"
	"sync"

	"github.com/petervdpas/roomcall/internal/presence"
)

var (
	ErrReleased   = errors.New("presencetest: released")
	ErrJoinFailed = errors.New("presencetest: join refused")
)

type message struct {
	from string
	data []byte
}

// Hub delivers every publication on a topic to every live subscription of
// that topic, the publisher's own included.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*Sub]struct{}
	failJoins int
	mute      map[string]bool
	published int
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*Sub]struct{}{}, mute: map[string]bool{}}
}

// Transport returns the view of the hub for one peer.
func (h *Hub) Transport(peerID string) presence.Transport {
	return presence.TransportFunc(func(topic string) (presence.Topic, error) {
		s, err := h.join(peerID, topic)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// FailJoins makes the next n joins fail.
func (h *Hub) FailJoins(n int) {
	h.mu.Lock()
	h.failJoins = n
	h.mu.Unlock()
}

// Mute silently drops every publication from peerID, as if its process had
// died without saying goodbye.
func (h *Hub) Mute(peerID string, on bool) {
	h.mu.Lock()
	h.mute[peerID] = on
	h.mu.Unlock()
}

// Subscribers counts live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Published counts publications accepted so far.
func (h *Hub) Published() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}

// Inject delivers raw data on topic as if published by from.
func (h *Hub) Inject(topic, from string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[topic] {
		s.deliver(message{from: from, data: data})
	}
}

func (h *Hub) join(peerID, topic string) (*Sub, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failJoins > 0 {
		h.failJoins--
		return nil, ErrJoinFailed
	}
	s := &Sub{hub: h, peer: peerID, topic: topic, in: make(chan message, 256), done: make(chan struct{})}
	if h.subs[topic] == nil {
		h.subs[topic] = map[*Sub]struct{}{}
	}
	h.subs[topic][s] = struct{}{}
	return s, nil
}

// Sub is one subscription on the hub.
type Sub struct {
	hub   *Hub
	peer  string
	topic string
	in    chan message
	once  sync.Once
	done  chan struct{}
}

func (s *Sub) deliver(m message) {
	select {
	case s.in <- m:
	default:
		// A subscriber that never reads loses messages, like gossipsub.
	}
}

func (s *Sub) Publish(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return ErrReleased
	default:
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mute[s.peer] {
		return nil
	}
	h.published++
	cp := append([]byte(nil), data...)
	for o := range h.subs[s.topic] {
		o.deliver(message{from: s.peer, data: cp})
	}
	return nil
}

func (s *Sub) Next(ctx context.Context) (string, []byte, error) {
	select {
	case <-s.done:
		return "", nil, ErrReleased
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case m := <-s.in:
		return m.from, m.data, nil
	}
}

func (s *Sub) Release() error {
	s.once.Do(func() {
		close(s.done)
		h := s.hub
		h.mu.Lock()
		delete(h.subs[s.topic], s)
		h.mu.Unlock()
	})
	return nil
}

// Drop ends peerID's subscriptions on topic from the transport side, without
// the owner releasing them.
func (h *Hub) Drop(peerID, topic string) {
	h.mu.Lock()
	var victims []*Sub
	for s := range h.subs[topic] {
		if s.peer == peerID {
			victims = append(victims, s)
		}
	}
	h.mu.Unlock()
	for _, s := range victims {
		_ = s.Release()
	}
}
