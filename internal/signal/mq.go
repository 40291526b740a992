package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/mq"
	"github.com/petervdpas/roomcall/internal/proto"
	"github.com/petervdpas/roomcall/internal/util"
)

var log = logging.Logger("signal")

// Sender is the part of mq.Manager the broker sends with.
type Sender interface {
	Send(ctx context.Context, peerID, topic string, payload any) (string, error)
	SubscribeTopic(prefix string, fn mq.Handler) func()
}

// MQBroker hands out identities of the form <libp2p peer id>/<instance>
// and routes proto.SignalMsg payloads on the call:<instance> mq topic.
type MQBroker struct {
	mq   Sender
	self string

	mu     sync.Mutex
	open   map[string]*mqIdentity // instance → identity
	unsub  func()
	closed bool
}

func NewMQBroker(m Sender, selfPeerID string) *MQBroker {
	b := &MQBroker{mq: m, self: selfPeerID, open: map[string]*mqIdentity{}}
	b.unsub = m.SubscribeTopic(proto.SignalTopicPrefix, b.route)
	return b
}

func (b *MQBroker) Open(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	instance := uuid.NewString()[:8]
	id := &mqIdentity{
		b:        b,
		instance: instance,
		id:       JoinID(b.self, instance),
		in:       make(chan Envelope, 64),
		lost:     make(chan struct{}),
	}
	b.open[instance] = id
	log.Infof("identity %s opened", id.id)
	return id, nil
}

// Invalidate marks every open identity lost, e.g. after the host lost all
// of its addresses.
func (b *MQBroker) Invalidate() {
	b.mu.Lock()
	ids := make([]*mqIdentity, 0, len(b.open))
	for k, id := range b.open {
		ids = append(ids, id)
		delete(b.open, k)
	}
	b.mu.Unlock()
	for _, id := range ids {
		log.Warnf("identity %s lost", id.id)
		id.markLost()
	}
}

func (b *MQBroker) Close() {
	b.Invalidate()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.unsub()
}

// route runs on the mq stream goroutine.
func (b *MQBroker) route(from, topic string, payload json.RawMessage) {
	instance := topic[len(proto.SignalTopicPrefix):]

	var msg proto.SignalMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Debugf("bad signal payload from %s: %v", util.Short(from, 8), err)
		return
	}
	// The sender id must belong to the authenticated stream peer.
	if p, _, ok := SplitID(msg.From); !ok || p != from {
		log.Debugf("signal from %s claims %q, dropping", util.Short(from, 8), msg.From)
		return
	}

	b.mu.Lock()
	id := b.open[instance]
	b.mu.Unlock()

	if id == nil {
		if msg.Type == proto.SignalOffer {
			go b.replyUnavailable(msg.From, JoinID(b.self, instance), msg.Room)
		}
		return
	}

	env := Envelope{From: msg.From, Message: Message{Type: msg.Type, Room: msg.Room, SDP: msg.SDP}}
	select {
	case id.in <- env:
	default:
		log.Warnf("identity %s inbox full, dropping %s from %s", id.id, msg.Type, util.Short(msg.From, 8))
	}
}

// replyUnavailable tells the sender that the identity it addressed is gone.
func (b *MQBroker) replyUnavailable(to, gone, room string) {
	peerID, instance, ok := SplitID(to)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	_, err := b.mq.Send(ctx, peerID, proto.SignalTopicPrefix+instance, proto.SignalMsg{
		Type: proto.SignalUnavailable,
		From: gone,
		Room: room,
	})
	if err != nil {
		log.Debugf("unavailable reply to %s: %v", util.Short(to, 12), err)
	}
}

type mqIdentity struct {
	b        *MQBroker
	instance string
	id       string
	in       chan Envelope

	lostOnce sync.Once
	lost     chan struct{}

	closeOnce sync.Once
}

func (m *mqIdentity) ID() string                { return m.id }
func (m *mqIdentity) Incoming() <-chan Envelope { return m.in }
func (m *mqIdentity) Lost() <-chan struct{}     { return m.lost }

func (m *mqIdentity) markLost() {
	m.lostOnce.Do(func() { close(m.lost) })
}

func (m *mqIdentity) Send(ctx context.Context, to string, msg Message) error {
	select {
	case <-m.lost:
		return ErrIdentityLost
	default:
	}
	peerID, instance, ok := SplitID(to)
	if !ok {
		return fmt.Errorf("%w: malformed id %q", ErrUnreachable, to)
	}
	_, err := m.b.mq.Send(ctx, peerID, proto.SignalTopicPrefix+instance, proto.SignalMsg{
		Type: msg.Type,
		From: m.id,
		Room: msg.Room,
		SDP:  msg.SDP,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, util.Short(to, 12), err)
	}
	return nil
}

func (m *mqIdentity) Close() error {
	m.closeOnce.Do(func() {
		m.b.mu.Lock()
		if m.b.open[m.instance] == m {
			delete(m.b.open, m.instance)
		}
		m.b.mu.Unlock()
		log.Infof("identity %s closed", m.id)
	})
	return nil
}
