package mq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/roomcall/internal/proto"
	"github.com/petervdpas/roomcall/internal/util"
)

var log = logging.Logger("mq")

const (
	// ackTimeout is how long Send() waits for a transport ACK from the remote
	// peer before returning an error to the caller.
	ackTimeout = util.SendTimeout

	// readTimeout bounds how long an inbound stream may take to deliver its
	// message.
	readTimeout = 30 * time.Second
)

// Handler receives messages whose topic matches a subscription prefix.
// from is the authenticated libp2p peer ID of the sender.
type Handler func(from, topic string, payload json.RawMessage)

// Manager owns the MQ stream handler and the topic subscriptions.
type Manager struct {
	host host.Host

	seq int64 // atomic monotonic counter for outbound messages

	sent, received, failed, dropped atomic.Int64

	topicMu   sync.RWMutex
	topicSubs map[uint64]topicSub
	nextSub   uint64
}

type topicSub struct {
	prefix string
	fn     Handler
}

// New creates a new MQ Manager and registers the stream handler.
func New(h host.Host) *Manager {
	m := &Manager{
		host:      h,
		topicSubs: make(map[uint64]topicSub),
	}
	h.SetStreamHandler(protocol.ID(proto.MQProtoID), m.handleIncoming)
	log.Infof("registered handler for %s", proto.MQProtoID)
	return m
}

// Close removes the stream handler. Subscriptions stop receiving.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.MQProtoID))
}

// Send opens a stream to peerID, writes a message with the given topic and
// payload, and waits up to ackTimeout for a transport ACK.
// Returns the message ID and nil on success.
func (m *Manager) Send(ctx context.Context, peerID, topic string, payload any) (string, error) {
	id, err := m.send(ctx, peerID, topic, payload)
	if err != nil {
		m.failed.Add(1)
		return "", err
	}
	m.sent.Add(1)
	return id, nil
}

func (m *Manager) send(ctx context.Context, peerID, topic string, payload any) (string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", fmt.Errorf("mq: invalid peer id %q: %w", peerID, err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("mq: encode payload: %w", err)
	}

	msg := MQMsg{
		Type:    MsgTypeMsg,
		ID:      uuid.NewString(),
		Seq:     atomic.AddInt64(&m.seq, 1),
		Topic:   topic,
		Payload: raw,
	}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	// libp2p reuses the underlying muxed connection. The protocol list
	// identify cached may predate the remote's handler, so the stream always
	// negotiates.
	stream, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.MQProtoID))
	if err != nil {
		return "", fmt.Errorf("mq: open stream to %s: %w", util.Short(peerID, 8), err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return "", fmt.Errorf("mq: encode msg: %w", err)
	}

	var ack MQAck
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return "", fmt.Errorf("mq: waiting for ack from %s: %w", util.Short(peerID, 8), err)
	}
	if ack.ID != msg.ID {
		return "", fmt.Errorf("mq: ack id mismatch (got %s, want %s)", ack.ID, msg.ID)
	}

	log.Debugf("sent msg %s (topic=%s) to %s via %s", msg.ID[:8], topic, util.Short(peerID, 8), connVia(stream))
	return msg.ID, nil
}

// handleIncoming reads one MQMsg, sends the transport ACK immediately, then
// dispatches to matching subscribers.
func (m *Manager) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()

	_ = stream.SetReadDeadline(time.Now().Add(readTimeout))

	var msg MQMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Debugf("decode error from %s: %v", util.Short(remotePeer, 8), err)
		return
	}
	if msg.Type != MsgTypeMsg || msg.ID == "" {
		log.Debugf("dropping malformed message from %s", util.Short(remotePeer, 8))
		return
	}

	ack := MQAck{Type: MsgTypeAck, ID: msg.ID, Seq: msg.Seq}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		// Still dispatch: the bytes are here even if the sender never learns.
		log.Debugf("ack write error to %s: %v", util.Short(remotePeer, 8), err)
	}

	m.received.Add(1)
	log.Debugf("received msg %s (topic=%s) from %s", util.Short(msg.ID, 8), msg.Topic, util.Short(remotePeer, 8))

	m.dispatch(remotePeer, msg.Topic, msg.Payload)
}

func (m *Manager) dispatch(from, topic string, payload json.RawMessage) {
	m.topicMu.RLock()
	defer m.topicMu.RUnlock()
	delivered := false
	for _, sub := range m.topicSubs {
		if strings.HasPrefix(topic, sub.prefix) {
			sub.fn(from, topic, payload)
			delivered = true
		}
	}
	if !delivered {
		m.dropped.Add(1)
	}
}

// SubscribeTopic registers a callback for messages whose topic has the given
// prefix. Handlers run on the stream goroutine and must not block.
// Returns an unsubscribe function.
func (m *Manager) SubscribeTopic(prefix string, fn Handler) func() {
	m.topicMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.topicSubs[id] = topicSub{prefix: prefix, fn: fn}
	m.topicMu.Unlock()

	return func() {
		m.topicMu.Lock()
		delete(m.topicSubs, id)
		m.topicMu.Unlock()
	}
}

func (m *Manager) Stats() Stats {
	return Stats{
		Sent:     m.sent.Load(),
		Received: m.received.Load(),
		Failed:   m.failed.Load(),
		Dropped:  m.dropped.Load(),
	}
}

// connVia returns "relay:<relayID8>" if the stream is routed through a circuit
// relay, or "direct" otherwise.
func connVia(s network.Stream) string {
	ma := s.Conn().RemoteMultiaddr().String()
	circuitIdx := strings.Index(ma, "/p2p-circuit")
	if circuitIdx < 0 {
		return "direct"
	}
	before := ma[:circuitIdx]
	if p2pIdx := strings.LastIndex(before, "/p2p/"); p2pIdx >= 0 {
		return "relay:" + util.Short(before[p2pIdx+5:], 8)
	}
	return "relay"
}
