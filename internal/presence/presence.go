// Package presence tracks who is in a room. Each participant publishes its
// record on the room topic, re-publishes it on a heartbeat and expires peers
// whose heartbeat stops.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/proto"
	"github.com/petervdpas/roomcall/internal/util"
)

var log = logging.Logger("presence")

// ErrChannel wraps every failure to subscribe to a room topic.
var ErrChannel = errors.New("presence: channel unavailable")

// Topic is one subscription to a broadcast topic. Next must return an error
// once the subscription is released.
type Topic interface {
	Publish(ctx context.Context, data []byte) error
	Next(ctx context.Context) (from string, data []byte, err error)
	Release() error
}

// Transport hands out topic subscriptions. Several subscriptions to the same
// topic may be live at once; releasing one must not affect the others.
type Transport interface {
	Join(topic string) (Topic, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(topic string) (Topic, error)

func (f TransportFunc) Join(topic string) (Topic, error) { return f(topic) }

// Participant is one client in a room.
type Participant struct {
	UserID        string   `json:"user_id"`
	DisplayName   string   `json:"display_name"`
	AvatarRef     string   `json:"avatar_ref,omitempty"`
	SignalingID   string   `json:"signaling_id"`
	JoinTimestamp int64    `json:"join_timestamp"` // unix millis
	PeerID        string   `json:"peer_id,omitempty"`
	Addrs         []string `json:"-"`
}

// Key is the presence key. A user with several sessions has one key each.
func (p Participant) Key() string { return p.UserID + ":" + p.SignalingID }

func (p Participant) sameRecord(o Participant) bool {
	return p.UserID == o.UserID && p.DisplayName == o.DisplayName &&
		p.AvatarRef == o.AvatarRef && p.SignalingID == o.SignalingID &&
		p.JoinTimestamp == o.JoinTimestamp
}

type EventType int

const (
	// EventSync carries the full participant set, self included.
	EventSync EventType = iota
	// EventLeave names one participant that left or went stale. A sync
	// without it always follows.
	EventLeave
	// EventLost reports that the subscription ended underneath the channel.
	// The channel is dead; the owner should Leave and join again.
	EventLost
)

func (t EventType) String() string {
	switch t {
	case EventLeave:
		return "leave"
	case EventLost:
		return "lost"
	}
	return "sync"
}

type Event struct {
	Type         EventType
	Participants []Participant // EventSync
	Left         Participant   // EventLeave
	Err          error         // EventLost
}

type Options struct {
	Heartbeat  time.Duration // default 5 s
	StaleAfter time.Duration // default 3 × Heartbeat

	// Learn is called with the peer addresses advertised in every record.
	Learn func(peerID string, addrs []string)

	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 3 * o.Heartbeat
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	p        Participant
	lastSeen time.Time
}

// Channel is this client's presence in one room.
type Channel struct {
	topic string
	sub   Topic
	opt   Options

	mu     sync.Mutex
	self   Participant
	roster map[string]entry

	events  chan Event
	kick    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	leaveMu sync.Once
}

// Join subscribes to the topic of roomID and announces self. Events are
// delivered on Events until Leave.
func Join(ctx context.Context, tr Transport, roomID string, self Participant, opt Options) (*Channel, error) {
	opt.defaults()
	if self.UserID == "" || self.SignalingID == "" {
		return nil, fmt.Errorf("presence: self needs user and signaling id")
	}

	topic := proto.RoomTopic(roomID)
	sub, err := tr.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChannel, topic, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		topic:  topic,
		sub:    sub,
		opt:    opt,
		self:   self,
		roster: map[string]entry{},
		events: make(chan Event, 64),
		kick:   make(chan struct{}, 1),
		ctx:    cctx,
		cancel: cancel,
	}

	if err := c.publish(ctx, proto.TypeOnline); err != nil {
		cancel()
		_ = sub.Release()
		return nil, fmt.Errorf("%w: announce on %s: %v", ErrChannel, topic, err)
	}
	log.Infof("joined %s as %s", topic, self.Key())

	c.emit(Event{Type: EventSync, Participants: c.Snapshot()})

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

func (c *Channel) Topic() string { return c.topic }

// Events delivers sync, leave and lost events. It is never closed; stop
// reading after Leave.
func (c *Channel) Events() <-chan Event { return c.events }

func (c *Channel) Self() Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Snapshot returns every known participant, self included, ordered by key.
func (c *Channel) Snapshot() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Participant, 0, len(c.roster)+1)
	out = append(out, c.self)
	for _, e := range c.roster {
		out = append(out, e.p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Update replaces the local metadata and broadcasts it. The key fields
// (user id, signaling id) may change too, e.g. after identity re-acquisition.
func (c *Channel) Update(self Participant) {
	c.mu.Lock()
	c.self = self
	c.mu.Unlock()
	c.emit(Event{Type: EventSync, Participants: c.Snapshot()})
	c.Refresh()
}

// Refresh re-broadcasts the local record without waiting for the heartbeat.
func (c *Channel) Refresh() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Leave announces departure, releases the subscription and waits for the
// heartbeat and reader to stop. Safe to call more than once.
func (c *Channel) Leave(ctx context.Context) error {
	var err error
	c.leaveMu.Do(func() {
		pctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
		if perr := c.publish(pctx, proto.TypeOffline); perr != nil {
			log.Debugf("offline announce on %s: %v", c.topic, perr)
		}
		cancel()

		c.cancel()
		err = c.sub.Release()
		c.wg.Wait()
		log.Infof("left %s", c.topic)
	})
	return err
}

func (c *Channel) publish(ctx context.Context, typ string) error {
	c.mu.Lock()
	p := c.self
	c.mu.Unlock()

	msg := proto.PresenceMsg{
		Type:          typ,
		Key:           p.Key(),
		UserID:        p.UserID,
		SignalingID:   p.SignalingID,
		JoinTimestamp: p.JoinTimestamp,
		TS:            c.opt.Now().UnixMilli(),
	}
	if typ != proto.TypeOffline {
		msg.Username = p.DisplayName
		msg.AvatarRef = p.AvatarRef
		msg.Addrs = p.Addrs
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sub.Publish(ctx, b)
}

// emit delivers e unless the channel is leaving.
func (c *Channel) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	for {
		from, data, err := c.sub.Next(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				log.Warnf("%s: subscription ended: %v", c.topic, err)
				c.emit(Event{Type: EventLost, Err: fmt.Errorf("%w: %s: %v", ErrChannel, c.topic, err)})
			}
			return
		}
		c.handle(from, data)
	}
}

func (c *Channel) heartbeatLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.opt.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.prune()
		case <-c.kick:
		}
		if err := c.publish(c.ctx, proto.TypeUpdate); err != nil && c.ctx.Err() == nil {
			log.Debugf("%s: heartbeat publish: %v", c.topic, err)
		}
	}
}

func (c *Channel) handle(from string, data []byte) {
	typ, p, ok := decode(data)
	if !ok {
		log.Debugf("%s: dropping malformed record from %s", c.topic, util.Short(from, 8))
		return
	}
	if p.PeerID == "" {
		p.PeerID = from
	}

	c.mu.Lock()
	selfKey := c.self.Key()
	if p.Key() == selfKey {
		c.mu.Unlock()
		return
	}

	if typ == proto.TypeOffline {
		e, had := c.roster[p.Key()]
		delete(c.roster, p.Key())
		c.mu.Unlock()
		if had {
			log.Infof("%s: %s left", c.topic, p.Key())
			c.emit(Event{Type: EventLeave, Left: e.p})
			c.emit(Event{Type: EventSync, Participants: c.Snapshot()})
		}
		return
	}

	now := c.opt.Now()
	old, had := c.roster[p.Key()]
	if p.JoinTimestamp <= 0 {
		// First receive time, so the sender sorts as the latest joiner and
		// keeps its place across heartbeats.
		p.JoinTimestamp = now.UnixMilli()
		if had {
			p.JoinTimestamp = old.p.JoinTimestamp
		}
	}
	c.roster[p.Key()] = entry{p: p, lastSeen: now}
	c.mu.Unlock()

	if c.opt.Learn != nil && len(p.Addrs) > 0 {
		c.opt.Learn(p.PeerID, p.Addrs)
	}

	if !had {
		log.Infof("%s: %s joined", c.topic, p.Key())
		// Answer a newcomer right away so it does not wait a heartbeat.
		c.Refresh()
	}
	if !had || !old.p.sameRecord(p) {
		c.emit(Event{Type: EventSync, Participants: c.Snapshot()})
	}
}

// prune drops participants whose heartbeat stopped without a clean leave.
func (c *Channel) prune() {
	cutoff := c.opt.Now().Add(-c.opt.StaleAfter)
	var gone []Participant
	c.mu.Lock()
	for k, e := range c.roster {
		if e.lastSeen.Before(cutoff) {
			gone = append(gone, e.p)
			delete(c.roster, k)
		}
	}
	c.mu.Unlock()
	if len(gone) == 0 {
		return
	}
	for _, p := range gone {
		log.Infof("%s: %s went stale", c.topic, p.Key())
		c.emit(Event{Type: EventLeave, Left: p})
	}
	c.emit(Event{Type: EventSync, Participants: c.Snapshot()})
}
