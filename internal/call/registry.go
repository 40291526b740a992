package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/proto"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/util"
	"github.com/pion/webrtc/v4"
)

type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// RemoteStream is what the UI renders for one remote participant.
type RemoteStream struct {
	SignalingID string         `json:"signaling_id"`
	Direction   string         `json:"direction"`
	State       string         `json:"state"`
	Tracks      []*RemoteTrack `json:"tracks"`
}

type entry struct {
	remote  string
	seq     uint64
	dir     Direction
	conn    Conn
	state   ConnState
	created time.Time
	tracks  []*RemoteTrack
	cancel  context.CancelFunc
}

func (e *entry) hasStream() bool { return len(e.tracks) > 0 }

type eventKind int

const (
	evSent  eventKind = iota // offer or answer delivered, or failed
	evState                  // transport state change
	evTrack                  // remote track arrived
)

// regEvent is posted by negotiation goroutines and Conn callbacks and
// applied on the manager loop. seq ties it to the entry that produced it.
type regEvent struct {
	remote string
	seq    uint64
	kind   eventKind
	state  ConnState
	track  *RemoteTrack
	err    error
}

// Change is what a registry operation did that the manager must reflect.
type Change struct {
	Remote  string
	Dropped bool // entry removed; remote stream gone
	Stream  bool // a remote track was attached
	Err     error
}

// Registry owns at most one live connection per remote signaling id. It is
// not safe for concurrent use; the manager loop owns it. Slow work (ICE
// gathering, sending) runs on goroutines tracked by the session WaitGroup
// and reports back through Events.
type Registry struct {
	ctx       context.Context
	wg        *sync.WaitGroup
	connector Connector
	ident     signal.Identity
	room      string
	local     func() []*media.Track
	negotiate time.Duration
	now       func() time.Time

	events  chan regEvent
	seq     uint64
	entries map[string]*entry
}

type registryConfig struct {
	connector Connector
	ident     signal.Identity
	room      string
	local     func() []*media.Track
	negotiate time.Duration
	now       func() time.Time
}

func newRegistry(ctx context.Context, wg *sync.WaitGroup, cfg registryConfig) *Registry {
	return &Registry{
		ctx:       ctx,
		wg:        wg,
		connector: cfg.connector,
		ident:     cfg.ident,
		room:      cfg.room,
		local:     cfg.local,
		negotiate: cfg.negotiate,
		now:       cfg.now,
		events:    make(chan regEvent, 256),
		entries:   map[string]*entry{},
	}
}

// Events delivers asynchronous results to apply with Handle.
func (r *Registry) Events() <-chan regEvent { return r.events }

func (r *Registry) post(ev regEvent) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

// Len counts live entries.
func (r *Registry) Len() int { return len(r.entries) }

// Has reports whether a live entry exists for remote.
func (r *Registry) Has(remote string) bool {
	_, ok := r.entries[remote]
	return ok
}

// Connected counts entries with a stream or an established transport.
func (r *Registry) Connected() int {
	n := 0
	for _, e := range r.entries {
		if e.hasStream() || e.state == ConnConnected {
			n++
		}
	}
	return n
}

// setIdentity points future negotiations at a re-acquired identity.
func (r *Registry) setIdentity(id signal.Identity) { r.ident = id }

func (r *Registry) open(remote string, dir Direction) (*entry, error) {
	r.seq++
	seq := r.seq
	conn, err := r.connector.NewConn(remote, r.local(), Notify{
		State: func(s ConnState) { r.post(regEvent{remote: remote, seq: seq, kind: evState, state: s}) },
		Track: func(t *RemoteTrack) { r.post(regEvent{remote: remote, seq: seq, kind: evTrack, track: t}) },
	})
	if err != nil {
		return nil, fmt.Errorf("new connection to %s: %w", util.Short(remote, 12), err)
	}
	e := &entry{remote: remote, seq: seq, dir: dir, conn: conn, state: ConnNew, created: r.now()}
	r.entries[remote] = e
	return e, nil
}

// Originate dials remote. The entry exists as soon as Originate returns, so
// a second call before negotiation finishes is rejected.
func (r *Registry) Originate(remote string) error {
	if _, ok := r.entries[remote]; ok {
		return ErrDuplicateConnection
	}
	e, err := r.open(remote, Outbound)
	if err != nil {
		return err
	}
	log.Infof("[%s]: originating", util.Short(remote, 12))

	r.launch(e, func(ctx context.Context) error {
		sdp, err := e.conn.Offer(ctx)
		if err != nil {
			return err
		}
		return r.ident.Send(ctx, remote, signal.Message{Type: proto.SignalOffer, Room: r.room, SDP: sdp})
	})
	return nil
}

// Accept answers an offer. An offer from a peer that is already connected is
// a no-op success. A pending inbound entry with no stream is superseded: the
// remote gave up on it and is retrying.
func (r *Registry) Accept(remote, offer string) error {
	if e, ok := r.entries[remote]; ok {
		switch {
		case e.state == ConnConnected || e.hasStream():
			log.Debugf("[%s]: offer while connected, ignoring", util.Short(remote, 12))
			return nil
		case e.dir == Inbound:
			log.Infof("[%s]: superseding stale inbound attempt", util.Short(remote, 12))
			r.drop(e)
		default:
			return ErrDuplicateConnection
		}
	}
	e, err := r.open(remote, Inbound)
	if err != nil {
		return err
	}
	log.Infof("[%s]: accepting offer", util.Short(remote, 12))

	r.launch(e, func(ctx context.Context) error {
		sdp, err := e.conn.Answer(ctx, offer)
		if err != nil {
			return err
		}
		return r.ident.Send(ctx, remote, signal.Message{Type: proto.SignalAnswer, Room: r.room, SDP: sdp})
	})
	return nil
}

// launch runs the slow half of a negotiation off the loop.
func (r *Registry) launch(e *entry, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.negotiate)
	e.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		err := fn(ctx)
		r.post(regEvent{remote: e.remote, seq: e.seq, kind: evSent, err: err})
	}()
}

// Complete applies the answer to an outbound entry.
func (r *Registry) Complete(remote, answer string) Change {
	e, ok := r.entries[remote]
	if !ok || e.dir != Outbound {
		log.Debugf("[%s]: unexpected answer, ignoring", util.Short(remote, 12))
		return Change{}
	}
	if err := e.conn.Complete(answer); err != nil {
		r.drop(e)
		return Change{Remote: remote, Dropped: true, Err: fmt.Errorf("%w: %v", ErrPeerUnreachable, err)}
	}
	e.state = ConnConnecting
	return Change{}
}

// Handle applies an asynchronous result. Results from entries that have
// since been closed are ignored.
func (r *Registry) Handle(ev regEvent) Change {
	e, ok := r.entries[ev.remote]
	if !ok || e.seq != ev.seq {
		return Change{}
	}
	switch ev.kind {
	case evSent:
		if ev.err != nil {
			r.drop(e)
			err := ev.err
			if !errors.Is(err, ErrPeerUnreachable) {
				err = fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
			}
			return Change{Remote: e.remote, Dropped: true, Err: err}
		}
		if e.state == ConnNew {
			e.state = ConnConnecting
		}
	case evState:
		switch ev.state {
		case ConnFailed, ConnClosed:
			r.drop(e)
			return Change{Remote: e.remote, Dropped: true, Err: fmt.Errorf("%w: connection %s", ErrPeerUnreachable, ev.state)}
		default:
			e.state = ev.state
		}
	case evTrack:
		e.tracks = append(e.tracks, ev.track)
		return Change{Remote: e.remote, Stream: true}
	}
	return Change{}
}

// Unreachable drops remote after the broker reported it gone.
func (r *Registry) Unreachable(remote string) Change {
	e, ok := r.entries[remote]
	if !ok {
		return Change{}
	}
	r.drop(e)
	return Change{Remote: remote, Dropped: true, Err: ErrPeerUnreachable}
}

// Close drops remote's entry. With hangup the remote is told so it can drop
// the stream before its own timers notice.
func (r *Registry) Close(remote string, hangup bool) bool {
	e, ok := r.entries[remote]
	if !ok {
		return false
	}
	r.drop(e)
	if hangup {
		r.hangup(remote)
	}
	return true
}

// hangup is best effort and outlives the session on purpose: the session
// context is already cancelled when Leave closes connections.
func (r *Registry) hangup(remote string) {
	ident, room := r.ident, r.room
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		if err := ident.Send(ctx, remote, signal.Message{Type: proto.SignalHangup, Room: room}); err != nil {
			log.Debugf("[%s]: hangup: %v", util.Short(remote, 12), err)
		}
	}()
}

func (r *Registry) drop(e *entry) {
	delete(r.entries, e.remote)
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.conn.Close(); err != nil {
		log.Debugf("[%s]: close: %v", util.Short(e.remote, 12), err)
	}
	log.Infof("[%s]: connection closed (%s, %s)", util.Short(e.remote, 12), e.dir, e.state)
}

// Expire releases entries that have not attached a stream within timeout so
// the next poll tick can retry them.
func (r *Registry) Expire(timeout time.Duration) []string {
	now := r.now()
	var out []string
	for remote, e := range r.entries {
		if !e.hasStream() && now.Sub(e.created) >= timeout {
			log.Infof("[%s]: no stream after %s, releasing", util.Short(remote, 12), timeout)
			r.drop(e)
			out = append(out, remote)
		}
	}
	sort.Strings(out)
	return out
}

// ReplaceTrack swaps the sent track of kind on every connection.
func (r *Registry) ReplaceTrack(kind media.Kind, t webrtc.TrackLocal) error {
	var err error
	for remote, e := range r.entries {
		if rerr := e.conn.ReplaceTrack(kind, t); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", util.Short(remote, 12), rerr))
		}
	}
	return err
}

// CloseAll closes every connection, telling each remote.
func (r *Registry) CloseAll(hangup bool) int {
	n := 0
	for remote := range r.entries {
		if r.Close(remote, hangup) {
			n++
		}
	}
	return n
}

// Info returns the reconciliation view of every entry.
func (r *Registry) Info() map[string]ConnInfo {
	now := r.now()
	out := make(map[string]ConnInfo, len(r.entries))
	for remote, e := range r.entries {
		out[remote] = ConnInfo{Live: true, Stream: e.hasStream(), Age: now.Sub(e.created)}
	}
	return out
}

// Streams returns every entry for the UI, ordered by remote id.
func (r *Registry) Streams() []RemoteStream {
	out := make([]RemoteStream, 0, len(r.entries))
	for remote, e := range r.entries {
		out = append(out, RemoteStream{
			SignalingID: remote,
			Direction:   e.dir.String(),
			State:       e.state.String(),
			Tracks:      append([]*RemoteTrack(nil), e.tracks...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalingID < out[j].SignalingID })
	return out
}
