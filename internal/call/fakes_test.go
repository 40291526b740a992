package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/presence/presencetest"
	"github.com/petervdpas/roomcall/internal/signal/signaltest"
)

// ---- devices ----

var errSourceStopped = errors.New("fake source stopped")

// devices hands out sources that produce nothing and counts how many are
// open at once.
type devices struct {
	camera, mic bool

	mu      sync.Mutex
	live    int
	maxLive int
	opened  int
}

type idle struct {
	d    *devices
	once sync.Once
	done chan struct{}
}

func (s *idle) ReadFrame() (media.Frame, error) {
	<-s.done
	return media.Frame{}, errSourceStopped
}

func (s *idle) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.d.mu.Lock()
		s.d.live--
		s.d.mu.Unlock()
	})
	return nil
}

func (d *devices) open() (media.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live++
	d.opened++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	return &idle{d: d, done: make(chan struct{})}, nil
}

func (d *devices) Camera() (media.Source, error) {
	if !d.camera {
		return nil, media.ErrUnavailable
	}
	return d.open()
}

func (d *devices) Microphone() (media.Source, error) {
	if !d.mic {
		return nil, media.ErrUnavailable
	}
	return d.open()
}

func (d *devices) BlankVideo() (media.Source, error)  { return d.open() }
func (d *devices) SilentAudio() (media.Source, error) { return d.open() }

func (d *devices) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *devices) MaxLive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

// ---- connections ----

// fabric links fake connections by their SDP tokens. Complete connects both
// ends and delivers one audio and one video remote track to each.
type fabric struct {
	mu      sync.Mutex
	seq     int
	offers  map[string]*fakeConn
	answers map[string]*fakeConn
	conns   []*fakeConn
}

func newFabric() *fabric {
	return &fabric{offers: map[string]*fakeConn{}, answers: map[string]*fakeConn{}}
}

// connector returns a Connector whose connections are owned by owner.
func (f *fabric) connector(owner string) Connector { return &fabricConnector{f: f, owner: owner} }

type fabricConnector struct {
	f     *fabric
	owner string
}

func (c *fabricConnector) NewConn(remote string, local []*media.Track, n Notify) (Conn, error) {
	if len(local) != 2 {
		return nil, fmt.Errorf("want 2 local tracks, got %d", len(local))
	}
	fc := &fakeConn{f: c.f, owner: c.owner, remote: remote, notify: n}
	c.f.mu.Lock()
	c.f.conns = append(c.f.conns, fc)
	c.f.mu.Unlock()
	return fc, nil
}

// Open counts connections owned by owner that are not closed.
func (f *fabric) Open(owner string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if c.owner == owner && !c.closed {
			n++
		}
	}
	return n
}

// Created counts every connection owner ever built.
func (f *fabric) Created(owner string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if c.owner == owner {
			n++
		}
	}
	return n
}

// Replaced counts ReplaceTrack calls of kind on owner's open connections.
func (f *fabric) Replaced(owner string, kind media.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if c.owner == owner && !c.closed {
			n += c.replaced[kind]
		}
	}
	return n
}

type fakeConn struct {
	f      *fabric
	owner  string
	remote string
	notify Notify

	// guarded by f.mu
	closed   bool
	replaced map[media.Kind]int
}

func (c *fakeConn) token(kind string) string {
	c.f.seq++
	return fmt.Sprintf("%s-%d", kind, c.f.seq)
}

func (c *fakeConn) Offer(ctx context.Context) (string, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	tok := c.token("offer")
	c.f.offers[tok] = c
	return tok, nil
}

func (c *fakeConn) Answer(ctx context.Context, offer string) (string, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if _, ok := c.f.offers[offer]; !ok {
		return "", fmt.Errorf("unknown offer %q", offer)
	}
	delete(c.f.offers, offer)
	tok := c.token("answer")
	c.f.answers[tok] = c
	return tok, nil
}

func (c *fakeConn) Complete(answer string) error {
	c.f.mu.Lock()
	peer, ok := c.f.answers[answer]
	delete(c.f.answers, answer)
	c.f.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown answer %q", answer)
	}
	for _, end := range []*fakeConn{c, peer} {
		go end.up()
	}
	return nil
}

func (c *fakeConn) up() {
	c.f.mu.Lock()
	closed := c.closed
	c.f.mu.Unlock()
	if closed {
		return
	}
	c.notify.State(ConnConnected)
	c.notify.Track(&RemoteTrack{Kind: media.KindAudio, ID: "audio"})
	c.notify.Track(&RemoteTrack{Kind: media.KindVideo, ID: "video"})
}

func (c *fakeConn) ReplaceTrack(kind media.Kind, _ webrtc.TrackLocal) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.replaced == nil {
		c.replaced = map[media.Kind]int{}
	}
	c.replaced[kind]++
	return nil
}

func (c *fakeConn) Close() error {
	c.f.mu.Lock()
	c.closed = true
	c.f.mu.Unlock()
	return nil
}

// ---- rig ----

// rig is a shared presence hub, signaling network and connection fabric.
type rig struct {
	hub *presencetest.Hub
	sig *signaltest.Net
	fab *fabric
}

func newRig() *rig {
	return &rig{hub: presencetest.NewHub(), sig: signaltest.NewNet(), fab: newFabric()}
}

func fastOptions(user string) Options {
	return Options{
		UserID:           user,
		Heartbeat:        30 * time.Millisecond,
		StaleAfter:       300 * time.Millisecond,
		PollInterval:     50 * time.Millisecond,
		PendingTimeout:   400 * time.Millisecond,
		NegotiateTimeout: time.Second,
		NewBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	}
}

// manager starts a Manager for peer. Its signaling ids are peer/1, peer/2...
func (r *rig) manager(t *testing.T, peer string, dev *devices, tune func(*Options)) *Manager {
	t.Helper()
	opt := fastOptions(peer)
	if tune != nil {
		tune(&opt)
	}
	if dev == nil {
		dev = &devices{}
	}
	m, err := New(opt, Deps{
		Devices:   dev,
		Broker:    r.sig.Broker(peer),
		Presence:  r.hub.Transport(peer),
		Connector: r.fab.connector(peer),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func join(t *testing.T, m *Manager, room string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Join(ctx, room); err != nil {
		t.Fatal(err)
	}
}

// waitFor blocks until ok accepts a published snapshot.
func waitFor(t *testing.T, m *Manager, what string, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	ch, stop := m.Subscribe()
	defer stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s, open := <-ch:
			if !open {
				t.Fatalf("manager closed while waiting for %s", what)
			}
			if ok(s) {
				return s
			}
		case <-deadline:
			s := m.Snapshot()
			t.Fatalf("timed out waiting for %s: status=%q remote=%d", what, s.Status, len(s.Remote))
		}
	}
}

func active(s Snapshot) bool { return s.State == StateActive }

// meshed accepts a snapshot with exactly n connected remotes, each carrying
// audio and video.
func meshed(n int) func(Snapshot) bool {
	return func(s Snapshot) bool {
		if len(s.Remote) != n {
			return false
		}
		for _, r := range s.Remote {
			if r.State != ConnConnected.String() || len(r.Tracks) != 2 {
				return false
			}
		}
		return true
	}
}
