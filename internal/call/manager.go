package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/presence"
	"github.com/petervdpas/roomcall/internal/proto"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/util"
)

// Options configure a Manager. Zero durations take the defaults below.
type Options struct {
	UserID      string
	DisplayName string
	AvatarRef   string

	// Addrs returns the multiaddrs advertised in presence so peers can dial
	// this host without a discovery round.
	Addrs func() []string

	CameraOnJoin bool

	Heartbeat        time.Duration // 5 s
	StaleAfter       time.Duration // 3 × Heartbeat
	PollInterval     time.Duration // 3 s
	PendingTimeout   time.Duration // 10 s
	NegotiateTimeout time.Duration // 15 s

	// Learn receives peer addresses seen in presence records.
	Learn func(peerID string, addrs []string)

	Now        func() time.Time
	NewBackoff func() backoff.BackOff
}

func (o *Options) defaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 3 * o.Heartbeat
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = 10 * time.Second
	}
	if o.NegotiateTimeout <= 0 {
		o.NegotiateTimeout = 15 * time.Second
	}
	if o.DisplayName == "" {
		o.DisplayName = o.UserID
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewBackoff == nil {
		o.NewBackoff = defaultBackoff
	}
}

// defaultBackoff retries forever; the session context ends it.
func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Devices   media.Devices
	Broker    signal.Broker
	Presence  presence.Transport
	Connector Connector
}

// Manager is the session coordinator. It holds at most one room session;
// every mutation of it runs on a single loop goroutine, so presence
// snapshots, signaling, poll ticks and hardware toggles never interleave.
type Manager struct {
	opt  Options
	deps Deps

	cmds  chan command
	steps chan stepResult
	notes chan note
	done  chan struct{}
	exit  chan struct{}

	closeOnce sync.Once
	closeErr  error

	// loop-owned
	sess   *session
	gen    uint64
	notice string

	pub publisher
}

func New(opt Options, deps Deps) (*Manager, error) {
	if strings.TrimSpace(opt.UserID) == "" {
		return nil, errors.New("call: user id is required")
	}
	if deps.Devices == nil || deps.Broker == nil || deps.Presence == nil || deps.Connector == nil {
		return nil, errors.New("call: devices, broker, presence and connector are required")
	}
	opt.defaults()

	m := &Manager{
		opt:   opt,
		deps:  deps,
		cmds:  make(chan command),
		steps: make(chan stepResult),
		notes: make(chan note),
		done:  make(chan struct{}),
		exit:  make(chan struct{}),
	}
	m.pub.init()
	m.publish()
	go m.loop()
	return m, nil
}

// Close leaves the current room and stops the loop.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		<-m.exit
		m.pub.closeAll()
	})
	return m.closeErr
}

func (m *Manager) loop() {
	defer close(m.exit)
	for {
		var (
			presC <-chan presence.Event
			inC   <-chan signal.Envelope
			lostC <-chan struct{}
			regC  <-chan regEvent
			pollC <-chan time.Time
		)
		s := m.sess
		if s != nil {
			if s.pres != nil {
				presC = s.pres.Events()
			}
			if s.ident != nil {
				inC = s.ident.Incoming()
				lostC = s.ident.Lost()
			}
			if s.reg != nil {
				regC = s.reg.Events()
			}
			if s.poll != nil {
				pollC = s.poll.C
			}
		}

		select {
		case c := <-m.cmds:
			err := c.fn()
			m.publish()
			c.reply <- err
			continue
		case r := <-m.steps:
			m.onStep(r)
		case n := <-m.notes:
			if s != nil && n.gen == s.gen && n.epoch == s.epoch {
				s.retrying = n.text
			}
		case ev := <-presC:
			m.onPresence(s, ev)
		case env := <-inC:
			m.onSignal(s, env)
		case <-lostC:
			m.onIdentityLost(s)
		case ev := <-regC:
			m.applyChange(s.reg.Handle(ev))
		case <-pollC:
			m.onPoll(s)
		case <-m.done:
			m.closeErr = m.teardown()
			m.publish()
			return
		}
		m.publish()
	}
}

type command struct {
	fn    func() error
	reply chan error
}

// do runs fn on the loop and waits for its result. The state it produced is
// published before do returns.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.cmds <- command{fn: fn, reply: reply}:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join enters roomID. An active session for another room is torn down
// completely first; joining the current room again is a no-op.
func (m *Manager) Join(ctx context.Context, roomID string) error {
	if proto.SanitizeRoomID(roomID) == "" {
		return fmt.Errorf("call: room id %q has no usable characters", roomID)
	}
	return m.do(ctx, func() error {
		if s := m.sess; s != nil && s.topic == proto.RoomTopic(roomID) {
			return nil
		}
		if err := m.teardown(); err != nil {
			log.Warnf("previous session teardown: %v", err)
		}
		m.start(roomID)
		return nil
	})
}

// Leave tears the session down. It returns once hardware is released,
// connections are closed and the presence subscription is gone; every step
// is attempted even when an earlier one fails.
func (m *Manager) Leave(ctx context.Context) error {
	return m.do(ctx, m.teardown)
}

// ToggleMic flips the microphone. Without a microphone it changes nothing
// and sets a notice.
func (m *Manager) ToggleMic(ctx context.Context) (bool, error) {
	var on bool
	err := m.do(ctx, func() error {
		s := m.sess
		if s == nil || s.media == nil {
			return ErrNotInRoom
		}
		var err error
		on, err = s.media.ToggleMic()
		if errors.Is(err, media.ErrNoMicrophone) {
			m.notice = "No microphone available"
			return err
		}
		m.notice = ""
		return err
	})
	return on, err
}

// ToggleCamera swaps between the camera and the blank track and replaces the
// sent video track on every connection in place.
func (m *Manager) ToggleCamera(ctx context.Context) (bool, error) {
	var on bool
	err := m.do(ctx, func() error {
		s := m.sess
		if s == nil || s.media == nil {
			return ErrNotInRoom
		}
		t, err := s.media.ToggleCamera()
		if errors.Is(err, media.ErrNoCamera) {
			m.notice = "No camera available"
			return err
		}
		if err != nil {
			return err
		}
		m.notice = ""
		on = !t.Synthetic()
		if s.reg != nil {
			if err := s.reg.ReplaceTrack(media.KindVideo, t.Local()); err != nil {
				log.Warnf("replace video track: %v", err)
			}
		}
		return nil
	})
	return on, err
}

// Refresh re-announces presence and reconciles without waiting for a tick.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.do(ctx, func() error {
		s := m.sess
		if s == nil {
			return ErrNotInRoom
		}
		if s.pres != nil {
			s.pres.Refresh()
		}
		if s.state == StateActive {
			m.reconcile(s)
		}
		return nil
	})
}

// UpdateProfile changes the advertised display name and avatar for this and
// future sessions.
func (m *Manager) UpdateProfile(ctx context.Context, displayName, avatarRef string) error {
	return m.do(ctx, func() error {
		if displayName = strings.TrimSpace(displayName); displayName != "" {
			m.opt.DisplayName = displayName
		}
		m.opt.AvatarRef = avatarRef
		if s := m.sess; s != nil && s.pres != nil {
			s.pres.Update(m.self(s))
		}
		return nil
	})
}

// Snapshot returns the latest published state. Safe from any goroutine.
func (m *Manager) Snapshot() Snapshot { return m.pub.latest() }

// Subscribe delivers every published state, dropping intermediate ones a
// slow reader missed. Call the returned func to stop.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) { return m.pub.subscribe() }

func (m *Manager) start(roomID string) {
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:    m.gen,
		room:   roomID,
		topic:  proto.RoomTopic(roomID),
		ctx:    ctx,
		cancel: cancel,
		state:  StateAcquiringMedia,
	}
	s.nextEpoch()
	m.sess = s
	m.notice = ""
	log.Infof("joining room %q (%s)", roomID, s.topic)
	m.spawnMedia(s)
}

// teardown releases everything the session holds. It runs on the loop.
func (m *Manager) teardown() error {
	s := m.sess
	if s == nil {
		return nil
	}
	s.state = StateLeaving
	m.publish()

	s.cancel()
	s.stopPoll()
	var err error
	closed := 0
	if s.reg != nil {
		closed = s.reg.CloseAll(true)
	}
	if s.pres != nil {
		if perr := s.pres.Leave(context.Background()); perr != nil {
			err = multierr.Append(err, fmt.Errorf("leave presence: %w", perr))
		}
	}
	s.wg.Wait()
	if s.ident != nil {
		if ierr := s.ident.Close(); ierr != nil {
			err = multierr.Append(err, fmt.Errorf("close identity: %w", ierr))
		}
	}
	if s.media != nil {
		if merr := s.media.Stop(); merr != nil {
			err = multierr.Append(err, fmt.Errorf("stop media: %w", merr))
		}
	}
	m.sess = nil
	log.Infof("left room %q: %d connection(s) closed", s.room, closed)
	return err
}

func (m *Manager) onPresence(s *session, ev presence.Event) {
	switch ev.Type {
	case presence.EventSync:
		if s.ident == nil {
			return
		}
		selfID := s.ident.ID()
		others := make([]presence.Participant, 0, len(ev.Participants))
		for _, p := range ev.Participants {
			if p.SignalingID != selfID {
				others = append(others, p)
			}
		}
		s.participants = others
		if s.state == StateSyncing {
			s.state = StateActive
			s.poll = time.NewTicker(m.opt.PollInterval)
			log.Infof("%s: active with %d other participant(s)", s.topic, len(others))
		}
		m.reconcile(s)

	case presence.EventLeave:
		gone := ev.Left.SignalingID
		if s.reg != nil && s.reg.Close(gone, false) {
			log.Infof("[%s]: left %s, stream dropped", util.Short(gone, 12), s.topic)
		}
		kept := s.participants[:0]
		for _, p := range s.participants {
			if p.SignalingID != gone {
				kept = append(kept, p)
			}
		}
		s.participants = kept

	case presence.EventLost:
		log.Warnf("%s: %v, rejoining", s.topic, ev.Err)
		m.dropPresence(s)
		s.stopPoll()
		s.state = StateSyncing
		m.spawnPresence(s)
	}
}

// dropPresence leaves the dead channel off the loop; its offline
// announcement may block on the broken transport.
func (m *Manager) dropPresence(s *session) {
	pres := s.pres
	s.pres = nil
	if pres == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := pres.Leave(context.Background()); err != nil {
			log.Debugf("%s: release dead channel: %v", s.topic, err)
		}
	}()
}

func (m *Manager) onSignal(s *session, env signal.Envelope) {
	from := util.Short(env.From, 12)
	if env.Room != s.topic {
		log.Debugf("[%s]: %s for room %q, dropping", from, env.Type, env.Room)
		return
	}
	switch env.Type {
	case proto.SignalOffer:
		if err := s.reg.Accept(env.From, env.SDP); err != nil {
			log.Infof("[%s]: offer rejected: %v", from, err)
		}
	case proto.SignalAnswer:
		m.applyChange(s.reg.Complete(env.From, env.SDP))
	case proto.SignalHangup:
		if s.reg.Close(env.From, false) {
			log.Infof("[%s]: hung up", from)
		}
	case proto.SignalUnavailable:
		m.applyChange(s.reg.Unreachable(env.From))
	default:
		log.Debugf("[%s]: unknown signal %q", from, env.Type)
	}
}

func (m *Manager) applyChange(c Change) {
	if c.Err != nil {
		log.Infof("[%s]: dropped until next poll: %v", util.Short(c.Remote, 12), c.Err)
	}
}

// onIdentityLost closes the mesh, re-acquires a signaling identity and
// re-joins presence under the same join timestamp, so the session keeps
// its place in the join order. Presence joins still retrying under the old
// identity are cancelled with its epoch.
func (m *Manager) onIdentityLost(s *session) {
	log.Warnf("%s: %v, re-acquiring", s.topic, signal.ErrIdentityLost)
	s.nextEpoch()
	s.reg.CloseAll(false)
	m.dropPresence(s)
	if err := s.ident.Close(); err != nil {
		log.Debugf("close lost identity: %v", err)
	}
	s.ident = nil
	s.participants = nil
	s.retrying = ""
	s.stopPoll()
	s.state = StateAwaitingSignalingID
	m.spawnIdentity(s)
}

func (m *Manager) onPoll(s *session) {
	if s != m.sess || s.state != StateActive {
		return
	}
	s.reg.Expire(m.opt.PendingTimeout)
	m.reconcile(s)
}

// reconcile is the one path from a participant set to connection actions;
// snapshots, poll ticks and Refresh all go through it.
func (m *Manager) reconcile(s *session) {
	self := m.self(s)
	plan := Reconcile(self, s.participants, s.reg.Info(), m.opt.PendingTimeout)
	s.role, s.host = plan.Role, plan.Host
	for _, remote := range plan.Close {
		log.Infof("[%s]: no longer in %s, closing", util.Short(remote, 12), s.topic)
		s.reg.Close(remote, true)
	}
	for _, remote := range plan.Originate {
		if err := s.reg.Originate(remote); err != nil {
			log.Infof("[%s]: originate: %v", util.Short(remote, 12), err)
		}
	}
}

// self is the local participant record as presence advertises it.
func (m *Manager) self(s *session) presence.Participant {
	p := presence.Participant{
		UserID:        m.opt.UserID,
		DisplayName:   m.opt.DisplayName,
		AvatarRef:     m.opt.AvatarRef,
		JoinTimestamp: s.joinedAt,
	}
	if s.ident != nil {
		p.SignalingID = s.ident.ID()
		if peer, _, ok := signal.SplitID(p.SignalingID); ok {
			p.PeerID = peer
		}
	}
	if m.opt.Addrs != nil {
		p.Addrs = m.opt.Addrs()
	}
	return p
}
