package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/presence"
	"github.com/petervdpas/roomcall/internal/signal"
)

// State is the coordinator state of the current room session.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateAwaitingSignalingID
	StateSyncing
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateAcquiringMedia:
		return "AcquiringMedia"
	case StateAwaitingSignalingID:
		return "AwaitingSignalingId"
	case StateSyncing:
		return "Syncing"
	case StateActive:
		return "Active"
	case StateLeaving:
		return "Leaving"
	}
	return "Idle"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// session is one room visit. Only the manager loop touches it; goroutines
// it starts are tracked by wg and stop when ctx ends.
type session struct {
	gen    uint64
	room   string
	topic  string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state    State
	retrying string // backoff status, cleared when the step succeeds

	// epoch counts signaling identities. Identity and presence steps of an
	// older epoch are released on arrival; epochCtx ends when the identity
	// is lost.
	epoch       uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc

	// joinedAt is fixed at the first presence join and reused when the
	// identity is re-acquired.
	joinedAt int64

	media *media.LocalMedia
	ident signal.Identity
	pres  *presence.Channel
	reg   *Registry
	poll  *time.Ticker

	participants []presence.Participant // latest sync, self excluded
	role         Role
	host         string
}

// nextEpoch cancels the steps of the current identity and starts a new one.
func (s *session) nextEpoch() {
	if s.epochCancel != nil {
		s.epochCancel()
	}
	s.epoch++
	s.epochCtx, s.epochCancel = context.WithCancel(s.ctx)
}

func (s *session) stopPoll() {
	if s.poll != nil {
		s.poll.Stop()
		s.poll = nil
	}
}

type stepKind int

const (
	stepMedia stepKind = iota
	stepIdentity
	stepPresence
)

// stepResult is the completion of one suspension point of the join sequence.
type stepResult struct {
	gen   uint64
	epoch uint64
	kind  stepKind
	media *media.LocalMedia
	ident signal.Identity
	pres  *presence.Channel
	err   error
}

// release frees whatever a result holds that nobody will own.
func (r stepResult) release() {
	if r.media != nil {
		if err := r.media.Stop(); err != nil {
			log.Debugf("release media: %v", err)
		}
	}
	if r.pres != nil {
		if err := r.pres.Leave(context.Background()); err != nil {
			log.Debugf("release presence: %v", err)
		}
	}
	if r.ident != nil {
		if err := r.ident.Close(); err != nil {
			log.Debugf("release identity: %v", err)
		}
	}
}

type note struct {
	gen   uint64
	epoch uint64
	text  string
}

// spawn runs fn off the loop and hands its result back. A result that
// arrives after ctx ended is released instead.
func (m *Manager) spawn(ctx context.Context, s *session, kind stepKind, fn func(ctx context.Context) stepResult) {
	gen, epoch := s.gen, s.epoch
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r := fn(ctx)
		r.gen, r.epoch, r.kind = gen, epoch, kind
		select {
		case m.steps <- r:
		case <-ctx.Done():
			r.release()
		}
	}()
}

// retry runs op until it succeeds or ctx ends, showing each failure as the
// session status.
func (m *Manager) retry(ctx context.Context, n note, what string, op func() error) error {
	n.text = what + " unavailable, retrying"
	notify := func(err error, wait time.Duration) {
		log.Infof("%s: %v, retrying in %s", what, err, wait.Round(time.Millisecond))
		select {
		case m.notes <- n:
		case <-ctx.Done():
		}
	}
	return backoff.RetryNotify(op, backoff.WithContext(m.opt.NewBackoff(), ctx), notify)
}

func (m *Manager) spawnMedia(s *session) {
	dev, opt := m.deps.Devices, media.Options{CameraOnJoin: m.opt.CameraOnJoin}
	m.spawn(s.ctx, s, stepMedia, func(ctx context.Context) stepResult {
		return stepResult{media: media.Acquire(ctx, dev, opt)}
	})
}

func (m *Manager) spawnIdentity(s *session) {
	broker, n := m.deps.Broker, note{gen: s.gen, epoch: s.epoch}
	m.spawn(s.epochCtx, s, stepIdentity, func(ctx context.Context) stepResult {
		var ident signal.Identity
		err := m.retry(ctx, n, "Signaling", func() error {
			id, err := broker.Open(ctx)
			if err != nil {
				return err
			}
			ident = id
			return nil
		})
		return stepResult{ident: ident, err: err}
	})
}

func (m *Manager) spawnPresence(s *session) {
	if s.joinedAt == 0 {
		s.joinedAt = m.opt.Now().UnixMilli()
	}
	tr, room, self := m.deps.Presence, s.room, m.self(s)
	n := note{gen: s.gen, epoch: s.epoch}
	popt := presence.Options{
		Heartbeat:  m.opt.Heartbeat,
		StaleAfter: m.opt.StaleAfter,
		Learn:      m.opt.Learn,
		Now:        m.opt.Now,
	}
	m.spawn(s.epochCtx, s, stepPresence, func(ctx context.Context) stepResult {
		var ch *presence.Channel
		err := m.retry(ctx, n, "Presence", func() error {
			c, err := presence.Join(ctx, tr, room, self, popt)
			if err != nil {
				return err
			}
			ch = c
			return nil
		})
		return stepResult{pres: ch, err: err}
	})
}

func (m *Manager) onStep(r stepResult) {
	s := m.sess
	if s == nil || r.gen != s.gen || (r.kind != stepMedia && r.epoch != s.epoch) {
		r.release()
		return
	}
	if r.err != nil {
		// Retries only end with their context.
		log.Debugf("%s: step %d ended: %v", s.topic, r.kind, r.err)
		r.release()
		return
	}
	s.retrying = ""

	switch r.kind {
	case stepMedia:
		s.media = r.media
		s.state = StateAwaitingSignalingID
		m.spawnIdentity(s)

	case stepIdentity:
		s.ident = r.ident
		if s.reg == nil {
			s.reg = newRegistry(s.ctx, &s.wg, registryConfig{
				connector: m.deps.Connector,
				ident:     r.ident,
				room:      s.topic,
				local:     s.media.Tracks,
				negotiate: m.opt.NegotiateTimeout,
				now:       m.opt.Now,
			})
		} else {
			s.reg.setIdentity(r.ident)
		}
		log.Infof("%s: signaling id %s", s.topic, r.ident.ID())
		s.state = StateSyncing
		m.spawnPresence(s)

	case stepPresence:
		if s.pres != nil || s.ident == nil || r.pres.Self().SignalingID != s.ident.ID() {
			log.Debugf("%s: releasing presence joined as %s", s.topic, r.pres.Self().SignalingID)
			r.release()
			return
		}
		s.pres = r.pres

	default:
		panic(fmt.Sprintf("call: unknown step %d", r.kind))
	}
}
