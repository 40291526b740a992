package call

import (
	"sync"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/presence"
)

// Snapshot is the reactive session state the UI renders.
type Snapshot struct {
	Seq          uint64            `json:"seq"`
	State        State             `json:"state"`
	Status       string            `json:"status"`
	Room         string            `json:"room,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Role         string            `json:"role,omitempty"`
	Host         string            `json:"host,omitempty"`
	SignalingID  string            `json:"signaling_id,omitempty"`
	Media        *media.State      `json:"media,omitempty"`
	Participants []ParticipantView `json:"participants"`
	Remote       []RemoteStream    `json:"remote"`
	Connected    int               `json:"connected"`
	Notice       string            `json:"notice,omitempty"`
}

type ParticipantView struct {
	presence.Participant
	Self       bool   `json:"self"`
	Host       bool   `json:"host"`
	Connection string `json:"connection,omitempty"`
}

// Stream returns the remote stream for signalingID, if any.
func (s Snapshot) Stream(signalingID string) (RemoteStream, bool) {
	for _, r := range s.Remote {
		if r.SignalingID == signalingID {
			return r, true
		}
	}
	return RemoteStream{}, false
}

func status(s *session) string {
	if s == nil {
		return "Idle"
	}
	if s.state == StateLeaving {
		return "Leaving..."
	}
	if s.retrying != "" {
		return s.retrying
	}
	switch s.state {
	case StateAcquiringMedia:
		return "Acquiring media..."
	case StateAwaitingSignalingID:
		return "Signaling..."
	case StateSyncing:
		return "Joining room..."
	}
	if s.reg != nil && s.reg.Connected() > 0 {
		return "Online (" + s.role.String() + ")"
	}
	return "Waiting (" + s.role.String() + ")"
}

// snapshot builds the current state. Loop only.
func (m *Manager) snapshot() Snapshot {
	s := m.sess
	snap := Snapshot{
		State:        StateIdle,
		Status:       status(s),
		Notice:       m.notice,
		Participants: []ParticipantView{},
		Remote:       []RemoteStream{},
	}
	if s == nil {
		return snap
	}
	snap.State = s.state
	snap.Room = s.room
	snap.Topic = s.topic
	snap.Role = s.role.String()
	snap.Host = s.host
	if s.media != nil {
		st := s.media.State()
		snap.Media = &st
	}
	conn := map[string]string{}
	if s.reg != nil {
		snap.Remote = s.reg.Streams()
		snap.Connected = s.reg.Connected()
		for _, r := range snap.Remote {
			conn[r.SignalingID] = r.State
		}
	}
	if s.ident == nil {
		return snap
	}
	self := m.self(s)
	snap.SignalingID = self.SignalingID
	for _, p := range Order(append(s.participants[:len(s.participants):len(s.participants)], self)) {
		snap.Participants = append(snap.Participants, ParticipantView{
			Participant: p,
			Self:        p.SignalingID == self.SignalingID,
			Host:        p.SignalingID == s.host,
			Connection:  conn[p.SignalingID],
		})
	}
	return snap
}

func (m *Manager) publish() {
	m.pub.send(m.snapshot())
}

// publisher fans snapshots out to subscribers. Each subscriber holds at
// most one pending snapshot; a newer one replaces it.
type publisher struct {
	mu   sync.Mutex
	seq  uint64
	last Snapshot
	subs map[int]chan Snapshot
	next int
}

func (p *publisher) init() { p.subs = map[int]chan Snapshot{} }

func (p *publisher) send(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	s.Seq = p.seq
	p.last = s
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (p *publisher) latest() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *publisher) subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	ch <- p.last
	if p.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := p.next
	p.next++
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
}

// closeAll ends every subscription; later subscribers get the final state
// and a closed channel.
func (p *publisher) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.subs = nil
}
