package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/proto"
)

// clock returns a Now offset from real time, so join order is set by the
// test instead of by goroutine scheduling.
func clock(offset time.Duration) func(*Options) {
	return func(o *Options) { o.Now = func() time.Time { return time.Now().Add(offset) } }
}

func TestMeshCompleteness(t *testing.T) {
	r := newRig()
	peers := []string{"pa", "pb", "pc", "pd"}
	ms := make([]*Manager, len(peers))
	for i, p := range peers {
		ms[i] = r.manager(t, p, nil, clock(time.Duration(i)*time.Minute))
		join(t, ms[i], "standup")
	}
	for i, m := range ms {
		s := waitFor(t, m, fmt.Sprintf("%s meshed", peers[i]), meshed(len(peers)-1))
		if s.Host != "pa/1" {
			t.Fatalf("%s: host = %q, want pa/1", peers[i], s.Host)
		}
	}

	for i := range peers {
		for j := i + 1; j < len(peers); j++ {
			early, late := peers[i]+"/1", peers[j]+"/1"
			if n := r.sig.Count(proto.SignalOffer, early, late); n != 0 {
				t.Errorf("%s dialed later joiner %s %d time(s)", early, late, n)
			}
			if n := r.sig.Count(proto.SignalOffer, late, early); n != 1 {
				t.Errorf("%s dialed %s %d time(s), want 1", late, early, n)
			}
		}
	}
	if s := ms[0].Snapshot(); s.Role != "HOST" || s.Status != "Online (HOST)" {
		t.Fatalf("first joiner: role = %q status = %q", s.Role, s.Status)
	}
	if s := ms[3].Snapshot(); s.Role != "GUEST" {
		t.Fatalf("last joiner role = %q", s.Role)
	}
}

func TestTiedTimestampsBreakOnSignalingID(t *testing.T) {
	r := newRig()
	frozen := func(o *Options) {
		o.Now = func() time.Time { return time.Unix(1700000000, 0) }
	}
	b := r.manager(t, "pb", nil, frozen)
	a := r.manager(t, "pa", nil, frozen)
	join(t, b, "r")
	join(t, a, "r")

	waitFor(t, a, "a meshed", meshed(1))
	waitFor(t, b, "b meshed", meshed(1))
	if n := r.sig.Count(proto.SignalOffer, "pa/1", "pb/1"); n != 0 {
		t.Fatalf("pa/1 dialed pb/1 %d time(s)", n)
	}
	if n := r.sig.Count(proto.SignalOffer, "pb/1", "pa/1"); n != 1 {
		t.Fatalf("pb/1 dialed pa/1 %d time(s), want 1", n)
	}
}

func TestLaterJoinerDials(t *testing.T) {
	r := newRig()
	x := r.manager(t, "px", nil, nil)
	y := r.manager(t, "py", nil, clock(5*time.Second))

	join(t, x, "r")
	waitFor(t, x, "x active", active)
	join(t, y, "r")

	waitFor(t, y, "y connected", meshed(1))
	waitFor(t, x, "x connected", meshed(1))
	if r.sig.Count(proto.SignalOffer, "px/1", "py/1") != 0 {
		t.Fatal("the earlier joiner dialed")
	}
	if r.sig.Count(proto.SignalOffer, "py/1", "px/1") != 1 {
		t.Fatal("the later joiner did not dial exactly once")
	}
}

func TestNoCameraPublishesBlankVideo(t *testing.T) {
	r := newRig()
	dev := &devices{mic: true}
	z := r.manager(t, "pz", dev, nil)
	join(t, z, "r")
	s := waitFor(t, z, "media", func(s Snapshot) bool { return s.Media != nil })

	if s.Media.HasRealCamera || s.Media.CameraEnabled || !s.Media.HasRealMic {
		t.Fatalf("media = %+v", *s.Media)
	}
	ctx := context.Background()
	if _, err := z.ToggleCamera(ctx); !errors.Is(err, media.ErrNoCamera) {
		t.Fatalf("toggle camera err = %v", err)
	}
	if s := z.Snapshot(); s.Notice == "" || s.Media.CameraEnabled {
		t.Fatalf("notice = %q media = %+v", s.Notice, *s.Media)
	}

	err := z.do(ctx, func() error {
		tracks := z.sess.media.Tracks()
		if len(tracks) != 2 || tracks[0].Kind() != media.KindAudio || tracks[1].Kind() != media.KindVideo {
			return fmt.Errorf("tracks = %v", tracks)
		}
		if !tracks[1].Synthetic() {
			return errors.New("video is not synthetic")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The mic still toggles.
	if on, err := z.ToggleMic(ctx); err != nil || on {
		t.Fatalf("toggle mic = %v, %v", on, err)
	}
}

func TestPresenceLeaveClosesConnectionBeforePoll(t *testing.T) {
	r := newRig()
	slow := func(o *Options) {
		o.PollInterval = time.Hour
		o.PendingTimeout = 2 * time.Hour
		o.StaleAfter = time.Hour
	}
	v := r.manager(t, "pv", nil, slow)
	w := r.manager(t, "pw", nil, func(o *Options) { slow(o); clock(time.Minute)(o) })
	join(t, v, "r")
	join(t, w, "r")
	waitFor(t, v, "v meshed", meshed(1))
	waitFor(t, w, "w meshed", meshed(1))

	// Lose the hangup so only presence can tell v.
	r.sig.DropNext(proto.SignalHangup, 1)
	start := time.Now()
	if err := w.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, v, "w's stream dropped", meshed(0))
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("took %s", d)
	}
	if n := r.fab.Open("pv"); n != 0 {
		t.Fatalf("v still holds %d connection(s)", n)
	}
}

func TestJoinAnotherRoomReleasesThePrevious(t *testing.T) {
	r := newRig()
	other := r.manager(t, "po", nil, nil)
	join(t, other, "r1")

	dev := &devices{}
	m := r.manager(t, "pm", dev, clock(time.Minute))
	join(t, m, "r1")
	join(t, m, "r2")

	if n := r.hub.Subscribers(proto.RoomTopic("r1")); n != 1 {
		t.Fatalf("r1 subscribers = %d, want only the other peer", n)
	}
	s := waitFor(t, m, "active in r2", active)
	if s.Room != "r2" || len(s.Participants) != 1 {
		t.Fatalf("room = %q participants = %d", s.Room, len(s.Participants))
	}
	if got := dev.MaxLive(); got > 2 {
		t.Fatalf("%d sources live at once; r1 media overlapped r2", got)
	}

	// Give the r1 peer a few polls to prove no cross-room connection forms.
	time.Sleep(200 * time.Millisecond)
	if len(other.Snapshot().Remote) != 0 || len(m.Snapshot().Remote) != 0 {
		t.Fatal("connection crossed rooms")
	}
}

func TestLeaveReleasesEverything(t *testing.T) {
	r := newRig()
	dev := &devices{camera: true, mic: true}
	a := r.manager(t, "pa", dev, nil)
	b := r.manager(t, "pb", nil, clock(time.Minute))
	join(t, a, "r")
	join(t, b, "r")
	waitFor(t, a, "a meshed", meshed(1))

	if err := a.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := dev.Live(); n != 0 {
		t.Fatalf("%d source(s) still live", n)
	}
	if n := r.fab.Open("pa"); n != 0 {
		t.Fatalf("%d connection(s) still open", n)
	}
	if n := r.hub.Subscribers(proto.RoomTopic("r")); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	if s := a.Snapshot(); s.State != StateIdle || s.Status != "Idle" {
		t.Fatalf("state = %s status = %q", s.State, s.Status)
	}
	waitFor(t, b, "b dropped a", meshed(0))

	// A second Leave has nothing to do.
	if err := a.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestIdentityLossReacquiresAndKeepsJoinOrder(t *testing.T) {
	r := newRig()
	a := r.manager(t, "pa", nil, nil)
	b := r.manager(t, "pb", nil, clock(time.Minute))
	join(t, a, "r")
	join(t, b, "r")
	waitFor(t, a, "a meshed", meshed(1))
	before := waitFor(t, b, "b meshed", meshed(1))

	r.sig.Kill("pb/1")

	waitFor(t, a, "a meshed with pb/2", func(s Snapshot) bool {
		st, ok := s.Stream("pb/2")
		return meshed(1)(s) && ok && len(st.Tracks) == 2
	})
	after := waitFor(t, b, "b meshed again", func(s Snapshot) bool {
		return s.SignalingID == "pb/2" && meshed(1)(s)
	})
	if self(before).JoinTimestamp != self(after).JoinTimestamp {
		t.Fatalf("join timestamp changed: %d -> %d", self(before).JoinTimestamp, self(after).JoinTimestamp)
	}
	if after.Role != "GUEST" {
		t.Fatalf("role after re-acquire = %q", after.Role)
	}
}

func self(s Snapshot) ParticipantView {
	for _, p := range s.Participants {
		if p.Self {
			return p
		}
	}
	return ParticipantView{}
}

func TestStepsRetryUntilAvailable(t *testing.T) {
	r := newRig()
	r.sig.FailOpens(3)
	r.hub.FailJoins(3)

	m := r.manager(t, "pa", nil, nil)
	join(t, m, "r")
	s := waitFor(t, m, "active", active)
	if s.SignalingID != "pa/1" || s.Status != "Waiting (HOST)" {
		t.Fatalf("signaling id = %q status = %q", s.SignalingID, s.Status)
	}
	if n := r.hub.Subscribers(proto.RoomTopic("r")); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
}

func TestLostOfferIsRetriedAfterPendingTimeout(t *testing.T) {
	r := newRig()
	r.sig.DropNext(proto.SignalOffer, 1)

	a := r.manager(t, "pa", nil, nil)
	b := r.manager(t, "pb", nil, clock(time.Minute))
	join(t, a, "r")
	join(t, b, "r")

	waitFor(t, b, "b meshed", meshed(1))
	waitFor(t, a, "a meshed", meshed(1))
	if n := r.sig.Count(proto.SignalOffer, "pb/1", "pa/1"); n != 2 {
		t.Fatalf("offers = %d, want 2", n)
	}
}

func TestUnreachablePeerIsRetried(t *testing.T) {
	r := newRig()
	m := r.manager(t, "pm", nil, func(o *Options) { o.StaleAfter = time.Hour })
	join(t, m, "r")
	waitFor(t, m, "active", active)

	ghost, _ := json.Marshal(proto.PresenceMsg{
		Type:          proto.TypeOnline,
		UserID:        "ghost",
		SignalingID:   "pg/1",
		JoinTimestamp: 1,
	})
	r.hub.Inject(proto.RoomTopic("r"), "pg", ghost)

	deadline := time.Now().Add(5 * time.Second)
	for r.sig.Count(proto.SignalOffer, "pm/1", "pg/1") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("unreachable peer was not retried")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s := m.Snapshot(); s.Host != "pg/1" || len(s.Participants) != 2 {
		t.Fatalf("host = %q participants = %d", s.Host, len(s.Participants))
	}
}

func TestToggleCameraReplacesTrackInPlace(t *testing.T) {
	r := newRig()
	dev := &devices{camera: true, mic: true}
	a := r.manager(t, "pa", dev, nil)
	b := r.manager(t, "pb", nil, clock(time.Minute))
	join(t, a, "r")
	join(t, b, "r")
	waitFor(t, a, "a meshed", meshed(1))
	created := r.fab.Created("pa")

	ctx := context.Background()
	on, err := a.ToggleCamera(ctx)
	if err != nil || !on {
		t.Fatalf("toggle camera = %v, %v", on, err)
	}
	if n := r.fab.Replaced("pa", media.KindVideo); n != 1 {
		t.Fatalf("video replaced %d time(s), want 1", n)
	}
	if on, err := a.ToggleMic(ctx); err != nil || on {
		t.Fatalf("toggle mic = %v, %v", on, err)
	}
	if r.fab.Created("pa") != created || r.fab.Open("pa") != 1 {
		t.Fatal("toggling hardware touched the connection set")
	}
	s := a.Snapshot()
	if !s.Media.CameraEnabled || s.Media.MicEnabled {
		t.Fatalf("media = %+v", *s.Media)
	}
}

func TestTogglesOutsideRoom(t *testing.T) {
	m := newRig().manager(t, "pa", nil, nil)
	if _, err := m.ToggleMic(context.Background()); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("err = %v", err)
	}
	if err := m.Refresh(context.Background()); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateProfileReachesPeers(t *testing.T) {
	r := newRig()
	a := r.manager(t, "pa", nil, nil)
	b := r.manager(t, "pb", nil, clock(time.Minute))
	join(t, a, "r")
	join(t, b, "r")
	waitFor(t, b, "b sees a", func(s Snapshot) bool { return len(s.Participants) == 2 })

	if err := a.UpdateProfile(context.Background(), "Alice", "abc123"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, b, "new name", func(s Snapshot) bool {
		for _, p := range s.Participants {
			if p.SignalingID == "pa/1" && p.DisplayName == "Alice" && p.AvatarRef == "abc123" {
				return true
			}
		}
		return false
	})
}

func TestCloseEndsSubscriptions(t *testing.T) {
	m := newRig().manager(t, "pa", nil, nil)
	join(t, m, "r")
	ch, stop := m.Subscribe()
	defer stop()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	if err := m.Join(context.Background(), "r"); !errors.Is(err, ErrClosed) {
		t.Fatalf("join after close err = %v", err)
	}
}

func retryingPresence(s Snapshot) bool { return s.Status == "Presence unavailable, retrying" }

func TestIdentityLossCancelsPendingPresenceJoin(t *testing.T) {
	r := newRig()
	topic := proto.RoomTopic("r")
	r.hub.FailJoins(1 << 30)

	m := r.manager(t, "pa", nil, nil)
	join(t, m, "r")
	waitFor(t, m, "presence retrying", retryingPresence)

	// No identity to come back to while presence starts accepting joins.
	r.sig.FailOpens(1 << 30)
	r.sig.Kill("pa/1")
	waitFor(t, m, "awaiting identity", func(s Snapshot) bool { return s.State == StateAwaitingSignalingID })
	r.hub.FailJoins(0)

	time.Sleep(150 * time.Millisecond)
	if n := r.hub.Subscribers(topic); n != 0 {
		t.Fatalf("subscribers under the lost identity = %d, want 0", n)
	}
	if s := m.Snapshot(); s.State != StateAwaitingSignalingID {
		t.Fatalf("state = %s", s.State)
	}

	r.sig.FailOpens(0)
	s := waitFor(t, m, "active as pa/2", func(s Snapshot) bool { return active(s) && s.SignalingID == "pa/2" })
	if len(s.Participants) != 1 {
		t.Fatalf("participants = %d, want self only", len(s.Participants))
	}
	if n := r.hub.Subscribers(topic); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	if err := m.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := r.hub.Subscribers(topic); n != 0 {
		t.Fatalf("subscribers after leave = %d, want 0", n)
	}
}

func TestIdentityLossDuringPresenceRetryJoinsOnce(t *testing.T) {
	r := newRig()
	topic := proto.RoomTopic("r")
	r.hub.FailJoins(1 << 30)

	m := r.manager(t, "pa", nil, nil)
	join(t, m, "r")
	waitFor(t, m, "presence retrying", retryingPresence)

	r.sig.Kill("pa/1")
	waitFor(t, m, "signaling id pa/2", func(s Snapshot) bool { return s.SignalingID == "pa/2" })
	r.hub.FailJoins(0)
	waitFor(t, m, "active", active)

	time.Sleep(150 * time.Millisecond)
	if n := r.hub.Subscribers(topic); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	if err := m.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := r.hub.Subscribers(topic); n != 0 {
		t.Fatalf("subscribers after leave = %d, want 0", n)
	}
}

func TestDroppedPresenceRejoinsAndRemeshes(t *testing.T) {
	r := newRig()
	topic := proto.RoomTopic("r")
	a := r.manager(t, "pa", nil, nil)
	b := r.manager(t, "pb", nil, clock(time.Minute))
	join(t, a, "r")
	join(t, b, "r")
	waitFor(t, a, "a meshed", meshed(1))
	waitFor(t, b, "b meshed", meshed(1))

	r.hub.FailJoins(3)
	r.hub.Drop("pb", topic)
	waitFor(t, b, "b syncing", func(s Snapshot) bool { return s.State == StateSyncing })

	s := waitFor(t, b, "b meshed again", func(s Snapshot) bool { return active(s) && meshed(1)(s) })
	if s.Role != "GUEST" || s.Host != "pa/1" {
		t.Fatalf("role = %q host = %q", s.Role, s.Host)
	}
	waitFor(t, a, "a meshed again", meshed(1))
	if n := r.hub.Subscribers(topic); n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}
	if n := r.fab.Open("pb"); n != 1 {
		t.Fatalf("b holds %d connection(s), want 1", n)
	}
}

func TestDroppedPresenceStopsPolling(t *testing.T) {
	r := newRig()
	topic := proto.RoomTopic("r")
	m := r.manager(t, "pa", nil, nil)
	join(t, m, "r")
	waitFor(t, m, "active", active)

	r.hub.FailJoins(1 << 30)
	r.hub.Drop("pa", topic)
	waitFor(t, m, "presence retrying", retryingPresence)

	polling := func() bool {
		var on bool
		if err := m.do(context.Background(), func() error {
			on = m.sess.poll != nil
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		return on
	}
	if polling() {
		t.Fatal("poll ticker still running without presence")
	}

	r.hub.FailJoins(0)
	waitFor(t, m, "active again", active)
	if !polling() {
		t.Fatal("poll ticker not restarted")
	}
}
