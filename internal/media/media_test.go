package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// chanSource hands out frames pushed by the test.
type chanSource struct {
	frames chan Frame
	once   sync.Once
	done   chan struct{}
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan Frame), done: make(chan struct{})}
}

func (s *chanSource) ReadFrame() (Frame, error) {
	select {
	case <-s.done:
		return Frame{}, errSourceClosed
	case f := <-s.frames:
		return f, nil
	}
}

func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *chanSource) push(t *testing.T) {
	t.Helper()
	select {
	case s.frames <- Frame{Data: []byte{1, 2, 3}, Duration: 20 * time.Millisecond}:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not read the frame")
	}
}

type fakeDevices struct {
	cam, mic *chanSource
	blankErr error
}

func (d *fakeDevices) Camera() (Source, error) {
	if d.cam == nil {
		return nil, ErrUnavailable
	}
	return d.cam, nil
}

func (d *fakeDevices) Microphone() (Source, error) {
	if d.mic == nil {
		return nil, ErrUnavailable
	}
	return d.mic, nil
}

func (d *fakeDevices) BlankVideo() (Source, error) {
	if d.blankErr != nil {
		return nil, d.blankErr
	}
	return newIdleSource(), nil
}

func (d *fakeDevices) SilentAudio() (Source, error) { return NewSilentAudio(), nil }

func kinds(m *LocalMedia) []Kind {
	var out []Kind
	for _, t := range m.Tracks() {
		out = append(out, t.Kind())
	}
	return out
}

func assertShape(t *testing.T, m *LocalMedia) {
	t.Helper()
	k := kinds(m)
	if len(k) != 2 || k[0] != KindAudio || k[1] != KindVideo {
		t.Fatalf("tracks = %v, want [audio video]", k)
	}
	if m.Audio().Local().StreamID() != m.StreamID() || m.Video().Local().StreamID() != m.StreamID() {
		t.Fatal("tracks do not share the stream id")
	}
}

func TestAcquireFullHardware(t *testing.T) {
	m := Acquire(context.Background(), &fakeDevices{cam: newChanSource(), mic: newChanSource()}, Options{})
	defer m.Stop()

	assertShape(t, m)
	st := m.State()
	if !st.HasRealCamera || !st.HasRealMic {
		t.Fatalf("state = %+v, want real camera and mic", st)
	}
	if st.CameraEnabled {
		t.Fatal("camera should start disabled")
	}
	if !st.MicEnabled {
		t.Fatal("mic should start enabled")
	}
	if !m.Video().Synthetic() {
		t.Fatal("blank video should be published while the camera is off")
	}
}

func TestAcquireCameraOnJoin(t *testing.T) {
	m := Acquire(context.Background(), &fakeDevices{cam: newChanSource()}, Options{CameraOnJoin: true})
	defer m.Stop()

	if m.Video().Synthetic() || !m.State().CameraEnabled {
		t.Fatal("camera should be published immediately")
	}
}

func TestAcquireWithoutHardware(t *testing.T) {
	m := Acquire(context.Background(), &fakeDevices{}, Options{})
	defer m.Stop()

	assertShape(t, m)
	if !m.Audio().Synthetic() || !m.Video().Synthetic() {
		t.Fatal("both tracks should be synthetic")
	}
	if _, err := m.ToggleCamera(); !errors.Is(err, ErrNoCamera) {
		t.Fatalf("ToggleCamera err = %v, want ErrNoCamera", err)
	}
	if _, err := m.ToggleMic(); !errors.Is(err, ErrNoMicrophone) {
		t.Fatalf("ToggleMic err = %v, want ErrNoMicrophone", err)
	}
	assertShape(t, m)
}

func TestAcquireSurvivesBrokenBlankVideo(t *testing.T) {
	m := Acquire(context.Background(), &fakeDevices{blankErr: errors.New("no encoder")}, Options{})
	defer m.Stop()
	assertShape(t, m)
}

func TestToggleCameraSwapsPublishedTrack(t *testing.T) {
	m := Acquire(context.Background(), &fakeDevices{cam: newChanSource()}, Options{})
	defer m.Stop()

	blank := m.Video()
	on, err := m.ToggleCamera()
	if err != nil {
		t.Fatal(err)
	}
	if on == blank || on.Synthetic() || !m.State().CameraEnabled {
		t.Fatal("toggle on should publish the camera")
	}

	off, err := m.ToggleCamera()
	if err != nil {
		t.Fatal(err)
	}
	if off != blank || m.State().CameraEnabled {
		t.Fatal("toggle off should publish the blank track again")
	}
	assertShape(t, m)
}

func TestToggleMicGatesFrames(t *testing.T) {
	mic := newChanSource()
	m := Acquire(context.Background(), &fakeDevices{mic: mic}, Options{})
	defer m.Stop()

	mic.push(t)
	mic.push(t) // returns once the first frame has been written
	if n := m.Audio().Frames(); n < 1 {
		t.Fatalf("frames = %d, want >= 1", n)
	}

	on, err := m.ToggleMic()
	if err != nil || on {
		t.Fatalf("ToggleMic = %v, %v; want false, nil", on, err)
	}
	mic.push(t) // the second frame may still be in flight
	before := m.Audio().Frames()
	mic.push(t)
	mic.push(t)
	if after := m.Audio().Frames(); after != before {
		t.Fatalf("muted track wrote frames: %d -> %d", before, after)
	}
	if m.State().MicEnabled {
		t.Fatal("state should report the mic disabled")
	}
}

func TestStopEndsEveryTrack(t *testing.T) {
	m := Acquire(context.Background(), &fakeDevices{cam: newChanSource(), mic: newChanSource()}, Options{})
	if got := m.Live(); got != 3 {
		t.Fatalf("live = %d, want 3 (mic, camera, blank)", got)
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := m.Live(); got != 0 {
		t.Fatalf("live after stop = %d", got)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSilentAudioEmitsOpusSilence(t *testing.T) {
	src := NewSilentAudio()
	defer src.Close()

	f, err := src.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if string(f.Data) != string(opusSilence) || f.Duration != opusFrame {
		t.Fatalf("frame = %v/%v", f.Data, f.Duration)
	}
	_ = src.Close()
	if _, err := src.ReadFrame(); !errors.Is(err, errSourceClosed) {
		t.Fatalf("read after close = %v", err)
	}
}
