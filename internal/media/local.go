package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// State is the user-visible hardware state of the local stream.
type State struct {
	HasRealCamera bool `json:"has_real_camera"`
	HasRealMic    bool `json:"has_real_mic"`
	CameraEnabled bool `json:"camera_enabled"`
	MicEnabled    bool `json:"mic_enabled"`
}

// Options tune Acquire.
type Options struct {
	// CameraOnJoin publishes the real camera immediately. By default the
	// camera is opened but the blank track is published until toggled on.
	CameraOnJoin bool
}

// LocalMedia is the local stream of one room session. It always publishes
// exactly one audio and one video track.
//
// LocalMedia is not safe for concurrent use; the call manager's event loop
// owns it, which keeps track swaps atomic with connection setup.
type LocalMedia struct {
	streamID string

	audio  *Track // real microphone or silent synthetic
	camera *Track // nil when no camera could be opened
	blank  *Track // synthetic video, published while the camera is off
	video  *Track // camera or blank, whichever is published

	hasMic bool
}

// Acquire opens the camera and microphone, substituting synthetic sources
// per device on failure. It never fails: the worst case is a stream of two
// synthetic tracks that produce no hardware media.
func Acquire(ctx context.Context, dev Devices, opt Options) *LocalMedia {
	m := &LocalMedia{streamID: "roomcall-" + uuid.NewString()}

	if ctx.Err() == nil {
		if src, err := dev.Camera(); err == nil {
			m.camera = m.track(KindVideo, false, src)
		} else {
			log.Infof("camera unavailable, using blank video: %v", err)
		}
	}
	m.blank = m.synthetic(KindVideo, dev.BlankVideo)
	m.video = m.blank
	if m.camera != nil && opt.CameraOnJoin {
		m.camera.SetEnabled(true)
		m.video = m.camera
	}

	if ctx.Err() == nil {
		if src, err := dev.Microphone(); err == nil {
			m.audio = m.track(KindAudio, false, src)
			m.audio.SetEnabled(true)
			m.hasMic = true
		} else {
			log.Infof("microphone unavailable, using silent audio: %v", err)
		}
	}
	if m.audio == nil {
		m.audio = m.synthetic(KindAudio, dev.SilentAudio)
	}

	st := m.State()
	log.Infof("local media ready: camera=%v mic=%v camera_on=%v mic_on=%v",
		st.HasRealCamera, st.HasRealMic, st.CameraEnabled, st.MicEnabled)
	return m
}

// track wraps src; if the pion track cannot be built the source is closed
// and nil returned, which callers treat as an absent device.
func (m *LocalMedia) track(kind Kind, synthetic bool, src Source) *Track {
	t, err := newTrack(kind, synthetic, src, m.streamID)
	if err != nil {
		log.Warnf("%s track setup failed: %v", kind, err)
		_ = src.Close()
		return nil
	}
	return t
}

// synthetic opens a synthetic source, falling back to an idle one so a
// track of the right kind always exists.
func (m *LocalMedia) synthetic(kind Kind, open func() (Source, error)) *Track {
	src, err := open()
	if err != nil {
		log.Warnf("synthetic %s source failed, publishing an idle track: %v", kind, err)
		src = newIdleSource()
	}
	t, err := newTrack(kind, true, src, m.streamID)
	if err != nil {
		// Only reachable with an invalid codec capability.
		panic(fmt.Sprintf("media: build %s track: %v", kind, err))
	}
	return t
}

// StreamID is the msid shared by the audio and video tracks.
func (m *LocalMedia) StreamID() string { return m.streamID }

// Audio returns the published audio track.
func (m *LocalMedia) Audio() *Track { return m.audio }

// Video returns the published video track.
func (m *LocalMedia) Video() *Track { return m.video }

// Tracks returns the published tracks, audio first. Always two entries.
func (m *LocalMedia) Tracks() []*Track { return []*Track{m.audio, m.video} }

func (m *LocalMedia) State() State {
	return State{
		HasRealCamera: m.camera != nil,
		HasRealMic:    m.hasMic,
		CameraEnabled: m.camera != nil && m.video == m.camera && m.camera.Enabled(),
		MicEnabled:    m.hasMic && m.audio.Enabled(),
	}
}

// ToggleMic flips the microphone's enabled flag. The track stays attached to
// every connection. Returns ErrNoMicrophone when only silent audio exists.
func (m *LocalMedia) ToggleMic() (bool, error) {
	if !m.hasMic {
		return false, ErrNoMicrophone
	}
	on := !m.audio.Enabled()
	m.audio.SetEnabled(on)
	log.Infof("microphone enabled=%v", on)
	return on, nil
}

// ToggleCamera swaps the published video track between the camera and the
// blank track and returns the newly published track. The caller replaces
// the video sender track on every open connection.
func (m *LocalMedia) ToggleCamera() (*Track, error) {
	if m.camera == nil {
		return nil, ErrNoCamera
	}
	if m.video == m.camera {
		m.camera.SetEnabled(false)
		m.video = m.blank
	} else {
		m.camera.SetEnabled(true)
		m.video = m.camera
	}
	log.Infof("camera enabled=%v", m.video == m.camera)
	return m.video, nil
}

// Live counts tracks whose source is still open, hardware or synthetic.
func (m *LocalMedia) Live() int {
	n := 0
	for _, t := range []*Track{m.audio, m.camera, m.blank} {
		if t != nil && t.Live() {
			n++
		}
	}
	return n
}

// Stop ends every track, continuing past failures.
func (m *LocalMedia) Stop() error {
	var err error
	for _, t := range []*Track{m.audio, m.camera, m.blank} {
		if t == nil {
			continue
		}
		if e := t.Stop(); e != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s track: %w", t.Kind(), e))
		}
	}
	return err
}
