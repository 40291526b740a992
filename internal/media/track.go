package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Track is one local track: a Source pumped into a pion sample track.
//
// A disabled hardware track keeps its device open but stops writing frames,
// so remote peers see the track pause rather than end. Synthetic tracks
// always write; their frames are the "off" picture.
type Track struct {
	kind      Kind
	synthetic bool
	local     *webrtc.TrackLocalStaticSample
	src       Source

	enabled atomic.Bool
	live    atomic.Bool
	frames  atomic.Uint64

	stopOnce sync.Once
	done     chan struct{}
}

func newTrack(kind Kind, synthetic bool, src Source, streamID string) (*Track, error) {
	id := string(kind) + "-" + uuid.NewString()[:8]
	local, err := webrtc.NewTrackLocalStaticSample(kind.Codec(), id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		kind:      kind,
		synthetic: synthetic,
		local:     local,
		src:       src,
		done:      make(chan struct{}),
	}
	t.live.Store(true)
	go t.pump()
	return t, nil
}

func (t *Track) Kind() Kind      { return t.kind }
func (t *Track) Synthetic() bool { return t.synthetic }
func (t *Track) Enabled() bool   { return t.enabled.Load() }
func (t *Track) Live() bool      { return t.live.Load() }

// Frames returns how many frames have been written to the track so far.
func (t *Track) Frames() uint64 { return t.frames.Load() }

// Local returns the pion track to attach to peer connections.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// ID returns the pion track id.
func (t *Track) ID() string { return t.local.ID() }

func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// Stop closes the source and ends the pump. Safe to call more than once.
func (t *Track) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.done)
		t.live.Store(false)
		err = t.src.Close()
	})
	return err
}

func (t *Track) pump() {
	for {
		f, err := t.src.ReadFrame()
		if err != nil {
			select {
			case <-t.done:
			default:
				log.Warnf("%s track %s ended: %v", t.kind, t.local.ID(), err)
				t.live.Store(false)
			}
			return
		}
		if !t.synthetic && !t.enabled.Load() {
			continue
		}
		if err := t.local.WriteSample(pionmedia.Sample{Data: f.Data, Duration: f.Duration}); err != nil {
			log.Debugf("%s track %s write: %v", t.kind, t.local.ID(), err)
			continue
		}
		t.frames.Add(1)
	}
}
