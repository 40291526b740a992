// Package media acquires the local camera and microphone and keeps the local
// stream at exactly one audio and one video track for the life of a call.
// Missing hardware is replaced by synthetic sources (silent Opus, blank VP8)
// so every participant offers the same track shape.
package media

import (
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Codec returns the RTP codec every roomcall participant uses for kind.
func (k Kind) Codec() webrtc.RTPCodecCapability {
	if k == KindAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

var (
	// ErrUnavailable is returned by Devices when a device is absent or
	// permission was denied. Acquire recovers from it with a synthetic source.
	ErrUnavailable = errors.New("media: device unavailable")

	// ErrNoCamera and ErrNoMicrophone are the notices returned when the user
	// toggles hardware this participant does not have.
	ErrNoCamera     = errors.New("media: no camera on this device")
	ErrNoMicrophone = errors.New("media: no microphone on this device")
)

// Frame is one encoded media frame ready to be written to a local track.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// Source produces encoded frames for one track. ReadFrame blocks until the
// next frame is ready and returns an error once the source is closed.
type Source interface {
	ReadFrame() (Frame, error)
	Close() error
}

// Devices opens media sources. Camera and Microphone return an error wrapping
// ErrUnavailable when the device is absent or denied; the synthetic sources
// are expected to succeed but Acquire tolerates their failure too.
type Devices interface {
	Camera() (Source, error)
	Microphone() (Source, error)
	BlankVideo() (Source, error)
	SilentAudio() (Source, error)
}
