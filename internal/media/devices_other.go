//go:build !linux

package media

import "fmt"

// software reports no hardware. Capture through pion/mediadevices needs the
// V4L2 and malgo drivers, which are only wired on Linux.
type software struct{}

func NewDevices() (Devices, error) {
	log.Infof("no capture drivers on this platform; publishing synthetic media only")
	return software{}, nil
}

func (software) Camera() (Source, error) {
	return nil, fmt.Errorf("%w: camera capture not supported on this platform", ErrUnavailable)
}

func (software) Microphone() (Source, error) {
	return nil, fmt.Errorf("%w: microphone capture not supported on this platform", ErrUnavailable)
}

// BlankVideo negotiates a VP8 track that never sends. No pure-Go VP8
// encoder is available here to draw the black frame.
func (software) BlankVideo() (Source, error) { return newIdleSource(), nil }

func (software) SilentAudio() (Source, error) { return NewSilentAudio(), nil }
