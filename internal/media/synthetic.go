package media

import (
	"errors"
	"sync"
	"time"
)

var errSourceClosed = errors.New("media: source closed")

// opusSilence is a single 20 ms Opus frame that decodes to silence.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

const opusFrame = 20 * time.Millisecond

// tickerSource emits the same frame at a fixed interval until closed.
type tickerSource struct {
	frame    Frame
	interval time.Duration

	once sync.Once
	done chan struct{}
	tick *time.Ticker
}

func newTickerSource(data []byte, interval time.Duration) *tickerSource {
	return &tickerSource{
		frame:    Frame{Data: data, Duration: interval},
		interval: interval,
		done:     make(chan struct{}),
		tick:     time.NewTicker(interval),
	}
}

func (s *tickerSource) ReadFrame() (Frame, error) {
	select {
	case <-s.done:
		return Frame{}, errSourceClosed
	default:
	}
	select {
	case <-s.done:
		return Frame{}, errSourceClosed
	case <-s.tick.C:
		return s.frame, nil
	}
}

func (s *tickerSource) Close() error {
	s.once.Do(func() {
		s.tick.Stop()
		close(s.done)
	})
	return nil
}

// NewSilentAudio returns a source of Opus silence at the normal frame rate.
// It needs no encoder, so it works on every platform.
func NewSilentAudio() Source {
	return newTickerSource(opusSilence, opusFrame)
}

// idleSource never produces a frame. The track it feeds still exists and
// negotiates, which is all the mesh needs for a symmetric offer.
type idleSource struct {
	once sync.Once
	done chan struct{}
}

func newIdleSource() *idleSource {
	return &idleSource{done: make(chan struct{})}
}

func (s *idleSource) ReadFrame() (Frame, error) {
	<-s.done
	return Frame{}, errSourceClosed
}

func (s *idleSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
