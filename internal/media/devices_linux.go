//go:build linux

package media

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// blankInterval is the frame rate of the blank video track. One frame a
// second keeps the encoder and the RTP stream alive at almost no cost.
const blankInterval = time.Second

type hardware struct {
	selector *mediadevices.CodecSelector
}

// NewDevices returns the V4L2/malgo backed devices with a VP8+Opus encoder.
func NewDevices() (Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
	}

	return &hardware{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (h *hardware) Camera() (Source, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: h.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG nodes on some cameras emit frames the
			// VP8 encoder cannot digest.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: camera: %v", ErrUnavailable, err)
	}
	return encodedFrom(stream.GetVideoTracks(), webrtc.MimeTypeVP8, KindVideo)
}

func (h *hardware) Microphone() (Source, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: h.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: microphone: %v", ErrUnavailable, err)
	}
	return encodedFrom(stream.GetAudioTracks(), webrtc.MimeTypeOpus, KindAudio)
}

func (h *hardware) BlankVideo() (Source, error) {
	track := mediadevices.NewVideoTrack(newBlankPicture(320, 240), h.selector)
	r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
	if err != nil {
		_ = track.Close()
		return nil, fmt.Errorf("blank video encoder: %w", err)
	}
	return &encodedSource{track: track, r: r, clock: KindVideo.Codec().ClockRate}, nil
}

func (h *hardware) SilentAudio() (Source, error) {
	return NewSilentAudio(), nil
}

func encodedFrom(tracks []mediadevices.Track, mime string, kind Kind) (Source, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no %s track", ErrUnavailable, kind)
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	t := tracks[0]
	r, err := t.NewEncodedReader(mime)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("%w: %s encoder: %v", ErrUnavailable, kind, err)
	}
	return &encodedSource{track: t, r: r, clock: kind.Codec().ClockRate}, nil
}

// encodedSource reads frames already encoded by mediadevices.
type encodedSource struct {
	track mediadevices.Track
	r     mediadevices.EncodedReadCloser
	clock uint32
}

func (s *encodedSource) ReadFrame() (Frame, error) {
	buf, release, err := s.r.Read()
	if err != nil {
		return Frame{}, err
	}
	defer release()
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	d := time.Duration(buf.Samples) * time.Second / time.Duration(s.clock)
	return Frame{Data: data, Duration: d}, nil
}

func (s *encodedSource) Close() error {
	err := s.r.Close()
	if cerr := s.track.Close(); err == nil {
		err = cerr
	}
	return err
}

// blankPicture is a mediadevices video source producing one black frame per
// blankInterval.
type blankPicture struct {
	img  *image.YCbCr
	tick *time.Ticker
	once sync.Once
	done chan struct{}
}

func newBlankPicture(w, h int) *blankPicture {
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return &blankPicture{img: img, tick: time.NewTicker(blankInterval), done: make(chan struct{})}
}

func (b *blankPicture) ID() string { return "roomcall-blank-video" }

func (b *blankPicture) Read() (image.Image, func(), error) {
	select {
	case <-b.done:
		return nil, func() {}, errSourceClosed
	case <-b.tick.C:
		return b.img, func() {}, nil
	}
}

func (b *blankPicture) Close() error {
	b.once.Do(func() {
		b.tick.Stop()
		close(b.done)
	})
	return nil
}
