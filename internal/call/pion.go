package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/util"
)

// PionOptions configure NewPionConnector.
type PionOptions struct {
	ICEServers []string

	// IncludeLoopback gathers 127.0.0.1 candidates. Used when every peer
	// runs on one machine.
	IncludeLoopback bool
}

// PionConnector builds pion PeerConnections with Opus and VP8 and the
// default interceptors.
type PionConnector struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewPionConnector(opt PionOptions) (*PionConnector, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// A brief NAT hiccup should not end the call; reconciliation replaces
	// a connection that really failed.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(15*time.Second, 30*time.Second, 2*time.Second)
	se.SetIncludeLoopbackCandidate(opt.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(opt.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: opt.ICEServers}}
	}
	return &PionConnector{api: api, cfg: webrtc.Configuration{ICEServers: servers}}, nil
}

func (c *PionConnector) NewConn(remote string, local []*media.Track, n Notify) (Conn, error) {
	pc, err := c.api.NewPeerConnection(c.cfg)
	if err != nil {
		return nil, err
	}
	pconn := &pionConn{remote: remote, pc: pc, senders: map[media.Kind]*webrtc.RTPSender{}}

	for _, t := range local {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		pconn.senders[t.Kind()] = sender
		go drainRTCP(sender)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("[%s]: connection state %s", util.Short(remote, 12), s)
		if n.State == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			n.State(ConnConnecting)
		case webrtc.PeerConnectionStateConnected:
			n.State(ConnConnected)
		case webrtc.PeerConnectionStateFailed:
			n.State(ConnFailed)
		case webrtc.PeerConnectionStateClosed:
			n.State(ConnClosed)
		}
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.KindVideo
		if tr.Kind() == webrtc.RTPCodecTypeAudio {
			kind = media.KindAudio
		}
		rt := &RemoteTrack{Kind: kind, ID: tr.ID()}
		log.Infof("[%s]: remote %s track %s (%s)", util.Short(remote, 12), kind, tr.ID(), tr.Codec().MimeType)
		if n.Track != nil {
			n.Track(rt)
		}
		go drainRemote(tr, rt)
	})

	return pconn, nil
}

// drainRTCP reads sender reports so interceptors run. Returns on close.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// drainRemote consumes the remote track. Rendering belongs to the UI; the
// coordinator only counts packets so "receiving" can be shown.
func drainRemote(tr *webrtc.TrackRemote, rt *RemoteTrack) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := tr.Read(buf); err != nil {
			return
		}
		rt.AddPackets(1)
	}
}

type pionConn struct {
	remote  string
	pc      *webrtc.PeerConnection
	senders map[media.Kind]*webrtc.RTPSender

	closeOnce sync.Once
	closeErr  error
}

func (p *pionConn) Offer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return p.gather(ctx, offer)
}

func (p *pionConn) Answer(ctx context.Context, sdp string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return p.gather(ctx, answer)
}

// gather applies desc and waits for every local candidate, so one message
// per direction is enough.
func (p *pionConn) gather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	done := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	ld := p.pc.LocalDescription()
	if ld == nil {
		return "", errors.New("no local description after gathering")
	}
	return ld.SDP, nil
}

func (p *pionConn) Complete(sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *pionConn) ReplaceTrack(kind media.Kind, track webrtc.TrackLocal) error {
	s, ok := p.senders[kind]
	if !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	return s.ReplaceTrack(track)
}

func (p *pionConn) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
