package call

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/petervdpas/roomcall/internal/media"
	"github.com/pion/webrtc/v4"
)

// ConnState is the transport state of one connection as seen by the Registry.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "new"
}

// RemoteTrack is one track received from a remote participant.
type RemoteTrack struct {
	Kind    media.Kind `json:"kind"`
	ID      string     `json:"id"`
	packets atomic.Uint64
}

// AddPackets records received RTP packets; Packets reports the total.
func (t *RemoteTrack) AddPackets(n uint64) { t.packets.Add(n) }
func (t *RemoteTrack) Packets() uint64     { return t.packets.Load() }

func (t *RemoteTrack) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    media.Kind `json:"kind"`
		ID      string     `json:"id"`
		Packets uint64     `json:"packets"`
	}{t.Kind, t.ID, t.Packets()})
}

// Notify is how a Conn reports back. It may be called from any goroutine.
type Notify struct {
	State func(ConnState)
	Track func(*RemoteTrack)
}

// Conn is one offer/answer connection to a remote participant. Offer and
// Answer block until local ICE gathering is complete, so the returned SDP
// carries every candidate.
type Conn interface {
	Offer(ctx context.Context) (string, error)
	Answer(ctx context.Context, offer string) (string, error)
	Complete(answer string) error
	// ReplaceTrack swaps the track sent for kind without renegotiating.
	ReplaceTrack(kind media.Kind, track webrtc.TrackLocal) error
	Close() error
}

// Connector builds connections that send the given local tracks.
type Connector interface {
	NewConn(remote string, local []*media.Track, n Notify) (Conn, error)
}
