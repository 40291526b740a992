package p2p

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/roomcall/internal/avatar"
	"github.com/petervdpas/roomcall/internal/proto"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// avatarStreamTimeout bounds one avatar exchange on either side.
const avatarStreamTimeout = 10 * time.Second

// EnableAvatar serves the local avatar to other participants and makes its
// hash the advertised avatarRef.
//
// The reply is "NONE\n" or "OK <size> <ref>\n" followed by size bytes.
func (n *Node) EnableAvatar(store *avatar.Store) {
	n.avatarStore = store
	n.Host.SetStreamHandler(protocol.ID(proto.AvatarProtoID), n.serveAvatar)
}

func (n *Node) serveAvatar(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(avatarStreamTimeout))

	var data []byte
	if n.avatarStore != nil {
		data, _ = n.avatarStore.Read()
	}
	if len(data) == 0 {
		_, _ = io.WriteString(s, "NONE\n")
		return
	}
	w := bufio.NewWriter(s)
	_, _ = fmt.Fprintf(w, "OK %d %s\n", len(data), avatar.Hash(data))
	_, _ = w.Write(data)
	if err := w.Flush(); err != nil {
		log.Debugf("avatar to %s: %v", s.Conn().RemotePeer(), err)
	}
}

// FetchAvatar fetches a peer's avatar. It returns nil, nil when the peer
// has none, and an error when the bytes do not match the ref they came with.
func (n *Node) FetchAvatar(ctx context.Context, peerID string) ([]byte, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, err
	}

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.AvatarProtoID))
	if err != nil {
		return nil, err
	}
	defer s.Close()
	deadline := time.Now().Add(avatarStreamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.SetDeadline(deadline)

	return readAvatar(bufio.NewReader(s))
}

func readAvatar(rd *bufio.Reader) ([]byte, error) {
	header, err := rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(header)
	if len(fields) == 1 && fields[0] == "NONE" {
		return nil, nil
	}
	if len(fields) != 3 || fields[0] != "OK" {
		return nil, fmt.Errorf("avatar: unexpected response %q", strings.TrimSpace(header))
	}

	size, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("avatar: bad size: %w", err)
	}
	if size <= 0 || size > avatar.MaxBytes {
		return nil, fmt.Errorf("avatar: refusing size %d", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(rd, data); err != nil {
		return nil, err
	}
	if got := avatar.Hash(data); got != fields[2] {
		return nil, fmt.Errorf("avatar: ref mismatch: got %s, header %s", got, fields[2])
	}
	return data, nil
}

// AvatarRef returns the hash advertised in presence, or "" with no avatar.
func (n *Node) AvatarRef() string {
	if n.avatarStore == nil {
		return ""
	}
	return n.avatarStore.Hash()
}
