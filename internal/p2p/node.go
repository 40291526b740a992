package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/petervdpas/roomcall/internal/avatar"
	"github.com/petervdpas/roomcall/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("p2p")

func init() { QuietLibp2p() }

// QuietLibp2p lowers the noisy libp2p subsystems again. Call it after
// logging.SetAllLoggers.
func QuietLibp2p() {
	// Dial failures and backoff errors are expected while peers come and go
	// on a LAN; keep them out of the terminal.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("pubsub", "warn")
	_ = logging.SetLogLevel("mdns", "warn")
}

// Options configure New.
type Options struct {
	ListenPort int
	KeyFile    string
	Ephemeral  bool
	MdnsTag    string

	// AddrTTL is how long presence-advertised addresses stay in the
	// peerstore. Zero means 20 s.
	AddrTTL time.Duration
}

// Node is the local libp2p host with gossipsub and mDNS discovery.
type Node struct {
	Host    host.Host
	ps      *pubsub.PubSub
	md      mdns.Service
	mdnsTag string

	addrTTL time.Duration

	topicsMu sync.Mutex
	topics   map[string]*joinedTopic

	avatarStore *avatar.Store

	startTime time.Time
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns connect %s: %v", util.Short(pi.ID.String(), 8), err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, opt Options) (*Node, error) {
	var priv crypto.PrivKey
	if opt.Ephemeral {
		k, _, err := crypto.GenerateEd25519Key(nil)
		if err != nil {
			return nil, err
		}
		priv = k
		log.Infof("using ephemeral identity")
	} else {
		k, isNew, err := loadOrCreateKey(opt.KeyFile)
		if err != nil {
			return nil, err
		}
		priv = k
		if isNew {
			log.Infof("generated new identity key: %s", opt.KeyFile)
		} else {
			log.Infof("loaded identity key: %s", opt.KeyFile)
		}
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opt.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	ttl := opt.AddrTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}

	n := &Node{
		Host:      h,
		ps:        ps,
		mdnsTag:   opt.MdnsTag,
		addrTTL:   ttl,
		topics:    map[string]*joinedTopic{},
		startTime: time.Now(),
	}
	log.Infof("peer %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

// StartDiscovery starts mDNS. Register stream handlers first: peers found
// here connect at once and identify caches the protocols seen then.
func (n *Node) StartDiscovery() error {
	if n.md != nil {
		return nil
	}
	md := mdns.NewMdnsService(n.Host, n.mdnsTag, &mdnsNotifee{h: n.Host})
	if err := md.Start(); err != nil {
		return fmt.Errorf("mdns: %w", err)
	}
	n.md = md
	return nil
}

func (n *Node) Close() error {
	if n.md != nil {
		_ = n.md.Close()
	}
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the host's multiaddresses without loopback and link-local
// entries. Circuit relay addresses are always kept.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// AddPeerAddrs parses multiaddr strings advertised in presence and adds them
// to the peerstore so signaling can dial peers that mDNS has not found.
// Circuit relay addresses get a longer TTL since they outlive heartbeats.
func (n *Node) AddPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil || pid == n.Host.ID() {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, n.addrTTL)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, n.addrTTL*10)
	}
}

// Diag returns a snapshot of the host for the /api/p2p endpoint.
func (n *Node) Diag() map[string]any {
	var listen []string
	for _, a := range n.Host.Network().ListenAddresses() {
		listen = append(listen, a.String())
	}

	n.topicsMu.Lock()
	topics := make(map[string]int, len(n.topics))
	for name, jt := range n.topics {
		topics[name] = jt.refs
	}
	n.topicsMu.Unlock()

	return map[string]any{
		"peer_id":         n.ID(),
		"addrs":           n.Addrs(),
		"listen_addrs":    listen,
		"connected_peers": len(n.Host.Network().Peers()),
		"topics":          topics,
		"uptime":          time.Since(n.startTime).Truncate(time.Second).String(),
		"os":              runtime.GOOS,
		"arch":            runtime.GOARCH,
		"go_version":      runtime.Version(),
		"num_goroutine":   runtime.NumGoroutine(),
	}
}
