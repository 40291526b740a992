package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/roomcall/internal/avatar"
	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/config"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/mq"
	"github.com/petervdpas/roomcall/internal/p2p"
	"github.com/petervdpas/roomcall/internal/presence"
	"github.com/petervdpas/roomcall/internal/signal"
	"github.com/petervdpas/roomcall/internal/util"
	"github.com/petervdpas/roomcall/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Room is joined as soon as the coordinator is up. Empty waits for the UI.
	Room string
}

func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	stopPipe := pipeLogs(logBuf)
	defer stopPipe()

	if err := setLogLevel(opt.Cfg.Log.Level); err != nil {
		log.Warnf("log level: %v", err)
	}
	logBanner(opt.PeerDir, opt.CfgPath)

	return runPeer(ctx, opt, logBuf)
}

// pipeLogs copies every go-log line into buf until the returned func runs.
func pipeLogs(buf *viewer.LogBuffer) func() {
	r := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(buf, r)
	}()
	return func() {
		_ = r.Close()
		<-done
	}
}

func setLogLevel(level string) error {
	if strings.TrimSpace(level) == "" {
		return nil
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	p2p.QuietLibp2p()
	return nil
}

// profile is the part of the config that can change while running.
type profile struct {
	mu   sync.Mutex
	name string
}

func (p *profile) get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *profile) set(name string) (changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed = p.name != name
	p.name = name
	return changed
}

func runPeer(ctx context.Context, o Options, logs *viewer.LogBuffer) (err error) {
	cfg := o.Cfg

	node, err := p2p.New(ctx, p2p.Options{
		ListenPort: cfg.P2P.ListenPort,
		KeyFile:    util.ResolvePath(o.PeerDir, cfg.Identity.KeyFile),
		Ephemeral:  cfg.Identity.Ephemeral,
		MdnsTag:    cfg.P2P.MdnsTag,
		AddrTTL:    cfg.StaleAfter(),
	})
	if err != nil {
		return fmt.Errorf("p2p node: %w", err)
	}
	defer func() { err = multierr.Append(err, node.Close()) }()

	avatarStore := avatar.NewStore(o.PeerDir)
	avatarCache := avatar.NewCache(o.PeerDir)
	node.EnableAvatar(avatarStore)

	msgs := mq.New(node.Host)
	defer msgs.Close()

	broker := signal.NewMQBroker(msgs, node.ID())
	defer broker.Close()
	if err := invalidateOnAddrLoss(ctx, node, broker); err != nil {
		log.Warnf("address watch disabled: %v", err)
	}

	// Handlers are registered; LAN peers may connect now.
	if err := node.StartDiscovery(); err != nil {
		return err
	}

	connector, err := call.NewPionConnector(call.PionOptions{ICEServers: cfg.Call.ICEServers})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	devices, err := media.NewDevices()
	if err != nil {
		return fmt.Errorf("media devices: %w", err)
	}

	userID := cfg.Profile.UserID
	if userID == "" {
		userID = node.ID()
	}
	prof := &profile{name: cfg.Profile.DisplayName}

	mgr, err := call.New(call.Options{
		UserID:           userID,
		DisplayName:      prof.get(),
		AvatarRef:        node.AvatarRef(),
		Addrs:            node.Addrs,
		CameraOnJoin:     cfg.Call.CameraOnJoin,
		Heartbeat:        cfg.Heartbeat(),
		StaleAfter:       cfg.StaleAfter(),
		PollInterval:     cfg.PollInterval(),
		PendingTimeout:   cfg.PendingTimeout(),
		NegotiateTimeout: cfg.NegotiateTimeout(),
		Learn:            node.AddPeerAddrs,
	}, call.Deps{
		Devices:   devices,
		Broker:    broker,
		Presence:  topicTransport(node),
		Connector: connector,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, mgr.Close()) }()

	updateProfile := func(name string) {
		uctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		if err := mgr.UpdateProfile(uctx, name, node.AvatarRef()); err != nil {
			log.Warnf("profile update: %v", err)
		}
	}

	if o.CfgPath != "" {
		err := config.Watch(ctx, o.CfgPath, func(c config.Config) {
			if prof.set(c.Profile.DisplayName) {
				updateProfile(c.Profile.DisplayName)
			}
		})
		if err != nil {
			log.Warnf("config watch disabled: %v", err)
		}
	}

	viewerErr := make(chan error, 1)
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			viewerErr <- viewer.Start(ctx, addr, viewer.Viewer{
				Call:          mgr,
				Logs:          logs,
				Diag:          node.Diag,
				SelfName:      prof.get,
				AvatarStore:   avatarStore,
				AvatarCache:   avatarCache,
				FetchAvatar:   node.FetchAvatar,
				AvatarChanged: func(string) { updateProfile(prof.get()) },
			})
		}()
		log.Infof("viewer: %s", url)
	}

	if o.Room != "" {
		jctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		err := mgr.Join(jctx, o.Room)
		cancel()
		if err != nil {
			return fmt.Errorf("join %q: %w", o.Room, err)
		}
		log.Infof("joining room %q", o.Room)
	}

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		return nil
	case err := <-viewerErr:
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
		return nil
	}
}

// invalidateOnAddrLoss marks every signaling identity lost once the host has
// no addresses left, so the coordinator re-acquires one and re-joins.
func invalidateOnAddrLoss(ctx context.Context, node *p2p.Node, broker *signal.MQBroker) error {
	return node.WatchAddrs(ctx, broker.Invalidate)
}

// topicTransport adapts the node's refcounted gossipsub topics to presence.
func topicTransport(n *p2p.Node) presence.Transport {
	return presence.TransportFunc(func(topic string) (presence.Topic, error) {
		t, err := n.Join(topic)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}
