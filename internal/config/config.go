package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/roomcall/internal/util"
)

// Config is the on-disk roomcall.json of one peer directory.
type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Call     Call     `json:"call"`
	Profile  Profile  `json:"profile"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file"`

	// Ephemeral generates a fresh libp2p key on every start instead of
	// loading KeyFile, so each run gets a new signaling address.
	Ephemeral bool `json:"ephemeral"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`

	// A participant whose heartbeat has not arrived for
	// HeartbeatSec*StaleMultiplier seconds is treated as gone.
	StaleMultiplier int `json:"stale_multiplier"`
}

type Call struct {
	PollMillis        int      `json:"poll_ms"`
	PendingTimeoutMs  int      `json:"pending_timeout_ms"`
	NegotiateTimeoutS int      `json:"negotiate_timeout_seconds"`
	ICEServers        []string `json:"ice_servers"`
	CameraOnJoin      bool     `json:"camera_on_join"`
}

type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "roomcall-mdns",
		},
		Presence: Presence{
			HeartbeatSec:    5,
			StaleMultiplier: 3,
		},
		Call: Call{
			PollMillis:        3000,
			PendingTimeoutMs:  10000,
			NegotiateTimeoutS: 15,
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Profile: Profile{
			DisplayName: "guest",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Heartbeat returns the presence re-broadcast interval.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Presence.HeartbeatSec) * time.Second
}

// StaleAfter returns how long a silent participant survives in presence.
func (c Config) StaleAfter() time.Duration {
	return c.Heartbeat() * time.Duration(c.Presence.StaleMultiplier)
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Call.PollMillis) * time.Millisecond
}

func (c Config) PendingTimeout() time.Duration {
	return time.Duration(c.Call.PendingTimeoutMs) * time.Millisecond
}

func (c Config) NegotiateTimeout() time.Duration {
	return time.Duration(c.Call.NegotiateTimeoutS) * time.Second
}

func (c *Config) Validate() error {
	if !c.Identity.Ephemeral && strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required unless identity.ephemeral is set")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.StaleMultiplier < 2 {
		return errors.New("presence.stale_multiplier must be >= 2")
	}

	if c.Call.PollMillis < 100 || c.Call.PollMillis > 60000 {
		return errors.New("call.poll_ms must be 100..60000")
	}
	if c.Call.PendingTimeoutMs <= c.Call.PollMillis {
		return errors.New("call.pending_timeout_ms must be > call.poll_ms")
	}
	if c.Call.NegotiateTimeoutS <= 0 {
		return errors.New("call.negotiate_timeout_seconds must be > 0")
	}
	for _, s := range c.Call.ICEServers {
		if err := validateICEURL(s); err != nil {
			return fmt.Errorf("call.ice_servers: %w", err)
		}
	}

	if strings.ContainsAny(c.Profile.UserID, ": ") {
		return errors.New("profile.user_id must not contain ':' or spaces")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug|info|warn|error", c.Log.Level)
	}

	return nil
}

func validateICEURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", raw, err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("%q: scheme must be stun, stuns, turn or turns", raw)
	}
	if u.Opaque == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
