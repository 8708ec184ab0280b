package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Profile  Profile  `json:"profile"`
	Viewer   Viewer   `json:"viewer"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Static peers dialed at startup, as /ip4/.../tcp/.../p2p/<id> multiaddrs.
	Peers []string `json:"peers"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`

	// How long an offline peer stays listed before it is forgotten.
	GraceSec int `json:"grace_seconds"`
}

type Profile struct {
	Label         string `json:"label"`
	CallsDisabled bool   `json:"calls_disabled"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Call struct {
	RingTimeoutSec     int      `json:"ring_timeout_seconds"`
	NoAnswerTimeoutSec int      `json:"no_answer_timeout_seconds"`
	DedupeWindow       int      `json:"dedupe_window"`
	STUNServers        []string `json:"stun_servers"`

	ICEDisconnectedSec int `json:"ice_disconnected_seconds"`
	ICEFailedSec       int `json:"ice_failed_seconds"`
	ICEKeepAliveSec    int `json:"ice_keepalive_seconds"`

	// Finished calls kept in the history table.
	HistoryLimit int `json:"history_limit"`
}

type Media struct {
	// Never capture; every call is receive-only.
	ReceiveOnly bool `json:"receive_only"`
	// Join receive-only instead of failing when no device can be opened.
	AllowReceiveOnlyFallback bool `json:"allow_receive_only_fallback"`

	VideoBitRate int `json:"video_bitrate"`
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "goopcall-mdns",
		},
		Presence: Presence{
			Topic:        "goopcall.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
			GraceSec:     300,
		},
		Profile: Profile{
			Label: "hello",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		Call: Call{
			RingTimeoutSec:     30,
			NoAnswerTimeoutSec: 45,
			DedupeWindow:       100,
			STUNServers:        []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			ICEKeepAliveSec:    2,
			HistoryLimit:       200,
		},
		Media: Media{
			VideoBitRate: 1_500_000,
			MaxWidth:     640,
			MaxHeight:    480,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, s := range c.P2P.Peers {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("p2p.peers: %q: %w", s, err)
		}
		if _, err := a.ValueForProtocol(ma.P_P2P); err != nil {
			return fmt.Errorf("p2p.peers: %q has no /p2p/<id> component", s)
		}
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}
	if c.Presence.GraceSec < 0 {
		return errors.New("presence.grace_seconds must be >= 0")
	}

	// Viewer
	if addr := strings.TrimSpace(c.Viewer.HTTPAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.NoAnswerTimeoutSec <= 0 {
		return errors.New("call.no_answer_timeout_seconds must be > 0")
	}
	if c.Call.DedupeWindow < 1 {
		return errors.New("call.dedupe_window must be >= 1")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or stuns:", s)
		}
	}
	if c.Call.ICEDisconnectedSec < 0 || c.Call.ICEFailedSec < 0 || c.Call.ICEKeepAliveSec < 0 {
		return errors.New("call.ice_* timeouts must be >= 0")
	}
	if c.Call.HistoryLimit < 0 {
		return errors.New("call.history_limit must be >= 0")
	}

	// Media
	if c.Media.VideoBitRate < 0 || c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 {
		return errors.New("media.video_bitrate, max_width and max_height must be >= 0")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for sys, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", sys, err)
		}
	}

	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c Call) RingTimeout() time.Duration     { return seconds(c.RingTimeoutSec) }
func (c Call) NoAnswerTimeout() time.Duration { return seconds(c.NoAnswerTimeoutSec) }
func (c Call) ICEDisconnected() time.Duration { return seconds(c.ICEDisconnectedSec) }
func (c Call) ICEFailed() time.Duration       { return seconds(c.ICEFailedSec) }
func (c Call) ICEKeepAlive() time.Duration    { return seconds(c.ICEKeepAliveSec) }

func (p Presence) TTL() time.Duration       { return seconds(p.TTLSec) }
func (p Presence) Heartbeat() time.Duration { return seconds(p.HeartbeatSec) }
func (p Presence) Grace() time.Duration     { return seconds(p.GraceSec) }

// ApplyLogLevels sets the default level on every subsystem, then the
// per-subsystem overrides.
func (l Log) ApplyLogLevels() error {
	lvl, err := logging.LevelFromString(l.Level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	for sys, s := range l.Subsystems {
		if err := logging.SetLogLevel(sys, s); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", sys, err)
		}
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
