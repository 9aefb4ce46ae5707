package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/heartline/internal/util"
)

type Config struct {
	Profile   Profile   `json:"profile"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	Game      Game      `json:"game"`
	Media     Media     `json:"media"`
	Storage   Storage   `json:"storage"`
	Relay     Relay     `json:"relay"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

// Profile is the local identity announced when searching. In production it
// is filled from the authenticated session; the file copy is for CLI peers.
type Profile struct {
	ProfileID string `json:"profile_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	City      string `json:"city"`
}

type Signaling struct {
	// WebSocket (or http) URL of the signaling relay, e.g. ws://127.0.0.1:8787/ws
	RelayURL string `json:"relay_url"`

	// Dial/handshake timeout.
	HandshakeTimeoutSec int `json:"handshake_timeout_seconds"`

	// Keepalive ping interval; 0 disables pings.
	PingIntervalSec int `json:"ping_interval_seconds"`
}

type Call struct {
	// STUN/TURN URLs handed to the peer transport as-is.
	ICEServers []string `json:"ice_servers"`

	// A transport that does not reach "connected" in time is treated as failed.
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`

	// How long a callee that ended first waits for a simultaneous end_call
	// from the caller before it creates the dating call record itself.
	SettlementGraceMs int `json:"settlement_grace_ms"`

	// How long the adopting side waits for create_dating_call.
	SettlementTimeoutSec int `json:"settlement_timeout_seconds"`
}

type Game struct {
	Questions     int    `json:"questions"`
	CountdownSec  int    `json:"countdown_seconds"`
	QuestionsFile string `json:"questions_file"` // optional JSON question bank, relative to peer dir
	WatchFile     bool   `json:"watch_file"`
}

type Media struct {
	// Capture the local microphone. When false (or when the platform has no
	// capture driver) calls run receive-only.
	Capture bool `json:"capture"`
}

type Storage struct {
	// "rest" (shared, the default) or "sqlite".
	Backend string `json:"backend"`

	// SQLite database path, relative to the peer directory. Both participants
	// must see the same records, so two peers only work together on sqlite
	// when this points at one shared absolute path.
	DBPath string `json:"db_path"`

	// REST collaborator base URL and bearer token (backend "rest"). The
	// development relay serves this API next to /ws.
	RESTURL   string `json:"rest_url"`
	RESTToken string `json:"rest_token"`
}

// Relay configures the development relay started by `heartline relay`.
type Relay struct {
	Bind             string `json:"bind"`
	Port             int    `json:"port"`
	SearchTimeoutSec int    `json:"search_timeout_seconds"`

	// SQLite database behind the relay's records API, relative to its dir.
	// Requests must carry storage.rest_token when that is set.
	DBPath string `json:"db_path"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Metrics  bool   `json:"metrics"`
}

type Log struct {
	Level     string `json:"level"`      // debug|info|warn|error
	Format    string `json:"format"`     // color|plaintext|json
	PionLevel string `json:"pion_level"` // pion internals: disabled|error|warn|info|debug|trace
}

func Default() Config {
	return Config{
		Profile: Profile{
			Name: "hello",
		},
		Signaling: Signaling{
			RelayURL:            "ws://127.0.0.1:8787/ws",
			HandshakeTimeoutSec: 10,
			PingIntervalSec:     20,
		},
		Call: Call{
			ICEServers:           []string{"stun:stun.l.google.com:19302"},
			ConnectTimeoutSec:    20,
			SettlementGraceMs:    1500,
			SettlementTimeoutSec: 10,
		},
		Game: Game{
			Questions:    6,
			CountdownSec: 15,
		},
		Media: Media{
			Capture: true,
		},
		Storage: Storage{
			Backend: "rest",
			DBPath:  "data/heartline.db",
			RESTURL: "http://127.0.0.1:8787",
		},
		Relay: Relay{
			Bind:             "127.0.0.1",
			Port:             8787,
			SearchTimeoutSec: 60,
			DBPath:           "data/relay.db",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7777",
			Metrics:  true,
		},
		Log: Log{
			Level:     "info",
			Format:    "color",
			PionLevel: "warn",
		},
	}
}

func (c *Config) Validate() error {
	// Signaling
	if err := validateRelayURL(c.Signaling.RelayURL); err != nil {
		return fmt.Errorf("signaling.relay_url: %w", err)
	}
	if c.Signaling.HandshakeTimeoutSec <= 0 {
		return errors.New("signaling.handshake_timeout_seconds must be > 0")
	}
	if c.Signaling.PingIntervalSec < 0 {
		return errors.New("signaling.ping_interval_seconds must be >= 0")
	}

	// Call
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_seconds must be > 0")
	}
	if c.Call.SettlementGraceMs < 0 {
		return errors.New("call.settlement_grace_ms must be >= 0")
	}
	if c.Call.SettlementTimeoutSec <= 0 {
		return errors.New("call.settlement_timeout_seconds must be > 0")
	}
	if time.Duration(c.Call.SettlementGraceMs)*time.Millisecond >= c.SettlementTimeout() {
		return errors.New("call.settlement_grace_ms must be shorter than call.settlement_timeout_seconds")
	}

	// Game
	if c.Game.Questions < 1 || c.Game.Questions > 50 {
		return errors.New("game.questions must be 1..50")
	}
	if c.Game.CountdownSec < 1 || c.Game.CountdownSec > 300 {
		return errors.New("game.countdown_seconds must be 1..300")
	}

	// Storage
	switch c.Storage.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Storage.DBPath) == "" {
			return errors.New("storage.db_path is required for the sqlite backend")
		}
	case "rest":
		u, err := url.Parse(c.Storage.RESTURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("storage.rest_url must be an http(s) URL for the rest backend")
		}
	default:
		return fmt.Errorf("storage.backend must be sqlite or rest (got %q)", c.Storage.Backend)
	}

	// Relay
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if c.Relay.SearchTimeoutSec <= 0 {
		return errors.New("relay.search_timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Relay.DBPath) == "" {
		return errors.New("relay.db_path is required")
	}

	// Log
	switch c.Log.Format {
	case "", "color", "plaintext", "json":
	default:
		return fmt.Errorf("log.format must be color, plaintext or json (got %q)", c.Log.Format)
	}

	return nil
}

// LocalIdentityRequired reports an error when the profile is not usable for
// searching. Kept out of Validate so relay-only configs need no identity.
func (c *Config) LocalIdentityRequired() error {
	if strings.TrimSpace(c.Profile.UserID) == "" {
		return errors.New("profile.user_id is required")
	}
	if strings.TrimSpace(c.Profile.ProfileID) == "" {
		return errors.New("profile.profile_id is required")
	}
	return nil
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Call.ConnectTimeoutSec) * time.Second
}

func (c *Config) SettlementGrace() time.Duration {
	return time.Duration(c.Call.SettlementGraceMs) * time.Millisecond
}

func (c *Config) SettlementTimeout() time.Duration {
	return time.Duration(c.Call.SettlementTimeoutSec) * time.Second
}

func (c *Config) Countdown() time.Duration {
	return time.Duration(c.Game.CountdownSec) * time.Second
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return errors.New("scheme must be ws, wss, http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
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
