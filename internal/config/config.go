package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/resona-app/voicecall/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	HTTP      HTTP      `json:"http"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type Signaling struct {
	// WebSocket endpoint of the relay (ws:// or wss://).
	RelayURL string `json:"relay_url"`

	// HTTP endpoint serving the TURN credential config. Empty means the
	// built-in public fallback servers are used.
	ICEConfigURL string `json:"ice_config_url"`

	// How long a call waits for the ICE config fetch before falling back.
	ICEWaitSec int `json:"ice_wait_seconds"`
}

type Call struct {
	// Outbound and accepted calls are abandoned when media does not flow
	// within this many seconds.
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`

	// Capture device id to open. Empty picks the system default.
	PreferredMic string `json:"preferred_mic"`
}

type HTTP struct {
	Addr  string `json:"addr"`
	Debug bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{},
		Signaling: Signaling{
			RelayURL:   "wss://relay.resona.app/ws",
			ICEWaitSec: 3,
		},
		Call: Call{
			ConnectTimeoutSec: 30,
		},
		HTTP: HTTP{
			Addr: "127.0.0.1:8090",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	// Signaling
	ru := strings.TrimSpace(c.Signaling.RelayURL)
	if ru == "" {
		return errors.New("signaling.relay_url is required")
	}
	if err := validateURL(ru, "ws", "wss"); err != nil {
		return fmt.Errorf("signaling.relay_url: %w", err)
	}
	if iu := strings.TrimSpace(c.Signaling.ICEConfigURL); iu != "" {
		if err := validateURL(iu, "http", "https"); err != nil {
			return fmt.Errorf("signaling.ice_config_url: %w", err)
		}
	}
	if c.Signaling.ICEWaitSec < 0 {
		return errors.New("signaling.ice_wait_seconds must be >= 0")
	}

	// Call
	if c.Call.ConnectTimeoutSec < 5 || c.Call.ConnectTimeoutSec > 300 {
		return errors.New("call.connect_timeout_seconds must be 5..300")
	}

	// HTTP
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return errors.New("missing host")
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

// Ensure loads config if it exists; otherwise creates a default config file
// with the given user id. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
