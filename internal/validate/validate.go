package validate

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pion/stun/v3"

	"github.com/aminelahmer1/livestream-core/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators and reports every
// problem at once.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateEndpoints(v, cfg)
	validateICEConfig(v, &cfg.ICE)
	validateSessionConfig(v, &cfg.Session)
	validateConnectionConfig(v, &cfg.Connection)
	validateMediaConfig(v, &cfg.Media)
	validateAuthConfig(v, &cfg.Auth)

	if cfg.Probe.Timeout <= 0 {
		v.AddError("probe timeout must be positive")
	}

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// sections
// -----------------------------------------------------------------------------

func validateEndpoints(v *Validator, cfg *config.Config) {
	if !isValidURL(cfg.API.BaseURL, "http", "https") {
		v.AddError("invalid api base url: %q", cfg.API.BaseURL)
	}
	if !isValidURL(cfg.LiveKit.URL, "ws", "wss", "http", "https") {
		v.AddError("invalid livekit url: %q", cfg.LiveKit.URL)
	}
	if cfg.Probe.SignalingURL != "" && !isValidURL(cfg.Probe.SignalingURL, "ws", "wss") {
		v.AddError("invalid signaling probe url: %q", cfg.Probe.SignalingURL)
	}
}

func validateICEConfig(v *Validator, cfg *config.ICEConfig) {
	if len(cfg.STUNServers) == 0 {
		v.AddError("at least one STUN server is required")
	}
	for _, raw := range cfg.STUNServers {
		u, err := stun.ParseURI(raw)
		if err != nil {
			v.AddError("invalid STUN url %q: %v", raw, err)
			continue
		}
		if u.Scheme != stun.SchemeTypeSTUN && u.Scheme != stun.SchemeTypeSTUNS {
			v.AddError("STUN url %q must use stun: or stuns:", raw)
		}
	}

	if !cfg.TURN.Enabled() {
		return
	}
	u, err := stun.ParseURI(cfg.TURN.URL)
	if err != nil {
		v.AddError("invalid TURN url %q: %v", cfg.TURN.URL, err)
		return
	}
	if u.Scheme != stun.SchemeTypeTURN && u.Scheme != stun.SchemeTypeTURNS {
		v.AddError("TURN url %q must use turn: or turns:", cfg.TURN.URL)
	}
	if cfg.TURN.Username == "" || cfg.TURN.Credential == "" {
		v.AddError("TURN username and credential must both be set")
	}
}

func validateSessionConfig(v *Validator, cfg *config.SessionConfig) {
	if cfg.CacheTTL < time.Second {
		v.AddError("session cache ttl too short (min 1s)")
	}
	if cfg.CreateTimeout <= 0 || cfg.RequestTimeout <= 0 {
		v.AddError("session request timeouts must be positive")
	}
	if cfg.MaxAttempts < 1 {
		v.AddError("session max attempts must be at least 1")
	}
	if cfg.RetryInterval <= 0 || cfg.MaxRetryInterval < cfg.RetryInterval {
		v.AddError("session retry intervals must be positive and ordered")
	}
}

func validateConnectionConfig(v *Validator, cfg *config.ConnectionConfig) {
	if cfg.MaxAttempts < 1 {
		v.AddError("connection max attempts must be at least 1")
	}
	if cfg.AttemptTimeout < time.Second {
		v.AddError("connection attempt timeout too short (min 1s)")
	}
	if cfg.RetryDelay < 0 || cfg.GracePeriod < 0 {
		v.AddError("connection delays cannot be negative")
	}
	if cfg.UnpublishTimeout <= 0 {
		v.AddError("unpublish timeout must be positive")
	}
}

func validateMediaConfig(v *Validator, cfg *config.MediaConfig) {
	if cfg.VideoBitrate < 100_000 || cfg.VideoBitrate > 10_000_000 {
		v.AddError("video bitrate out of range: %d", cfg.VideoBitrate)
	}
	if cfg.AudioBitrate < 6_000 || cfg.AudioBitrate > 510_000 {
		v.AddError("audio bitrate out of range: %d", cfg.AudioBitrate)
	}
}

func validateAuthConfig(v *Validator, cfg *config.AuthConfig) {
	if cfg.Token != "" {
		return
	}
	if cfg.ClientID == "" && cfg.ClientSecret == "" && cfg.TokenURL == "" {
		// anonymous backends are allowed
		return
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		v.AddError("oauth2 client id and secret must both be set")
	}
	if !isValidURL(cfg.TokenURL, "http", "https") {
		v.AddError("invalid oauth2 token url: %q", cfg.TokenURL)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func isValidURL(s string, schemes ...string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return true
		}
	}
	return false
}
