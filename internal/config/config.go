package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aminelahmer1/livestream-core/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// LIVESTREAM_ICE_TURN_CREDENTIAL.
const EnvPrefix = "LIVESTREAM"

// Config holds all client configuration
type Config struct {
	API        APIConfig        `mapstructure:"api" yaml:"api"`
	LiveKit    LiveKitConfig    `mapstructure:"livekit" yaml:"livekit"`
	ICE        ICEConfig        `mapstructure:"ice" yaml:"ice"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Media      MediaConfig      `mapstructure:"media" yaml:"media"`
	Hints      HintsConfig      `mapstructure:"hints" yaml:"hints"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Probe      ProbeConfig      `mapstructure:"probe" yaml:"probe"`
	Log        logging.Config   `mapstructure:"log" yaml:"log"`
}

// APIConfig points at the livestream REST backend.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// LiveKitConfig describes the media server. APIKey and APISecret are only
// needed by the devtoken command.
type LiveKitConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`
}

// ICEConfig lists the STUN servers and the TURN relay fallback.
// TURN credentials are rotated by the deployment, never compiled in.
type ICEConfig struct {
	STUNServers []string   `mapstructure:"stun_servers" yaml:"stun_servers"`
	TURN        TURNConfig `mapstructure:"turn" yaml:"turn"`
}

type TURNConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Username   string `mapstructure:"username" yaml:"username"`
	Credential string `mapstructure:"credential" yaml:"credential"`
}

// Enabled reports whether a TURN relay is configured.
func (t TURNConfig) Enabled() bool { return t.URL != "" }

type SessionConfig struct {
	CacheTTL         time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CreateTimeout    time.Duration `mapstructure:"create_timeout" yaml:"create_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryInterval    time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval" yaml:"max_retry_interval"`
}

type ConnectionConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	GracePeriod      time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	UnpublishTimeout time.Duration `mapstructure:"unpublish_timeout" yaml:"unpublish_timeout"`
	Preflight        bool          `mapstructure:"preflight" yaml:"preflight"`
}

type MediaConfig struct {
	VideoBitrate int  `mapstructure:"video_bitrate" yaml:"video_bitrate"`
	AudioBitrate int  `mapstructure:"audio_bitrate" yaml:"audio_bitrate"`
	Camera       bool `mapstructure:"camera" yaml:"camera"`
	Microphone   bool `mapstructure:"microphone" yaml:"microphone"`
}

// HintsConfig configures the cross-process "streams active" hint.
// An empty RedisAddr keeps the hint in memory.
type HintsConfig struct {
	RedisAddr string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	Key       string        `mapstructure:"key" yaml:"key"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// AuthConfig selects how bearer tokens are obtained. A static Token wins
// over client credentials.
type AuthConfig struct {
	Token        string   `mapstructure:"token" yaml:"token"`
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url"`
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
}

type ProbeConfig struct {
	SignalingURL string        `mapstructure:"signaling_url" yaml:"signaling_url"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
		},
		LiveKit: LiveKitConfig{
			URL: "ws://localhost:7880",
		},
		ICE: ICEConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Session: SessionConfig{
			CacheTTL:         5 * time.Minute,
			CreateTimeout:    15 * time.Second,
			RequestTimeout:   10 * time.Second,
			MaxAttempts:      3,
			RetryInterval:    time.Second,
			MaxRetryInterval: 8 * time.Second,
		},
		Connection: ConnectionConfig{
			MaxAttempts:      3,
			AttemptTimeout:   45 * time.Second,
			RetryDelay:       time.Second,
			GracePeriod:      time.Second,
			UnpublishTimeout: 5 * time.Second,
			Preflight:        true,
		},
		Media: MediaConfig{
			VideoBitrate: 1_500_000,
			AudioBitrate: 64_000,
			Camera:       true,
			Microphone:   true,
		},
		Hints: HintsConfig{
			Key: "livestream:streams-active",
			TTL: 30 * time.Second,
		},
		Auth: AuthConfig{
			Scopes: []string{},
		},
		Probe: ProbeConfig{
			SignalingURL: "ws://localhost:7880/rtc",
			Timeout:      5 * time.Second,
		},
		Log: logging.Config{
			Level: "info",
		},
	}
}

// Load reads .env (if present), the optional config file at path and
// LIVESTREAM_* environment overrides on top of NewDefaultConfig.
func Load(path string) (*Config, error) {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, NewDefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("api.base_url", d.API.BaseURL)

	v.SetDefault("livekit.url", d.LiveKit.URL)
	v.SetDefault("livekit.api_key", d.LiveKit.APIKey)
	v.SetDefault("livekit.api_secret", d.LiveKit.APISecret)

	v.SetDefault("ice.stun_servers", d.ICE.STUNServers)
	v.SetDefault("ice.turn.url", d.ICE.TURN.URL)
	v.SetDefault("ice.turn.username", d.ICE.TURN.Username)
	v.SetDefault("ice.turn.credential", d.ICE.TURN.Credential)

	v.SetDefault("session.cache_ttl", d.Session.CacheTTL)
	v.SetDefault("session.create_timeout", d.Session.CreateTimeout)
	v.SetDefault("session.request_timeout", d.Session.RequestTimeout)
	v.SetDefault("session.max_attempts", d.Session.MaxAttempts)
	v.SetDefault("session.retry_interval", d.Session.RetryInterval)
	v.SetDefault("session.max_retry_interval", d.Session.MaxRetryInterval)

	v.SetDefault("connection.max_attempts", d.Connection.MaxAttempts)
	v.SetDefault("connection.attempt_timeout", d.Connection.AttemptTimeout)
	v.SetDefault("connection.retry_delay", d.Connection.RetryDelay)
	v.SetDefault("connection.grace_period", d.Connection.GracePeriod)
	v.SetDefault("connection.unpublish_timeout", d.Connection.UnpublishTimeout)
	v.SetDefault("connection.preflight", d.Connection.Preflight)

	v.SetDefault("media.video_bitrate", d.Media.VideoBitrate)
	v.SetDefault("media.audio_bitrate", d.Media.AudioBitrate)
	v.SetDefault("media.camera", d.Media.Camera)
	v.SetDefault("media.microphone", d.Media.Microphone)

	v.SetDefault("hints.redis_addr", d.Hints.RedisAddr)
	v.SetDefault("hints.key", d.Hints.Key)
	v.SetDefault("hints.ttl", d.Hints.TTL)

	v.SetDefault("auth.token", d.Auth.Token)
	v.SetDefault("auth.token_url", d.Auth.TokenURL)
	v.SetDefault("auth.client_id", d.Auth.ClientID)
	v.SetDefault("auth.client_secret", d.Auth.ClientSecret)
	v.SetDefault("auth.scopes", d.Auth.Scopes)

	v.SetDefault("probe.signaling_url", d.Probe.SignalingURL)
	v.SetDefault("probe.timeout", d.Probe.Timeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("log.encoding", d.Log.Encoding)
}
