package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"rillcall/pkg/validation"

	"gopkg.in/yaml.v2"
)

const (
	ProviderWebRTC = "webrtc"
	ProviderMemory = "memory"
)

type Config struct {
	Participant  ParticipantConfig  `yaml:"participant"`
	Provider     ProviderConfig     `yaml:"provider"`
	Signal       SignalConfig       `yaml:"signal"`
	Control      ControlConfig      `yaml:"control"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Logging      LoggingConfig      `yaml:"logging"`
	Redis        RedisConfig        `yaml:"redis"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

// ParticipantConfig holds the defaults a start request falls back to.
type ParticipantConfig struct {
	ChannelName       string         `yaml:"channel_name"`
	ScreenChannelName string         `yaml:"screen_channel_name"`
	PreferredUID      uint32         `yaml:"preferred_uid"`
	CaptureSource     string         `yaml:"capture_source"`
	StartTimeout      time.Duration  `yaml:"start_timeout"`
	AutoStart         bool           `yaml:"auto_start"`
	InitialToggles    ToggleDefaults `yaml:"initial_toggles"`
}

type ToggleDefaults struct {
	Video  bool `yaml:"video"`
	Audio  bool `yaml:"audio"`
	Screen bool `yaml:"screen"`
}

type ProviderConfig struct {
	Kind             string        `yaml:"kind"`
	SignalURL        string        `yaml:"signal_url"`
	ICEServers       []ICEServer   `yaml:"ice_servers"`
	PortRange        PortRange     `yaml:"port_range"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	PLIInterval      time.Duration `yaml:"pli_interval"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// PortRange limits the UDP ports ICE may bind. Zero on both ends means
// any port.
type PortRange struct {
	Min uint16 `yaml:"min"`
	Max uint16 `yaml:"max"`
}

type SignalConfig struct {
	Address         string        `yaml:"address"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequireAuth     bool          `yaml:"require_auth"`
}

type ControlConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequireAuth     bool          `yaml:"require_auth"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	JaegerURL   string  `yaml:"jaeger_url"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type RateLimitingConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      HTTPRateLimit      `yaml:"http"`
	WebSocket WebSocketRateLimit `yaml:"websocket"`
}

type HTTPRateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
}

type WebSocketRateLimit struct {
	MessagesPerSecond   float64 `yaml:"messages_per_second"`
	Burst               int     `yaml:"burst"`
	MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
}

// problems collects every invalid setting so one Load reports all of them.
type problems []error

func (p *problems) require(ok bool, format string, args ...interface{}) {
	if !ok {
		*p = append(*p, fmt.Errorf(format, args...))
	}
}

func (p *problems) check(key string, err error) {
	if err != nil {
		*p = append(*p, fmt.Errorf("%s: %w", key, err))
	}
}

// Validate reports every setting that is out of range, joined into one error.
func (c *Config) Validate() error {
	var p problems

	p.require(c.Participant.ChannelName != "", "participant.channel_name must not be empty")
	p.require(c.Participant.ScreenChannelName != "", "participant.screen_channel_name must not be empty")
	p.require(c.Participant.StartTimeout > 0, "participant.start_timeout must be > 0")
	if c.Participant.CaptureSource != "" {
		p.check("participant.capture_source", validation.ValidateCaptureSource(c.Participant.CaptureSource))
	}

	c.Provider.validate(&p)

	p.require(c.Signal.Address != "", "signal.address must not be empty")
	p.require(c.Signal.PingInterval > 0, "signal.ping_interval must be > 0")
	p.require(c.Signal.PongTimeout > c.Signal.PingInterval, "signal.pong_timeout must be > signal.ping_interval")

	p.require(c.Control.Address != "", "control.address must not be empty")
	p.require(c.Control.ShutdownTimeout > 0, "control.shutdown_timeout must be > 0")

	if c.Tracing.Enabled {
		p.require(c.Tracing.SampleRate >= 0 && c.Tracing.SampleRate <= 1, "tracing.sample_rate must be within [0, 1]")
		p.check("tracing.jaeger_url", validation.ValidateURL(c.Tracing.JaegerURL))
	}

	p.require(c.Logging.Level != "", "logging.level must not be empty")

	if c.Redis.Enabled {
		p.require(c.Redis.Address != "", "redis.address must not be empty when redis is enabled")
		p.require(c.Redis.PoolSize > 0, "redis.pool_size must be > 0 when redis is enabled")
	}

	p.require(c.Auth.JWTSecret != "", "auth.jwt_secret must not be empty")
	p.require(c.Auth.TokenTTL > 0, "auth.token_ttl must be > 0")

	if rl := c.RateLimiting; rl.Enabled {
		p.require(rl.HTTP.RequestsPerSecond > 0, "rate_limiting.http.requests_per_second must be > 0")
		p.require(rl.HTTP.Burst > 0, "rate_limiting.http.burst must be > 0")
		p.require(rl.HTTP.MaxConcurrent >= 0, "rate_limiting.http.max_concurrent must be >= 0")
		p.require(rl.WebSocket.MessagesPerSecond > 0, "rate_limiting.websocket.messages_per_second must be > 0")
		p.require(rl.WebSocket.Burst > 0, "rate_limiting.websocket.burst must be > 0")
		p.require(rl.WebSocket.MaxMessageSizeBytes >= 0, "rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return errors.Join(p...)
}

func (pc ProviderConfig) validate(p *problems) {
	switch pc.Kind {
	case ProviderMemory:
	case ProviderWebRTC:
		p.check("provider.signal_url", validation.ValidateURL(pc.SignalURL))
		for i, server := range pc.ICEServers {
			for _, u := range server.URLs {
				p.check(fmt.Sprintf("provider.ice_servers[%d]", i), validation.ValidateICEURL(u))
			}
		}
	default:
		p.require(false, "provider.kind must be %s or %s, got %q", ProviderWebRTC, ProviderMemory, pc.Kind)
	}

	if r := pc.PortRange; r.Min != 0 || r.Max != 0 {
		p.require(r.Min != 0 && r.Max != 0, "provider.port_range needs both min and max")
		p.require(r.Min < r.Max, "provider.port_range.min must be < max")
	}
	p.require(pc.RequestTimeout > 0, "provider.request_timeout must be > 0")
}

// Load reads path over the defaults, applies RILLCALL_* environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SearchPaths lists where Discover looks for a config file. RILLCALL_CONFIG,
// when set, is tried first.
var SearchPaths = []string{
	"configs/config.yaml",
	"/etc/rillcall/config.yaml",
	"config.yaml",
}

// Discover loads the first config file that exists on the search path and
// returns it with its path. With no file present the defaults are returned
// with an empty path; an invalid file is an error.
func Discover() (*Config, string, error) {
	paths := SearchPaths
	if env, ok := os.LookupEnv("RILLCALL_CONFIG"); ok && env != "" {
		paths = append([]string{env}, paths...)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg, err := Load("")
	return cfg, "", err
}

func DefaultConfig() *Config {
	return &Config{
		Participant: ParticipantConfig{
			ChannelName:       "Test",
			ScreenChannelName: "ScreenShare",
			CaptureSource:     "window",
			StartTimeout:      30 * time.Second,
			InitialToggles:    ToggleDefaults{Video: true, Audio: true},
		},
		Provider: ProviderConfig{
			Kind:             ProviderWebRTC,
			SignalURL:        "ws://localhost:8081/ws",
			RequestTimeout:   10 * time.Second,
			SubscribeTimeout: 15 * time.Second,
			PLIInterval:      3 * time.Second,
		},
		Signal: SignalConfig{
			Address:         ":8081",
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Control: ControlConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Monitoring: MonitoringConfig{PrometheusEnabled: true},
		Tracing: TracingConfig{
			JaegerURL:   "http://localhost:14268/api/traces",
			Environment: "development",
			SampleRate:  1.0,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Redis:   RedisConfig{Address: "localhost:6379", PoolSize: 10},
		Auth: AuthConfig{
			JWTSecret: "change-me-in-production",
			TokenTTL:  time.Hour,
		},
		RateLimiting: RateLimitingConfig{
			HTTP: HTTPRateLimit{RequestsPerSecond: 20, Burst: 40},
			WebSocket: WebSocketRateLimit{
				MessagesPerSecond:   50,
				Burst:               100,
				MaxMessageSizeBytes: 64 * 1024,
			},
		},
	}
}

func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) {
	overrides := map[string]*string{
		"RILLCALL_CHANNEL":         &c.Participant.ChannelName,
		"RILLCALL_PROVIDER":        &c.Provider.Kind,
		"RILLCALL_SIGNAL_URL":      &c.Provider.SignalURL,
		"RILLCALL_SIGNAL_ADDRESS":  &c.Signal.Address,
		"RILLCALL_CONTROL_ADDRESS": &c.Control.Address,
		"RILLCALL_LOG_LEVEL":       &c.Logging.Level,
		"RILLCALL_JWT_SECRET":      &c.Auth.JWTSecret,
		"RILLCALL_REDIS_ADDRESS":   &c.Redis.Address,
	}
	for key, field := range overrides {
		if v, ok := lookup(key); ok && v != "" {
			*field = v
		}
	}

	if v, ok := lookup("RILLCALL_UID"); ok {
		if uid, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Participant.PreferredUID = uint32(uid)
		}
	}
	if v, ok := lookup("RILLCALL_REDIS_ENABLED"); ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Redis.Enabled = enabled
		}
	}
}
