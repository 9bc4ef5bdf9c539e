// Package config loads service settings from a YAML file, with environment
// variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/matchclock/go/internal/match/gateway"
	"github.com/mcdev12/matchclock/go/internal/match/reconcile"
)

// PathEnv names the variable holding the config file path.
const PathEnv = "MATCHCLOCK_CONFIG"

// DefaultPath is read when PathEnv is unset.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Clock     ClockConfig     `yaml:"clock"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	NATS      NATSConfig      `yaml:"nats"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"` // console or json
}

// ClockConfig controls reconciliation and the viewer push cadence.
type ClockConfig struct {
	Policy           string        `yaml:"policy"`
	HourFormat       bool          `yaml:"hour_format"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	IdleTTL          time.Duration `yaml:"idle_ttl"` // 0 keeps matches forever
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

type WebSocketConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
	BroadcastBuffer int           `yaml:"broadcast_buffer"`
}

// NATSConfig configures the optional match event feed.
type NATSConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	Stream     string        `yaml:"stream"`
	Consumer   string        `yaml:"consumer"`
	Subject    string        `yaml:"subject"`
	MaxDeliver int           `yaml:"max_deliver"`
	AckWait    time.Duration `yaml:"ack_wait"`
}

// Default returns the settings used when neither file nor environment says otherwise.
func Default() Config {
	conn := gateway.DefaultConnectionConfig()
	feed := gateway.DefaultJetStreamConsumerConfig()
	svc := gateway.DefaultConfig()

	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			LogLevel:        "info",
			LogFormat:       "console",
		},
		Clock: ClockConfig{
			Policy:           string(reconcile.PolicyEventAnchored),
			TickInterval:     conn.TickInterval,
			IdleTTL:          svc.IdleTTL,
			EvictionInterval: svc.EvictionInterval,
		},
		WebSocket: WebSocketConfig{
			ReadTimeout:     conn.ReadTimeout,
			WriteTimeout:    conn.WriteTimeout,
			PingInterval:    conn.PingInterval,
			MaxMessageSize:  conn.MaxMessageSize,
			SendBufferSize:  conn.SendBufferSize,
			BroadcastBuffer: conn.BroadcastBuffer,
		},
		NATS: NATSConfig{
			URL:        feed.URL,
			Stream:     feed.StreamName,
			Consumer:   feed.ConsumerName,
			Subject:    feed.SubjectFilter,
			MaxDeliver: feed.MaxDeliver,
			AckWait:    feed.AckWait,
		},
	}
}

// Path returns the config file location from the environment.
func Path() string {
	return getEnv(PathEnv, DefaultPath)
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.LogLevel = getEnv("LOG_LEVEL", c.Server.LogLevel)
	c.Server.LogFormat = getEnv("LOG_FORMAT", c.Server.LogFormat)

	c.Clock.Policy = getEnv("CLOCK_POLICY", c.Clock.Policy)
	if c.Clock.HourFormat, err = getEnvAsBool("CLOCK_HOUR_FORMAT", c.Clock.HourFormat); err != nil {
		return err
	}
	if c.Clock.TickInterval, err = getEnvAsDuration("CLOCK_TICK_INTERVAL", c.Clock.TickInterval); err != nil {
		return err
	}
	if c.Clock.IdleTTL, err = getEnvAsDuration("CLOCK_IDLE_TTL", c.Clock.IdleTTL); err != nil {
		return err
	}
	if c.Clock.EvictionInterval, err = getEnvAsDuration("CLOCK_EVICTION_INTERVAL", c.Clock.EvictionInterval); err != nil {
		return err
	}

	if c.NATS.Enabled, err = getEnvAsBool("NATS_ENABLED", c.NATS.Enabled); err != nil {
		return err
	}
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Stream = getEnv("NATS_STREAM", c.NATS.Stream)
	c.NATS.Consumer = getEnv("NATS_CONSUMER", c.NATS.Consumer)
	c.NATS.Subject = getEnv("NATS_SUBJECT", c.NATS.Subject)
	if c.NATS.MaxDeliver, err = getEnvAsInt("NATS_MAX_DELIVER", c.NATS.MaxDeliver); err != nil {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Server.LogLevel)); err != nil {
		return fmt.Errorf("server.log_level: %w", err)
	}
	switch c.Server.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("server.log_format must be console or json, got %q", c.Server.LogFormat)
	}

	if _, err := reconcile.ParsePolicy(c.Clock.Policy); err != nil {
		return fmt.Errorf("clock.policy: %w", err)
	}
	if c.Clock.TickInterval <= 0 {
		return errors.New("clock.tick_interval must be positive")
	}
	if c.Clock.IdleTTL < 0 || c.Clock.EvictionInterval < 0 {
		return errors.New("clock.idle_ttl and clock.eviction_interval must not be negative")
	}

	if c.WebSocket.MaxMessageSize <= 0 || c.WebSocket.SendBufferSize <= 0 || c.WebSocket.BroadcastBuffer <= 0 {
		return errors.New("websocket buffer sizes must be positive")
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" || c.NATS.Stream == "" || c.NATS.Consumer == "" || c.NATS.Subject == "" {
			return errors.New("nats.url, nats.stream, nats.consumer and nats.subject are required when nats is enabled")
		}
	}
	return nil
}

// Level returns the zerolog level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Server.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Gateway converts the settings into the gateway service configuration.
func (c *Config) Gateway() gateway.Config {
	gc := gateway.DefaultConfig()

	gc.ConnectionConfig.ReadTimeout = c.WebSocket.ReadTimeout
	gc.ConnectionConfig.WriteTimeout = c.WebSocket.WriteTimeout
	gc.ConnectionConfig.PingInterval = c.WebSocket.PingInterval
	gc.ConnectionConfig.MaxMessageSize = c.WebSocket.MaxMessageSize
	gc.ConnectionConfig.SendBufferSize = c.WebSocket.SendBufferSize
	gc.ConnectionConfig.BroadcastBuffer = c.WebSocket.BroadcastBuffer
	gc.ConnectionConfig.TickInterval = c.Clock.TickInterval

	// Validate has already accepted the policy
	policy, _ := reconcile.ParsePolicy(c.Clock.Policy)
	gc.Reconcile = reconcile.Config{Policy: policy, HourFormat: c.Clock.HourFormat}
	gc.IdleTTL = c.Clock.IdleTTL
	gc.EvictionInterval = c.Clock.EvictionInterval

	gc.FeedEnabled = c.NATS.Enabled
	gc.JetStreamConfig.URL = c.NATS.URL
	gc.JetStreamConfig.StreamName = c.NATS.Stream
	gc.JetStreamConfig.ConsumerName = c.NATS.Consumer
	gc.JetStreamConfig.SubjectFilter = c.NATS.Subject
	gc.JetStreamConfig.MaxDeliver = c.NATS.MaxDeliver
	gc.JetStreamConfig.AckWait = c.NATS.AckWait

	return gc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return intValue, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
