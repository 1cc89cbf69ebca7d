// Package config assembles notifyd settings. Values are layered: built-in
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "go.yaml.in/yaml/v3"

	"github.com/whisper/chat-notify/internal/dispatch"
	"github.com/whisper/chat-notify/internal/ingress"
	"github.com/whisper/chat-notify/internal/messaging"
	"github.com/whisper/chat-notify/internal/push"
	"github.com/whisper/chat-notify/internal/typing"
)

// Config is the complete service configuration.
type Config struct {
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`

	// DatabaseURL enables the delivery ledger when set.
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"` // "json" | "console"

	NATS     messaging.NATSConfig `yaml:"nats" envPrefix:"NATS_"`
	Ingress  ingress.Config       `yaml:"ingress" envPrefix:"INGRESS_"`
	Dispatch dispatch.Config      `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Typing   Typing               `yaml:"typing" envPrefix:"TYPING_"`
	Push     push.Config          `yaml:"push" envPrefix:"PUSH_"`
}

// Typing configures the typing-state sweeper.
type Typing struct {
	Freshness     time.Duration `yaml:"freshness" env:"FRESHNESS"`
	SweepSchedule string        `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"` // empty disables the periodic sweep
	SweepTimeout  time.Duration `yaml:"sweep_timeout" env:"SWEEP_TIMEOUT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		RedisAddr:   "localhost:6379",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		LogFormat:   "json",
		NATS:        messaging.DefaultNATSConfig(),
		Ingress:     ingress.DefaultConfig(),
		Dispatch:    dispatch.DefaultConfig(),
		Typing: Typing{
			Freshness:     typing.DefaultFreshness,
			SweepSchedule: typing.DefaultSchedule,
			SweepTimeout:  time.Minute,
		},
		Push: push.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML decodes strictly so a misspelled key fails loudly.
func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr is required"))
	}
	if c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if c.NATS.Stream == "" || c.NATS.Durable == "" {
		errs = append(errs, errors.New("nats.stream and nats.durable are required"))
	}
	if c.NATS.AckWait > 0 && c.Dispatch.Budget > 0 && c.NATS.AckWait <= c.Dispatch.Budget {
		errs = append(errs, fmt.Errorf("nats.ack_wait (%s) must exceed dispatch.budget (%s)", c.NATS.AckWait, c.Dispatch.Budget))
	}
	if c.Ingress.Workers <= 0 {
		errs = append(errs, errors.New("ingress.workers must be positive"))
	}
	if c.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("dispatch.max_attempts must be positive"))
	}
	if c.Dispatch.Factor < 1 {
		errs = append(errs, errors.New("dispatch.factor must be at least 1"))
	}
	if c.Dispatch.Jitter < 0 || c.Dispatch.Jitter >= 1 {
		errs = append(errs, errors.New("dispatch.jitter must be in [0, 1)"))
	}
	switch c.Dispatch.ClaimStore {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("dispatch.claim_store %q must be redis or memory", c.Dispatch.ClaimStore))
	}
	switch c.Dispatch.Pacer {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("dispatch.pacer %q must be local or redis", c.Dispatch.Pacer))
	}
	if c.Typing.Freshness <= 0 {
		errs = append(errs, errors.New("typing.freshness must be positive"))
	}
	if c.Typing.SweepSchedule != "" {
		if err := typing.ValidateSchedule(c.Typing.SweepSchedule); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be json or console", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
