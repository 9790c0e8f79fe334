// Package config centralises runtime configuration for sequencer services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the sequencer operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// HTTPSettings configures the API surface.
type HTTPSettings struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
}

// DatabaseSettings configures the Postgres connection. An empty URL selects
// the in-memory stores (dev mode).
type DatabaseSettings struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"maxConns"`
}

// SchedulerSettings controls matching-cycle cadence and fan-out.
type SchedulerSettings struct {
	Interval     time.Duration `yaml:"interval"`
	Workers      int           `yaml:"workers"`
	QueueDepth   int           `yaml:"queueDepth"`
	DequeueBatch int           `yaml:"dequeueBatch"`
	TriggerRate  float64       `yaml:"triggerRate"`
	TriggerBurst int           `yaml:"triggerBurst"`
}

// MirrorSettings configures mirror-node reconciliation.
type MirrorSettings struct {
	Endpoint       string        `yaml:"endpoint"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	InitialDelay   time.Duration `yaml:"initialDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	PollInterval   time.Duration `yaml:"pollInterval"`
}

// TelemetrySettings configures OpenTelemetry export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the sequencer configuration tree loaded from defaults,
// an optional YAML file, and environment overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	HTTP        HTTPSettings      `yaml:"http"`
	Database    DatabaseSettings  `yaml:"database"`
	Scheduler   SchedulerSettings `yaml:"scheduler"`
	Mirror      MirrorSettings    `yaml:"mirror"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default sequencer configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		HTTP: HTTPSettings{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
		},
		Database: DatabaseSettings{
			URL:      "",
			MaxConns: 8,
		},
		Scheduler: SchedulerSettings{
			Interval:     2 * time.Second,
			Workers:      4,
			QueueDepth:   64,
			DequeueBatch: 256,
			TriggerRate:  4,
			TriggerBurst: 8,
		},
		Mirror: MirrorSettings{
			Endpoint:       "",
			RequestTimeout: 10 * time.Second,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			MaxAttempts:    6,
			PollInterval:   15 * time.Second,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "clob-sequencer",
		},
	}
}

// LoadFile reads settings from a YAML file layered over the defaults.
func LoadFile(path string) (Settings, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the file at path when present, returning whether a file
// was used. Environment overrides are applied in both cases.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err = LoadFile(path)
			if err != nil {
				return cfg, false, err
			}
			loaded = true
		} else if !os.IsNotExist(err) {
			return cfg, false, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	cfg = applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, loaded, err
	}
	return cfg, loaded, nil
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	return applyEnv(Default())
}

func applyEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("SEQUENCER_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("SEQUENCER_HTTP_ADDR")); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("SEQUENCER_DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("SEQUENCER_DATABASE_MAX_CONNS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil && n > 0 {
			cfg.Database.MaxConns = int32(n)
		}
	}
	if v := strings.TrimSpace(os.Getenv("SEQUENCER_CYCLE_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Interval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("SEQUENCER_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.Workers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MIRROR_NODE_ENDPOINT")); v != "" {
		cfg.Mirror.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("MIRROR_REQUEST_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Mirror.RequestTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// Validate rejects settings that cannot produce a working service.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.HTTP.Addr) == "" {
		return fmt.Errorf("config: http.addr required")
	}
	if s.Scheduler.Interval <= 0 {
		return fmt.Errorf("config: scheduler.interval must be positive")
	}
	if s.Scheduler.Workers <= 0 {
		return fmt.Errorf("config: scheduler.workers must be positive")
	}
	if s.Scheduler.DequeueBatch <= 0 {
		return fmt.Errorf("config: scheduler.dequeueBatch must be positive")
	}
	if s.Mirror.MaxAttempts <= 0 {
		return fmt.Errorf("config: mirror.maxAttempts must be positive")
	}
	if s.Mirror.InitialDelay <= 0 || s.Mirror.MaxDelay < s.Mirror.InitialDelay {
		return fmt.Errorf("config: mirror backoff window invalid")
	}
	return nil
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment overrides the runtime environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) { s.Environment = env }
}

// WithDatabaseURL overrides the Postgres connection string.
func WithDatabaseURL(url string) Option {
	return func(s *Settings) { s.Database.URL = strings.TrimSpace(url) }
}

// WithMirrorEndpoint overrides the mirror-node base URL.
func WithMirrorEndpoint(endpoint string) Option {
	return func(s *Settings) { s.Mirror.Endpoint = strings.TrimSpace(endpoint) }
}
