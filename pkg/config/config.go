package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	sperrors "github.com/sprintloop/sprintloop/pkg/errors"
)

// Environment names. Production disables the labeled fallback response
// on worker failures; everywhere else it is substituted to keep the
// pipeline usable during provider outages.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Default configuration values exported for documentation and validation
const (
	DefaultEnvironment     = EnvDevelopment
	DefaultDatabasePath    = "sprintloop.db"
	DefaultBusURL          = "nats://localhost:4222"
	DefaultBusName         = "sprintloop"
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCacheSweep      = time.Minute
	DefaultQueueWorkers    = 2
	DefaultQueueAttempts   = 3
	DefaultQueueBackoff    = 5 * time.Second
	DefaultQueueRetention  = 50
	DefaultQueuePoll       = 500 * time.Millisecond
	DefaultSessionTTL      = 24 * time.Hour
	DefaultActionsPerHour  = 50
	DefaultActionsPerDay   = 200
	DefaultSpendPerDay     = 5.0
	DefaultSweepInterval   = time.Hour
	DefaultExecuteTimeout  = 2 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
)

// Config represents the complete sprintloop configuration
type Config struct {
	Environment string           `yaml:"environment"`
	LogDir      string           `yaml:"log_dir"`
	Database    DatabaseConfig   `yaml:"database"`
	Bus         BusConfig        `yaml:"bus"`
	Cache       CacheConfig      `yaml:"cache"`
	Queue       QueueConfig      `yaml:"queue"`
	Session     SessionConfig    `yaml:"session"`
	Delegation  DelegationConfig `yaml:"delegation"`
	Orchestra   OrchestraConfig  `yaml:"orchestrator"`
}

// DatabaseConfig configures the sqlite store
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BusConfig configures the message bus connection
type BusConfig struct {
	URL     string        `yaml:"url"`
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
	// InMemory forces the in-process bus even when a URL is configured.
	InMemory bool `yaml:"in_memory"`
}

// CacheConfig configures the context cache
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// QueueConfig configures the async task queue
type QueueConfig struct {
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	Retention    int           `yaml:"retention"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SessionConfig configures chat sessions
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DelegationConfig holds the default quota envelope applied to new
// delegations when the caller does not override it.
type DelegationConfig struct {
	MaxActionsPerHour int           `yaml:"max_actions_per_hour"`
	MaxActionsPerDay  int           `yaml:"max_actions_per_day"`
	MaxSpendPerDay    float64       `yaml:"max_spend_per_day"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// OrchestraConfig configures pipeline execution
type OrchestraConfig struct {
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Environment: DefaultEnvironment,
		Database:    DatabaseConfig{Path: DefaultDatabasePath},
		Bus: BusConfig{
			URL:     DefaultBusURL,
			Name:    DefaultBusName,
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			TTL:           DefaultCacheTTL,
			SweepInterval: DefaultCacheSweep,
		},
		Queue: QueueConfig{
			Workers:      DefaultQueueWorkers,
			MaxAttempts:  DefaultQueueAttempts,
			BaseBackoff:  DefaultQueueBackoff,
			Retention:    DefaultQueueRetention,
			PollInterval: DefaultQueuePoll,
		},
		Session: SessionConfig{
			TTL:           DefaultSessionTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Delegation: DelegationConfig{
			MaxActionsPerHour: DefaultActionsPerHour,
			MaxActionsPerDay:  DefaultActionsPerDay,
			MaxSpendPerDay:    DefaultSpendPerDay,
			SweepInterval:     DefaultSweepInterval,
		},
		Orchestra: OrchestraConfig{
			ExecuteTimeout: DefaultExecuteTimeout,
		},
	}
}

// Load reads a YAML config file, applies defaults for missing fields,
// then applies environment overrides. A missing file is not an error;
// defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, sperrors.Wrap(err, sperrors.ErrCodeConfigLoad, "read config file")
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, sperrors.Wrap(err, sperrors.ErrCodeConfigParse, "parse config file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SPRINTLOOP_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("SPRINTLOOP_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SPRINTLOOP_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("SPRINTLOOP_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("SPRINTLOOP_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return sperrors.New(sperrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown environment %q", c.Environment))
	}
	if c.Database.Path == "" {
		return sperrors.New(sperrors.ErrCodeConfigInvalid, "database path cannot be empty")
	}
	if c.Queue.Workers < 1 {
		return sperrors.New(sperrors.ErrCodeConfigInvalid, "queue workers must be >= 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return sperrors.New(sperrors.ErrCodeConfigInvalid, "queue max_attempts must be >= 1")
	}
	if c.Cache.TTL <= 0 {
		return sperrors.New(sperrors.ErrCodeConfigInvalid, "cache ttl must be positive")
	}
	if c.Session.TTL <= 0 {
		return sperrors.New(sperrors.ErrCodeConfigInvalid, "session ttl must be positive")
	}
	if c.Delegation.MaxActionsPerHour < 1 || c.Delegation.MaxActionsPerDay < 1 {
		return sperrors.New(sperrors.ErrCodeConfigInvalid, "delegation quotas must be >= 1")
	}
	return nil
}

// IsProduction reports whether the production environment is active.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
