// Package config loads service configuration from a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardcast/internal/storage"
)

// Config is shared by the coordinator and node binaries; each reads the
// sections it needs.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Node        NodeConfig        `yaml:"node"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CoordinatorConfig represents coordinator settings
type CoordinatorConfig struct {
	Listen string `yaml:"listen"`
	// PublicURL is how replicas see the coordinator; sent as distrib.from.
	PublicURL         string        `yaml:"public_url"`
	NumShards         int           `yaml:"num_shards"`
	ReplicationFactor int           `yaml:"replication_factor"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	MaxHealthFailures int           `yaml:"max_health_failures"`
}

// NodeConfig represents node settings
type NodeConfig struct {
	ID              string `yaml:"id"`
	Listen          string `yaml:"listen"`
	Addr            string `yaml:"addr"`
	CoordinatorAddr string `yaml:"coordinator_addr"`
}

// StreamingConfig controls update forwarding from the coordinator to replicas
type StreamingConfig struct {
	// Runners per destination. More than 1 may reorder updates to a replica.
	Runners               int           `yaml:"runners"`
	QueueSize             int           `yaml:"queue_size"`
	PollQueueTime         time.Duration `yaml:"poll_queue_time"`
	SocketTimeout         time.Duration `yaml:"socket_timeout"`
	ConnTimeout           time.Duration `yaml:"conn_timeout"`
	MaxConnectionsPerHost int           `yaml:"max_connections_per_host"`
	MaxUpdateThreads      int           `yaml:"max_update_threads"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryPause            time.Duration `yaml:"retry_pause"`
}

// StorageConfig selects the shard store backend
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory | pebble
	Dir     string `yaml:"dir"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Listen:            ":8080",
			PublicURL:         "http://127.0.0.1:8080",
			NumShards:         4,
			ReplicationFactor: 2,
			HealthInterval:    5 * time.Second,
			MaxHealthFailures: 3,
		},
		Node: NodeConfig{
			Listen:          ":8081",
			Addr:            "http://127.0.0.1:8081",
			CoordinatorAddr: "http://127.0.0.1:8080",
		},
		Streaming: StreamingConfig{
			Runners:               1,
			QueueSize:             100,
			PollQueueTime:         10 * time.Second,
			SocketTimeout:         10 * time.Minute,
			ConnTimeout:           60 * time.Second,
			MaxConnectionsPerHost: 20,
			MaxUpdateThreads:      1024,
			MaxRetries:            2,
			RetryPause:            500 * time.Millisecond,
		},
		Storage: StorageConfig{
			Backend: storage.BackendMemory,
			Dir:     "./data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.Coordinator.Listen, "COORDINATOR_LISTEN")
	setString(&cfg.Coordinator.PublicURL, "COORDINATOR_URL")
	setString(&cfg.Node.ID, "NODE_ID")
	setString(&cfg.Node.Listen, "NODE_LISTEN")
	setString(&cfg.Node.Addr, "NODE_ADDR")
	setString(&cfg.Node.CoordinatorAddr, "COORDINATOR_ADDR")
	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.Dir, "DATA_DIR")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	return errors.Join(
		setInt(&cfg.Coordinator.NumShards, "NUM_SHARDS"),
		setInt(&cfg.Coordinator.ReplicationFactor, "REPLICATION_FACTOR"),
		setInt(&cfg.Streaming.Runners, "REPLICATION_RUNNERS"),
		setInt(&cfg.Streaming.MaxRetries, "REPLICATION_MAX_RETRIES"),
		setDuration(&cfg.Streaming.PollQueueTime, "REPLICATION_POLL_QUEUE_TIME"),
	)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate checks the settings both binaries depend on
func (c *Config) Validate() error {
	var errs []error

	if c.Coordinator.NumShards < 1 {
		errs = append(errs, errors.New("coordinator.num_shards must be positive"))
	}
	if c.Coordinator.ReplicationFactor < 1 {
		errs = append(errs, errors.New("coordinator.replication_factor must be positive"))
	}
	if c.Coordinator.HealthInterval <= 0 {
		errs = append(errs, errors.New("coordinator.health_interval must be positive"))
	}
	if c.Streaming.Runners < 1 {
		errs = append(errs, errors.New("streaming.runners must be at least 1"))
	}
	if c.Streaming.QueueSize < 1 {
		errs = append(errs, errors.New("streaming.queue_size must be at least 1"))
	}
	if c.Streaming.MaxRetries < 0 {
		errs = append(errs, errors.New("streaming.max_retries cannot be negative"))
	}
	if c.Streaming.PollQueueTime <= 0 || c.Streaming.SocketTimeout <= 0 || c.Streaming.ConnTimeout <= 0 {
		errs = append(errs, errors.New("streaming timeouts must be positive"))
	}

	switch c.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendPebble:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the pebble backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %s or %s, got %q",
			storage.BackendMemory, storage.BackendPebble, c.Storage.Backend))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
