package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this ring member.
type NodeConfig struct {
	Member string `yaml:"member"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	RequestBurst    int           `yaml:"request_burst"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir               string        `yaml:"data_dir"`
	NumberOfStripes       int           `yaml:"number_of_stripes"`
	MaxUpdatesBeforeMerge int           `yaml:"max_updates_before_merge"`
	DeltaOverCapacity     int           `yaml:"delta_over_capacity"`
	MergePoolSize         int           `yaml:"merge_pool_size"`
	SyncWrites            bool          `yaml:"sync_writes"`
	OrderIDBlockSize      int64         `yaml:"order_id_block_size"`
	HighwaterFlushUpdates int64         `yaml:"highwater_flush_updates"`
	HighwaterFlushPeriod  time.Duration `yaml:"highwater_flush_period"`
	CommitRetryMaxElapsed time.Duration `yaml:"commit_retry_max_elapsed"`
}

// ReplicationConfig holds row-taking configuration
type ReplicationConfig struct {
	LongPollTimeout        time.Duration `yaml:"long_poll_timeout"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	TakeFromFactor         int           `yaml:"take_from_factor"`
	CyaInterval            time.Duration `yaml:"cya_interval"`
	ConsumerIdleInterval   time.Duration `yaml:"consumer_idle_interval"`
	SlowTakeInterval       time.Duration `yaml:"slow_take_interval"`
	TakeBackoffInitial     time.Duration `yaml:"take_backoff_initial"`
	TakeBackoffMax         time.Duration `yaml:"take_backoff_max"`
	TakeBackoffMaxElapsed  time.Duration `yaml:"take_backoff_max_elapsed"`
	RowsTakenFlushInterval time.Duration `yaml:"rows_taken_flush_interval"`
	TakeRowsPerSec         float64       `yaml:"take_rows_per_sec"`
	TakeRowsBurst          int           `yaml:"take_rows_burst"`
	TakerPoolSize          int           `yaml:"taker_pool_size"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
}

// AquariumConfig holds liveness configuration
type AquariumConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
	TapInterval   time.Duration `yaml:"tap_interval"`
}

// CompactionConfig holds tombstone compaction configuration
type CompactionConfig struct {
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`
	CheckInterval      time.Duration `yaml:"check_interval"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BindPort      int           `yaml:"bind_port"`
	SeedNodes     []string      `yaml:"seed_nodes"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// RingMemberConfig is one statically configured ring member.
type RingMemberConfig struct {
	Member string `yaml:"member"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete configuration of an amza node
type Config struct {
	Node        NodeConfig                    `yaml:"node"`
	Server      ServerConfig                  `yaml:"server"`
	Storage     StorageConfig                 `yaml:"storage"`
	Replication ReplicationConfig             `yaml:"replication"`
	Aquarium    AquariumConfig                `yaml:"aquarium"`
	Compaction  CompactionConfig              `yaml:"compaction"`
	Gossip      GossipConfig                  `yaml:"gossip"`
	Rings       map[string][]RingMemberConfig `yaml:"rings"`
	Metrics     MetricsConfig                 `yaml:"metrics"`
	Logging     LoggingConfig                 `yaml:"logging"`
}

// LoadConfig reads the yaml file at filePath, fills defaults, applies AMZA_*
// environment overrides and validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is LoadConfig for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)
	applyEnvironmentOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

func setDefaults(cfg *Config) {
	if cfg.Node.Host == "" {
		cfg.Node.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 1175
	}
	if cfg.Node.Port == 0 {
		cfg.Node.Port = cfg.Server.Port
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	// long polls hold the response open; the write timeout must outlast them
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.RequestsPerSec == 0 {
		cfg.Server.RequestsPerSec = 1000
	}
	if cfg.Server.RequestBurst == 0 {
		cfg.Server.RequestBurst = 2000
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/amza"
	}
	if cfg.Storage.NumberOfStripes == 0 {
		cfg.Storage.NumberOfStripes = 4
	}
	if cfg.Storage.MaxUpdatesBeforeMerge == 0 {
		cfg.Storage.MaxUpdatesBeforeMerge = 10000
	}
	if cfg.Storage.DeltaOverCapacity == 0 {
		cfg.Storage.DeltaOverCapacity = 4 * cfg.Storage.MaxUpdatesBeforeMerge
	}
	if cfg.Storage.MergePoolSize == 0 {
		cfg.Storage.MergePoolSize = 2
	}
	if cfg.Storage.OrderIDBlockSize == 0 {
		cfg.Storage.OrderIDBlockSize = 1000
	}
	if cfg.Storage.HighwaterFlushUpdates == 0 {
		cfg.Storage.HighwaterFlushUpdates = 10000
	}
	if cfg.Storage.HighwaterFlushPeriod == 0 {
		cfg.Storage.HighwaterFlushPeriod = time.Second
	}
	if cfg.Storage.CommitRetryMaxElapsed == 0 {
		cfg.Storage.CommitRetryMaxElapsed = 30 * time.Second
	}

	r := &cfg.Replication
	if r.LongPollTimeout == 0 {
		r.LongPollTimeout = 30 * time.Second
	}
	if r.HeartbeatInterval == 0 {
		r.HeartbeatInterval = time.Second
	}
	if r.TakeFromFactor == 0 {
		r.TakeFromFactor = 2
	}
	if r.CyaInterval == 0 {
		r.CyaInterval = time.Second
	}
	if r.ConsumerIdleInterval == 0 {
		r.ConsumerIdleInterval = time.Second
	}
	if r.SlowTakeInterval == 0 {
		r.SlowTakeInterval = 10 * time.Second
	}
	if r.TakeBackoffInitial == 0 {
		r.TakeBackoffInitial = 100 * time.Millisecond
	}
	if r.TakeBackoffMax == 0 {
		r.TakeBackoffMax = 10 * time.Second
	}
	if r.RowsTakenFlushInterval == 0 {
		r.RowsTakenFlushInterval = 100 * time.Millisecond
	}
	if r.TakeRowsPerSec == 0 {
		r.TakeRowsPerSec = 100000
	}
	if r.TakeRowsBurst == 0 {
		r.TakeRowsBurst = 10000
	}
	if r.TakerPoolSize == 0 {
		r.TakerPoolSize = 16
	}
	if r.RequestTimeout == 0 {
		r.RequestTimeout = 30 * time.Second
	}

	if cfg.Aquarium.LeaseDuration == 0 {
		cfg.Aquarium.LeaseDuration = 10 * time.Second
	}
	if cfg.Aquarium.TapInterval == 0 {
		cfg.Aquarium.TapInterval = time.Second
	}

	if cfg.Compaction.TombstoneRetention == 0 {
		cfg.Compaction.TombstoneRetention = 24 * time.Hour
	}
	if cfg.Compaction.CheckInterval == 0 {
		cfg.Compaction.CheckInterval = time.Hour
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.Member == "" {
		return fmt.Errorf("node.member is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.NumberOfStripes < 1 {
		return fmt.Errorf("storage.number_of_stripes must be positive")
	}
	if c.Storage.DeltaOverCapacity < c.Storage.MaxUpdatesBeforeMerge {
		return fmt.Errorf("storage.delta_over_capacity must be at least storage.max_updates_before_merge")
	}
	if c.Replication.TakeFromFactor < 1 {
		return fmt.Errorf("replication.take_from_factor must be positive")
	}
	if c.Replication.HeartbeatInterval >= c.Replication.LongPollTimeout {
		return fmt.Errorf("replication.heartbeat_interval must be shorter than replication.long_poll_timeout")
	}
	for ring, members := range c.Rings {
		for _, m := range members {
			if m.Member == "" {
				return fmt.Errorf("rings.%s has a member without a name", ring)
			}
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
