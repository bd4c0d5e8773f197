// Package config handles configuration loading and validation for countitems.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tunnelmesh/countitems/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMongoDB = "mongodb"
	BackendFile    = "file"
)

// Change feed types.
const (
	FeedMongoDB = "mongodb" // change stream of the metadata store
	FeedNATS    = "nats"
	FeedNone    = "none"
)

// MongoDBConfig holds the metadata store connection settings.
type MongoDBConfig struct {
	URI        string `yaml:"uri"`
	ReplicaSet string `yaml:"replica_set"`
	Database   string `yaml:"database"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// FileConfig holds settings of the local directory store.
type FileConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ChangeFeedConfig selects where deletion events come from.
type ChangeFeedConfig struct {
	Type    string `yaml:"type"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// ScannerConfig tunes the round scheduler.
type ScannerConfig struct {
	MaxConcurrentOperations    int           `yaml:"max_concurrent_operations"`
	MaxConnectRetries          int           `yaml:"max_connect_retries"`
	RetryInterval              string        `yaml:"retry_interval"` // Duration string, e.g. "2s"
	ReplicaLagSeconds          int           `yaml:"replica_lag_seconds"`
	FullRefreshIntervalSeconds int           `yaml:"full_refresh_interval_seconds"`
	RoundIntervalSeconds       int           `yaml:"round_interval_seconds"`
	PublishRetries             int           `yaml:"publish_retries"`
	StalledAfter               string        `yaml:"stalled_after"`          // Duration string, e.g. "1h"
	LargeBucketThreshold       bytesize.Size `yaml:"large_bucket_threshold"` // e.g. "10Ti"; 0 disables
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9102"; empty disables the endpoint
}

// Config is the complete countitems configuration.
type Config struct {
	Backend            string           `yaml:"backend"`
	LogLevel           string           `yaml:"log_level"`
	LocationConfigFile string           `yaml:"location_config_file"`
	MongoDB            MongoDBConfig    `yaml:"mongodb"`
	File               FileConfig       `yaml:"file"`
	ChangeFeed         ChangeFeedConfig `yaml:"change_feed"`
	Scanner            ScannerConfig    `yaml:"scanner"`
	Metrics            MetricsConfig    `yaml:"metrics"`
}

// LoadDotEnv loads a .env file into the process environment. A missing file is not
// an error; variables already set win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML file at path (optional), applies defaults and then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMongoDB
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MongoDB.Database == "" {
		c.MongoDB.Database = "metadata"
	}
	if c.File.DataDir == "" {
		c.File.DataDir = "/var/lib/countitems"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.File.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.File.DataDir = filepath.Join(homeDir, c.File.DataDir[2:])
		}
	}
	if c.ChangeFeed.Type == "" {
		switch {
		case c.ChangeFeed.NATSURL != "":
			c.ChangeFeed.Type = FeedNATS
		case c.Backend == BackendMongoDB:
			c.ChangeFeed.Type = FeedMongoDB
		default:
			c.ChangeFeed.Type = FeedNone
		}
	}

	s := &c.Scanner
	if s.MaxConcurrentOperations == 0 {
		s.MaxConcurrentOperations = 10
	}
	if s.MaxConnectRetries == 0 {
		s.MaxConnectRetries = 5
	}
	if s.RetryInterval == "" {
		s.RetryInterval = "2s"
	}
	if s.ReplicaLagSeconds == 0 {
		s.ReplicaLagSeconds = 5
	}
	if s.FullRefreshIntervalSeconds == 0 {
		s.FullRefreshIntervalSeconds = 86400
	}
	if s.RoundIntervalSeconds == 0 {
		s.RoundIntervalSeconds = 2
	}
	if s.PublishRetries == 0 {
		s.PublishRetries = 3
	}
	if s.StalledAfter == "" {
		s.StalledAfter = "1h"
	}
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"MONGODB_URI", &c.MongoDB.URI},
		{"MONGODB_REPLICASET", &c.MongoDB.ReplicaSet},
		{"MONGODB_DATABASE", &c.MongoDB.Database},
		{"MONGODB_AUTH_USERNAME", &c.MongoDB.Username},
		{"MONGODB_AUTH_PASSWORD", &c.MongoDB.Password},
		{"LOCATION_CONFIG_FILE", &c.LocationConfigFile},
		{"NATS_URL", &c.ChangeFeed.NATSURL},
	}
	for _, s := range strs {
		if v, ok := lookup(s.name); ok && v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MAX_CONCURRENT_OPERATIONS", &c.Scanner.MaxConcurrentOperations},
		{"MAX_CONNECT_RETRIES", &c.Scanner.MaxConnectRetries},
		{"REPLICA_LAG_SECONDS", &c.Scanner.ReplicaLagSeconds},
		{"FULL_REFRESH_INTERVAL_SECONDS", &c.Scanner.FullRefreshIntervalSeconds},
		{"ROUND_INTERVAL_SECONDS", &c.Scanner.RoundIntervalSeconds},
	}
	for _, i := range ints {
		v, ok := lookup(i.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", i.name, v, err)
		}
		*i.dst = n
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMongoDB:
		if c.MongoDB.URI == "" {
			return fmt.Errorf("mongodb.uri is required for the %s backend", BackendMongoDB)
		}
	case BackendFile:
		if c.File.DataDir == "" {
			return fmt.Errorf("file.data_dir is required for the %s backend", BackendFile)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	switch c.ChangeFeed.Type {
	case FeedMongoDB:
		if c.Backend != BackendMongoDB {
			return fmt.Errorf("change_feed.type %q requires the %s backend", FeedMongoDB, BackendMongoDB)
		}
	case FeedNATS:
		if c.ChangeFeed.NATSURL == "" {
			return fmt.Errorf("change_feed.nats_url is required for the nats change feed")
		}
	case FeedNone:
	default:
		return fmt.Errorf("unknown change_feed.type %q", c.ChangeFeed.Type)
	}

	s := c.Scanner
	positive := []struct {
		name  string
		value int
	}{
		{"scanner.max_concurrent_operations", s.MaxConcurrentOperations},
		{"scanner.max_connect_retries", s.MaxConnectRetries},
		{"scanner.full_refresh_interval_seconds", s.FullRefreshIntervalSeconds},
		{"scanner.round_interval_seconds", s.RoundIntervalSeconds},
		{"scanner.publish_retries", s.PublishRetries},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if s.ReplicaLagSeconds < 0 {
		return fmt.Errorf("scanner.replica_lag_seconds must not be negative")
	}
	if s.LargeBucketThreshold < 0 {
		return fmt.Errorf("scanner.large_bucket_threshold must not be negative")
	}
	if _, err := c.RetryInterval(); err != nil {
		return err
	}
	if _, err := c.StalledAfter(); err != nil {
		return err
	}
	return nil
}

// RetryInterval is the fixed delay between connection attempts.
func (c *Config) RetryInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Scanner.RetryInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid scanner.retry_interval %q", c.Scanner.RetryInterval)
	}
	return d, nil
}

// StalledAfter is the age after which pending replication counts as stalled.
func (c *Config) StalledAfter() (time.Duration, error) {
	d, err := time.ParseDuration(c.Scanner.StalledAfter)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid scanner.stalled_after %q", c.Scanner.StalledAfter)
	}
	return d, nil
}

// ReplicaLag is the staleness buffer subtracted from the scan horizon.
func (c *Config) ReplicaLag() time.Duration {
	return time.Duration(c.Scanner.ReplicaLagSeconds) * time.Second
}

// RoundInterval is the sleep between rounds.
func (c *Config) RoundInterval() time.Duration {
	return time.Duration(c.Scanner.RoundIntervalSeconds) * time.Second
}

// FullRefreshInterval is the period of full pool resets.
func (c *Config) FullRefreshInterval() time.Duration {
	return time.Duration(c.Scanner.FullRefreshIntervalSeconds) * time.Second
}
