// Package config provides configuration loading and management for the replicator.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-replicator/internal/telemetry"
)

// EnvPrefix is the prefix of environment variables read by the replicator
const EnvPrefix = "THV_REPLICATOR"

const (
	// CheckpointTypeFile stores checkpoints as JSON files in a directory
	CheckpointTypeFile = "file"

	// CheckpointTypeSQLite stores checkpoints in the local store database
	CheckpointTypeSQLite = "sqlite"

	// CheckpointTypePostgres stores checkpoints in PostgreSQL
	CheckpointTypePostgres = "postgres"

	// CheckpointTypeRedis stores checkpoints in Redis
	CheckpointTypeRedis = "redis"

	// CheckpointTypeMemory keeps checkpoints in memory only
	CheckpointTypeMemory = "memory"
)

const (
	// DirectionPush replicates local changes to the target
	DirectionPush = "push"

	// DirectionPull replicates target changes to the local store
	DirectionPull = "pull"

	// DirectionPushAndPull replicates in both directions
	DirectionPushAndPull = "pushAndPull"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Store is the local document store replicated by this process
	Store StoreConfig `yaml:"store"`

	// Checkpoint selects where replication checkpoints are persisted
	Checkpoint *CheckpointConfig `yaml:"checkpoint,omitempty"`

	// Database configures PostgreSQL when checkpoint.type is postgres
	Database *DatabaseConfig `yaml:"database,omitempty"`

	Replications []ReplicationConfig `yaml:"replications,omitempty"`

	// Listener exposes the local store as a network endpoint (serve command)
	Listener *ListenerConfig `yaml:"listener,omitempty"`

	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// StoreConfig defines the local SQLite document store
type StoreConfig struct {
	// Path is the SQLite database file
	Path string `yaml:"path"`
}

// CheckpointConfig defines checkpoint persistence
type CheckpointConfig struct {
	// Type is one of file, sqlite, postgres, redis or memory. Defaults to sqlite.
	Type string `yaml:"type,omitempty"`

	// Path is the directory used by the file backend
	Path string `yaml:"path,omitempty"`

	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig defines the Redis checkpoint backend
type RedisConfig struct {
	Address string `yaml:"address"`

	// PasswordFile is the path to a file containing the Redis password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	DB int `yaml:"db,omitempty"`

	// Prefix namespaces checkpoint keys
	Prefix string `yaml:"prefix,omitempty"`
}

// ReplicationConfig defines a single replication between the local store and a target
type ReplicationConfig struct {
	// Name is the identifier for this replication
	Name string `yaml:"name"`

	Target TargetConfig `yaml:"target"`

	// Direction is push, pull or pushAndPull. Defaults to pushAndPull.
	Direction string `yaml:"direction,omitempty"`

	Continuous bool `yaml:"continuous,omitempty"`

	// ResetCheckpoint discards stored checkpoints before the first run
	ResetCheckpoint bool `yaml:"resetCheckpoint,omitempty"`

	BatchSize int `yaml:"batchSize,omitempty"`

	Retry *RetryConfig `yaml:"retry,omitempty"`

	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// TargetConfig defines the replication target (only one should be set)
type TargetConfig struct {
	// URL is a ws:// or wss:// endpoint served by another replicator
	URL string `yaml:"url,omitempty"`

	// StorePath is another local SQLite document store
	StorePath string `yaml:"storePath,omitempty"`
}

// RetryConfig defines reconnection backoff
type RetryConfig struct {
	// MaxAttempts bounds consecutive failed connection attempts. 0 keeps the default.
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// InitialInterval is the first backoff delay (e.g., "500ms")
	InitialInterval string `yaml:"initialInterval,omitempty"`

	// MaxInterval caps the backoff delay (e.g., "1m")
	MaxInterval string `yaml:"maxInterval,omitempty"`
}

// AuthConfig defines basic credentials sent to or required by a network endpoint
type AuthConfig struct {
	Username string `yaml:"username"`

	// PasswordFile is the path to a file containing the password
	PasswordFile string `yaml:"passwordFile,omitempty"`
}

// ListenerConfig defines the websocket listener used by the serve command
type ListenerConfig struct {
	// Address to listen on. Defaults to ":4984".
	Address string `yaml:"address,omitempty"`

	// Path of the replication endpoint. Defaults to "/db".
	Path string `yaml:"path,omitempty"`

	Auth *AuthConfig `yaml:"auth,omitempty"`

	// Metrics exposes /metrics in Prometheus format
	Metrics bool `yaml:"metrics,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from THV_REPLICATOR_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		return readSecretFile(d.PasswordFile)
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable", EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String(), nil
}

// GetPassword reads the password from PasswordFile, if any
func (a *AuthConfig) GetPassword() (string, error) {
	if a.PasswordFile == "" {
		return "", nil
	}
	return readSecretFile(a.PasswordFile)
}

// GetPassword reads the Redis password from PasswordFile, if any
func (r *RedisConfig) GetPassword() (string, error) {
	if r.PasswordFile == "" {
		return "", nil
	}
	return readSecretFile(r.PasswordFile)
}

func readSecretFile(path string) (string, error) {
	// Use filepath.Clean to prevent path traversal attacks
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to read password from file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetType returns the checkpoint backend, defaulting to sqlite
func (c *CheckpointConfig) GetType() string {
	if c == nil || c.Type == "" {
		return CheckpointTypeSQLite
	}
	return c.Type
}

// GetCheckpoint returns the checkpoint configuration, never nil
func (c *Config) GetCheckpoint() *CheckpointConfig {
	if c.Checkpoint == nil {
		return &CheckpointConfig{}
	}
	return c.Checkpoint
}

// GetReplication returns the replication with the given name
func (c *Config) GetReplication(name string) (*ReplicationConfig, error) {
	for i := range c.Replications {
		if c.Replications[i].Name == name {
			return &c.Replications[i], nil
		}
	}
	return nil, fmt.Errorf("replication %q not found", name)
}

// GetDirection returns the direction, defaulting to pushAndPull
func (r *ReplicationConfig) GetDirection() string {
	if r.Direction == "" {
		return DirectionPushAndPull
	}
	return r.Direction
}

// GetAddress returns the listen address, defaulting to :4984
func (l *ListenerConfig) GetAddress() string {
	if l == nil || l.Address == "" {
		return ":4984"
	}
	return l.Address
}

// GetPath returns the endpoint path, defaulting to /db
func (l *ListenerConfig) GetPath() string {
	if l == nil || l.Path == "" {
		return "/db"
	}
	if !strings.HasPrefix(l.Path, "/") {
		return "/" + l.Path
	}
	return l.Path
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if err := c.validateCheckpoint(); err != nil {
		return err
	}

	var errs []error
	names := make(map[string]bool)
	for i := range c.Replications {
		rep := &c.Replications[i]
		if rep.Name == "" {
			errs = append(errs, fmt.Errorf("replication[%d]: name is required", i))
			continue
		}
		if names[rep.Name] {
			errs = append(errs, fmt.Errorf("replication[%d]: duplicate replication name '%s'", i, rep.Name))
			continue
		}
		names[rep.Name] = true

		if err := validateReplication(rep, fmt.Sprintf("replication[%d] (%s)", i, rep.Name)); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validateCheckpoint() error {
	cp := c.GetCheckpoint()
	switch cp.GetType() {
	case CheckpointTypeSQLite, CheckpointTypeMemory:
		return nil
	case CheckpointTypeFile:
		if cp.Path == "" {
			return fmt.Errorf("checkpoint.path is required for the file backend")
		}
	case CheckpointTypePostgres:
		if c.Database == nil {
			return fmt.Errorf("database configuration is required for the postgres checkpoint backend")
		}
	case CheckpointTypeRedis:
		if cp.Redis == nil || cp.Redis.Address == "" {
			return fmt.Errorf("checkpoint.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("checkpoint.type must be one of file, sqlite, postgres, redis or memory, got %s", cp.Type)
	}
	return nil
}

// validateReplication validates a single replication configuration
func validateReplication(rep *ReplicationConfig, prefix string) error {
	switch rep.GetDirection() {
	case DirectionPush, DirectionPull, DirectionPushAndPull:
	default:
		return fmt.Errorf("%s: direction must be one of push, pull or pushAndPull, got %s", prefix, rep.Direction)
	}

	if err := validateTarget(&rep.Target, prefix); err != nil {
		return err
	}

	if rep.BatchSize < 0 {
		return fmt.Errorf("%s: batchSize must not be negative", prefix)
	}

	if rep.Retry != nil {
		if rep.Retry.MaxAttempts < 0 {
			return fmt.Errorf("%s: retry.maxAttempts must not be negative", prefix)
		}
		for field, value := range map[string]string{
			"initialInterval": rep.Retry.InitialInterval,
			"maxInterval":     rep.Retry.MaxInterval,
		} {
			if value == "" {
				continue
			}
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: retry.%s must be a valid duration (e.g., '500ms', '1m'): %w", prefix, field, err)
			}
		}
	}

	return nil
}

// validateTarget ensures exactly one target kind is configured
func validateTarget(target *TargetConfig, prefix string) error {
	if target.URL == "" && target.StorePath == "" {
		return fmt.Errorf("%s: one of target.url or target.storePath must be specified", prefix)
	}
	if target.URL != "" && target.StorePath != "" {
		return fmt.Errorf("%s: only one of target.url or target.storePath may be specified", prefix)
	}
	if target.URL != "" {
		u, err := url.Parse(target.URL)
		if err != nil {
			return fmt.Errorf("%s: target.url is invalid: %w", prefix, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("%s: target.url scheme must be ws or wss, got %q", prefix, u.Scheme)
		}
	}
	return nil
}

// GetRetryIntervals parses the retry intervals, returning zero for unset values
func (r *RetryConfig) GetRetryIntervals() (initial, maxInterval time.Duration) {
	if r == nil {
		return 0, 0
	}
	initial, _ = time.ParseDuration(r.InitialInterval)
	maxInterval, _ = time.ParseDuration(r.MaxInterval)
	return initial, maxInterval
}
