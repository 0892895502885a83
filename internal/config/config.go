// Package config loads shelfcheck settings: built-in defaults, then an
// optional YAML file, then SHELFCHECK_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/network"
	"github.com/kimhsiao/shelfcheck/internal/remote"
	"github.com/kimhsiao/shelfcheck/internal/sync/queue"
	"github.com/kimhsiao/shelfcheck/internal/sync/scheduler"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHELFCHECK_"

// Config is the full application configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	DeviceID string `yaml:"device_id"`
	UserID   string `yaml:"user_id"`
	LogLevel string `yaml:"log_level"`

	Remote  RemoteConfig  `yaml:"remote"`
	Network NetworkConfig `yaml:"network"`
	Sync    SyncConfig    `yaml:"sync"`
	Server  ServerConfig  `yaml:"server"`
}

// RemoteConfig locates the remote store.
type RemoteConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// NetworkConfig tunes the connectivity monitor.
type NetworkConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	StabilizeDelay time.Duration `yaml:"stabilize_delay"`
}

// SyncConfig tunes sync passes and retries.
type SyncConfig struct {
	Interval     time.Duration `yaml:"interval"` // periodic pass while online, 0 disables
	PassTimeout  time.Duration `yaml:"pass_timeout"`
	RefreshCache bool          `yaml:"refresh_cache"`
	MaxPending   int           `yaml:"max_pending"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// ServerConfig configures the desktop agent's HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	device, err := os.Hostname()
	if err != nil || device == "" {
		device = "device"
	}
	net := network.DefaultConfig()
	sched := scheduler.DefaultConfig()

	return &Config{
		DataDir:  "./data",
		DeviceID: device,
		LogLevel: "info",
		Remote: RemoteConfig{
			Timeout: remote.DefaultTimeout,
		},
		Network: NetworkConfig{
			PollInterval:   net.PollInterval,
			StabilizeDelay: net.StabilizeDelay,
		},
		Sync: SyncConfig{
			Interval:    sched.SyncInterval,
			PassTimeout: sched.PassTimeout,
			MaxBackoff:  time.Hour,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8090",
		},
	}
}

// Load reads path (skipped when empty) over the defaults and applies the
// process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "parse config file "+path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATA_DIR":   &c.DataDir,
		"DEVICE_ID":  &c.DeviceID,
		"USER":       &c.UserID,
		"LOG_LEVEL":  &c.LogLevel,
		"REMOTE_URL": &c.Remote.URL,
		"LISTEN":     &c.Server.Listen,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"REMOTE_TIMEOUT":    &c.Remote.Timeout,
		"POLL_INTERVAL":     &c.Network.PollInterval,
		"STABILIZE_DELAY":   &c.Network.StabilizeDelay,
		"SYNC_INTERVAL":     &c.Sync.Interval,
		"PASS_TIMEOUT":      &c.Sync.PassTimeout,
		"RETRY_BACKOFF":     &c.Sync.BaseBackoff,
		"RETRY_MAX_BACKOFF": &c.Sync.MaxBackoff,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "invalid "+EnvPrefix+key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"MAX_PENDING": &c.Sync.MaxPending,
		"MAX_RETRIES": &c.Sync.MaxRetries,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "invalid "+EnvPrefix+key, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "REFRESH_CACHE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "invalid "+EnvPrefix+"REFRESH_CACHE", err)
		}
		c.Sync.RefreshCache = b
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return apperrors.New(apperrors.ErrValidation, "data_dir is required")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return apperrors.New(apperrors.ErrValidation, "device_id is required")
	}

	for name, d := range map[string]time.Duration{
		"remote.timeout":          c.Remote.Timeout,
		"network.poll_interval":   c.Network.PollInterval,
		"network.stabilize_delay": c.Network.StabilizeDelay,
		"sync.interval":           c.Sync.Interval,
		"sync.pass_timeout":       c.Sync.PassTimeout,
		"sync.base_backoff":       c.Sync.BaseBackoff,
		"sync.max_backoff":        c.Sync.MaxBackoff,
	} {
		if d < 0 {
			return apperrors.Newf(apperrors.ErrValidation, "%s must not be negative, got %s", name, d)
		}
	}
	if c.Sync.MaxPending < 0 || c.Sync.MaxRetries < 0 {
		return apperrors.New(apperrors.ErrValidation, "sync.max_pending and sync.max_retries must not be negative")
	}
	return nil
}

// Retry returns the queue retry policy.
func (c *Config) Retry() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxRetries:  c.Sync.MaxRetries,
		BaseBackoff: c.Sync.BaseBackoff,
		MaxBackoff:  c.Sync.MaxBackoff,
	}
}

// Queue returns the queue manager configuration.
func (c *Config) Queue() queue.Config {
	return queue.Config{
		DeviceID:   c.DeviceID,
		UserID:     c.UserID,
		MaxPending: c.Sync.MaxPending,
		Retry:      c.Retry(),
	}
}

// Monitor returns the network monitor configuration.
func (c *Config) Monitor() network.Config {
	return network.Config{
		PollInterval:   c.Network.PollInterval,
		StabilizeDelay: c.Network.StabilizeDelay,
	}
}

// Scheduler returns the coordinator configuration.
func (c *Config) Scheduler() *scheduler.Config {
	return &scheduler.Config{
		SyncInterval: c.Sync.Interval,
		PassTimeout:  c.Sync.PassTimeout,
	}
}

// String renders the effective configuration as YAML.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%+v", *c)
	}
	return string(out)
}
