// Package config loads the tabtrail YAML configuration. The Redis transport
// and logging are configured through command flags instead.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/tabtrail/pkg/coordinator"
	"github.com/go-go-golems/tabtrail/pkg/kvstore"
	"github.com/go-go-golems/tabtrail/pkg/recorder"
	"github.com/go-go-golems/tabtrail/pkg/redisstream"
	"github.com/go-go-golems/tabtrail/pkg/server"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the top-level tabtrail configuration.
type Config struct {
	HTTP     HTTPConfig           `yaml:"http"`
	Store    StoreConfig          `yaml:"store"`
	Redis    redisstream.Settings `yaml:"-"`
	Recorder RecorderConfig       `yaml:"recorder"`
}

type HTTPConfig struct {
	Addr                string        `yaml:"addr"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ObserverIdleTimeout time.Duration `yaml:"observer_idle_timeout"`
}

// StoreConfig selects the keyed store backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"` // memory | sqlite | redis
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// RecorderConfig names the storage namespaces and the tab-close policy.
type RecorderConfig struct {
	RecordPrefix          string `yaml:"record_prefix"`
	IndexNamespace        string `yaml:"index_namespace"`
	SnapshotPrefix        string `yaml:"snapshot_prefix"`
	ReleaseSessionOnClose bool   `yaml:"release_session_on_close"`
}

// Default returns a configuration that runs everything in process.
func Default() *Config {
	cfg := &Config{Redis: redisstream.DefaultSettings()}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file. Missing fields keep their
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := &Config{Redis: redisstream.DefaultSettings()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8088"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 10 * time.Second
	}
	if c.HTTP.ObserverIdleTimeout <= 0 {
		c.HTTP.ObserverIdleTimeout = 5 * time.Minute
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "tabtrail.db"
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = "tabtrail:"
	}
	d := recorder.DefaultLayout()
	if c.Recorder.RecordPrefix == "" {
		c.Recorder.RecordPrefix = d.RecordPrefix
	}
	if c.Recorder.IndexNamespace == "" {
		c.Recorder.IndexNamespace = d.IndexNamespace
	}
	if c.Recorder.SnapshotPrefix == "" {
		c.Recorder.SnapshotPrefix = d.SnapshotPrefix
	}
}

// Validate rejects settings that cannot be served.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if c.Store.RedisAddr == "" && c.Redis.Addr == "" {
			return errors.New("config: store.backend redis needs store.redis_addr or --redis-addr")
		}
	default:
		return errors.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("config: --redis-enabled needs --redis-addr")
	}
	// record namespaces must not be mistaken for snapshot names
	if strings.HasPrefix(c.Recorder.RecordPrefix, c.Recorder.SnapshotPrefix) ||
		strings.HasPrefix(c.Recorder.SnapshotPrefix, c.Recorder.RecordPrefix) {
		return errors.Errorf("config: record_prefix %q and snapshot_prefix %q overlap", c.Recorder.RecordPrefix, c.Recorder.SnapshotPrefix)
	}
	return nil
}

// Layout is the keyed-store layout the recorder uses.
func (c *Config) Layout() recorder.Layout {
	return recorder.Layout{
		RecordPrefix:   c.Recorder.RecordPrefix,
		IndexNamespace: c.Recorder.IndexNamespace,
		SnapshotPrefix: c.Recorder.SnapshotPrefix,
	}
}

func (c *Config) CoordinatorOptions() coordinator.Options {
	return coordinator.Options{
		Layout:                c.Layout(),
		ReleaseSessionOnClose: c.Recorder.ReleaseSessionOnClose,
	}
}

func (c *Config) ServerOptions() server.Options {
	return server.Options{
		Addr:                c.HTTP.Addr,
		ShutdownTimeout:     c.HTTP.ShutdownTimeout,
		WriteTimeout:        c.HTTP.WriteTimeout,
		ObserverIdleTimeout: c.HTTP.ObserverIdleTimeout,
		SubscriberGroup:     c.Redis.Group + "-hub",
	}
}

// OpenStore opens the configured keyed store backend.
func (c *Config) OpenStore() (kvstore.Store, error) {
	switch c.Store.Backend {
	case BackendMemory:
		return kvstore.NewMemoryStore(), nil
	case BackendSQLite:
		dsn, err := kvstore.SQLiteDSNForFile(c.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return kvstore.NewSQLiteStore(dsn)
	case BackendRedis:
		addr := c.Store.RedisAddr
		if addr == "" {
			addr = c.Redis.Addr
		}
		return kvstore.NewRedisStore(addr, c.Store.RedisPrefix)
	}
	return nil, errors.Errorf("config: unknown store.backend %q", c.Store.Backend)
}
