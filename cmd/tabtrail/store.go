package main

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/tabtrail/pkg/config"
	"github.com/go-go-golems/tabtrail/pkg/kvstore"
	"github.com/go-go-golems/tabtrail/pkg/recorder"
	"github.com/go-go-golems/tabtrail/pkg/redisstream"
)

const storeSectionSlug = "store"

// StoreSettings selects the YAML config file and overrides its store
// backend. Empty values keep what the file (or the defaults) say.
type StoreSettings struct {
	ConfigFile     string `glazed:"tabtrail-config"`
	Store          string `glazed:"store"`
	SQLitePath     string `glazed:"sqlite-path"`
	StoreRedisAddr string `glazed:"store-redis-addr"`
}

func newStoreSection() (schema.Section, error) {
	return schema.NewSection(storeSectionSlug, "Configuration file and keyed store backend",
		schema.WithFields(
			fields.New("tabtrail-config", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Path to a tabtrail YAML config file")),
			fields.New("store", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Store backend (memory, sqlite, redis)")),
			fields.New("sqlite-path", fields.TypeString, fields.WithDefault(""), fields.WithHelp("SQLite database file for the sqlite store")),
			fields.New("store-redis-addr", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis address for the redis store")),
		))
}

func decodeStoreSettings(parsed *values.Values) (*StoreSettings, error) {
	s := &StoreSettings{}
	if err := parsed.DecodeSectionInto(storeSectionSlug, s); err != nil {
		return nil, errors.Wrap(err, "init store settings")
	}
	return s, nil
}

// loadConfig reads the config file, applies the flag overrides and, when
// given, the redis transport settings.
func (s *StoreSettings) loadConfig(redis *redisstream.Settings) (*config.Config, error) {
	cfg := config.Default()
	if s.ConfigFile != "" {
		loaded, err := config.LoadFile(s.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if s.Store != "" {
		cfg.Store.Backend = s.Store
	}
	if s.SQLitePath != "" {
		cfg.Store.SQLitePath = s.SQLitePath
	}
	if s.StoreRedisAddr != "" {
		cfg.Store.RedisAddr = s.StoreRedisAddr
	}
	if redis != nil {
		cfg.Redis = *redis
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withRecorder opens the configured store and hands the recorder components
// to fn. The store is closed afterwards.
func (s *StoreSettings) withRecorder(fn func(*recorder.CaptureLog, *recorder.SnapshotManager) error) error {
	cfg, err := s.loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() { _ = store.Close() }()
	captures, snapshots := recorderFor(cfg, store)
	return fn(captures, snapshots)
}

func recorderFor(cfg *config.Config, store kvstore.Store) (*recorder.CaptureLog, *recorder.SnapshotManager) {
	captures := recorder.NewCaptureLog(store, cfg.Layout())
	return captures, recorder.NewSnapshotManager(store, cfg.Layout(), captures)
}
