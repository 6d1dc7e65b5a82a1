package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/tabtrail/pkg/config"
	"github.com/go-go-golems/tabtrail/pkg/recorder"
	"github.com/go-go-golems/tabtrail/pkg/redisstream"
)

type storeTestSection struct{}

func (storeTestSection) GetDefinitions() *fields.Definitions { return fields.NewDefinitions() }
func (storeTestSection) GetName() string                     { return storeSectionSlug }
func (storeTestSection) GetDescription() string              { return "" }
func (storeTestSection) GetPrefix() string                   { return "" }
func (storeTestSection) GetSlug() string                     { return storeSectionSlug }

func TestDecodeStoreSettings(t *testing.T) {
	sectionValues, err := values.NewSectionValues(storeTestSection{})
	require.NoError(t, err)
	sectionValues.Fields.Update("tabtrail-config", &fields.FieldValue{Value: ""})
	sectionValues.Fields.Update("store", &fields.FieldValue{Value: "sqlite"})
	sectionValues.Fields.Update("sqlite-path", &fields.FieldValue{Value: "/tmp/trail.db"})
	sectionValues.Fields.Update("store-redis-addr", &fields.FieldValue{Value: ""})
	parsed := values.New(values.WithSectionValues(storeSectionSlug, sectionValues))

	s, err := decodeStoreSettings(parsed)
	require.NoError(t, err)
	require.Equal(t, "sqlite", s.Store)
	require.Equal(t, "/tmp/trail.db", s.SQLitePath)
	require.Empty(t, s.ConfigFile)
}

func TestSnapshotCommandsOnSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trail.db")

	cfg := config.Default()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLitePath = dbPath
	store, err := cfg.OpenStore()
	require.NoError(t, err)
	captures, snapshots := recorderFor(cfg, store)
	ctx := context.Background()
	_, err = captures.Append(ctx, recorder.TabInfo{ID: 4, URL: "https://example.com"}, json.RawMessage(`{"type":"click"}`))
	require.NoError(t, err)
	_, err = snapshots.Create(ctx, recorder.CreateSnapshot{ID: 4, Description: "cli", Time: "t"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	s := &StoreSettings{Store: config.BackendSQLite, SQLitePath: dbPath}

	summaries, err := listSnapshots(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []snapshotSummary{{
		Name:        "snapshot-1",
		Description: "cli",
		Time:        "t",
		InitialURL:  "https://example.com",
		Actions:     1,
	}}, summaries)

	var out bytes.Buffer
	require.NoError(t, showSnapshot(ctx, s, "snapshot-1", &out))
	var rec recorder.CaptureRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	require.Equal(t, "cli", rec.Description)
	require.Equal(t, "https://example.com", rec.InitialURL)

	out.Reset()
	require.NoError(t, showRecord(ctx, s, 4, &out))
	require.Contains(t, out.String(), `"type": "click"`)

	out.Reset()
	require.NoError(t, removeSnapshot(ctx, s, "snapshot-1", &out))
	require.Equal(t, "snapshot-1: removed\n", out.String())

	out.Reset()
	require.NoError(t, removeSnapshot(ctx, s, "snapshot-1", &out))
	require.Equal(t, "snapshot-1: not found\n", out.String())

	require.Error(t, showSnapshot(ctx, s, "snapshot-1", &out))
	require.Error(t, showRecord(ctx, s, 0, &out))
	require.Error(t, showRecord(ctx, s, 9, &out))
}

func TestServeSettingsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabtrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9000\"\nstore:\n  backend: sqlite\n"), 0o600))

	redis := redisstream.DefaultSettings()
	redis.Group = "trail"
	s := &ServeSettings{
		Addr:                  "127.0.0.1:7000",
		ReleaseSessionOnClose: true,
		Store:                 StoreSettings{ConfigFile: path, SQLitePath: "/tmp/other.db"},
		Redis:                 redis,
	}
	cfg, err := s.config()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cfg.HTTP.Addr)
	require.Equal(t, config.BackendSQLite, cfg.Store.Backend)
	require.Equal(t, "/tmp/other.db", cfg.Store.SQLitePath)
	require.True(t, cfg.CoordinatorOptions().ReleaseSessionOnClose)
	require.Equal(t, "trail-hub", cfg.ServerOptions().SubscriberGroup)

	s.Store = StoreSettings{Store: "etcd"}
	_, err = s.config()
	require.Error(t, err)
}

func TestAddCommands(t *testing.T) {
	root := &cobra.Command{Use: "tabtrail"}
	require.NoError(t, addCommands(root))

	for _, path := range [][]string{
		{"serve"},
		{"snapshots", "list"},
		{"snapshots", "show"},
		{"snapshots", "rm"},
		{"record", "show"},
	} {
		c, _, err := root.Find(path)
		require.NoError(t, err)
		require.Equal(t, path[len(path)-1], c.Name())
	}

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	for _, flag := range []string{"addr", "redis-enabled", "redis-group", "store", "tabtrail-config"} {
		require.NotNil(t, serve.Flags().Lookup(flag), flag)
	}
}
