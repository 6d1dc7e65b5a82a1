package main

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tabtrail/pkg/bus"
	"github.com/go-go-golems/tabtrail/pkg/config"
	"github.com/go-go-golems/tabtrail/pkg/coordinator"
	"github.com/go-go-golems/tabtrail/pkg/redisstream"
	"github.com/go-go-golems/tabtrail/pkg/server"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ServeCommand)(nil)

type ServeSettings struct {
	Addr                  string `glazed:"addr"`
	ReleaseSessionOnClose bool   `glazed:"release-session-on-close"`

	Store StoreSettings
	Redis redisstream.Settings
}

func NewServeCommand() (*ServeCommand, error) {
	storeSection, err := newStoreSection()
	if err != nil {
		return nil, errors.Wrap(err, "build store section")
	}
	redisSection, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}

	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Run the coordinator with its websocket and HTTP surface"),
		cmds.WithLong("Run the coordinator. Observers connect to /ws/observer?tab=<id>, control surfaces to /ws/control. "+
			"With --redis-enabled the bus runs over Redis Streams; run exactly one coordinator per --redis-group."),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString, fields.WithDefault(""), fields.WithHelp("HTTP listen address (overrides http.addr)")),
			fields.New("release-session-on-close", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Forget recording state and pending resumes of closed tabs")),
		),
		cmds.WithSections(storeSection, redisSection),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, _ io.Writer) error {
	s := &ServeSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init default settings")
	}
	if err := parsed.DecodeSectionInto(storeSectionSlug, &s.Store); err != nil {
		return errors.Wrap(err, "init store settings")
	}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &s.Redis); err != nil {
		return errors.Wrap(err, "init redis settings")
	}
	cfg, err := s.config()
	if err != nil {
		return err
	}
	return serve(ctx, cfg)
}

func (s *ServeSettings) config() (*config.Config, error) {
	cfg, err := s.Store.loadConfig(&s.Redis)
	if err != nil {
		return nil, err
	}
	if s.Addr != "" {
		cfg.HTTP.Addr = s.Addr
	}
	if s.ReleaseSessionOnClose {
		cfg.Recorder.ReleaseSessionOnClose = true
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	store, err := cfg.OpenStore()
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("store close error")
		}
	}()

	if cfg.Redis.Enabled {
		log.Info().Str("addr", cfg.Redis.Addr).Str("group", cfg.Redis.Group).Str("consumer", cfg.Redis.Consumer).Msg("Initializing Redis transport")
	}
	transport, err := redisstream.BuildTransport(cfg.Redis)
	if err != nil {
		return errors.Wrap(err, "build transport")
	}
	b, err := bus.New(transport)
	if err != nil {
		_ = transport.Close()
		return err
	}
	coord, err := coordinator.New(store, coordinator.BusNotifier{Bus: b}, cfg.CoordinatorOptions())
	if err != nil {
		return err
	}
	srv, err := server.New(b, coord, cfg.ServerOptions())
	if err != nil {
		return err
	}
	log.Info().
		Str("store", cfg.Store.Backend).
		Bool("redis_bus", cfg.Redis.Enabled).
		Msg("tabtrail coordinator ready")
	return srv.Run(ctx)
}
