package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/tabtrail/pkg/bus"
	"github.com/go-go-golems/tabtrail/pkg/coordinator"
)

// Options configures a Server. ObserverIdleTimeout drops the pool of a tab
// once it had no connection for that long (zero keeps pools forever).
// WriteTimeout bounds every websocket write. SubscriberGroup prefixes the
// consumer groups of the hub subscriptions.
type Options struct {
	Addr                string
	ShutdownTimeout     time.Duration
	WriteTimeout        time.Duration
	ObserverIdleTimeout time.Duration
	SubscriberGroup     string
	Upgrader            websocket.Upgrader
}

// Server drives the coordinator bus, the websocket hub and the HTTP server.
type Server struct {
	opts    Options
	bus     *bus.Bus
	coord   *coordinator.Coordinator
	hub     *Hub
	handler http.Handler
	httpSrv *http.Server
}

// New wires coord as the bus handler and builds the HTTP surface.
func New(b *bus.Bus, coord *coordinator.Coordinator, opts Options) (*Server, error) {
	if b == nil {
		return nil, errors.New("server: bus is nil")
	}
	if coord == nil {
		return nil, errors.New("server: coordinator is nil")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SubscriberGroup == "" {
		opts.SubscriberGroup = "tabtrail-hub"
	}
	if opts.Upgrader.CheckOrigin == nil {
		// peers are browser extension pages with chrome-extension:// origins
		opts.Upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	b.OnMessage(coord.Handle)
	s := &Server{
		opts:  opts,
		bus:   b,
		coord: coord,
		hub:   NewHub(b, opts.WriteTimeout, opts.ObserverIdleTimeout),
	}
	s.handler = s.routes()
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }
func (s *Server) Hub() *Hub           { return s.hub }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/ws/observer", s.handleObserverWS)
	r.Get("/ws/control", s.handleControlWS)
	a := &api{coord: s.coord}
	r.Route("/api", a.routes)
	return r
}

func (s *Server) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tabID, err := strconv.Atoi(q.Get("tab"))
	if err != nil || tabID <= 0 {
		http.Error(w, "missing or invalid tab", http.StatusBadRequest)
		return
	}
	conn, err := s.opts.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.AttachObserver(r.Context(), conn, bus.Sender{
		Origin:     bus.EndpointObserver,
		TabID:      tabID,
		URL:        q.Get("url"),
		FavIconURL: q.Get("favIconUrl"),
	})
}

func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.opts.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.AttachControl(r.Context(), conn)
}

// Start runs the bus and the hub fan-out without serving HTTP. It returns
// once both are ready; they stop when ctx is done.
func (s *Server) Start(ctx context.Context, eg *errgroup.Group) error {
	eg.Go(func() error { return s.bus.Run(ctx) })
	select {
	case <-s.bus.Running():
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.hub.Start(ctx, s.opts.SubscriberGroup)
}

// Run serves until ctx is cancelled or the process receives SIGINT/SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	eg, egCtx := errgroup.WithContext(srvCtx)

	if err := s.Start(egCtx, eg); err != nil {
		srvCancel()
		_ = eg.Wait()
		return err
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-egCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		s.hub.Close()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if err := s.bus.Close(); err != nil {
			log.Error().Err(err).Msg("bus close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting tabtrail server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
