package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/sequoia/pkg/config"
	"github.com/cuemby/sequoia/pkg/events"
	"github.com/cuemby/sequoia/pkg/guild"
	"github.com/cuemby/sequoia/pkg/history"
	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/state"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const DefaultKeepalive = 15 * time.Second

// Config wires the server to the rest of the process. History and Guilds
// are optional; the routes that need them answer 503 when they are nil.
type Config struct {
	Live      *state.Store
	Broker    *events.Broker
	History   *history.Service
	Guilds    *guild.Directory
	Mode      config.HandoffMode
	Keepalive time.Duration

	// Extra supplies resources and connections for the territories listing;
	// nil leaves them out.
	Extra ExtraLookup
}

// ExtraLookup finds static map data for a territory
type ExtraLookup interface {
	Lookup(territory string) (types.TerritoryExtra, bool)
	Version() uint64
}

// Server is the public HTTP surface
type Server struct {
	cfg    Config
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the server and registers every route
func NewServer(cfg Config) *Server {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.Mode == "" {
		cfg.Mode = config.HandoffSequenced
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: log.WithComponent("api"),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/healthz", metrics.LivenessHandler())
	s.router.Get("/ready", metrics.ReadyHandler())
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/live/state", s.handleLiveState)
		r.Get("/territories", s.handleTerritories)
		r.Get("/events", s.handleEvents)

		r.Route("/history", func(r chi.Router) {
			r.Use(s.requireHistory)
			r.Get("/events", s.handleHistoryEvents)
			r.Get("/bounds", s.handleHistoryBounds)
			r.Get("/at", s.handleHistoryAt)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireGuilds)
			r.Get("/guild/{name}", s.handleGuild)
			r.Get("/guilds/online", s.handleGuildsOnline)
		})
	})

	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and blocks until the server stops. It returns nil
// after a clean Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: event streams stay open indefinitely.
	}

	s.logger.Info().Str("addr", addr).Str("handoff_mode", string(s.cfg.Mode)).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}

func (s *Server) requireHistory(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.History == nil {
			writeError(w, http.StatusServiceUnavailable, "history is not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireGuilds(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Guilds == nil {
			writeError(w, http.StatusServiceUnavailable, "guild lookups are not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}
