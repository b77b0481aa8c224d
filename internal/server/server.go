// Package server wires the lobby, its persistence and the WebSocket
// transport behind one HTTP listener.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/gamelobby/internal/config"
	"github.com/christopherjohns/gamelobby/internal/lobby"
	"github.com/christopherjohns/gamelobby/internal/protocol"
	"github.com/christopherjohns/gamelobby/internal/ratelimit"
	"github.com/christopherjohns/gamelobby/internal/session"
	"github.com/christopherjohns/gamelobby/internal/storage"
	"github.com/christopherjohns/gamelobby/internal/ws"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithRedis persists lobby state to Redis instead of process memory.
func WithRedis(client redis.Cmdable) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// Server is the lobby's HTTP and WebSocket front end.
type Server struct {
	cfg       config.Config
	mux       *http.ServeMux
	redis     redis.Cmdable
	backend   string
	startedAt time.Time

	lobby    *lobby.Store
	sessions *session.Registry
	conns    *ws.ConnManager
	hub      *ws.Hub
	handler  *ws.Handler
	persist  *storage.AsyncStore
	limiter  *ratelimit.IPLimiter
}

// New builds a Server from cfg. The configuration is expected to have been
// validated; New only fails on settings it cannot interpret.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	scope, err := ws.ParseScope(cfg.FanoutScope)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var backing storage.Store
	if s.redis != nil {
		backing = storage.NewRedisStore(s.redis, cfg.ChatRetention)
		s.backend = "redis"
	} else {
		backing = storage.NewMemoryStore(cfg.ChatRetention)
		s.backend = "memory"
	}
	s.persist = storage.NewAsyncStore(backing, cfg.PersistQueueSize)

	s.lobby = lobby.New(
		lobby.WithPersistence(s.persist),
		lobby.WithMaxPlayers(cfg.MaxPlayers),
	)
	s.sessions = session.NewRegistry()
	s.conns = ws.NewConnManager(
		ws.WithMaxConns(cfg.MaxConns),
		ws.WithIdleTimeout(cfg.IdleTimeout()),
	)
	s.hub = ws.NewHub(s.lobby, s.sessions, s.conns, scope)
	s.lobby.Subscribe(s.hub)

	dispatcher := protocol.NewDispatcher(s.lobby, s.sessions,
		protocol.WithHistoryLimit(cfg.ChatHistoryLimit))

	var handlerOpts []ws.HandlerOption
	if cfg.ConnRateLimit > 0 {
		s.limiter = ratelimit.NewIPLimiter(cfg.ConnRateLimit, cfg.ConnRateWindow())
		handlerOpts = append(handlerOpts, ws.WithLimiter(s.limiter))
	}
	s.handler = ws.NewHandler(dispatcher, s.conns, handlerOpts...)

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("GET /api/connections", s.handleListConnections)
	s.mux.Handle("GET /ws", s.handler)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return eris.Wrapf(err, "listen on %s", s.cfg.ListenAddr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down:
// the listener stops, every WebSocket is closed with StatusGoingAway, their
// sessions are cleaned up and queued persistence writes are flushed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	if s.limiter != nil {
		go s.pruneLimiter(ctx)
	}
	log.Info().Str("module", "server").Str("addr", ln.Addr().String()).
		Str("storage", s.backend).Msg("lobby server listening")

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = eris.Wrap(err, "serve")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("module", "server").Msg("http shutdown incomplete")
	}
	s.conns.Shutdown()

	drained := make(chan struct{})
	go func() {
		s.handler.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn().Str("module", "server").Msg("timed out waiting for connections to clean up")
	}

	s.persist.Close()
	log.Info().Str("module", "server").
		Int64("dropped_writes", s.persist.Dropped()).
		Int64("failed_writes", s.persist.Failed()).
		Msg("lobby server stopped")
	return serveErr
}

func (s *Server) pruneLimiter(ctx context.Context) {
	ticker := time.NewTicker(s.limiter.Window())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Prune(); n > 0 {
				log.Debug().Str("module", "server").Int("addresses", n).Msg("pruned rate limiter")
			}
		}
	}
}

// PersistStats reports the health of the persistence queue.
type PersistStats struct {
	Backend string `json:"backend"`
	Dropped int64  `json:"dropped"`
	Failed  int64  `json:"failed"`
}

// Stats is the body of GET /api/stats.
type Stats struct {
	Rooms         int          `json:"rooms"`
	Users         int          `json:"users"`
	Sessions      int          `json:"sessions"`
	Connections   ws.ConnStats `json:"connections"`
	Fanout        ws.HubStats  `json:"fanout"`
	Persistence   PersistStats `json:"persistence"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
}

// Stats returns a point-in-time snapshot of the server's counters.
func (s *Server) Stats() Stats {
	rooms, users := s.lobby.Counts()
	return Stats{
		Rooms:       rooms,
		Users:       users,
		Sessions:    s.sessions.Count(),
		Connections: s.conns.Stats(),
		Fanout:      s.hub.Stats(),
		Persistence: PersistStats{
			Backend: s.backend,
			Dropped: s.persist.Dropped(),
			Failed:  s.persist.Failed(),
		},
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Stats())
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.lobby.ListRooms())
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.conns.Clients())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("module", "server").Msg("failed to write response")
	}
}
