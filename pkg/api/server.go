package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/config"
	"classroom_clicker/pkg/roster"
	"classroom_clicker/pkg/session"
	"classroom_clicker/pkg/source"
)

const shutdownTimeout = 10 * time.Second

// Sources is the part of the source manager the control surface drives
type Sources interface {
	Configure(ctx context.Context, cmd source.Command) error
	Kick()
	Health() broadcast.ConnectionHealth
}

// ArchiveHealth reports whether the vote archive is reachable
type ArchiveHealth interface {
	IsHealthy() bool
}

// Server exposes the control, submission and event surfaces
type Server struct {
	cfg     config.ServerConfig
	logger  *zap.Logger
	engine  *session.Engine
	sources Sources
	roster  *roster.Store
	metrics http.Handler
	archive ArchiveHealth

	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer creates the HTTP server. metrics may be nil.
func NewServer(cfg config.ServerConfig, logger *zap.Logger, engine *session.Engine,
	sources Sources, store *roster.Store, metrics http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger.Named("api"),
		engine:  engine,
		sources: sources,
		roster:  store,
		metrics: metrics,
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// WithArchive reports archive reachability on GET /health
func (s *Server) WithArchive(a ArchiveHealth) *Server {
	s.archive = a
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("POST /session/{action}", s.handleSession)

	mux.HandleFunc("POST /hardware/channel", s.handleChannel)
	mux.HandleFunc("POST /hardware/scan", s.handleScan)
	mux.HandleFunc("POST /hardware/reconnect", s.handleReconnect)

	mux.HandleFunc("POST /sync/participants", s.handleSyncParticipants)
	mux.HandleFunc("POST /sync/questions", s.handleSyncQuestions)

	mux.HandleFunc("POST /vote/mobile", s.handleMobileVote)

	return WithLogging(s.logger, CORS(s.cfg.AllowedOrigins, mux))
}

// Run serves on the configured port until ctx is cancelled, then shuts
// down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", s.cfg.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// writeError logs at a level matching the failure class and writes the
// JSON error body
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		s.logger.Error("Request failed", fields...)
	case status == http.StatusBadRequest:
		s.logger.Debug("Request rejected", fields...)
	default:
		s.logger.Info("Request refused", fields...)
	}
	ErrorResponse(w, status, messageFor(status), err.Error())
}
