package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	postgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"classroom_clicker/pkg/config"
	"classroom_clicker/pkg/utils"
)

const (
	embeddedUser     = "clicker"
	embeddedPassword = "clicker"
	embeddedDatabase = "clicker"
)

// Service owns the archive connection pool and, optionally, an embedded
// Postgres instance
type Service struct {
	config config.ArchiveConfig
	logger *zap.Logger

	embedded *postgres.EmbeddedPostgres
	pool     *pgxpool.Pool
	store    *Store

	mu        sync.RWMutex
	isRunning bool
}

func NewService(cfg config.ArchiveConfig, logger *zap.Logger) *Service {
	return &Service{config: cfg, logger: logger.Named("archive")}
}

// Start boots the embedded database when configured, connects the pool
// and applies the schema
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("archive service already running")
	}

	url := s.config.URL
	if s.config.Embedded {
		if err := s.startEmbedded(); err != nil {
			return err
		}
		url = embeddedURL(s.config.EmbeddedPort)
	}

	var pool *pgxpool.Pool
	err := utils.RetryWithBackoff(ctx, func() error {
		p, err := s.createPool(ctx, url)
		if err != nil {
			s.logger.Warn("Archive connection attempt failed", zap.Error(err))
			return err
		}
		pool = p
		return nil
	}, utils.DefaultRetryConfig())
	if err != nil {
		s.cleanup()
		return fmt.Errorf("connecting to archive: %w", err)
	}
	s.pool = pool

	if err := NewSchemaManager(pool).InitializeSchema(ctx); err != nil {
		s.cleanup()
		return fmt.Errorf("initializing schema: %w", err)
	}

	s.store = NewStore(pool)
	s.isRunning = true
	s.logger.Info("Archive service started",
		zap.Bool("embedded", s.config.Embedded),
		zap.Int("maxConns", s.config.MaxConns))
	return nil
}

// Stop closes the pool and the embedded database
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	err := s.cleanup()
	s.isRunning = false
	s.logger.Info("Archive service stopped")
	return err
}

// Store returns the writer, nil before Start
func (s *Service) Store() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// IsHealthy pings the pool
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

func (s *Service) startEmbedded() error {
	cfg := postgres.DefaultConfig().
		Username(embeddedUser).
		Password(embeddedPassword).
		Database(embeddedDatabase).
		Version(postgres.V16).
		Port(uint32(s.config.EmbeddedPort)).
		Logger(&zapio.Writer{Log: s.logger.Named("postgres"), Level: zap.DebugLevel})
	if s.config.EmbeddedPath != "" {
		cfg = cfg.RuntimePath(s.config.EmbeddedPath)
	}

	pg := postgres.NewDatabase(cfg)
	if err := pg.Start(); err != nil {
		return fmt.Errorf("starting embedded postgres: %w", err)
	}
	s.embedded = pg
	s.logger.Info("Embedded postgres started", zap.Int("port", s.config.EmbeddedPort))
	return nil
}

func (s *Service) createPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}
	if s.config.MaxConns > 0 {
		poolConfig.MaxConns = int32(s.config.MaxConns)
	}
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging connection pool: %w", err)
	}
	return pool, nil
}

func (s *Service) cleanup() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.store = nil
	if s.embedded != nil {
		err := s.embedded.Stop()
		s.embedded = nil
		if err != nil {
			return fmt.Errorf("stopping embedded postgres: %w", err)
		}
	}
	return nil
}

func embeddedURL(port int) string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		embeddedUser, embeddedPassword, port, embeddedDatabase)
}
