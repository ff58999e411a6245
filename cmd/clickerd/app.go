package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classroom_clicker/pkg/api"
	"classroom_clicker/pkg/archive"
	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/config"
	"classroom_clicker/pkg/idempotency"
	"classroom_clicker/pkg/metrics"
	"classroom_clicker/pkg/roster"
	"classroom_clicker/pkg/scheduler"
	"classroom_clicker/pkg/session"
	"classroom_clicker/pkg/source"
	"classroom_clicker/pkg/utils"
	"classroom_clicker/pkg/vote"
)

const archiveStartTimeout = 60 * time.Second

// App wires every component of the daemon
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	hub       *broadcast.Hub
	engine    *session.Engine
	roster    *roster.Store
	manager   *source.Manager
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler
	server    *api.Server

	archive *archive.Service
	relay   *archive.Relay
}

// newApp builds the component graph without starting anything
func newApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	window, err := idempotency.NewWindow(cfg.Idempotency.Capacity)
	if err != nil {
		return nil, fmt.Errorf("creating idempotency window: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		hub:     broadcast.NewHub(logger.Named("hub"), cfg.Session.SubscriberBuffer),
		roster:  roster.NewStore(logger.Named("roster")),
		metrics: metrics.New(),
	}

	// Receivers emit up to ten keys and phones may send any of them
	normalizer := vote.NewNormalizer(vote.ExtendedAlphabet)

	a.engine = session.NewEngine(logger.Named("session"), a.hub, window, normalizer).
		WithRegistrar(a.roster).
		WithObserver(a.metrics)

	a.manager = source.NewManager(managerConfig(cfg, logger), logger.Named("sources"),
		func(raw vote.Raw) { a.engine.Accept(raw) },
		func(p broadcast.HardwarePayload) {
			a.engine.Broadcast(broadcast.NewMessage(broadcast.HardwareMessage, p))
		})
	a.engine.WithHealth(a.manager)
	a.manager.OnHealthChange(func(h broadcast.ConnectionHealth) {
		note := ""
		if !h.Connected && h.LastError != "" {
			note = "hardware unavailable: " + h.LastError
		} else if h.Fallback {
			note = "synthetic votes while hardware reconnects"
		}
		a.engine.Notify(note)
	})

	if cfg.Archive.Enabled {
		a.archive = archive.NewService(cfg.Archive, logger)
	}

	a.scheduler = scheduler.NewScheduler(logger, 0, 0)
	if err := a.scheduler.ScheduleTask(scheduler.StatusHeartbeat(cfg.Session.StatusSchedule, a.engine)); err != nil {
		return nil, fmt.Errorf("scheduling status heartbeat: %w", err)
	}
	if !cfg.Sources.ForceSynthetic {
		if err := a.scheduler.ScheduleTask(scheduler.HardwareProbe(cfg.Sources.ProbeSchedule, a.manager)); err != nil {
			return nil, fmt.Errorf("scheduling hardware probe: %w", err)
		}
	}

	a.registerMetrics()
	a.server = api.NewServer(cfg.Server, logger, a.engine, a.manager, a.roster, a.metrics.Handler())
	if a.archive != nil {
		a.server.WithArchive(a.archive)
	}
	return a, nil
}

func managerConfig(cfg *config.Config, logger *zap.Logger) source.ManagerConfig {
	sc := cfg.Sources
	synthetic := source.Factory{
		Kind: vote.SourceSynthetic,
		New: func() source.VoteSource {
			return source.NewSynthetic(source.SyntheticConfig{
				Interval: sc.Synthetic.Interval,
				PoolSize: sc.Synthetic.PoolSize,
				IDPrefix: sc.Synthetic.IDPrefix,
				FirstID:  sc.Synthetic.FirstID,
				Alphabet: sc.Synthetic.Alphabet,
				Logger:   logger.Named("synthetic"),
			})
		},
	}

	var preferred []source.Factory
	if sc.Official.Enabled {
		preferred = append(preferred, source.Factory{
			Kind: vote.SourceOfficial,
			New: func() source.VoteSource {
				return source.NewOfficial(source.OfficialConfig{
					VendorID:    uint16(sc.Official.VendorID),
					ProductID:   uint16(sc.Official.ProductID),
					FrameLength: sc.Official.FrameLength,
				}, logger.Named("official"))
			},
		})
	}
	if sc.Transport.Enabled {
		preferred = append(preferred, source.Factory{
			Kind: vote.SourceTransport,
			New: func() source.VoteSource {
				return source.NewTransport(source.TransportConfig{
					Path:          sc.Transport.Path,
					Baud:          sc.Transport.Baud,
					MaxFrameBytes: sc.MaxFrameBytes,
				}, logger.Named("transport"))
			},
		})
	}

	return source.ManagerConfig{
		Preferred:      preferred,
		Synthetic:      synthetic,
		AllowFallback:  sc.AllowFallback,
		ForceSynthetic: sc.ForceSynthetic,
		BackoffBase:    sc.BackoffBase,
		BackoffMax:     sc.BackoffMax,
	}
}

func (a *App) registerMetrics() {
	a.metrics.GaugeFunc("subscribers", "Connected viewers.", func() float64 {
		return float64(a.hub.Count())
	})
	a.metrics.CounterFunc("subscribers_evicted_total", "Viewers evicted for falling behind.", func() float64 {
		return float64(a.hub.Stats().Evicted)
	})
	a.metrics.CounterFunc("source_reconnects_total", "Active source connections lost.", func() float64 {
		return float64(a.manager.Stats().Reconnects)
	})
	a.metrics.CounterFunc("source_failures_total", "Failed source probe rounds.", func() float64 {
		return float64(a.manager.Stats().Failures)
	})
	a.metrics.GaugeFunc("tally_size", "Participants in the current tally.", func() float64 {
		return float64(a.engine.Status().VoteCount)
	})
}

// startArchive connects the archive and attaches the relay as the engine's
// recorder. Archive failures degrade to running without one.
func (a *App) startArchive(ctx context.Context) {
	if a.archive == nil {
		return
	}
	startCtx, cancel := context.WithTimeout(ctx, archiveStartTimeout)
	defer cancel()

	if err := a.archive.Start(startCtx); err != nil {
		a.logger.Error("Archive unavailable, continuing without it", zap.Error(err))
		a.archive = nil
		return
	}

	ac := a.cfg.Archive
	a.relay = archive.NewRelay(a.archive.Store(), a.logger, ac.BatchSize, ac.FlushInterval, ac.QueueSize)
	a.engine.WithRecorder(a.relay)
	a.metrics.CounterFunc("archive_dropped_total", "Archive entries dropped on a full queue.", func() float64 {
		return float64(a.relay.Stats().Dropped)
	})
	a.metrics.CounterFunc("archive_failed_total", "Archive entries that failed to write.", func() float64 {
		return float64(a.relay.Stats().Failed)
	})
}

// Run starts every service and blocks until ctx is cancelled or one of
// them fails
func (a *App) Run(ctx context.Context) error {
	a.startArchive(ctx)

	if err := a.manager.Start(); err != nil {
		return fmt.Errorf("starting source manager: %w", err)
	}
	a.scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gctx)
		})
	}

	a.logger.Info("All services started",
		zap.Int("port", a.cfg.Server.Port),
		zap.Bool("archive", a.relay != nil),
		zap.Bool("forceSynthetic", a.cfg.Sources.ForceSynthetic))

	err := g.Wait()
	a.stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// stop tears services down in reverse order. The relay has already
// flushed by the time g.Wait returns.
func (a *App) stop() {
	var errs []error

	a.scheduler.Stop()
	if err := a.manager.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping source manager: %w", err))
	}
	a.hub.Close()
	if a.archive != nil {
		if err := a.archive.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping archive: %w", err))
		}
	}

	for _, err := range errs {
		a.logger.Error("Shutdown error", zap.Error(err))
	}
	a.logger.Info("All services stopped")
}

func newLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	return utils.NewLogger(&utils.LogConfig{
		Level:      cfg.GetLogLevel().String(),
		OutputPath: cfg.Log.OutputPath,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
		Console:    cfg.Log.Console,
		Debug:      debug || cfg.IsDevelopment(),
	})
}
