package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/utils"
	"classroom_clicker/pkg/vote"
)

// Connection states reported in health
const (
	StateIdle         = "idle"
	StateProbing      = "probing"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
)

// ManagerConfig holds source preference and retry settings
type ManagerConfig struct {
	// Preferred is probed in order on every attempt
	Preferred      []Factory
	Synthetic      Factory
	AllowFallback  bool
	ForceSynthetic bool
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// ManagerStats tracks connection counters
type ManagerStats struct {
	Connects   int64
	Failures   int64
	Reconnects int64
}

// Manager owns the active vote source. It probes sources in preference
// order, retries with a capped linear backoff and runs a synthetic
// fallback while hardware is unavailable.
type Manager struct {
	cfg     ManagerConfig
	logger  *zap.Logger
	sink    EmitFunc
	control ControlFunc

	// mu guards which source feeds the pipeline. Emission holds the read
	// lock, handover holds the write lock.
	mu       sync.RWMutex
	active   VoteSource
	fallback VoteSource
	feeder   VoteSource
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	kick chan struct{}

	healthMu  sync.Mutex
	health    atomic.Pointer[broadcast.ConnectionHealth]
	listeners []func(broadcast.ConnectionHealth)

	connects   atomic.Int64
	failures   atomic.Int64
	reconnects atomic.Int64
}

// NewManager creates a stopped manager forwarding votes to sink and
// hardware side channel frames to control.
func NewManager(cfg ManagerConfig, logger *zap.Logger, sink EmitFunc, control ControlFunc) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.ForceSynthetic {
		cfg.Preferred = []Factory{cfg.Synthetic}
		cfg.AllowFallback = false
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		sink:    sink,
		control: control,
		kick:    make(chan struct{}, 1),
	}
	m.health.Store(&broadcast.ConnectionHealth{State: StateIdle})
	return m
}

// OnHealthChange registers fn to receive every health transition. Must be
// called before Start. fn runs without any manager lock held.
func (m *Manager) OnHealthChange(fn func(broadcast.ConnectionHealth)) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Health returns the current connection state without locking
func (m *Manager) Health() broadcast.ConnectionHealth {
	return *m.health.Load()
}

// Stats returns connection counters
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Connects:   m.connects.Load(),
		Failures:   m.failures.Load(),
		Reconnects: m.reconnects.Load(),
	}
}

// Start launches the supervisor loop
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrManagerRunning
	}
	if len(m.cfg.Preferred) == 0 {
		return errors.New("no vote sources configured")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.ctx)
	}()

	m.logger.Info("Source manager started",
		zap.Int("preferred", len(m.cfg.Preferred)),
		zap.Bool("fallback", m.cfg.AllowFallback),
		zap.Bool("forceSynthetic", m.cfg.ForceSynthetic))
	return nil
}

// Stop cancels the supervisor and tears down every running source
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	active, fallback := m.active, m.fallback
	m.active, m.fallback, m.feeder = nil, nil, nil
	m.mu.Unlock()

	if active != nil {
		active.Stop()
	}
	if fallback != nil {
		fallback.Stop()
	}

	m.updateHealth(func(h *broadcast.ConnectionHealth) {
		*h = broadcast.ConnectionHealth{State: StateIdle}
	})
	m.logger.Info("Source manager stopped")
	return nil
}

// Kick cancels a pending backoff wait so the next probe happens now
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// drainKick discards a kick that arrived while a probe was already running
func (m *Manager) drainKick() {
	select {
	case <-m.kick:
	default:
	}
}

// Configure forwards cmd to the connected hardware source
func (m *Manager) Configure(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	src := m.active
	m.mu.RUnlock()

	if src == nil || !src.Kind().IsHardware() {
		return ErrNotConnected
	}
	return src.Configure(ctx, cmd)
}

func (m *Manager) run(ctx context.Context) {
	attempt := 0
	m.updateHealth(func(h *broadcast.ConnectionHealth) {
		h.State = StateProbing
	})

	for {
		src, err := m.probe(ctx)
		m.drainKick()
		if ctx.Err() != nil {
			if src != nil {
				src.Stop()
			}
			return
		}

		if err == nil {
			attempt = 0
			m.handover(src)

			select {
			case <-ctx.Done():
				return
			case <-src.Done():
			}

			err = src.Err()
			if err == nil {
				err = errors.New("source closed")
			}
			m.mu.Lock()
			if m.active == src {
				m.active = nil
			}
			if m.feeder == src {
				m.feeder = nil
			}
			m.mu.Unlock()
			src.Stop()

			m.reconnects.Add(1)
			m.logger.Warn("Vote source closed",
				zap.String("kind", string(src.Kind())),
				zap.Error(err))
		}

		attempt++
		m.failures.Add(1)
		m.updateHealth(func(h *broadcast.ConnectionHealth) {
			h.State = StateReconnecting
			h.Connected = false
			h.Attempt = attempt
			h.LastError = err.Error()
			h.Channel = ""
		})

		m.ensureFallback(ctx)

		delay := utils.ReconnectDelay(attempt, m.cfg.BackoffBase, m.cfg.BackoffMax)
		if !m.wait(ctx, delay) {
			return
		}
	}
}

// probe tries each preferred source in order and returns the first that opens
func (m *Manager) probe(ctx context.Context) (VoteSource, error) {
	var errs []error
	for _, f := range m.cfg.Preferred {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		src := f.New()
		if err := src.Start(ctx, m.emitter(src), m.controller(src)); err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				m.logger.Debug("Source not available", zap.String("kind", string(f.Kind)), zap.Error(err))
			} else {
				m.logger.Warn("Source failed to open", zap.String("kind", string(f.Kind)), zap.Error(err))
			}
			errs = append(errs, fmt.Errorf("%s: %w", f.Kind, err))
			continue
		}
		return src, nil
	}
	return nil, errors.Join(errs...)
}

// handover makes src the feeder. Once the write lock is released no vote
// from the previous feeder can reach the sink.
func (m *Manager) handover(src VoteSource) {
	m.mu.Lock()
	m.active = src
	m.feeder = src
	fallback := m.fallback
	m.fallback = nil
	m.mu.Unlock()

	if fallback != nil {
		fallback.Stop()
		m.logger.Info("Synthetic fallback stopped", zap.String("replacedBy", string(src.Kind())))
	}

	m.connects.Add(1)
	m.updateHealth(func(h *broadcast.ConnectionHealth) {
		h.State = StateConnected
		h.ActiveKind = src.Kind()
		h.Connected = true
		h.Attempt = 0
		h.LastError = ""
		h.Fallback = false
	})
	m.logger.Info("Vote source connected", zap.String("kind", string(src.Kind())))
}

// ensureFallback starts the synthetic source when permitted and not running
func (m *Manager) ensureFallback(ctx context.Context) {
	if !m.cfg.AllowFallback || m.cfg.Synthetic.New == nil {
		return
	}

	m.mu.RLock()
	running := m.fallback != nil
	m.mu.RUnlock()
	if running {
		return
	}

	fb := m.cfg.Synthetic.New()
	if err := fb.Start(ctx, m.emitter(fb), nil); err != nil {
		m.logger.Warn("Synthetic fallback failed to start", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.fallback = fb
	if m.feeder == nil {
		m.feeder = fb
	}
	m.mu.Unlock()

	m.updateHealth(func(h *broadcast.ConnectionHealth) {
		h.ActiveKind = fb.Kind()
		h.Fallback = true
	})
	m.logger.Info("Synthetic fallback started")
}

// wait sleeps for delay unless cancelled or kicked. It reports false on cancel.
func (m *Manager) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-m.kick:
		m.logger.Debug("Reconnect wait cancelled by kick")
		return true
	case <-timer.C:
		return true
	}
}

func (m *Manager) emitter(src VoteSource) EmitFunc {
	return func(raw vote.Raw) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if m.feeder != src {
			return
		}
		m.sink(raw)
	}
}

func (m *Manager) controller(src VoteSource) ControlFunc {
	return func(payload broadcast.HardwarePayload) {
		m.mu.RLock()
		current := m.active == src
		m.mu.RUnlock()
		if !current {
			return
		}

		if payload.Kind == "channel_ack" && payload.Channel != "" {
			m.updateHealth(func(h *broadcast.ConnectionHealth) {
				h.Channel = payload.Channel
			})
		}
		if m.control != nil {
			m.control(payload)
		}
	}
}

// updateHealth applies fn to a copy of the health and notifies listeners
// after every lock is released.
func (m *Manager) updateHealth(fn func(*broadcast.ConnectionHealth)) {
	m.healthMu.Lock()
	next := *m.health.Load()
	fn(&next)
	m.health.Store(&next)
	listeners := m.listeners
	m.healthMu.Unlock()

	for _, l := range listeners {
		l(next)
	}
}
