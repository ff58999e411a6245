package source

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"classroom_clicker/pkg/utils"
	"classroom_clicker/pkg/vote"
)

// SyntheticConfig drives the demo generator
type SyntheticConfig struct {
	Interval time.Duration
	PoolSize int
	IDPrefix string
	FirstID  int
	Alphabet string
	// Rand is used only by the generator goroutine. Nil seeds from the clock.
	Rand   *rand.Rand
	Logger *zap.Logger
}

// DefaultSyntheticConfig mirrors the classroom demo: 30 clickers, keys A to E
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Interval: 350 * time.Millisecond,
		PoolSize: 30,
		IDPrefix: "ID_",
		FirstID:  1000,
		Alphabet: vote.ClassicAlphabet,
	}
}

// Synthetic emits a pseudo-random vote on a fixed interval
type Synthetic struct {
	lifecycle
	cfg SyntheticConfig
}

// NewSynthetic creates a stopped generator
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	def := DefaultSyntheticConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.Alphabet == "" {
		cfg.Alphabet = def.Alphabet
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Synthetic{lifecycle: newLifecycle(vote.SourceSynthetic), cfg: cfg}
}

// Start begins ticking
func (s *Synthetic) Start(ctx context.Context, emit EmitFunc, _ ControlFunc) error {
	runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	utils.SafeGoWith(s.cfg.Logger, func() {
		s.tick(runCtx, emit)
		s.finish(nil)
	}, s.finish)
	return nil
}

func (s *Synthetic) tick(ctx context.Context, emit EmitFunc) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.isStopped() {
				return
			}
			emit(s.next())
		}
	}
}

func (s *Synthetic) next() vote.Raw {
	n := s.cfg.FirstID + s.cfg.Rand.Intn(s.cfg.PoolSize)
	keys := []rune(s.cfg.Alphabet)
	return vote.Raw{
		ParticipantID: fmt.Sprintf("%s%d", s.cfg.IDPrefix, n),
		Key:           string(keys[s.cfg.Rand.Intn(len(keys))]),
		Source:        vote.SourceSynthetic,
	}
}

// Stop cancels the generator and waits for it to exit. Extra calls are no-ops.
func (s *Synthetic) Stop() error {
	s.halt()
	<-s.Done()
	return nil
}

// Configure is not supported by the generator
func (s *Synthetic) Configure(context.Context, Command) error {
	return fmt.Errorf("synthetic source: %w", ErrUnsupportedCommand)
}
