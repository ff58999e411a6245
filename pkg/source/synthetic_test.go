package source

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom_clicker/pkg/utils"
	"classroom_clicker/pkg/vote"
)

func TestSynthetic(t *testing.T) {
	t.Run("EmitsFromPool", func(t *testing.T) {
		s := NewSynthetic(SyntheticConfig{
			Interval: 2 * time.Millisecond,
			PoolSize: 3,
			IDPrefix: "ID_",
			FirstID:  1000,
			Alphabet: "AB",
			Rand:     rand.New(rand.NewSource(42)),
		})
		c := &collector{}
		require.NoError(t, s.Start(context.Background(), c.emit, nil))

		assert.Eventually(t, func() bool { return len(c.Votes()) >= 20 }, time.Second, 2*time.Millisecond)
		require.NoError(t, s.Stop())

		allowed := map[string]bool{"ID_1000": true, "ID_1001": true, "ID_1002": true}
		for _, v := range c.Votes() {
			assert.True(t, allowed[v.ParticipantID], v.ParticipantID)
			assert.True(t, strings.Contains("AB", v.Key), v.Key)
			assert.Equal(t, vote.SourceSynthetic, v.Source)
		}
	})

	t.Run("StopIsImmediateAndIdempotent", func(t *testing.T) {
		s := NewSynthetic(SyntheticConfig{Interval: time.Millisecond})
		c := &collector{}
		require.NoError(t, s.Start(context.Background(), c.emit, nil))
		assert.Eventually(t, func() bool { return len(c.Votes()) > 0 }, time.Second, time.Millisecond)

		require.NoError(t, s.Stop())
		count := len(c.Votes())
		require.NoError(t, s.Stop())

		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, count, len(c.Votes()), "no votes after Stop returns")
		assert.NoError(t, s.Err())
	})

	t.Run("StopBeforeStart", func(t *testing.T) {
		s := NewSynthetic(DefaultSyntheticConfig())
		require.NoError(t, s.Stop())
		assert.ErrorIs(t, s.Start(context.Background(), func(vote.Raw) {}, nil), ErrSourceStopped)
	})

	t.Run("ContextCancelEnds", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		s := NewSynthetic(SyntheticConfig{Interval: time.Millisecond})
		require.NoError(t, s.Start(ctx, func(vote.Raw) {}, nil))
		cancel()
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("generator did not stop")
		}
	})

	t.Run("PanicInEmitEndsWithError", func(t *testing.T) {
		s := NewSynthetic(SyntheticConfig{Interval: time.Millisecond})
		require.NoError(t, s.Start(context.Background(), func(vote.Raw) { panic("tally exploded") }, nil))
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("generator did not stop")
		}
		assert.ErrorIs(t, s.Err(), utils.ErrPanicked)
	})

	t.Run("ConfigureUnsupported", func(t *testing.T) {
		s := NewSynthetic(DefaultSyntheticConfig())
		assert.ErrorIs(t, s.Configure(context.Background(), Command{Kind: CommandScan}), ErrUnsupportedCommand)
	})

	t.Run("DefaultsMatchDemo", func(t *testing.T) {
		cfg := DefaultSyntheticConfig()
		assert.Equal(t, 350*time.Millisecond, cfg.Interval)
		assert.Equal(t, 30, cfg.PoolSize)
		assert.Equal(t, "ABCDE", cfg.Alphabet)
	})
}
