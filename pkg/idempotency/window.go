package idempotency

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of tokens remembered before eviction starts
const DefaultCapacity = 2000

// Window is a bounded set of recently applied submission tokens.
//
// Tokens are only ever inserted once and membership checks never touch
// recency, so the underlying LRU evicts in insertion order (FIFO).
type Window struct {
	tokens *lru.Cache[string, struct{}]

	mu        sync.Mutex
	evictions int64
}

// NewWindow creates an empty window holding at most capacity tokens
func NewWindow(capacity int) (*Window, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}

	w := &Window{}
	cache, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		w.mu.Lock()
		w.evictions++
		w.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("creating token cache: %w", err)
	}
	w.tokens = cache
	return w, nil
}

// Seen reports whether token was already applied. Blank tokens are never seen.
func (w *Window) Seen(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	return w.tokens.Contains(token)
}

// Remember records token as applied. Re-remembering a token is a no-op
// so it keeps its original eviction position.
func (w *Window) Remember(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	if w.tokens.Contains(token) {
		return
	}
	w.tokens.Add(token, struct{}{})
}

// Len returns the number of tokens currently held
func (w *Window) Len() int {
	return w.tokens.Len()
}

// Evictions returns how many tokens have been forgotten due to capacity
func (w *Window) Evictions() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evictions
}
