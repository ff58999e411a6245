package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/vote"
)

var (
	ErrNotConnected       = errors.New("no hardware source connected")
	ErrUnsupportedCommand = errors.New("command not supported by source")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrFrameTooLong       = errors.New("frame exceeds maximum length")
	ErrSourceStopped      = errors.New("source stopped")
	ErrManagerRunning     = errors.New("source manager already running")
	ErrInvalidChannel     = errors.New("invalid channel")
)

// EmitFunc receives raw vote events from a source
type EmitFunc func(raw vote.Raw)

// ControlFunc receives out-of-band hardware frames
type ControlFunc func(payload broadcast.HardwarePayload)

// CommandKind names a configuration command
type CommandKind string

const (
	CommandChannel CommandKind = "channel"
	CommandScan    CommandKind = "scan"
)

// Command is a configuration request forwarded to hardware
type Command struct {
	Kind    CommandKind
	Channel string
}

// Validate normalizes the channel and checks the command shape.
// Channels are two letters, each A through D.
func (c *Command) Validate() error {
	switch c.Kind {
	case CommandScan:
		return nil
	case CommandChannel:
		ch := strings.ToUpper(strings.TrimSpace(c.Channel))
		if len(ch) != 2 || !isChannelLetter(ch[0]) || !isChannelLetter(ch[1]) {
			return fmt.Errorf("%w: %q", ErrInvalidChannel, c.Channel)
		}
		c.Channel = ch
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCommand, c.Kind)
	}
}

func isChannelLetter(b byte) bool {
	return b >= 'A' && b <= 'D'
}

// VoteSource produces raw votes from one origin. Instances are single use:
// Start opens the underlying device and returns once reading has begun,
// Done is closed when reading ends for any reason.
type VoteSource interface {
	Kind() vote.SourceKind
	Start(ctx context.Context, emit EmitFunc, control ControlFunc) error
	Stop() error
	Done() <-chan struct{}
	Err() error
	Configure(ctx context.Context, cmd Command) error
}

// Factory builds a fresh source for each connection attempt
type Factory struct {
	Kind vote.SourceKind
	New  func() VoteSource
}

// lifecycle is the start/stop plumbing shared by every source
type lifecycle struct {
	kind vote.SourceKind

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

func newLifecycle(kind vote.SourceKind) lifecycle {
	return lifecycle{kind: kind, done: make(chan struct{})}
}

func (l *lifecycle) Kind() vote.SourceKind { return l.kind }

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// begin marks the source started and derives its run context
func (l *lifecycle) begin(ctx context.Context) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.stopped {
		return nil, fmt.Errorf("%s source: %w", l.kind, ErrSourceStopped)
	}
	l.started = true
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	return runCtx, nil
}

// finish records why reading ended and closes Done. Errors after a
// requested stop are not recorded.
func (l *lifecycle) finish(err error) {
	l.mu.Lock()
	if !l.stopped && l.err == nil {
		l.err = err
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	l.doneOnce.Do(func() { close(l.done) })
}

// halt requests a stop. It reports false if a stop was already requested.
func (l *lifecycle) halt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return false
	}
	l.stopped = true
	if l.cancel != nil {
		l.cancel()
	}
	if !l.started {
		l.doneOnce.Do(func() { close(l.done) })
	}
	return true
}

func (l *lifecycle) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
