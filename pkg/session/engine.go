package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/idempotency"
	"classroom_clicker/pkg/vote"
)

// Recorder receives applied votes and lifecycle changes. Calls happen while
// the engine lock is held, so implementations must not block.
type Recorder interface {
	RecordVote(rec vote.VoteRecord, isUpdate bool)
	RecordLifecycle(lifecycle Lifecycle, at time.Time)
}

// HealthReporter exposes the current source connection state
type HealthReporter interface {
	Health() broadcast.ConnectionHealth
}

// Registrar auto-registers participants seen on the network path. It returns
// the roster event to broadcast when the roster changed.
type Registrar interface {
	Register(participantID, displayName string) (broadcast.Message, bool)
}

// Observer is notified of every gate decision
type Observer interface {
	VoteProcessed(kind vote.SourceKind, outcome Outcome)
	VoteRejected(kind vote.SourceKind, reason string)
	SubmissionReplayed()
}

// Submission is a one-shot network vote
type Submission struct {
	ParticipantID string
	AnswerKey     string
	DisplayName   string
	Token         string
}

// SubmitResult reports how a submission was handled
type SubmitResult struct {
	Outcome  Outcome
	Replayed bool
	Record   vote.VoteRecord
}

// Stats tracks engine counters
type Stats struct {
	Applied  int64
	Echoed   int64
	Dropped  int64
	Rejected int64
	Replayed int64
}

// Engine owns lifecycle, tally and the idempotency decisions. A single mutex
// serializes every mutation and every publish, so all subscribers observe
// events in the order they were applied.
type Engine struct {
	logger     *zap.Logger
	hub        *broadcast.Hub
	window     *idempotency.Window
	normalizer *vote.Normalizer

	health    HealthReporter
	recorder  Recorder
	registrar Registrar
	observer  Observer

	mu         sync.Mutex
	lifecycle  Lifecycle
	tally      map[string]string
	lastVoteAt *time.Time
	note       string
	stats      Stats
}

// NewEngine creates a stopped engine with an empty tally
func NewEngine(logger *zap.Logger, hub *broadcast.Hub, window *idempotency.Window, normalizer *vote.Normalizer) *Engine {
	return &Engine{
		logger:     logger,
		hub:        hub,
		window:     window,
		normalizer: normalizer,
		lifecycle:  Stopped,
		tally:      make(map[string]string),
	}
}

// WithHealth attaches the source connection reporter
func (e *Engine) WithHealth(h HealthReporter) *Engine {
	e.health = h
	return e
}

// WithRecorder attaches an audit recorder
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	return e
}

// WithRegistrar attaches the participant roster
func (e *Engine) WithRegistrar(r Registrar) *Engine {
	e.registrar = r
	return e
}

// WithObserver attaches a metrics observer
func (e *Engine) WithObserver(o Observer) *Engine {
	e.observer = o
	return e
}

// Accept normalizes a raw source event and passes it through the gate.
// Malformed events are dropped and only logged at debug level.
func (e *Engine) Accept(raw vote.Raw) Outcome {
	rec, err := e.normalizer.Normalize(raw)
	if err != nil {
		e.reject(raw.Source, err)
		return OutcomeRejected
	}
	return e.Ingest(rec)
}

// Ingest passes a validated record through the lifecycle gate
func (e *Engine) Ingest(rec vote.VoteRecord) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ingestLocked(rec)
}

// Submit handles a network submission. Tokens already applied are
// acknowledged as replayed without touching the tally or broadcasting.
func (e *Engine) Submit(sub Submission) (SubmitResult, error) {
	rec, err := e.normalizer.Normalize(vote.Raw{
		ParticipantID: sub.ParticipantID,
		Key:           sub.AnswerKey,
		Source:        vote.SourceNetwork,
	})
	if err != nil {
		e.reject(vote.SourceNetwork, err)
		return SubmitResult{Outcome: OutcomeRejected}, fmt.Errorf("invalid submission: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lifecycle.Accepting() {
		e.stats.Dropped++
		e.observe(vote.SourceNetwork, OutcomeDropped)
		return SubmitResult{Outcome: OutcomeDropped, Record: rec},
			fmt.Errorf("%w: session is %s", ErrNotAccepting, e.lifecycle)
	}

	if e.window.Seen(sub.Token) {
		e.stats.Replayed++
		if e.observer != nil {
			e.observer.SubmissionReplayed()
		}
		e.logger.Debug("Submission replayed",
			zap.String("participant", rec.ParticipantID),
			zap.String("token", sub.Token))
		return SubmitResult{Outcome: OutcomeApplied, Replayed: true, Record: rec}, nil
	}

	if e.registrar != nil {
		if msg, changed := e.registrar.Register(rec.ParticipantID, sub.DisplayName); changed {
			e.hub.Publish(msg)
		}
	}

	outcome := e.ingestLocked(rec)
	if outcome == OutcomeApplied {
		e.window.Remember(sub.Token)
	}
	return SubmitResult{Outcome: outcome, Record: rec}, nil
}

func (e *Engine) ingestLocked(rec vote.VoteRecord) Outcome {
	var outcome Outcome

	switch e.lifecycle {
	case Running:
		prev, seen := e.tally[rec.ParticipantID]
		isUpdate := seen && prev != rec.AnswerKey
		e.tally[rec.ParticipantID] = rec.AnswerKey
		at := rec.Timestamp
		e.lastVoteAt = &at
		e.stats.Applied++

		e.hub.Publish(broadcast.NewMessage(broadcast.VoteMessage, votePayload(rec, isUpdate)))
		e.hub.Publish(broadcast.NewMessage(broadcast.StatusMessage, e.statusLocked()))
		if e.recorder != nil {
			e.recorder.RecordVote(rec, isUpdate)
		}
		outcome = OutcomeApplied

	case Testing:
		e.stats.Echoed++
		e.hub.Publish(broadcast.NewMessage(broadcast.VoteMessage, votePayload(rec, false)))
		outcome = OutcomeEchoed

	default:
		e.stats.Dropped++
		outcome = OutcomeDropped
	}

	e.observe(rec.SourceKind, outcome)
	return outcome
}

// Control applies a control surface action and returns the new lifecycle
func (e *Engine) Control(action Action) (Lifecycle, error) {
	switch action {
	case ActionStart, ActionPause, ActionReset, ActionTest:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLifecycle, action)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.lifecycle
	e.lifecycle = action.Target()
	if action == ActionReset {
		e.tally = make(map[string]string)
		e.lastVoteAt = nil
	}

	now := time.Now()
	e.hub.Publish(broadcast.NewMessage(broadcast.StatusMessage, e.statusLocked()))
	if e.recorder != nil {
		e.recorder.RecordLifecycle(e.lifecycle, now)
	}

	e.logger.Info("Session lifecycle changed",
		zap.String("from", string(from)),
		zap.String("to", string(e.lifecycle)))
	return e.lifecycle, nil
}

// Start moves the session to Running
func (e *Engine) Start() { e.Control(ActionStart) }

// Pause moves the session to Paused
func (e *Engine) Pause() { e.Control(ActionPause) }

// Reset stops the session and clears the tally
func (e *Engine) Reset() { e.Control(ActionReset) }

// Test moves the session to Testing
func (e *Engine) Test() { e.Control(ActionTest) }

// Subscribe registers a viewer and queues the current status, the snapshot
// when the tally is non-empty, then extra, before any later event.
func (e *Engine) Subscribe(extra ...broadcast.Message) *broadcast.Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribeLocked(extra)
}

// SubscribeWith is Subscribe with the extra messages computed under the
// engine lock, so a concurrent Broadcast is either in them or delivered after.
func (e *Engine) SubscribeWith(extra func() []broadcast.Message) *broadcast.Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribeLocked(extra())
}

func (e *Engine) subscribeLocked(extra []broadcast.Message) *broadcast.Subscriber {
	initial := []broadcast.Message{broadcast.NewMessage(broadcast.StatusMessage, e.statusLocked())}
	if len(e.tally) > 0 {
		initial = append(initial, broadcast.NewMessage(broadcast.SnapshotMessage, e.snapshotLocked()))
	}
	initial = append(initial, extra...)
	return e.hub.Subscribe(initial...)
}

// Unsubscribe removes a viewer
func (e *Engine) Unsubscribe(sub *broadcast.Subscriber) {
	e.hub.Unsubscribe(sub)
}

// Subscribers returns the number of connected viewers
func (e *Engine) Subscribers() int {
	return e.hub.Count()
}

// Broadcast publishes msg in sequence with vote and status events
func (e *Engine) Broadcast(msg broadcast.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hub.Publish(msg)
}

// BroadcastWith runs build under the engine lock and publishes its message.
// Nothing is published when build fails.
func (e *Engine) BroadcastWith(build func() (broadcast.Message, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg, err := build()
	if err != nil {
		return err
	}
	e.hub.Publish(msg)
	return nil
}

// Notify sets the status note and republishes status
func (e *Engine) Notify(note string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.note = note
	e.hub.Publish(broadcast.NewMessage(broadcast.StatusMessage, e.statusLocked()))
}

// PublishStatus republishes the current status
func (e *Engine) PublishStatus() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hub.Publish(broadcast.NewMessage(broadcast.StatusMessage, e.statusLocked()))
}

// Status returns the current aggregate status
func (e *Engine) Status() broadcast.StatusPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// Lifecycle returns the current lifecycle
func (e *Engine) Lifecycle() Lifecycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle
}

// Snapshot returns every participant's current answer ordered by participant
func (e *Engine) Snapshot() []broadcast.SnapshotEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Tally returns a copy of the participant to answer mapping
func (e *Engine) Tally() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]string, len(e.tally))
	for id, key := range e.tally {
		out[id] = key
	}
	return out
}

// Stats returns a copy of the engine counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) statusLocked() broadcast.StatusPayload {
	status := broadcast.StatusPayload{
		Lifecycle: string(e.lifecycle),
		VoteCount: len(e.tally),
		Note:      e.note,
	}
	if e.lastVoteAt != nil {
		at := *e.lastVoteAt
		status.LastVoteAt = &at
	}
	if e.health != nil {
		status.ConnectionHealth = e.health.Health()
	}
	return status
}

func (e *Engine) snapshotLocked() []broadcast.SnapshotEntry {
	entries := make([]broadcast.SnapshotEntry, 0, len(e.tally))
	for id, key := range e.tally {
		entries = append(entries, broadcast.SnapshotEntry{ParticipantID: id, AnswerKey: key})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	return entries
}

func (e *Engine) reject(kind vote.SourceKind, err error) {
	reason := vote.RejectReason(err)

	e.mu.Lock()
	e.stats.Rejected++
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.VoteRejected(kind, reason)
	}
	e.logger.Debug("Vote rejected",
		zap.String("source", string(kind)),
		zap.String("reason", reason),
		zap.Error(err))
}

func (e *Engine) observe(kind vote.SourceKind, outcome Outcome) {
	if e.observer != nil {
		e.observer.VoteProcessed(kind, outcome)
	}
}

func votePayload(rec vote.VoteRecord, isUpdate bool) broadcast.VotePayload {
	return broadcast.VotePayload{
		ParticipantID: rec.ParticipantID,
		AnswerKey:     rec.AnswerKey,
		Timestamp:     rec.Timestamp,
		SourceKind:    rec.SourceKind,
		IsUpdate:      isUpdate,
	}
}
