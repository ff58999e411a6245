package archive

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"classroom_clicker/pkg/session"
	"classroom_clicker/pkg/utils"
	"classroom_clicker/pkg/vote"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	DefaultQueueSize     = 4096

	flushTimeout = 10 * time.Second
)

type entry struct {
	vote      *VoteEntry
	lifecycle *LifecycleEntry
}

// RelayStats is a snapshot of relay counters
type RelayStats struct {
	Queued  int   `json:"queued"`
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// Relay buffers engine events and writes them to the archive in batches.
// Enqueueing never blocks: when the queue is full the entry is dropped
// and counted, so a slow database cannot stall ingestion.
type Relay struct {
	writer        Writer
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration
	retry         *utils.RetryConfig

	queue chan entry

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ session.Recorder = (*Relay)(nil)

// NewRelay creates a relay. Zero values fall back to the defaults.
func NewRelay(writer Writer, logger *zap.Logger, batchSize int, flushInterval time.Duration, queueSize int) *Relay {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Relay{
		writer:        writer,
		logger:        logger.Named("archive_relay"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retry:         utils.DefaultRetryConfig(),
		queue:         make(chan entry, queueSize),
	}
}

// WithRetry overrides the per-batch retry policy
func (r *Relay) WithRetry(cfg *utils.RetryConfig) *Relay {
	r.retry = cfg
	return r
}

// RecordVote implements session.Recorder
func (r *Relay) RecordVote(rec vote.VoteRecord, isUpdate bool) {
	r.enqueue(entry{vote: &VoteEntry{
		ParticipantID: rec.ParticipantID,
		AnswerKey:     rec.AnswerKey,
		SourceKind:    rec.SourceKind,
		IsUpdate:      isUpdate,
		AcceptedAt:    rec.Timestamp,
	}})
}

// RecordLifecycle implements session.Recorder
func (r *Relay) RecordLifecycle(lifecycle session.Lifecycle, at time.Time) {
	r.enqueue(entry{lifecycle: &LifecycleEntry{Lifecycle: string(lifecycle), ChangedAt: at}})
}

func (r *Relay) enqueue(e entry) {
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
	}
}

// Run drains the queue until ctx is cancelled. A batch is flushed when it
// reaches the batch size or when the flush interval elapses. Entries still
// queued at cancellation are flushed before Run returns.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, r.batchSize)
	for {
		select {
		case <-ctx.Done():
			batch = r.drain(batch)
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			r.flush(flushCtx, batch)
			cancel()
			return nil
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// RunOnce flushes whatever is queued right now and returns the number of
// entries written
func (r *Relay) RunOnce(ctx context.Context) int {
	batch := r.drain(nil)
	before := r.written.Load()
	r.flush(ctx, batch)
	return int(r.written.Load() - before)
}

func (r *Relay) drain(batch []entry) []entry {
	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// flush writes lifecycle changes before votes. A batch that still fails
// after retries is dropped and counted.
func (r *Relay) flush(ctx context.Context, batch []entry) {
	if len(batch) == 0 {
		return
	}

	var votes []VoteEntry
	var changes []LifecycleEntry
	for _, e := range batch {
		switch {
		case e.vote != nil:
			votes = append(votes, *e.vote)
		case e.lifecycle != nil:
			changes = append(changes, *e.lifecycle)
		}
	}

	if len(changes) > 0 {
		err := utils.RetryWithBackoff(ctx, func() error {
			return r.writer.WriteLifecycle(ctx, changes)
		}, r.retry)
		if err != nil {
			r.failed.Add(int64(len(changes)))
			r.logger.Error("Failed to archive lifecycle changes", zap.Int("count", len(changes)), zap.Error(err))
		} else {
			r.written.Add(int64(len(changes)))
		}
	}

	if len(votes) > 0 {
		err := utils.RetryWithBackoff(ctx, func() error {
			return r.writer.WriteVotes(ctx, votes)
		}, r.retry)
		if err != nil {
			r.failed.Add(int64(len(votes)))
			r.logger.Error("Failed to archive votes", zap.Int("count", len(votes)), zap.Error(err))
		} else {
			r.written.Add(int64(len(votes)))
		}
	}

	r.logger.Debug("Archive batch flushed", zap.Int("votes", len(votes)), zap.Int("changes", len(changes)))
}

// Stats returns the relay counters
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Queued:  len(r.queue),
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}
