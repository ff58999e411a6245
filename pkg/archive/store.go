package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classroom_clicker/pkg/vote"
)

// VoteEntry is one applied vote as written to vote_log
type VoteEntry struct {
	ParticipantID string
	AnswerKey     string
	SourceKind    vote.SourceKind
	IsUpdate      bool
	AcceptedAt    time.Time
}

// LifecycleEntry is one session transition as written to session_log
type LifecycleEntry struct {
	Lifecycle string
	ChangedAt time.Time
}

// Writer persists batches of archive entries
type Writer interface {
	WriteVotes(ctx context.Context, entries []VoteEntry) error
	WriteLifecycle(ctx context.Context, entries []LifecycleEntry) error
}

var voteColumns = []string{"participant_id", "answer_key", "source_kind", "is_update", "accepted_at"}

// Store writes archive entries to Postgres. The archive is append only;
// nothing is ever read back into session state.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WriteVotes bulk-inserts entries with COPY
func (s *Store) WriteVotes(ctx context.Context, entries []VoteEntry) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"vote_log"}, voteColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{e.ParticipantID, e.AnswerKey, string(e.SourceKind), e.IsUpdate, e.AcceptedAt}, nil
		}))
	if err != nil {
		return fmt.Errorf("copying votes: %w", err)
	}
	return nil
}

// WriteLifecycle inserts transitions in a single batch round trip
func (s *Store) WriteLifecycle(ctx context.Context, entries []LifecycleEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO session_log (lifecycle, changed_at) VALUES ($1, $2)`, e.Lifecycle, e.ChangedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting lifecycle changes: %w", err)
	}
	return nil
}

// CountVotes returns the number of archived votes for a participant,
// or for everyone when participantID is empty
func (s *Store) CountVotes(ctx context.Context, participantID string) (int64, error) {
	var n int64
	var err error
	if participantID == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vote_log`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vote_log WHERE participant_id = $1`, participantID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting votes: %w", err)
	}
	return n, nil
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
