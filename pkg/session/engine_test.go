package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/idempotency"
	"classroom_clicker/pkg/vote"
)

type fakeRecorder struct {
	mu         sync.Mutex
	votes      []vote.VoteRecord
	lifecycles []Lifecycle
}

func (r *fakeRecorder) RecordVote(rec vote.VoteRecord, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.votes = append(r.votes, rec)
}

func (r *fakeRecorder) RecordLifecycle(l Lifecycle, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycles = append(r.lifecycles, l)
}

type fakeHealth struct{ health broadcast.ConnectionHealth }

func (f fakeHealth) Health() broadcast.ConnectionHealth { return f.health }

type fakeRegistrar struct {
	names map[string]string
}

func (f *fakeRegistrar) Register(id, name string) (broadcast.Message, bool) {
	if _, ok := f.names[id]; ok || name == "" {
		return broadcast.Message{}, false
	}
	f.names[id] = name
	return broadcast.NewMessage(broadcast.RosterMessage, f.names), true
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	rejected map[string]int
	replayed int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: map[Outcome]int{}, rejected: map[string]int{}}
}

func (o *countingObserver) VoteProcessed(_ vote.SourceKind, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) VoteRejected(_ vote.SourceKind, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected[reason]++
}

func (o *countingObserver) SubmissionReplayed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replayed++
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	window, err := idempotency.NewWindow(idempotency.DefaultCapacity)
	require.NoError(t, err)
	return NewEngine(logger, broadcast.NewHub(logger, 1024), window, vote.NewNormalizer(""))
}

func drain(sub *broadcast.Subscriber) []broadcast.Message {
	var out []broadcast.Message
	for {
		select {
		case msg, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func ofType(msgs []broadcast.Message, typ broadcast.MessageType) []broadcast.Message {
	var out []broadcast.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func submit(id, key string) Submission {
	return Submission{ParticipantID: id, AnswerKey: key}
}

func TestEngineScenarios(t *testing.T) {
	t.Run("StoppedRejectsSubmission", func(t *testing.T) {
		e := newTestEngine(t)
		sub := e.Subscribe()
		drain(sub)

		_, err := e.Submit(submit("1001", "A"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotAccepting)
		assert.Empty(t, e.Tally())
		assert.Empty(t, drain(sub))
	})

	t.Run("RunningUpdateFlag", func(t *testing.T) {
		e := newTestEngine(t)
		e.Start()
		sub := e.Subscribe()
		drain(sub)

		_, err := e.Submit(submit("1001", "B"))
		require.NoError(t, err)
		_, err = e.Submit(submit("1001", "C"))
		require.NoError(t, err)

		votes := ofType(drain(sub), broadcast.VoteMessage)
		require.Len(t, votes, 2)
		assert.False(t, votes[0].Data.(broadcast.VotePayload).IsUpdate)
		assert.True(t, votes[1].Data.(broadcast.VotePayload).IsUpdate)
		assert.Equal(t, "C", e.Tally()["1001"])
	})

	t.Run("SameAnswerIsNotUpdate", func(t *testing.T) {
		e := newTestEngine(t)
		e.Start()
		sub := e.Subscribe()
		drain(sub)

		e.Submit(submit("1001", "B"))
		e.Submit(submit("1001", "B"))

		votes := ofType(drain(sub), broadcast.VoteMessage)
		require.Len(t, votes, 2)
		assert.False(t, votes[1].Data.(broadcast.VotePayload).IsUpdate)
	})

	t.Run("TestingEchoesWithoutTally", func(t *testing.T) {
		e := newTestEngine(t)
		e.Test()
		sub := e.Subscribe()
		drain(sub)

		res, err := e.Submit(submit("1001", "B"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeEchoed, res.Outcome)

		msgs := drain(sub)
		votes := ofType(msgs, broadcast.VoteMessage)
		require.Len(t, votes, 1)
		assert.Equal(t, vote.SourceNetwork, votes[0].Data.(broadcast.VotePayload).SourceKind)
		assert.Empty(t, ofType(msgs, broadcast.StatusMessage), "echoes do not republish status")
		assert.Empty(t, e.Tally())
	})

	t.Run("TokenReplay", func(t *testing.T) {
		e := newTestEngine(t)
		obs := newCountingObserver()
		e.WithObserver(obs)
		e.Start()
		sub := e.Subscribe()
		drain(sub)

		s := Submission{ParticipantID: "1001", AnswerKey: "A", Token: "T1"}
		first, err := e.Submit(s)
		require.NoError(t, err)
		assert.False(t, first.Replayed)

		second, err := e.Submit(s)
		require.NoError(t, err)
		assert.True(t, second.Replayed)

		assert.Len(t, ofType(drain(sub), broadcast.VoteMessage), 1)
		assert.Equal(t, map[string]string{"1001": "A"}, e.Tally())
		assert.Equal(t, int64(1), e.Stats().Replayed)
		assert.Equal(t, 1, obs.replayed)
	})

	t.Run("ReplayedTokenIgnoresNewAnswer", func(t *testing.T) {
		e := newTestEngine(t)
		e.Start()

		e.Submit(Submission{ParticipantID: "1001", AnswerKey: "A", Token: "T1"})
		res, err := e.Submit(Submission{ParticipantID: "1001", AnswerKey: "D", Token: "T1"})
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Equal(t, "A", e.Tally()["1001"])
	})

	t.Run("NoTokenAlwaysApplies", func(t *testing.T) {
		e := newTestEngine(t)
		e.Start()
		sub := e.Subscribe()
		drain(sub)

		e.Submit(submit("1001", "A"))
		e.Submit(submit("1001", "A"))
		assert.Len(t, ofType(drain(sub), broadcast.VoteMessage), 2)
	})

	t.Run("TestingDoesNotConsumeToken", func(t *testing.T) {
		e := newTestEngine(t)
		e.Test()
		s := Submission{ParticipantID: "1001", AnswerKey: "A", Token: "T9"}
		e.Submit(s)

		e.Start()
		res, err := e.Submit(s)
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		assert.Equal(t, "A", e.Tally()["1001"])
	})

	t.Run("TestingEchoesRetriedTokenEachTime", func(t *testing.T) {
		e := newTestEngine(t)
		e.Test()
		sub := e.Subscribe()
		drain(sub)

		s := Submission{ParticipantID: "1001", AnswerKey: "C", Token: "T4"}
		for i := 0; i < 2; i++ {
			res, err := e.Submit(s)
			require.NoError(t, err)
			assert.Equal(t, OutcomeEchoed, res.Outcome)
			assert.False(t, res.Replayed)
		}

		assert.Len(t, ofType(drain(sub), broadcast.VoteMessage), 2)
		assert.Equal(t, int64(2), e.Stats().Echoed)
		assert.Equal(t, int64(0), e.Stats().Replayed)
	})

	t.Run("InvalidSubmission", func(t *testing.T) {
		e := newTestEngine(t)
		e.Start()

		_, err := e.Submit(submit("", "A"))
		assert.ErrorIs(t, err, vote.ErrEmptyParticipant)
		_, err = e.Submit(submit("1001", ""))
		assert.ErrorIs(t, err, vote.ErrEmptyKey)
		assert.Equal(t, int64(2), e.Stats().Rejected)
	})
}

func TestEngineGate(t *testing.T) {
	rec := func(id, key string) vote.VoteRecord {
		return vote.VoteRecord{ParticipantID: id, AnswerKey: key, Timestamp: time.Now(), SourceKind: vote.SourceTransport}
	}

	t.Run("PausedAndStoppedDiscard", func(t *testing.T) {
		e := newTestEngine(t)
		sub := e.Subscribe()
		drain(sub)

		assert.Equal(t, OutcomeDropped, e.Ingest(rec("1001", "A")))
		e.Start()
		e.Ingest(rec("1001", "A"))
		e.Pause()
		drain(sub)

		assert.Equal(t, OutcomeDropped, e.Ingest(rec("1001", "B")))
		assert.Equal(t, "A", e.Tally()["1001"])
		assert.Empty(t, drain(sub))
	})

	t.Run("AcceptNormalizesRaw", func(t *testing.T) {
		e := newTestEngine(t)
		obs := newCountingObserver()
		e.WithObserver(obs)
		e.Start()

		assert.Equal(t, OutcomeApplied, e.Accept(vote.Raw{ParticipantID: " 00ABCDEF ", Key: "c", Source: vote.SourceOfficial}))
		assert.Equal(t, OutcomeRejected, e.Accept(vote.Raw{ParticipantID: "00ABCDEF", Key: "?", Source: vote.SourceOfficial}))
		assert.Equal(t, map[string]string{"00ABCDEF": "C"}, e.Tally())
		assert.Equal(t, 1, obs.rejected["unknown_key"])
		assert.Equal(t, 1, obs.outcomes[OutcomeApplied])
	})

	t.Run("ResetClearsTallyKeepsTokens", func(t *testing.T) {
		e := newTestEngine(t)
		e.Start()
		e.Submit(Submission{ParticipantID: "1001", AnswerKey: "A", Token: "T1"})
		require.NotNil(t, e.Status().LastVoteAt)

		e.Reset()
		assert.Equal(t, Stopped, e.Lifecycle())
		assert.Empty(t, e.Tally())
		assert.Nil(t, e.Status().LastVoteAt)

		e.Start()
		res, err := e.Submit(Submission{ParticipantID: "1001", AnswerKey: "A", Token: "T1"})
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Empty(t, e.Tally())
	})

	t.Run("StatusAfterEachAppliedVote", func(t *testing.T) {
		e := newTestEngine(t)
		e.WithHealth(fakeHealth{broadcast.ConnectionHealth{State: "connected", Connected: true}})
		e.Start()
		sub := e.Subscribe()
		drain(sub)

		e.Ingest(rec("1001", "A"))
		e.Ingest(rec("1002", "B"))

		msgs := drain(sub)
		require.Len(t, msgs, 4)
		assert.Equal(t, broadcast.VoteMessage, msgs[0].Type)
		assert.Equal(t, broadcast.StatusMessage, msgs[1].Type)
		status := msgs[3].Data.(broadcast.StatusPayload)
		assert.Equal(t, 2, status.VoteCount)
		assert.Equal(t, "running", status.Lifecycle)
		assert.True(t, status.ConnectionHealth.Connected)
	})

	t.Run("LatestWriteWins", func(t *testing.T) {
		e := newTestEngine(t)
		e.Start()
		keys := "ABCDEABCDEJ"
		for i, k := range keys {
			e.Ingest(rec(fmt.Sprintf("p%d", i%3), string(k)))
		}
		tally := e.Tally()
		for p := 0; p < 3; p++ {
			last := ""
			for i, k := range keys {
				if i%3 == p {
					last = string(k)
				}
			}
			assert.Equal(t, last, tally[fmt.Sprintf("p%d", p)])
		}
	})

	t.Run("UnknownAction", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Control(Action("explode"))
		assert.ErrorIs(t, err, ErrInvalidLifecycle)

		_, err = ParseAction("explode")
		assert.ErrorIs(t, err, ErrInvalidLifecycle)
		a, err := ParseAction(" Start ")
		require.NoError(t, err)
		assert.Equal(t, ActionStart, a)
	})
}

func TestEngineSubscribe(t *testing.T) {
	t.Run("EmptyTallyStatusOnly", func(t *testing.T) {
		e := newTestEngine(t)
		msgs := drain(e.Subscribe())
		require.Len(t, msgs, 1)
		assert.Equal(t, broadcast.StatusMessage, msgs[0].Type)
	})

	t.Run("StatusThenSnapshotThenExtras", func(t *testing.T) {
		e := newTestEngine(t)
		e.Start()
		e.Submit(submit("1002", "B"))
		e.Submit(submit("1001", "A"))

		roster := broadcast.NewMessage(broadcast.RosterMessage, nil)
		msgs := drain(e.Subscribe(roster))
		require.Len(t, msgs, 3)
		assert.Equal(t, broadcast.StatusMessage, msgs[0].Type)
		assert.Equal(t, broadcast.SnapshotMessage, msgs[1].Type)
		assert.Equal(t, roster.ID, msgs[2].ID)

		snap := msgs[1].Data.([]broadcast.SnapshotEntry)
		assert.Equal(t, []broadcast.SnapshotEntry{
			{ParticipantID: "1001", AnswerKey: "A"},
			{ParticipantID: "1002", AnswerKey: "B"},
		}, snap)
	})

	t.Run("SubscribeWithComputesExtrasUnderLock", func(t *testing.T) {
		e := newTestEngine(t)
		calls := 0
		msgs := drain(e.SubscribeWith(func() []broadcast.Message {
			calls++
			return []broadcast.Message{broadcast.NewMessage(broadcast.QuestionsMessage, nil)}
		}))
		assert.Equal(t, 1, calls)
		require.Len(t, msgs, 2)
		assert.Equal(t, broadcast.QuestionsMessage, msgs[1].Type)
	})

	t.Run("LateSubscriberConverges", func(t *testing.T) {
		e := newTestEngine(t)
		e.Start()
		early := e.Subscribe()

		var wg sync.WaitGroup
		var late *broadcast.Subscriber
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					e.Submit(submit(fmt.Sprintf("p%d", j%7), string("ABCDE"[(i+j)%5])))
					if i == 0 && j == 10 {
						late = e.Subscribe()
					}
				}
			}(i)
		}
		wg.Wait()

		rebuild := func(msgs []broadcast.Message) map[string]string {
			state := map[string]string{}
			for _, m := range msgs {
				switch m.Type {
				case broadcast.SnapshotMessage:
					state = map[string]string{}
					for _, entry := range m.Data.([]broadcast.SnapshotEntry) {
						state[entry.ParticipantID] = entry.AnswerKey
					}
				case broadcast.VoteMessage:
					v := m.Data.(broadcast.VotePayload)
					state[v.ParticipantID] = v.AnswerKey
				}
			}
			return state
		}

		want := e.Tally()
		assert.Equal(t, want, rebuild(drain(early)))
		assert.Equal(t, want, rebuild(drain(late)))
	})
}

func TestEngineCollaborators(t *testing.T) {
	t.Run("RecorderSeesAppliedOnly", func(t *testing.T) {
		e := newTestEngine(t)
		r := &fakeRecorder{}
		e.WithRecorder(r)

		e.Test()
		e.Submit(submit("1001", "A"))
		e.Start()
		e.Submit(submit("1001", "B"))

		assert.Len(t, r.votes, 1)
		assert.Equal(t, "B", r.votes[0].AnswerKey)
		assert.Equal(t, []Lifecycle{Testing, Running}, r.lifecycles)
	})

	t.Run("RegistrarBroadcastsNewParticipants", func(t *testing.T) {
		e := newTestEngine(t)
		e.WithRegistrar(&fakeRegistrar{names: map[string]string{}})
		e.Start()
		sub := e.Subscribe()
		drain(sub)

		e.Submit(Submission{ParticipantID: "m-1", AnswerKey: "A", DisplayName: "Ada"})
		e.Submit(Submission{ParticipantID: "m-1", AnswerKey: "B", DisplayName: "Ada"})

		msgs := drain(sub)
		assert.Len(t, ofType(msgs, broadcast.RosterMessage), 1)
		assert.Equal(t, broadcast.RosterMessage, msgs[0].Type, "roster precedes the vote")
	})

	t.Run("BroadcastWithHoldsEngineLock", func(t *testing.T) {
		e := newTestEngine(t)
		e.WithRegistrar(&fakeRegistrar{names: map[string]string{}})
		e.Start()
		sub := e.Subscribe()
		drain(sub)

		submitted := make(chan struct{})
		err := e.BroadcastWith(func() (broadcast.Message, error) {
			go func() {
				defer close(submitted)
				e.Submit(Submission{ParticipantID: "m-2", AnswerKey: "A", DisplayName: "Grace"})
			}()
			select {
			case <-submitted:
				t.Error("submission ran while the message was being built")
			case <-time.After(20 * time.Millisecond):
			}
			return broadcast.NewMessage(broadcast.QuestionsMessage, nil), nil
		})
		require.NoError(t, err)
		<-submitted

		msgs := drain(sub)
		require.NotEmpty(t, msgs)
		assert.Equal(t, broadcast.QuestionsMessage, msgs[0].Type)
		assert.Len(t, ofType(msgs, broadcast.RosterMessage), 1)
	})

	t.Run("BroadcastWithErrorPublishesNothing", func(t *testing.T) {
		e := newTestEngine(t)
		sub := e.Subscribe()
		drain(sub)

		err := e.BroadcastWith(func() (broadcast.Message, error) {
			return broadcast.Message{}, assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Empty(t, drain(sub))
	})

	t.Run("NotifyCarriesNote", func(t *testing.T) {
		e := newTestEngine(t)
		sub := e.Subscribe()
		drain(sub)

		e.Notify("Hardware reconnecting")
		msgs := drain(sub)
		require.Len(t, msgs, 1)
		assert.Equal(t, "Hardware reconnecting", msgs[0].Data.(broadcast.StatusPayload).Note)
		assert.Equal(t, "Hardware reconnecting", e.Status().Note)
	})
}

// A record racing a Testing to Running switch is tallied exactly when its
// Ingest acquires the lock after the switch.
func TestTestingToRunningBoundary(t *testing.T) {
	t.Run("Sequential", func(t *testing.T) {
		e := newTestEngine(t)
		e.Test()
		r := vote.VoteRecord{ParticipantID: "1001", AnswerKey: "A", Timestamp: time.Now(), SourceKind: vote.SourceOfficial}
		assert.Equal(t, OutcomeEchoed, e.Ingest(r))
		e.Start()
		assert.Equal(t, OutcomeApplied, e.Ingest(r))
		assert.Equal(t, "A", e.Tally()["1001"])
	})

	t.Run("Concurrent", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			e := newTestEngine(t)
			e.Test()
			r := vote.VoteRecord{ParticipantID: "1001", AnswerKey: "A", Timestamp: time.Now(), SourceKind: vote.SourceOfficial}

			var wg sync.WaitGroup
			var outcome Outcome
			wg.Add(2)
			go func() {
				defer wg.Done()
				outcome = e.Ingest(r)
			}()
			go func() {
				defer wg.Done()
				e.Start()
			}()
			wg.Wait()

			_, tallied := e.Tally()["1001"]
			switch outcome {
			case OutcomeApplied:
				assert.True(t, tallied)
			case OutcomeEchoed:
				assert.False(t, tallied)
			default:
				t.Fatalf("unexpected outcome %s", outcome)
			}
		}
	})
}
