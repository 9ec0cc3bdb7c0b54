package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
)

type memJournal struct {
	mu   sync.Mutex
	msgs []contract.Message
}

func (j *memJournal) AppendMessage(msg contract.Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.msgs = append(j.msgs, msg)
	return nil
}

func (j *memJournal) ReadMessages(sessionID string, after uint64) ([]contract.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []contract.Message
	for _, m := range j.msgs {
		if m.SessionID == sessionID && m.Offset > after {
			out = append(out, m)
		}
	}
	return out, nil
}

func msg(kind contract.Kind) contract.Message {
	return contract.MustMessage("s1", kind, map[string]string{"k": string(kind)})
}

func next(t *testing.T, sub *Subscription) contract.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := sub.Next(ctx)
	require.NoError(t, err)
	return m
}

func TestRouter_SequencesAndOffsets(t *testing.T) {
	r := New(Config{ReplayWindow: 16})
	_, sub, err := r.Subscribe("s1", "ui", 0)
	require.NoError(t, err)

	kinds := []contract.Kind{
		contract.KindStageStarted, contract.KindStageCompleted,
		contract.KindStageStarted, contract.KindWorkflowStatus,
	}
	for _, k := range kinds {
		require.NoError(t, r.Publish(msg(k)))
	}

	wantSeq := []uint64{1, 1, 2, 1}
	for i := range kinds {
		m := next(t, sub)
		assert.Equal(t, kinds[i], m.Kind)
		assert.Equal(t, uint64(i+1), m.Offset)
		assert.Equal(t, wantSeq[i], m.Sequence)
		assert.False(t, m.Timestamp.IsZero())
	}
	assert.Equal(t, uint64(4), r.Head("s1"))
	assert.Equal(t, uint64(0), r.Head("other"), "sessions are isolated")
}

func TestRouter_GateRefusalDropsMessage(t *testing.T) {
	r := New(Config{})
	r.SetGate(func(m contract.Message) ([]contract.Message, error) {
		return nil, errors.NewTransitionError("stale")
	}, contract.KindStageCompleted)
	_, sub, err := r.Subscribe("s1", "ui", 0)
	require.NoError(t, err)

	err = r.Publish(msg(contract.KindStageCompleted))
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, uint64(0), r.Head("s1"))

	require.NoError(t, r.Publish(msg(contract.KindStageStarted)))
	m := next(t, sub)
	assert.Equal(t, contract.KindStageStarted, m.Kind)
	assert.Equal(t, uint64(1), m.Offset)
}

func TestRouter_FollowUpsDispatchInOrder(t *testing.T) {
	r := New(Config{})
	var gateSaw []contract.Kind
	r.SetGate(func(m contract.Message) ([]contract.Message, error) {
		gateSaw = append(gateSaw, m.Kind)
		if m.Kind == contract.KindStageCompleted {
			return []contract.Message{msg(contract.KindWorkflowStatus)}, nil
		}
		return nil, nil
	}, contract.KindStageCompleted, contract.KindWorkflowStatus)
	r.AddSink(Sink{
		Name:   "doc",
		Filter: func(m contract.Message) bool { return m.Kind == contract.KindStageCompleted },
		Handle: func(m contract.Message) ([]contract.Message, error) {
			assert.NotZero(t, m.Offset, "sinks see sequenced messages")
			return []contract.Message{msg(contract.KindDocumentUpdated), msg(contract.KindDocumentUpdated)}, nil
		},
	})
	_, sub, err := r.Subscribe("s1", "ui", 0)
	require.NoError(t, err)

	require.NoError(t, r.Publish(msg(contract.KindStageCompleted)))

	want := []contract.Kind{
		contract.KindStageCompleted, contract.KindDocumentUpdated,
		contract.KindDocumentUpdated, contract.KindWorkflowStatus,
	}
	for i, k := range want {
		m := next(t, sub)
		assert.Equal(t, k, m.Kind)
		assert.Equal(t, uint64(i+1), m.Offset)
	}
	assert.Equal(t, []contract.Kind{contract.KindStageCompleted, contract.KindWorkflowStatus}, gateSaw)
}

func TestRouter_SubscribeReplaysThenLive(t *testing.T) {
	r := New(Config{ReplayWindow: 16})
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(msg(contract.KindStageStarted)))
	}

	replay, sub, err := r.Subscribe("s1", "ui", 1)
	require.NoError(t, err)
	require.Len(t, replay, 2)
	assert.Equal(t, uint64(2), replay[0].Offset)
	assert.Equal(t, uint64(3), replay[1].Offset)

	require.NoError(t, r.Publish(msg(contract.KindStageStarted)))
	assert.Equal(t, uint64(4), next(t, sub).Offset)

	replay, _, err = r.Subscribe("s1", "late", 4)
	require.NoError(t, err)
	assert.Empty(t, replay)
}

func TestRouter_ReplayFallsBackToJournal(t *testing.T) {
	j := &memJournal{}
	r := New(Config{ReplayWindow: 2, Journal: j})
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Publish(msg(contract.KindStageStarted)))
	}

	replay, _, err := r.Subscribe("s1", "ui", 0)
	require.NoError(t, err)
	require.Len(t, replay, 5)
	for i, m := range replay {
		assert.Equal(t, uint64(i+1), m.Offset)
	}

	replay, _, err = r.Subscribe("s1", "ui2", 3)
	require.NoError(t, err)
	require.Len(t, replay, 2)
	assert.Equal(t, uint64(4), replay[0].Offset)

	noJournal := New(Config{ReplayWindow: 1})
	for i := 0; i < 3; i++ {
		require.NoError(t, noJournal.Publish(msg(contract.KindStageStarted)))
	}
	_, _, err = noJournal.Subscribe("s1", "ui", 0)
	assert.Error(t, err)
}

func TestRouter_OverflowDropOldest(t *testing.T) {
	r := New(Config{BufferSize: 2, Overflow: DropOldest})
	_, sub, err := r.Subscribe("s1", "slow", 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Publish(msg(contract.KindStageStarted)))
	}

	m := next(t, sub)
	require.Equal(t, contract.KindStreamGap, m.Kind)
	var gap contract.StreamGap
	require.NoError(t, m.Decode(&gap))
	assert.Equal(t, contract.StreamGap{FromOffset: 1, ToOffset: 3, Dropped: 3}, gap)

	assert.Equal(t, uint64(4), next(t, sub).Offset)
	assert.Equal(t, uint64(5), next(t, sub).Offset)
	assert.Equal(t, uint64(3), sub.Dropped())
	assert.NoError(t, sub.Err())
}

func TestRouter_OverflowDisconnect(t *testing.T) {
	r := New(Config{BufferSize: 2, Overflow: Disconnect})
	_, sub, err := r.Subscribe("s1", "slow", 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(msg(contract.KindStageStarted)), "publishers never block or fail on slow subscribers")
	}

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not closed on overflow")
	}
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, errors.ErrSubscriptionOverflow)
	assert.Equal(t, 0, r.Subscribers("s1"))
}

func TestRouter_SubscriberReplacement(t *testing.T) {
	r := New(Config{})
	_, first, err := r.Subscribe("s1", "ui", 0)
	require.NoError(t, err)
	_, second, err := r.Subscribe("s1", "ui", 0)
	require.NoError(t, err)

	_, err = first.Next(context.Background())
	assert.ErrorIs(t, err, errors.ErrSubscriptionClosed)

	require.NoError(t, r.Publish(msg(contract.KindStageStarted)))
	assert.Equal(t, uint64(1), next(t, second).Offset)

	// Unsubscribing the stale subscription leaves the replacement alone.
	r.Unsubscribe(first)
	assert.Equal(t, 1, r.Subscribers("s1"))
	r.Unsubscribe(second)
	assert.Equal(t, 0, r.Subscribers("s1"))
}

func TestRouter_Recover(t *testing.T) {
	j := &memJournal{}
	first := New(Config{ReplayWindow: 8, Journal: j})
	require.NoError(t, first.Publish(msg(contract.KindStageStarted)))
	require.NoError(t, first.Publish(msg(contract.KindStageCompleted)))
	require.NoError(t, first.Publish(msg(contract.KindStageStarted)))

	restarted := New(Config{ReplayWindow: 8, Journal: j})
	require.NoError(t, restarted.Recover("s1"))
	assert.Equal(t, uint64(3), restarted.Head("s1"))

	replay, sub, err := restarted.Subscribe("s1", "ui", 1)
	require.NoError(t, err)
	assert.Len(t, replay, 2)

	require.NoError(t, restarted.Publish(msg(contract.KindStageStarted)))
	m := next(t, sub)
	assert.Equal(t, uint64(4), m.Offset)
	assert.Equal(t, uint64(3), m.Sequence)
}

func TestRouter_Apply(t *testing.T) {
	r := New(Config{})
	_, sub, err := r.Subscribe("s1", "ui", 0)
	require.NoError(t, err)

	err = r.Apply("s1", func() ([]contract.Message, error) {
		return []contract.Message{msg(contract.KindWorkflowStatus)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, contract.KindWorkflowStatus, next(t, sub).Kind)

	boom := errors.New("boom")
	err = r.Apply("s1", func() ([]contract.Message, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), r.Head("s1"))
}

func TestRouter_ConcurrentPublishersKeepOrder(t *testing.T) {
	r := New(Config{BufferSize: 1000})
	_, sub, err := r.Subscribe("s1", "ui", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Go(func() {
			for j := 0; j < 50; j++ {
				_ = r.Publish(msg(contract.KindStageStarted))
			}
		})
	}
	wg.Wait()

	for want := uint64(1); want <= 500; want++ {
		m := next(t, sub)
		require.Equal(t, want, m.Offset)
		require.Equal(t, want, m.Sequence)
	}
}

func TestRouter_RejectsInvalidMessages(t *testing.T) {
	r := New(Config{})
	assert.ErrorIs(t, r.Publish(contract.Message{SessionID: "s1", Kind: "bogus"}), errors.ErrInvalidInput)
	assert.ErrorIs(t, r.Publish(contract.Message{Kind: contract.KindStageStarted}), errors.ErrInvalidInput)
	assert.ErrorIs(t, r.Publish(contract.Message{SessionID: "s1", Kind: contract.KindStreamGap}), errors.ErrInvalidInput)
}

func TestRouter_Drop(t *testing.T) {
	r := New(Config{})
	_, sub, err := r.Subscribe("s1", "ui", 0)
	require.NoError(t, err)

	r.Drop("s1")
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, errors.ErrSubscriptionClosed)

	r.Drop("missing")
	r.Close()
}
