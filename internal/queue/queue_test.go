package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellyson520/tg-forwarder/internal/config"
)

var testQueueConfig = config.QueueConfig{
	MaxSize:           1000,
	BatchSize:         100,
	CongestionPenalty: 0.5,
	CriticalThreshold: 90,
	FastThreshold:     50,
	LiveMaxAge:        5 * time.Minute,
	PriorityHistory:   0,
}

func item(chat int64, priority int, payload any) *Item {
	return &Item{ChatID: chat, Priority: priority, CreatedAt: time.Now(), Payload: payload}
}

func payloads(items []*Item) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.Payload
	}
	return out
}

func TestLaneSelection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		item      *Item
		want      Lane
		wantScore float64
	}{
		{"admin", item(1, 100, nil), LaneCritical, 100},
		{"vip", item(1, 50, nil), LaneFast, 50},
		{"live", &Item{ChatID: 1, Priority: 10, Live: true, CreatedAt: time.Now()}, LaneStandard, 10},
		{"stale live demoted", &Item{ChatID: 1, Priority: 100, Live: true, CreatedAt: time.Now().Add(-10 * time.Minute)}, LaneStandard, 0},
		{"history", item(1, 0, nil), LaneStandard, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := New(testQueueConfig)
			require.NoError(t, q.Enqueue(t.Context(), tt.item))
			assert.Equal(t, tt.want, tt.item.Lane())
			assert.InDelta(t, tt.wantScore, tt.item.Score(), 0.001)
		})
	}
}

func TestPerChatFIFOWithRoundRobin(t *testing.T) {
	t.Parallel()
	q := New(testQueueConfig)
	for _, it := range []*Item{item(1, 0, "a1"), item(1, 0, "a2"), item(1, 0, "a3"), item(2, 0, "b1"), item(2, 0, "b2")} {
		require.NoError(t, q.Enqueue(t.Context(), it))
	}

	batch, err := q.NextBatch(t.Context(), 10)
	require.NoError(t, err)
	assert.Equal(t, []any{"a1", "b1", "a2", "b2", "a3"}, payloads(batch))
}

func TestCongestedChatIsDemoted(t *testing.T) {
	t.Parallel()
	q := New(testQueueConfig)
	for i := range 100 {
		require.NoError(t, q.Enqueue(t.Context(), item(1, 50, i)))
	}
	b := item(2, 100, "B")
	require.NoError(t, q.Enqueue(t.Context(), b))
	assert.Equal(t, LaneCritical, b.Lane())

	batch, err := q.NextBatch(t.Context(), 200)
	require.NoError(t, err)
	require.Len(t, batch, 101)

	order := payloads(batch)
	idxB, lastA := -1, -1
	for i, p := range order {
		if p == "B" {
			idxB = i
		}
		if p == 99 {
			lastA = i
		}
	}
	assert.Equal(t, 0, idxB)
	assert.Less(t, idxB, lastA)
	assert.Equal(t, LaneFast, batch[1].Lane(), "first item of the busy chat is not penalised")
	assert.Equal(t, LaneStandard, batch[2].Lane())

	// chat 1 stays in enqueue order
	for i := 1; i < len(batch); i++ {
		assert.Equal(t, i-1, batch[i].Payload)
	}
}

func TestPendingCounter(t *testing.T) {
	t.Parallel()
	q := New(testQueueConfig)
	for i := range 3 {
		require.NoError(t, q.Enqueue(t.Context(), item(111, 10, i)))
	}
	require.NoError(t, q.Enqueue(t.Context(), item(222, 10, "x")))
	assert.Equal(t, int64(3), q.Pending(111))
	assert.Equal(t, int64(4), q.Outstanding())

	batch, err := q.NextBatch(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(4), q.Outstanding(), "taking items does not finish them")

	q.Done(batch...)
	rest, err := q.NextBatch(t.Context(), 10)
	require.NoError(t, err)
	q.Done(rest...)

	assert.Zero(t, q.Pending(111))
	assert.Zero(t, q.Pending(222))
	assert.Zero(t, q.Outstanding())
	assert.Empty(t, q.Status().Congested)
}

func TestConcurrentPendingDoesNotDrift(t *testing.T) {
	t.Parallel()
	q := New(testQueueConfig)

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				assert.NoError(t, q.Enqueue(t.Context(), item(int64(p%2), 10, i)))
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		taken := 0
		for taken < 200 {
			batch, err := q.NextBatch(t.Context(), 7)
			if !assert.NoError(t, err) {
				return
			}
			taken += len(batch)
			q.Done(batch...)
		}
	}()
	wg.Wait()
	<-done

	require.NoError(t, q.Join(t.Context()))
	assert.Zero(t, q.Pending(0))
	assert.Zero(t, q.Pending(1))
	assert.Zero(t, q.Len())
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()
	cfg := testQueueConfig
	cfg.MaxSize = 2
	q := New(cfg)
	require.NoError(t, q.Enqueue(t.Context(), item(1, 0, 1)))
	require.NoError(t, q.Enqueue(t.Context(), item(1, 0, 2)))

	ok, err := q.TryEnqueue(item(1, 0, 3))
	require.NoError(t, err)
	assert.False(t, ok)

	enqueued := make(chan error, 1)
	go func() { enqueued <- q.Enqueue(t.Context(), item(1, 0, 3)) }()

	select {
	case <-enqueued:
		t.Fatal("enqueue into a full queue returned")
	case <-time.After(30 * time.Millisecond):
	}

	_, err = q.NextBatch(t.Context(), 1)
	require.NoError(t, err)
	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume")
	}
	assert.Equal(t, 2, q.Len())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, item(1, 0, 4)), context.DeadlineExceeded)
}

func TestJoinAndClose(t *testing.T) {
	t.Parallel()
	q := New(testQueueConfig)
	require.NoError(t, q.Enqueue(t.Context(), item(1, 0, 1)))

	joined := make(chan error, 1)
	go func() { joined <- q.Join(t.Context()) }()

	batch, err := q.NextBatch(t.Context(), 10)
	require.NoError(t, err)
	select {
	case <-joined:
		t.Fatal("join returned before the item was done")
	case <-time.After(20 * time.Millisecond):
	}
	q.Done(batch...)
	require.NoError(t, <-joined)

	waiting := make(chan error, 1)
	go func() {
		_, err := q.NextBatch(t.Context(), 1)
		waiting <- err
	}()
	q.Close()
	assert.ErrorIs(t, <-waiting, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(t.Context(), item(1, 0, 2)), ErrClosed)
}

func TestStatusTopCongested(t *testing.T) {
	t.Parallel()
	q := New(testQueueConfig)
	for chat := int64(1); chat <= 7; chat++ {
		for range chat {
			require.NoError(t, q.Enqueue(t.Context(), item(chat, 100, nil)))
		}
	}

	st := q.Status()
	assert.Equal(t, 28, st.Total)
	assert.Equal(t, int64(28), st.Pending)
	assert.Equal(t, 1000, st.Capacity)
	require.Len(t, st.Congested, 5)
	assert.Equal(t, Congestion{ChatID: 7, Pending: 7, Penalty: 3.5}, st.Congested[0])
	assert.Equal(t, int64(3), st.Congested[4].ChatID)
	assert.Equal(t, st.Total, st.Lanes["critical"]+st.Lanes["fast"]+st.Lanes["standard"])
}

func TestBatchPause(t *testing.T) {
	t.Parallel()
	cfg := testQueueConfig
	cfg.MaxSize = 10
	q := New(cfg)

	d := q.BatchPause()
	assert.GreaterOrEqual(t, d, time.Millisecond)
	assert.LessOrEqual(t, d, time.Second)

	for i := range 9 {
		require.NoError(t, q.Enqueue(t.Context(), item(1, 0, i)))
	}
	assert.Zero(t, q.BatchPause())
}

func TestPIDClamp(t *testing.T) {
	t.Parallel()
	p := NewPID(100)
	now := time.Now()
	assert.InDelta(t, 0.01, p.Update(1_000_000, now), 1e-9)
	assert.InDelta(t, 2.0, NewPID(1e9).Update(0, now), 1e-9)
	assert.Equal(t, time.Second/2, pause(0.1))
	assert.Equal(t, time.Millisecond, pause(1e6))
}
