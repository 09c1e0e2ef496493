// Package queue is the in-memory work queue in front of the workers. It
// has three strictly ordered lanes and demotes chats that flood it.
package queue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

var ErrClosed = errors.New("queue closed")

// Item is one unit of work. Payload is opaque to the queue.
type Item struct {
	ChatID    int64
	Priority  int
	CreatedAt time.Time
	// Live marks messages from the listener; they lose their priority
	// once they are too old.
	Live    bool
	Payload any

	lane       Lane
	score      float64
	enqueuedAt time.Time
}

func (it *Item) Lane() Lane            { return it.lane }
func (it *Item) Score() float64        { return it.score }
func (it *Item) EnqueuedAt() time.Time { return it.enqueuedAt }

type Queue struct {
	cfg config.QueueConfig

	mu      sync.Mutex
	lanes   [laneCount]*lane
	size    int
	closed  bool
	changed chan struct{}

	pending     *xsync.Map[int64, int64]
	outstanding atomic.Int64
	pid         *PID

	depth *prometheus.GaugeVec
	wait  *prometheus.HistogramVec
	now   func() time.Time
}

func New(cfg config.QueueConfig) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	q := &Queue{
		cfg:     cfg,
		changed: make(chan struct{}),
		pending: xsync.NewMap[int64, int64](),
		pid:     NewPID(float64(cfg.MaxSize) * 0.1),
		depth:   util.MustGaugeVec("queue_lane_depth", "lane"),
		wait:    util.MustHistogramVec("queue_wait_seconds", "lane"),
		now:     time.Now,
	}
	for i := range q.lanes {
		q.lanes[i] = newLane()
	}
	return q
}

// broadcast wakes every waiter. Callers hold q.mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) await(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of items of chatID enqueued and not yet done.
func (q *Queue) Pending(chatID int64) int64 {
	n, _ := q.pending.Load(chatID)
	return n
}

// Outstanding is the number of items enqueued and not yet done.
func (q *Queue) Outstanding() int64 {
	return q.outstanding.Load()
}

func (q *Queue) classify(it *Item) {
	base := it.Priority
	if it.Live && !it.CreatedAt.IsZero() && q.now().Sub(it.CreatedAt) > q.cfg.LiveMaxAge {
		base = q.cfg.PriorityHistory
	}
	it.score = float64(base) - float64(q.Pending(it.ChatID))*q.cfg.CongestionPenalty
	switch {
	case it.score >= q.cfg.CriticalThreshold:
		it.lane = LaneCritical
	case it.score >= q.cfg.FastThreshold:
		it.lane = LaneFast
	default:
		it.lane = LaneStandard
	}
}

// Enqueue adds it, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, it *Item) error {
	q.mu.Lock()
	for q.size >= q.cfg.MaxSize && !q.closed {
		ch := q.changed
		q.mu.Unlock()
		if err := q.await(ctx, ch); err != nil {
			return err
		}
		q.mu.Lock()
	}
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.push(it)
	return nil
}

// TryEnqueue is Enqueue without blocking; it reports false when full.
func (q *Queue) TryEnqueue(it *Item) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	if q.size >= q.cfg.MaxSize {
		return false, nil
	}
	q.push(it)
	return true, nil
}

// push places it in its lane. Callers hold q.mu.
func (q *Queue) push(it *Item) {
	q.classify(it)
	it.enqueuedAt = q.now()
	q.pending.Compute(it.ChatID, func(n int64, _ bool) (int64, xsync.ComputeOp) {
		return n + 1, xsync.UpdateOp
	})
	q.outstanding.Add(1)
	q.lanes[it.lane].push(it)
	q.size++
	q.depth.WithLabelValues(it.lane.String()).Inc()
	q.broadcast()
}

// NextBatch blocks until at least one item is queued and returns up to
// limit items: critical first, then fast, then standard.
func (q *Queue) NextBatch(ctx context.Context, limit int) ([]*Item, error) {
	limit = max(1, limit)
	q.mu.Lock()
	for q.size == 0 {
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		ch := q.changed
		q.mu.Unlock()
		if err := q.await(ctx, ch); err != nil {
			return nil, err
		}
		q.mu.Lock()
	}
	defer q.mu.Unlock()

	now := q.now()
	batch := make([]*Item, 0, min(limit, q.size))
	for _, l := range q.lanes {
		for len(batch) < limit {
			it := l.pop()
			if it == nil {
				break
			}
			q.size--
			q.depth.WithLabelValues(it.lane.String()).Dec()
			q.wait.WithLabelValues(it.lane.String()).Observe(now.Sub(it.enqueuedAt).Seconds())
			batch = append(batch, it)
		}
	}
	q.broadcast()
	return batch, nil
}

// Done marks items finished, successfully or not.
func (q *Queue) Done(items ...*Item) {
	for _, it := range items {
		q.pending.Compute(it.ChatID, func(n int64, _ bool) (int64, xsync.ComputeOp) {
			if n <= 1 {
				return 0, xsync.DeleteOp
			}
			return n - 1, xsync.UpdateOp
		})
		q.outstanding.Add(-1)
	}
	q.mu.Lock()
	q.broadcast()
	q.mu.Unlock()
}

// Join waits until every enqueued item is done.
func (q *Queue) Join(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.outstanding.Load() <= 0 {
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()
		if err := q.await(ctx, ch); err != nil {
			return err
		}
	}
}

// Close rejects new items and wakes every waiter. Queued items can still
// be taken.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int {
	return q.cfg.MaxSize
}

// BatchPause is how long a worker rests between batches. It shrinks as
// the queue grows and is zero once the queue is more than 80% full.
func (q *Queue) BatchPause() time.Duration {
	depth := q.Len()
	if float64(depth) > float64(q.cfg.MaxSize)*0.8 {
		return 0
	}
	return pause(q.pid.Update(float64(depth), q.now()))
}

// Congestion is the load one chat puts on the queue.
type Congestion struct {
	ChatID  int64   `json:"chat_id"`
	Pending int64   `json:"pending"`
	Penalty float64 `json:"penalty"`
}

type Status struct {
	Lanes     map[string]int `json:"lanes"`
	Total     int            `json:"total"`
	Pending   int64          `json:"pending"`
	Capacity  int            `json:"capacity"`
	Congested []Congestion   `json:"congested"`
}

const topCongested = 5

func (q *Queue) Status() Status {
	q.mu.Lock()
	st := Status{Lanes: map[string]int{}, Total: q.size, Capacity: q.cfg.MaxSize}
	for i, l := range q.lanes {
		st.Lanes[Lane(i).String()] = l.size
	}
	q.mu.Unlock()

	st.Pending = q.outstanding.Load()
	q.pending.Range(func(chat int64, n int64) bool {
		if n > 0 {
			st.Congested = append(st.Congested, Congestion{ChatID: chat, Pending: n, Penalty: float64(n) * q.cfg.CongestionPenalty})
		}
		return true
	})
	slices.SortFunc(st.Congested, func(a, b Congestion) int {
		if a.Pending != b.Pending {
			return int(b.Pending - a.Pending)
		}
		return int(a.ChatID - b.ChatID)
	})
	if len(st.Congested) > topCongested {
		st.Congested = st.Congested[:topCongested]
	}
	return st
}
