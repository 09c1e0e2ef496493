// Package eventbus is the in-process publish/subscribe hub.
package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/puzpuzpuz/xsync/v4"
)

type Handler func(ctx context.Context, event models.EventType, data any) error

// Broadcaster receives every published event, e.g. to mirror it to an
// external topic.
type Broadcaster interface {
	Broadcast(ctx context.Context, event models.EventType, data any) error
}

// Publisher is the narrow view used by producers of events.
type Publisher interface {
	Publish(ctx context.Context, event models.EventType, data any, wait bool)
}

type subscription struct {
	id      uint64
	handler Handler
}

type counter struct {
	count atomic.Int64
	last  atomic.Int64
}

type Stat struct {
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[models.EventType][]subscription
	nextID atomic.Uint64

	stats       *xsync.Map[models.EventType, *counter]
	broadcaster atomic.Pointer[Broadcaster]
	inflight    sync.WaitGroup
}

func New() *Bus {
	return &Bus{
		subs:  map[models.EventType][]subscription{},
		stats: xsync.NewMap[models.EventType, *counter](),
	}
}

func (b *Bus) SetBroadcaster(br Broadcaster) {
	if br == nil {
		b.broadcaster.Store(nil)
		return
	}
	b.broadcaster.Store(&br)
}

// Subscribe registers h for event. models.EventAny receives all events.
// The returned func removes the subscription.
func (b *Bus) Subscribe(event models.EventType, h Handler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs[event] = append(b.subs[event], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[event]
		for i, s := range subs {
			if s.id == id {
				b.subs[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers data to every subscriber of event and to wildcard
// subscribers. Each handler runs in its own goroutine; a failing or
// panicking handler does not affect the others. With wait the call
// returns after all handlers finished.
func (b *Bus) Publish(ctx context.Context, event models.EventType, data any, wait bool) {
	c, _ := b.stats.LoadOrStore(event, &counter{})
	c.count.Add(1)
	c.last.Store(time.Now().UnixNano())

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event])+len(b.subs[models.EventAny]))
	for _, s := range b.subs[event] {
		handlers = append(handlers, s.handler)
	}
	if event != models.EventAny {
		for _, s := range b.subs[models.EventAny] {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	if br := b.broadcaster.Load(); br != nil {
		handlers = append(handlers, (*br).Broadcast)
	}
	if len(handlers) == 0 {
		return
	}

	hctx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			defer wg.Done()
			b.run(hctx, h, event, data)
		}()
	}
	if wait {
		wg.Wait()
	}
}

func (b *Bus) run(ctx context.Context, h Handler, event models.EventType, data any) {
	defer func() {
		if r := recover(); r != nil {
			logx.Errorw(ctx, "event handler panicked",
				"event", event,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	if err := h(ctx, event, data); err != nil {
		logx.Warnw(ctx, "event handler failed", "event", event, "error", err)
	}
}

// Drain blocks until every handler started so far has returned.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Stats() map[models.EventType]Stat {
	out := map[models.EventType]Stat{}
	b.stats.Range(func(k models.EventType, c *counter) bool {
		out[k] = Stat{Count: c.count.Load(), LastSeen: time.Unix(0, c.last.Load())}
		return true
	})
	return out
}
