// Package dispatcher moves claimed tasks from the durable task store into
// the in-memory queue.
package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maypok86/otter"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/internal/queue"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

// Unit is what the dispatcher hands to workers: one task, or every task of
// an album claimed together.
type Unit struct {
	Type     models.TaskType
	ChatID   int64
	Tasks    []*models.Task
	Payloads []any
}

// Lead is the first task of the unit.
func (u *Unit) Lead() *models.Task { return u.Tasks[0] }

// Recovered reports whether any task was reclaimed after a lock expiry.
func (u *Unit) Recovered() bool {
	for _, t := range u.Tasks {
		if t.Recovered {
			return true
		}
	}
	return false
}

// TaskSource is the part of the task manager the dispatcher drives.
type TaskSource interface {
	FetchNext(ctx context.Context, limit int, visibility time.Duration) ([]*models.Task, error)
	FailPermanent(ctx context.Context, cause error, tasks ...*models.Task) error
}

type Enqueuer interface {
	TryEnqueue(it *queue.Item) (bool, error)
}

type EntityResolver interface {
	GetEntity(ctx context.Context, idOrUsername string) (*platform.Entity, error)
}

const fullQueueWait = time.Second

type Dispatcher struct {
	cfg      config.DispatcherConfig
	tasks    TaskSource
	queue    Enqueuer
	resolver EntityResolver
	entities otter.Cache[int64, *platform.Entity]
	wake     chan struct{}
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cfg config.DispatcherConfig, tasks TaskSource, q Enqueuer, resolver EntityResolver) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Dispatcher{
		cfg:      cfg,
		tasks:    tasks,
		queue:    q,
		resolver: resolver,
		entities: util.NewTTLCache[int64, *platform.Entity](10_000, cfg.EntityCacheTTL),
		wake:     make(chan struct{}, 1),
		sleep:    sleepCtx,
	}
}

// Wake cuts the current idle sleep short.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Entity returns a cached entity of chatID, if one was resolved.
func (d *Dispatcher) Entity(chatID int64) (*platform.Entity, bool) {
	return d.entities.Get(chatID)
}

func (d *Dispatcher) idleBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.SleepBase
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.2
	b.MaxInterval = d.cfg.MaxSleep
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run claims and dispatches tasks until ctx is done or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = logx.With(ctx, "component", "dispatcher")
	idle := d.idleBackOff()
	for {
		n, err := d.RunOnce(ctx)
		switch {
		case errors.Is(err, queue.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			logx.Errorw(ctx, "dispatch failed", "error", err)
		}
		if n > 0 {
			idle.Reset()
			continue
		}
		wait := idle.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
			idle.Reset()
		case <-time.After(wait):
		}
	}
}

// RunOnce claims one batch and enqueues it. It returns the number of tasks
// claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	claimed, err := d.tasks.FetchNext(ctx, d.cfg.BatchSize, d.cfg.VisibilityTimeout)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	units := d.group(ctx, claimed)
	d.prefetch(ctx, units)
	for _, u := range units {
		if err := d.enqueue(ctx, u); err != nil {
			return len(claimed), err
		}
	}
	logx.Debugw(ctx, "dispatched tasks", "claimed", len(claimed), "units", len(units))
	return len(claimed), nil
}

// group decodes payloads and merges album siblings. Undecodable tasks fail
// permanently here and never reach a worker.
func (d *Dispatcher) group(ctx context.Context, claimed []*models.Task) []*Unit {
	var units []*Unit
	albums := map[string]*Unit{}
	for _, t := range claimed {
		p, err := models.DecodePayload(t)
		if err != nil {
			logx.Warnw(ctx, "dropping malformed task", "task_id", t.ID, "task_type", t.Type, "error", err)
			if ferr := d.tasks.FailPermanent(ctx, err, t); ferr != nil {
				logx.Errorw(ctx, "fail malformed task", "task_id", t.ID, "error", ferr)
			}
			continue
		}
		chat := models.PayloadChatID(p)
		if t.GroupedID != "" && t.Type == models.TaskProcessMessage {
			key := string(t.Type) + ":" + strconv.FormatInt(chat, 10) + ":" + t.GroupedID
			if u, ok := albums[key]; ok {
				u.Tasks = append(u.Tasks, t)
				u.Payloads = append(u.Payloads, p)
				continue
			}
			u := &Unit{Type: t.Type, ChatID: chat, Tasks: []*models.Task{t}, Payloads: []any{p}}
			albums[key] = u
			units = append(units, u)
			continue
		}
		units = append(units, &Unit{Type: t.Type, ChatID: chat, Tasks: []*models.Task{t}, Payloads: []any{p}})
	}
	return units
}

// prefetch warms the entity cache for every chat in units. Failures only
// log; the worker resolves entities on its own when it has to.
func (d *Dispatcher) prefetch(ctx context.Context, units []*Unit) {
	if d.resolver == nil {
		return
	}
	seen := map[int64]bool{}
	for _, u := range units {
		if u.ChatID == 0 || seen[u.ChatID] {
			continue
		}
		seen[u.ChatID] = true
		if _, ok := d.entities.Get(u.ChatID); ok {
			continue
		}
		d.resolve(ctx, u.ChatID)
	}
}

func (d *Dispatcher) resolve(ctx context.Context, chatID int64) {
	ctx, cancel := context.WithTimeout(ctx, platform.GetEntityTimeout)
	defer cancel()
	e, err := d.resolver.GetEntity(ctx, strconv.FormatInt(chatID, 10))
	if err != nil {
		logx.Warnw(ctx, "entity prefetch failed", "chat_id", chatID, "error", err)
		return
	}
	d.entities.Set(chatID, e)
}

func (d *Dispatcher) enqueue(ctx context.Context, u *Unit) error {
	lead := u.Lead()
	live := false
	if p, ok := u.Payloads[0].(*models.ProcessMessagePayload); ok {
		live = !p.IsHistory
	}
	priority := lead.Priority
	for _, t := range u.Tasks[1:] {
		priority = max(priority, t.Priority)
	}
	it := &queue.Item{
		ChatID:    u.ChatID,
		Priority:  priority,
		CreatedAt: lead.CreatedAt,
		Live:      live,
		Payload:   u,
	}
	for {
		ok, err := d.queue.TryEnqueue(it)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := d.sleep(ctx, fullQueueWait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
