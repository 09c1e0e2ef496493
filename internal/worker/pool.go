// Package worker runs the task handlers on batches taken from the queue and
// settles every task with the store once its handler returns.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/dispatcher"
	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/internal/queue"
	"github.com/kellyson520/tg-forwarder/internal/sender"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

// ErrRetry asks for the task to run again after Delay. The run counts as
// an attempt.
type ErrRetry struct {
	Err   error
	Delay time.Duration
}

func (e *ErrRetry) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("retry in %s", e.Delay)
	}
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *ErrRetry) Unwrap() error { return e.Err }

// notDueError sends a task back until it is due. No attempt is spent.
type notDueError struct {
	Delay time.Duration
}

func (e *notDueError) Error() string {
	return fmt.Sprintf("not due for %s", e.Delay)
}

// Handler executes one unit. The returned error decides how its tasks are
// settled.
type Handler func(ctx context.Context, u *dispatcher.Unit) error

// Settler records task outcomes.
type Settler interface {
	Complete(ctx context.Context, tasks ...*models.Task) error
	Reschedule(ctx context.Context, delay time.Duration, tasks ...*models.Task) error
	Retry(ctx context.Context, delay time.Duration, cause error, tasks ...*models.Task) error
	Fail(ctx context.Context, cause error, tasks ...*models.Task) error
	FailPermanent(ctx context.Context, cause error, tasks ...*models.Task) error
	Exhausted(t *models.Task) bool
}

type Source interface {
	NextBatch(ctx context.Context, limit int) ([]*queue.Item, error)
	Done(items ...*queue.Item)
	BatchPause() time.Duration
}

// Outcome is how a unit was settled.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeRetrying    Outcome = "retrying"
	OutcomeFailed      Outcome = "failed"
	OutcomeRequeued    Outcome = "requeued"
)

type Pool struct {
	cfg      config.QueueConfig
	source   Source
	tasks    Settler
	handlers map[models.TaskType]Handler

	processed *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	now       func() time.Time
	jitter    func(time.Duration) time.Duration
}

func NewPool(cfg config.QueueConfig, source Source, tasks Settler, handlers map[models.TaskType]Handler) *Pool {
	return &Pool{
		cfg:       cfg,
		source:    source,
		tasks:     tasks,
		handlers:  handlers,
		processed: util.MustCounterVec("worker_tasks_total", "type", "outcome"),
		latency:   util.MustHistogramVec("worker_task_seconds", "type"),
		now:       time.Now,
		jitter:    func(d time.Duration) time.Duration { return util.Jitter(d, 0, 1) },
	}
}

// Run starts cfg.Workers workers and blocks until ctx is done or the source
// is closed and drained.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range max(1, p.cfg.Workers) {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		g.Go(func() error {
			return p.loop(logx.With(ctx, "worker_id", id))
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context) error {
	logx.Debugw(ctx, "worker started")
	defer logx.Debugw(ctx, "worker stopped")
	for {
		batch, err := p.source.NextBatch(ctx, p.cfg.BatchSize)
		if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		for _, it := range batch {
			if u, ok := it.Payload.(*dispatcher.Unit); ok {
				p.Process(ctx, u)
			} else {
				logx.Errorw(ctx, "unexpected queue payload", "payload", fmt.Sprintf("%T", it.Payload))
			}
			p.source.Done(it)
		}
		if d := p.source.BatchPause(); d > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d):
			}
		}
	}
}

// Process runs the handler of u and settles its tasks.
func (p *Pool) Process(ctx context.Context, u *dispatcher.Unit) Outcome {
	lead := u.Lead()
	ctx = logx.With(ctx, "task_id", lead.ID, "task_type", u.Type)
	var err error
	start := p.now()
	switch {
	case u.Recovered() && p.tasks.Exhausted(lead):
		err = models.Permanent(fmt.Errorf("task lock expired %d times", lead.Attempts))
	case u.Recovered():
		logx.Warnw(ctx, "task lock expired, running it as a retry", "attempts", lead.Attempts)
		fallthrough
	default:
		err = p.handle(ctx, u)
	}
	p.latency.WithLabelValues(string(u.Type)).Observe(p.now().Sub(start).Seconds())

	outcome := p.settle(ctx, u, err)
	p.processed.WithLabelValues(string(u.Type), string(outcome)).Inc()
	return outcome
}

func (p *Pool) handle(ctx context.Context, u *dispatcher.Unit) (err error) {
	h, ok := p.handlers[u.Type]
	if !ok {
		return models.Permanent(fmt.Errorf("%w: no handler for task type %q", models.ErrInvalidPayload, u.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			logx.Errorw(ctx, "task handler panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return h(ctx, u)
}

func (p *Pool) settle(ctx context.Context, u *dispatcher.Unit, err error) Outcome {
	store := context.WithoutCancel(ctx)
	var (
		outcome Outcome
		serr    error
		retry   *ErrRetry
		notDue  *notDueError
		resched *filters.RescheduleError
		limited *sender.RateLimitedError
	)
	switch {
	case err == nil:
		outcome, serr = OutcomeCompleted, p.tasks.Complete(store, u.Tasks...)
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		outcome, serr = OutcomeRequeued, p.tasks.Reschedule(store, 0, u.Tasks...)
	case errors.As(err, &notDue):
		outcome, serr = OutcomeRescheduled, p.tasks.Reschedule(store, notDue.Delay, u.Tasks...)
	case errors.As(err, &resched):
		outcome, serr = OutcomeRescheduled, p.tasks.Reschedule(store, resched.Delay, u.Tasks...)
	case errors.As(err, &retry):
		outcome, serr = OutcomeRescheduled, p.tasks.Retry(store, retry.Delay, err, u.Tasks...)
	case errors.As(err, &limited):
		delay := max(0, limited.Until.Sub(p.now())) + p.jitter(time.Second)
		outcome, serr = OutcomeRescheduled, p.tasks.Retry(store, delay, err, u.Tasks...)
	case permanent(err):
		outcome, serr = OutcomeFailed, p.tasks.FailPermanent(store, err, u.Tasks...)
	default:
		outcome, serr = OutcomeRetrying, p.tasks.Fail(store, err, u.Tasks...)
	}

	kv := []any{"outcome", outcome, "tasks", len(u.Tasks)}
	if err != nil {
		kv = append(kv, "error", err)
	}
	switch outcome {
	case OutcomeCompleted:
		logx.Debugw(ctx, "task done", kv...)
	case OutcomeFailed:
		logx.Errorw(ctx, "task failed", kv...)
	default:
		logx.Logw(ctx, logx.LevelForCode(models.Code(err)), "task not finished", kv...)
	}
	if serr != nil {
		logx.Logw(ctx, logx.LevelForCode(models.Code(serr)), "settle task", "outcome", outcome, "error", serr)
	}
	return outcome
}

func permanent(err error) bool {
	if models.IsPermanent(err) || models.Code(err) == codes.InvalidArgument {
		return true
	}
	return platform.Classify(err) == platform.KindPermanentEntity
}
