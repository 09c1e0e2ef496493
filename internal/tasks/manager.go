package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

// RetryPolicy computes the delay before the next attempt of a failed task.
type RetryPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func NewRetryPolicy(cfg config.TaskConfig) RetryPolicy {
	return RetryPolicy{Base: cfg.RetryBase, Factor: cfg.RetryFactor, Max: cfg.RetryMax}
}

// Delay is min(base * factor^attempts, max) plus up to 10% jitter.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempts))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d + d*0.1*rand.Float64())
}

type Manager struct {
	store       Store
	policy      RetryPolicy
	maxAttempts int
	now         func() time.Time
}

func NewManager(store Store, cfg config.TaskConfig) *Manager {
	return &Manager{
		store:       store,
		policy:      NewRetryPolicy(cfg),
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
}

func (m *Manager) Store() Store {
	return m.store
}

// Push fills defaults and inserts the task idempotently by unique key.
func (m *Manager) Push(ctx context.Context, task *models.Task) (bool, error) {
	if task.MaxAttempts == 0 {
		task.MaxAttempts = m.maxAttempts
	}
	return m.store.Push(ctx, task)
}

func (m *Manager) PushBatch(ctx context.Context, tasks []*models.Task) (int, error) {
	for _, t := range tasks {
		if t.MaxAttempts == 0 {
			t.MaxAttempts = m.maxAttempts
		}
	}
	return m.store.PushBatch(ctx, tasks)
}

func (m *Manager) Complete(ctx context.Context, tasks ...*models.Task) error {
	return m.store.Complete(ctx, util.ConvertList(tasks, (*models.Task).Lease)...)
}

// Reschedule puts every task back to pending at now+delay without
// spending an attempt.
func (m *Manager) Reschedule(ctx context.Context, delay time.Duration, tasks ...*models.Task) error {
	at := m.now().Add(delay)
	var errs []error
	for _, t := range tasks {
		if err := m.store.Reschedule(ctx, t.Lease(), at, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Retry is Reschedule that spends an attempt. Tasks out of attempts are
// failed for good with cause.
func (m *Manager) Retry(ctx context.Context, delay time.Duration, cause error, tasks ...*models.Task) error {
	at := m.now().Add(delay)
	var errs []error
	for _, t := range tasks {
		if attempts := t.Attempts + 1; attempts >= m.limit(t) {
			logx.Warnw(ctx, "task exhausted retries", "task_id", t.ID, "attempts", attempts, "error", cause)
			errs = append(errs, m.store.Fail(ctx, t.Lease(), errString(cause), nil))
			continue
		}
		errs = append(errs, m.store.Reschedule(ctx, t.Lease(), at, true))
	}
	return errors.Join(errs...)
}

// Exhausted reports whether t has no attempts left, as happens to a task
// whose lock keeps expiring.
func (m *Manager) Exhausted(t *models.Task) bool {
	return t.Attempts >= m.limit(t)
}

func (m *Manager) limit(t *models.Task) int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	return m.maxAttempts
}

// Fail records cause on every task. Tasks that still have attempts left are
// retried after the policy delay; the others are failed for good.
func (m *Manager) Fail(ctx context.Context, cause error, tasks ...*models.Task) error {
	var errs []error
	for _, t := range tasks {
		attempts := t.Attempts + 1
		if attempts >= m.limit(t) {
			logx.Warnw(ctx, "task exhausted retries", "task_id", t.ID, "attempts", attempts, "error", cause)
			errs = append(errs, m.store.Fail(ctx, t.Lease(), errString(cause), nil))
			continue
		}
		retryAt := m.now().Add(m.policy.Delay(t.Attempts))
		logx.Infow(ctx, "task scheduled for retry", "task_id", t.ID, "attempts", attempts, "retry_at", retryAt)
		errs = append(errs, m.store.Fail(ctx, t.Lease(), errString(cause), &retryAt))
	}
	return errors.Join(errs...)
}

// FailPermanent fails tasks without retry.
func (m *Manager) FailPermanent(ctx context.Context, cause error, tasks ...*models.Task) error {
	var errs []error
	for _, t := range tasks {
		errs = append(errs, m.store.Fail(ctx, t.Lease(), errString(cause), nil))
	}
	return errors.Join(errs...)
}

func (m *Manager) FetchNext(ctx context.Context, limit int, visibility time.Duration) ([]*models.Task, error) {
	return m.store.FetchNext(ctx, limit, visibility)
}

func (m *Manager) Stats(ctx context.Context) (models.QueueStats, error) {
	return m.store.Stats(ctx)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
