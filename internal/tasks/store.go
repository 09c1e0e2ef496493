// Package tasks owns the lifecycle of durable work items: claiming,
// completion, rescheduling and retry with backoff.
package tasks

import (
	"context"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
)

// Store is the persistence the task lifecycle needs. The Mongo task
// repository implements it. Claims hand out a fresh lock token; settling
// with a stale token is a no-op (Complete) or ErrLockLost (Reschedule, Fail).
// A task claimed after its lock expired has the lost run counted as an
// attempt.
type Store interface {
	Push(ctx context.Context, task *models.Task) (bool, error)
	PushBatch(ctx context.Context, tasks []*models.Task) (int, error)
	FetchNext(ctx context.Context, limit int, visibility time.Duration) ([]*models.Task, error)
	Complete(ctx context.Context, leases ...models.TaskLease) error
	Reschedule(ctx context.Context, lease models.TaskLease, at time.Time, countAttempt bool) error
	Fail(ctx context.Context, lease models.TaskLease, reason string, retryAt *time.Time) error
	Stats(ctx context.Context) (models.QueueStats, error)
	CleanupFinished(ctx context.Context, before time.Time) (int64, error)
}
