package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type TaskRepository interface {
	Push(ctx context.Context, task *models.Task) (bool, error)
	PushBatch(ctx context.Context, tasks []*models.Task) (int, error)
	FetchNext(ctx context.Context, limit int, visibility time.Duration) ([]*models.Task, error)
	Complete(ctx context.Context, leases ...models.TaskLease) error
	Reschedule(ctx context.Context, lease models.TaskLease, at time.Time, countAttempt bool) error
	Fail(ctx context.Context, lease models.TaskLease, reason string, retryAt *time.Time) error
	Stats(ctx context.Context) (models.QueueStats, error)
	CleanupFinished(ctx context.Context, before time.Time) (int64, error)
}

type taskRepo struct {
	baseRepo[models.Task]
}

func NewTaskRepository(db *DB) TaskRepository {
	return &taskRepo{baseRepo: newBaseRepo[models.Task](db.Database)}
}

func prepareTask(t *models.Task, now time.Time) {
	if t.ID == "" {
		t.ID = models.NewObjectID()
	}
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	t.CreatedAt = now
	t.UpdatedAt = now
}

// Push inserts task unless another task with the same unique key exists.
func (r *taskRepo) Push(ctx context.Context, task *models.Task) (bool, error) {
	prepareTask(task, time.Now())
	_, err := r.Insert(ctx, *task)
	if errors.Is(err, models.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("push task: %w", err)
	}
	return true, nil
}

func (r *taskRepo) PushBatch(ctx context.Context, tasks []*models.Task) (int, error) {
	now := time.Now()
	docs := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		prepareTask(t, now)
		docs = append(docs, *t)
	}
	n, err := r.InsertMany(ctx, docs)
	if err != nil {
		return 0, fmt.Errorf("push task batch: %w", err)
	}
	return n, nil
}

func claimable(now time.Time) bson.M {
	return bson.M{
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"status": models.TaskPending},
				bson.M{"status": models.TaskProcessing, "locked_until": bson.M{"$lt": now}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"next_retry_at": nil},
				bson.M{"next_retry_at": bson.M{"$lte": now}},
			}},
		},
	}
}

// claimOne locks one matching task under a new token. Reclaiming a task
// whose lock expired counts the lost run as an attempt.
func (r *taskRepo) claimOne(ctx context.Context, filter bson.M, now time.Time, visibility time.Duration) (*models.Task, error) {
	// whole milliseconds, as stored
	lockedUntil := now.Add(visibility).Truncate(time.Millisecond)
	token := uuid.NewString()
	update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"attempts": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$status", models.TaskProcessing}},
			bson.M{"$add": bson.A{"$attempts", 1}},
			"$attempts",
		}},
		"status":       models.TaskProcessing,
		"locked_until": lockedUntil,
		"lock_token":   token,
		"updated_at":   now,
	}}}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.Before)

	var prev models.Task
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&prev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prev.Recovered = prev.Status == models.TaskProcessing
	if prev.Recovered {
		prev.Attempts++
	}
	prev.Status = models.TaskProcessing
	prev.LockedUntil = &lockedUntil
	prev.LockToken = token
	return &prev, nil
}

// FetchNext claims up to limit runnable tasks, highest priority and oldest
// first. Pending siblings of a claimed grouped task are claimed with it.
func (r *taskRepo) FetchNext(ctx context.Context, limit int, visibility time.Duration) ([]*models.Task, error) {
	now := time.Now()
	out := make([]*models.Task, 0, limit)
	for len(out) < limit {
		filter := claimable(now)
		filter["scheduled_at"] = bson.M{"$lte": now}
		task, err := r.claimOne(ctx, filter, now, visibility)
		if err != nil {
			return out, fmt.Errorf("claim task: %w", err)
		}
		if task == nil {
			break
		}
		out = append(out, task)
		if task.GroupedID == "" {
			continue
		}
		for {
			sf := claimable(now)
			sf["grouped_id"] = task.GroupedID
			sibling, err := r.claimOne(ctx, sf, now, visibility)
			if err != nil {
				return out, fmt.Errorf("claim group %s: %w", task.GroupedID, err)
			}
			if sibling == nil {
				break
			}
			out = append(out, sibling)
		}
	}
	return out, nil
}

// leaseFilter matches the task only while lease still holds its lock. An
// empty token matches any unfinished task.
func leaseFilter(l models.TaskLease) bson.M {
	f := bson.M{"_id": l.ID, "status": bson.M{"$ne": models.TaskCompleted}}
	if l.Token != "" {
		f["lock_token"] = l.Token
	}
	return f
}

var releaseLock = bson.M{"locked_until": "", "lock_token": ""}

func (r *taskRepo) Complete(ctx context.Context, leases ...models.TaskLease) error {
	if len(leases) == 0 {
		return nil
	}
	or := make(bson.A, 0, len(leases))
	for _, l := range leases {
		or = append(or, leaseFilter(l))
	}
	_, err := r.UpdateMany(ctx,
		bson.M{"$or": or},
		bson.M{
			"$set":   bson.M{"status": models.TaskCompleted, "updated_at": time.Now()},
			"$unset": bson.M{"locked_until": "", "lock_token": "", "next_retry_at": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("complete tasks: %w", err)
	}
	return nil
}

// settleOne applies update through lease. Nothing matching means another
// claim owns the task now, unless it was already completed.
func (r *taskRepo) settleOne(ctx context.Context, op string, l models.TaskLease, update bson.M) error {
	n, err := r.UpdateMany(ctx, leaseFilter(l), update)
	if err != nil {
		return fmt.Errorf("%s task %s: %w", op, l.ID, err)
	}
	if n > 0 {
		return nil
	}
	done, err := r.Count(ctx, bson.M{"_id": l.ID, "status": models.TaskCompleted})
	if err != nil {
		return fmt.Errorf("%s task %s: %w", op, l.ID, err)
	}
	if done > 0 {
		return nil
	}
	return fmt.Errorf("%s task %s: %w", op, l.ID, models.ErrLockLost)
}

func (r *taskRepo) Reschedule(ctx context.Context, lease models.TaskLease, at time.Time, countAttempt bool) error {
	update := bson.M{
		"$set": bson.M{
			"status":        models.TaskPending,
			"scheduled_at":  at,
			"next_retry_at": at,
			"updated_at":    time.Now(),
		},
		"$unset": releaseLock,
	}
	if countAttempt {
		update["$inc"] = bson.M{"attempts": 1}
	}
	return r.settleOne(ctx, "reschedule", lease, update)
}

// Fail records a failed attempt. A nil retryAt marks the task failed for
// good; otherwise it becomes pending again at retryAt.
func (r *taskRepo) Fail(ctx context.Context, lease models.TaskLease, reason string, retryAt *time.Time) error {
	set := bson.M{"last_error": reason, "updated_at": time.Now()}
	update := bson.M{
		"$set":   set,
		"$inc":   bson.M{"attempts": 1},
		"$unset": releaseLock,
	}
	if retryAt == nil {
		set["status"] = models.TaskFailed
	} else {
		set["status"] = models.TaskPending
		set["next_retry_at"] = *retryAt
	}
	return r.settleOne(ctx, "fail", lease, update)
}

func (r *taskRepo) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	cursor, err := r.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return stats, fmt.Errorf("aggregate task stats: %w", err)
	}
	var rows []struct {
		Status models.TaskStatus `bson:"_id"`
		Count  int64             `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return stats, fmt.Errorf("decode task stats: %w", err)
	}
	for _, row := range rows {
		switch row.Status {
		case models.TaskPending:
			stats.Pending = row.Count
		case models.TaskProcessing:
			stats.Processing = row.Count
		case models.TaskCompleted:
			stats.Completed = row.Count
		case models.TaskFailed:
			stats.Failed = row.Count
		}
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.ErrorRate = float64(stats.Failed) / float64(finished)
	}
	return stats, nil
}

func (r *taskRepo) CleanupFinished(ctx context.Context, before time.Time) (int64, error) {
	return r.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": bson.A{models.TaskCompleted, models.TaskFailed}},
		"updated_at": bson.M{"$lt": before},
	})
}
