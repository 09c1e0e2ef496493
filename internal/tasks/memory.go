package tasks

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kellyson520/tg-forwarder/internal/models"
)

// MemoryStore is a process-local Store used by tests and dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	seq   int
	tasks map[models.ObjectID]*models.Task
	byKey map[string]models.ObjectID
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: map[models.ObjectID]*models.Task{},
		byKey: map[string]models.ObjectID{},
		now:   time.Now,
	}
}

// Get returns a copy of the stored task.
func (s *MemoryStore) Get(id models.ObjectID) (models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return *t, true
}

func (s *MemoryStore) All() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b models.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *MemoryStore) Push(_ context.Context, task *models.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(task), nil
}

func (s *MemoryStore) push(task *models.Task) bool {
	if task.UniqueKey != "" {
		if _, ok := s.byKey[task.UniqueKey]; ok {
			return false
		}
	}
	now := s.now()
	s.seq++
	if task.ID == "" {
		task.ID = models.ObjectID("task-" + strconv.Itoa(s.seq))
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	// keep insertion order stable for equal timestamps
	task.CreatedAt = now.Add(time.Duration(s.seq))
	task.UpdatedAt = now
	cp := *task
	s.tasks[task.ID] = &cp
	if task.UniqueKey != "" {
		s.byKey[task.UniqueKey] = task.ID
	}
	return true
}

func (s *MemoryStore) PushBatch(_ context.Context, tasks []*models.Task) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range tasks {
		if s.push(t) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) claimable(t *models.Task, now time.Time) bool {
	switch t.Status {
	case models.TaskPending:
	case models.TaskProcessing:
		if t.LockedUntil == nil || !t.LockedUntil.Before(now) {
			return false
		}
	default:
		return false
	}
	return t.NextRetryAt == nil || !t.NextRetryAt.After(now)
}

func (s *MemoryStore) claim(t *models.Task, now time.Time, visibility time.Duration) *models.Task {
	recovered := t.Status == models.TaskProcessing
	if recovered {
		t.Attempts++
	}
	until := now.Add(visibility)
	t.Status = models.TaskProcessing
	t.LockedUntil = &until
	t.LockToken = uuid.NewString()
	t.UpdatedAt = now
	cp := *t
	cp.Recovered = recovered
	return &cp
}

func (s *MemoryStore) FetchNext(_ context.Context, limit int, visibility time.Duration) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var candidates []*models.Task
	for _, t := range s.tasks {
		if s.claimable(t, now) && !t.ScheduledAt.After(now) {
			candidates = append(candidates, t)
		}
	}
	slices.SortFunc(candidates, func(a, b *models.Task) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	var out []*models.Task
	for _, t := range candidates {
		if len(out) >= limit {
			break
		}
		if !s.claimable(t, now) {
			continue
		}
		out = append(out, s.claim(t, now, visibility))
		if t.GroupedID == "" {
			continue
		}
		var siblings []*models.Task
		for _, o := range s.tasks {
			if o.GroupedID == t.GroupedID && s.claimable(o, now) {
				siblings = append(siblings, o)
			}
		}
		slices.SortFunc(siblings, func(a, b *models.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
		for _, o := range siblings {
			out = append(out, s.claim(o, now, visibility))
		}
	}
	return out, nil
}

// owned returns the task lease still holds. Unknown and completed tasks
// yield nil without error.
func (s *MemoryStore) owned(l models.TaskLease) (*models.Task, error) {
	t, ok := s.tasks[l.ID]
	if !ok || t.Status == models.TaskCompleted {
		return nil, nil
	}
	if l.Token != "" && l.Token != t.LockToken {
		return nil, models.ErrLockLost
	}
	return t, nil
}

func release(t *models.Task) {
	t.LockedUntil = nil
	t.LockToken = ""
}

func (s *MemoryStore) Complete(_ context.Context, leases ...models.TaskLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range leases {
		t, err := s.owned(l)
		if t == nil || err != nil {
			continue
		}
		t.Status = models.TaskCompleted
		release(t)
		t.NextRetryAt = nil
		t.UpdatedAt = s.now()
	}
	return nil
}

func (s *MemoryStore) Reschedule(_ context.Context, l models.TaskLease, at time.Time, countAttempt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(l)
	if t == nil {
		return err
	}
	t.Status = models.TaskPending
	t.ScheduledAt = at
	t.NextRetryAt = &at
	release(t)
	if countAttempt {
		t.Attempts++
	}
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, l models.TaskLease, reason string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(l)
	if t == nil {
		return err
	}
	t.Attempts++
	t.LastError = reason
	release(t)
	t.UpdatedAt = s.now()
	if retryAt == nil {
		t.Status = models.TaskFailed
		return nil
	}
	at := *retryAt
	t.Status = models.TaskPending
	t.NextRetryAt = &at
	return nil
}

func (s *MemoryStore) Stats(context.Context) (models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.QueueStats
	for _, t := range s.tasks {
		switch t.Status {
		case models.TaskPending:
			st.Pending++
		case models.TaskProcessing:
			st.Processing++
		case models.TaskCompleted:
			st.Completed++
		case models.TaskFailed:
			st.Failed++
		}
	}
	if finished := st.Completed + st.Failed; finished > 0 {
		st.ErrorRate = float64(st.Failed) / float64(finished)
	}
	return st, nil
}

func (s *MemoryStore) CleanupFinished(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if (t.Status == models.TaskCompleted || t.Status == models.TaskFailed) && t.UpdatedAt.Before(before) {
			delete(s.tasks, id)
			if t.UniqueKey != "" {
				delete(s.byKey, t.UniqueKey)
			}
			n++
		}
	}
	return n, nil
}

// SetClock overrides the store's time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
