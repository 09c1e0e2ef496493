package sender

import (
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

// RateLimitedError is returned while a target is cooling down after a
// flood wait.
type RateLimitedError struct {
	Target int64
	Until  time.Time
	Err    error
}

func (e *RateLimitedError) Error() string {
	msg := fmt.Sprintf("target %d rate limited until %s", e.Target, e.Until.Format(time.RFC3339))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

func (e *RateLimitedError) Is(target error) bool {
	return target == models.ErrRateLimited
}

func (e *RateLimitedError) GRPCStatus() *status.Status {
	return status.New(codes.ResourceExhausted, e.Error())
}

// PartialSendError reports a send that failed after part of its output was
// delivered. Repeating the whole request would duplicate Sent.
type PartialSendError struct {
	Sent []*models.Message
	Err  error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("sent %d message(s) before failing: %v", len(e.Sent), e.Err)
}

func (e *PartialSendError) Unwrap() error {
	return e.Err
}

// FloodTable holds the cooldown deadline of every target that reported a
// flood wait.
type FloodTable struct {
	deadlines *xsync.Map[int64, time.Time]
	now       func() time.Time
}

func NewFloodTable() *FloodTable {
	return &FloodTable{deadlines: xsync.NewMap[int64, time.Time](), now: time.Now}
}

// Note records a flood wait of seconds for target, scaled by a random
// factor in [0.8, 1.2). An existing later deadline is kept.
func (t *FloodTable) Note(target int64, seconds int) time.Time {
	until := t.now().Add(util.Jitter(time.Duration(seconds)*time.Second, 0.8, 1.2))
	v, _ := t.deadlines.Compute(target, func(old time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && old.After(until) {
			return old, xsync.CancelOp
		}
		return until, xsync.UpdateOp
	})
	return v
}

// Deadline returns the cooldown deadline of target if it lies in the
// future.
func (t *FloodTable) Deadline(target int64) (time.Time, bool) {
	until, ok := t.deadlines.Load(target)
	if !ok {
		return time.Time{}, false
	}
	if !until.After(t.now()) {
		t.deadlines.Compute(target, func(old time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
			if loaded && !old.After(t.now()) {
				return old, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
		return time.Time{}, false
	}
	return until, true
}

// Active lists every target still cooling down.
func (t *FloodTable) Active() map[int64]time.Time {
	now := t.now()
	out := map[int64]time.Time{}
	t.deadlines.Range(func(target int64, until time.Time) bool {
		if until.After(now) {
			out[target] = until
		}
		return true
	})
	return out
}
