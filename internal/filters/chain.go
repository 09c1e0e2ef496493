package filters

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

const DefaultStageTimeout = 10 * time.Second

// Chain runs its stages in order until one blocks.
type Chain struct {
	stages  []Filter
	timeout time.Duration
}

func NewChain(timeout time.Duration, stages ...Filter) *Chain {
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	return &Chain{stages: stages, timeout: timeout}
}

func (c *Chain) Names() []string {
	names := make([]string, len(c.stages))
	for i, f := range c.stages {
		names[i] = f.Name()
	}
	return names
}

// Process reports whether the rule survived every stage. The only error
// it returns is a *RescheduleError; stage failures block the rule and are
// recorded in fc.Errors.
func (c *Chain) Process(ctx context.Context, fc *Context) (bool, error) {
	for _, f := range c.stages {
		ok, err := c.run(ctx, f, fc)
		var rs *RescheduleError
		if errors.As(err, &rs) {
			fc.trace("Filter:%s RESCHEDULE %s", f.Name(), rs.Delay)
			return false, rs
		}
		if err != nil {
			logx.Warnw(ctx, "filter stage failed", "filter", f.Name(), "rule_id", fc.Rule.ID, "error", err)
			fc.Fail("filter %s: %v", f.Name(), err)
			ok = false
		}
		if !ok {
			fc.trace("Filter:%s BLOCK", f.Name())
			logx.Debugw(ctx, "filter blocked rule", "filter", f.Name(), "rule_id", fc.Rule.ID, "reason", fc.Reason())
			return false, nil
		}
		fc.trace("Filter:%s PASS", f.Name())
	}
	return true, nil
}

func (c *Chain) run(ctx context.Context, f Filter, fc *Context) (ok bool, err error) {
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logx.Errorw(ctx, "filter panic", "filter", f.Name(), "panic", r, "stack", string(debug.Stack()))
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()

	ok, err = f.Process(sctx, fc)
	if err == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return false, fmt.Errorf("timed out after %s", c.timeout)
	}
	return ok, err
}
