// Package pipeline runs a message through an ordered list of middlewares.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

// Middleware handles one step of message processing. Calling next hands the
// context to the following middleware; not calling it ends the run.
type Middleware interface {
	Name() string
	Process(ctx context.Context, mc *MessageContext, next func() error) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc struct {
	ID string
	Fn func(ctx context.Context, mc *MessageContext, next func() error) error
}

func (f MiddlewareFunc) Name() string { return f.ID }

func (f MiddlewareFunc) Process(ctx context.Context, mc *MessageContext, next func() error) error {
	return f.Fn(ctx, mc, next)
}

type Pipeline struct {
	middlewares []Middleware
}

func New(middlewares ...Middleware) *Pipeline {
	return &Pipeline{middlewares: middlewares}
}

// Use appends middlewares and returns p for chaining.
func (p *Pipeline) Use(m ...Middleware) *Pipeline {
	p.middlewares = append(p.middlewares, m...)
	return p
}

func (p *Pipeline) Names() []string {
	names := make([]string, len(p.middlewares))
	for i, m := range p.middlewares {
		names[i] = m.Name()
	}
	return names
}

// NewTraceID returns the first 8 hex characters of a random UUID.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Execute runs mc through every middleware. The trace id is bound to the
// logging context of all stages. A failing or panicking middleware
// terminates the run; its error is stored on mc and returned.
func (p *Pipeline) Execute(ctx context.Context, mc *MessageContext) error {
	if mc.TraceID == "" {
		mc.TraceID = NewTraceID()
	}
	mc.Set(KeyTraceID, mc.TraceID)
	ctx = logx.With(ctx, "trace_id", mc.TraceID, "chat_id", mc.ChatID, "msg_id", mc.MessageID)

	var call func(i int) error
	call = func(i int) error {
		if i >= len(p.middlewares) || mc.Terminated {
			return nil
		}
		return p.run(ctx, p.middlewares[i], mc, func() error { return call(i + 1) })
	}

	if err := call(0); err != nil {
		mc.Terminated = true
		mc.Err = err
		logx.Debugw(ctx, "pipeline terminated", "error", err)
		return err
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, m Middleware, mc *MessageContext, next func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logx.Errorw(ctx, "middleware panic", "middleware", m.Name(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("middleware %s panic: %v", m.Name(), r)
		}
	}()
	return m.Process(ctx, mc, next)
}
