// Package logx is a context-first facade over a zap sugared logger.
// Key/value pairs bound with With are appended to every line logged
// through the returned context.
package logx

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"

	"github.com/kellyson520/tg-forwarder/pkg/ctxval"
)

type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

var base atomic.Pointer[zap.SugaredLogger]

func init() {
	base.Store(zap.NewNop().Sugar())
}

// Init replaces the process logger. format is "json" or "console".
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	base.Store(l.Sugar())
	return nil
}

// SetLogger installs an already built logger, mostly for tests.
func SetLogger(l *zap.Logger) {
	base.Store(l.WithOptions(zap.AddCallerSkip(1)).Sugar())
}

func L() *zap.SugaredLogger {
	return base.Load()
}

func Named(name string) *zap.SugaredLogger {
	return base.Load().Named(name)
}

type fieldsKey struct{}

// With returns a context whose log lines carry kv in addition to any
// fields already bound to ctx.
func With(ctx context.Context, kv ...any) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev := Fields(ctx)
	merged := make([]any, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// Fields returns the key/value pairs bound to ctx.
func Fields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	kv, _ := ctx.Value(fieldsKey{}).([]any)
	return kv
}

type annotationsKey struct{}

// Annotate adds kv to the summary line of whoever wrapped ctx with
// ctxval.Wrap, such as the request logger. Unwrapped contexts drop kv.
func Annotate(ctx context.Context, kv ...any) {
	if len(kv) == 0 {
		return
	}
	ctxval.Update(ctx, annotationsKey{}, func(cur []any, _ bool) []any {
		return append(cur[:len(cur):len(cur)], kv...)
	})
}

// Annotations returns the pairs added with Annotate.
func Annotations(ctx context.Context) []any {
	kv, _ := ctxval.Get[annotationsKey, []any](ctx, annotationsKey{})
	return kv
}

func from(ctx context.Context) *zap.SugaredLogger {
	l := base.Load()
	if kv := Fields(ctx); len(kv) > 0 {
		return l.With(kv...)
	}
	return l
}

func Debugw(ctx context.Context, msg string, kv ...any) { from(ctx).Debugw(msg, kv...) }
func Infow(ctx context.Context, msg string, kv ...any)  { from(ctx).Infow(msg, kv...) }
func Warnw(ctx context.Context, msg string, kv ...any)  { from(ctx).Warnw(msg, kv...) }
func Errorw(ctx context.Context, msg string, kv ...any) { from(ctx).Errorw(msg, kv...) }

func Debugf(ctx context.Context, template string, args ...any) { from(ctx).Debugf(template, args...) }
func Infof(ctx context.Context, template string, args ...any)  { from(ctx).Infof(template, args...) }
func Warnf(ctx context.Context, template string, args ...any)  { from(ctx).Warnf(template, args...) }
func Errorf(ctx context.Context, template string, args ...any) { from(ctx).Errorf(template, args...) }

func Logw(ctx context.Context, level Level, msg string, kv ...any) {
	from(ctx).Logw(level, msg, kv...)
}

// LevelForCode maps a status code to the level its outcome is logged at.
func LevelForCode(code codes.Code) Level {
	switch code {
	case codes.OK:
		return InfoLevel
	case codes.Canceled,
		codes.InvalidArgument,
		codes.NotFound,
		codes.AlreadyExists,
		codes.PermissionDenied,
		codes.Unauthenticated,
		codes.ResourceExhausted,
		codes.FailedPrecondition,
		codes.Aborted,
		codes.Unimplemented,
		codes.OutOfRange:
		return WarnLevel
	default:
		return ErrorLevel
	}
}
