// Package scheduler runs periodic maintenance: purging finished tasks,
// expiring media signatures and flushing the audit summary.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

type TaskCleaner interface {
	CleanupFinished(ctx context.Context, before time.Time) (int64, error)
}

type SignatureCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

type Flusher interface {
	Flush(ctx context.Context) error
}

const (
	JobTaskCleanup      = "task_cleanup"
	JobSignatureCleanup = "signature_cleanup"
	JobAuditFlush       = "audit_flush"
)

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	jobs   map[string]job
	runs   *prometheus.CounterVec
	now    func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the maintenance jobs. A job whose dependency is nil or
// whose schedule is empty is skipped.
func New(cfg config.SchedulerConfig, tasks TaskCleaner, signatures SignatureCleaner, audit Flusher) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cronLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		parser: parser,
		jobs:   map[string]job{},
		runs:   util.MustCounterVec("scheduler_job_runs_total", "job", "status"),
		now:    time.Now,
		ctx:    context.Background(),
	}

	if tasks != nil {
		retention := cfg.TaskRetention
		if err := s.add(JobTaskCleanup, cfg.TaskCleanup, func(ctx context.Context) error {
			n, err := tasks.CleanupFinished(ctx, s.now().Add(-retention))
			if err == nil && n > 0 {
				logx.Infow(ctx, "finished tasks purged", "count", n, "retention", retention)
			}
			return err
		}); err != nil {
			return nil, err
		}
	}
	if signatures != nil {
		if err := s.add(JobSignatureCleanup, cfg.SignatureCleanup, func(ctx context.Context) error {
			n, err := signatures.Cleanup(ctx)
			if err == nil && n > 0 {
				logx.Infow(ctx, "expired media signatures removed", "count", n)
			}
			return err
		}); err != nil {
			return nil, err
		}
	}
	if audit != nil {
		if err := s.add(JobAuditFlush, cfg.AuditFlush, audit.Flush); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, run func(ctx context.Context) error) error {
	if spec == "" {
		return nil
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	j := job{name: name, spec: spec, run: run}
	s.jobs[name] = j
	s.cron.Schedule(schedule, cron.FuncJob(func() { _ = s.execute(s.context(), j) }))
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) execute(ctx context.Context, j job) error {
	ctx = logx.With(ctx, "job", j.name)
	start := s.now()
	err := j.run(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		logx.Errorw(ctx, "maintenance job failed", "error", err, "took", time.Since(start))
	} else {
		logx.Debugw(ctx, "maintenance job done", "took", time.Since(start))
	}
	s.runs.WithLabelValues(j.name, status).Inc()
	return err
}

// Jobs lists the registered job names with their schedules.
func (s *Scheduler) Jobs() map[string]string {
	out := make(map[string]string, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.spec
	}
	return out
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()
	s.cron.Start()
	logx.Infow(ctx, "scheduler started", "jobs", s.Jobs())
}

// Stop waits for running jobs, bounded by ctx, and flushes the audit
// summary one last time.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logx.Warnw(ctx, "scheduler stop timed out waiting for jobs")
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if _, ok := s.jobs[JobAuditFlush]; ok {
		return s.RunNow(ctx, JobAuditFlush)
	}
	return nil
}

// cronLogger routes cron's own messages to the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	logx.Debugw(context.Background(), "cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	logx.Errorw(context.Background(), "cron: "+msg, append(kv, "error", err)...)
}
