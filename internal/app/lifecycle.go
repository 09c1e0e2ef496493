package app

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/dispatcher"
	"github.com/kellyson520/tg-forwarder/internal/eventbus"
	"github.com/kellyson520/tg-forwarder/internal/ingest"
	"github.com/kellyson520/tg-forwarder/internal/kafka"
	"github.com/kellyson520/tg-forwarder/internal/queue"
	"github.com/kellyson520/tg-forwarder/internal/repo/telegram"
	"github.com/kellyson520/tg-forwarder/internal/scheduler"
	"github.com/kellyson520/tg-forwarder/internal/usecase"
	"github.com/kellyson520/tg-forwarder/internal/worker"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

// LoadSettings restores the operator settings before any message flows.
func LoadSettings(lc fx.Lifecycle, admin usecase.AdminUsecase) {
	lc.Append(fx.Hook{OnStart: admin.Load})
}

type forwarderParams struct {
	fx.In

	Config     *config.Config
	BotAPI     *tgbotapi.BotAPI
	Client     *telegram.Client
	Intake     *ingest.Intake
	Bus        *eventbus.Bus
	Dispatcher *dispatcher.Dispatcher
	Queue      *queue.Queue
	Pool       *worker.Pool
	Scheduler  *scheduler.Scheduler
}

// RunForwarder starts the listener, dispatcher, workers and maintenance
// jobs. On stop the producers go first, then the queue is drained, and
// workers still busy when the stop deadline passes are cancelled.
func RunForwarder(lc fx.Lifecycle, sd fx.Shutdowner, p forwarderParams) {
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	workCtx, stopWork := context.WithCancel(context.Background())
	poolDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Scheduler.Start(ctx)

			go func() {
				defer close(poolDone)
				if err := p.Pool.Run(workCtx); err != nil {
					logx.Errorw(workCtx, "worker pool stopped", "error", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			go func() {
				if err := p.Dispatcher.Run(ingestCtx); err != nil {
					logx.Errorw(ingestCtx, "dispatcher stopped", "error", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()

			if !p.Config.Telegram.Enabled {
				logx.Warnw(ctx, "telegram listener is disabled")
				return nil
			}
			listener := telegram.NewListener(p.BotAPI, p.Client, p.Intake, p.Bus, p.Config.Telegram)
			go func() {
				if err := listener.Run(ingestCtx); err != nil && ingestCtx.Err() == nil {
					logx.Errorw(ingestCtx, "telegram listener stopped", "error", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopIngest()
			p.Queue.Close()
			logx.Infow(ctx, "draining queue", "outstanding", p.Queue.Outstanding())

			select {
			case <-poolDone:
			case <-ctx.Done():
				logx.Warnw(ctx, "queue not drained in time, cancelling workers", "outstanding", p.Queue.Outstanding())
				stopWork()
				<-poolDone
			}
			stopWork()
			return p.Scheduler.Stop(ctx)
		},
	})
}

// StartKafka runs the Kafka ingress. A disabled consumer returns at once.
func StartKafka(lc fx.Lifecycle, consumer kafka.Consumer) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := consumer.Start(runCtx); err != nil {
					logx.Errorw(runCtx, "kafka consumer stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			defer cancel()
			err := consumer.Stop(ctx)
			select {
			case <-done:
			case <-ctx.Done():
				cancel()
				<-done
			}
			return err
		},
	})
}
