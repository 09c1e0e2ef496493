package app

import (
	"context"
	"errors"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"

	"github.com/kellyson520/tg-forwarder/internal/audit"
	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/dedup"
	"github.com/kellyson520/tg-forwarder/internal/dispatcher"
	"github.com/kellyson520/tg-forwarder/internal/eventbus"
	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/ingest"
	"github.com/kellyson520/tg-forwarder/internal/kafka"
	"github.com/kellyson520/tg-forwarder/internal/middlewares"
	"github.com/kellyson520/tg-forwarder/internal/pipeline"
	"github.com/kellyson520/tg-forwarder/internal/queue"
	"github.com/kellyson520/tg-forwarder/internal/repo/broadcast"
	"github.com/kellyson520/tg-forwarder/internal/repo/llm"
	"github.com/kellyson520/tg-forwarder/internal/repo/mongodb"
	"github.com/kellyson520/tg-forwarder/internal/repo/telegram"
	"github.com/kellyson520/tg-forwarder/internal/rules"
	"github.com/kellyson520/tg-forwarder/internal/scheduler"
	"github.com/kellyson520/tg-forwarder/internal/sender"
	"github.com/kellyson520/tg-forwarder/internal/tasks"
	"github.com/kellyson520/tg-forwarder/internal/usecase"
	"github.com/kellyson520/tg-forwarder/internal/worker"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

const replyIndexSize = 50_000

func newMongoDB(lc fx.Lifecycle, cfg *config.Config) (*mongodb.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := mongodb.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return db.EnsureIndexes(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return db.Close(ctx)
		},
	})
	return db, nil
}

// newEventBus mirrors every event to the events topic when one is set.
// Pending handlers are drained on stop.
func newEventBus(lc fx.Lifecycle, cfg *config.Config) (*eventbus.Bus, error) {
	bus := eventbus.New()
	var producer *broadcast.Producer
	if cfg.Kafka.Enabled && cfg.Kafka.EventsTopic != "" {
		p, err := broadcast.NewProducer(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		producer = p
		bus.SetBroadcaster(p)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			err := bus.Drain(ctx)
			if producer != nil {
				bus.SetBroadcaster(nil)
				err = errors.Join(err, producer.Close())
			}
			return err
		},
	})
	return bus, nil
}

func newRuleRepository(lc fx.Lifecycle, cfg *config.Config, store mongodb.RuleRepository, chats mongodb.ChatRepository, bus *eventbus.Bus) *rules.Repository {
	repo := rules.NewRepository(store, chats, bus, cfg.Rules)
	lc.Append(fx.StopHook(repo.Close))
	return repo
}

func newStoredSettings(store mongodb.SystemConfigRepository) *filters.StoredSettings {
	return filters.NewStoredSettings(store)
}

func newReplyIndex() *sender.ReplyIndex {
	return sender.NewReplyIndex(replyIndexSize)
}

func newFilterFactory(
	lc fx.Lifecycle,
	cfg *config.Config,
	settings *filters.StoredSettings,
	bus *eventbus.Bus,
	replies *sender.ReplyIndex,
) (*filters.Factory, error) {
	registry := filters.DefaultRegistry(filters.Deps{
		Settings: settings,
		Bus:      bus,
		Replies:  replies,
	})
	factory, err := filters.NewFactory(registry, cfg.Forward.FilterTimeout)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(factory.Close))
	return factory, nil
}

func newBotAPI(cfg *config.Config) (*tgbotapi.BotAPI, error) {
	return telegram.NewBotAPI(cfg.Telegram)
}

func newTelegramClient(api *tgbotapi.BotAPI, cfg *config.Config) *telegram.Client {
	return telegram.NewClient(api, cfg.Telegram)
}

func newSender(client *telegram.Client, cfg *config.Config, replies *sender.ReplyIndex) *sender.Sender {
	return sender.New(client, cfg.Forward, replies)
}

func newDedupEngine(store mongodb.SignatureRepository, client *telegram.Client, cfg *config.Config) *dedup.Engine {
	return dedup.NewEngine(store, client, cfg.Dedup)
}

func newAuditRecorder(cfg *config.Config, sink mongodb.AuditRepository) (*audit.Recorder, error) {
	return audit.New(cfg.Audit, sink)
}

func newRewriter(cfg *config.Config) *llm.Rewriter {
	return llm.NewRewriter(cfg.LLM)
}

func newPusher() *filters.Pusher {
	return filters.NewPusher(util.NewRestyClient())
}

type pipelineParams struct {
	fx.In

	Config   *config.Config
	Rules    *rules.Repository
	Dedup    *dedup.Engine
	Filters  *filters.Factory
	Bus      *eventbus.Bus
	Audit    *audit.Recorder
	Rewriter *llm.Rewriter
	Sender   *sender.Sender
	Pusher   *filters.Pusher
}

func newPipeline(p pipelineParams) *pipeline.Pipeline {
	return pipeline.New(
		middlewares.NewRuleLoader(p.Rules),
		middlewares.NewDedup(p.Dedup, p.Bus, p.Audit),
		middlewares.NewFilter(p.Filters, p.Bus, p.Audit),
		middlewares.NewAI(p.Rewriter, p.Config.LLM.DefaultPrompt),
		middlewares.NewSender(p.Sender, p.Bus, p.Audit, p.Pusher),
	)
}

func newQueue(cfg *config.Config) *queue.Queue {
	return queue.New(cfg.Queue)
}

func newTaskManager(store mongodb.TaskRepository, cfg *config.Config) *tasks.Manager {
	return tasks.NewManager(store, cfg.Task)
}

func newDispatcher(cfg *config.Config, m *tasks.Manager, q *queue.Queue, client *telegram.Client) *dispatcher.Dispatcher {
	return dispatcher.New(cfg.Dispatcher, m, q, client)
}

func newIntake(cfg *config.Config, m *tasks.Manager, rules *rules.Repository, d *dispatcher.Dispatcher) *ingest.Intake {
	return ingest.New(m, rules, d, cfg.Queue)
}

type workerParams struct {
	fx.In

	Config   *config.Config
	Queue    *queue.Queue
	Tasks    *tasks.Manager
	Client   *telegram.Client
	Pipeline *pipeline.Pipeline
	Sender   *sender.Sender
	Bus      *eventbus.Bus
}

func newWorkerPool(p workerParams) *worker.Pool {
	handlers := worker.Handlers(worker.Deps{
		Client:          p.Client,
		Pipeline:        p.Pipeline,
		Sender:          p.Sender,
		Tasks:           p.Tasks,
		Bus:             p.Bus,
		HistoryPriority: p.Config.Queue.PriorityHistory,
		RetryDelay:      p.Config.Task.RetryBase,
		DownloadDir:     p.Config.Telegram.DownloadDir,
	})
	return worker.NewPool(p.Config.Queue, p.Queue, p.Tasks, handlers)
}

func newKafkaConsumer(cfg *config.Config, in *ingest.Intake) (kafka.Consumer, error) {
	return kafka.NewConsumer(cfg.Kafka, in)
}

func newScheduler(cfg *config.Config, store mongodb.TaskRepository, engine *dedup.Engine, recorder *audit.Recorder) (*scheduler.Scheduler, error) {
	return scheduler.New(cfg.Scheduler, store, engine, recorder)
}

type adminParams struct {
	fx.In

	Config     *config.Config
	Rules      *rules.Repository
	RuleStore  mongodb.RuleRepository
	AuditStore mongodb.AuditRepository
	Audit      *audit.Recorder
	Filters    *filters.Factory
	Media      *filters.StoredSettings
	Dedup      *dedup.Engine
	Configs    mongodb.SystemConfigRepository
	Tasks      *tasks.Manager
	Queue      *queue.Queue
	Sender     *sender.Sender
	Bus        *eventbus.Bus
	Intake     *ingest.Intake
	Dispatcher *dispatcher.Dispatcher
}

func newAdminUsecase(p adminParams) usecase.AdminUsecase {
	return usecase.NewAdminUsecase(usecase.AdminDeps{
		Rules:     p.Rules,
		Catalog:   p.RuleStore,
		Audits:    p.AuditStore,
		Summaries: p.Audit,
		Filters:   p.Filters,
		Media:     p.Media,
		Dedup:     p.Dedup,
		Configs:   p.Configs,
		Tasks:     p.Tasks,
		Queue:     p.Queue,
		Floods:    p.Sender.Flood(),
		Events:    p.Bus,
		Submitter: p.Intake,
		Waker:     p.Dispatcher,
		Config:    p.Config.Queue,
	})
}
