package app

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap/zapcore"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/repo/mongodb"
	"github.com/kellyson520/tg-forwarder/internal/server"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

var providers = fx.Provide(
	newMongoDB,
	mongodb.NewTaskRepository,
	mongodb.NewSignatureRepository,
	mongodb.NewRuleRepository,
	mongodb.NewChatRepository,
	mongodb.NewSystemConfigRepository,
	mongodb.NewAuditRepository,

	newEventBus,
	newRuleRepository,
	newStoredSettings,
	newReplyIndex,
	newFilterFactory,
	newPusher,

	newBotAPI,
	newTelegramClient,
	newSender,
	newDedupEngine,
	newAuditRecorder,
	newRewriter,
	newPipeline,

	newQueue,
	newTaskManager,
	newDispatcher,
	newIntake,
	newWorkerPool,
	newKafkaConsumer,
	newScheduler,

	newAdminUsecase,
	server.NewController,
)

// Invoke builds the application graph and runs funcs against it.
func Invoke(funcs ...any) *fx.App {
	conf := config.MustLoad()
	if err := logx.Init(conf.LogLevel, conf.LogFormat); err != nil {
		panic(err)
	}
	log := logx.Named("app")
	log.Debugw("config loaded",
		"server_addr", conf.Server.Addr,
		"database", conf.Database.Database,
		"telegram_enabled", conf.Telegram.Enabled,
		"kafka_enabled", conf.Kafka.Enabled,
		"queue_workers", conf.Queue.Workers,
		"audit_mode", conf.Audit.Mode,
	)
	return fx.New(
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.ZapLogger{
				Logger: log.Desugar(),
			}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		providers,
		fx.Supply(conf),
		fx.Invoke(funcs...),
	)
}

// Serve is the set of invocations of the serve command.
var Serve = []any{
	LoadSettings,
	RunForwarder,
	StartKafka,
	server.StartServer,
}
