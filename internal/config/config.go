package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Server     ServerConfig     `envPrefix:"SERVER_"`
	Database   DatabaseConfig   `envPrefix:"DATABASE_"`
	Telegram   TelegramConfig   `envPrefix:"TELEGRAM_"`
	LLM        LLMConfig        `envPrefix:"LLM_"`
	Kafka      KafkaConfig      `envPrefix:"KAFKA_"`
	Queue      QueueConfig      `envPrefix:"QUEUE_"`
	Forward    ForwardConfig    `envPrefix:"FORWARD_"`
	Dispatcher DispatcherConfig `envPrefix:"DISPATCHER_"`
	Task       TaskConfig       `envPrefix:"TASK_"`
	Rules      RulesConfig      `envPrefix:"RULES_"`
	Dedup      DedupConfig      `envPrefix:"DEDUP_"`
	Audit      AuditConfig      `envPrefix:"AUDIT_"`
	Scheduler  SchedulerConfig  `envPrefix:"SCHEDULER_"`
}

type ServerConfig struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	AdminToken  string `env:"ADMIN_TOKEN"`
	CORSOrigins string `env:"CORS_ORIGINS"` // regexp matched against Origin
	Pprof       bool   `env:"PPROF" envDefault:"false"`
}

type DatabaseConfig struct {
	Hosts    []string `env:"HOSTS" envDefault:"localhost:27017"`
	Database string   `env:"DATABASE" envDefault:"forwarder"`
	Username string   `env:"USERNAME"`
	Password string   `env:"PASSWORD"`
	AuthDB   string   `env:"AUTH_DB" envDefault:"admin"`
	Direct   bool     `env:"DIRECT" envDefault:"true"`
}

type TelegramConfig struct {
	Enabled     bool          `env:"ENABLED" envDefault:"true"`
	BotToken    string        `env:"BOT_TOKEN"`
	APIEndpoint string        `env:"API_ENDPOINT"`
	PollTimeout int           `env:"POLL_TIMEOUT" envDefault:"60"`
	DownloadDir string        `env:"DOWNLOAD_DIR" envDefault:"./data/downloads"`
	RecentSize  int           `env:"RECENT_SIZE" envDefault:"10000"`
	RecentTTL   time.Duration `env:"RECENT_TTL" envDefault:"24h"`
}

type LLMConfig struct {
	GoogleAIAPIKey string        `env:"GOOGLE_AI_API_KEY"`
	Model          string        `env:"MODEL" envDefault:"googleai/gemini-2.5-flash"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"30s"`
	DefaultPrompt  string        `env:"DEFAULT_PROMPT" envDefault:"Rewrite the following message concisely, keeping its meaning and language."`
}

type KafkaConfig struct {
	Enabled     bool     `env:"ENABLED" envDefault:"false"`
	Brokers     []string `env:"BROKERS"`
	Topic       string   `env:"TOPIC"`
	GroupID     string   `env:"GROUP_ID" envDefault:"tg-forwarder"`
	Workers     int      `env:"WORKERS" envDefault:"1"`
	EventsTopic string   `env:"EVENTS_TOPIC"`
}

type QueueConfig struct {
	MaxSize           int           `env:"MAX_SIZE" envDefault:"1000"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"100"`
	Workers           int           `env:"WORKERS" envDefault:"5"`
	CongestionPenalty float64       `env:"CONGESTION_PENALTY" envDefault:"0.5"`
	CriticalThreshold float64       `env:"CRITICAL_THRESHOLD" envDefault:"90"`
	FastThreshold     float64       `env:"FAST_THRESHOLD" envDefault:"50"`
	LiveMaxAge        time.Duration `env:"LIVE_MAX_AGE" envDefault:"5m"`
	PriorityAdmin     int           `env:"PRIORITY_ADMIN" envDefault:"100"`
	PriorityVIP       int           `env:"PRIORITY_VIP" envDefault:"50"`
	PriorityLive      int           `env:"PRIORITY_LIVE" envDefault:"10"`
	PriorityHistory   int           `env:"PRIORITY_HISTORY" envDefault:"0"`
}

type ForwardConfig struct {
	MaxConcurrencyGlobal    int           `env:"MAX_CONCURRENCY_GLOBAL" envDefault:"50"`
	MaxConcurrencyPerTarget int           `env:"MAX_CONCURRENCY_PER_TARGET" envDefault:"2"`
	MaxConcurrencyPerPair   int           `env:"MAX_CONCURRENCY_PER_PAIR" envDefault:"1"`
	GlobalInterval          time.Duration `env:"GLOBAL_INTERVAL" envDefault:"10ms"`
	TargetInterval          time.Duration `env:"TARGET_INTERVAL" envDefault:"250ms"`
	PairInterval            time.Duration `env:"PAIR_INTERVAL" envDefault:"100ms"`
	HandleFloodWaitSleep    bool          `env:"HANDLE_FLOOD_WAIT_SLEEP" envDefault:"true"`
	MaxFloodWaitSleep       time.Duration `env:"MAX_FLOOD_WAIT_SLEEP" envDefault:"60s"`
	RetryAttempts           int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBase               time.Duration `env:"RETRY_BASE" envDefault:"1s"`
	BreakerFailures         uint32        `env:"BREAKER_FAILURES" envDefault:"10"`
	BreakerRecovery         time.Duration `env:"BREAKER_RECOVERY" envDefault:"60s"`
	FilterTimeout           time.Duration `env:"FILTER_TIMEOUT" envDefault:"30s"`
}

type DispatcherConfig struct {
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"50"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"5m"`
	SleepBase         time.Duration `env:"SLEEP_BASE" envDefault:"1s"`
	MaxSleep          time.Duration `env:"MAX_SLEEP" envDefault:"30s"`
	EntityCacheTTL    time.Duration `env:"ENTITY_CACHE_TTL" envDefault:"1h"`
}

type TaskConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RetryBase   time.Duration `env:"RETRY_BASE" envDefault:"2s"`
	RetryFactor float64       `env:"RETRY_FACTOR" envDefault:"2"`
	RetryMax    time.Duration `env:"RETRY_MAX" envDefault:"5m"`
}

type RulesConfig struct {
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"60s"`
}

type DedupConfig struct {
	Enabled         bool `env:"ENABLED" envDefault:"true"`
	TimeWindowHours int  `env:"TIME_WINDOW_HOURS" envDefault:"24"`
	PHashThreshold  int  `env:"PHASH_THRESHOLD" envDefault:"5"`
}

type AuditConfig struct {
	Mode          string        `env:"MODE" envDefault:"summary"`
	Dir           string        `env:"DIR" envDefault:"./data/audit"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"1m"`
}

type SchedulerConfig struct {
	TaskCleanup      string        `env:"TASK_CLEANUP" envDefault:"@every 1h"`
	SignatureCleanup string        `env:"SIGNATURE_CLEANUP" envDefault:"@every 6h"`
	AuditFlush       string        `env:"AUDIT_FLUSH" envDefault:"@every 1m"`
	TaskRetention    time.Duration `env:"TASK_RETENTION" envDefault:"72h"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
