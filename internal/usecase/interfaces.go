package usecase

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kellyson520/tg-forwarder/internal/audit"
	"github.com/kellyson520/tg-forwarder/internal/eventbus"
	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/queue"
	"github.com/kellyson520/tg-forwarder/internal/repo/mongodb"
)

type AdminUsecase interface {
	// Load restores persisted runtime settings.
	Load(ctx context.Context) error
	CreateRule(ctx context.Context, rule models.ForwardRule) (*models.ForwardRule, error)
	UpdateRule(ctx context.Context, id int64, upd models.RuleUpdate) (*models.ForwardRule, error)
	ListRules(ctx context.Context, page Page) (*mongodb.PaginateWithTotal[models.ForwardRule], error)
	RuleAudit(ctx context.Context, ruleID int64, page Page) (*mongodb.PaginateWithTotal[models.AuditLog], error)
	// AuditSummary returns the counters of date (YYYY-MM-DD), today when empty.
	AuditSummary(date string) (audit.Summary, error)
	GlobalDisabledFilters() []string
	SetGlobalDisabledFilters(ctx context.Context, names []string) ([]string, error)
	GlobalMedia(ctx context.Context) (models.GlobalMediaSettings, error)
	SetGlobalMedia(ctx context.Context, settings models.GlobalMediaSettings) error
	DedupConfig() models.DedupGlobalConfig
	SetDedupConfig(ctx context.Context, cfg models.DedupGlobalConfig) error
	QueueStatus(ctx context.Context) (*QueueReport, error)
	PushTask(ctx context.Context, req PushTaskRequest) (*models.Task, bool, error)
	SubmitMessage(ctx context.Context, msg *models.Message) (bool, error)
}

// QueueReport is the body of /queue_status.
type QueueReport struct {
	Queue      queue.Status                       `json:"queue"`
	Tasks      models.QueueStats                  `json:"tasks"`
	FloodWaits map[string]time.Time               `json:"flood_waits"`
	Events     map[models.EventType]eventbus.Stat `json:"events"`
}

type PushTaskRequest struct {
	Type     models.TaskType `json:"task_type" validate:"required"`
	Payload  json.RawMessage `json:"payload" validate:"required"`
	Priority *int            `json:"priority,omitempty" validate:"omitempty,gte=0"`
}

// Page selects a window of a listing. A zero Limit means the default.
type Page struct {
	Limit int64 `query:"limit" validate:"gte=0,lte=200"`
	Skip  int64 `query:"skip" validate:"gte=0"`
}

type RuleEditor interface {
	Create(ctx context.Context, rule models.ForwardRule) (*models.ForwardRule, error)
	Update(ctx context.Context, id int64, upd models.RuleUpdate) (*models.ForwardRule, error)
}

type RuleLister interface {
	List(ctx context.Context, limit, skip int64) (*mongodb.PaginateWithTotal[models.ForwardRule], error)
}

type AuditLister interface {
	ListByRule(ctx context.Context, ruleID int64, limit, skip int64) (*mongodb.PaginateWithTotal[models.AuditLog], error)
}

type AuditSummaries interface {
	Summary(date string) audit.Summary
}

type FilterSettings interface {
	Registry() *filters.Registry
	SetGlobalDisabled(names []string)
	GlobalDisabled() []string
	LoadGlobalDisabled(ctx context.Context, store filters.ConfigStore) error
}

type MediaSettings interface {
	GlobalMedia(ctx context.Context) (models.GlobalMediaSettings, error)
	Invalidate()
}

type DedupSettings interface {
	Global() models.DedupGlobalConfig
	SetGlobal(cfg models.DedupGlobalConfig)
}

type ConfigStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type TaskQueue interface {
	Push(ctx context.Context, task *models.Task) (bool, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

type QueueInspector interface {
	Status() queue.Status
}

type FloodWaits interface {
	Active() map[int64]time.Time
}

type EventStats interface {
	Stats() map[models.EventType]eventbus.Stat
}

type Submitter interface {
	Submit(ctx context.Context, msg *models.Message) (bool, error)
}

type Waker interface {
	Wake()
}
