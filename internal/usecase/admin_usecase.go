package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/kellyson520/tg-forwarder/internal/audit"
	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/repo/mongodb"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

const defaultPageLimit = 50

type AdminDeps struct {
	Rules     RuleEditor
	Catalog   RuleLister
	Audits    AuditLister
	Summaries AuditSummaries
	Filters   FilterSettings
	Media     MediaSettings
	Dedup     DedupSettings
	Configs   ConfigStore
	Tasks     TaskQueue
	Queue     QueueInspector
	Floods    FloodWaits
	Events    EventStats
	Submitter Submitter
	Waker     Waker
	Config    config.QueueConfig
}

type adminUsecase struct {
	AdminDeps
	validate *validator.Validate
}

func NewAdminUsecase(deps AdminDeps) AdminUsecase {
	return &adminUsecase{AdminDeps: deps, validate: models.NewValidator()}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func (uc *adminUsecase) Load(ctx context.Context) error {
	err := uc.Filters.LoadGlobalDisabled(ctx, uc.Configs)
	switch {
	case errors.Is(err, models.ErrInvalidPayload):
		logx.Warnw(ctx, "ignoring malformed setting", "key", models.ConfigKeyFiltersGlobalDisabled, "error", err)
	case err != nil:
		return fmt.Errorf("load %s: %w", models.ConfigKeyFiltersGlobalDisabled, err)
	}

	raw, err := uc.Configs.Get(ctx, models.ConfigKeyDedup)
	switch {
	case err == nil:
		var cfg models.DedupGlobalConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			logx.Warnw(ctx, "ignoring malformed setting", "key", models.ConfigKeyDedup, "error", err)
		} else {
			uc.Dedup.SetGlobal(cfg)
		}
	case !errors.Is(err, models.ErrNotFound):
		return fmt.Errorf("load %s: %w", models.ConfigKeyDedup, err)
	}
	return nil
}

func (uc *adminUsecase) CreateRule(ctx context.Context, rule models.ForwardRule) (*models.ForwardRule, error) {
	rule.ID = 0
	return uc.Rules.Create(ctx, rule)
}

func (uc *adminUsecase) page(p Page) (Page, error) {
	if err := uc.validate.Struct(p); err != nil {
		return p, invalid("%v", err)
	}
	if p.Limit == 0 {
		p.Limit = defaultPageLimit
	}
	return p, nil
}

func (uc *adminUsecase) ListRules(ctx context.Context, p Page) (*mongodb.PaginateWithTotal[models.ForwardRule], error) {
	p, err := uc.page(p)
	if err != nil {
		return nil, err
	}
	return uc.Catalog.List(ctx, p.Limit, p.Skip)
}

func (uc *adminUsecase) RuleAudit(ctx context.Context, ruleID int64, p Page) (*mongodb.PaginateWithTotal[models.AuditLog], error) {
	p, err := uc.page(p)
	if err != nil {
		return nil, err
	}
	return uc.Audits.ListByRule(ctx, ruleID, p.Limit, p.Skip)
}

func (uc *adminUsecase) AuditSummary(date string) (audit.Summary, error) {
	if date == "" {
		date = time.Now().UTC().Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, date); err != nil {
		return audit.Summary{}, invalid("date %q: want YYYY-MM-DD", date)
	}
	return uc.Summaries.Summary(date), nil
}

func (uc *adminUsecase) UpdateRule(ctx context.Context, id int64, upd models.RuleUpdate) (*models.ForwardRule, error) {
	if err := uc.validate.Struct(upd); err != nil {
		return nil, invalid("%v", err)
	}
	return uc.Rules.Update(ctx, id, upd)
}

func (uc *adminUsecase) GlobalDisabledFilters() []string {
	return uc.Filters.GlobalDisabled()
}

func (uc *adminUsecase) SetGlobalDisabledFilters(ctx context.Context, names []string) ([]string, error) {
	if unknown, _ := uc.Filters.Registry().Validate(names); len(unknown) > 0 {
		return nil, invalid("unknown filters %v", unknown)
	}
	if slices.Contains(names, filters.StageInit) || slices.Contains(names, filters.StageSender) {
		return nil, invalid("init and sender cannot be disabled")
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return nil, err
	}
	if err := uc.Configs.Set(ctx, models.ConfigKeyFiltersGlobalDisabled, string(raw)); err != nil {
		return nil, fmt.Errorf("save %s: %w", models.ConfigKeyFiltersGlobalDisabled, err)
	}
	uc.Filters.SetGlobalDisabled(names)
	logx.Infow(ctx, "global filter switches changed", "disabled", names)
	return uc.Filters.GlobalDisabled(), nil
}

func (uc *adminUsecase) GlobalMedia(ctx context.Context) (models.GlobalMediaSettings, error) {
	return uc.Media.GlobalMedia(ctx)
}

func (uc *adminUsecase) SetGlobalMedia(ctx context.Context, settings models.GlobalMediaSettings) error {
	if err := uc.validate.Struct(settings); err != nil {
		return invalid("%v", err)
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if err := uc.Configs.Set(ctx, models.ConfigKeyGlobalMedia, string(raw)); err != nil {
		return fmt.Errorf("save %s: %w", models.ConfigKeyGlobalMedia, err)
	}
	uc.Media.Invalidate()
	logx.Infow(ctx, "global media settings changed", "settings", settings)
	return nil
}

func (uc *adminUsecase) DedupConfig() models.DedupGlobalConfig {
	return uc.Dedup.Global()
}

func (uc *adminUsecase) SetDedupConfig(ctx context.Context, cfg models.DedupGlobalConfig) error {
	if err := uc.validate.Struct(cfg); err != nil {
		return invalid("%v", err)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := uc.Configs.Set(ctx, models.ConfigKeyDedup, string(raw)); err != nil {
		return fmt.Errorf("save %s: %w", models.ConfigKeyDedup, err)
	}
	uc.Dedup.SetGlobal(cfg)
	logx.Infow(ctx, "dedup config changed", "config", cfg)
	return nil
}

func (uc *adminUsecase) QueueStatus(ctx context.Context) (*QueueReport, error) {
	stats, err := uc.Tasks.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	floods := map[string]time.Time{}
	for target, until := range uc.Floods.Active() {
		floods[strconv.FormatInt(target, 10)] = until
	}
	return &QueueReport{
		Queue:      uc.Queue.Status(),
		Tasks:      stats,
		FloodWaits: floods,
		Events:     uc.Events.Stats(),
	}, nil
}

// PushTask queues an operator task. Tasks tied to one message are
// idempotent.
func (uc *adminUsecase) PushTask(ctx context.Context, req PushTaskRequest) (*models.Task, bool, error) {
	if err := uc.validate.Struct(req); err != nil {
		return nil, false, invalid("%v", err)
	}
	if req.Type == models.TaskProcessMessage {
		return nil, false, invalid("use the messages endpoint for %s", req.Type)
	}
	task := &models.Task{
		Type:     req.Type,
		Payload:  string(req.Payload),
		Status:   models.TaskPending,
		Priority: uc.Config.PriorityAdmin,
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	payload, err := models.DecodePayload(task)
	if err != nil {
		return nil, false, err
	}
	switch p := payload.(type) {
	case *models.ManualDownloadPayload:
		task.UniqueKey = models.TaskUniqueKey(task.Type, p.ChatID, p.MessageID)
	case *models.ScheduledDeletePayload:
		task.UniqueKey = models.TaskUniqueKey(task.Type, p.ChatID, p.MessageID)
		task.ScheduledAt = p.DeleteAt
	case *models.HistoryBackfillPayload:
		task.UniqueKey = fmt.Sprintf("%s:%d:%d-%d:rule:%d", task.Type, p.SourceChatID, p.StartMsgID, p.EndMsgID, p.RuleID)
	}

	ok, err := uc.Tasks.Push(ctx, task)
	if err != nil {
		return nil, false, fmt.Errorf("push task: %w", err)
	}
	if ok && uc.Waker != nil {
		uc.Waker.Wake()
	}
	logx.Infow(ctx, "operator task pushed", "task_type", task.Type, "unique_key", task.UniqueKey, "new", ok)
	return task, ok, nil
}

func (uc *adminUsecase) SubmitMessage(ctx context.Context, msg *models.Message) (bool, error) {
	return uc.Submitter.Submit(ctx, msg)
}
