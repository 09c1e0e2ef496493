package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kellyson520/tg-forwarder/internal/audit"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/repo/mongodb"
	pkgmdw "github.com/kellyson520/tg-forwarder/internal/server/middleware"
	"github.com/kellyson520/tg-forwarder/internal/usecase"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

type Controller interface {
	Health(c echo.Context) error
	QueueStatus(c echo.Context) error
	ListRules(c echo.Context, req usecase.Page) (*mongodb.PaginateWithTotal[models.ForwardRule], error)
	CreateRule(c echo.Context, req CreateRuleRequest) (*pkgmdw.Response, error)
	UpdateRule(c echo.Context, req UpdateRuleRequest) (*models.ForwardRule, error)
	RuleAudit(c echo.Context, req RuleAuditRequest) (*mongodb.PaginateWithTotal[models.AuditLog], error)
	AuditSummary(c echo.Context, req AuditSummaryRequest) (audit.Summary, error)
	GetGlobalDisabled(c echo.Context, req struct{}) (*GlobalDisabledFilters, error)
	SetGlobalDisabled(c echo.Context, req GlobalDisabledFilters) (*GlobalDisabledFilters, error)
	GetGlobalMedia(c echo.Context, req struct{}) (models.GlobalMediaSettings, error)
	SetGlobalMedia(c echo.Context, req GlobalMediaRequest) (models.GlobalMediaSettings, error)
	GetDedupConfig(c echo.Context, req struct{}) (models.DedupGlobalConfig, error)
	SetDedupConfig(c echo.Context, req DedupConfigRequest) (models.DedupGlobalConfig, error)
	PushTask(c echo.Context, req usecase.PushTaskRequest) (*pkgmdw.Response, error)
	SubmitMessage(c echo.Context, req SubmitMessageRequest) (*pkgmdw.Response, error)
}

type CreateRuleRequest struct {
	models.ForwardRule
}

type UpdateRuleRequest struct {
	ID int64 `param:"id" json:"-" validate:"required"`
	models.RuleUpdate
}

type RuleAuditRequest struct {
	ID int64 `param:"id" validate:"required"`
	usecase.Page
}

type AuditSummaryRequest struct {
	Date string `query:"date"`
}

type GlobalDisabledFilters struct {
	Disabled []string `json:"disabled" validate:"required"`
}

type GlobalMediaRequest struct {
	models.GlobalMediaSettings
}

type DedupConfigRequest struct {
	models.DedupGlobalConfig
}

type SubmitMessageRequest struct {
	models.Message
}

type PushTaskResult struct {
	Task    *models.Task `json:"task"`
	Created bool         `json:"created"`
}

type controller struct {
	admin usecase.AdminUsecase
}

func NewController(admin usecase.AdminUsecase) Controller {
	return &controller{admin: admin}
}

func (h *controller) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "tg-forwarder",
	})
}

// QueueStatus is served unwrapped so the CLI can decode it directly.
func (h *controller) QueueStatus(c echo.Context) error {
	report, err := h.admin.QueueStatus(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *controller) ListRules(c echo.Context, req usecase.Page) (*mongodb.PaginateWithTotal[models.ForwardRule], error) {
	return h.admin.ListRules(c.Request().Context(), req)
}

func (h *controller) CreateRule(c echo.Context, req CreateRuleRequest) (*pkgmdw.Response, error) {
	rule, err := h.admin.CreateRule(c.Request().Context(), req.ForwardRule)
	if err != nil {
		return nil, err
	}
	logx.Annotate(c.Request().Context(), "rule_id", rule.ID)
	return &pkgmdw.Response{Status: http.StatusCreated, Success: true, Data: rule}, nil
}

func (h *controller) RuleAudit(c echo.Context, req RuleAuditRequest) (*mongodb.PaginateWithTotal[models.AuditLog], error) {
	return h.admin.RuleAudit(c.Request().Context(), req.ID, req.Page)
}

func (h *controller) AuditSummary(_ echo.Context, req AuditSummaryRequest) (audit.Summary, error) {
	return h.admin.AuditSummary(req.Date)
}

func (h *controller) UpdateRule(c echo.Context, req UpdateRuleRequest) (*models.ForwardRule, error) {
	return h.admin.UpdateRule(c.Request().Context(), req.ID, req.RuleUpdate)
}

func (h *controller) GetGlobalDisabled(echo.Context, struct{}) (*GlobalDisabledFilters, error) {
	return &GlobalDisabledFilters{Disabled: h.admin.GlobalDisabledFilters()}, nil
}

func (h *controller) SetGlobalDisabled(c echo.Context, req GlobalDisabledFilters) (*GlobalDisabledFilters, error) {
	names, err := h.admin.SetGlobalDisabledFilters(c.Request().Context(), req.Disabled)
	if err != nil {
		return nil, err
	}
	return &GlobalDisabledFilters{Disabled: names}, nil
}

func (h *controller) GetGlobalMedia(c echo.Context, _ struct{}) (models.GlobalMediaSettings, error) {
	return h.admin.GlobalMedia(c.Request().Context())
}

func (h *controller) SetGlobalMedia(c echo.Context, req GlobalMediaRequest) (models.GlobalMediaSettings, error) {
	if err := h.admin.SetGlobalMedia(c.Request().Context(), req.GlobalMediaSettings); err != nil {
		return models.GlobalMediaSettings{}, err
	}
	return h.admin.GlobalMedia(c.Request().Context())
}

func (h *controller) GetDedupConfig(echo.Context, struct{}) (models.DedupGlobalConfig, error) {
	return h.admin.DedupConfig(), nil
}

func (h *controller) SetDedupConfig(c echo.Context, req DedupConfigRequest) (models.DedupGlobalConfig, error) {
	if err := h.admin.SetDedupConfig(c.Request().Context(), req.DedupGlobalConfig); err != nil {
		return models.DedupGlobalConfig{}, err
	}
	return h.admin.DedupConfig(), nil
}

func (h *controller) PushTask(c echo.Context, req usecase.PushTaskRequest) (*pkgmdw.Response, error) {
	task, created, err := h.admin.PushTask(c.Request().Context(), req)
	if err != nil {
		return nil, err
	}
	logx.Annotate(c.Request().Context(), "task_type", task.Type, "created", created)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return &pkgmdw.Response{Status: status, Success: true, Data: PushTaskResult{Task: task, Created: created}}, nil
}

func (h *controller) SubmitMessage(c echo.Context, req SubmitMessageRequest) (*pkgmdw.Response, error) {
	msg := req.Message
	queued, err := h.admin.SubmitMessage(c.Request().Context(), &msg)
	if err != nil {
		return nil, err
	}
	logx.Annotate(c.Request().Context(), "chat_id", msg.ChatID, "queued", queued)
	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	return &pkgmdw.Response{Status: status, Success: true, Data: map[string]bool{"queued": queued}}, nil
}
