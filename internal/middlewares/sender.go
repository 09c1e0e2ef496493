package middlewares

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/pipeline"
	"github.com/kellyson520/tg-forwarder/internal/sender"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

type Deliverer interface {
	Send(ctx context.Context, req *sender.Request) ([]*models.Message, error)
	Delete(ctx context.Context, chatID int64, ids []int64) error
}

// Auditor records the outcome of one rule for one message.
type Auditor interface {
	Record(ctx context.Context, log models.AuditLog)
}

// Notifier posts the push notice of a delivered rule.
type Notifier interface {
	Notify(ctx context.Context, n *filters.PushNotice)
}

// Sender delivers the plan of every surviving rule. Rules are attempted
// independently; a flood wait on one target does not stop the others.
type Sender struct {
	sender Deliverer
	bus    filters.Publisher
	audit  Auditor
	push   Notifier
}

func NewSender(s Deliverer, bus filters.Publisher, audit Auditor, push Notifier) *Sender {
	return &Sender{sender: s, bus: bus, audit: audit, push: push}
}

func (*Sender) Name() string { return NameSender }

func (s *Sender) Process(ctx context.Context, mc *pipeline.MessageContext, next func() error) error {
	var (
		rateLimited *sender.RateLimitedError
		failed      []int64
		failure     error
	)
	for _, rule := range mc.Rules {
		fc := mc.Filtered[rule.ID]
		if fc == nil || fc.Plan == nil {
			logx.Debugw(ctx, "rule has no send plan", "rule_id", rule.ID)
			continue
		}
		plan := fc.Plan
		if mc.IsSim {
			mc.AddTrace(fmt.Sprintf("Send: rule %d %s to %d (%d message(s))", rule.ID, plan.Mode, plan.TargetID, len(plan.Messages)))
			continue
		}

		start := time.Now()
		_, err := s.sender.Send(ctx, plan)
		took := time.Since(start).Milliseconds()

		// part of the plan is in the target chat; replaying the rule would
		// repeat it, so the rule counts as delivered
		var partial *sender.PartialSendError
		if errors.As(err, &partial) {
			mc.MarkSent(rule.ID)
			logx.Warnw(ctx, "forward partially delivered", "rule_id", rule.ID, "target", plan.TargetID, "sent", len(partial.Sent), "error", partial.Err)
			s.bus.Publish(ctx, models.EventForwardFailed, models.ForwardFailed{
				RuleID: rule.ID,
				MsgID:  mc.MessageID,
				Error:  err.Error(),
			}, false)
			recordAudit(ctx, s.audit, mc, rule, string(plan.Mode), models.ResultPartial, err.Error(), took)
			continue
		}
		if err == nil {
			mc.MarkSent(rule.ID)
			s.bus.Publish(ctx, models.EventForwardSucceeded, models.ForwardSucceeded{
				RuleID:     rule.ID,
				MsgID:      mc.MessageID,
				TargetID:   strconv.FormatInt(plan.TargetID, 10),
				Mode:       string(plan.Mode),
				DurationMS: took,
			}, true)
			recordAudit(ctx, s.audit, mc, rule, string(plan.Mode), models.ResultSuccess, "", took)
			if fc.Push != nil && s.push != nil {
				s.push.Notify(ctx, fc.Push)
			}
			if fc.DeleteOriginal {
				s.deleteSource(ctx, mc)
			}
			continue
		}

		// shutdown: nothing is reported, the task is rescheduled
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		mc.MarkFailed(rule.ID)
		failed = append(failed, rule.ID)
		recordAudit(ctx, s.audit, mc, rule, string(plan.Mode), models.ResultFailed, err.Error(), took)

		var rl *sender.RateLimitedError
		if errors.As(err, &rl) {
			logx.Warnw(ctx, "target cooling down", "rule_id", rule.ID, "target", plan.TargetID, "until", rl.Until)
			if rateLimited == nil || rl.Until.After(rateLimited.Until) {
				rateLimited = rl
			}
			continue
		}
		logx.Logw(ctx, logx.LevelForCode(models.Code(err)), "forward failed", "rule_id", rule.ID, "target", plan.TargetID, "error", err)
		s.bus.Publish(ctx, models.EventForwardFailed, models.ForwardFailed{
			RuleID: rule.ID,
			MsgID:  mc.MessageID,
			Error:  err.Error(),
		}, false)
		if failure == nil || (models.IsPermanent(failure) && !models.IsPermanent(err)) {
			failure = err
		}
	}

	if rateLimited != nil {
		return rateLimited
	}
	if failure != nil {
		return fmt.Errorf("forward failed for rules %v: %w", failed, failure)
	}
	return next()
}

func (s *Sender) deleteSource(ctx context.Context, mc *pipeline.MessageContext) {
	ids := make([]int64, len(mc.Group))
	for i, m := range mc.Group {
		ids[i] = m.ID
	}
	if err := s.sender.Delete(ctx, mc.ChatID, ids); err != nil {
		logx.Warnw(ctx, "delete source messages failed", "chat_id", mc.ChatID, "ids", ids, "error", err)
	}
}

func recordAudit(ctx context.Context, a Auditor, mc *pipeline.MessageContext, rule *models.ForwardRule,
	mode string, result models.ForwardResult, reason string, took int64,
) {
	if a == nil || mc.IsSim {
		return
	}
	a.Record(ctx, models.AuditLog{
		RuleID:       rule.ID,
		SourceChatID: strconv.FormatInt(mc.ChatID, 10),
		TargetChatID: rule.TargetChatID,
		MessageID:    mc.MessageID,
		MessageType:  mc.Message.MediaType(),
		Mode:         mode,
		Result:       result,
		Error:        reason,
		SenderID:     mc.Message.SenderID,
		TraceID:      mc.TraceID,
		DurationMS:   took,
		CreatedAt:    time.Now(),
	})
}
