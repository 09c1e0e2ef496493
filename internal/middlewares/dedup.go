package middlewares

import (
	"context"
	"slices"

	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/pipeline"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

type Deduper interface {
	CheckAndLock(ctx context.Context, target string, msg *models.Message, cfg *models.RuleConfig) (bool, string)
	Rollback(ctx context.Context, target string, msg *models.Message)
	Commit(target string, msg *models.Message)
}

// Dedup drops rules whose target already received the message. The
// fingerprints it locks are committed for rules that were delivered and
// rolled back for every other rule, whatever the downstream outcome.
type Dedup struct {
	engine Deduper
	bus    filters.Publisher
	audit  Auditor
}

func NewDedup(engine Deduper, bus filters.Publisher, audit Auditor) *Dedup {
	return &Dedup{engine: engine, bus: bus, audit: audit}
}

func (*Dedup) Name() string { return NameDedup }

func (d *Dedup) Process(ctx context.Context, mc *pipeline.MessageContext, next func() error) error {
	if mc.IsHistory || mc.IsSim {
		mc.AddTrace("Dedup: skipped")
		return next()
	}

	locked := map[int64]string{}
	for _, rule := range slices.Clone(mc.Rules) {
		if !rule.Config.EnableDedup {
			continue
		}
		target := rule.TargetChatID
		dup, reason := d.engine.CheckAndLock(ctx, target, mc.Message, &rule.Config)
		if !dup {
			locked[rule.ID] = target
			continue
		}
		logx.Infow(ctx, "duplicate message dropped", "rule_id", rule.ID, "target", target, "reason", reason)
		mc.RemoveRule(rule.ID)
		d.bus.Publish(ctx, models.EventForwardFiltered, models.ForwardFiltered{
			RuleID: rule.ID,
			MsgID:  mc.MessageID,
			Reason: reason,
		}, false)
		recordAudit(ctx, d.audit, mc, rule, "", models.ResultFiltered, reason, 0)
	}

	if len(mc.Rules) == 0 {
		mc.Terminated = true
		return nil
	}

	err := next()

	sent := mc.SentRules()
	// the send outcome is known, so cancellation must not leave records behind
	rctx := context.WithoutCancel(ctx)
	for id, target := range locked {
		if slices.Contains(sent, id) {
			d.engine.Commit(target, mc.Message)
			continue
		}
		d.engine.Rollback(rctx, target, mc.Message)
		logx.Debugw(ctx, "dedup lock rolled back", "rule_id", id, "target", target)
	}
	return err
}
