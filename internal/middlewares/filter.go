package middlewares

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/pipeline"
)

type Evaluator interface {
	Evaluate(ctx context.Context, fc *filters.Context) (bool, error)
}

// Filter runs the chain of every rule. A blocked rule is removed; the
// pipeline stops only when no rule is left.
type Filter struct {
	chains Evaluator
	bus    filters.Publisher
	audit  Auditor
}

func NewFilter(chains Evaluator, bus filters.Publisher, audit Auditor) *Filter {
	return &Filter{chains: chains, bus: bus, audit: audit}
}

func (*Filter) Name() string { return NameFilter }

func (f *Filter) Process(ctx context.Context, mc *pipeline.MessageContext, next func() error) error {
	for _, rule := range slices.Clone(mc.Rules) {
		fc := filters.NewContext(mc.Client, rule, mc.ChatID, mc.Group)
		fc.IsHistory = mc.IsHistory
		fc.Sim = mc.IsSim

		ok, err := f.chains.Evaluate(ctx, fc)
		mc.AddTrace(fmt.Sprintf("Rule:%d", rule.ID))
		mc.AddTrace(fc.Trace...)

		var rs *filters.RescheduleError
		if errors.As(err, &rs) {
			return rs
		}
		// the chain was cut short, not decided; the task goes back as is
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || !ok {
			reason := fc.Reason()
			if err != nil {
				reason = err.Error()
			}
			mc.RemoveRule(rule.ID)
			f.bus.Publish(ctx, models.EventForwardFiltered, models.ForwardFiltered{
				RuleID: rule.ID,
				MsgID:  mc.MessageID,
				Reason: reason,
			}, false)
			recordAudit(ctx, f.audit, mc, rule, "", models.ResultFiltered, reason, 0)
			continue
		}

		mc.Filtered[rule.ID] = fc
		if fc.Text != fc.OriginalText {
			mc.SetModifiedText(rule.ID, fc.Text)
		}
	}

	if len(mc.Rules) == 0 {
		mc.AddTrace("Filter: all rules blocked")
		mc.Terminated = true
		return nil
	}
	return next()
}
