package middlewares

import (
	"context"
	"fmt"
	"strings"

	"github.com/kellyson520/tg-forwarder/internal/pipeline"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

// AIProvider rewrites text with a language model.
type AIProvider interface {
	Rewrite(ctx context.Context, model, prompt, text string) (string, error)
}

// AI rewrites the text of rules the ai stage marked. A failed call keeps
// the rule and its text unchanged.
type AI struct {
	provider      AIProvider
	defaultPrompt string
}

func NewAI(provider AIProvider, defaultPrompt string) *AI {
	return &AI{provider: provider, defaultPrompt: defaultPrompt}
}

func (*AI) Name() string { return NameAI }

func (a *AI) Process(ctx context.Context, mc *pipeline.MessageContext, next func() error) error {
	for _, rule := range mc.Rules {
		fc := mc.Filtered[rule.ID]
		if fc == nil || !fc.NeedsAI || strings.TrimSpace(fc.AIInput) == "" {
			continue
		}
		if mc.IsSim || a.provider == nil {
			mc.AddTrace(fmt.Sprintf("AI: rule %d skipped", rule.ID))
			continue
		}

		prompt := rule.Config.AIPrompt
		if prompt == "" {
			prompt = a.defaultPrompt
		}
		out, err := a.provider.Rewrite(ctx, rule.Config.AIModel, prompt, fc.AIInput)
		if err != nil {
			logx.Warnw(ctx, "ai rewrite failed, keeping original text", "rule_id", rule.ID, "error", err)
			continue
		}
		out = strings.TrimSpace(out)
		if out == "" {
			continue
		}
		mc.SetModifiedText(rule.ID, out)
		fc.SetText(out)
	}
	return next()
}
