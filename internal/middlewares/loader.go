// Package middlewares holds the stages of the message pipeline: rule
// loading, dedup, filtering, AI rewriting and sending.
package middlewares

import (
	"context"
	"strconv"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/pipeline"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

const (
	NameRuleLoader = "rule_loader"
	NameDedup      = "dedup"
	NameFilter     = "filter"
	NameAI         = "ai"
	NameSender     = "sender"
)

type RuleSource interface {
	GetRulesForSourceChat(ctx context.Context, chatID string) ([]*models.ForwardRule, error)
}

// RuleLoader fills the context with the active rules of the source chat.
type RuleLoader struct {
	rules RuleSource
}

func NewRuleLoader(rules RuleSource) *RuleLoader {
	return &RuleLoader{rules: rules}
}

func (*RuleLoader) Name() string { return NameRuleLoader }

func (l *RuleLoader) Process(ctx context.Context, mc *pipeline.MessageContext, next func() error) error {
	found, err := l.rules.GetRulesForSourceChat(ctx, strconv.FormatInt(mc.ChatID, 10))
	if err != nil {
		return err
	}

	// a replay targets one rule only
	if id := mc.TargetRuleID(); id != 0 {
		var only []*models.ForwardRule
		for _, r := range found {
			if r.ID == id {
				only = append(only, r)
			}
		}
		found = only
	}

	if len(found) == 0 {
		logx.Debugw(ctx, "no active rules for chat")
		mc.AddTrace("RuleLoader: no rules")
		mc.Terminated = true
		return nil
	}
	mc.Rules = found
	mc.AddTrace("RuleLoader: " + strconv.Itoa(len(found)) + " rule(s)")
	return next()
}
