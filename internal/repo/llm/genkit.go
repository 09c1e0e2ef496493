// Package llm rewrites message text with a generative model through
// Genkit.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

var ErrDisabled = errors.New("llm: no api key configured")

// generateFunc sends messages to model and returns the text of the reply.
type generateFunc func(ctx context.Context, model string, messages []*ai.Message) (string, error)

type Rewriter struct {
	generate     generateFunc
	defaultModel string
	timeout      time.Duration
}

func NewRewriter(cfg config.LLMConfig) *Rewriter {
	r := &Rewriter{defaultModel: cfg.Model, timeout: cfg.Timeout}
	if cfg.GoogleAIAPIKey == "" {
		r.generate = func(context.Context, string, []*ai.Message) (string, error) { return "", ErrDisabled }
		return r
	}
	g := genkit.Init(context.Background(), genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: cfg.GoogleAIAPIKey}))
	r.generate = func(ctx context.Context, model string, messages []*ai.Message) (string, error) {
		resp, err := genkit.Generate(ctx, g,
			ai.WithMessages(messages...),
			ai.WithModelName(model),
		)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return r
}

// Rewrite asks model (or the configured default) to transform text
// following prompt.
func (r *Rewriter) Rewrite(ctx context.Context, model, prompt, text string) (string, error) {
	if model == "" {
		model = r.defaultModel
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.generate(ctx, model, []*ai.Message{
		ai.NewSystemTextMessage(prompt),
		ai.NewUserTextMessage(text),
	})
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", model, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("generate with %s: empty reply", model)
	}
	logx.Debugw(ctx, "llm rewrite done", "model", model, "duration_ms", time.Since(start).Milliseconds(), "in_len", len(text), "out_len", len(out))
	return out, nil
}
