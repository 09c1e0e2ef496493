package filters

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/maypok86/otter"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

const chainCacheSize = 2048

// ConfigStore reads persisted system settings.
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, error)
}

// Factory builds and caches one chain per rule configuration.
type Factory struct {
	registry *Registry
	timeout  time.Duration
	chains   otter.Cache[string, *Chain]
	disabled atomic.Pointer[[]string]
}

func NewFactory(registry *Registry, stageTimeout time.Duration) (*Factory, error) {
	chains, err := otter.MustBuilder[string, *Chain](chainCacheSize).
		Cost(func(string, *Chain) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build chain cache: %w", err)
	}
	f := &Factory{registry: registry, timeout: stageTimeout, chains: chains}
	f.disabled.Store(&[]string{})
	return f, nil
}

func (f *Factory) Registry() *Registry {
	return f.registry
}

// SetGlobalDisabled replaces the process-wide disabled set and drops every
// cached chain.
func (f *Factory) SetGlobalDisabled(names []string) {
	set := slices.Clone(names)
	slices.Sort(set)
	set = slices.Compact(set)
	f.disabled.Store(&set)
	f.chains.Clear()
}

func (f *Factory) GlobalDisabled() []string {
	return slices.Clone(*f.disabled.Load())
}

// LoadGlobalDisabled restores the disabled set saved under
// ConfigKeyFiltersGlobalDisabled. A missing key leaves it empty.
func (f *Factory) LoadGlobalDisabled(ctx context.Context, store ConfigStore) error {
	raw, err := store.Get(ctx, models.ConfigKeyFiltersGlobalDisabled)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	f.SetGlobalDisabled(names)
	return nil
}

// ChainFor returns the cached chain for rule, building it on a miss.
func (f *Factory) ChainFor(ctx context.Context, rule *models.ForwardRule) *Chain {
	key := f.cacheKey(rule)
	if chain, ok := f.chains.Get(key); ok {
		return chain
	}

	names := f.StagesFor(ctx, rule)
	stages := make([]Filter, 0, len(names))
	for _, name := range names {
		if st, ok := f.registry.Get(name); ok {
			stages = append(stages, st)
		}
	}
	chain := NewChain(f.timeout, stages...)
	f.chains.Set(key, chain)
	return chain
}

// StagesFor resolves the ordered stage names for rule.
func (f *Factory) StagesFor(ctx context.Context, rule *models.ForwardRule) []string {
	disabled := *f.disabled.Load()
	names := slices.DeleteFunc(f.enabledStages(ctx, rule), func(n string) bool {
		return slices.Contains(disabled, n)
	})
	if unknown, missing := f.registry.Validate(names); len(unknown) > 0 || len(missing) > 0 {
		logx.Warnw(ctx, "invalid filter configuration, using derived defaults",
			"rule_id", rule.ID, "unknown", unknown, "missing", missing)
		names = DefaultStages(&rule.Config)
	}
	return f.registry.Order(names)
}

func (f *Factory) enabledStages(ctx context.Context, rule *models.ForwardRule) []string {
	raw := strings.TrimSpace(rule.Config.EnabledFilters)
	if raw == "" {
		return DefaultStages(&rule.Config)
	}
	names, err := parseEnabled(raw)
	if err != nil {
		logx.Warnw(ctx, "cannot parse enabled_filters", "rule_id", rule.ID, "error", err)
		return DefaultStages(&rule.Config)
	}
	return names
}

// parseEnabled accepts ["a","b"] or {"filters":["a","b"]}.
func parseEnabled(raw string) ([]string, error) {
	if strings.HasPrefix(raw, "[") {
		var names []string
		err := json.Unmarshal([]byte(raw), &names)
		return names, err
	}
	var wrapped struct {
		Filters []string `json:"filters"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Filters == nil {
		return nil, fmt.Errorf("missing filters key")
	}
	return wrapped.Filters, nil
}

// DefaultStages derives the stage set from a rule's feature flags.
func DefaultStages(cfg *models.RuleConfig) []string {
	names := []string{StageInit, StageGlobal}
	add := func(cond bool, name string) {
		if cond {
			names = append(names, name)
		}
	}
	add(cfg.EnableDelay, StageDelay)
	names = append(names, StageKeyword, StageReplace)
	add(cfg.HasMediaFilters(), StageMedia)
	add(cfg.HasAdvancedMediaFilters(), StageAdvancedMedia)
	add(cfg.IsAI, StageAI)
	names = append(names, StageInfo)
	add(cfg.EnableCommentButton, StageCommentButton)
	add(cfg.OnlyRSS, StageRSS)
	add(cfg.HandleMode == models.HandleEdit, StageEdit)
	names = append(names, StageSender)
	add(cfg.EnableReplySync, StageReply)
	add(cfg.EnablePush, StagePush)
	add(cfg.IsDeleteOriginal, StageDeleteOriginal)
	return names
}

func (f *Factory) cacheKey(rule *models.ForwardRule) string {
	c := &rule.Config
	flags := []bool{
		c.EnableRule,
		c.IsAI,
		c.EnableDelay,
		c.HasMediaFilters(),
		c.HasAdvancedMediaFilters(),
		c.EnablePush,
		c.OnlyRSS,
		c.IsDeleteOriginal,
		c.EnableCommentButton,
		c.EnableReplySync,
		c.HandleMode == models.HandleEdit,
	}
	var b strings.Builder
	b.WriteString(strconv.FormatInt(rule.ID, 10))
	b.WriteByte('|')
	b.WriteString(c.EnabledFilters)
	b.WriteByte('|')
	b.WriteString(strings.Join(*f.disabled.Load(), ","))
	b.WriteByte('|')
	for i, v := range flags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatBool(v))
	}
	return b.String()
}

// Close releases the chain cache.
func (f *Factory) Close() {
	f.chains.Close()
}
