// Package rules resolves source chats to their active forwarding rules and
// caches the result until a rule changes.
package rules

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/eventbus"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/chatid"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
	"github.com/maypok86/otter"
)

type Store interface {
	FindBySourceChatIDs(ctx context.Context, ids []string) ([]models.ForwardRule, error)
	FindEnabled(ctx context.Context) ([]models.ForwardRule, error)
	FindByID(ctx context.Context, id int64) (*models.ForwardRule, error)
	Create(ctx context.Context, rule models.ForwardRule) (*models.ForwardRule, error)
	Update(ctx context.Context, id int64, upd models.RuleUpdate) (*models.ForwardRule, error)
}

type ChatStore interface {
	FindByTelegramIDs(ctx context.Context, ids []string) ([]models.Chat, error)
	Upsert(ctx context.Context, chat models.Chat) (*models.Chat, error)
}

type EventBus interface {
	Subscribe(event models.EventType, h eventbus.Handler) func()
	Publish(ctx context.Context, event models.EventType, data any, wait bool)
}

type priorityEntry struct {
	m       map[string]int
	expires time.Time
}

type Repository struct {
	rules    Store
	chats    ChatStore
	bus      EventBus
	validate *validator.Validate
	ttl      time.Duration

	cache      otter.Cache[string, []*models.ForwardRule]
	priorities atomic.Pointer[priorityEntry]
	unsub      []func()
}

func NewRepository(rules Store, chats ChatStore, bus EventBus, cfg config.RulesConfig) *Repository {
	r := &Repository{
		rules:    rules,
		chats:    chats,
		bus:      bus,
		validate: models.NewValidator(),
		ttl:      cfg.CacheTTL,
		cache:    util.NewTTLCache[string, []*models.ForwardRule](10_000, cfg.CacheTTL),
	}
	invalidate := func(ctx context.Context, ev models.EventType, _ any) error {
		logx.Debugw(ctx, "invalidating rule caches", "event", ev)
		r.Invalidate()
		return nil
	}
	r.unsub = append(r.unsub,
		bus.Subscribe(models.EventRuleUpdated, invalidate),
		bus.Subscribe(models.EventChatInfoUpdated, r.onChatInfo),
	)
	return r
}

// onChatInfo records the chat seen by a listener, so rules naming it can
// resolve, then drops the caches.
func (r *Repository) onChatInfo(ctx context.Context, _ models.EventType, data any) error {
	info, ok := data.(models.ChatInfoUpdated)
	if !ok {
		return fmt.Errorf("unexpected %s payload %T", models.EventChatInfoUpdated, data)
	}
	_, err := r.chats.Upsert(ctx, models.Chat{
		TelegramChatID: chatid.Normalize(info.ChatID),
		Name:           info.Name,
	})
	r.Invalidate()
	if err != nil {
		return fmt.Errorf("record chat %s: %w", info.ChatID, err)
	}
	return nil
}

func (r *Repository) Close() {
	for _, u := range r.unsub {
		u()
	}
	r.cache.Close()
}

func (r *Repository) Invalidate() {
	r.cache.Clear()
	r.priorities.Store(nil)
}

// GetRulesForSourceChat returns the active rules of the chat, highest
// priority first. The slice is owned by the caller.
func (r *Repository) GetRulesForSourceChat(ctx context.Context, chatID string) ([]*models.ForwardRule, error) {
	key := chatid.Normalize(chatID)
	if cached, ok := r.cache.Get(key); ok {
		return slices.Clone(cached), nil
	}

	found, err := r.rules.FindBySourceChatIDs(ctx, chatid.Candidates(chatID))
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", chatID, err)
	}
	active, err := r.hydrate(ctx, found)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, active)
	return slices.Clone(active), nil
}

// hydrate attaches chats to rules and drops rules that must not run.
func (r *Repository) hydrate(ctx context.Context, found []models.ForwardRule) ([]*models.ForwardRule, error) {
	if len(found) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(found)*2)
	for _, rule := range found {
		ids = append(ids, chatid.Normalize(rule.SourceChatID), chatid.Normalize(rule.TargetChatID))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	chats, err := r.chats.FindByTelegramIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}
	byID := make(map[string]*models.Chat, len(chats))
	for i := range chats {
		byID[chatid.Normalize(chats[i].TelegramChatID)] = &chats[i]
	}

	out := make([]*models.ForwardRule, 0, len(found))
	for i := range found {
		rule := found[i]
		src, dst := chatid.Normalize(rule.SourceChatID), chatid.Normalize(rule.TargetChatID)
		switch {
		case !rule.Config.EnableRule:
			continue
		case src == dst:
			logx.Warnw(ctx, "skipping self-loop rule", "rule_id", rule.ID, "chat_id", src)
			continue
		case byID[src] == nil || byID[dst] == nil:
			logx.Warnw(ctx, "skipping rule with unknown chat", "rule_id", rule.ID, "source", src, "target", dst)
			continue
		case !byID[src].IsActive || !byID[dst].IsActive:
			continue
		}
		rule.SourceChat = byID[src]
		rule.TargetChat = byID[dst]
		out = append(out, &rule)
	}
	slices.SortStableFunc(out, func(a, b *models.ForwardRule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return int(a.ID - b.ID)
	})
	return out, nil
}

// GetPriorityMap maps each canonical source chat id to the highest
// priority among its active rules.
func (r *Repository) GetPriorityMap(ctx context.Context) (map[string]int, error) {
	if e := r.priorities.Load(); e != nil && time.Now().Before(e.expires) {
		return e.m, nil
	}
	found, err := r.rules.FindEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load enabled rules: %w", err)
	}
	active, err := r.hydrate(ctx, found)
	if err != nil {
		return nil, err
	}
	m := make(map[string]int, len(active))
	for _, rule := range active {
		src := chatid.Normalize(rule.SourceChatID)
		if p, ok := m[src]; !ok || rule.Priority > p {
			m[src] = rule.Priority
		}
	}
	r.priorities.Store(&priorityEntry{m: m, expires: time.Now().Add(r.ttl)})
	return m, nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*models.ForwardRule, error) {
	rule, err := r.rules.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	hydrated, err := r.hydrate(ctx, []models.ForwardRule{*rule})
	if err != nil {
		return nil, err
	}
	if len(hydrated) == 1 {
		return hydrated[0], nil
	}
	return rule, nil
}

// Create stores a new rule. Chats it names that were never seen are
// registered under their id.
func (r *Repository) Create(ctx context.Context, rule models.ForwardRule) (*models.ForwardRule, error) {
	rule.SourceChatID = chatid.Normalize(rule.SourceChatID)
	rule.TargetChatID = chatid.Normalize(rule.TargetChatID)
	if err := r.validate.Struct(rule); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if err := rule.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if rule.SourceChatID == rule.TargetChatID {
		return nil, models.ErrSelfLoop
	}

	ids := []string{rule.SourceChatID, rule.TargetChatID}
	known, err := r.chats.FindByTelegramIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}
	for _, id := range ids {
		if slices.ContainsFunc(known, func(c models.Chat) bool { return chatid.Normalize(c.TelegramChatID) == id }) {
			continue
		}
		if _, err := r.chats.Upsert(ctx, models.Chat{TelegramChatID: id, Name: id}); err != nil {
			return nil, fmt.Errorf("register chat %s: %w", id, err)
		}
	}

	created, err := r.rules.Create(ctx, rule)
	if err != nil {
		return nil, err
	}
	r.Invalidate()
	r.bus.Publish(ctx, models.EventRuleUpdated, models.RuleUpdated{RuleID: created.ID}, true)
	logx.Infow(ctx, "rule created", "rule_id", created.ID, "source", created.SourceChatID, "target", created.TargetChatID)
	return created, nil
}

// Update persists upd and notifies every cache holder before returning.
func (r *Repository) Update(ctx context.Context, id int64, upd models.RuleUpdate) (*models.ForwardRule, error) {
	if err := r.validate.Struct(upd); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if upd.Config != nil {
		if err := upd.Config.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
		}
	}
	rule, err := r.rules.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	r.Invalidate()
	r.bus.Publish(ctx, models.EventRuleUpdated, models.RuleUpdated{RuleID: id}, true)
	logx.Infow(ctx, "rule updated", "rule_id", id)
	return rule, nil
}
