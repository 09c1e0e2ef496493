package rules

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
)

// MemoryStore keeps rules and chats in memory. It implements Store and
// ChatStore.
type MemoryStore struct {
	mu     sync.Mutex
	rules  map[int64]models.ForwardRule
	chats  map[string]models.Chat
	loads  int
	nextID int64
}

var (
	_ Store     = (*MemoryStore)(nil)
	_ ChatStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: map[int64]models.ForwardRule{},
		chats: map[string]models.Chat{},
	}
}

func (s *MemoryStore) PutChat(c models.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.TelegramChatID] = c
}

func (s *MemoryStore) PutRule(r models.ForwardRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
}

// Loads counts source lookups that reached the store.
func (s *MemoryStore) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *MemoryStore) FindBySourceChatIDs(_ context.Context, ids []string) ([]models.ForwardRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	var out []models.ForwardRule
	for _, r := range s.rules {
		if r.Config.EnableRule && slices.Contains(ids, r.SourceChatID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindEnabled(context.Context) ([]models.ForwardRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ForwardRule
	for _, r := range s.rules {
		if r.Config.EnableRule {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindByID(_ context.Context, id int64) (*models.ForwardRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Create(_ context.Context, r models.ForwardRule) (*models.ForwardRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.rules {
		s.nextID = max(s.nextID, id)
	}
	s.nextID++
	now := time.Now()
	r.ID = s.nextID
	r.CreatedAt, r.UpdatedAt = now, now
	s.rules[r.ID] = r
	return &r, nil
}

func (s *MemoryStore) Update(_ context.Context, id int64, upd models.RuleUpdate) (*models.ForwardRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if upd.Priority != nil {
		r.Priority = *upd.Priority
	}
	if upd.Config != nil {
		r.Config = *upd.Config
	}
	if upd.Keywords != nil {
		r.Keywords = upd.Keywords
	}
	if upd.ReplaceRules != nil {
		r.ReplaceRules = upd.ReplaceRules
	}
	if upd.MediaTypes != nil {
		r.MediaTypes = *upd.MediaTypes
	}
	r.UpdatedAt = time.Now()
	s.rules[id] = r
	return &r, nil
}

func (s *MemoryStore) FindByTelegramIDs(_ context.Context, ids []string) ([]models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Chat
	for _, id := range ids {
		if c, ok := s.chats[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, c models.Chat) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	prev, ok := s.chats[c.TelegramChatID]
	if !ok {
		prev = models.Chat{TelegramChatID: c.TelegramChatID, IsActive: true, CreatedAt: now}
	}
	prev.Name = c.Name
	if c.Type != "" {
		prev.Type = c.Type
	}
	prev.UpdatedAt = now
	s.chats[c.TelegramChatID] = prev
	return &prev, nil
}

// Chat returns the stored chat row.
func (s *MemoryStore) Chat(id string) (models.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	return c, ok
}
