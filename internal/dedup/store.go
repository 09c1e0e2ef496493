package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
)

// Store persists signatures. Insert must be atomic per (chat, signature):
// it stores sig when no record exists or the record is older than since,
// and reports whether it did. A zero since keeps every record.
type Store interface {
	Insert(ctx context.Context, sig models.MediaSignature, since time.Time) (bool, error)
	Delete(ctx context.Context, chatID, signature string) error
	Exists(ctx context.Context, chatID, signature string, since time.Time) (bool, error)
	ListPerceptual(ctx context.Context, chatID string, since time.Time) ([]models.MediaSignature, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type memKey struct {
	chat string
	sig  string
}

type MemoryStore struct {
	mu   sync.Mutex
	sigs map[memKey]models.MediaSignature
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sigs: map[memKey]models.MediaSignature{}}
}

func (s *MemoryStore) Insert(_ context.Context, sig models.MediaSignature, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{sig.ChatID, sig.Signature}
	if old, ok := s.sigs[k]; ok && (since.IsZero() || !old.CreatedAt.Before(since)) {
		return false, nil
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	s.sigs[k] = sig
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, chatID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sigs, memKey{chatID, signature})
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, chatID, signature string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.sigs[memKey{chatID, signature}]
	if !ok {
		return false, nil
	}
	return since.IsZero() || !sig.CreatedAt.Before(since), nil
}

func (s *MemoryStore) ListPerceptual(_ context.Context, chatID string, since time.Time) ([]models.MediaSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MediaSignature
	for k, sig := range s.sigs {
		if k.chat == chatID && sig.Perceptual && (since.IsZero() || !sig.CreatedAt.Before(since)) {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, sig := range s.sigs {
		if sig.CreatedAt.Before(before) {
			delete(s.sigs, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sigs)
}
