package dedup

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDedupConfig = config.DedupConfig{Enabled: true, TimeWindowHours: 24, PHashThreshold: 5}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		msg      *models.Message
		withText bool
		wantSig  string
		wantKind string
	}{
		{
			name:     "photo uses chat-prefixed stable id",
			msg:      &models.Message{ChatID: 111, Media: &models.Media{Kind: models.MediaPhoto, FileID: "f1", FileUniqueID: "u1"}},
			wantSig:  "photo:111_u1",
			wantKind: KindPhoto,
		},
		{
			name:     "video attributes",
			msg:      &models.Message{ChatID: 1, Media: &models.Media{Kind: models.MediaVideo, Duration: 30, Width: 1280, Height: 720, Size: 1024}},
			wantSig:  "video:30s:1280x720:1024",
			wantKind: KindVideo,
		},
		{
			name:     "document attributes with lowercase name",
			msg:      &models.Message{ChatID: 1, Media: &models.Media{Kind: models.MediaDocument, MimeType: "application/pdf", Size: 99, FileName: "Report.PDF"}},
			wantSig:  "document:application/pdf:99:report.pdf",
			wantKind: KindDocument,
		},
		{
			name:     "text ignored without content hash",
			msg:      &models.Message{ChatID: 1, Text: "Hello"},
			wantSig:  "",
			wantKind: "",
		},
		{
			name:     "empty text has no fingerprint",
			msg:      &models.Message{ChatID: 1, Text: "   "},
			withText: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sig, kind := Fingerprint(tt.msg, tt.withText)
			assert.Equal(t, tt.wantSig, sig)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestFingerprintTextIsDeterministicAndNormalized(t *testing.T) {
	t.Parallel()
	a, kind := Fingerprint(&models.Message{Text: "Hello   World https://x.io/a"}, true)
	b, _ := Fingerprint(&models.Message{Text: "hello world"}, true)
	c, _ := Fingerprint(&models.Message{Text: "hello world"}, true)
	assert.Equal(t, KindText, kind)
	assert.Equal(t, a, b)
	assert.Equal(t, b, c)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	s1, _ := Fingerprint(&models.Message{Text: string(long)}, true)
	s2, _ := Fingerprint(&models.Message{Text: string(long)}, true)
	assert.Equal(t, s1, s2)
}

func TestCheckAndLockConcurrentDuplicates(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	engine := NewEngine(store, nil, testDedupConfig)
	cfg := &models.RuleConfig{EnableDedup: true}
	msg := &models.Message{ID: 100, ChatID: 111, Media: &models.Media{Kind: models.MediaPhoto, FileUniqueID: "same"}}

	const n = 32
	var wins atomic.Int64
	var reasons sync.Map
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, reason := engine.CheckAndLock(t.Context(), "222", msg, cfg)
			if !dup {
				wins.Add(1)
				return
			}
			reasons.Store(i, reason)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	reasons.Range(func(_, v any) bool {
		assert.Equal(t, "duplicate: photo", v)
		return true
	})
}

func TestRollbackReleasesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	engine := NewEngine(store, nil, testDedupConfig)
	cfg := &models.RuleConfig{EnableDedup: true}
	msg := &models.Message{ID: 1, ChatID: 111, Text: "breaking news"}
	ctx := t.Context()

	dup, _ := engine.CheckAndLock(ctx, "222", msg, cfg)
	require.False(t, dup)
	assert.Equal(t, 1, store.Len())

	engine.Rollback(ctx, "222", msg)
	assert.Equal(t, 0, store.Len())
	engine.Rollback(ctx, "222", msg)
	engine.Rollback(ctx, "999", &models.Message{ID: 5})

	dup, _ = engine.CheckAndLock(ctx, "222", msg, cfg)
	assert.False(t, dup, "retry after rollback is not a duplicate")

	engine.Commit("222", msg)
	engine.Rollback(ctx, "222", msg)
	assert.Equal(t, 1, store.Len(), "committed fingerprint survives rollback")

	dup, reason := engine.CheckAndLock(ctx, "222", msg, cfg)
	assert.True(t, dup)
	assert.Equal(t, "duplicate: text", reason)
}

func TestTimeWindowExpiry(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	engine := NewEngine(store, nil, testDedupConfig)
	now := time.Now()
	engine.now = func() time.Time { return now }
	cfg := &models.RuleConfig{EnableDedup: true, TimeWindowHours: 1}
	msg := &models.Message{ID: 1, ChatID: 111, Text: "hourly digest"}

	dup, _ := engine.CheckAndLock(t.Context(), "222", msg, cfg)
	require.False(t, dup)
	engine.Commit("222", msg)

	now = now.Add(30 * time.Minute)
	dup, _ = engine.CheckAndLock(t.Context(), "222", msg, cfg)
	assert.True(t, dup)

	now = now.Add(2 * time.Hour)
	dup, _ = engine.CheckAndLock(t.Context(), "222", msg, cfg)
	assert.False(t, dup, "stale fingerprint outside the window")
}

func TestStaleFingerprintTakenOverOnce(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	engine := NewEngine(store, nil, testDedupConfig)
	now := time.Now()
	engine.now = func() time.Time { return now }
	cfg := &models.RuleConfig{EnableDedup: true, TimeWindowHours: 1}
	msg := &models.Message{ID: 1, ChatID: 111, Text: "hourly digest"}

	dup, _ := engine.CheckAndLock(t.Context(), "222", msg, cfg)
	require.False(t, dup)
	engine.Commit("222", msg)
	now = now.Add(2 * time.Hour)

	const n = 32
	var wins atomic.Int64
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if dup, _ := engine.CheckAndLock(t.Context(), "222", msg, cfg); !dup {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, 1, store.Len())
}

type failingStore struct{ *MemoryStore }

func (failingStore) Insert(context.Context, models.MediaSignature, time.Time) (bool, error) {
	return false, errors.New("database is locked")
}

func TestStoreErrorNeverBlocks(t *testing.T) {
	t.Parallel()
	engine := NewEngine(failingStore{NewMemoryStore()}, nil, testDedupConfig)
	dup, reason := engine.CheckAndLock(t.Context(), "222", &models.Message{ID: 1, Text: "x"}, &models.RuleConfig{EnableDedup: true})
	assert.False(t, dup)
	assert.Empty(t, reason)
}

func TestDisabledGlobally(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	engine := NewEngine(store, nil, config.DedupConfig{Enabled: false})
	msg := &models.Message{ID: 1, Text: "x"}
	for range 2 {
		dup, _ := engine.CheckAndLock(t.Context(), "222", msg, &models.RuleConfig{EnableDedup: true})
		assert.False(t, dup)
	}
	assert.Equal(t, 0, store.Len())
}

type imageLoader map[int64]image.Image

func (l imageLoader) LoadImage(_ context.Context, msg *models.Message) (image.Image, error) {
	return l[msg.ID], nil
}

func gradient(shift uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := range 64 {
		for x := range 64 {
			v := uint8(x*4) + shift
			if y > 32 {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func TestPerceptualSimilarity(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	loader := imageLoader{1: gradient(0), 2: gradient(0)}
	engine := NewEngine(store, loader, testDedupConfig)
	cfg := &models.RuleConfig{EnableDedup: true, EnableSmartSimilarity: true}
	ctx := t.Context()

	first := &models.Message{ID: 1, ChatID: 111, Media: &models.Media{Kind: models.MediaPhoto, FileUniqueID: "a"}}
	second := &models.Message{ID: 2, ChatID: 111, Media: &models.Media{Kind: models.MediaPhoto, FileUniqueID: "b"}}

	dup, _ := engine.CheckAndLock(ctx, "222", first, cfg)
	require.False(t, dup)
	engine.Commit("222", first)

	dup, reason := engine.CheckAndLock(ctx, "222", second, cfg)
	assert.True(t, dup)
	assert.Equal(t, "duplicate: similar", reason)

	ok, err := store.Exists(ctx, "222", "photo:111_b", time.Time{})
	require.NoError(t, err)
	assert.False(t, ok, "exact lock released when the similarity check rejects")
}
