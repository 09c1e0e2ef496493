package filters

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/maypok86/otter"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

// MediaSettings provides the process-wide media settings.
type MediaSettings interface {
	GlobalMedia(ctx context.Context) (models.GlobalMediaSettings, error)
}

const settingsTTL = 30 * time.Second

// StoredSettings reads GlobalMediaSettings from the config store, caching
// the decoded value briefly.
type StoredSettings struct {
	store ConfigStore
	cache otter.Cache[string, models.GlobalMediaSettings]
}

func NewStoredSettings(store ConfigStore) *StoredSettings {
	return &StoredSettings{
		store: store,
		cache: util.NewTTLCache[string, models.GlobalMediaSettings](16, settingsTTL),
	}
}

func (s *StoredSettings) GlobalMedia(ctx context.Context) (models.GlobalMediaSettings, error) {
	if v, ok := s.cache.Get(models.ConfigKeyGlobalMedia); ok {
		return v, nil
	}
	raw, err := s.store.Get(ctx, models.ConfigKeyGlobalMedia)
	if errors.Is(err, models.ErrNotFound) {
		v := models.DefaultGlobalMediaSettings()
		s.cache.Set(models.ConfigKeyGlobalMedia, v)
		return v, nil
	}
	if err != nil {
		return models.GlobalMediaSettings{}, err
	}
	v := models.DefaultGlobalMediaSettings()
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return models.GlobalMediaSettings{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	s.cache.Set(models.ConfigKeyGlobalMedia, v)
	return v, nil
}

// Invalidate forgets the cached settings after an update.
func (s *StoredSettings) Invalidate() {
	s.cache.Delete(models.ConfigKeyGlobalMedia)
}

// StaticSettings always returns the same settings.
type StaticSettings models.GlobalMediaSettings

func (s StaticSettings) GlobalMedia(context.Context) (models.GlobalMediaSettings, error) {
	return models.GlobalMediaSettings(s), nil
}
