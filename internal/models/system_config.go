package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	ConfigKeyDedup                 = "dedup_global_config"
	ConfigKeyGlobalMedia           = "global_media_settings"
	ConfigKeyFiltersGlobalDisabled = "filters_global_disabled"
)

type SystemConfiguration struct {
	Key       string    `bson:"_id" json:"key"`
	Value     string    `bson:"value" json:"value"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

func (SystemConfiguration) CollectionName() string {
	return "system_configurations"
}

func (c SystemConfiguration) GetUpdates() any {
	return bson.M{"value": c.Value, "updated_at": time.Now()}
}

// DedupGlobalConfig is stored as JSON under ConfigKeyDedup.
type DedupGlobalConfig struct {
	Enabled             bool    `json:"enabled"`
	TimeWindowHours     int     `json:"time_window_hours" validate:"gte=0,lte=168"`
	PHashThreshold      int     `json:"phash_threshold" validate:"gte=0,lte=64"`
	SimilarityThreshold float64 `json:"similarity_threshold" validate:"omitempty,gte=0.5,lte=1"`
	EnableContentHash   bool    `json:"enable_content_hash"`
	EnablePHash         bool    `json:"enable_phash"`
}

// GlobalMediaSettings is stored as JSON under ConfigKeyGlobalMedia.
type GlobalMediaSettings struct {
	AllowText    bool        `json:"allow_text"`
	AllowEmoji   bool        `json:"allow_emoji"`
	BlockedMedia []MediaKind `json:"blocked_media,omitempty" validate:"omitempty,dive,oneof=photo video audio voice document animation sticker"`
}

func DefaultGlobalMediaSettings() GlobalMediaSettings {
	return GlobalMediaSettings{AllowText: true, AllowEmoji: true}
}

func (s GlobalMediaSettings) Blocks(kind MediaKind) bool {
	for _, k := range s.BlockedMedia {
		if k == kind {
			return true
		}
	}
	return false
}
