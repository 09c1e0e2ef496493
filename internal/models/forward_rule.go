package models

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
)

type ForwardMode string

const (
	ModeWhitelist              ForwardMode = "whitelist"
	ModeBlacklist              ForwardMode = "blacklist"
	ModeWhitelistThenBlacklist ForwardMode = "whitelist_then_blacklist"
	ModeBlacklistThenWhitelist ForwardMode = "blacklist_then_whitelist"
)

type HandleMode string

const (
	HandleForward HandleMode = "forward"
	HandleEdit    HandleMode = "edit"
)

type Keyword struct {
	Pattern     string `bson:"pattern" json:"pattern" validate:"required"`
	IsRegex     bool   `bson:"is_regex" json:"is_regex"`
	IsBlacklist bool   `bson:"is_blacklist" json:"is_blacklist"`
}

type ReplaceRule struct {
	Pattern string `bson:"pattern" json:"pattern" validate:"required"`
	Content string `bson:"content" json:"content"`
}

// MediaTypes lists the media kinds a rule blocks.
type MediaTypes struct {
	Photo    bool `bson:"photo" json:"photo"`
	Video    bool `bson:"video" json:"video"`
	Audio    bool `bson:"audio" json:"audio"`
	Voice    bool `bson:"voice" json:"voice"`
	Document bool `bson:"document" json:"document"`
}

func (m MediaTypes) Blocks(kind MediaKind) bool {
	switch kind {
	case MediaPhoto:
		return m.Photo
	case MediaVideo, MediaAnimation:
		return m.Video
	case MediaAudio:
		return m.Audio
	case MediaVoice:
		return m.Voice
	case MediaDocument, MediaSticker:
		return m.Document
	}
	return false
}

// RuleConfig is the complete set of per-rule toggles. Unknown keys are
// rejected when decoding from JSON.
type RuleConfig struct {
	EnableRule  bool        `bson:"enable_rule" json:"enable_rule"`
	ForwardMode ForwardMode `bson:"forward_mode" json:"forward_mode" validate:"omitempty,oneof=whitelist blacklist whitelist_then_blacklist blacklist_then_whitelist"`
	HandleMode  HandleMode  `bson:"handle_mode" json:"handle_mode" validate:"omitempty,oneof=forward edit"`

	EnableReverseBlacklist bool   `bson:"enable_reverse_blacklist" json:"enable_reverse_blacklist"`
	EnableReverseWhitelist bool   `bson:"enable_reverse_whitelist" json:"enable_reverse_whitelist"`
	RequiredSenderID       string `bson:"required_sender_id,omitempty" json:"required_sender_id,omitempty"`
	RequiredSenderRegex    string `bson:"required_sender_regex,omitempty" json:"required_sender_regex,omitempty"`

	IsReplace        bool `bson:"is_replace" json:"is_replace"`
	ForcePureForward bool `bson:"force_pure_forward" json:"force_pure_forward"`

	IsAI     bool   `bson:"is_ai" json:"is_ai"`
	AIModel  string `bson:"ai_model,omitempty" json:"ai_model,omitempty"`
	AIPrompt string `bson:"ai_prompt,omitempty" json:"ai_prompt,omitempty"`

	EnableDelay  bool `bson:"enable_delay" json:"enable_delay"`
	DelaySeconds int  `bson:"delay_seconds" json:"delay_seconds" validate:"gte=0,lte=86400"`

	EnableDedup           bool `bson:"enable_dedup" json:"enable_dedup"`
	EnableContentHash     bool `bson:"enable_content_hash" json:"enable_content_hash"`
	EnableSmartSimilarity bool `bson:"enable_smart_similarity" json:"enable_smart_similarity"`
	SimilarityThreshold   int  `bson:"similarity_threshold" json:"similarity_threshold" validate:"gte=0,lte=64"`
	TimeWindowHours       int  `bson:"time_window_hours" json:"time_window_hours" validate:"gte=0,lte=168"`

	EnableMediaTypeFilter      bool     `bson:"enable_media_type_filter" json:"enable_media_type_filter"`
	EnableMediaSizeFilter      bool     `bson:"enable_media_size_filter" json:"enable_media_size_filter"`
	MaxMediaSize               float64  `bson:"max_media_size" json:"max_media_size" validate:"gte=0"`
	IsSendOverMediaSizeMessage bool     `bson:"is_send_over_media_size_message" json:"is_send_over_media_size_message"`
	EnableExtensionFilter      bool     `bson:"enable_extension_filter" json:"enable_extension_filter"`
	ExtensionFilterMode        string   `bson:"extension_filter_mode" json:"extension_filter_mode" validate:"omitempty,oneof=whitelist blacklist"`
	MediaExtensions            []string `bson:"media_extensions,omitempty" json:"media_extensions,omitempty"`
	MediaAllowText             bool     `bson:"media_allow_text" json:"media_allow_text"`

	EnableDurationFilter   bool  `bson:"enable_duration_filter" json:"enable_duration_filter"`
	MinDuration            int   `bson:"min_duration" json:"min_duration" validate:"gte=0"`
	MaxDuration            int   `bson:"max_duration" json:"max_duration" validate:"gte=0"`
	EnableResolutionFilter bool  `bson:"enable_resolution_filter" json:"enable_resolution_filter"`
	MinWidth               int   `bson:"min_width" json:"min_width" validate:"gte=0"`
	MaxWidth               int   `bson:"max_width" json:"max_width" validate:"gte=0"`
	MinHeight              int   `bson:"min_height" json:"min_height" validate:"gte=0"`
	MaxHeight              int   `bson:"max_height" json:"max_height" validate:"gte=0"`
	EnableFileSizeRange    bool  `bson:"enable_file_size_range" json:"enable_file_size_range"`
	MinFileSize            int64 `bson:"min_file_size" json:"min_file_size" validate:"gte=0"`
	MaxFileSize            int64 `bson:"max_file_size" json:"max_file_size" validate:"gte=0"`

	IsOriginalSender bool   `bson:"is_original_sender" json:"is_original_sender"`
	IsOriginalLink   bool   `bson:"is_original_link" json:"is_original_link"`
	IsOriginalTime   bool   `bson:"is_original_time" json:"is_original_time"`
	InfoTemplate     string `bson:"info_template,omitempty" json:"info_template,omitempty"`

	EnableCommentButton bool     `bson:"enable_comment_button" json:"enable_comment_button"`
	OnlyRSS             bool     `bson:"only_rss" json:"only_rss"`
	EnableReplySync     bool     `bson:"enable_reply_sync" json:"enable_reply_sync"`
	EnablePush          bool     `bson:"enable_push" json:"enable_push"`
	PushURLs            []string `bson:"push_urls,omitempty" json:"push_urls,omitempty" validate:"omitempty,dive,url"`
	IsDeleteOriginal    bool     `bson:"is_delete_original" json:"is_delete_original"`

	// EnabledFilters is either a JSON list of stage names or
	// {"filters": [...]}. Empty means derive from the flags above.
	EnabledFilters string `bson:"enabled_filters,omitempty" json:"enabled_filters,omitempty"`
}

func (c *RuleConfig) HasMediaFilters() bool {
	return c.EnableMediaTypeFilter || c.EnableMediaSizeFilter || c.EnableExtensionFilter
}

func (c *RuleConfig) HasAdvancedMediaFilters() bool {
	return c.EnableDurationFilter || c.EnableResolutionFilter || c.EnableFileSizeRange
}

var configValidator = NewValidator()

func (c *RuleConfig) Validate() error {
	return configValidator.Struct(c)
}

// DecodeRuleConfig parses a JSON rule configuration, rejecting unknown keys.
func DecodeRuleConfig(raw []byte) (RuleConfig, error) {
	var cfg RuleConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return RuleConfig{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := cfg.Validate(); err != nil {
		return RuleConfig{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return cfg, nil
}

type ForwardRule struct {
	ID           int64         `bson:"_id" json:"id"`
	SourceChatID string        `bson:"source_chat_id" json:"source_chat_id" validate:"required,chatref"`
	TargetChatID string        `bson:"target_chat_id" json:"target_chat_id" validate:"required,chatref"`
	Priority     int           `bson:"priority" json:"priority" validate:"gte=0,lte=100"`
	Config       RuleConfig    `bson:"config" json:"config"`
	Keywords     []Keyword     `bson:"keywords,omitempty" json:"keywords,omitempty" validate:"omitempty,dive"`
	ReplaceRules []ReplaceRule `bson:"replace_rules,omitempty" json:"replace_rules,omitempty" validate:"omitempty,dive"`
	MediaTypes   MediaTypes    `bson:"media_types" json:"media_types"`
	CreatedAt    time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `bson:"updated_at" json:"updated_at"`

	// resolved at load time
	SourceChat *Chat `bson:"-" json:"-"`
	TargetChat *Chat `bson:"-" json:"-"`
}

func (ForwardRule) CollectionName() string {
	return "forward_rules"
}

// TargetPeerID returns the platform id of the target chat, falling back to
// the stored id when the chat row was not resolved.
func (r *ForwardRule) TargetPeerID() (int64, error) {
	if r.TargetChat != nil {
		return r.TargetChat.PeerID()
	}
	c := Chat{TelegramChatID: r.TargetChatID}
	return c.PeerID()
}

// RuleUpdate carries the administratively mutable fields of a rule.
type RuleUpdate struct {
	Priority     *int          `json:"priority,omitempty" validate:"omitempty,gte=0,lte=100"`
	Config       *RuleConfig   `json:"config,omitempty"`
	Keywords     []Keyword     `json:"keywords,omitempty" validate:"omitempty,dive"`
	ReplaceRules []ReplaceRule `json:"replace_rules,omitempty" validate:"omitempty,dive"`
	MediaTypes   *MediaTypes   `json:"media_types,omitempty"`
}

func (r ForwardRule) GetUpdates() any {
	return bson.M{
		"priority":      r.Priority,
		"config":        r.Config,
		"keywords":      r.Keywords,
		"replace_rules": r.ReplaceRules,
		"media_types":   r.MediaTypes,
		"updated_at":    time.Now(),
	}
}
