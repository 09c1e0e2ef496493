package models

import (
	"strings"
	"time"
)

// KafkaMessage is the envelope of chat events published on the ingress topic.
type KafkaMessage struct {
	Pattern string  `json:"pattern"`
	Data    Message `json:"data"`
}

const PatternMessageNew = "message.new"

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
	MediaSticker   MediaKind = "sticker"
)

// Media describes the attachment of a message. Zero values mean the
// platform did not report the attribute.
type Media struct {
	Kind         MediaKind `json:"kind"`
	FileID       string    `json:"file_id"`
	FileUniqueID string    `json:"file_unique_id,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Size         int64     `json:"size,omitempty"`
	Duration     int       `json:"duration,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
}

// Message is a platform message as seen by the processing core.
type Message struct {
	ID             int64      `json:"id" validate:"required"`
	ChatID         int64      `json:"chat_id" validate:"required"`
	ChatTitle      string     `json:"chat_title,omitempty"`
	ChatUsername   string     `json:"chat_username,omitempty"`
	Text           string     `json:"text"`
	Date           time.Time  `json:"date"`
	EditDate       *time.Time `json:"edit_date,omitempty"`
	GroupedID      string     `json:"grouped_id,omitempty"`
	SenderID       string     `json:"sender_id,omitempty"`
	SenderName     string     `json:"sender_name,omitempty"`
	SenderUsername string     `json:"sender_username,omitempty"`
	ReplyToID      int64      `json:"reply_to_id,omitempty"`
	Media          *Media     `json:"media,omitempty"`
}

func (m *Message) HasMedia() bool {
	return m != nil && m.Media != nil
}

func (m *Message) IsGrouped() bool {
	return m != nil && m.GroupedID != ""
}

// MediaType returns the media kind, or "text" for plain messages.
func (m *Message) MediaType() string {
	if !m.HasMedia() {
		return "text"
	}
	return string(m.Media.Kind)
}

// FileExtension is the lower-cased last dot-separated token of the file
// name, or "" when there is none.
func (m *Message) FileExtension() string {
	if !m.HasMedia() || m.Media.FileName == "" {
		return ""
	}
	name := m.Media.FileName
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}
