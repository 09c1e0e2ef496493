package models

import (
	"time"

	"github.com/kellyson520/tg-forwarder/pkg/chatid"
)

type Chat struct {
	ID             ObjectID    `bson:"_id,omitempty" json:"id"`
	TelegramChatID string      `bson:"telegram_chat_id" json:"telegram_chat_id"`
	Name           string      `bson:"name" json:"name"`
	Type           chatid.Kind `bson:"type" json:"type"`
	IsActive       bool        `bson:"is_active" json:"is_active"`
	CreatedAt      time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `bson:"updated_at" json:"updated_at"`
}

func (Chat) CollectionName() string {
	return "chats"
}

// PeerID is the signed id used when talking to the platform.
func (c *Chat) PeerID() (int64, error) {
	return chatid.PeerID(c.TelegramChatID, c.Type)
}

func (c Chat) GetUpdates() any {
	c.ID = ""
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Now()
	return c
}
