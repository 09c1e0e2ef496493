package models

import "time"

type MediaSignature struct {
	ID         ObjectID  `bson:"_id,omitempty" json:"id"`
	ChatID     string    `bson:"chat_id" json:"chat_id"`
	Signature  string    `bson:"signature" json:"signature"`
	Perceptual bool      `bson:"perceptual,omitempty" json:"perceptual,omitempty"`
	MessageID  int64     `bson:"message_id,omitempty" json:"message_id,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

func (MediaSignature) CollectionName() string {
	return "media_signatures"
}

func (s MediaSignature) GetUpdates() any {
	s.ID = ""
	return s
}
