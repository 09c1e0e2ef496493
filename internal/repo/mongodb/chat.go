package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ChatRepository interface {
	FindByTelegramIDs(ctx context.Context, ids []string) ([]models.Chat, error)
	Upsert(ctx context.Context, chat models.Chat) (*models.Chat, error)
}

type chatRepo struct {
	baseRepo[models.Chat]
}

func NewChatRepository(db *DB) ChatRepository {
	return &chatRepo{baseRepo: newBaseRepo[models.Chat](db.Database)}
}

func (r *chatRepo) FindByTelegramIDs(ctx context.Context, ids []string) ([]models.Chat, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	chats, err := r.Find(ctx, bson.M{"telegram_chat_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("find chats: %w", err)
	}
	return chats, nil
}

// Upsert creates the chat on first reference and refreshes its name.
func (r *chatRepo) Upsert(ctx context.Context, chat models.Chat) (*models.Chat, error) {
	now := time.Now()
	filter := bson.M{"telegram_chat_id": chat.TelegramChatID}
	set := bson.M{"name": chat.Name, "updated_at": now}
	if chat.Type != "" {
		set["type"] = chat.Type
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"is_active":  true,
			"created_at": now,
		},
	}
	if _, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return nil, fmt.Errorf("upsert chat: %w", err)
	}
	return r.FindOne(ctx, filter)
}
