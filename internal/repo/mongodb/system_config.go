package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"go.mongodb.org/mongo-driver/bson"
)

type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type systemConfigRepo struct {
	baseRepo[models.SystemConfiguration]
}

func NewSystemConfigRepository(db *DB) SystemConfigRepository {
	return &systemConfigRepo{baseRepo: newBaseRepo[models.SystemConfiguration](db.Database)}
}

// Get returns models.ErrNotFound when the key was never set.
func (r *systemConfigRepo) Get(ctx context.Context, key string) (string, error) {
	doc, err := r.FindOne(ctx, bson.M{"_id": key})
	if errors.Is(err, models.ErrNotFound) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return doc.Value, nil
}

func (r *systemConfigRepo) Set(ctx context.Context, key, value string) error {
	doc := models.SystemConfiguration{Key: key, Value: value, UpdatedAt: time.Now()}
	if _, err := r.UpsertOne(ctx, bson.M{"_id": key}, doc, UpsertOpts{}); err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}
