package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SignatureRepository stores per-target dedup fingerprints. The unique
// (chat_id, signature) index turns Insert into an atomic test-and-set.
type SignatureRepository interface {
	Insert(ctx context.Context, sig models.MediaSignature, since time.Time) (bool, error)
	Delete(ctx context.Context, chatID, signature string) error
	Exists(ctx context.Context, chatID, signature string, since time.Time) (bool, error)
	ListPerceptual(ctx context.Context, chatID string, since time.Time) ([]models.MediaSignature, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type signatureRepo struct {
	baseRepo[models.MediaSignature]
}

func NewSignatureRepository(db *DB) SignatureRepository {
	return &signatureRepo{baseRepo: newBaseRepo[models.MediaSignature](db.Database)}
}

// Insert reports false when the fingerprint already exists for the chat
// and is not older than since. A stale record is overwritten by the same
// upsert; when the filter misses because a fresh record exists, the upsert
// collides with the unique index instead.
func (r *signatureRepo) Insert(ctx context.Context, sig models.MediaSignature, since time.Time) (bool, error) {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	fields := bson.M{
		"chat_id":    sig.ChatID,
		"signature":  sig.Signature,
		"perceptual": sig.Perceptual,
		"message_id": sig.MessageID,
		"created_at": sig.CreatedAt,
	}
	filter := bson.M{"chat_id": sig.ChatID, "signature": sig.Signature}
	update := bson.M{"$setOnInsert": fields}
	if !since.IsZero() {
		filter["created_at"] = bson.M{"$lt": since}
		update = bson.M{"$set": fields}
	}
	var stored bool
	err := withRetry(ctx, func() error {
		res, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if err != nil {
			return err
		}
		stored = res.UpsertedCount > 0 || res.ModifiedCount > 0
		return nil
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert signature: %w", err)
	}
	return stored, nil
}

// Delete is idempotent.
func (r *signatureRepo) Delete(ctx context.Context, chatID, signature string) error {
	_, err := r.DeleteMany(ctx, bson.M{"chat_id": chatID, "signature": signature})
	return err
}

func (r *signatureRepo) Exists(ctx context.Context, chatID, signature string, since time.Time) (bool, error) {
	filter := bson.M{"chat_id": chatID, "signature": signature}
	if !since.IsZero() {
		filter["created_at"] = bson.M{"$gte": since}
	}
	n, err := r.Count(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count signatures: %w", err)
	}
	return n > 0, nil
}

func (r *signatureRepo) ListPerceptual(ctx context.Context, chatID string, since time.Time) ([]models.MediaSignature, error) {
	filter := bson.M{"chat_id": chatID, "perceptual": true}
	if !since.IsZero() {
		filter["created_at"] = bson.M{"$gte": since}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(500)
	return r.Find(ctx, filter, opts)
}

func (r *signatureRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return r.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": before}})
}
