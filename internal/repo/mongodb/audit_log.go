package mongodb

import (
	"context"
	"fmt"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AuditRepository interface {
	InsertMany(ctx context.Context, logs []models.AuditLog) error
	ListByRule(ctx context.Context, ruleID int64, limit, skip int64) (*PaginateWithTotal[models.AuditLog], error)
}

type auditRepo struct {
	baseRepo[models.AuditLog]
}

func NewAuditRepository(db *DB) AuditRepository {
	return &auditRepo{baseRepo: newBaseRepo[models.AuditLog](db.Database)}
}

func (r *auditRepo) InsertMany(ctx context.Context, logs []models.AuditLog) error {
	if _, err := r.baseRepo.InsertMany(ctx, logs); err != nil {
		return fmt.Errorf("insert audit logs: %w", err)
	}
	return nil
}

func (r *auditRepo) ListByRule(ctx context.Context, ruleID int64, limit, skip int64) (*PaginateWithTotal[models.AuditLog], error) {
	return r.PaginateWithTotal(ctx, bson.M{"rule_id": ruleID}, limit, skip,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}
