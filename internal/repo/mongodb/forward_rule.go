package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type RuleRepository interface {
	FindBySourceChatIDs(ctx context.Context, ids []string) ([]models.ForwardRule, error)
	FindEnabled(ctx context.Context) ([]models.ForwardRule, error)
	FindByID(ctx context.Context, id int64) (*models.ForwardRule, error)
	Create(ctx context.Context, rule models.ForwardRule) (*models.ForwardRule, error)
	Update(ctx context.Context, id int64, upd models.RuleUpdate) (*models.ForwardRule, error)
	List(ctx context.Context, limit, skip int64) (*PaginateWithTotal[models.ForwardRule], error)
}

type ruleRepo struct {
	baseRepo[models.ForwardRule]
	counters *mongo.Collection
}

func NewRuleRepository(db *DB) RuleRepository {
	return &ruleRepo{
		baseRepo: newBaseRepo[models.ForwardRule](db.Database),
		counters: db.Database.Collection("counters"),
	}
}

var byPriority = options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}})

func (r *ruleRepo) FindBySourceChatIDs(ctx context.Context, ids []string) ([]models.ForwardRule, error) {
	rules, err := r.Find(ctx, bson.M{
		"source_chat_id":     bson.M{"$in": ids},
		"config.enable_rule": true,
	}, byPriority)
	if err != nil {
		return nil, fmt.Errorf("find rules by source: %w", err)
	}
	return rules, nil
}

func (r *ruleRepo) FindEnabled(ctx context.Context) ([]models.ForwardRule, error) {
	rules, err := r.Find(ctx, bson.M{"config.enable_rule": true}, byPriority)
	if err != nil {
		return nil, fmt.Errorf("find enabled rules: %w", err)
	}
	return rules, nil
}

func (r *ruleRepo) FindByID(ctx context.Context, id int64) (*models.ForwardRule, error) {
	return r.FindOne(ctx, bson.M{"_id": id})
}

func (r *ruleRepo) nextID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": models.ForwardRule{}.CollectionName()},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("next rule id: %w", err)
	}
	return doc.Seq, nil
}

func (r *ruleRepo) Create(ctx context.Context, rule models.ForwardRule) (*models.ForwardRule, error) {
	if rule.SourceChatID == rule.TargetChatID {
		return nil, models.ErrSelfLoop
	}
	id, err := r.nextID(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rule.ID = id
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if _, err := r.Insert(ctx, rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *ruleRepo) Update(ctx context.Context, id int64, upd models.RuleUpdate) (*models.ForwardRule, error) {
	set := bson.M{"updated_at": time.Now()}
	if upd.Priority != nil {
		set["priority"] = *upd.Priority
	}
	if upd.Config != nil {
		set["config"] = *upd.Config
	}
	if upd.Keywords != nil {
		set["keywords"] = upd.Keywords
	}
	if upd.ReplaceRules != nil {
		set["replace_rules"] = upd.ReplaceRules
	}
	if upd.MediaTypes != nil {
		set["media_types"] = *upd.MediaTypes
	}

	var rule models.ForwardRule
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rule)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update rule %d: %w", id, err)
	}
	return &rule, nil
}

func (r *ruleRepo) List(ctx context.Context, limit, skip int64) (*PaginateWithTotal[models.ForwardRule], error) {
	return r.PaginateWithTotal(ctx, bson.M{}, limit, skip, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}
