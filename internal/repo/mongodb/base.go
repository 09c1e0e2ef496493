package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// keep the baseRepo implementation in sync with IRepository interface
var _ IRepository[IEntity] = (*baseRepo[IEntity])(nil)

// IEntity is a document type with its own collection. GetUpdates returns
// the $set body used by UpsertOne.
type IEntity interface {
	CollectionName() string
	GetUpdates() any
}

type PaginateWithTotal[E any] struct {
	Total int64 `json:"total"`
	Data  []E   `json:"data"`
}

type IRepository[E IEntity] interface {
	Insert(ctx context.Context, entity E, opts ...*options.InsertOneOptions) (any, error)
	InsertMany(ctx context.Context, entities []E, opts ...*options.InsertManyOptions) (int, error)
	Find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]E, error)
	FindOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*E, error)
	UpsertOne(ctx context.Context, filter bson.M, entity E, upsertOpts UpsertOpts) (*E, error)
	UpdateMany(ctx context.Context, filter bson.M, data any, opts ...*options.UpdateOptions) (int64, error)
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)
	Count(ctx context.Context, filter bson.M, opts ...*options.CountOptions) (int64, error)
	PaginateWithTotal(ctx context.Context, filter bson.M, limit int64, skip int64, opts ...*options.FindOptions) (*PaginateWithTotal[E], error)
}

type baseRepo[E IEntity] struct {
	coll *mongo.Collection
}

func newBaseRepo[E IEntity](dbc *mongo.Database) baseRepo[E] {
	var entity E
	return baseRepo[E]{
		coll: dbc.Collection(entity.CollectionName()),
	}
}

// Insert maps a duplicate key to models.ErrDuplicate.
func (r *baseRepo[E]) Insert(ctx context.Context, entity E, opts ...*options.InsertOneOptions) (any, error) {
	var id any
	err := withRetry(ctx, func() error {
		res, err := r.coll.InsertOne(ctx, entity, opts...)
		if err != nil {
			return err
		}
		id = res.InsertedID
		return nil
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil, models.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", r.coll.Name(), err)
	}
	return id, nil
}

// InsertMany inserts unordered and reports how many documents were
// written. Duplicate-key failures are skipped.
func (r *baseRepo[E]) InsertMany(ctx context.Context, entities []E, opts ...*options.InsertManyOptions) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	docs := make([]any, 0, len(entities))
	for _, e := range entities {
		docs = append(docs, e)
	}
	opts = append(opts, options.InsertMany().SetOrdered(false))
	result, err := r.coll.InsertMany(ctx, docs, opts...)
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, we := range bwe.WriteErrors {
			if !mongo.IsDuplicateKeyError(we) {
				return 0, fmt.Errorf("insert many %s: %w", r.coll.Name(), err)
			}
		}
		return len(entities) - len(bwe.WriteErrors), nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert many %s: %w", r.coll.Name(), err)
	}
	return len(result.InsertedIDs), nil
}

func (r *baseRepo[E]) Find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]E, error) {
	var entities []E
	err := withRetry(ctx, func() error {
		cursor, err := r.coll.Find(ctx, filter, opts...)
		if err != nil {
			return err
		}
		entities = nil
		return cursor.All(ctx, &entities)
	})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", r.coll.Name(), err)
	}
	return entities, nil
}

func (r *baseRepo[E]) FindOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*E, error) {
	var entity E
	err := withRetry(ctx, func() error {
		return r.coll.FindOne(ctx, filter, opts...).Decode(&entity)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find one %s: %w", r.coll.Name(), err)
	}
	return &entity, nil
}

type UpsertOpts struct {
	SetOnInsert bson.M
	Unset       bson.M
}

// UpsertOne sets entity.GetUpdates() on the matching document, creating
// it when missing, and returns the stored result.
func (r *baseRepo[E]) UpsertOne(ctx context.Context, filter bson.M, entity E, upsertOpts UpsertOpts) (*E, error) {
	update := bson.M{
		"$set": entity.GetUpdates(),
	}
	if upsertOpts.SetOnInsert != nil {
		update["$setOnInsert"] = upsertOpts.SetOnInsert
	}
	if upsertOpts.Unset != nil {
		update["$unset"] = upsertOpts.Unset
	}
	opt := options.
		FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var stored E
	err := withRetry(ctx, func() error {
		return r.coll.FindOneAndUpdate(ctx, filter, update, opt).Decode(&stored)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", r.coll.Name(), err)
	}
	return &stored, nil
}

func (r *baseRepo[E]) UpdateMany(ctx context.Context, filter bson.M, data any, opts ...*options.UpdateOptions) (int64, error) {
	var modified int64
	err := withRetry(ctx, func() error {
		res, err := r.coll.UpdateMany(ctx, filter, data, opts...)
		if err != nil {
			return err
		}
		modified = res.ModifiedCount
		return nil
	})
	return modified, err
}

func (r *baseRepo[E]) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	var deleted int64
	err := withRetry(ctx, func() error {
		res, err := r.coll.DeleteMany(ctx, filter)
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	return deleted, err
}

func (r *baseRepo[E]) Count(ctx context.Context, filter bson.M, opts ...*options.CountOptions) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		var err error
		n, err = r.coll.CountDocuments(ctx, filter, opts...)
		return err
	})
	return n, err
}

// PaginateWithTotal runs the page query and the count concurrently.
func (r *baseRepo[E]) PaginateWithTotal(ctx context.Context, filter bson.M, limit int64, skip int64, opts ...*options.FindOptions) (*PaginateWithTotal[E], error) {
	group, ctx := errgroup.WithContext(ctx)
	entities := []E{}
	var total int64

	group.Go(func() error {
		opts = append(opts, options.Find().SetSkip(skip).SetLimit(limit))
		cursor, err := r.coll.Find(ctx, filter, opts...)
		if err != nil {
			return fmt.Errorf("find: %w", err)
		}
		if err := cursor.All(ctx, &entities); err != nil {
			return fmt.Errorf("cursor all: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		var err error
		total, err = r.coll.CountDocuments(ctx, filter)
		if err != nil {
			return fmt.Errorf("count documents: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return &PaginateWithTotal[E]{Total: total, Data: entities}, nil
}
