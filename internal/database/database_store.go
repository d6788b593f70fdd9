package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection 是 MongoRepository 用到的 *mongo.Collection 方法子集
type Collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error)
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

type MongoOptions struct {
	OperationTimeout time.Duration
	CacheSize        int
	CacheTTL         time.Duration
}

// MongoRepository 以 _id 为键的 MongoDB 仓库，读操作经过一层带过期时间的LRU缓存
type MongoRepository[T Entity[T]] struct {
	name       string
	collection Collection
	timeout    time.Duration
	cache      *expirable.LRU[string, T]
}

func NewMongoRepository[T Entity[T]](collection Collection, name string, opts MongoOptions) *MongoRepository[T] {
	repository := &MongoRepository[T]{
		name:       name,
		collection: collection,
		timeout:    opts.OperationTimeout,
	}
	if opts.CacheSize > 0 {
		repository.cache = expirable.NewLRU[string, T](opts.CacheSize, nil, opts.CacheTTL)
	}
	return repository
}

func (r *MongoRepository[T]) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func idFilter(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

func handleErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (r *MongoRepository[T]) Get(ctx context.Context, id string) (T, error) {
	var entity T
	if id == "" {
		return entity, ErrEmptyID
	}
	if r.cache != nil {
		if cached, ok := r.cache.Get(id); ok {
			return cached.Clone(), nil
		}
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	startTime := time.Now()
	err := r.collection.FindOne(ctx, idFilter(id)).Decode(&entity)
	logger.DebugF("%s query cost: %v", r.name, time.Since(startTime))
	if err != nil {
		var zero T
		return zero, handleErr(err)
	}

	if r.cache != nil {
		r.cache.Add(id, entity.Clone())
	}
	return entity, nil
}

// GetAll 读取整个集合后在本地按 predicate 过滤
func (r *MongoRepository[T]) GetAll(ctx context.Context, predicate func(T) bool) ([]T, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	startTime := time.Now()
	cursor, err := r.collection.Find(ctx, bson.D{})
	if err != nil {
		return nil, handleErr(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var result []T
	for cursor.Next(ctx) {
		var entity T
		if err := cursor.Decode(&entity); err != nil {
			return nil, fmt.Errorf("fail to decode %s document: %w", r.name, err)
		}
		if predicate == nil || predicate(entity) {
			result = append(result, entity)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, handleErr(err)
	}
	logger.DebugF("%s scan cost: %v, matched=%d", r.name, time.Since(startTime), len(result))
	return result, nil
}

func (r *MongoRepository[T]) Create(ctx context.Context, entity T) error {
	id := entity.EntityID()
	if id == "" {
		return ErrEmptyID
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if _, err := r.collection.InsertOne(ctx, entity); err != nil {
		return handleErr(err)
	}
	logger.DebugF("%s created: id=%s", r.name, id)
	if r.cache != nil {
		r.cache.Add(id, entity.Clone())
	}
	return nil
}

func (r *MongoRepository[T]) Update(ctx context.Context, entity T) error {
	id := entity.EntityID()
	if id == "" {
		return ErrEmptyID
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if r.cache != nil {
		r.cache.Remove(id)
	}
	result, err := r.collection.ReplaceOne(ctx, idFilter(id), entity)
	if err != nil {
		return handleErr(err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	logger.DebugF("%s saved: id=%s, matched=%d, modified=%d", r.name, id, result.MatchedCount, result.ModifiedCount)
	if r.cache != nil {
		r.cache.Add(id, entity.Clone())
	}
	return nil
}

func (r *MongoRepository[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if r.cache != nil {
		r.cache.Remove(id)
	}
	result, err := r.collection.DeleteOne(ctx, idFilter(id))
	if err != nil {
		return handleErr(err)
	}
	logger.DebugF("%s deleted: id=%s, deleted=%d", r.name, id, result.DeletedCount)
	return nil
}
