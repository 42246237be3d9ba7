package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"exchange-api/internal/models"
)

// PoolRepository persists the singleton liquidity pool document
type PoolRepository interface {
	Get(ctx context.Context) (*models.LiquidityPool, error)
	Update(ctx context.Context, pool *models.LiquidityPool) error
	EnsureDefault(ctx context.Context, defaults models.PoolDefaults) (*models.LiquidityPool, error)
	CreateIndexes(ctx context.Context) error
}

type poolRepository struct {
	collection *mongo.Collection
}

func NewPoolRepository(db *mongo.Database) PoolRepository {
	return &poolRepository{
		collection: db.Collection("liquidity_pools"),
	}
}

const poolName = "KLOJI/USDT"

func (r *poolRepository) Get(ctx context.Context) (*models.LiquidityPool, error) {
	var pool models.LiquidityPool
	err := r.collection.FindOne(ctx, bson.M{"name": poolName}).Decode(&pool)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("liquidity pool not found")
		}
		return nil, fmt.Errorf("failed to get liquidity pool: %w", err)
	}
	return &pool, nil
}

func (r *poolRepository) Update(ctx context.Context, pool *models.LiquidityPool) error {
	pool.UpdatedAt = time.Now()

	filter := bson.M{"_id": pool.ID}
	update := bson.M{"$set": pool}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update liquidity pool: %w", err)
	}

	if result.MatchedCount == 0 {
		return fmt.Errorf("liquidity pool not found for update")
	}

	return nil
}

// EnsureDefault is the startup migration: it returns the existing pool or
// creates it with the configured initial reserves.
func (r *poolRepository) EnsureDefault(ctx context.Context, defaults models.PoolDefaults) (*models.LiquidityPool, error) {
	pool, err := r.Get(ctx)
	if err == nil {
		return pool, nil
	}

	pool = models.NewLiquidityPool(defaults)

	result, err := r.collection.InsertOne(ctx, pool)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// lost the race against another instance, the pool exists now
			return r.Get(ctx)
		}
		return nil, fmt.Errorf("failed to create liquidity pool: %w", err)
	}

	pool.ID = result.InsertedID.(primitive.ObjectID)
	return pool, nil
}

// CreateIndexes creates necessary indexes for the pool collection
func (r *poolRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create pool indexes: %w", err)
	}

	return nil
}
