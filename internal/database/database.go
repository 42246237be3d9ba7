package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"exchange-api/internal/config"
	"exchange-api/internal/repository"
)

// Database bundles the persistence connections and repositories. MongoDB is
// the ledger store; Redis (shared with the cache layer) backs the locks and
// the idempotency keys.
type Database struct {
	MongoDB      *mongo.Database
	RedisDB      *redis.Client
	Repositories *Repositories
}

type Repositories struct {
	Pool        repository.PoolRepository
	Portfolio   repository.PortfolioRepository
	Transaction repository.TransactionRepository
	Lock        repository.LockRepository
	Idempotency repository.IdempotencyRepository
	LockManager *repository.TradeLockManager
}

// Initialize connects to MongoDB and wires the repositories. The Redis client
// is provided by the cache layer so both share one connection pool.
func Initialize(ctx context.Context, cfg *config.Config, redisDB *redis.Client) (*Database, error) {
	mongoDB, err := initializeMongoDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	repos := &Repositories{
		Pool:        repository.NewPoolRepository(mongoDB),
		Portfolio:   repository.NewPortfolioRepository(mongoDB),
		Transaction: repository.NewTransactionRepository(mongoDB),
		Lock:        repository.NewLockRepository(redisDB),
		Idempotency: repository.NewIdempotencyRepository(redisDB),
	}
	repos.LockManager = repository.NewTradeLockManager(repos.Lock, cfg.Redis.LockTTL, cfg.Redis.LockWait)

	if err := createIndexes(ctx, repos); err != nil {
		return nil, fmt.Errorf("failed to create database indexes: %w", err)
	}

	return &Database{
		MongoDB:      mongoDB,
		RedisDB:      redisDB,
		Repositories: repos,
	}, nil
}

func initializeMongoDB(ctx context.Context, cfg config.DatabaseConfig) (*mongo.Database, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetRegistry(Registry()).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetMinPoolSize(uint64(cfg.MinPoolSize)).
		SetMaxConnIdleTime(cfg.MaxIdleTime).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.SelectionTimeout)

	if cfg.ReplicaSet != "" {
		clientOptions.SetReplicaSet(cfg.ReplicaSet)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(cfg.Database), nil
}

func createIndexes(ctx context.Context, repos *Repositories) error {
	if err := repos.Pool.CreateIndexes(ctx); err != nil {
		return err
	}
	if err := repos.Portfolio.CreateIndexes(ctx); err != nil {
		return err
	}
	return repos.Transaction.CreateIndexes(ctx)
}

// Close disconnects MongoDB. The Redis client is owned and closed by the
// cache layer.
func (db *Database) Close(ctx context.Context) error {
	if db.MongoDB != nil {
		if err := db.MongoDB.Client().Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to close MongoDB: %w", err)
		}
	}
	return nil
}

// HealthCheck pings both stores
func (db *Database) HealthCheck(ctx context.Context) error {
	if err := db.MongoDB.Client().Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("MongoDB health check failed: %w", err)
	}

	if _, err := db.RedisDB.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}

	return nil
}

// WithTransaction runs fn inside one MongoDB session transaction, so the
// pool, portfolio and journal writes of a trade commit or abort together.
func (db *Database) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := db.MongoDB.Client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})

	return err
}
