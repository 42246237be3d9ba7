package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"exchange-api/internal/models"
)

// ErrCacheMiss is returned when a key is not cached
var ErrCacheMiss = errors.New("cache miss")

// CacheService is the Redis-backed read cache. It holds hot, short-lived
// copies of pool state; the MongoDB documents remain the source of truth.
type CacheService interface {
	// Generic cache operations
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Price cache
	CachePrice(ctx context.Context, price decimal.Decimal, expiration time.Duration) error
	GetCachedPrice(ctx context.Context) (decimal.Decimal, error)
	InvalidatePrice(ctx context.Context) error

	// Pool snapshot cache
	CachePool(ctx context.Context, pool *models.LiquidityPool, expiration time.Duration) error
	GetCachedPool(ctx context.Context) (*models.LiquidityPool, error)
	InvalidatePool(ctx context.Context) error

	// Client exposes the underlying connection for the lock and idempotency
	// repositories, which share it
	Client() *redis.Client

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

type redisCache struct {
	client *redis.Client
	config *CacheConfig
}

type CacheConfig struct {
	Host         string
	Port         int
	Password     string
	Database     int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	Timeout      time.Duration
	KeyPrefix    string
}

func NewRedisCache(config *CacheConfig) (CacheService, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:     config.Password,
		DB:           config.Database,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &redisCache{
		client: rdb,
		config: config,
	}, nil
}

func (r *redisCache) buildKey(key string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:%s", r.config.KeyPrefix, key)
	}
	return key
}

// Generic cache operations
func (r *redisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return r.client.Set(ctx, r.buildKey(key), data, expiration).Err()
}

func (r *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, r.buildKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get value: %w", err)
	}

	return json.Unmarshal(data, dest)
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.buildKey(key)).Err()
}

func (r *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := r.client.Exists(ctx, r.buildKey(key)).Result()
	return result > 0, err
}

const (
	priceKey = "price:kloji"
	poolKey  = "pool:status"
)

// Price cache operations
func (r *redisCache) CachePrice(ctx context.Context, price decimal.Decimal, expiration time.Duration) error {
	return r.client.Set(ctx, r.buildKey(priceKey), price.String(), expiration).Err()
}

func (r *redisCache) GetCachedPrice(ctx context.Context) (decimal.Decimal, error) {
	raw, err := r.client.Get(ctx, r.buildKey(priceKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, ErrCacheMiss
		}
		return decimal.Zero, fmt.Errorf("failed to get cached price: %w", err)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt cached price %q: %w", raw, err)
	}
	return price, nil
}

func (r *redisCache) InvalidatePrice(ctx context.Context) error {
	return r.client.Del(ctx, r.buildKey(priceKey)).Err()
}

// Pool snapshot cache operations
func (r *redisCache) CachePool(ctx context.Context, pool *models.LiquidityPool, expiration time.Duration) error {
	return r.Set(ctx, poolKey, pool, expiration)
}

func (r *redisCache) GetCachedPool(ctx context.Context) (*models.LiquidityPool, error) {
	var pool models.LiquidityPool
	if err := r.Get(ctx, poolKey, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

func (r *redisCache) InvalidatePool(ctx context.Context) error {
	return r.Delete(ctx, poolKey)
}

func (r *redisCache) Client() *redis.Client {
	return r.client
}

// Health check
func (r *redisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisCache) Close() error {
	return r.client.Close()
}
