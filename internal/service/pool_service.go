package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exchange-api/internal/cache"
	"exchange-api/internal/engine"
	"exchange-api/internal/models"
	"exchange-api/internal/repository"
)

// PoolService covers the pool status surface and the administrative
// operations: maintenance toggling, manual price updates and the daily
// statistics reset. Every mutation takes the pool trade lock so it never
// interleaves with a settling trade.
type PoolService interface {
	GetStatus(ctx context.Context) (*PoolStatusResponse, error)
	SetMaintenance(ctx context.Context, req *MaintenanceRequest) (*models.LiquidityPool, error)
	UpdateKlojiPrice(ctx context.Context, price decimal.Decimal) (*models.LiquidityPool, error)
	ResetDailyStats(ctx context.Context) error
}

type poolService struct {
	poolRepo repository.PoolRepository
	locks    engine.TradeLocker
	cache    cache.CacheService
	logger   *logrus.Logger
}

func NewPoolService(
	poolRepo repository.PoolRepository,
	locks engine.TradeLocker,
	cacheService cache.CacheService,
	logger *logrus.Logger,
) PoolService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &poolService{
		poolRepo: poolRepo,
		locks:    locks,
		cache:    cacheService,
		logger:   logger,
	}
}

type PoolStatusResponse struct {
	Pool        *models.LiquidityPool `json:"pool"`
	TotalValue  decimal.Decimal       `json:"total_value"`
	SpotPrice   decimal.Decimal       `json:"spot_price"`
	IsHalted    bool                  `json:"is_halted"`
	RetrievedAt time.Time             `json:"retrieved_at"`
}

type MaintenanceRequest struct {
	Enabled      bool       `json:"enabled"`
	Reason       string     `json:"reason"`
	EstimatedEnd *time.Time `json:"estimated_end,omitempty"`
}

// GetStatus returns the pool snapshot, cache-aside with a short TTL
func (s *poolService) GetStatus(ctx context.Context) (*PoolStatusResponse, error) {
	pool, err := s.cache.GetCachedPool(ctx)
	if err != nil {
		pool, err = s.poolRepo.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load pool: %w", err)
		}
		if cacheErr := s.cache.CachePool(ctx, pool, 5*time.Second); cacheErr != nil {
			s.logger.WithError(cacheErr).Warn("Failed to cache pool snapshot")
		}
	}

	return &PoolStatusResponse{
		Pool:        pool,
		TotalValue:  pool.TotalValue(),
		SpotPrice:   pool.ImpliedKlojiPrice(),
		IsHalted:    pool.IsTradingHalted(),
		RetrievedAt: time.Now(),
	}, nil
}

// SetMaintenance raises or clears the trading halt
func (s *poolService) SetMaintenance(ctx context.Context, req *MaintenanceRequest) (*models.LiquidityPool, error) {
	if req.Enabled && req.Reason == "" {
		return nil, fmt.Errorf("maintenance reason is required")
	}

	var updated *models.LiquidityPool
	err := s.withPoolLock(ctx, func(ctx context.Context) error {
		pool, err := s.poolRepo.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to load pool: %w", err)
		}

		if req.Enabled {
			pool.EnterMaintenance(req.Reason, req.EstimatedEnd)
		} else {
			pool.ExitMaintenance()
		}

		if err := s.poolRepo.Update(ctx, pool); err != nil {
			return err
		}
		updated = pool
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateCaches(ctx)
	s.logger.WithFields(logrus.Fields{
		"enabled": req.Enabled,
		"reason":  req.Reason,
	}).Info("Pool maintenance flag updated")

	return updated, nil
}

// UpdateKlojiPrice overrides the reference price. Reserved for operators;
// normal price discovery happens trade by trade.
func (s *poolService) UpdateKlojiPrice(ctx context.Context, price decimal.Decimal) (*models.LiquidityPool, error) {
	if !price.GreaterThan(decimal.Zero) {
		return nil, fmt.Errorf("price must be positive")
	}

	var updated *models.LiquidityPool
	err := s.withPoolLock(ctx, func(ctx context.Context) error {
		pool, err := s.poolRepo.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to load pool: %w", err)
		}

		pool.SetKlojiPrice(price)

		if err := s.poolRepo.Update(ctx, pool); err != nil {
			return err
		}
		updated = pool
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateCaches(ctx)
	s.logger.WithField("price", price.String()).Info("KLOJI price updated manually")

	return updated, nil
}

// ResetDailyStats clears the 24h counters; the scheduler calls this at midnight
func (s *poolService) ResetDailyStats(ctx context.Context) error {
	err := s.withPoolLock(ctx, func(ctx context.Context) error {
		pool, err := s.poolRepo.Get(ctx)
		if err != nil {
			return fmt.Errorf("failed to load pool: %w", err)
		}

		pool.ResetDailyStats()

		return s.poolRepo.Update(ctx, pool)
	})
	if err != nil {
		return err
	}

	s.invalidateCaches(ctx)
	s.logger.Info("Daily pool statistics reset")
	return nil
}

func (s *poolService) withPoolLock(ctx context.Context, fn func(ctx context.Context) error) error {
	lock, err := s.locks.LockPool(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire pool lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := s.locks.Release(releaseCtx, lock); releaseErr != nil {
			s.logger.WithError(releaseErr).Warn("Failed to release pool lock")
		}
	}()

	return fn(ctx)
}

func (s *poolService) invalidateCaches(ctx context.Context) {
	if err := s.cache.InvalidatePool(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to invalidate pool cache")
	}
	if err := s.cache.InvalidatePrice(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to invalidate price cache")
	}
}
