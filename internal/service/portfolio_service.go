package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exchange-api/internal/config"
	"exchange-api/internal/repository"
)

// PortfolioService exposes per-user balance views. Portfolios are created
// lazily: the first read grants the starting USDT balance.
type PortfolioService interface {
	GetPortfolio(ctx context.Context, userID int64) (*PortfolioResponse, error)
	GetLeaderboard(ctx context.Context, limit int) (*LeaderboardResponse, error)
}

type portfolioService struct {
	portfolioRepo repository.PortfolioRepository
	poolRepo      repository.PoolRepository
	config        *config.Config
	logger        *logrus.Logger
}

func NewPortfolioService(
	portfolioRepo repository.PortfolioRepository,
	poolRepo repository.PoolRepository,
	cfg *config.Config,
	logger *logrus.Logger,
) PortfolioService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &portfolioService{
		portfolioRepo: portfolioRepo,
		poolRepo:      poolRepo,
		config:        cfg,
		logger:        logger,
	}
}

type PortfolioResponse struct {
	UserID       int64           `json:"user_id"`
	KlojiBalance decimal.Decimal `json:"kloji_balance"`
	UsdtBalance  decimal.Decimal `json:"usdt_balance"`
	KlojiPrice   decimal.Decimal `json:"kloji_price"`
	TotalValue   decimal.Decimal `json:"total_value"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type LeaderboardEntry struct {
	Rank         int             `json:"rank"`
	UserID       int64           `json:"user_id"`
	KlojiBalance decimal.Decimal `json:"kloji_balance"`
	UsdtBalance  decimal.Decimal `json:"usdt_balance"`
	TotalValue   decimal.Decimal `json:"total_value"`
}

type LeaderboardResponse struct {
	Entries     []*LeaderboardEntry `json:"entries"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// GetPortfolio returns the user's balances valued at the current pool price
func (s *portfolioService) GetPortfolio(ctx context.Context, userID int64) (*PortfolioResponse, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("invalid user ID: %d", userID)
	}

	portfolio, err := s.portfolioRepo.GetOrCreate(ctx, userID, s.config.Pool.StartingUsdtGrant)
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}

	pool, err := s.poolRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool for valuation: %w", err)
	}

	price := pool.Tokens.Kloji.Price
	return &PortfolioResponse{
		UserID:       portfolio.UserID,
		KlojiBalance: portfolio.Balances.Kloji,
		UsdtBalance:  portfolio.Balances.Usdt,
		KlojiPrice:   price,
		TotalValue:   portfolio.ValueAt(price).USDT,
		UpdatedAt:    portfolio.UpdatedAt,
	}, nil
}

const maxLeaderboardSize = 100

// GetLeaderboard returns the top portfolios by stored total value
func (s *portfolioService) GetLeaderboard(ctx context.Context, limit int) (*LeaderboardResponse, error) {
	if limit < 1 {
		limit = 10
	}
	if limit > maxLeaderboardSize {
		limit = maxLeaderboardSize
	}

	portfolios, err := s.portfolioRepo.GetTopByValue(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}

	entries := make([]*LeaderboardEntry, 0, len(portfolios))
	for i, portfolio := range portfolios {
		entries = append(entries, &LeaderboardEntry{
			Rank:         i + 1,
			UserID:       portfolio.UserID,
			KlojiBalance: portfolio.Balances.Kloji,
			UsdtBalance:  portfolio.Balances.Usdt,
			TotalValue:   portfolio.TotalValue.USDT,
		})
	}

	return &LeaderboardResponse{
		Entries:     entries,
		GeneratedAt: time.Now(),
	}, nil
}
