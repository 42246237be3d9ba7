package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exchange-api/internal/cache"
	"exchange-api/internal/config"
	"exchange-api/internal/engine"
	"exchange-api/internal/models"
	"exchange-api/internal/monitoring"
	"exchange-api/internal/repository"
)

// TradingService is the public trading surface: prices, quotes, trade
// execution and the per-user journal views.
type TradingService interface {
	GetPrice(ctx context.Context) (*PriceResponse, error)
	GetPairInfo(ctx context.Context) (*PairInfoResponse, error)
	Calculate(ctx context.Context, req *CalculateRequest) (*engine.TradePreview, error)
	ExecuteBuy(ctx context.Context, req *TradeRequest) (*engine.TradeResult, error)
	ExecuteSell(ctx context.Context, req *TradeRequest) (*engine.TradeResult, error)
	GetHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error)
	GetStats(ctx context.Context, userID int64, period string) (*StatsResponse, error)
}

type tradingService struct {
	tradeEngine engine.TradeEngine
	poolRepo    repository.PoolRepository
	txRepo      repository.TransactionRepository
	cache       cache.CacheService
	metrics     monitoring.MetricsService
	config      *config.Config
	logger      *logrus.Logger
}

func NewTradingService(
	tradeEngine engine.TradeEngine,
	poolRepo repository.PoolRepository,
	txRepo repository.TransactionRepository,
	cacheService cache.CacheService,
	metrics monitoring.MetricsService,
	cfg *config.Config,
	logger *logrus.Logger,
) TradingService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &tradingService{
		tradeEngine: tradeEngine,
		poolRepo:    poolRepo,
		txRepo:      txRepo,
		cache:       cacheService,
		metrics:     metrics,
		config:      cfg,
		logger:      logger,
	}
}

// Request/Response types
type PriceResponse struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	UpdatedAt time.Time       `json:"updated_at"`
	Cached    bool            `json:"cached"`
}

type PairInfoResponse struct {
	Pair           string          `json:"pair"`
	Network        string          `json:"network"`
	KlojiReserve   decimal.Decimal `json:"kloji_reserve"`
	UsdtReserve    decimal.Decimal `json:"usdt_reserve"`
	Price          decimal.Decimal `json:"price"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	Transactions24 int64           `json:"transactions_24h"`
	NetworkFee     decimal.Decimal `json:"network_fee"`
	TradingFee     decimal.Decimal `json:"trading_fee"`
}

type CalculateRequest struct {
	Direction string          `json:"type" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
}

type TradeRequest struct {
	UserID         int64
	Amount         decimal.Decimal
	IdempotencyKey string
	Metadata       models.TransactionMetadata
}

type HistoryRequest struct {
	UserID int64
	Type   string
	Status string
	Token  string
	Page   int
	Limit  int
}

type HistoryResponse struct {
	Transactions []*models.Transaction `json:"transactions"`
	Total        int64                 `json:"total"`
	Page         int                   `json:"page"`
	Limit        int                   `json:"limit"`
	TotalPages   int64                 `json:"total_pages"`
}

type StatsResponse struct {
	UserID int64                        `json:"user_id"`
	Period string                       `json:"period"`
	Since  time.Time                    `json:"since"`
	Stats  *repository.TransactionStats `json:"stats"`
}

// GetPrice returns the KLOJI price, served from the short-lived Redis cache
// when warm
func (s *tradingService) GetPrice(ctx context.Context) (*PriceResponse, error) {
	if price, err := s.cache.GetCachedPrice(ctx); err == nil {
		s.recordCacheOp("price", true)
		return &PriceResponse{
			Pair:      "KLOJI/USDT",
			Price:     price,
			UpdatedAt: time.Now(),
			Cached:    true,
		}, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.WithError(err).Warn("Price cache read failed")
	}
	s.recordCacheOp("price", false)

	pool, err := s.poolRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool for price: %w", err)
	}

	price := pool.Tokens.Kloji.Price
	if err := s.cache.CachePrice(ctx, price, s.config.Redis.PriceCacheTTL); err != nil {
		s.logger.WithError(err).Warn("Failed to cache price")
	}

	return &PriceResponse{
		Pair:      "KLOJI/USDT",
		Price:     price,
		Change24h: pool.Statistics.PriceChange24h,
		UpdatedAt: pool.Statistics.LastPriceUpdate,
	}, nil
}

// GetPairInfo returns the full trading pair snapshot
func (s *tradingService) GetPairInfo(ctx context.Context) (*PairInfoResponse, error) {
	pool, err := s.poolRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool: %w", err)
	}

	return &PairInfoResponse{
		Pair:           pool.Name,
		Network:        pool.Network,
		KlojiReserve:   pool.Tokens.Kloji.Balance,
		UsdtReserve:    pool.Tokens.Usdt.Balance,
		Price:          pool.Tokens.Kloji.Price,
		Volume24h:      pool.Statistics.TotalVolume24h,
		Transactions24: pool.Statistics.TotalTransactions24h,
		NetworkFee:     pool.Fees.NetworkFee,
		TradingFee:     pool.Fees.TradingFee,
	}, nil
}

// Calculate prices a hypothetical trade without touching any state
func (s *tradingService) Calculate(ctx context.Context, req *CalculateRequest) (*engine.TradePreview, error) {
	return s.tradeEngine.PreviewTrade(ctx, &engine.PreviewRequest{
		Direction: req.Direction,
		Amount:    req.Amount,
	})
}

func (s *tradingService) ExecuteBuy(ctx context.Context, req *TradeRequest) (*engine.TradeResult, error) {
	return s.executeTrade(ctx, models.TransactionTypeBuy, req)
}

func (s *tradingService) ExecuteSell(ctx context.Context, req *TradeRequest) (*engine.TradeResult, error) {
	return s.executeTrade(ctx, models.TransactionTypeSell, req)
}

func (s *tradingService) executeTrade(ctx context.Context, direction string, req *TradeRequest) (*engine.TradeResult, error) {
	result, err := s.tradeEngine.ExecuteTrade(ctx, &engine.TradeRequest{
		UserID:         req.UserID,
		Direction:      direction,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	// the settled trade moved the price; the next read repopulates
	if err := s.cache.InvalidatePrice(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to invalidate price cache")
	}
	if err := s.cache.InvalidatePool(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to invalidate pool cache")
	}

	return result, nil
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// GetHistory returns a page of the user's journal, newest first
func (s *tradingService) GetHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Limit < 1 {
		req.Limit = defaultHistoryLimit
	}
	if req.Limit > maxHistoryLimit {
		req.Limit = maxHistoryLimit
	}

	filter := &repository.TransactionFilter{
		Type:   req.Type,
		Status: req.Status,
		Token:  req.Token,
		Page:   req.Page,
		Limit:  req.Limit,
	}

	transactions, err := s.txRepo.GetUserHistory(ctx, req.UserID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}

	total, err := s.txRepo.CountUserHistory(ctx, req.UserID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count transaction history: %w", err)
	}

	totalPages := total / int64(req.Limit)
	if total%int64(req.Limit) != 0 {
		totalPages++
	}

	return &HistoryResponse{
		Transactions: transactions,
		Total:        total,
		Page:         req.Page,
		Limit:        req.Limit,
		TotalPages:   totalPages,
	}, nil
}

// GetStats aggregates the user's trading activity over a named period
func (s *tradingService) GetStats(ctx context.Context, userID int64, period string) (*StatsResponse, error) {
	since, err := periodStart(period)
	if err != nil {
		return nil, err
	}

	stats, err := s.txRepo.GetUserStats(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}

	return &StatsResponse{
		UserID: userID,
		Period: period,
		Since:  since,
		Stats:  stats,
	}, nil
}

func periodStart(period string) (time.Time, error) {
	now := time.Now()
	switch period {
	case "", "24h":
		return now.Add(-24 * time.Hour), nil
	case "7d":
		return now.AddDate(0, 0, -7), nil
	case "30d":
		return now.AddDate(0, 0, -30), nil
	case "90d":
		return now.AddDate(0, 0, -90), nil
	case "1y":
		return now.AddDate(-1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("invalid stats period: %s", period)
	}
}

func (s *tradingService) recordCacheOp(operation string, hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(operation, hit)
	}
}
