package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exchange-api/internal/amm"
	"exchange-api/internal/external"
	"exchange-api/internal/models"
	"exchange-api/internal/monitoring"
	"exchange-api/internal/repository"
)

// TradeEngine coordinates a single trade end to end: validation, quoting,
// ledger settlement, journaling and the best-effort side effects.
type TradeEngine interface {
	ExecuteTrade(ctx context.Context, req *TradeRequest) (*TradeResult, error)
	PreviewTrade(ctx context.Context, req *PreviewRequest) (*TradePreview, error)
}

// TradeLocker serializes settlement: one pool-wide trade lock plus a
// per-user portfolio lock, acquired pool first
type TradeLocker interface {
	LockPool(ctx context.Context) (*repository.DistributedLock, error)
	LockPortfolio(ctx context.Context, userID int64) (*repository.DistributedLock, error)
	Release(ctx context.Context, lock *repository.DistributedLock) error
}

// TxnRunner runs a function inside one atomic persistence transaction
type TxnRunner interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TradeRequest describes a buy or sell submitted by a user. Amount is
// denominated in USDT for buys and KLOJI for sells.
type TradeRequest struct {
	UserID         int64
	Direction      string // "buy" or "sell"
	Amount         decimal.Decimal
	IdempotencyKey string
	Metadata       models.TransactionMetadata
}

// TradeFees is the fee breakdown charged on a settled trade
type TradeFees struct {
	TradingFee decimal.Decimal `json:"trading_fee"`
	NetworkFee decimal.Decimal `json:"network_fee"`
}

// TradeResult is the settled trade summary returned to the caller
type TradeResult struct {
	TransactionID string                   `json:"transaction_id"`
	Direction     string                   `json:"direction"`
	KlojiAmount   decimal.Decimal          `json:"kloji_amount"`
	UsdtAmount    decimal.Decimal          `json:"usdt_amount"`
	Price         decimal.Decimal          `json:"price"`
	Fees          TradeFees                `json:"fees"`
	NewBalances   models.PortfolioBalances `json:"new_balances"`
	ExecutedAt    time.Time                `json:"executed_at"`
	Replayed      bool                     `json:"replayed,omitempty"`
}

// PreviewRequest asks for a quote without executing anything
type PreviewRequest struct {
	Direction string
	Amount    decimal.Decimal
}

// TradePreview is the read-only quote surface for calculate calls
type TradePreview struct {
	InputToken      string          `json:"input_token"`
	InputAmount     decimal.Decimal `json:"input_amount"`
	OutputToken     string          `json:"output_token"`
	OutputAmount    decimal.Decimal `json:"output_amount"`
	TradingFee      decimal.Decimal `json:"trading_fee"`
	NetworkFee      decimal.Decimal `json:"network_fee"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	MinimumReceived decimal.Decimal `json:"minimum_received"`
	PriceImpact     decimal.Decimal `json:"price_impact"`
}

// TradeEngineConfig carries the engine tunables
type TradeEngineConfig struct {
	StartingUsdtGrant decimal.Decimal
	IdempotencyTTL    time.Duration
	Platform          string
}

type tradeEngine struct {
	poolRepo      repository.PoolRepository
	portfolioRepo repository.PortfolioRepository
	txRepo        repository.TransactionRepository
	locks         TradeLocker
	idempotency   repository.IdempotencyRepository
	txnRunner     TxnRunner
	publisher     external.EventPublisher
	settlement    external.SettlementService
	metrics       monitoring.MetricsService
	config        *TradeEngineConfig
	logger        *logrus.Logger
}

// NewTradeEngine wires the trade coordinator. settlement may be nil when
// on-chain settlement is disabled; metrics may be nil in tests.
func NewTradeEngine(
	poolRepo repository.PoolRepository,
	portfolioRepo repository.PortfolioRepository,
	txRepo repository.TransactionRepository,
	locks TradeLocker,
	idempotency repository.IdempotencyRepository,
	txnRunner TxnRunner,
	publisher external.EventPublisher,
	settlement external.SettlementService,
	metrics monitoring.MetricsService,
	config *TradeEngineConfig,
	logger *logrus.Logger,
) TradeEngine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &tradeEngine{
		poolRepo:      poolRepo,
		portfolioRepo: portfolioRepo,
		txRepo:        txRepo,
		locks:         locks,
		idempotency:   idempotency,
		txnRunner:     txnRunner,
		publisher:     publisher,
		settlement:    settlement,
		metrics:       metrics,
		config:        config,
		logger:        logger,
	}
}

func (e *tradeEngine) ExecuteTrade(ctx context.Context, req *TradeRequest) (*TradeResult, error) {
	started := time.Now()

	if err := validateTradeRequest(req); err != nil {
		e.recordTradeError(req.Direction, err)
		return nil, err
	}

	// idempotency replay: a retried request returns the original outcome
	if req.IdempotencyKey != "" {
		var cached TradeResult
		found, err := e.idempotency.Load(ctx, req.IdempotencyKey, &cached)
		if err != nil {
			e.logger.WithError(err).Warn("Idempotency lookup failed, proceeding without replay")
		} else if found {
			cached.Replayed = true
			return &cached, nil
		}
	}

	// pool lock first, then the user's portfolio lock; bounded wait on both
	poolLock, err := e.locks.LockPool(ctx)
	if err != nil {
		tradeErr := lockFailure(err)
		e.recordTradeError(req.Direction, tradeErr)
		return nil, tradeErr
	}
	userLock, err := e.locks.LockPortfolio(ctx, req.UserID)
	if err != nil {
		e.releaseLock(poolLock)
		tradeErr := lockFailure(err)
		e.recordTradeError(req.Direction, tradeErr)
		return nil, tradeErr
	}

	released := false
	release := func() {
		if !released {
			released = true
			e.releaseLock(userLock)
			e.releaseLock(poolLock)
		}
	}
	defer release()

	// re-check under the pool lock: a concurrent retry sharing the key can
	// settle between the first lookup and lock acquisition
	if req.IdempotencyKey != "" {
		var cached TradeResult
		if found, err := e.idempotency.Load(ctx, req.IdempotencyKey, &cached); err == nil && found {
			cached.Replayed = true
			return &cached, nil
		}
	}

	result, record, tradeErr := e.executeLocked(ctx, req)
	if tradeErr != nil {
		release()
		e.recordTradeError(req.Direction, tradeErr)
		e.journalFailure(req, tradeErr)
		return nil, tradeErr
	}

	if req.IdempotencyKey != "" {
		if err := e.idempotency.Save(ctx, req.IdempotencyKey, result, e.config.IdempotencyTTL); err != nil {
			e.logger.WithError(err).Warn("Failed to save idempotency result")
		}
	}

	// side effects run after the locks are gone; neither can fail the trade
	release()
	go e.notifyTradeExecuted(record, result)
	if e.settlement != nil {
		go e.settleOnChain(record)
	}

	if e.metrics != nil {
		volume, _ := result.UsdtAmount.Float64()
		e.metrics.RecordTrade(req.Direction, "completed", volume, time.Since(started))
	}

	e.logger.WithFields(logrus.Fields{
		"transaction_id": result.TransactionID,
		"user_id":        req.UserID,
		"direction":      req.Direction,
		"kloji_amount":   result.KlojiAmount.String(),
		"usdt_amount":    result.UsdtAmount.String(),
	}).Info("Trade executed")

	return result, nil
}

// executeLocked runs the validate/quote/settle sequence. Both locks are held.
func (e *tradeEngine) executeLocked(ctx context.Context, req *TradeRequest) (*TradeResult, *models.Transaction, *TradeError) {
	pool, err := e.poolRepo.Get(ctx)
	if err != nil {
		return nil, nil, NewServiceUnavailable("failed to load liquidity pool", err)
	}

	if pool.IsTradingHalted() {
		return nil, nil, NewServiceUnavailable(
			fmt.Sprintf("trading is halted for maintenance: %s", pool.Maintenance.Reason), nil)
	}

	portfolio, err := e.portfolioRepo.GetOrCreate(ctx, req.UserID, e.config.StartingUsdtGrant)
	if err != nil {
		return nil, nil, NewServiceUnavailable("failed to load portfolio", err)
	}

	var settled *settledTrade
	var tradeErr *TradeError
	switch req.Direction {
	case models.TransactionTypeBuy:
		settled, tradeErr = e.settleBuy(pool, portfolio, req)
	case models.TransactionTypeSell:
		settled, tradeErr = e.settleSell(pool, portfolio, req)
	}
	if tradeErr != nil {
		return nil, nil, tradeErr
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, NewServiceUnavailable("request cancelled before settlement", err)
	}

	// the persistence transaction must not be torn by a client disconnect
	// once it starts
	settleCtx := context.WithoutCancel(ctx)
	err = e.txnRunner.WithTransaction(settleCtx, func(txCtx context.Context) error {
		if err := e.portfolioRepo.Update(txCtx, portfolio); err != nil {
			return err
		}
		if err := e.poolRepo.Update(txCtx, pool); err != nil {
			return err
		}
		return e.txRepo.Create(txCtx, settled.record)
	})
	if err != nil {
		return nil, nil, NewServiceUnavailable("settlement transaction failed", err)
	}

	if e.metrics != nil {
		kloji, _ := pool.Tokens.Kloji.Balance.Float64()
		usdt, _ := pool.Tokens.Usdt.Balance.Float64()
		price, _ := pool.Tokens.Kloji.Price.Float64()
		e.metrics.RecordPoolReserves(kloji, usdt)
		e.metrics.RecordKlojiPrice(price)
	}

	result := &TradeResult{
		TransactionID: settled.record.TransactionID,
		Direction:     req.Direction,
		KlojiAmount:   settled.klojiAmount,
		UsdtAmount:    settled.usdtAmount,
		Price:         settled.record.Price,
		Fees: TradeFees{
			TradingFee: settled.record.TradingFee,
			NetworkFee: settled.record.NetworkFee,
		},
		NewBalances: portfolio.Balances,
		ExecutedAt:  *settled.record.ProcessedAt,
	}

	return result, settled.record, nil
}

type settledTrade struct {
	record      *models.Transaction
	klojiAmount decimal.Decimal // KLOJI leg of the swap
	usdtAmount  decimal.Decimal // USDT leg of the swap
}

// settleBuy mutates pool and portfolio in memory for a USDT -> KLOJI trade.
// Nothing is persisted here.
func (e *tradeEngine) settleBuy(pool *models.LiquidityPool, portfolio *models.Portfolio, req *TradeRequest) (*settledTrade, *TradeError) {
	amount := req.Amount
	networkFee := pool.Fees.NetworkFee
	tradingFee := amount.Mul(pool.Fees.TradingFee)

	// the user pays the swap amount plus both fees up front
	required := amount.Add(networkFee).Add(tradingFee)
	if !portfolio.HasSufficient(models.TokenUSDT, required) {
		return nil, NewInsufficientFunds(models.TokenUSDT, required, portfolio.Balances.Usdt)
	}

	quote, err := amm.Quote(amm.ReservesFromPool(pool), models.TokenUSDT, amount)
	if err != nil {
		return nil, NewInvalidTransaction("unable to price trade", err)
	}

	netOut := quote.NetOutput
	if !pool.HasSufficientLiquidity(netOut, decimal.Zero) {
		return nil, NewInsufficientLiquidity(models.TokenKLOJI, netOut, pool.Tokens.Kloji.Balance)
	}

	if clamped := pool.ApplyDelta(netOut.Neg(), amount); clamped {
		return nil, e.invariantViolation(req, "pool balance would go negative on buy")
	}
	pool.AddVolume(amount)
	pool.SetKlojiPrice(pool.ImpliedKlojiPrice())

	if clamped := portfolio.ApplyDelta(netOut, required.Neg(), pool.Tokens.Kloji.Price); clamped {
		return nil, e.invariantViolation(req, "portfolio balance would go negative on buy")
	}

	// realized price: USDT paid into the pool per KLOJI received
	realizedPrice := amount.Div(netOut)

	record := models.NewTransaction(req.UserID, models.TransactionTypeBuy, models.TokenKLOJI,
		netOut, realizedPrice, networkFee, tradingFee)
	record.Metadata = e.recordMetadata(req)
	record.MarkCompleted()

	return &settledTrade{
		record:      record,
		klojiAmount: netOut,
		usdtAmount:  amount,
	}, nil
}

// settleSell mutates pool and portfolio in memory for a KLOJI -> USDT trade
func (e *tradeEngine) settleSell(pool *models.LiquidityPool, portfolio *models.Portfolio, req *TradeRequest) (*settledTrade, *TradeError) {
	amount := req.Amount
	networkFee := pool.Fees.NetworkFee

	if !portfolio.HasSufficient(models.TokenKLOJI, amount) {
		return nil, NewInsufficientFunds(models.TokenKLOJI, amount, portfolio.Balances.Kloji)
	}

	quote, err := amm.Quote(amm.ReservesFromPool(pool), models.TokenKLOJI, amount)
	if err != nil {
		return nil, NewInvalidTransaction("unable to price trade", err)
	}

	// conservative: the pool must cover the gross payout plus the network fee
	grossOut := quote.OutputAmount
	liquidityRequired := grossOut.Add(networkFee)
	if !pool.HasSufficientLiquidity(decimal.Zero, liquidityRequired) {
		return nil, NewInsufficientLiquidity(models.TokenUSDT, liquidityRequired, pool.Tokens.Usdt.Balance)
	}

	proceeds := quote.NetOutput.Sub(networkFee)
	if !proceeds.GreaterThan(decimal.Zero) {
		return nil, NewInvalidTransaction("trade too small to cover fees", nil)
	}

	// fees stay in the reserves, so k never decreases across a sell
	if clamped := pool.ApplyDelta(amount, proceeds.Neg()); clamped {
		return nil, e.invariantViolation(req, "pool balance would go negative on sell")
	}
	pool.AddVolume(grossOut)
	pool.SetKlojiPrice(pool.ImpliedKlojiPrice())

	if clamped := portfolio.ApplyDelta(amount.Neg(), proceeds, pool.Tokens.Kloji.Price); clamped {
		return nil, e.invariantViolation(req, "portfolio balance would go negative on sell")
	}

	// realized price: gross USDT out per KLOJI sold
	realizedPrice := grossOut.Div(amount)

	record := models.NewTransaction(req.UserID, models.TransactionTypeSell, models.TokenKLOJI,
		amount, realizedPrice, networkFee, quote.TradingFee)
	record.Metadata = e.recordMetadata(req)
	record.MarkCompleted()

	return &settledTrade{
		record:      record,
		klojiAmount: amount,
		usdtAmount:  proceeds,
	}, nil
}

func (e *tradeEngine) PreviewTrade(ctx context.Context, req *PreviewRequest) (*TradePreview, error) {
	if req.Direction != models.TransactionTypeBuy && req.Direction != models.TransactionTypeSell {
		return nil, NewInvalidTransaction(fmt.Sprintf("invalid trade direction: %s", req.Direction), nil)
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return nil, NewInvalidTransaction("trade amount must be positive", nil)
	}

	pool, err := e.poolRepo.Get(ctx)
	if err != nil {
		return nil, NewServiceUnavailable("failed to load liquidity pool", err)
	}

	inputToken := models.TokenUSDT
	if req.Direction == models.TransactionTypeSell {
		inputToken = models.TokenKLOJI
	}

	reserves := amm.ReservesFromPool(pool)
	quote, err := amm.Quote(reserves, inputToken, req.Amount)
	if err != nil {
		return nil, NewInvalidTransaction("unable to price trade", err)
	}

	totalCost := req.Amount.Add(pool.Fees.NetworkFee)
	if req.Direction == models.TransactionTypeBuy {
		totalCost = totalCost.Add(quote.TradingFee)
	}

	return &TradePreview{
		InputToken:      quote.InputToken,
		InputAmount:     quote.InputAmount,
		OutputToken:     quote.OutputToken,
		OutputAmount:    quote.NetOutput,
		TradingFee:      quote.TradingFee,
		NetworkFee:      pool.Fees.NetworkFee,
		TotalCost:       totalCost,
		MinimumReceived: amm.MinimumReceived(quote.NetOutput),
		PriceImpact:     amm.PriceImpact(reserves, inputToken, req.Amount),
	}, nil
}

func validateTradeRequest(req *TradeRequest) *TradeError {
	if req.UserID <= 0 {
		return NewInvalidTransaction("invalid user ID", nil)
	}
	if req.Direction != models.TransactionTypeBuy && req.Direction != models.TransactionTypeSell {
		return NewInvalidTransaction(fmt.Sprintf("invalid trade direction: %s", req.Direction), nil)
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return NewInvalidTransaction("trade amount must be positive", nil)
	}
	return nil
}

func lockFailure(err error) *TradeError {
	if errors.Is(err, repository.ErrLockNotAcquired) {
		return NewServiceUnavailable("exchange is busy, please retry", err)
	}
	return NewServiceUnavailable("failed to acquire trade lock", err)
}

func (e *tradeEngine) invariantViolation(req *TradeRequest, message string) *TradeError {
	// a clamp here means validation let something through it should not have
	e.logger.WithFields(logrus.Fields{
		"user_id":   req.UserID,
		"direction": req.Direction,
		"amount":    req.Amount.String(),
	}).Error(message)
	return NewInvariantViolation(message)
}

func (e *tradeEngine) recordMetadata(req *TradeRequest) models.TransactionMetadata {
	metadata := req.Metadata
	if metadata.Platform == "" {
		metadata.Platform = e.config.Platform
	}
	return metadata
}

func (e *tradeEngine) releaseLock(lock *repository.DistributedLock) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.locks.Release(ctx, lock); err != nil {
		e.logger.WithError(err).WithField("lock", lock.Key).Warn("Failed to release lock")
	}
}

func (e *tradeEngine) recordTradeError(direction string, err *TradeError) {
	if e.metrics != nil {
		e.metrics.IncrementTradeErrors(direction, string(err.Code))
	}
}

// journalFailure writes a best-effort failed record outside the settlement
// transaction. Ledgers are untouched by then.
func (e *tradeEngine) journalFailure(req *TradeRequest, tradeErr *TradeError) {
	token := models.TokenUSDT
	if req.Direction == models.TransactionTypeSell {
		token = models.TokenKLOJI
	}

	record := models.NewTransaction(req.UserID, req.Direction, token,
		req.Amount, decimal.Zero, decimal.Zero, decimal.Zero)
	record.Metadata = e.recordMetadata(req)
	record.MarkFailed(tradeErr.Message)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.txRepo.Create(ctx, record); err != nil {
		e.logger.WithError(err).Warn("Failed to journal failed trade")
	}

	if e.publisher != nil {
		event := &external.TradeFailedEvent{
			EventID:  record.TransactionID,
			UserID:   req.UserID,
			Type:     req.Direction,
			Amount:   req.Amount.String(),
			Reason:   tradeErr.Message,
			FailedAt: time.Now(),
		}
		if err := e.publisher.PublishTradeFailed(ctx, event); err != nil {
			e.logger.WithError(err).Debug("Failed to publish trade-failed event")
		}
	}
}

// notifyTradeExecuted pushes the per-user notification. Best-effort.
func (e *tradeEngine) notifyTradeExecuted(record *models.Transaction, result *TradeResult) {
	if e.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	event := external.NewTradeExecutedEvent(record,
		result.KlojiAmount.String(), result.UsdtAmount.String(), result.NewBalances)

	err := e.publisher.PublishTradeExecuted(ctx, event)
	if err != nil {
		e.logger.WithError(err).WithField("transaction_id", record.TransactionID).
			Warn("Failed to publish trade-executed event")
	}
	if e.metrics != nil {
		e.metrics.RecordNotification(err == nil)
	}
}

// settleOnChain performs the optional external settlement and attaches the
// result to the journal record. Failure never changes the trade outcome.
func (e *tradeEngine) settleOnChain(record *models.Transaction) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := e.settlement.SettleTrade(ctx, record)
	if e.metrics != nil {
		e.metrics.RecordSettlement(err == nil, time.Since(started))
	}
	if err != nil {
		e.logger.WithError(err).WithField("transaction_id", record.TransactionID).
			Warn("On-chain settlement failed")
		return
	}

	if err := e.txRepo.AttachSettlement(ctx, record.TransactionID, *info); err != nil {
		e.logger.WithError(err).WithField("transaction_id", record.TransactionID).
			Warn("Failed to attach settlement details")
	}
}
