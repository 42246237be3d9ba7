package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"exchange-api/internal/amm"
	"exchange-api/internal/external"
	"exchange-api/internal/models"
	"exchange-api/internal/repository"
)

// In-memory fakes with copy-on-read semantics, so the engine's in-memory
// mutations only become visible through Update, like with a real store.

type memPoolRepo struct {
	mu   sync.Mutex
	pool *models.LiquidityPool
}

func newMemPoolRepo(pool *models.LiquidityPool) *memPoolRepo {
	pool.ID = primitive.NewObjectID()
	return &memPoolRepo{pool: pool}
}

func (r *memPoolRepo) Get(ctx context.Context) (*models.LiquidityPool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *r.pool
	return &copied, nil
}

func (r *memPoolRepo) Update(ctx context.Context, pool *models.LiquidityPool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *pool
	r.pool = &copied
	return nil
}

func (r *memPoolRepo) EnsureDefault(ctx context.Context, defaults models.PoolDefaults) (*models.LiquidityPool, error) {
	return r.Get(ctx)
}

func (r *memPoolRepo) CreateIndexes(ctx context.Context) error { return nil }

type memPortfolioRepo struct {
	mu     sync.Mutex
	byUser map[int64]*models.Portfolio
}

func newMemPortfolioRepo() *memPortfolioRepo {
	return &memPortfolioRepo{byUser: make(map[int64]*models.Portfolio)}
}

func (r *memPortfolioRepo) seed(portfolio *models.Portfolio) {
	portfolio.ID = primitive.NewObjectID()
	r.byUser[portfolio.UserID] = portfolio
}

func (r *memPortfolioRepo) Create(ctx context.Context, portfolio *models.Portfolio) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	portfolio.ID = primitive.NewObjectID()
	copied := *portfolio
	r.byUser[portfolio.UserID] = &copied
	return nil
}

func (r *memPortfolioRepo) GetByUserID(ctx context.Context, userID int64) (*models.Portfolio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	portfolio, ok := r.byUser[userID]
	if !ok {
		return nil, repository.ErrPortfolioNotFound
	}
	copied := *portfolio
	return &copied, nil
}

func (r *memPortfolioRepo) GetOrCreate(ctx context.Context, userID int64, startingUsdt decimal.Decimal) (*models.Portfolio, error) {
	portfolio, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return portfolio, nil
	}
	portfolio = models.NewPortfolio(userID, startingUsdt)
	if err := r.Create(ctx, portfolio); err != nil {
		return nil, err
	}
	return portfolio, nil
}

func (r *memPortfolioRepo) Update(ctx context.Context, portfolio *models.Portfolio) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *portfolio
	r.byUser[portfolio.UserID] = &copied
	return nil
}

func (r *memPortfolioRepo) GetTopByValue(ctx context.Context, limit int) ([]*models.Portfolio, error) {
	return nil, nil
}

func (r *memPortfolioRepo) CreateIndexes(ctx context.Context) error { return nil }

type memTxRepo struct {
	mu      sync.Mutex
	records []*models.Transaction
}

func (r *memTxRepo) Create(ctx context.Context, transaction *models.Transaction) error {
	if err := transaction.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	transaction.ID = primitive.NewObjectID()
	copied := *transaction
	r.records = append(r.records, &copied)
	return nil
}

func (r *memTxRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Transaction, error) {
	return nil, errors.New("not implemented")
}

func (r *memTxRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.TransactionID == transactionID {
			copied := *record
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("transaction not found with ID %s", transactionID)
}

func (r *memTxRepo) GetUserHistory(ctx context.Context, userID int64, filter *repository.TransactionFilter) ([]*models.Transaction, error) {
	return nil, nil
}

func (r *memTxRepo) CountUserHistory(ctx context.Context, userID int64, filter *repository.TransactionFilter) (int64, error) {
	return 0, nil
}

func (r *memTxRepo) GetUserStats(ctx context.Context, userID int64, since time.Time) (*repository.TransactionStats, error) {
	return nil, nil
}

func (r *memTxRepo) AttachSettlement(ctx context.Context, transactionID string, settlement models.SettlementInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.TransactionID == transactionID {
			record.Settlement = &settlement
			return nil
		}
	}
	return fmt.Errorf("transaction not found for settlement: %s", transactionID)
}

func (r *memTxRepo) CreateIndexes(ctx context.Context) error { return nil }

func (r *memTxRepo) byStatus(status string) []*models.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Transaction
	for _, record := range r.records {
		if record.Status == status {
			out = append(out, record)
		}
	}
	return out
}

// memLocker serializes with real mutexes, mirroring the Redis lock semantics
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *memLocker) acquire(key string) (*repository.DistributedLock, error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return &repository.DistributedLock{Key: key, AcquiredAt: time.Now()}, nil
}

func (l *memLocker) LockPool(ctx context.Context) (*repository.DistributedLock, error) {
	return l.acquire("pool:trade")
}

func (l *memLocker) LockPortfolio(ctx context.Context, userID int64) (*repository.DistributedLock, error) {
	return l.acquire(fmt.Sprintf("portfolio:%d", userID))
}

func (l *memLocker) Release(ctx context.Context, lock *repository.DistributedLock) error {
	l.mu.Lock()
	m := l.locks[lock.Key]
	l.mu.Unlock()
	m.Unlock()
	return nil
}

type failingLocker struct{}

func (l *failingLocker) LockPool(ctx context.Context) (*repository.DistributedLock, error) {
	return nil, fmt.Errorf("%w: pool:trade (waited 5s)", repository.ErrLockNotAcquired)
}

func (l *failingLocker) LockPortfolio(ctx context.Context, userID int64) (*repository.DistributedLock, error) {
	return nil, fmt.Errorf("%w: portfolio", repository.ErrLockNotAcquired)
}

func (l *failingLocker) Release(ctx context.Context, lock *repository.DistributedLock) error {
	return nil
}

type memIdempotency struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{items: make(map[string][]byte)}
}

func (s *memIdempotency) Save(ctx context.Context, key string, result interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = payload
	return nil
}

func (s *memIdempotency) Load(ctx context.Context, key string, dest interface{}) (bool, error) {
	s.mu.Lock()
	payload, ok := s.items[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(payload, dest)
}

func (s *memIdempotency) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

type passthroughTxn struct{}

func (t *passthroughTxn) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// brokenTxn refuses to run the transaction, leaving stores untouched
type brokenTxn struct{}

func (t *brokenTxn) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return errors.New("transaction aborted")
}

// chanPublisher signals published events so tests can wait for the
// post-settlement goroutine
type chanPublisher struct {
	executed chan *external.TradeExecutedEvent
	failed   chan *external.TradeFailedEvent
}

func newChanPublisher() *chanPublisher {
	return &chanPublisher{
		executed: make(chan *external.TradeExecutedEvent, 64),
		failed:   make(chan *external.TradeFailedEvent, 64),
	}
}

func (p *chanPublisher) PublishTradeExecuted(ctx context.Context, event *external.TradeExecutedEvent) error {
	p.executed <- event
	return nil
}

func (p *chanPublisher) PublishTradeFailed(ctx context.Context, event *external.TradeFailedEvent) error {
	p.failed <- event
	return nil
}

func (p *chanPublisher) Close() error { return nil }

type engineFixture struct {
	engine     TradeEngine
	pools      *memPoolRepo
	portfolios *memPortfolioRepo
	journal    *memTxRepo
	publisher  *chanPublisher
}

func testPool() *models.LiquidityPool {
	return models.NewLiquidityPool(models.PoolDefaults{
		KlojiBalance: decimal.NewFromInt(1000000),
		KlojiPrice:   decimal.NewFromFloat(0.85),
		UsdtBalance:  decimal.NewFromInt(850000),
		NetworkFee:   decimal.NewFromFloat(0.5),
		TradingFee:   decimal.NewFromFloat(0.001),
	})
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newEngineFixture(pool *models.LiquidityPool, txn TxnRunner, locks TradeLocker) *engineFixture {
	f := &engineFixture{
		pools:      newMemPoolRepo(pool),
		portfolios: newMemPortfolioRepo(),
		journal:    &memTxRepo{},
		publisher:  newChanPublisher(),
	}
	if txn == nil {
		txn = &passthroughTxn{}
	}
	if locks == nil {
		locks = newMemLocker()
	}
	f.engine = NewTradeEngine(
		f.pools, f.portfolios, f.journal, locks, newMemIdempotency(), txn,
		f.publisher, nil, nil,
		&TradeEngineConfig{
			StartingUsdtGrant: decimal.NewFromInt(1000),
			IdempotencyTTL:    time.Minute,
			Platform:          "kloji-exchange",
		},
		quietLogger(),
	)
	return f
}

func waitExecuted(t *testing.T, f *engineFixture) *external.TradeExecutedEvent {
	t.Helper()
	select {
	case event := <-f.publisher.executed:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trade-executed event")
		return nil
	}
}

func TestExecuteTrade_BuySettles(t *testing.T) {
	f := newEngineFixture(testPool(), nil, nil)

	result, err := f.engine.ExecuteTrade(context.Background(), &TradeRequest{
		UserID:    1,
		Direction: "buy",
		Amount:    decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	// raw out = 100,000,000/850,100 KLOJI, net = raw * 0.999
	assert.True(t, result.KlojiAmount.Round(2).Equal(decimal.NewFromFloat(117.52)),
		"kloji amount = %s", result.KlojiAmount)
	assert.True(t, result.UsdtAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, result.Fees.TradingFee.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, result.Fees.NetworkFee.Equal(decimal.NewFromFloat(0.5)))

	// user: starting 1000 minus 100 + 0.5 + 0.1
	assert.True(t, result.NewBalances.Usdt.Equal(decimal.NewFromFloat(899.4)),
		"usdt balance = %s", result.NewBalances.Usdt)
	assert.True(t, result.NewBalances.Kloji.Equal(result.KlojiAmount))

	// pool: USDT up by the full swap amount, KLOJI down by the net output
	pool, _ := f.pools.Get(context.Background())
	assert.True(t, pool.Tokens.Usdt.Balance.Equal(decimal.NewFromInt(850100)))
	assert.True(t, pool.Tokens.Kloji.Balance.Equal(decimal.NewFromInt(1000000).Sub(result.KlojiAmount)))
	assert.True(t, pool.Statistics.TotalVolume24h.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1), pool.Statistics.TotalTransactions24h)

	// journal: one completed record, total value consistent
	completed := f.journal.byStatus(models.StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, models.TransactionTypeBuy, completed[0].Type)
	assert.Equal(t, models.TokenKLOJI, completed[0].Token)
	assert.True(t, completed[0].TotalValue.Sub(decimal.NewFromInt(100)).Abs().LessThan(decimal.New(1, -8)))

	event := waitExecuted(t, f)
	assert.Equal(t, result.TransactionID, event.TransactionID)
	assert.Equal(t, "buy", event.Type)
}

func TestExecuteTrade_SellSettles(t *testing.T) {
	f := newEngineFixture(testPool(), nil, nil)
	portfolio := models.NewPortfolio(2, decimal.NewFromInt(1000))
	portfolio.Balances.Kloji = decimal.NewFromInt(5000)
	f.portfolios.seed(portfolio)

	result, err := f.engine.ExecuteTrade(context.Background(), &TradeRequest{
		UserID:    2,
		Direction: "sell",
		Amount:    decimal.NewFromInt(1000),
	})
	require.NoError(t, err)

	k := decimal.NewFromInt(1000000).Mul(decimal.NewFromInt(850000))
	grossOut := decimal.NewFromInt(850000).Sub(k.Div(decimal.NewFromInt(1001000)))
	tradingFee := decimal.NewFromFloat(0.85) // 1000 * 0.85 * 0.001
	proceeds := grossOut.Sub(tradingFee).Sub(decimal.NewFromFloat(0.5))

	assert.True(t, result.KlojiAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, result.UsdtAmount.Sub(proceeds).Abs().LessThan(decimal.New(1, -8)),
		"usdt amount = %s want %s", result.UsdtAmount, proceeds)
	assert.True(t, result.Fees.TradingFee.Equal(tradingFee))

	assert.True(t, result.NewBalances.Kloji.Equal(decimal.NewFromInt(4000)))
	assert.True(t, result.NewBalances.Usdt.Sub(decimal.NewFromInt(1000).Add(proceeds)).Abs().LessThan(decimal.New(1, -8)))

	// fees accrete to reserves: k never decreases across a sell
	pool, _ := f.pools.Get(context.Background())
	kAfter := pool.Tokens.Kloji.Balance.Mul(pool.Tokens.Usdt.Balance)
	assert.True(t, kAfter.GreaterThanOrEqual(k.Sub(decimal.NewFromFloat(0.01))),
		"k shrank from %s to %s", k, kAfter)

	// volume counts the gross USDT leg
	assert.True(t, pool.Statistics.TotalVolume24h.Sub(grossOut).Abs().LessThan(decimal.New(1, -8)))
}

func TestExecuteTrade_InsufficientFunds(t *testing.T) {
	f := newEngineFixture(testPool(), nil, nil)

	// starting grant is 1000 USDT; 2000 + fees cannot be covered
	result, err := f.engine.ExecuteTrade(context.Background(), &TradeRequest{
		UserID:    3,
		Direction: "buy",
		Amount:    decimal.NewFromInt(2000),
	})

	assert.Nil(t, result)
	tradeErr, ok := AsTradeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInsufficientFunds, tradeErr.Code)
	assert.Equal(t, models.TokenUSDT, tradeErr.Token)
	assert.True(t, tradeErr.Available.Equal(decimal.NewFromInt(1000)))

	// ledgers untouched, failure journaled
	pool, _ := f.pools.Get(context.Background())
	assert.True(t, pool.Tokens.Usdt.Balance.Equal(decimal.NewFromInt(850000)))
	assert.Empty(t, f.journal.byStatus(models.StatusCompleted))
	failed := f.journal.byStatus(models.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "insufficient balance for trade", failed[0].Notes)
}

func TestExecuteTrade_InsufficientLiquidity(t *testing.T) {
	pool := models.NewLiquidityPool(models.PoolDefaults{
		KlojiBalance: decimal.NewFromInt(1000000),
		KlojiPrice:   decimal.NewFromFloat(0.000001),
		UsdtBalance:  decimal.NewFromInt(1),
		NetworkFee:   decimal.NewFromFloat(0.5),
		TradingFee:   decimal.NewFromFloat(0.001),
	})
	f := newEngineFixture(pool, nil, nil)

	portfolio := models.NewPortfolio(4, decimal.NewFromInt(1000))
	portfolio.Balances.Kloji = decimal.NewFromInt(3000000)
	f.portfolios.seed(portfolio)

	// gross out ~0.67 USDT, but the pool cannot also cover the network fee
	result, err := f.engine.ExecuteTrade(context.Background(), &TradeRequest{
		UserID:    4,
		Direction: "sell",
		Amount:    decimal.NewFromInt(2000000),
	})

	assert.Nil(t, result)
	tradeErr, ok := AsTradeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInsufficientLiquidity, tradeErr.Code)
	assert.Equal(t, models.TokenUSDT, tradeErr.Token)

	got, _ := f.pools.Get(context.Background())
	assert.True(t, got.Tokens.Usdt.Balance.Equal(decimal.NewFromInt(1)))
	assert.True(t, got.Tokens.Kloji.Balance.Equal(decimal.NewFromInt(1000000)))
}

func TestExecuteTrade_MaintenanceHaltsTrading(t *testing.T) {
	pool := testPool()
	pool.EnterMaintenance("upgrading settlement nodes", nil)
	f := newEngineFixture(pool, nil, nil)

	result, err := f.engine.ExecuteTrade(context.Background(), &TradeRequest{
		UserID:    5,
		Direction: "buy",
		Amount:    decimal.NewFromInt(10),
	})

	assert.Nil(t, result)
	tradeErr, ok := AsTradeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeServiceUnavailable, tradeErr.Code)
	assert.Contains(t, tradeErr.Message, "upgrading settlement nodes")
}

func TestExecuteTrade_InvalidRequests(t *testing.T) {
	f := newEngineFixture(testPool(), nil, nil)

	tests := []struct {
		name string
		req  *TradeRequest
	}{
		{"bad direction", &TradeRequest{UserID: 1, Direction: "swap", Amount: decimal.NewFromInt(10)}},
		{"zero amount", &TradeRequest{UserID: 1, Direction: "buy", Amount: decimal.Zero}},
		{"negative amount", &TradeRequest{UserID: 1, Direction: "sell", Amount: decimal.NewFromInt(-10)}},
		{"bad user", &TradeRequest{UserID: 0, Direction: "buy", Amount: decimal.NewFromInt(10)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.engine.ExecuteTrade(context.Background(), tt.req)

			assert.Nil(t, result)
			tradeErr, ok := AsTradeError(err)
			require.True(t, ok)
			assert.Equal(t, ErrCodeInvalidTransaction, tradeErr.Code)
		})
	}
}

func TestExecuteTrade_LockTimeout(t *testing.T) {
	f := newEngineFixture(testPool(), nil, &failingLocker{})

	result, err := f.engine.ExecuteTrade(context.Background(), &TradeRequest{
		UserID:    6,
		Direction: "buy",
		Amount:    decimal.NewFromInt(10),
	})

	assert.Nil(t, result)
	tradeErr, ok := AsTradeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeServiceUnavailable, tradeErr.Code)
	assert.ErrorIs(t, err, repository.ErrLockNotAcquired)
}

func TestExecuteTrade_IdempotentReplay(t *testing.T) {
	f := newEngineFixture(testPool(), nil, nil)

	req := &TradeRequest{
		UserID:         7,
		Direction:      "buy",
		Amount:         decimal.NewFromInt(100),
		IdempotencyKey: "retry-me",
	}

	first, err := f.engine.ExecuteTrade(context.Background(), req)
	require.NoError(t, err)
	waitExecuted(t, f)

	second, err := f.engine.ExecuteTrade(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, first.KlojiAmount.Equal(second.KlojiAmount))

	// the replay executed nothing: one journal entry, pool moved once
	assert.Len(t, f.journal.byStatus(models.StatusCompleted), 1)
	pool, _ := f.pools.Get(context.Background())
	assert.True(t, pool.Tokens.Usdt.Balance.Equal(decimal.NewFromInt(850100)))
}

// racingLocker plants a finished result under an idempotency key while the
// caller is acquiring the pool lock, like a concurrent retry that won the race
type racingLocker struct {
	*memLocker
	idempotency *memIdempotency
	key         string
	planted     *TradeResult
	once        sync.Once
}

func (l *racingLocker) LockPool(ctx context.Context) (*repository.DistributedLock, error) {
	lock, err := l.memLocker.LockPool(ctx)
	l.once.Do(func() {
		_ = l.idempotency.Save(ctx, l.key, l.planted, time.Minute)
	})
	return lock, err
}

func TestExecuteTrade_IdempotencyRecheckedUnderLock(t *testing.T) {
	idem := newMemIdempotency()
	planted := &TradeResult{
		TransactionID: "TXN-1-7",
		Direction:     "buy",
		KlojiAmount:   decimal.NewFromInt(117),
		UsdtAmount:    decimal.NewFromInt(100),
	}
	locks := &racingLocker{
		memLocker:   newMemLocker(),
		idempotency: idem,
		key:         "shared-retry",
		planted:     planted,
	}

	pools := newMemPoolRepo(testPool())
	journal := &memTxRepo{}
	eng := NewTradeEngine(
		pools, newMemPortfolioRepo(), journal, locks, idem, &passthroughTxn{},
		newChanPublisher(), nil, nil,
		&TradeEngineConfig{
			StartingUsdtGrant: decimal.NewFromInt(1000),
			IdempotencyTTL:    time.Minute,
			Platform:          "kloji-exchange",
		},
		quietLogger(),
	)

	result, err := eng.ExecuteTrade(context.Background(), &TradeRequest{
		UserID:         7,
		Direction:      "buy",
		Amount:         decimal.NewFromInt(100),
		IdempotencyKey: "shared-retry",
	})
	require.NoError(t, err)

	// the loser of the race replays the winner's result instead of settling
	assert.True(t, result.Replayed)
	assert.Equal(t, "TXN-1-7", result.TransactionID)
	assert.Empty(t, journal.byStatus(models.StatusCompleted))
	pool, _ := pools.Get(context.Background())
	assert.True(t, pool.Tokens.Usdt.Balance.Equal(decimal.NewFromInt(850000)))
}

func TestExecuteTrade_InterruptedSettlementChangesNothing(t *testing.T) {
	f := newEngineFixture(testPool(), &brokenTxn{}, nil)

	result, err := f.engine.ExecuteTrade(context.Background(), &TradeRequest{
		UserID:    8,
		Direction: "buy",
		Amount:    decimal.NewFromInt(100),
	})

	assert.Nil(t, result)
	tradeErr, ok := AsTradeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeServiceUnavailable, tradeErr.Code)

	// atomicity: no ledger moved, no completed record exists
	pool, _ := f.pools.Get(context.Background())
	assert.True(t, pool.Tokens.Usdt.Balance.Equal(decimal.NewFromInt(850000)))
	assert.True(t, pool.Tokens.Kloji.Balance.Equal(decimal.NewFromInt(1000000)))
	portfolio, err2 := f.portfolios.GetByUserID(context.Background(), 8)
	require.NoError(t, err2)
	assert.True(t, portfolio.Balances.Usdt.Equal(decimal.NewFromInt(1000)))
	assert.Empty(t, f.journal.byStatus(models.StatusCompleted))
}

// replayTrade applies the same settlement math the engine uses, so a journal
// replay must land on exactly the final pool state.
func replayTrade(t *testing.T, pool *models.LiquidityPool, direction string, amount decimal.Decimal) {
	t.Helper()
	reserves := amm.ReservesFromPool(pool)

	if direction == models.TransactionTypeBuy {
		quote, err := amm.Quote(reserves, models.TokenUSDT, amount)
		require.NoError(t, err)
		require.False(t, pool.ApplyDelta(quote.NetOutput.Neg(), amount))
		pool.AddVolume(amount)
		pool.SetKlojiPrice(pool.ImpliedKlojiPrice())
		return
	}

	quote, err := amm.Quote(reserves, models.TokenKLOJI, amount)
	require.NoError(t, err)
	proceeds := quote.NetOutput.Sub(pool.Fees.NetworkFee)
	require.False(t, pool.ApplyDelta(amount, proceeds.Neg()))
	pool.AddVolume(quote.OutputAmount)
	pool.SetKlojiPrice(pool.ImpliedKlojiPrice())
}

func TestExecuteTrade_ConcurrentTradesSerialize(t *testing.T) {
	f := newEngineFixture(testPool(), nil, nil)

	type tradeSpec struct {
		userID    int64
		direction string
		amount    decimal.Decimal
	}

	var specs []tradeSpec
	for i := 0; i < 10; i++ {
		specs = append(specs, tradeSpec{
			userID:    int64(100 + i),
			direction: models.TransactionTypeBuy,
			amount:    decimal.NewFromInt(int64(10 * (i + 1))),
		})
	}
	for i := 0; i < 10; i++ {
		seller := models.NewPortfolio(int64(200+i), decimal.NewFromInt(1000))
		seller.Balances.Kloji = decimal.NewFromInt(10000)
		f.portfolios.seed(seller)
		specs = append(specs, tradeSpec{
			userID:    int64(200 + i),
			direction: models.TransactionTypeSell,
			amount:    decimal.NewFromInt(int64(50 * (i + 1))),
		})
	}
	byUser := make(map[int64]tradeSpec, len(specs))
	for _, spec := range specs {
		byUser[spec.userID] = spec
	}

	var wg sync.WaitGroup
	for _, spec := range specs {
		wg.Add(1)
		go func(spec tradeSpec) {
			defer wg.Done()
			_, err := f.engine.ExecuteTrade(context.Background(), &TradeRequest{
				UserID:    spec.userID,
				Direction: spec.direction,
				Amount:    spec.amount,
			})
			assert.NoError(t, err)
		}(spec)
	}
	wg.Wait()

	completed := f.journal.byStatus(models.StatusCompleted)
	require.Len(t, completed, len(specs))

	// replay the journal in settlement order against a fresh pool: the final
	// reserves must match one serial permutation exactly, and this is it
	replayed := testPool()
	for _, record := range completed {
		spec, ok := byUser[record.UserID]
		require.True(t, ok)
		replayTrade(t, replayed, spec.direction, spec.amount)
	}

	final, _ := f.pools.Get(context.Background())
	assert.True(t, final.Tokens.Kloji.Balance.Equal(replayed.Tokens.Kloji.Balance),
		"kloji: got %s want %s", final.Tokens.Kloji.Balance, replayed.Tokens.Kloji.Balance)
	assert.True(t, final.Tokens.Usdt.Balance.Equal(replayed.Tokens.Usdt.Balance),
		"usdt: got %s want %s", final.Tokens.Usdt.Balance, replayed.Tokens.Usdt.Balance)
	assert.Equal(t, int64(len(specs)), final.Statistics.TotalTransactions24h)

	// no balance anywhere went negative
	assert.True(t, final.Tokens.Kloji.Balance.GreaterThanOrEqual(decimal.Zero))
	assert.True(t, final.Tokens.Usdt.Balance.GreaterThanOrEqual(decimal.Zero))
	for _, spec := range specs {
		portfolio, err := f.portfolios.GetByUserID(context.Background(), spec.userID)
		require.NoError(t, err)
		assert.True(t, portfolio.Balances.Kloji.GreaterThanOrEqual(decimal.Zero))
		assert.True(t, portfolio.Balances.Usdt.GreaterThanOrEqual(decimal.Zero))
	}
}

func TestPreviewTrade(t *testing.T) {
	f := newEngineFixture(testPool(), nil, nil)

	preview, err := f.engine.PreviewTrade(context.Background(), &PreviewRequest{
		Direction: "buy",
		Amount:    decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	assert.Equal(t, models.TokenUSDT, preview.InputToken)
	assert.Equal(t, models.TokenKLOJI, preview.OutputToken)
	assert.True(t, preview.OutputAmount.Round(2).Equal(decimal.NewFromFloat(117.52)))
	assert.True(t, preview.TradingFee.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, preview.NetworkFee.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, preview.TotalCost.Equal(decimal.NewFromFloat(100.6)))
	assert.True(t, preview.MinimumReceived.Equal(preview.OutputAmount.Mul(decimal.NewFromFloat(0.995))))
	assert.True(t, preview.PriceImpact.GreaterThan(decimal.Zero))

	// previews never touch state
	pool, _ := f.pools.Get(context.Background())
	assert.True(t, pool.Tokens.Usdt.Balance.Equal(decimal.NewFromInt(850000)))

	_, err = f.engine.PreviewTrade(context.Background(), &PreviewRequest{
		Direction: "buy",
		Amount:    decimal.Zero,
	})
	tradeErr, ok := AsTradeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidTransaction, tradeErr.Code)
}
