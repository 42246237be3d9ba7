package models

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Token symbols handled by the exchange
const (
	TokenKLOJI = "KLOJI"
	TokenUSDT  = "USDT"
)

// LiquidityPool represents the KLOJI/USDT liquidity pool. There is exactly one
// pool document; it is created by the startup migration and never deleted.
type LiquidityPool struct {
	ID      primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Name    string             `bson:"name" json:"name"`
	Network string             `bson:"network" json:"network"`

	Tokens       PoolTokens           `bson:"tokens" json:"tokens"`
	Fees         PoolFees             `bson:"fees" json:"fees"`
	Statistics   PoolStatistics       `bson:"statistics" json:"statistics"`
	Maintenance  PoolMaintenance      `bson:"maintenance" json:"maintenance"`
	Integrations []NetworkIntegration `bson:"integrations" json:"integrations"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// PoolTokens holds the two reserve sides of the pool
type PoolTokens struct {
	Kloji TokenReserve `bson:"kloji" json:"kloji"`
	Usdt  TokenReserve `bson:"usdt" json:"usdt"`
}

// TokenReserve represents one token's reserve balance and reference price
type TokenReserve struct {
	Symbol   string          `bson:"symbol" json:"symbol"`
	Balance  decimal.Decimal `bson:"balance" json:"balance"`
	Price    decimal.Decimal `bson:"price" json:"price"`
	Decimals int             `bson:"decimals" json:"decimals"`
}

// PoolFees represents the fee schedule applied to trades
type PoolFees struct {
	NetworkFee    decimal.Decimal `bson:"network_fee" json:"network_fee"`       // flat, USDT
	TradingFee    decimal.Decimal `bson:"trading_fee" json:"trading_fee"`       // rate, e.g. 0.001 = 0.1%
	WithdrawalFee decimal.Decimal `bson:"withdrawal_fee" json:"withdrawal_fee"` // flat, USDT
}

// PoolStatistics tracks rolling 24h activity
type PoolStatistics struct {
	TotalVolume24h       decimal.Decimal `bson:"total_volume_24h" json:"total_volume_24h"`
	TotalTransactions24h int64           `bson:"total_transactions_24h" json:"total_transactions_24h"`
	PriceChange24h       decimal.Decimal `bson:"price_change_24h" json:"price_change_24h"`
	LastPriceUpdate      time.Time       `bson:"last_price_update" json:"last_price_update"`
}

// PoolMaintenance represents the trading halt flag
type PoolMaintenance struct {
	IsUnderMaintenance bool       `bson:"is_under_maintenance" json:"is_under_maintenance"`
	Reason             string     `bson:"reason,omitempty" json:"reason,omitempty"`
	StartedAt          *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	EstimatedEnd       *time.Time `bson:"estimated_end,omitempty" json:"estimated_end,omitempty"`
}

// NetworkIntegration represents an external settlement network attached to the pool
type NetworkIntegration struct {
	Platform    string    `bson:"platform" json:"platform"`
	Status      string    `bson:"status" json:"status"` // "active", "degraded", "disabled"
	APIEndpoint string    `bson:"api_endpoint,omitempty" json:"api_endpoint,omitempty"`
	LastSync    time.Time `bson:"last_sync" json:"last_sync"`
}

// PoolDefaults holds the initial pool state used by the startup migration
type PoolDefaults struct {
	KlojiBalance decimal.Decimal
	KlojiPrice   decimal.Decimal
	UsdtBalance  decimal.Decimal
	NetworkFee   decimal.Decimal
	TradingFee   decimal.Decimal
}

// NewLiquidityPool creates the pool document with the given initial reserves
func NewLiquidityPool(defaults PoolDefaults) *LiquidityPool {
	now := time.Now()

	return &LiquidityPool{
		Name:    "KLOJI/USDT",
		Network: "kloji-mainnet",
		Tokens: PoolTokens{
			Kloji: TokenReserve{
				Symbol:   TokenKLOJI,
				Balance:  defaults.KlojiBalance,
				Price:    defaults.KlojiPrice,
				Decimals: 18,
			},
			Usdt: TokenReserve{
				Symbol:   TokenUSDT,
				Balance:  defaults.UsdtBalance,
				Price:    decimal.NewFromInt(1),
				Decimals: 6,
			},
		},
		Fees: PoolFees{
			NetworkFee:    defaults.NetworkFee,
			TradingFee:    defaults.TradingFee,
			WithdrawalFee: decimal.NewFromFloat(0.1),
		},
		Statistics: PoolStatistics{
			TotalVolume24h:       decimal.Zero,
			TotalTransactions24h: 0,
			PriceChange24h:       decimal.Zero,
			LastPriceUpdate:      now,
		},
		Maintenance:  PoolMaintenance{},
		Integrations: make([]NetworkIntegration, 0),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ApplyDelta applies reserve changes in memory. Balances are floored at zero;
// a true return value means a balance would have gone negative, which the
// caller must treat as an invariant violation and abort the trade.
func (p *LiquidityPool) ApplyDelta(klojiDelta, usdtDelta decimal.Decimal) bool {
	clamped := false

	newKloji := p.Tokens.Kloji.Balance.Add(klojiDelta)
	if newKloji.LessThan(decimal.Zero) {
		newKloji = decimal.Zero
		clamped = true
	}

	newUsdt := p.Tokens.Usdt.Balance.Add(usdtDelta)
	if newUsdt.LessThan(decimal.Zero) {
		newUsdt = decimal.Zero
		clamped = true
	}

	p.Tokens.Kloji.Balance = newKloji
	p.Tokens.Usdt.Balance = newUsdt
	p.UpdatedAt = time.Now()

	return clamped
}

// AddVolume records a trade's USDT volume in the 24h statistics
func (p *LiquidityPool) AddVolume(usdtVolume decimal.Decimal) {
	p.Statistics.TotalVolume24h = p.Statistics.TotalVolume24h.Add(usdtVolume)
	p.Statistics.TotalTransactions24h++
	p.UpdatedAt = time.Now()
}

// SetKlojiPrice updates the KLOJI reference price and tracks the percent change
func (p *LiquidityPool) SetKlojiPrice(newPrice decimal.Decimal) {
	oldPrice := p.Tokens.Kloji.Price

	if oldPrice.GreaterThan(decimal.Zero) {
		change := newPrice.Sub(oldPrice).Div(oldPrice).Mul(decimal.NewFromInt(100))
		p.Statistics.PriceChange24h = change
	}

	p.Tokens.Kloji.Price = newPrice
	p.Statistics.LastPriceUpdate = time.Now()
	p.UpdatedAt = p.Statistics.LastPriceUpdate
}

// ResetDailyStats clears the rolling 24h counters
func (p *LiquidityPool) ResetDailyStats() {
	p.Statistics.TotalVolume24h = decimal.Zero
	p.Statistics.TotalTransactions24h = 0
	p.Statistics.PriceChange24h = decimal.Zero
	p.UpdatedAt = time.Now()
}

// TotalValue returns the pool's value in USDT terms
func (p *LiquidityPool) TotalValue() decimal.Decimal {
	klojiValue := p.Tokens.Kloji.Balance.Mul(p.Tokens.Kloji.Price)
	usdtValue := p.Tokens.Usdt.Balance.Mul(p.Tokens.Usdt.Price)
	return klojiValue.Add(usdtValue)
}

// ImpliedKlojiPrice returns the spot price implied by the current reserves
// (USDT per KLOJI). Zero if the pool is empty.
func (p *LiquidityPool) ImpliedKlojiPrice() decimal.Decimal {
	if !p.Tokens.Kloji.Balance.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}
	return p.Tokens.Usdt.Balance.Div(p.Tokens.Kloji.Balance)
}

// HasSufficientLiquidity checks whether the pool can pay out the given amounts
func (p *LiquidityPool) HasSufficientLiquidity(kloji, usdt decimal.Decimal) bool {
	return p.Tokens.Kloji.Balance.GreaterThanOrEqual(kloji) &&
		p.Tokens.Usdt.Balance.GreaterThanOrEqual(usdt)
}

// IsTradingHalted reports whether the maintenance flag blocks trading
func (p *LiquidityPool) IsTradingHalted() bool {
	return p.Maintenance.IsUnderMaintenance
}

// EnterMaintenance raises the maintenance flag
func (p *LiquidityPool) EnterMaintenance(reason string, estimatedEnd *time.Time) {
	now := time.Now()
	p.Maintenance = PoolMaintenance{
		IsUnderMaintenance: true,
		Reason:             reason,
		StartedAt:          &now,
		EstimatedEnd:       estimatedEnd,
	}
	p.UpdatedAt = now
}

// ExitMaintenance clears the maintenance flag
func (p *LiquidityPool) ExitMaintenance() {
	p.Maintenance = PoolMaintenance{}
	p.UpdatedAt = time.Now()
}
