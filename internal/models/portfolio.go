package models

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Portfolio represents a user's custodial token balances. Created lazily on
// first access with the configured USDT starting grant.
type Portfolio struct {
	ID     primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	UserID int64              `bson:"user_id" json:"user_id"`

	Balances   PortfolioBalances `bson:"balances" json:"balances"`
	TotalValue PortfolioValue    `bson:"total_value" json:"total_value"`

	LastUpdated time.Time `bson:"last_updated" json:"last_updated"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

// PortfolioBalances holds the per-token balances
type PortfolioBalances struct {
	Kloji decimal.Decimal `bson:"kloji" json:"kloji"`
	Usdt  decimal.Decimal `bson:"usdt" json:"usdt"`
}

// PortfolioValue holds the portfolio valuation. USD and USDT are kept 1:1.
type PortfolioValue struct {
	USD  decimal.Decimal `bson:"usd" json:"usd"`
	USDT decimal.Decimal `bson:"usdt" json:"usdt"`
}

// NewPortfolio creates a portfolio with the starting USDT grant
func NewPortfolio(userID int64, startingUsdt decimal.Decimal) *Portfolio {
	now := time.Now()

	return &Portfolio{
		UserID: userID,
		Balances: PortfolioBalances{
			Kloji: decimal.Zero,
			Usdt:  startingUsdt,
		},
		TotalValue: PortfolioValue{
			USD:  startingUsdt,
			USDT: startingUsdt,
		},
		LastUpdated: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ApplyDelta applies balance changes in memory and revalues the portfolio at
// the given KLOJI price. Balances are floored at zero; a true return value
// means a balance would have gone negative, which the caller must treat as an
// invariant violation and abort the trade.
func (p *Portfolio) ApplyDelta(klojiDelta, usdtDelta, klojiPrice decimal.Decimal) bool {
	clamped := false

	newKloji := p.Balances.Kloji.Add(klojiDelta)
	if newKloji.LessThan(decimal.Zero) {
		newKloji = decimal.Zero
		clamped = true
	}

	newUsdt := p.Balances.Usdt.Add(usdtDelta)
	if newUsdt.LessThan(decimal.Zero) {
		newUsdt = decimal.Zero
		clamped = true
	}

	p.Balances.Kloji = newKloji
	p.Balances.Usdt = newUsdt

	if klojiPrice.GreaterThan(decimal.Zero) {
		p.TotalValue = p.ValueAt(klojiPrice)
	}

	now := time.Now()
	p.LastUpdated = now
	p.UpdatedAt = now

	return clamped
}

// ValueAt returns the portfolio valuation at the given KLOJI price
func (p *Portfolio) ValueAt(klojiPrice decimal.Decimal) PortfolioValue {
	total := p.Balances.Kloji.Mul(klojiPrice).Add(p.Balances.Usdt)
	return PortfolioValue{
		USD:  total,
		USDT: total,
	}
}

// BalanceOf returns the balance for a token symbol, zero for unknown tokens
func (p *Portfolio) BalanceOf(token string) decimal.Decimal {
	switch token {
	case TokenKLOJI:
		return p.Balances.Kloji
	case TokenUSDT:
		return p.Balances.Usdt
	default:
		return decimal.Zero
	}
}

// HasSufficient checks whether the balance of a token covers the given amount
func (p *Portfolio) HasSufficient(token string, amount decimal.Decimal) bool {
	return p.BalanceOf(token).GreaterThanOrEqual(amount)
}
