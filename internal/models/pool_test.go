package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func defaultPool() *LiquidityPool {
	return NewLiquidityPool(PoolDefaults{
		KlojiBalance: decimal.NewFromInt(1000000),
		KlojiPrice:   decimal.NewFromFloat(0.85),
		UsdtBalance:  decimal.NewFromInt(850000),
		NetworkFee:   decimal.NewFromFloat(0.5),
		TradingFee:   decimal.NewFromFloat(0.001),
	})
}

func TestNewLiquidityPool_Defaults(t *testing.T) {
	pool := defaultPool()

	assert.Equal(t, "KLOJI/USDT", pool.Name)
	assert.True(t, pool.Tokens.Kloji.Balance.Equal(decimal.NewFromInt(1000000)))
	assert.True(t, pool.Tokens.Kloji.Price.Equal(decimal.NewFromFloat(0.85)))
	assert.True(t, pool.Tokens.Usdt.Balance.Equal(decimal.NewFromInt(850000)))
	assert.True(t, pool.Tokens.Usdt.Price.Equal(decimal.NewFromInt(1)))
	assert.True(t, pool.Fees.NetworkFee.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, pool.Fees.TradingFee.Equal(decimal.NewFromFloat(0.001)))
	assert.False(t, pool.IsTradingHalted())
}

func TestLiquidityPool_ApplyDelta(t *testing.T) {
	tests := []struct {
		name          string
		klojiDelta    decimal.Decimal
		usdtDelta     decimal.Decimal
		expectClamped bool
		expectedKloji decimal.Decimal
		expectedUsdt  decimal.Decimal
	}{
		{
			name:          "buy side deltas",
			klojiDelta:    decimal.NewFromInt(-100),
			usdtDelta:     decimal.NewFromInt(85),
			expectClamped: false,
			expectedKloji: decimal.NewFromInt(999900),
			expectedUsdt:  decimal.NewFromInt(850085),
		},
		{
			name:          "sell side deltas",
			klojiDelta:    decimal.NewFromInt(200),
			usdtDelta:     decimal.NewFromInt(-150),
			expectClamped: false,
			expectedKloji: decimal.NewFromInt(1000200),
			expectedUsdt:  decimal.NewFromInt(849850),
		},
		{
			name:          "overdraw clamps to zero",
			klojiDelta:    decimal.NewFromInt(-2000000),
			usdtDelta:     decimal.NewFromInt(100),
			expectClamped: true,
			expectedKloji: decimal.Zero,
			expectedUsdt:  decimal.NewFromInt(850100),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := defaultPool()

			clamped := pool.ApplyDelta(tt.klojiDelta, tt.usdtDelta)

			assert.Equal(t, tt.expectClamped, clamped)
			assert.True(t, pool.Tokens.Kloji.Balance.Equal(tt.expectedKloji),
				"kloji balance = %s", pool.Tokens.Kloji.Balance)
			assert.True(t, pool.Tokens.Usdt.Balance.Equal(tt.expectedUsdt),
				"usdt balance = %s", pool.Tokens.Usdt.Balance)
		})
	}
}

func TestLiquidityPool_AddVolume(t *testing.T) {
	pool := defaultPool()

	pool.AddVolume(decimal.NewFromInt(100))
	pool.AddVolume(decimal.NewFromFloat(50.5))

	assert.True(t, pool.Statistics.TotalVolume24h.Equal(decimal.NewFromFloat(150.5)))
	assert.Equal(t, int64(2), pool.Statistics.TotalTransactions24h)
}

func TestLiquidityPool_SetKlojiPrice(t *testing.T) {
	pool := defaultPool()

	// 0.85 -> 0.9350 is +10%
	pool.SetKlojiPrice(decimal.NewFromFloat(0.935))

	assert.True(t, pool.Tokens.Kloji.Price.Equal(decimal.NewFromFloat(0.935)))
	assert.True(t, pool.Statistics.PriceChange24h.Round(4).Equal(decimal.NewFromInt(10)),
		"price change = %s", pool.Statistics.PriceChange24h)
	assert.False(t, pool.Statistics.LastPriceUpdate.IsZero())
}

func TestLiquidityPool_ResetDailyStats(t *testing.T) {
	pool := defaultPool()
	pool.AddVolume(decimal.NewFromInt(500))
	pool.SetKlojiPrice(decimal.NewFromFloat(0.9))

	pool.ResetDailyStats()

	assert.True(t, pool.Statistics.TotalVolume24h.IsZero())
	assert.Equal(t, int64(0), pool.Statistics.TotalTransactions24h)
	assert.True(t, pool.Statistics.PriceChange24h.IsZero())
	// price itself survives the reset
	assert.True(t, pool.Tokens.Kloji.Price.Equal(decimal.NewFromFloat(0.9)))
}

func TestLiquidityPool_TotalValue(t *testing.T) {
	pool := defaultPool()

	// 1,000,000 * 0.85 + 850,000 * 1.00
	assert.True(t, pool.TotalValue().Equal(decimal.NewFromInt(1700000)))
}

func TestLiquidityPool_ImpliedKlojiPrice(t *testing.T) {
	pool := defaultPool()
	assert.True(t, pool.ImpliedKlojiPrice().Equal(decimal.NewFromFloat(0.85)))

	pool.Tokens.Kloji.Balance = decimal.Zero
	assert.True(t, pool.ImpliedKlojiPrice().IsZero())
}

func TestLiquidityPool_Maintenance(t *testing.T) {
	pool := defaultPool()

	pool.EnterMaintenance("scheduled upgrade", nil)
	assert.True(t, pool.IsTradingHalted())
	assert.Equal(t, "scheduled upgrade", pool.Maintenance.Reason)
	assert.NotNil(t, pool.Maintenance.StartedAt)

	pool.ExitMaintenance()
	assert.False(t, pool.IsTradingHalted())
	assert.Empty(t, pool.Maintenance.Reason)
}
