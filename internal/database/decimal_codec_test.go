package database

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"exchange-api/internal/models"
)

func roundTrip(t *testing.T, in, out interface{}) {
	t.Helper()
	registry := Registry()
	data, err := bson.MarshalWithRegistry(registry, in)
	require.NoError(t, err)
	require.NoError(t, bson.UnmarshalWithRegistry(registry, data, out))
}

func TestRegistry_PoolRoundTrip(t *testing.T) {
	pool := models.NewLiquidityPool(models.PoolDefaults{
		KlojiBalance: decimal.NewFromInt(1000000),
		KlojiPrice:   decimal.NewFromFloat(0.85),
		UsdtBalance:  decimal.NewFromInt(850000),
		NetworkFee:   decimal.NewFromFloat(0.5),
		TradingFee:   decimal.NewFromFloat(0.001),
	})
	pool.AddVolume(decimal.RequireFromString("1234.567890123"))

	var decoded models.LiquidityPool
	roundTrip(t, pool, &decoded)

	assert.True(t, decoded.Tokens.Kloji.Balance.Equal(decimal.NewFromInt(1000000)),
		"kloji balance = %s", decoded.Tokens.Kloji.Balance)
	assert.True(t, decoded.Tokens.Kloji.Price.Equal(decimal.NewFromFloat(0.85)))
	assert.True(t, decoded.Tokens.Usdt.Balance.Equal(decimal.NewFromInt(850000)))
	assert.True(t, decoded.Fees.NetworkFee.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, decoded.Fees.TradingFee.Equal(decimal.NewFromFloat(0.001)))
	assert.True(t, decoded.Statistics.TotalVolume24h.Equal(decimal.RequireFromString("1234.567890123")))
}

func TestRegistry_PortfolioRoundTrip(t *testing.T) {
	portfolio := models.NewPortfolio(42, decimal.NewFromInt(1000))
	// a settled buy leaves a long fraction, the hard case for the codec
	kloji := decimal.RequireFromString("117.51911539265639")
	require.False(t, portfolio.ApplyDelta(kloji, decimal.NewFromFloat(-100.6), decimal.NewFromFloat(0.85)))

	var decoded models.Portfolio
	roundTrip(t, portfolio, &decoded)

	assert.True(t, decoded.Balances.Kloji.Equal(kloji),
		"kloji balance = %s", decoded.Balances.Kloji)
	assert.True(t, decoded.Balances.Usdt.Equal(decimal.NewFromFloat(899.4)))
	assert.True(t, decoded.TotalValue.USDT.Equal(portfolio.TotalValue.USDT))
}

func TestRegistry_TransactionRoundTrip(t *testing.T) {
	record := models.NewTransaction(7, models.TransactionTypeBuy, models.TokenKLOJI,
		decimal.RequireFromString("117.51911539265639"),
		decimal.RequireFromString("0.85092645805"),
		decimal.NewFromFloat(0.5),
		decimal.NewFromFloat(0.1))
	record.MarkCompleted()
	record.AttachSettlement(models.SettlementInfo{
		TransactionHash: "0xabc",
		BlockNumber:     123,
		GasUsed:         21000,
		GasPrice:        decimal.NewFromInt(17),
	})

	var decoded models.Transaction
	roundTrip(t, record, &decoded)

	assert.True(t, decoded.Amount.Equal(record.Amount), "amount = %s", decoded.Amount)
	assert.True(t, decoded.Price.Equal(record.Price))
	assert.True(t, decoded.TotalValue.Equal(record.TotalValue))
	assert.True(t, decoded.NetworkFee.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, decoded.TradingFee.Equal(decimal.NewFromFloat(0.1)))
	require.NotNil(t, decoded.Settlement)
	assert.True(t, decoded.Settlement.GasPrice.Equal(decimal.NewFromInt(17)))

	// the stored record must still pass journal validation after a reload
	assert.NoError(t, decoded.Validate())
}

func TestRegistry_DecodesLegacyForms(t *testing.T) {
	registry := Registry()
	doc := bson.M{
		"string": "12.34",
		"double": 2.5,
		"int":    int64(7),
	}
	data, err := bson.MarshalWithRegistry(registry, doc)
	require.NoError(t, err)

	var decoded struct {
		String decimal.Decimal `bson:"string"`
		Double decimal.Decimal `bson:"double"`
		Int    decimal.Decimal `bson:"int"`
	}
	require.NoError(t, bson.UnmarshalWithRegistry(registry, data, &decoded))

	assert.True(t, decoded.String.Equal(decimal.RequireFromString("12.34")))
	assert.True(t, decoded.Double.Equal(decimal.NewFromFloat(2.5)))
	assert.True(t, decoded.Int.Equal(decimal.NewFromInt(7)))
}
