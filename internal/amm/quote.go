package amm

import (
	"errors"

	"github.com/shopspring/decimal"

	"exchange-api/internal/models"
)

// Quote engine for the KLOJI/USDT constant-product pool. Everything here is
// pure: same reserves and input always produce the same quote, and nothing is
// mutated. Settlement is the trade engine's job.

var (
	// ErrNonPositiveAmount is returned for zero or negative input amounts
	ErrNonPositiveAmount = errors.New("swap amount must be positive")

	// ErrUnknownToken is returned when the input token is not in the pair
	ErrUnknownToken = errors.New("unknown input token")

	// ErrNoLiquidity is returned when a reserve balance or price is not positive
	ErrNoLiquidity = errors.New("pool has no usable liquidity")

	// ErrDrainsPool is returned when a swap would empty the output reserve
	ErrDrainsPool = errors.New("swap would drain the pool")
)

var (
	hundred        = decimal.NewFromInt(100)
	slippageFactor = decimal.NewFromFloat(0.995)
)

// Reserves is an immutable snapshot of the pool state a quote is priced from
type Reserves struct {
	KlojiBalance   decimal.Decimal
	KlojiPrice     decimal.Decimal
	UsdtBalance    decimal.Decimal
	UsdtPrice      decimal.Decimal
	TradingFeeRate decimal.Decimal
}

// ReservesFromPool snapshots the quoting inputs from a pool document
func ReservesFromPool(pool *models.LiquidityPool) Reserves {
	return Reserves{
		KlojiBalance:   pool.Tokens.Kloji.Balance,
		KlojiPrice:     pool.Tokens.Kloji.Price,
		UsdtBalance:    pool.Tokens.Usdt.Balance,
		UsdtPrice:      pool.Tokens.Usdt.Price,
		TradingFeeRate: pool.Fees.TradingFee,
	}
}

// SwapQuote is the priced outcome of a proposed swap. OutputAmount is the raw
// constant-product output; NetOutput is what the user receives after the
// trading fee. TradingFee is always denominated in USDT.
type SwapQuote struct {
	InputToken   string
	InputAmount  decimal.Decimal
	OutputToken  string
	OutputAmount decimal.Decimal
	NetOutput    decimal.Decimal
	TradingFee   decimal.Decimal
}

// Quote prices a swap against the reserves using the constant product
// invariant k = klojiBalance * usdtBalance.
func Quote(r Reserves, inputToken string, amount decimal.Decimal) (*SwapQuote, error) {
	if !amount.GreaterThan(decimal.Zero) {
		return nil, ErrNonPositiveAmount
	}

	if !r.KlojiBalance.GreaterThan(decimal.Zero) || !r.UsdtBalance.GreaterThan(decimal.Zero) ||
		!r.KlojiPrice.GreaterThan(decimal.Zero) || !r.UsdtPrice.GreaterThan(decimal.Zero) {
		return nil, ErrNoLiquidity
	}

	k := r.KlojiBalance.Mul(r.UsdtBalance)

	var balanceIn, balanceOut decimal.Decimal
	var outputToken string

	switch inputToken {
	case models.TokenUSDT:
		balanceIn, balanceOut = r.UsdtBalance, r.KlojiBalance
		outputToken = models.TokenKLOJI
	case models.TokenKLOJI:
		balanceIn, balanceOut = r.KlojiBalance, r.UsdtBalance
		outputToken = models.TokenUSDT
	default:
		return nil, ErrUnknownToken
	}

	newBalanceIn := balanceIn.Add(amount)
	newBalanceOut := k.Div(newBalanceIn)
	if !newBalanceOut.GreaterThan(decimal.Zero) {
		return nil, ErrDrainsPool
	}

	rawOutput := balanceOut.Sub(newBalanceOut)
	if !rawOutput.GreaterThan(decimal.Zero) {
		return nil, ErrDrainsPool
	}

	var tradingFee, netOutput decimal.Decimal
	if inputToken == models.TokenUSDT {
		// fee charged on the USDT paid in, output reduced proportionally
		tradingFee = amount.Mul(r.TradingFeeRate)
		netOutput = rawOutput.Mul(decimal.NewFromInt(1).Sub(r.TradingFeeRate))
	} else {
		// fee charged on the USDT value of the KLOJI sold
		tradingFee = amount.Mul(r.KlojiPrice).Mul(r.TradingFeeRate)
		netOutput = rawOutput.Sub(tradingFee)
	}

	if netOutput.LessThan(decimal.Zero) {
		return nil, ErrDrainsPool
	}

	return &SwapQuote{
		InputToken:   inputToken,
		InputAmount:  amount,
		OutputToken:  outputToken,
		OutputAmount: rawOutput,
		NetOutput:    netOutput,
		TradingFee:   tradingFee,
	}, nil
}

// PriceImpact returns the percentage of the pool's total value the input
// consumes. The input is re-denominated to USDT before comparing, so a KLOJI
// sell and a USDT buy of the same value report the same impact.
func PriceImpact(r Reserves, inputToken string, amount decimal.Decimal) decimal.Decimal {
	totalValue := r.KlojiBalance.Mul(r.KlojiPrice).Add(r.UsdtBalance.Mul(r.UsdtPrice))
	if !totalValue.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}

	inputValue := amount
	if inputToken == models.TokenKLOJI {
		inputValue = amount.Mul(r.KlojiPrice)
	}

	return inputValue.Div(totalValue).Mul(hundred)
}

// MinimumReceived applies the 0.5% slippage floor to a quoted output
func MinimumReceived(output decimal.Decimal) decimal.Decimal {
	return output.Mul(slippageFactor)
}
