// Package curve implements the linear bonding curve used for automated
// market making against project tokens.
//
// The spot price grows linearly with circulating supply:
//
//	price(s) = initialPrice + slope·s/10000        slope = initialPrice·ratioBps
//
// and the cost of a trade is the integral of the price function over the
// supply interval it moves, which yields the quadratic cost below.
//
// All settlement arithmetic is exact integer math on smallest units
// (motes per token). Intermediates use math/big because slope·s² overflows
// int64 for realistic supplies. Division is floor division; fractional
// residue is truncated, so rounding never pays out more than the exact
// curve value. Floating point never enters the costed path — the only
// fractional output, price impact, is a display-facing decimal.
package curve

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// costDivisor folds the ½ from the integral and the bps-to-fraction
// conversion into a single divisor: slope·Δ(s²)/20000.
const costDivisor = 20000

// priceDivisor converts slope (bps-scaled) back to motes in the spot price.
const priceDivisor = 10000

var (
	// ErrInvalidAmount is returned for zero or negative token amounts,
	// or a sell amount exceeding the current supply.
	ErrInvalidAmount = errors.New("curve: token amount must be positive and within supply")

	// ErrInvalidCurveState is returned for parameter combinations that
	// cannot come from a valid curve (corrupted stored state).
	ErrInvalidCurveState = errors.New("curve: invalid curve parameters")

	// ErrBudgetTooSmall is returned when a budget buys less than one
	// whole token at the current price.
	ErrBudgetTooSmall = errors.New("curve: budget too small for one token")

	// ErrOverflow is returned when an exact result does not fit in int64.
	ErrOverflow = errors.New("curve: amount exceeds representable range")
)

func validParams(supply, initialPrice, ratioBps int64) bool {
	return supply >= 0 && initialPrice > 0 && ratioBps >= 0
}

// slope returns initialPrice·ratioBps as a big integer.
func slope(initialPrice, ratioBps int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(initialPrice), big.NewInt(ratioBps))
}

// quadTerm computes slope·(hi²−lo²)/costDivisor with floor division.
func quadTerm(lo, hi int64, initialPrice, ratioBps int64) *big.Int {
	loSq := new(big.Int).Mul(big.NewInt(lo), big.NewInt(lo))
	hiSq := new(big.Int).Mul(big.NewInt(hi), big.NewInt(hi))
	diff := hiSq.Sub(hiSq, loSq)
	diff.Mul(diff, slope(initialPrice, ratioBps))
	return diff.Div(diff, big.NewInt(costDivisor))
}

// BuyCost returns the exact cost in motes to buy amount tokens starting
// from the given supply:
//
//	cost = initialPrice·amount + slope·((s+n)² − s²)/20000
func BuyCost(supply, amount, initialPrice, ratioBps int64) (int64, error) {
	if !validParams(supply, initialPrice, ratioBps) {
		return 0, ErrInvalidCurveState
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	linear := new(big.Int).Mul(big.NewInt(initialPrice), big.NewInt(amount))
	cost := linear.Add(linear, quadTerm(supply, supply+amount, initialPrice, ratioBps))
	if !cost.IsInt64() {
		return 0, ErrOverflow
	}
	return cost.Int64(), nil
}

// SellProceeds returns the exact proceeds in motes for selling amount
// tokens from the given supply: the same integral taken over
// [supply−amount, supply], so a buy immediately followed by a sell of the
// same amount settles at the identical figure — rounding opens no
// arbitrage loop.
func SellProceeds(supply, amount, initialPrice, ratioBps int64) (int64, error) {
	if !validParams(supply, initialPrice, ratioBps) {
		return 0, ErrInvalidCurveState
	}
	if amount <= 0 || amount > supply {
		return 0, ErrInvalidAmount
	}

	linear := new(big.Int).Mul(big.NewInt(initialPrice), big.NewInt(amount))
	proceeds := linear.Add(linear, quadTerm(supply-amount, supply, initialPrice, ratioBps))
	if !proceeds.IsInt64() {
		return 0, ErrOverflow
	}
	return proceeds.Int64(), nil
}

// PriceAt returns the spot price in motes per token at the given supply.
func PriceAt(supply, initialPrice, ratioBps int64) (int64, error) {
	if !validParams(supply, initialPrice, ratioBps) {
		return 0, ErrInvalidCurveState
	}
	p := new(big.Int).Mul(slope(initialPrice, ratioBps), big.NewInt(supply))
	p.Div(p, big.NewInt(priceDivisor))
	p.Add(p, big.NewInt(initialPrice))
	if !p.IsInt64() {
		return 0, ErrOverflow
	}
	return p.Int64(), nil
}

// TokensForBudget returns the largest whole number of tokens purchasable
// with budget motes at the given supply.
//
// Solving cost(n) = budget with the quadratic scaled by 20000 to stay in
// integers:
//
//	slope·n² + (20000·initialPrice + 2·slope·s)·n − 20000·budget = 0
//
// taking the positive root and flooring. Degenerates to linear division
// when the reserve ratio is zero.
func TokensForBudget(budget, supply, initialPrice, ratioBps int64) (int64, error) {
	if !validParams(supply, initialPrice, ratioBps) {
		return 0, ErrInvalidCurveState
	}
	if budget <= 0 {
		return 0, ErrBudgetTooSmall
	}

	if ratioBps == 0 {
		n := budget / initialPrice
		if n <= 0 {
			return 0, ErrBudgetTooSmall
		}
		return n, nil
	}

	a := slope(initialPrice, ratioBps)
	b := new(big.Int).Mul(big.NewInt(costDivisor), big.NewInt(initialPrice))
	twoSlopeS := new(big.Int).Mul(a, big.NewInt(2*supply))
	b.Add(b, twoSlopeS)

	// disc = b² + 4·a·20000·budget  (c is negative, so −4ac is additive)
	disc := new(big.Int).Mul(b, b)
	fourAC := new(big.Int).Mul(a, big.NewInt(costDivisor))
	fourAC.Mul(fourAC, big.NewInt(budget))
	fourAC.Mul(fourAC, big.NewInt(4))
	disc.Add(disc, fourAC)
	if disc.Sign() < 0 {
		return 0, ErrInvalidCurveState
	}

	root := new(big.Int).Sqrt(disc)
	num := root.Sub(root, b)
	den := new(big.Int).Lsh(a, 1) // 2a
	n := num.Div(num, den)
	if n.Sign() <= 0 {
		return 0, ErrBudgetTooSmall
	}
	if !n.IsInt64() {
		return 0, ErrOverflow
	}
	return n.Int64(), nil
}

// PriceImpact returns the percentage deviation of the effective execution
// price from the current spot price, for display and slippage checks:
//
//	impact = (costOrProceeds/amount − currentPrice) / currentPrice × 100
//
// Display-only derived value; never feeds back into settled amounts.
func PriceImpact(currentPrice, costOrProceeds, amount int64) decimal.Decimal {
	if currentPrice == 0 || amount == 0 {
		return decimal.Zero
	}
	execPrice := decimal.NewFromInt(costOrProceeds).Div(decimal.NewFromInt(amount))
	cur := decimal.NewFromInt(currentPrice)
	return execPrice.Sub(cur).Div(cur).Mul(decimal.NewFromInt(100)).Round(6)
}
