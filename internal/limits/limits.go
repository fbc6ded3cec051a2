// Package limits enforces notional exposure limits on curve trades.
//
// A wallet hammering one project's curve can move the price far enough to
// strand later sellers, so trades are bounded both per execution and by the
// wallet's running notional against the project.
package limits

import "errors"

var (
	// ErrTradeNotionalExceeded is returned when a single trade's cost or
	// proceeds exceeds the per-trade maximum.
	ErrTradeNotionalExceeded = errors.New("limits: trade notional exceeds per-trade maximum")

	// ErrWalletNotionalExceeded is returned when a trade would push the
	// wallet's aggregate notional against the project beyond the maximum.
	ErrWalletNotionalExceeded = errors.New("limits: wallet notional limit exceeded for project")
)

// Limiter holds the configured maxima in motes. Zero values disable the
// corresponding check.
type Limiter struct {
	// MaxTradeNotional is the largest cost/proceeds a single trade may
	// settle.
	MaxTradeNotional int64

	// MaxWalletNotional is the largest aggregate notional one wallet may
	// accumulate against one project.
	MaxWalletNotional int64
}

// NewLimiter creates a limiter with the given per-trade and per-wallet
// notional maxima.
func NewLimiter(maxTradeNotional, maxWalletNotional int64) *Limiter {
	return &Limiter{
		MaxTradeNotional:  maxTradeNotional,
		MaxWalletNotional: maxWalletNotional,
	}
}

// CheckTrade validates a trade of the given notional for a wallet whose
// existing aggregate notional against the project is walletNotional.
// Returns nil if the trade is within limits.
func (l *Limiter) CheckTrade(tradeNotional, walletNotional int64) error {
	if l.MaxTradeNotional > 0 && tradeNotional > l.MaxTradeNotional {
		return ErrTradeNotionalExceeded
	}
	if l.MaxWalletNotional > 0 && walletNotional+tradeNotional > l.MaxWalletNotional {
		return ErrWalletNotionalExceeded
	}
	return nil
}
