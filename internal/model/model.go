// Package model defines the core domain types shared across the curve engine.
// All settlement amounts are int64 smallest units (motes for the ledger
// asset, smallest token unit for project tokens) — never float64 for money.
package model

import "time"

// Side is the direction of a trade or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderStatus is the lifecycle state of a limit order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// TradeSource distinguishes instant curve trades from order-book fills.
type TradeSource string

const (
	SourceCurve TradeSource = "CURVE"
	SourceBook  TradeSource = "BOOK"
)

// BondingCurve is the authoritative off-chain curve state for one project.
// Price is always derived from TotalSupply and the curve parameters; it is
// never stored independently, so it cannot drift.
type BondingCurve struct {
	ProjectID       string    `json:"project_id" db:"project_id"`
	TotalSupply     int64     `json:"total_supply" db:"total_supply"`
	InitialPrice    int64     `json:"initial_price" db:"initial_price"`         // motes per token at supply 0
	ReserveRatioBps int64     `json:"reserve_ratio_bps" db:"reserve_ratio_bps"` // slope, basis points
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Trade is an immutable record of an executed trade. Curve trades are
// created only after ledger confirmation succeeds; book trades at match time.
type Trade struct {
	ID             string      `json:"id" db:"id"`
	ProjectID      string      `json:"project_id" db:"project_id"`
	Wallet         string      `json:"wallet" db:"wallet"`
	Side           Side        `json:"side" db:"side"`
	Source         TradeSource `json:"source" db:"source"`
	TokenAmount    int64       `json:"token_amount" db:"token_amount"`
	CostOrProceeds int64       `json:"cost_or_proceeds" db:"cost_or_proceeds"`
	PriceBefore    int64       `json:"price_before" db:"price_before"`
	PriceAfter     int64       `json:"price_after" db:"price_after"`
	LedgerTxHash   string      `json:"ledger_tx_hash,omitempty" db:"ledger_tx_hash"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// PricePoint is one append-only price-history sample, recorded per
// committed trade.
type PricePoint struct {
	ProjectID string    `json:"project_id" db:"project_id"`
	Price     int64     `json:"price" db:"price"`
	Supply    int64     `json:"supply" db:"supply"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Order is a resting limit order.
type Order struct {
	ID        string      `json:"id" db:"id"`
	ProjectID string      `json:"project_id" db:"project_id"`
	Wallet    string      `json:"wallet" db:"wallet"`
	Side      Side        `json:"side" db:"side"`
	Price     int64       `json:"price" db:"price"` // motes per token
	Amount    int64       `json:"amount" db:"amount"`
	Filled    int64       `json:"filled" db:"filled"`
	Status    OrderStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Amount - o.Filled }

// RollbackLog is the append-only evidence trail for every compensation.
type RollbackLog struct {
	ID             string    `json:"id" db:"id"`
	ProjectID      string    `json:"project_id" db:"project_id"`
	TokenAmount    int64     `json:"token_amount" db:"token_amount"`
	AmountReversed int64     `json:"amount_reversed" db:"amount_reversed"` // signed supply delta applied
	LedgerTxHash   string    `json:"ledger_tx_hash,omitempty" db:"ledger_tx_hash"`
	Reason         string    `json:"reason" db:"reason"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// CriticalAlert is raised when a rollback itself fails and the curve state
// can no longer self-heal. Consumed by external monitoring.
type CriticalAlert struct {
	ID        string    `json:"id" db:"id"`
	Resolved  bool      `json:"resolved" db:"resolved"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
