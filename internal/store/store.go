// Package store defines the persistence interface for curve state, trades,
// orders, and the rollback evidence trail. Implementations include
// PostgreSQL (source of truth), Redis (read-through cache), and in-memory
// (for testing).
package store

import (
	"context"
	"errors"

	"github.com/mertksk/casper-ignite-sub001/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("store: already exists")

	// ErrSupplyConflict is returned when a compare-and-swap supply update
	// loses the race: the stored supply no longer matches the expected
	// value the caller computed against.
	ErrSupplyConflict = errors.New("store: supply changed concurrently")

	// ErrNegativeSupply is returned when an adjustment would take the
	// curve supply below zero.
	ErrNegativeSupply = errors.New("store: adjustment would make supply negative")
)

// Store owns all persisted state. PostgreSQL is the source of truth;
// the curve supply write path is a conditional update so the database,
// not in-process locking, is the final arbiter under concurrency.
type Store interface {
	// --- Bonding curves ---

	// CreateCurve persists a new curve. ErrDuplicate if the project
	// already has one.
	CreateCurve(ctx context.Context, c *model.BondingCurve) error

	// GetCurve retrieves the curve for a project.
	GetCurve(ctx context.Context, projectID string) (*model.BondingCurve, error)

	// ListCurves returns all curves.
	ListCurves(ctx context.Context) ([]model.BondingCurve, error)

	// UpdateSupply compare-and-swaps totalSupply from expected to updated.
	// ErrSupplyConflict if the stored value is no longer expected.
	UpdateSupply(ctx context.Context, projectID string, expected, updated int64) error

	// AdjustSupply applies a signed delta to totalSupply, refusing to go
	// negative. Used only by the rollback path.
	AdjustSupply(ctx context.Context, projectID string, delta int64) error

	// --- Immutable trade records ---

	InsertTrade(ctx context.Context, t *model.Trade) error
	ListTradesByProject(ctx context.Context, projectID string) ([]model.Trade, error)

	// --- Price history (append-only) ---

	InsertPricePoint(ctx context.Context, p *model.PricePoint) error
	ListPriceHistory(ctx context.Context, projectID string) ([]model.PricePoint, error)

	// --- Rollback evidence ---

	InsertRollbackLog(ctx context.Context, r *model.RollbackLog) error
	ListRollbackLogs(ctx context.Context, projectID string) ([]model.RollbackLog, error)

	// --- Critical alerts ---

	InsertCriticalAlert(ctx context.Context, a *model.CriticalAlert) error
	ListUnresolvedAlerts(ctx context.Context) ([]model.CriticalAlert, error)
	ResolveAlert(ctx context.Context, id string) error

	// --- Limit orders ---

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// UpdateOrderFill sets the filled amount and status of an order.
	UpdateOrderFill(ctx context.Context, id string, filled int64, status model.OrderStatus) error

	// ListOpenOrders returns OPEN/PARTIAL orders for one side of a
	// project's book, oldest first.
	ListOpenOrders(ctx context.Context, projectID string, side model.Side) ([]model.Order, error)

	ListOrdersByProject(ctx context.Context, projectID string) ([]model.Order, error)
}
