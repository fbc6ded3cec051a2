// Package orderbook maintains per-project limit order books alongside the
// instant curve, matching with price-time priority and filling at the
// maker's price.
package orderbook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mertksk/casper-ignite-sub001/internal/metrics"
	"github.com/mertksk/casper-ignite-sub001/internal/model"
	"github.com/mertksk/casper-ignite-sub001/internal/store"
)

var (
	// ErrInvalidOrder is returned for non-positive price/amount, a bad
	// side, or a missing wallet.
	ErrInvalidOrder = errors.New("orderbook: invalid order")

	// ErrNotCancellable is returned when cancelling an order that is
	// already FILLED or CANCELLED.
	ErrNotCancellable = errors.New("orderbook: order is terminal")

	// ErrNotOwner is returned when a wallet tries to cancel another
	// wallet's order.
	ErrNotOwner = errors.New("orderbook: order belongs to another wallet")
)

// Snapshot is one project's visible book: bids best-first (descending
// price), asks best-first (ascending price). Spread and mid are present
// only when both sides are non-empty.
type Snapshot struct {
	BuyOrders  []model.Order    `json:"buy_orders"`
	SellOrders []model.Order    `json:"sell_orders"`
	Spread     *int64           `json:"spread,omitempty"`
	MidPrice   *decimal.Decimal `json:"mid_price,omitempty"`
}

// Matcher is the order matching engine. It exclusively owns the Order
// lifecycle; matching for one project is serialized so fills never race.
type Matcher struct {
	store store.Store
	mu    sync.Mutex
}

// NewMatcher creates a matching engine over the given store.
func NewMatcher(st store.Store) *Matcher {
	return &Matcher{store: st}
}

// CreateOrder inserts a new limit order and immediately matches it against
// the opposite side. Each fill consumes min(remaining taker, remaining
// maker) at the maker's price and produces an immutable Trade. Any
// unfilled remainder rests on the book.
func (m *Matcher) CreateOrder(ctx context.Context, projectID, wallet string, side model.Side, amount, price int64) (*model.Order, []model.Trade, error) {
	if !side.Valid() || amount <= 0 || price <= 0 || wallet == "" {
		return nil, nil, ErrInvalidOrder
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	taker := &model.Order{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Wallet:    wallet,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Filled:    0,
		Status:    model.OrderOpen,
		CreatedAt: time.Now().UTC(),
	}

	makers, err := m.eligibleMakers(ctx, taker)
	if err != nil {
		return nil, nil, err
	}

	var fills []model.Trade
	for _, maker := range makers {
		if taker.Remaining() == 0 {
			break
		}
		qty := min64(taker.Remaining(), maker.Remaining())

		trade := model.Trade{
			ID:             uuid.New().String(),
			ProjectID:      projectID,
			Wallet:         wallet,
			Side:           side,
			Source:         model.SourceBook,
			TokenAmount:    qty,
			CostOrProceeds: qty * maker.Price, // maker's price wins
			PriceBefore:    maker.Price,
			PriceAfter:     maker.Price,
			CreatedAt:      time.Now().UTC(),
		}
		if err := m.store.InsertTrade(ctx, &trade); err != nil {
			return nil, fills, err
		}

		maker.Filled += qty
		if err := m.store.UpdateOrderFill(ctx, maker.ID, maker.Filled, fillStatus(&maker)); err != nil {
			return nil, fills, err
		}

		taker.Filled += qty
		fills = append(fills, trade)
		metrics.OrderFills.Inc()
		metrics.TradesTotal.WithLabelValues(string(side), string(model.SourceBook)).Inc()
	}

	taker.Status = fillStatus(taker)
	if err := m.store.CreateOrder(ctx, taker); err != nil {
		return nil, fills, err
	}
	return taker, fills, nil
}

// eligibleMakers returns the opposite side filtered by price compatibility
// and ordered by price-time priority: best price first, earliest first
// within a price level.
func (m *Matcher) eligibleMakers(ctx context.Context, taker *model.Order) ([]model.Order, error) {
	opposite := model.SideSell
	if taker.Side == model.SideSell {
		opposite = model.SideBuy
	}

	resting, err := m.store.ListOpenOrders(ctx, taker.ProjectID, opposite)
	if err != nil {
		return nil, err
	}

	var makers []model.Order
	for _, o := range resting {
		if taker.Side == model.SideBuy && o.Price <= taker.Price {
			makers = append(makers, o)
		}
		if taker.Side == model.SideSell && o.Price >= taker.Price {
			makers = append(makers, o)
		}
	}

	sort.SliceStable(makers, func(i, j int) bool {
		if makers[i].Price != makers[j].Price {
			if taker.Side == model.SideBuy {
				return makers[i].Price < makers[j].Price // cheapest sell first
			}
			return makers[i].Price > makers[j].Price // highest buy first
		}
		return makers[i].CreatedAt.Before(makers[j].CreatedAt)
	})
	return makers, nil
}

// CancelOrder transitions an OPEN/PARTIAL order to CANCELLED. The filled
// amount is frozen; CANCELLED is terminal.
func (m *Matcher) CancelOrder(ctx context.Context, orderID, wallet string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Wallet != wallet {
		return nil, ErrNotOwner
	}
	if o.Status == model.OrderFilled || o.Status == model.OrderCancelled {
		return nil, ErrNotCancellable
	}

	if err := m.store.UpdateOrderFill(ctx, o.ID, o.Filled, model.OrderCancelled); err != nil {
		return nil, err
	}
	o.Status = model.OrderCancelled
	return o, nil
}

// Snapshot returns the project's current book.
func (m *Matcher) Snapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	bids, err := m.store.ListOpenOrders(ctx, projectID, model.SideBuy)
	if err != nil {
		return nil, err
	}
	asks, err := m.store.ListOpenOrders(ctx, projectID, model.SideSell)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Price != bids[j].Price {
			return bids[i].Price > bids[j].Price
		}
		return bids[i].CreatedAt.Before(bids[j].CreatedAt)
	})
	sort.SliceStable(asks, func(i, j int) bool {
		if asks[i].Price != asks[j].Price {
			return asks[i].Price < asks[j].Price
		}
		return asks[i].CreatedAt.Before(asks[j].CreatedAt)
	})

	snap := &Snapshot{BuyOrders: bids, SellOrders: asks}
	if len(bids) > 0 && len(asks) > 0 {
		spread := asks[0].Price - bids[0].Price
		mid := decimal.NewFromInt(asks[0].Price).
			Add(decimal.NewFromInt(bids[0].Price)).
			Div(decimal.NewFromInt(2))
		snap.Spread = &spread
		snap.MidPrice = &mid
	}
	return snap, nil
}

func fillStatus(o *model.Order) model.OrderStatus {
	switch {
	case o.Filled == o.Amount:
		return model.OrderFilled
	case o.Filled > 0:
		return model.OrderPartial
	default:
		return model.OrderOpen
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
