package orderbook

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mertksk/casper-ignite-sub001/internal/model"
	"github.com/mertksk/casper-ignite-sub001/internal/store"
)

func newTestMatcher() (*Matcher, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	return NewMatcher(ms), ms
}

func place(t *testing.T, m *Matcher, project, wallet string, side model.Side, amount, price int64) *model.Order {
	t.Helper()
	o, _, err := m.CreateOrder(context.Background(), project, wallet, side, amount, price)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestCreateOrder_RestsWhenBookEmpty(t *testing.T) {
	m, _ := newTestMatcher()

	o, fills, err := m.CreateOrder(context.Background(), "proj1", "w1", model.SideBuy, 100, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("expected no fills on empty book, got %d", len(fills))
	}
	if o.Status != model.OrderOpen || o.Filled != 0 {
		t.Errorf("expected resting OPEN order, got %s filled=%d", o.Status, o.Filled)
	}
}

func TestCreateOrder_PartialFillAtMakerPrice(t *testing.T) {
	// BUY 100 @ 10 against resting SELL 60 @ 8:
	// one trade of 60 at price 8, buy left PARTIAL with filled=60.
	m, _ := newTestMatcher()
	ctx := context.Background()

	sell := place(t, m, "proj1", "maker", model.SideSell, 60, 8)
	buy, fills, err := m.CreateOrder(ctx, "proj1", "taker", model.SideBuy, 100, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if fills[0].TokenAmount != 60 {
		t.Errorf("expected fill of 60, got %d", fills[0].TokenAmount)
	}
	if fills[0].PriceBefore != 8 || fills[0].CostOrProceeds != 60*8 {
		t.Errorf("fill must settle at maker price 8, got price=%d cost=%d",
			fills[0].PriceBefore, fills[0].CostOrProceeds)
	}
	if buy.Status != model.OrderPartial || buy.Filled != 60 {
		t.Errorf("expected PARTIAL filled=60, got %s filled=%d", buy.Status, buy.Filled)
	}

	updated, err := m.store.GetOrder(ctx, sell.ID)
	if err != nil {
		t.Fatalf("get maker: %v", err)
	}
	if updated.Status != model.OrderFilled || updated.Filled != 60 {
		t.Errorf("maker should be FILLED, got %s filled=%d", updated.Status, updated.Filled)
	}
}

func TestCreateOrder_PriceTimePriority(t *testing.T) {
	m, ms := newTestMatcher()
	ctx := context.Background()

	first := place(t, m, "proj1", "m1", model.SideSell, 50, 9)
	time.Sleep(2 * time.Millisecond) // distinct createdAt for the tie-break
	second := place(t, m, "proj1", "m2", model.SideSell, 50, 9)
	cheap := place(t, m, "proj1", "m3", model.SideSell, 50, 7)

	_, fills, err := m.CreateOrder(ctx, "proj1", "taker", model.SideBuy, 120, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(fills))
	}

	// Best (lowest) price first, then earliest at the shared level.
	if fills[0].PriceBefore != 7 {
		t.Errorf("first fill should hit price 7, got %d", fills[0].PriceBefore)
	}
	if fills[1].PriceBefore != 9 || fills[2].PriceBefore != 9 {
		t.Errorf("later fills should hit price 9, got %d and %d",
			fills[1].PriceBefore, fills[2].PriceBefore)
	}

	cheapAfter, _ := ms.GetOrder(ctx, cheap.ID)
	firstAfter, _ := ms.GetOrder(ctx, first.ID)
	secondAfter, _ := ms.GetOrder(ctx, second.ID)
	if cheapAfter.Status != model.OrderFilled {
		t.Error("cheapest maker should be fully filled")
	}
	if firstAfter.Status != model.OrderFilled {
		t.Error("earlier maker at 9 should fill before the later one")
	}
	if secondAfter.Filled != 20 || secondAfter.Status != model.OrderPartial {
		t.Errorf("later maker should be PARTIAL filled=20, got %s filled=%d",
			secondAfter.Status, secondAfter.Filled)
	}
}

func TestCreateOrder_SellMatchesHighestBidFirst(t *testing.T) {
	m, _ := newTestMatcher()
	ctx := context.Background()

	place(t, m, "proj1", "b1", model.SideBuy, 40, 12)
	place(t, m, "proj1", "b2", model.SideBuy, 40, 15)

	_, fills, err := m.CreateOrder(ctx, "proj1", "seller", model.SideSell, 60, 11)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if fills[0].PriceBefore != 15 {
		t.Errorf("sell should hit highest bid 15 first, got %d", fills[0].PriceBefore)
	}
	if fills[1].PriceBefore != 12 || fills[1].TokenAmount != 20 {
		t.Errorf("second fill should be 20 at 12, got %d at %d",
			fills[1].TokenAmount, fills[1].PriceBefore)
	}
}

func TestCreateOrder_NoCrossNoFill(t *testing.T) {
	m, _ := newTestMatcher()

	place(t, m, "proj1", "maker", model.SideSell, 50, 20)
	buy, fills, err := m.CreateOrder(context.Background(), "proj1", "taker", model.SideBuy, 50, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fills) != 0 || buy.Status != model.OrderOpen {
		t.Errorf("non-crossing orders must not fill: fills=%d status=%s", len(fills), buy.Status)
	}
}

func TestCreateOrder_OtherProjectsUntouched(t *testing.T) {
	m, ms := newTestMatcher()
	ctx := context.Background()

	other := place(t, m, "proj2", "maker", model.SideSell, 60, 8)
	_, fills, err := m.CreateOrder(ctx, "proj1", "taker", model.SideBuy, 100, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("cross-project match must not happen, got %d fills", len(fills))
	}
	untouched, _ := ms.GetOrder(ctx, other.ID)
	if untouched.Filled != 0 || untouched.Status != model.OrderOpen {
		t.Errorf("other project's book changed: %s filled=%d", untouched.Status, untouched.Filled)
	}
}

func TestCreateOrder_Invalid(t *testing.T) {
	m, _ := newTestMatcher()
	ctx := context.Background()

	cases := []struct {
		wallet string
		side   model.Side
		amount int64
		price  int64
	}{
		{"w", model.SideBuy, 0, 10},
		{"w", model.SideBuy, -5, 10},
		{"w", model.SideBuy, 10, 0},
		{"w", "HOLD", 10, 10},
		{"", model.SideBuy, 10, 10},
	}
	for _, c := range cases {
		if _, _, err := m.CreateOrder(ctx, "proj1", c.wallet, c.side, c.amount, c.price); err != ErrInvalidOrder {
			t.Errorf("wallet=%q side=%s amount=%d price=%d: expected ErrInvalidOrder, got %v",
				c.wallet, c.side, c.amount, c.price, err)
		}
	}
}

func TestCancelOrder_FreezesFill(t *testing.T) {
	m, _ := newTestMatcher()
	ctx := context.Background()

	place(t, m, "proj1", "maker", model.SideSell, 30, 8)
	buy, _, err := m.CreateOrder(ctx, "proj1", "taker", model.SideBuy, 100, 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := m.CancelOrder(ctx, buy.ID, "taker")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.OrderCancelled || cancelled.Filled != 30 {
		t.Errorf("expected CANCELLED with frozen filled=30, got %s filled=%d",
			cancelled.Status, cancelled.Filled)
	}

	// Terminal: cancelling again fails.
	if _, err := m.CancelOrder(ctx, buy.ID, "taker"); err != ErrNotCancellable {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}

	// Cancelled order no longer matches.
	_, fills, err := m.CreateOrder(ctx, "proj1", "seller", model.SideSell, 50, 5)
	if err != nil {
		t.Fatalf("post-cancel sell: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("cancelled order matched: %d fills", len(fills))
	}
}

func TestCancelOrder_WrongWallet(t *testing.T) {
	m, _ := newTestMatcher()

	o := place(t, m, "proj1", "owner", model.SideBuy, 10, 10)
	if _, err := m.CancelOrder(context.Background(), o.ID, "intruder"); err != ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestSnapshot_SortedWithSpreadAndMid(t *testing.T) {
	m, _ := newTestMatcher()
	ctx := context.Background()

	place(t, m, "proj1", "b1", model.SideBuy, 10, 8)
	place(t, m, "proj1", "b2", model.SideBuy, 10, 9)
	place(t, m, "proj1", "s1", model.SideSell, 10, 14)
	place(t, m, "proj1", "s2", model.SideSell, 10, 12)

	snap, err := m.Snapshot(ctx, "proj1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if snap.BuyOrders[0].Price != 9 || snap.BuyOrders[1].Price != 8 {
		t.Errorf("bids should be descending, got %d,%d", snap.BuyOrders[0].Price, snap.BuyOrders[1].Price)
	}
	if snap.SellOrders[0].Price != 12 || snap.SellOrders[1].Price != 14 {
		t.Errorf("asks should be ascending, got %d,%d", snap.SellOrders[0].Price, snap.SellOrders[1].Price)
	}
	if snap.Spread == nil || *snap.Spread != 3 {
		t.Errorf("expected spread 3, got %v", snap.Spread)
	}
	if snap.MidPrice == nil || !snap.MidPrice.Equal(decimal.NewFromFloat(10.5)) {
		t.Errorf("expected mid 10.5, got %v", snap.MidPrice)
	}
}

func TestSnapshot_OneSidedHasNoSpread(t *testing.T) {
	m, _ := newTestMatcher()

	place(t, m, "proj1", "b1", model.SideBuy, 10, 8)
	snap, err := m.Snapshot(context.Background(), "proj1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Spread != nil || snap.MidPrice != nil {
		t.Error("one-sided book must not report spread or mid")
	}
}
