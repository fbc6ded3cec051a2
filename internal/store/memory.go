package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mertksk/casper-ignite-sub001/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	curves    map[string]*model.BondingCurve
	trades    []model.Trade
	history   []model.PricePoint
	rollbacks []model.RollbackLog
	alerts    map[string]*model.CriticalAlert
	orders    map[string]*model.Order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		curves: make(map[string]*model.BondingCurve),
		alerts: make(map[string]*model.CriticalAlert),
		orders: make(map[string]*model.Order),
	}
}

// --- Bonding curves ---

func (s *MemoryStore) CreateCurve(_ context.Context, c *model.BondingCurve) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.curves[c.ProjectID]; ok {
		return fmt.Errorf("%w: curve for project %s", ErrDuplicate, c.ProjectID)
	}
	cp := *c
	s.curves[c.ProjectID] = &cp
	return nil
}

func (s *MemoryStore) GetCurve(_ context.Context, projectID string) (*model.BondingCurve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.curves[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: curve for project %s", ErrNotFound, projectID)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCurves(_ context.Context) ([]model.BondingCurve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	curves := make([]model.BondingCurve, 0, len(s.curves))
	for _, c := range s.curves {
		curves = append(curves, *c)
	}
	return curves, nil
}

func (s *MemoryStore) UpdateSupply(_ context.Context, projectID string, expected, updated int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.curves[projectID]
	if !ok {
		return fmt.Errorf("%w: curve for project %s", ErrNotFound, projectID)
	}
	if c.TotalSupply != expected {
		return fmt.Errorf("%w: project %s expected supply %d", ErrSupplyConflict, projectID, expected)
	}
	c.TotalSupply = updated
	return nil
}

func (s *MemoryStore) AdjustSupply(_ context.Context, projectID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.curves[projectID]
	if !ok {
		return fmt.Errorf("%w: curve for project %s", ErrNotFound, projectID)
	}
	if c.TotalSupply+delta < 0 {
		return fmt.Errorf("%w: project %s delta %d", ErrNegativeSupply, projectID, delta)
	}
	c.TotalSupply += delta
	return nil
}

// --- Trades ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByProject(_ context.Context, projectID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.ProjectID == projectID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Price history ---

func (s *MemoryStore) InsertPricePoint(_ context.Context, p *model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, *p)
	return nil
}

func (s *MemoryStore) ListPriceHistory(_ context.Context, projectID string) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PricePoint
	for _, p := range s.history {
		if p.ProjectID == projectID {
			result = append(result, p)
		}
	}
	return result, nil
}

// --- Rollback evidence ---

func (s *MemoryStore) InsertRollbackLog(_ context.Context, r *model.RollbackLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollbacks = append(s.rollbacks, *r)
	return nil
}

func (s *MemoryStore) ListRollbackLogs(_ context.Context, projectID string) ([]model.RollbackLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RollbackLog
	for _, r := range s.rollbacks {
		if r.ProjectID == projectID {
			result = append(result, r)
		}
	}
	return result, nil
}

// --- Critical alerts ---

func (s *MemoryStore) InsertCriticalAlert(_ context.Context, a *model.CriticalAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) ListUnresolvedAlerts(_ context.Context) ([]model.CriticalAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CriticalAlert
	for _, a := range s.alerts {
		if !a.Resolved {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (s *MemoryStore) ResolveAlert(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	a.Resolved = true
	return nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) UpdateOrderFill(_ context.Context, id string, filled int64, status model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	o.Filled = filled
	o.Status = status
	return nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, projectID string, side model.Side) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.ProjectID == projectID && o.Side == side &&
			(o.Status == model.OrderOpen || o.Status == model.OrderPartial) {
			result = append(result, *o)
		}
	}
	sortOrdersByTime(result)
	return result, nil
}

func (s *MemoryStore) ListOrdersByProject(_ context.Context, projectID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.ProjectID == projectID {
			result = append(result, *o)
		}
	}
	sortOrdersByTime(result)
	return result, nil
}

func sortOrdersByTime(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
