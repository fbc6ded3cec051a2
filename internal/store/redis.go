package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mertksk/casper-ignite-sub001/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for curve reads. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary. Everything
// that participates in settlement correctness (supply CAS, trades, rollback
// evidence) passes straight through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Curve reads (read-through) ---

func (s *CachedStore) GetCurve(ctx context.Context, projectID string) (*model.BondingCurve, error) {
	data, err := s.rdb.Get(ctx, curveKey(projectID)).Bytes()
	if err == nil {
		var c model.BondingCurve
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetCurve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.cacheCurve(ctx, c)
	return c, nil
}

// --- Curve writes (write to primary, invalidate) ---

func (s *CachedStore) CreateCurve(ctx context.Context, c *model.BondingCurve) error {
	if err := s.primary.CreateCurve(ctx, c); err != nil {
		return err
	}
	s.cacheCurve(ctx, c)
	return nil
}

func (s *CachedStore) UpdateSupply(ctx context.Context, projectID string, expected, updated int64) error {
	if err := s.primary.UpdateSupply(ctx, projectID, expected, updated); err != nil {
		return err
	}
	s.rdb.Del(ctx, curveKey(projectID))
	return nil
}

func (s *CachedStore) AdjustSupply(ctx context.Context, projectID string, delta int64) error {
	if err := s.primary.AdjustSupply(ctx, projectID, delta); err != nil {
		return err
	}
	s.rdb.Del(ctx, curveKey(projectID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCurves(ctx context.Context) ([]model.BondingCurve, error) {
	return s.primary.ListCurves(ctx)
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) ListTradesByProject(ctx context.Context, projectID string) ([]model.Trade, error) {
	return s.primary.ListTradesByProject(ctx, projectID)
}

func (s *CachedStore) InsertPricePoint(ctx context.Context, p *model.PricePoint) error {
	return s.primary.InsertPricePoint(ctx, p)
}

func (s *CachedStore) ListPriceHistory(ctx context.Context, projectID string) ([]model.PricePoint, error) {
	return s.primary.ListPriceHistory(ctx, projectID)
}

func (s *CachedStore) InsertRollbackLog(ctx context.Context, r *model.RollbackLog) error {
	return s.primary.InsertRollbackLog(ctx, r)
}

func (s *CachedStore) ListRollbackLogs(ctx context.Context, projectID string) ([]model.RollbackLog, error) {
	return s.primary.ListRollbackLogs(ctx, projectID)
}

func (s *CachedStore) InsertCriticalAlert(ctx context.Context, a *model.CriticalAlert) error {
	return s.primary.InsertCriticalAlert(ctx, a)
}

func (s *CachedStore) ListUnresolvedAlerts(ctx context.Context) ([]model.CriticalAlert, error) {
	return s.primary.ListUnresolvedAlerts(ctx)
}

func (s *CachedStore) ResolveAlert(ctx context.Context, id string) error {
	return s.primary.ResolveAlert(ctx, id)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) UpdateOrderFill(ctx context.Context, id string, filled int64, status model.OrderStatus) error {
	return s.primary.UpdateOrderFill(ctx, id, filled, status)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context, projectID string, side model.Side) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx, projectID, side)
}

func (s *CachedStore) ListOrdersByProject(ctx context.Context, projectID string) ([]model.Order, error) {
	return s.primary.ListOrdersByProject(ctx, projectID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheCurve(ctx context.Context, c *model.BondingCurve) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, curveKey(c.ProjectID), data, s.ttl)
	}
}

func curveKey(projectID string) string { return fmt.Sprintf("curve:%s", projectID) }
