package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mertksk/casper-ignite-sub001/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are BIGINT smallest units; supply mutation is a conditional
// UPDATE so concurrent writers cannot commit against stale supply.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates the tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bonding_curves (
			project_id        TEXT PRIMARY KEY,
			total_supply      BIGINT NOT NULL CHECK (total_supply >= 0),
			initial_price     BIGINT NOT NULL,
			reserve_ratio_bps BIGINT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS trades (
			id               TEXT PRIMARY KEY,
			project_id       TEXT NOT NULL,
			wallet           TEXT NOT NULL,
			side             TEXT NOT NULL,
			source           TEXT NOT NULL,
			token_amount     BIGINT NOT NULL,
			cost_or_proceeds BIGINT NOT NULL,
			price_before     BIGINT NOT NULL,
			price_after      BIGINT NOT NULL,
			ledger_tx_hash   TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_project ON trades (project_id, created_at);
		CREATE TABLE IF NOT EXISTS price_history (
			project_id TEXT NOT NULL,
			price      BIGINT NOT NULL,
			supply     BIGINT NOT NULL,
			timestamp  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_price_history_project ON price_history (project_id, timestamp);
		CREATE TABLE IF NOT EXISTS orders (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			wallet     TEXT NOT NULL,
			side       TEXT NOT NULL,
			price      BIGINT NOT NULL,
			amount     BIGINT NOT NULL,
			filled     BIGINT NOT NULL DEFAULT 0,
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_book ON orders (project_id, side, status, price, created_at);
		CREATE TABLE IF NOT EXISTS rollback_log (
			id              TEXT PRIMARY KEY,
			project_id      TEXT NOT NULL,
			token_amount    BIGINT NOT NULL,
			amount_reversed BIGINT NOT NULL,
			ledger_tx_hash  TEXT NOT NULL DEFAULT '',
			reason          TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS critical_alerts (
			id         TEXT PRIMARY KEY,
			resolved   BOOLEAN NOT NULL DEFAULT FALSE,
			message    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`)
	return err
}

// --- Bonding curves ---

func (s *PostgresStore) CreateCurve(ctx context.Context, c *model.BondingCurve) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO bonding_curves (project_id, total_supply, initial_price, reserve_ratio_bps, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id) DO NOTHING`,
		c.ProjectID, c.TotalSupply, c.InitialPrice, c.ReserveRatioBps, c.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: curve for project %s", ErrDuplicate, c.ProjectID)
	}
	return nil
}

func (s *PostgresStore) GetCurve(ctx context.Context, projectID string) (*model.BondingCurve, error) {
	var c model.BondingCurve
	err := s.pool.QueryRow(ctx,
		`SELECT project_id, total_supply, initial_price, reserve_ratio_bps, created_at
		 FROM bonding_curves WHERE project_id = $1`, projectID).
		Scan(&c.ProjectID, &c.TotalSupply, &c.InitialPrice, &c.ReserveRatioBps, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: curve for project %s", ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("get curve %s: %w", projectID, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCurves(ctx context.Context) ([]model.BondingCurve, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_id, total_supply, initial_price, reserve_ratio_bps, created_at
		 FROM bonding_curves ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var curves []model.BondingCurve
	for rows.Next() {
		var c model.BondingCurve
		if err := rows.Scan(&c.ProjectID, &c.TotalSupply, &c.InitialPrice, &c.ReserveRatioBps, &c.CreatedAt); err != nil {
			return nil, err
		}
		curves = append(curves, c)
	}
	return curves, rows.Err()
}

func (s *PostgresStore) UpdateSupply(ctx context.Context, projectID string, expected, updated int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bonding_curves SET total_supply = $3
		 WHERE project_id = $1 AND total_supply = $2`,
		projectID, expected, updated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCurve(ctx, projectID); err != nil {
			return err
		}
		return fmt.Errorf("%w: project %s expected supply %d", ErrSupplyConflict, projectID, expected)
	}
	return nil
}

func (s *PostgresStore) AdjustSupply(ctx context.Context, projectID string, delta int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bonding_curves SET total_supply = total_supply + $2
		 WHERE project_id = $1 AND total_supply + $2 >= 0`,
		projectID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCurve(ctx, projectID); err != nil {
			return err
		}
		return fmt.Errorf("%w: project %s delta %d", ErrNegativeSupply, projectID, delta)
	}
	return nil
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, project_id, wallet, side, source, token_amount, cost_or_proceeds, price_before, price_after, ledger_tx_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.ProjectID, t.Wallet, t.Side, t.Source,
		t.TokenAmount, t.CostOrProceeds, t.PriceBefore, t.PriceAfter,
		t.LedgerTxHash, t.CreatedAt)
	return err
}

func (s *PostgresStore) ListTradesByProject(ctx context.Context, projectID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, wallet, side, source, token_amount, cost_or_proceeds, price_before, price_after, ledger_tx_hash, created_at
		 FROM trades WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Wallet, &t.Side, &t.Source,
			&t.TokenAmount, &t.CostOrProceeds, &t.PriceBefore, &t.PriceAfter,
			&t.LedgerTxHash, &t.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Price history ---

func (s *PostgresStore) InsertPricePoint(ctx context.Context, p *model.PricePoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_history (project_id, price, supply, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		p.ProjectID, p.Price, p.Supply, p.Timestamp)
	return err
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, projectID string) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_id, price, supply, timestamp
		 FROM price_history WHERE project_id = $1 ORDER BY timestamp`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		if err := rows.Scan(&p.ProjectID, &p.Price, &p.Supply, &p.Timestamp); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Rollback evidence ---

func (s *PostgresStore) InsertRollbackLog(ctx context.Context, r *model.RollbackLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rollback_log (id, project_id, token_amount, amount_reversed, ledger_tx_hash, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ProjectID, r.TokenAmount, r.AmountReversed, r.LedgerTxHash, r.Reason, r.CreatedAt)
	return err
}

func (s *PostgresStore) ListRollbackLogs(ctx context.Context, projectID string) ([]model.RollbackLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, token_amount, amount_reversed, ledger_tx_hash, reason, created_at
		 FROM rollback_log WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.RollbackLog
	for rows.Next() {
		var r model.RollbackLog
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.TokenAmount, &r.AmountReversed,
			&r.LedgerTxHash, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, r)
	}
	return logs, rows.Err()
}

// --- Critical alerts ---

func (s *PostgresStore) InsertCriticalAlert(ctx context.Context, a *model.CriticalAlert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO critical_alerts (id, resolved, message, created_at)
		 VALUES ($1, $2, $3, $4)`,
		a.ID, a.Resolved, a.Message, a.CreatedAt)
	return err
}

func (s *PostgresStore) ListUnresolvedAlerts(ctx context.Context) ([]model.CriticalAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, resolved, message, created_at
		 FROM critical_alerts WHERE NOT resolved ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []model.CriticalAlert
	for rows.Next() {
		var a model.CriticalAlert
		if err := rows.Scan(&a.ID, &a.Resolved, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE critical_alerts SET resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return nil
}

// --- Orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, project_id, wallet, side, price, amount, filled, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.ProjectID, o.Wallet, o.Side, o.Price, o.Amount, o.Filled, o.Status, o.CreatedAt)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, wallet, side, price, amount, filled, status, created_at
		 FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &o.ProjectID, &o.Wallet, &o.Side, &o.Price, &o.Amount, &o.Filled, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) UpdateOrderFill(ctx context.Context, id string, filled int64, status model.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET filled = $2, status = $3 WHERE id = $1`, id, filled, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, projectID string, side model.Side) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, wallet, side, price, amount, filled, status, created_at
		 FROM orders
		 WHERE project_id = $1 AND side = $2 AND status IN ('OPEN', 'PARTIAL')
		 ORDER BY created_at`, projectID, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListOrdersByProject(ctx context.Context, projectID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, wallet, side, price, amount, filled, status, created_at
		 FROM orders WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.ProjectID, &o.Wallet, &o.Side, &o.Price,
			&o.Amount, &o.Filled, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
