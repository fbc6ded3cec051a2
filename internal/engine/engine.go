// Package engine orchestrates instant trades against project bonding
// curves: quote → curve commit → ledger transfer → confirmation → trade
// record, with compensating rollback when the transfer does not confirm.
//
// Ordering is deliberate: the curve commit is cheap and locally reversible,
// the ledger call is the risky, possibly irreversible step. Committing the
// curve first means compensation only ever has to undo the local commit —
// never a chain transfer, which this system cannot reverse.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mertksk/casper-ignite-sub001/internal/curve"
	"github.com/mertksk/casper-ignite-sub001/internal/ledger"
	"github.com/mertksk/casper-ignite-sub001/internal/limits"
	"github.com/mertksk/casper-ignite-sub001/internal/metrics"
	"github.com/mertksk/casper-ignite-sub001/internal/model"
	"github.com/mertksk/casper-ignite-sub001/internal/store"
)

var (
	// ErrInsufficientSupply is returned when a sell exceeds the current
	// circulating supply.
	ErrInsufficientSupply = errors.New("engine: sell amount exceeds circulating supply")

	// ErrSlippageExceeded is returned when the recomputed price impact is
	// beyond the caller's tolerance. Recoverable: adjust and retry.
	ErrSlippageExceeded = errors.New("engine: price impact exceeds max slippage")

	// ErrLedgerTimeout means confirmation never arrived in time. The
	// submitted deploy cannot be withdrawn; the local commit was reversed.
	ErrLedgerTimeout = errors.New("engine: ledger confirmation timed out")

	// ErrLedgerExecution means the deploy executed on chain and failed.
	ErrLedgerExecution = errors.New("engine: ledger execution failed")
)

// Quote is a read-only pricing preview. It is never trusted at execution
// time: supply may move between quote and execute, so impact is recomputed
// under the project lock before committing.
type Quote struct {
	ProjectID      string          `json:"project_id"`
	Side           model.Side      `json:"side"`
	TokenAmount    int64           `json:"token_amount"`
	CostOrProceeds int64           `json:"cost_or_proceeds"`
	CurrentPrice   int64           `json:"current_price"`
	PriceAfter     int64           `json:"price_after"`
	PricePerToken  decimal.Decimal `json:"price_per_token"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	Supply         int64           `json:"supply"`
}

// ExecuteRequest describes an instant curve trade.
type ExecuteRequest struct {
	ProjectID      string
	Wallet         string
	Side           model.Side
	TokenAmount    int64
	MaxSlippagePct decimal.Decimal
}

// Result is the outcome of Execute. On rollback paths Trade is nil and
// LedgerTxHash identifies the failed transfer for client reconciliation.
type Result struct {
	Trade              *model.Trade
	LedgerTxHash       string
	RolledBack         bool
	ManualIntervention bool
}

// Engine executes instant trades for all projects. Mutations for one
// project are serialized by a keyed mutex; the confirmation wait runs
// outside the lock so other trades against the same project proceed while
// a prior one is still pending (the committed supply already reflects it).
type Engine struct {
	store    store.Store
	gateway  ledger.Gateway
	limiter  *limits.Limiter
	rollback *RollbackCoordinator
	locks    *keyedMutex

	treasury            string
	confirmationTimeout time.Duration
}

// New creates an engine. treasury is the platform wallet that receives
// buy payments and funds sell payouts.
func New(st store.Store, gw ledger.Gateway, limiter *limits.Limiter, treasury string, confirmationTimeout time.Duration) *Engine {
	if confirmationTimeout <= 0 {
		confirmationTimeout = ledger.DefaultConfirmationTimeout
	}
	return &Engine{
		store:               st,
		gateway:             gw,
		limiter:             limiter,
		rollback:            NewRollbackCoordinator(st),
		locks:               newKeyedMutex(),
		treasury:            treasury,
		confirmationTimeout: confirmationTimeout,
	}
}

// Rollback exposes the coordinator (single writer of the rollback log).
func (e *Engine) Rollback() *RollbackCoordinator { return e.rollback }

// CreateCurve initializes a project's bonding curve at zero supply.
func (e *Engine) CreateCurve(ctx context.Context, projectID string, initialPrice, reserveRatioBps int64) (*model.BondingCurve, error) {
	if initialPrice <= 0 || reserveRatioBps < 0 {
		return nil, curve.ErrInvalidCurveState
	}
	c := &model.BondingCurve{
		ProjectID:       projectID,
		TotalSupply:     0,
		InitialPrice:    initialPrice,
		ReserveRatioBps: reserveRatioBps,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateCurve(ctx, c); err != nil {
		return nil, err
	}
	slog.Info("curve created", "project", projectID, "initial_price", initialPrice, "ratio_bps", reserveRatioBps)
	return c, nil
}

// Quote prices a prospective trade without touching state.
func (e *Engine) Quote(ctx context.Context, projectID string, side model.Side, amount int64) (*Quote, error) {
	c, err := e.store.GetCurve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.quoteAgainst(c, side, amount)
}

// quoteAgainst prices a trade against an already-loaded curve snapshot.
func (e *Engine) quoteAgainst(c *model.BondingCurve, side model.Side, amount int64) (*Quote, error) {
	currentPrice, err := curve.PriceAt(c.TotalSupply, c.InitialPrice, c.ReserveRatioBps)
	if err != nil {
		return nil, err
	}

	var notional int64
	var supplyAfter int64
	switch side {
	case model.SideBuy:
		notional, err = curve.BuyCost(c.TotalSupply, amount, c.InitialPrice, c.ReserveRatioBps)
		supplyAfter = c.TotalSupply + amount
	case model.SideSell:
		if amount > c.TotalSupply {
			return nil, ErrInsufficientSupply
		}
		notional, err = curve.SellProceeds(c.TotalSupply, amount, c.InitialPrice, c.ReserveRatioBps)
		supplyAfter = c.TotalSupply - amount
	default:
		return nil, curve.ErrInvalidAmount
	}
	if err != nil {
		return nil, err
	}

	priceAfter, err := curve.PriceAt(supplyAfter, c.InitialPrice, c.ReserveRatioBps)
	if err != nil {
		return nil, err
	}

	return &Quote{
		ProjectID:      c.ProjectID,
		Side:           side,
		TokenAmount:    amount,
		CostOrProceeds: notional,
		CurrentPrice:   currentPrice,
		PriceAfter:     priceAfter,
		PricePerToken:  decimal.NewFromInt(notional).Div(decimal.NewFromInt(amount)).Round(6),
		PriceImpactPct: curve.PriceImpact(currentPrice, notional, amount),
		Supply:         c.TotalSupply,
	}, nil
}

// TokensForBudget returns how many whole tokens the budget buys right now.
func (e *Engine) TokensForBudget(ctx context.Context, projectID string, budget int64) (int64, error) {
	c, err := e.store.GetCurve(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return curve.TokensForBudget(budget, c.TotalSupply, c.InitialPrice, c.ReserveRatioBps)
}

// Execute runs the full trade pipeline. State machine per trade:
//
//	QUOTED → CURVE_COMMITTED → TRANSFER_SUBMITTED → CONFIRMED | ROLLED_BACK
//
// The per-project lock covers only quote-revalidation and the supply
// commit. Slippage is re-checked here rather than trusted from any earlier
// quote.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: side %q", curve.ErrInvalidAmount, req.Side)
	}
	if req.TokenAmount <= 0 {
		return nil, curve.ErrInvalidAmount
	}
	wallet, err := ledger.ParseWallet(req.Wallet)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	// --- QUOTED → CURVE_COMMITTED (under the project lock) ---
	q, err := e.commitCurve(ctx, req)
	if err != nil {
		return nil, err
	}

	// From here the committed supply must be reconciled no matter what
	// happens to the request: a client disconnect during the confirmation
	// wait must not cancel the compensation or record writes, or the curve
	// is left holding a trade that never settled. The confirmation timeout
	// still bounds the wait.
	bookCtx := context.WithoutCancel(ctx)

	// --- TRANSFER_SUBMITTED ---
	transfer := e.buildTransfer(req.ProjectID, wallet, req.Side, req.TokenAmount, q.CostOrProceeds)
	txHash, err := e.gateway.SubmitTransfer(ctx, transfer)
	if err != nil {
		return e.compensate(bookCtx, req, "", fmt.Sprintf("submit failed: %v", err),
			fmt.Errorf("%w: %v", ErrLedgerExecution, err))
	}
	metrics.LedgerSubmissions.Inc()

	// The lock is not held here: the committed supply already reflects
	// this trade, so concurrent quotes see consistent state during the
	// (possibly minutes-long) wait.
	confirmStart := time.Now()
	conf := e.gateway.AwaitConfirmation(bookCtx, txHash, e.confirmationTimeout)
	metrics.LedgerConfirmation.Observe(time.Since(confirmStart).Seconds())

	if !conf.Success {
		if conf.Executed {
			return e.compensate(bookCtx, req, txHash,
				fmt.Sprintf("ledger execution failed: %s", conf.Err),
				fmt.Errorf("%w: %s", ErrLedgerExecution, conf.Err))
		}
		return e.compensate(bookCtx, req, txHash,
			"ledger confirmation timeout",
			fmt.Errorf("%w after %s", ErrLedgerTimeout, e.confirmationTimeout))
	}

	// --- CONFIRMED ---
	trade := &model.Trade{
		ID:             uuid.New().String(),
		ProjectID:      req.ProjectID,
		Wallet:         wallet,
		Side:           req.Side,
		Source:         model.SourceCurve,
		TokenAmount:    req.TokenAmount,
		CostOrProceeds: q.CostOrProceeds,
		PriceBefore:    q.CurrentPrice,
		PriceAfter:     q.PriceAfter,
		LedgerTxHash:   txHash,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.InsertTrade(bookCtx, trade); err != nil {
		slog.Error("trade record write failed after confirmed transfer",
			"project", req.ProjectID, "tx", txHash, "err", err)
	}
	point := &model.PricePoint{
		ProjectID: req.ProjectID,
		Price:     q.PriceAfter,
		Supply:    supplyAfter(q, req.Side),
		Timestamp: trade.CreatedAt,
	}
	if err := e.store.InsertPricePoint(bookCtx, point); err != nil {
		slog.Error("price point write failed", "project", req.ProjectID, "err", err)
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side), string(model.SourceCurve)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())

	slog.Info("trade confirmed",
		"trade_id", trade.ID,
		"project", req.ProjectID,
		"wallet", wallet,
		"side", req.Side,
		"amount", req.TokenAmount,
		"notional", q.CostOrProceeds,
		"tx", txHash,
	)

	return &Result{Trade: trade, LedgerTxHash: txHash}, nil
}

// commitCurve revalidates and commits the supply move under the project
// lock. The returned quote reflects the state the trade settled against.
func (e *Engine) commitCurve(ctx context.Context, req ExecuteRequest) (*Quote, error) {
	unlock := e.locks.Lock(req.ProjectID)
	defer unlock()

	c, err := e.store.GetCurve(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	q, err := e.quoteAgainst(c, req.Side, req.TokenAmount)
	if err != nil {
		return nil, err
	}

	if req.MaxSlippagePct.IsPositive() && q.PriceImpactPct.Abs().GreaterThan(req.MaxSlippagePct) {
		return nil, fmt.Errorf("%w: impact %s%% > max %s%%",
			ErrSlippageExceeded, q.PriceImpactPct, req.MaxSlippagePct)
	}

	if e.limiter != nil {
		walletNotional, err := e.walletNotional(ctx, req.ProjectID, req.Wallet)
		if err != nil {
			return nil, err
		}
		if err := e.limiter.CheckTrade(q.CostOrProceeds, walletNotional); err != nil {
			return nil, err
		}
	}

	if err := e.store.UpdateSupply(ctx, req.ProjectID, c.TotalSupply, supplyAfter(q, req.Side)); err != nil {
		return nil, err
	}
	return q, nil
}

// compensate runs the rollback path and shapes the caller-facing error.
func (e *Engine) compensate(ctx context.Context, req ExecuteRequest, txHash, reason string, cause error) (*Result, error) {
	res := &Result{LedgerTxHash: txHash, RolledBack: true}
	if err := e.rollback.Compensate(ctx, req.ProjectID, req.Side, req.TokenAmount, txHash, reason); err != nil {
		res.RolledBack = false
		res.ManualIntervention = true
		return res, err
	}
	return res, cause
}

// walletNotional sums the wallet's settled notional against the project.
func (e *Engine) walletNotional(ctx context.Context, projectID, wallet string) (int64, error) {
	trades, err := e.store.ListTradesByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, t := range trades {
		if t.Wallet == wallet {
			total += t.CostOrProceeds
		}
	}
	return total, nil
}

// buildTransfer shapes the on-chain leg of a trade: a buy delivers project
// tokens to the buyer, a sell pays native proceeds out of the treasury.
func (e *Engine) buildTransfer(projectID, wallet string, side model.Side, tokenAmount, notional int64) ledger.TransferRequest {
	if side == model.SideBuy {
		return ledger.TransferRequest{
			Sender:        e.treasury,
			Recipient:     wallet,
			Amount:        tokenAmount,
			TokenContract: projectID,
		}
	}
	return ledger.TransferRequest{
		Sender:    e.treasury,
		Recipient: wallet,
		Amount:    notional,
	}
}

func supplyAfter(q *Quote, side model.Side) int64 {
	if side == model.SideBuy {
		return q.Supply + q.TokenAmount
	}
	return q.Supply - q.TokenAmount
}
