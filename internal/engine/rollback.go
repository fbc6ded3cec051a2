package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mertksk/casper-ignite-sub001/internal/metrics"
	"github.com/mertksk/casper-ignite-sub001/internal/model"
	"github.com/mertksk/casper-ignite-sub001/internal/store"
)

// ErrRollbackFailed means the compensating supply reversal could not be
// written. The curve state no longer matches reality and cannot self-heal;
// a CriticalAlert has been raised and an operator must reconcile manually.
var ErrRollbackFailed = errors.New("engine: rollback failed, manual intervention required")

// RollbackCoordinator reverses the locally committed curve mutation when
// the ledger transfer behind it did not confirm. No chain-level reversal
// ever happens here: a submitted deploy cannot be withdrawn, and a
// confirmed transfer is final. Only this system's bookkeeping is corrected
// — the asset never reached the counterparty, so the local commit is
// treated as never having economically happened.
//
// It is the only component allowed to reverse a committed curve mutation,
// and the only writer of the rollback log.
type RollbackCoordinator struct {
	store store.Store
}

// NewRollbackCoordinator creates a coordinator over the given store.
func NewRollbackCoordinator(st store.Store) *RollbackCoordinator {
	return &RollbackCoordinator{store: st}
}

// Compensate undoes the supply move of a failed trade: a failed buy
// decrements supply back by tokenAmount (the tokens were never delivered),
// a failed sell increments it back (the proceeds were never delivered, so
// the tokens are treated as not sold). Every compensation appends a
// RollbackLog row.
func (r *RollbackCoordinator) Compensate(ctx context.Context, projectID string, side model.Side, tokenAmount int64, txHash, reason string) error {
	delta := -tokenAmount
	if side == model.SideSell {
		delta = tokenAmount
	}

	if err := r.store.AdjustSupply(ctx, projectID, delta); err != nil {
		r.escalate(ctx, projectID, delta, txHash, err)
		return fmt.Errorf("%w: project %s delta %d tx %s: %v",
			ErrRollbackFailed, projectID, delta, txHash, err)
	}

	entry := &model.RollbackLog{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		TokenAmount:    tokenAmount,
		AmountReversed: delta,
		LedgerTxHash:   txHash,
		Reason:         reason,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.InsertRollbackLog(ctx, entry); err != nil {
		// Supply is consistent again but the evidence trail has a hole.
		slog.Error("rollback log write failed",
			"project", projectID, "tx", txHash, "err", err)
	}

	metrics.RollbacksTotal.Inc()
	slog.Warn("trade rolled back",
		"project", projectID,
		"side", side,
		"amount", tokenAmount,
		"reversed", delta,
		"tx", txHash,
		"reason", reason,
	)
	return nil
}

// escalate records the one state this design cannot recover from.
func (r *RollbackCoordinator) escalate(ctx context.Context, projectID string, delta int64, txHash string, cause error) {
	metrics.RollbacksFailed.Inc()

	alert := &model.CriticalAlert{
		ID:       uuid.New().String(),
		Resolved: false,
		Message: fmt.Sprintf(
			"rollback failed for project %s: supply delta %d not applied (ledger tx %s): %v",
			projectID, delta, txHash, cause),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.InsertCriticalAlert(ctx, alert); err != nil {
		// Nothing persistent left to write to; the log line is the last
		// resort for the on-call operator.
		slog.Error("CRITICAL: rollback failed and alert write failed",
			"project", projectID, "delta", delta, "tx", txHash,
			"rollback_err", cause, "alert_err", err)
		return
	}
	slog.Error("CRITICAL: rollback failed, alert raised",
		"alert_id", alert.ID, "project", projectID, "delta", delta, "tx", txHash, "err", cause)
}
