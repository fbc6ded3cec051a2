package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mertksk/casper-ignite-sub001/internal/curve"
	"github.com/mertksk/casper-ignite-sub001/internal/engine"
	"github.com/mertksk/casper-ignite-sub001/internal/ledger"
	"github.com/mertksk/casper-ignite-sub001/internal/limits"
	"github.com/mertksk/casper-ignite-sub001/internal/model"
	"github.com/mertksk/casper-ignite-sub001/internal/store"
)

var (
	testWallet   = "account-hash-" + strings.Repeat("a", 64)
	testTreasury = "account-hash-" + strings.Repeat("f", 64)
	testTxHash   = strings.Repeat("1b", 32)
)

const (
	testPrice int64 = 100_000_000
	testRatio int64 = 100
)

// fakeGateway is a scriptable ledger.Gateway.
type fakeGateway struct {
	mu          sync.Mutex
	submitErr   error
	conf        ledger.Confirmation
	submissions int
	last        ledger.TransferRequest
}

func (f *fakeGateway) SubmitTransfer(_ context.Context, req ledger.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions++
	f.last = req
	return testTxHash, nil
}

func (f *fakeGateway) GetDeployStatus(context.Context, string) (ledger.DeployStatus, error) {
	return ledger.DeployStatus{Executed: f.conf.Executed, Success: f.conf.Success, Error: f.conf.Err}, nil
}

func (f *fakeGateway) QueryContractValue(context.Context, string, []string) (string, error) {
	return "", nil
}

func (f *fakeGateway) AwaitConfirmation(context.Context, string, time.Duration) ledger.Confirmation {
	return f.conf
}

func (f *fakeGateway) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submissions
}

func confirmed() ledger.Confirmation {
	return ledger.Confirmation{Success: true, Executed: true}
}

// disconnectGateway cancels the request context during the confirmation
// wait and then reports timeout, the shape of a client dropping off
// mid-trade.
type disconnectGateway struct {
	fakeGateway
	cancel context.CancelFunc
}

func (g *disconnectGateway) AwaitConfirmation(context.Context, string, time.Duration) ledger.Confirmation {
	g.cancel()
	return ledger.Confirmation{Success: false, Executed: false, Err: "timeout"}
}

// ctxStore refuses writes on a cancelled context, like a real driver.
type ctxStore struct {
	*store.MemoryStore
}

func (s *ctxStore) AdjustSupply(ctx context.Context, projectID string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.AdjustSupply(ctx, projectID, delta)
}

func (s *ctxStore) InsertRollbackLog(ctx context.Context, r *model.RollbackLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.InsertRollbackLog(ctx, r)
}

// failingStore injects rollback-path failures.
type failingStore struct {
	*store.MemoryStore
	failAdjust bool
}

func (s *failingStore) AdjustSupply(ctx context.Context, projectID string, delta int64) error {
	if s.failAdjust {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.AdjustSupply(ctx, projectID, delta)
}

func newTestEngine(t *testing.T, gw ledger.Gateway) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	e := engine.New(ms, gw, nil, testTreasury, time.Second)
	if _, err := e.CreateCurve(context.Background(), "proj1", testPrice, testRatio); err != nil {
		t.Fatalf("create curve: %v", err)
	}
	return e, ms
}

func buyReq(amount int64) engine.ExecuteRequest {
	return engine.ExecuteRequest{
		ProjectID:   "proj1",
		Wallet:      testWallet,
		Side:        model.SideBuy,
		TokenAmount: amount,
	}
}

// --- Quote ---

func TestQuote_DoesNotMutate(t *testing.T) {
	e, ms := newTestEngine(t, &fakeGateway{conf: confirmed()})
	ctx := context.Background()

	q, err := e.Quote(ctx, "proj1", model.SideBuy, 1000)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.CostOrProceeds != 600_000_000_000 {
		t.Errorf("expected cost 600000000000, got %d", q.CostOrProceeds)
	}
	if q.CurrentPrice != testPrice {
		t.Errorf("expected current price %d, got %d", testPrice, q.CurrentPrice)
	}
	if !q.PriceImpactPct.IsPositive() {
		t.Errorf("buy impact should be positive, got %s", q.PriceImpactPct)
	}

	c, _ := ms.GetCurve(ctx, "proj1")
	if c.TotalSupply != 0 {
		t.Errorf("quote mutated supply to %d", c.TotalSupply)
	}
}

func TestQuote_SellExceedsSupply(t *testing.T) {
	e, _ := newTestEngine(t, &fakeGateway{conf: confirmed()})

	_, err := e.Quote(context.Background(), "proj1", model.SideSell, 1)
	if !errors.Is(err, engine.ErrInsufficientSupply) {
		t.Errorf("expected ErrInsufficientSupply, got %v", err)
	}
}

// --- Execute: happy path ---

func TestExecute_BuyConfirmed(t *testing.T) {
	gw := &fakeGateway{conf: confirmed()}
	e, ms := newTestEngine(t, gw)
	ctx := context.Background()

	res, err := e.Execute(ctx, buyReq(1000))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Trade == nil {
		t.Fatal("expected trade record")
	}
	if res.LedgerTxHash != testTxHash {
		t.Errorf("expected tx hash %s, got %s", testTxHash, res.LedgerTxHash)
	}
	if res.Trade.CostOrProceeds != 600_000_000_000 {
		t.Errorf("expected cost 600000000000, got %d", res.Trade.CostOrProceeds)
	}

	c, _ := ms.GetCurve(ctx, "proj1")
	if c.TotalSupply != 1000 {
		t.Errorf("expected supply 1000, got %d", c.TotalSupply)
	}

	trades, _ := ms.ListTradesByProject(ctx, "proj1")
	if len(trades) != 1 || trades[0].LedgerTxHash != testTxHash {
		t.Errorf("expected one trade with tx hash, got %+v", trades)
	}
	points, _ := ms.ListPriceHistory(ctx, "proj1")
	if len(points) != 1 || points[0].Supply != 1000 {
		t.Errorf("expected one price point at supply 1000, got %+v", points)
	}

	// Buy leg delivers project tokens to the buyer.
	if gw.last.TokenContract != "proj1" || gw.last.Recipient != testWallet || gw.last.Amount != 1000 {
		t.Errorf("unexpected transfer %+v", gw.last)
	}
}

func TestExecute_SellConfirmed(t *testing.T) {
	gw := &fakeGateway{conf: confirmed()}
	e, ms := newTestEngine(t, gw)
	ctx := context.Background()

	if _, err := e.Execute(ctx, buyReq(1000)); err != nil {
		t.Fatalf("seed buy: %v", err)
	}

	res, err := e.Execute(ctx, engine.ExecuteRequest{
		ProjectID:   "proj1",
		Wallet:      testWallet,
		Side:        model.SideSell,
		TokenAmount: 400,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	c, _ := ms.GetCurve(ctx, "proj1")
	if c.TotalSupply != 600 {
		t.Errorf("expected supply 600, got %d", c.TotalSupply)
	}
	// Sell leg pays native proceeds out of the treasury.
	if gw.last.TokenContract != "" || gw.last.Amount != res.Trade.CostOrProceeds {
		t.Errorf("unexpected payout transfer %+v", gw.last)
	}
}

// --- Execute: validation ---

func TestExecute_InvalidInputs(t *testing.T) {
	e, _ := newTestEngine(t, &fakeGateway{conf: confirmed()})
	ctx := context.Background()

	req := buyReq(100)
	req.Wallet = "not-a-wallet"
	if _, err := e.Execute(ctx, req); !errors.Is(err, ledger.ErrInvalidWallet) {
		t.Errorf("expected ErrInvalidWallet, got %v", err)
	}

	req = buyReq(0)
	if _, err := e.Execute(ctx, req); !errors.Is(err, curve.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	req = buyReq(100)
	req.Side = "HOLD"
	if _, err := e.Execute(ctx, req); !errors.Is(err, curve.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for bad side, got %v", err)
	}
}

func TestExecute_SlippageRejectedBeforeAnyMutation(t *testing.T) {
	gw := &fakeGateway{conf: confirmed()}
	e, ms := newTestEngine(t, gw)
	ctx := context.Background()

	req := buyReq(100_000) // large trade, huge impact
	req.MaxSlippagePct = decimal.NewFromInt(1)

	_, err := e.Execute(ctx, req)
	if !errors.Is(err, engine.ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	c, _ := ms.GetCurve(ctx, "proj1")
	if c.TotalSupply != 0 {
		t.Errorf("slippage rejection must not mutate supply, got %d", c.TotalSupply)
	}
	if gw.submissionCount() != 0 {
		t.Error("slippage rejection must not submit to the ledger")
	}
}

func TestExecute_LimiterRejects(t *testing.T) {
	ms := store.NewMemoryStore()
	gw := &fakeGateway{conf: confirmed()}
	e := engine.New(ms, gw, limits.NewLimiter(1_000_000, 0), testTreasury, time.Second)
	ctx := context.Background()
	if _, err := e.CreateCurve(ctx, "proj1", testPrice, testRatio); err != nil {
		t.Fatalf("create curve: %v", err)
	}

	_, err := e.Execute(ctx, buyReq(1000))
	if !errors.Is(err, limits.ErrTradeNotionalExceeded) {
		t.Errorf("expected ErrTradeNotionalExceeded, got %v", err)
	}
	if gw.submissionCount() != 0 {
		t.Error("limit rejection must not submit to the ledger")
	}
}

// --- Execute: rollback paths ---

func TestExecute_RollbackOnLedgerFailure(t *testing.T) {
	gw := &fakeGateway{conf: ledger.Confirmation{Success: false, Executed: true, Err: "out of gas"}}
	e, ms := newTestEngine(t, gw)
	ctx := context.Background()

	res, err := e.Execute(ctx, buyReq(1000))
	if !errors.Is(err, engine.ErrLedgerExecution) {
		t.Fatalf("expected ErrLedgerExecution, got %v", err)
	}
	if !res.RolledBack {
		t.Error("result should report rollback")
	}
	if res.LedgerTxHash != testTxHash {
		t.Errorf("client needs the failed tx hash, got %q", res.LedgerTxHash)
	}

	// Supply restored exactly; one rollback log row.
	c, _ := ms.GetCurve(ctx, "proj1")
	if c.TotalSupply != 0 {
		t.Errorf("expected supply restored to 0, got %d", c.TotalSupply)
	}
	logs, _ := ms.ListRollbackLogs(ctx, "proj1")
	if len(logs) != 1 {
		t.Fatalf("expected 1 rollback log, got %d", len(logs))
	}
	if logs[0].AmountReversed != -1000 || logs[0].TokenAmount != 1000 {
		t.Errorf("unexpected rollback log %+v", logs[0])
	}

	// No trade or price point on the failed path.
	trades, _ := ms.ListTradesByProject(ctx, "proj1")
	if len(trades) != 0 {
		t.Errorf("failed trade must not be recorded, got %d", len(trades))
	}
}

func TestExecute_RollbackOnTimeout(t *testing.T) {
	gw := &fakeGateway{conf: ledger.Confirmation{Success: false, Executed: false, Err: "timeout"}}
	e, ms := newTestEngine(t, gw)
	ctx := context.Background()

	_, err := e.Execute(ctx, buyReq(500))
	if !errors.Is(err, engine.ErrLedgerTimeout) {
		t.Fatalf("expected ErrLedgerTimeout, got %v", err)
	}

	logs, _ := ms.ListRollbackLogs(ctx, "proj1")
	if len(logs) != 1 || !strings.Contains(logs[0].Reason, "timeout") {
		t.Errorf("expected timeout reason in rollback log, got %+v", logs)
	}
}

func TestExecute_SellRollbackRestoresSupply(t *testing.T) {
	gw := &fakeGateway{conf: confirmed()}
	e, ms := newTestEngine(t, gw)
	ctx := context.Background()

	if _, err := e.Execute(ctx, buyReq(1000)); err != nil {
		t.Fatalf("seed buy: %v", err)
	}

	gw.conf = ledger.Confirmation{Success: false, Executed: true, Err: "payout failed"}
	_, err := e.Execute(ctx, engine.ExecuteRequest{
		ProjectID:   "proj1",
		Wallet:      testWallet,
		Side:        model.SideSell,
		TokenAmount: 400,
	})
	if !errors.Is(err, engine.ErrLedgerExecution) {
		t.Fatalf("expected ErrLedgerExecution, got %v", err)
	}

	// Sold tokens treated as not-sold: supply back to 1000.
	c, _ := ms.GetCurve(ctx, "proj1")
	if c.TotalSupply != 1000 {
		t.Errorf("expected supply restored to 1000, got %d", c.TotalSupply)
	}
	logs, _ := ms.ListRollbackLogs(ctx, "proj1")
	if len(logs) != 1 || logs[0].AmountReversed != 400 {
		t.Errorf("expected +400 reversal, got %+v", logs)
	}
}

func TestExecute_ClientDisconnectDuringWaitStillRollsBack(t *testing.T) {
	cs := &ctxStore{MemoryStore: store.NewMemoryStore()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &disconnectGateway{cancel: cancel}
	e := engine.New(cs, gw, nil, testTreasury, time.Second)
	if _, err := e.CreateCurve(context.Background(), "proj1", testPrice, testRatio); err != nil {
		t.Fatalf("create curve: %v", err)
	}

	// The request context dies mid-wait; the compensation must not die
	// with it.
	_, err := e.Execute(ctx, buyReq(1000))
	if !errors.Is(err, engine.ErrLedgerTimeout) {
		t.Fatalf("expected ErrLedgerTimeout, got %v", err)
	}
	if errors.Is(err, engine.ErrRollbackFailed) {
		t.Fatal("disconnect must not escalate to a failed rollback")
	}

	c, _ := cs.GetCurve(context.Background(), "proj1")
	if c.TotalSupply != 0 {
		t.Errorf("expected supply restored to 0, got %d", c.TotalSupply)
	}
	logs, _ := cs.ListRollbackLogs(context.Background(), "proj1")
	if len(logs) != 1 {
		t.Errorf("expected 1 rollback log, got %d", len(logs))
	}
	alerts, _ := cs.ListUnresolvedAlerts(context.Background())
	if len(alerts) != 0 {
		t.Errorf("routine disconnect must not raise alerts, got %d", len(alerts))
	}
}

func TestExecute_RollbackFailureEscalates(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore(), failAdjust: true}
	gw := &fakeGateway{conf: ledger.Confirmation{Success: false, Executed: true, Err: "reverted"}}
	e := engine.New(fs, gw, nil, testTreasury, time.Second)
	ctx := context.Background()
	if _, err := e.CreateCurve(ctx, "proj1", testPrice, testRatio); err != nil {
		t.Fatalf("create curve: %v", err)
	}

	res, err := e.Execute(ctx, buyReq(100))
	if !errors.Is(err, engine.ErrRollbackFailed) {
		t.Fatalf("expected ErrRollbackFailed, got %v", err)
	}
	if !res.ManualIntervention {
		t.Error("rollback failure must signal manual intervention")
	}

	alerts, _ := fs.ListUnresolvedAlerts(ctx)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 critical alert, got %d", len(alerts))
	}
	if !strings.Contains(alerts[0].Message, "proj1") {
		t.Errorf("alert should name the project, got %q", alerts[0].Message)
	}
}

// --- Concurrency ---

func TestExecute_ConcurrentBuysSerializePerProject(t *testing.T) {
	gw := &fakeGateway{conf: confirmed()}
	e, ms := newTestEngine(t, gw)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Execute(ctx, buyReq(10)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent execute: %v", err)
	}

	c, _ := ms.GetCurve(ctx, "proj1")
	if c.TotalSupply != workers*10 {
		t.Errorf("expected supply %d, got %d", workers*10, c.TotalSupply)
	}
	if gw.submissionCount() != workers {
		t.Errorf("expected %d submissions, got %d", workers, gw.submissionCount())
	}
}
