// Package trade provides the HTTP handlers for launching bonding curves,
// quoting and executing instant trades, querying history, and working the
// limit order book.
//
// All settlement amounts are int64 motes; decimals appear only in derived
// display fields.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mertksk/casper-ignite-sub001/internal/curve"
	"github.com/mertksk/casper-ignite-sub001/internal/engine"
	"github.com/mertksk/casper-ignite-sub001/internal/idempotency"
	"github.com/mertksk/casper-ignite-sub001/internal/ledger"
	"github.com/mertksk/casper-ignite-sub001/internal/limits"
	"github.com/mertksk/casper-ignite-sub001/internal/metrics"
	"github.com/mertksk/casper-ignite-sub001/internal/model"
	"github.com/mertksk/casper-ignite-sub001/internal/orderbook"
	"github.com/mertksk/casper-ignite-sub001/internal/store"
)

// IdempotencyKeyHeader carries the client's deduplication key on mutating
// trade requests.
const IdempotencyKeyHeader = "Idempotency-Key"

// Service wires the curve engine, the matching engine, and the idempotency
// guard behind the HTTP surface.
type Service struct {
	engine       *engine.Engine
	matcher      *orderbook.Matcher
	store        store.Store
	guard        *idempotency.Guard
	wsHub        *WSHub // optional WebSocket hub for real-time broadcasts
	explorerBase string
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(e *engine.Engine, m *orderbook.Matcher, st store.Store, guard *idempotency.Guard, hub *WSHub, explorerBase string) *Service {
	return &Service{
		engine:       e,
		matcher:      m,
		store:        st,
		guard:        guard,
		wsHub:        hub,
		explorerBase: explorerBase,
	}
}

// Routes mounts all handlers on the given router.
func (s *Service) Routes(r chi.Router) {
	r.Route("/curve", func(r chi.Router) {
		r.Get("/", s.ListCurves)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Post("/", s.CreateCurve)
			r.Get("/", s.GetCurve)
			r.Get("/quote", s.Quote)
			r.Post("/quote", s.Quote)
			r.Post("/trade", s.ExecuteTrade)
			r.Get("/tokens-for-budget", s.TokensForBudget)
			r.Post("/tokens-for-budget", s.TokensForBudget)
			r.Get("/history", s.GetPriceHistory)
			r.Get("/trades", s.GetTrades)
		})
	})
	r.Route("/orders", func(r chi.Router) {
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.GetOrderBook)
			r.Post("/", s.CreateOrder)
			r.Get("/history", s.ListOrders)
			r.Post("/{orderID}/cancel", s.CancelOrder)
		})
	})
	r.Get("/alerts", s.ListAlerts)
	r.Post("/alerts/{alertID}/resolve", s.ResolveAlert)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// CreateCurveRequest is the JSON body for curve creation.
type CreateCurveRequest struct {
	InitialPrice    int64 `json:"initial_price"`     // motes per token at zero supply
	ReserveRatioBps int64 `json:"reserve_ratio_bps"` // slope steepness, basis points
}

// QuoteRequest is the JSON body for POST /quote and the pricing half of a
// trade request.
type QuoteRequest struct {
	Side        model.Side `json:"side"`
	TokenAmount int64      `json:"token_amount"`
}

// TradeRequest is the JSON body for POST /trade. The idempotency key may be
// carried in the body or in the Idempotency-Key header; the header wins when
// both are set.
type TradeRequest struct {
	Wallet         string          `json:"wallet"`
	Side           model.Side      `json:"side"`
	TokenAmount    int64           `json:"token_amount"`
	MaxSlippagePct decimal.Decimal `json:"max_slippage_pct"` // zero disables the check
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	Trade        *model.Trade `json:"trade"`
	LedgerTxHash string       `json:"ledger_tx_hash"`
	ExplorerURL  string       `json:"explorer_url,omitempty"`
}

// BudgetRequest is the JSON body for POST /tokens-for-budget.
type BudgetRequest struct {
	Budget int64 `json:"budget"`
}

// BudgetResponse returns how many whole tokens the budget buys right now.
type BudgetResponse struct {
	Budget      int64 `json:"budget"`
	TokenAmount int64 `json:"token_amount"`
}

// OrderRequest is the JSON body for placing a limit order.
type OrderRequest struct {
	Wallet string     `json:"wallet"`
	Side   model.Side `json:"side"`
	Amount int64      `json:"amount"`
	Price  int64      `json:"price"` // limit price in motes per token
}

// OrderResponse returns the resting order plus any immediate fills.
type OrderResponse struct {
	Order *model.Order  `json:"order"`
	Fills []model.Trade `json:"fills"`
}

// --- Curve handlers ---

// CreateCurve handles POST /api/v1/curve/{projectID}
func (s *Service) CreateCurve(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req CreateCurveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := s.engine.CreateCurve(r.Context(), projectID, req.InitialPrice, req.ReserveRatioBps)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

// ListCurves handles GET /api/v1/curve
func (s *Service) ListCurves(w http.ResponseWriter, r *http.Request) {
	curves, err := s.store.ListCurves(r.Context())
	if err != nil {
		writeError(w, "failed to list curves", http.StatusInternalServerError)
		return
	}
	if curves == nil {
		curves = []model.BondingCurve{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(curves)
}

// GetCurve handles GET /api/v1/curve/{projectID}
func (s *Service) GetCurve(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	c, err := s.store.GetCurve(r.Context(), projectID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

// Quote handles GET /api/v1/curve/{projectID}/quote?side=buy|sell&amount=N
// (POST with a JSON body is an alias). Pricing preview only; nothing is
// committed.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req QuoteRequest
	if r.Method == http.MethodGet {
		req.Side = model.Side(strings.ToUpper(r.URL.Query().Get("side")))
		amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
		if err != nil {
			writeError(w, "amount must be an integer", http.StatusBadRequest)
			return
		}
		req.TokenAmount = amount
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.TokenAmount <= 0 {
		writeError(w, "token_amount must be positive", http.StatusBadRequest)
		return
	}

	q, err := s.engine.Quote(r.Context(), projectID, req.Side, req.TokenAmount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

// TokensForBudget handles GET /api/v1/curve/{projectID}/tokens-for-budget?budget=N
// (POST with a JSON body is an alias).
func (s *Service) TokensForBudget(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req BudgetRequest
	if r.Method == http.MethodGet {
		budget, err := strconv.ParseInt(r.URL.Query().Get("budget"), 10, 64)
		if err != nil {
			writeError(w, "budget must be an integer", http.StatusBadRequest)
			return
		}
		req.Budget = budget
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount, err := s.engine.TokensForBudget(r.Context(), projectID, req.Budget)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BudgetResponse{Budget: req.Budget, TokenAmount: amount})
}

// ExecuteTrade handles POST /api/v1/curve/{projectID}/trade
//
// The idempotency guard is consulted before the engine runs: a replayed key
// returns the original response byte-for-byte, a concurrent duplicate is
// rejected with 409.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	ctx := r.Context()

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Wallet == "" {
		writeError(w, "wallet is required", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.TokenAmount <= 0 {
		writeError(w, "token_amount must be positive", http.StatusBadRequest)
		return
	}

	idemKey := r.Header.Get(IdempotencyKeyHeader)
	if idemKey == "" {
		idemKey = req.IdempotencyKey
	}
	if idemKey != "" && s.guard != nil {
		cached, reserved, err := s.guard.CheckOrReserve(ctx, idemKey)
		if err != nil {
			if errors.Is(err, idempotency.ErrInFlight) {
				writeError(w, "request with this idempotency key is in flight", http.StatusConflict)
				return
			}
			writeError(w, "idempotency check failed", http.StatusInternalServerError)
			return
		}
		if !reserved {
			metrics.IdempotencyHits.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replay", "true")
			w.Write(cached)
			return
		}
	}

	res, err := s.engine.Execute(ctx, engine.ExecuteRequest{
		ProjectID:      projectID,
		Wallet:         req.Wallet,
		Side:           req.Side,
		TokenAmount:    req.TokenAmount,
		MaxSlippagePct: req.MaxSlippagePct,
	})
	if err != nil {
		if idemKey != "" && s.guard != nil {
			if relErr := s.guard.Release(ctx, idemKey); relErr != nil {
				slog.Error("idempotency release failed", "key", idemKey, "err", relErr)
			}
		}
		s.writeExecuteError(w, res, err)
		return
	}

	resp := TradeResponse{
		Trade:        res.Trade,
		LedgerTxHash: res.LedgerTxHash,
		ExplorerURL:  ledger.ExplorerURL(s.explorerBase, res.LedgerTxHash),
	}
	body, err := json.Marshal(resp)
	if err != nil {
		writeError(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	if idemKey != "" && s.guard != nil {
		if err := s.guard.Store(ctx, idemKey, body); err != nil {
			slog.Error("idempotency store failed", "key", idemKey, "err", err)
		}
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "trade_confirmed",
			ProjectID:   projectID,
			Side:        string(req.Side),
			TokenAmount: req.TokenAmount,
			Price:       res.Trade.PriceAfter,
			TxHash:      res.LedgerTxHash,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// GetPriceHistory handles GET /api/v1/curve/{projectID}/history
func (s *Service) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	points, err := s.store.ListPriceHistory(r.Context(), projectID)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}

// GetTrades handles GET /api/v1/curve/{projectID}/trades
// Returns the immutable trade record, newest last.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	trades, err := s.store.ListTradesByProject(r.Context(), projectID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// --- Order book handlers ---

// GetOrderBook handles GET /api/v1/orders/{projectID}
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	snap, err := s.matcher.Snapshot(r.Context(), projectID)
	if err != nil {
		writeError(w, "failed to load order book", http.StatusInternalServerError)
		return
	}
	if snap.BuyOrders == nil {
		snap.BuyOrders = []model.Order{}
	}
	if snap.SellOrders == nil {
		snap.SellOrders = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// CreateOrder handles POST /api/v1/orders/{projectID}
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, fills, err := s.matcher.CreateOrder(r.Context(), projectID, req.Wallet, req.Side, req.Amount, req.Price)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if fills == nil {
		fills = []model.Trade{}
	}

	if s.wsHub != nil && len(fills) > 0 {
		last := fills[len(fills)-1]
		s.wsHub.Broadcast(WSMessage{
			Type:        "order_filled",
			ProjectID:   projectID,
			Side:        string(req.Side),
			TokenAmount: order.Filled,
			Price:       last.PriceBefore,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(OrderResponse{Order: order, Fills: fills})
}

// ListOrders handles GET /api/v1/orders/{projectID}/history
// All of the project's orders regardless of status, placement order.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	orders, err := s.store.ListOrdersByProject(r.Context(), projectID)
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// CancelOrder handles POST /api/v1/orders/{projectID}/{orderID}/cancel
// The caller proves ownership by passing its wallet in the body.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req struct {
		Wallet string `json:"wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Wallet == "" {
		writeError(w, "wallet is required", http.StatusBadRequest)
		return
	}

	order, err := s.matcher.CancelOrder(r.Context(), orderID, req.Wallet)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

// --- Operational handlers ---

// ListAlerts handles GET /api/v1/alerts
// Unresolved critical alerts, i.e. failed rollbacks awaiting an operator.
func (s *Service) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListUnresolvedAlerts(r.Context())
	if err != nil {
		writeError(w, "failed to load alerts", http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []model.CriticalAlert{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

// ResolveAlert handles POST /api/v1/alerts/{alertID}/resolve
// Marks a critical alert handled after the operator reconciled the curve.
func (s *Service) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	if err := s.store.ResolveAlert(r.Context(), alertID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	slog.Info("critical alert resolved", "alert_id", alertID)
	w.WriteHeader(http.StatusNoContent)
}

// --- Error shaping ---

// writeExecuteError shapes trade pipeline failures. Rollback outcomes carry
// extra fields so clients can reconcile against the chain.
func (s *Service) writeExecuteError(w http.ResponseWriter, res *engine.Result, err error) {
	if res != nil && (res.RolledBack || res.ManualIntervention) {
		status := http.StatusBadGateway
		body := map[string]any{
			"error":       err.Error(),
			"rolled_back": res.RolledBack,
		}
		if res.LedgerTxHash != "" {
			body["ledger_tx_hash"] = res.LedgerTxHash
			if u := ledger.ExplorerURL(s.explorerBase, res.LedgerTxHash); u != "" {
				body["explorer_url"] = u
			}
		}
		if res.ManualIntervention {
			status = http.StatusInternalServerError
			body["manual_intervention_required"] = true
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
		return
	}
	s.writeDomainError(w, err)
}

// writeDomainError maps domain sentinel errors to HTTP statuses.
func (s *Service) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "project curve not found", http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, "curve already exists for project", http.StatusConflict)
	case errors.Is(err, store.ErrSupplyConflict):
		writeError(w, "concurrent supply update, retry", http.StatusConflict)
	case errors.Is(err, engine.ErrSlippageExceeded),
		errors.Is(err, engine.ErrInsufficientSupply),
		errors.Is(err, limits.ErrTradeNotionalExceeded),
		errors.Is(err, limits.ErrWalletNotionalExceeded),
		errors.Is(err, curve.ErrBudgetTooSmall):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, curve.ErrInvalidAmount),
		errors.Is(err, curve.ErrInvalidCurveState),
		errors.Is(err, curve.ErrOverflow),
		errors.Is(err, ledger.ErrInvalidWallet),
		errors.Is(err, orderbook.ErrInvalidOrder):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, orderbook.ErrNotOwner):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, orderbook.ErrNotCancellable):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
