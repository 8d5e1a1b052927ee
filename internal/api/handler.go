package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// historyLimit is how many accepted transactions the ingress retains per
// user for the history endpoint.
const historyLimit = 10

// Handler holds dependencies for API handlers.
type Handler struct {
	stream    domain.Stream
	store     domain.StateStore
	txlog     domain.TransactionLog
	evaluator *rules.Evaluator
	version   string

	// now is the ingest clock, replaceable in tests.
	now func() time.Time
}

// NewHandler creates a new API handler. txlog may be nil when the configured
// state backend keeps no transaction history.
func NewHandler(stream domain.Stream, store domain.StateStore, txlog domain.TransactionLog, evaluator *rules.Evaluator, version string) *Handler {
	return &Handler{
		stream:    stream,
		store:     store,
		txlog:     txlog,
		evaluator: evaluator,
		version:   version,
		now:       time.Now,
	}
}

// SubmitResponse is the response for POST /api/v1/transactions.
type SubmitResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
}

// SubmitTransaction handles POST /api/v1/transactions. It validates the
// request, assigns identity, records the user's recent history and publishes
// the transaction keyed by userId so detection sees the user's events in
// order.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	tx := req.ToTransaction(uuid.New().String(), h.now())

	// History is best effort bookkeeping; a failed append must not block
	// detection.
	if h.txlog != nil {
		if err := h.txlog.Append(ctx, tx.UserID, tx, historyLimit); err != nil {
			slog.Error("failed to record transaction history",
				"tx_id", tx.ID,
				"user_id", tx.UserID,
				"error", err,
			)
		}
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode transaction",
		})
		return
	}

	if err := h.stream.Publish(ctx, domain.TopicTransactions, tx.UserID, payload); err != nil {
		slog.Error("failed to publish transaction",
			"tx_id", tx.ID,
			"user_id", tx.UserID,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to submit transaction for processing",
		})
		return
	}

	metrics.TransactionsIngested.Inc()
	slog.Info("transaction received",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"amount", tx.Amount,
		"location", tx.Location,
	)

	writeJSON(w, http.StatusOK, SubmitResponse{
		Status:        "Transaction received",
		TransactionID: tx.ID,
	})
}

// GetUserTransactions handles GET /api/v1/users/{id}/transactions.
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user id is required",
		})
		return
	}

	if h.txlog == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error": "transaction history is not enabled for this backend",
		})
		return
	}

	txs, err := h.txlog.Recent(r.Context(), userID)
	if err != nil {
		slog.Error("failed to load transaction history",
			"user_id", userID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load transaction history",
		})
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":       userID,
		"transactions": txs,
	})
}

// GetRules handles GET /api/v1/rules, returning the active thresholds.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	cfg := h.evaluator.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"largeAmountThreshold":  cfg.LargeAmountThreshold,
		"rapidWindowSeconds":    int(cfg.RapidWindow / time.Second),
		"retriggerWhileSliding": cfg.RetriggerWhileSliding,
		"historySize":           domain.HistorySize,
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.stream != nil {
		if err := h.stream.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready handles GET /ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
