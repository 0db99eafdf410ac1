package payment

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPHandler exposes the pay and retry endpoints.
type HTTPHandler struct {
	store      *Store
	processor  Processor
	maxRetries int
	log        *slog.Logger
}

// NewHTTPHandler builds the handler. maxRetries bounds the manual retry
// path; values <= 0 take the MaxRetries default.
func NewHTTPHandler(store *Store, processor Processor, maxRetries int, log *slog.Logger) *HTTPHandler {
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	return &HTTPHandler{store: store, processor: processor, maxRetries: maxRetries, log: log}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /payments/pay", h.handlePay)
	mux.HandleFunc("POST /payments/retry", h.handleRetry)
	mux.HandleFunc("GET /health", h.handleHealth)
}

type payRequest struct {
	BookingID string `json:"bookingId"`
	Amount    int64  `json:"amount"`
	Method    string `json:"method"`
}

func (h *HTTPHandler) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		http.Error(w, "invalid bookingId", http.StatusBadRequest)
		return
	}

	existing, err := h.store.GetByBooking(r.Context(), bookingID)
	if err == nil && existing.IsTerminal() {
		writeJSON(w, http.StatusOK, existing)
		return
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		h.log.Error("failed to load payment", slog.Any("error", err))
		http.Error(w, "failed to load payment", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	pending := Payment{
		ID:        uuid.New(),
		BookingID: bookingID,
		Amount:    req.Amount,
		Method:    req.Method,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	pending, err = h.store.UpsertPending(r.Context(), pending)
	if err != nil {
		h.log.Error("failed to create pending payment", slog.Any("error", err))
		http.Error(w, "failed to create pending payment", http.StatusInternalServerError)
		return
	}

	txID, chargeErr := h.processor.Charge(r.Context(), pending)
	result, err := h.store.RecordOutcome(r.Context(), bookingID, txID, chargeErr)
	if err != nil {
		h.log.Error("failed to record payment outcome", slog.Any("error", err))
		http.Error(w, "failed to record payment outcome", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type retryRequest struct {
	BookingID string `json:"bookingId"`
	Method    string `json:"method,omitempty"`
}

func (h *HTTPHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		http.Error(w, "invalid bookingId", http.StatusBadRequest)
		return
	}

	existing, err := h.store.GetByBooking(r.Context(), bookingID)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("failed to load payment for retry", slog.Any("error", err))
		http.Error(w, "failed to load payment", http.StatusInternalServerError)
		return
	}
	// PERMANENTLY_FAILED is a no-op returning the same record; SUCCESS is a
	// business-rule denial (a settled charge is never retried); only FAILED
	// payments actually retry.
	if existing.Status == StatusPermanentlyFailed {
		writeJSON(w, http.StatusOK, existing)
		return
	}
	if existing.Status != StatusFailed {
		http.Error(w, "payment is not eligible for retry", http.StatusConflict)
		return
	}

	// A payment already at the retry ceiling is deposited to the
	// dead-letter store without spending another charge attempt.
	if existing.RetryCount >= h.maxRetries {
		result, err := h.store.DepositExhaustedRetry(r.Context(), bookingID, h.maxRetries)
		if err != nil {
			h.log.Error("failed to deposit exhausted retry", slog.Any("error", err))
			http.Error(w, "failed to deposit exhausted retry", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if req.Method != "" {
		existing.Method = req.Method
	}
	txID, chargeErr := h.processor.Charge(r.Context(), existing)
	result, err := h.store.RecordRetryOutcome(r.Context(), bookingID, txID, chargeErr)
	if err != nil {
		h.log.Error("failed to record retry outcome", slog.Any("error", err))
		http.Error(w, "failed to record retry outcome", http.StatusInternalServerError)
		return
	}

	// Never raises on max-retry: PERMANENTLY_FAILED is still a 200.
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
