package inventory

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// HTTPHandler exposes availability reads and the operator-only reserve/
// release surface from the saga's external interface.
type HTTPHandler struct {
	store *CachedStore
	log   *slog.Logger
}

func NewHTTPHandler(store *CachedStore, log *slog.Logger) *HTTPHandler {
	return &HTTPHandler{store: store, log: log}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /inventory/check-availability", h.handleCheckAvailability)
	mux.HandleFunc("GET /inventory", h.handleList)
	mux.HandleFunc("GET /inventory/{itemId}", h.handleGet)
	mux.HandleFunc("POST /inventory/reserve", h.handleReserve)
	mux.HandleFunc("POST /inventory/release", h.handleRelease)
	mux.HandleFunc("GET /health", h.handleHealth)
}

type checkAvailabilityRequest struct {
	ItemID   string `json:"itemId"`
	Quantity int32  `json:"quantity"`
}

func (h *HTTPHandler) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req checkAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	it, err := h.store.GetItem(r.Context(), req.ItemID)
	if errors.Is(err, ErrItemNotFound) {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("failed to check availability", slog.Any("error", err))
		http.Error(w, "failed to check availability", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"available": it.AvailableQuantity >= req.Quantity})
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListItems(r.Context())
	if err != nil {
		h.log.Error("failed to list items", slog.Any("error", err))
		http.Error(w, "failed to list items", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemId")
	it, err := h.store.GetItem(r.Context(), itemID)
	if errors.Is(err, ErrItemNotFound) {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("failed to get item", slog.Any("error", err))
		http.Error(w, "failed to get item", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

type reserveRequest struct {
	BookingID string `json:"bookingId"`
	ItemID    string `json:"itemId"`
	Quantity  int32  `json:"quantity"`
}

func (h *HTTPHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		http.Error(w, "invalid bookingId", http.StatusBadRequest)
		return
	}

	res, err := h.store.Reserve(r.Context(), bookingID, req.ItemID, req.Quantity, 0)
	h.store.InvalidateAfterMutation(r.Context(), req.ItemID)
	if errors.Is(err, ErrItemNotFound) {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("failed to reserve", slog.Any("error", err))
		http.Error(w, "failed to reserve", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type releaseRequest struct {
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason"`
}

func (h *HTTPHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		http.Error(w, "invalid bookingId", http.StatusBadRequest)
		return
	}

	if err := h.store.Release(r.Context(), bookingID, req.Reason); err != nil {
		h.log.Error("failed to release", slog.Any("error", err))
		http.Error(w, "failed to release", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
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
