package booking

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPHandler exposes the booking service's external interface: create and
// read, both over the stdlib ServeMux rather than a router dependency.
type HTTPHandler struct {
	store *Store
	log   *slog.Logger
}

func NewHTTPHandler(store *Store, log *slog.Logger) *HTTPHandler {
	return &HTTPHandler{store: store, log: log}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /bookings", h.handleCreate)
	mux.HandleFunc("GET /bookings/{id}", h.handleGet)
	mux.HandleFunc("GET /health", h.handleHealth)
}

type createBookingRequest struct {
	RoomID string `json:"roomId"`
	Amount int64  `json:"amount"`
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		http.Error(w, "missing X-User-Id", http.StatusBadRequest)
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RoomID == "" || req.Amount <= 0 {
		http.Error(w, "roomId and a positive amount are required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	b := Booking{
		ID:        uuid.New(),
		UserID:    userID,
		RoomID:    req.RoomID,
		Amount:    req.Amount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.Create(r.Context(), b); err != nil {
		h.log.Error("failed to create booking", slog.Any("error", err))
		http.Error(w, "failed to create booking", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(b)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid booking id", http.StatusBadRequest)
		return
	}

	b, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "booking not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("failed to get booking", slog.Any("error", err))
		http.Error(w, "failed to get booking", http.StatusInternalServerError)
		return
	}

	requester := r.Header.Get("X-User-Id")
	if r.Header.Get("X-Admin") != "true" && requester != b.UserID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
