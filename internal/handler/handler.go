// Package handler содержит HTTP-обработчики API сервиса совместных поездок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/carpool/internal/booking"
	"github.com/mmeshcher/carpool/internal/ledger"
	"github.com/mmeshcher/carpool/internal/middleware"
	"github.com/mmeshcher/carpool/internal/mirror"
	"github.com/mmeshcher/carpool/internal/model"
)

// Bookings определяет операции бронирований, используемые HTTP-обработчиками.
type Bookings interface {
	Publish(ctx context.Context, d booking.RideDraft) (*model.Ride, error)
	Reserve(ctx context.Context, rideID, passengerID int64, seats int) (*model.Booking, error)
	Cancel(ctx context.Context, bookingID, actorID int64) (*model.Booking, error)
	Start(ctx context.Context, rideID, actorID int64) error
	Complete(ctx context.Context, rideID int64) error
	CancelRide(ctx context.Context, rideID, actorID int64) ([]model.Booking, error)
	Get(ctx context.Context, bookingID int64) (*model.Booking, error)
	GetRide(ctx context.Context, rideID int64) (*model.Ride, error)
	ListByPassenger(ctx context.Context, passengerID int64) ([]model.Booking, error)
}

// Accounts определяет операции со счетами.
type Accounts interface {
	OpenAccount(ctx context.Context, userID int64) (*model.Account, error)
	GetBalance(ctx context.Context, accountID int64) (*model.Account, error)
	GetHistory(ctx context.Context, accountID int64, limit int, before int64) (*ledger.HistoryPage, error)
}

// Mirror определяет ручной запуск синхронизации зеркала.
type Mirror interface {
	SyncRide(ctx context.Context, rideID int64) (mirror.Result, error)
	SyncAll(ctx context.Context) (*mirror.PassReport, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	bookings       Bookings
	accounts       Accounts
	mirror         Mirror
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(b Bookings, a Accounts, m Mirror, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		bookings:       b,
		accounts:       a,
		mirror:         m,
		logger:         logger,
		authMiddleware: auth,
	}
}

// statusFor сопоставляет доменную ошибку HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrInsufficientSeats),
		errors.Is(err, model.ErrRideNotAvailable),
		errors.Is(err, model.ErrNotCancellable),
		errors.Is(err, model.ErrConflictingMapping):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// OpenAccount открывает счёт текущему пользователю. Повторный вызов возвращает существующий счёт.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	acc, err := h.accounts.OpenAccount(r.Context(), userID)
	if err != nil {
		h.writeError(w, "open account", err, zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	acc, err := h.accounts.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, "get balance", err, zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetTransactions возвращает страницу истории транзакций текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, okLimit := queryInt(r, "limit")
	before, okBefore := queryInt(r, "before")
	if !okLimit || !okBefore {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	page, err := h.accounts.GetHistory(r.Context(), userID, int(limit), before)
	if err != nil {
		h.writeError(w, "get transactions", err, zap.Int64("userID", userID))
		return
	}
	if len(page.Transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// PublishRide публикует поездку от имени текущего пользователя.
func (h *Handler) PublishRide(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var draft booking.RideDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	draft.DriverID = userID

	ride, err := h.bookings.Publish(r.Context(), draft)
	if err != nil {
		h.writeError(w, "publish ride", err, zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

// GetRide возвращает поездку.
func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(r, "rideID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ride, err := h.bookings.GetRide(r.Context(), rideID)
	if err != nil {
		h.writeError(w, "get ride", err, zap.Int64("rideID", rideID))
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type reserveRequest struct {
	Seats int `json:"seats"`
}

// Reserve бронирует места в поездке для текущего пользователя.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	rideID, ok := pathID(r, "rideID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.bookings.Reserve(r.Context(), rideID, userID, req.Seats)
	if err != nil {
		h.writeError(w, "reserve", err, zap.Int64("userID", userID), zap.Int64("rideID", rideID))
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// StartRide переводит поездку текущего водителя в статус in_progress.
func (h *Handler) StartRide(w http.ResponseWriter, r *http.Request) {
	h.rideTransition(w, r, "start ride", func(ctx context.Context, rideID, userID int64) (any, error) {
		return nil, h.bookings.Start(ctx, rideID, userID)
	})
}

// CompleteRide завершает поездку текущего водителя.
func (h *Handler) CompleteRide(w http.ResponseWriter, r *http.Request) {
	h.rideTransition(w, r, "complete ride", func(ctx context.Context, rideID, userID int64) (any, error) {
		ride, err := h.bookings.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if ride.DriverID != userID {
			return nil, model.ErrForbidden
		}
		return nil, h.bookings.Complete(ctx, rideID)
	})
}

// CancelRide отменяет поездку текущего водителя вместе с её бронированиями.
func (h *Handler) CancelRide(w http.ResponseWriter, r *http.Request) {
	h.rideTransition(w, r, "cancel ride", func(ctx context.Context, rideID, userID int64) (any, error) {
		cancelled, err := h.bookings.CancelRide(ctx, rideID, userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ride_id": rideID, "cancelled_bookings": cancelled}, nil
	})
}

func (h *Handler) rideTransition(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, rideID, userID int64) (any, error)) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	rideID, ok := pathID(r, "rideID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	body, err := fn(r.Context(), rideID, userID)
	if err != nil {
		h.writeError(w, op, err, zap.Int64("userID", userID), zap.Int64("rideID", rideID))
		return
	}
	if body == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// ListBookings возвращает бронирования текущего пользователя.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	list, err := h.bookings.ListByPassenger(r.Context(), userID)
	if err != nil {
		h.writeError(w, "list bookings", err, zap.Int64("userID", userID))
		return
	}
	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetBooking возвращает бронирование пассажиру или водителю поездки.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	bookingID, ok := pathID(r, "bookingID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.bookings.Get(r.Context(), bookingID)
	if err == nil && b.PassengerID != userID {
		var ride *model.Ride
		ride, err = h.bookings.GetRide(r.Context(), b.RideID)
		if err == nil && ride.DriverID != userID {
			err = model.ErrForbidden
		}
	}
	if err != nil {
		h.writeError(w, "get booking", err, zap.Int64("userID", userID), zap.Int64("bookingID", bookingID))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CancelBooking отменяет бронирование по запросу пассажира или водителя.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	bookingID, ok := pathID(r, "bookingID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.bookings.Cancel(r.Context(), bookingID, userID)
	if err != nil {
		h.writeError(w, "cancel booking", err, zap.Int64("userID", userID), zap.Int64("bookingID", bookingID))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type syncRideResponse struct {
	RideID int64         `json:"ride_id"`
	Result mirror.Result `json:"result"`
}

// SyncRide синхронизирует одну поездку с зеркалом.
func (h *Handler) SyncRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := pathID(r, "rideID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.mirror.SyncRide(r.Context(), rideID)
	if err != nil {
		h.writeError(w, "sync ride", err, zap.Int64("rideID", rideID))
		return
	}
	writeJSON(w, http.StatusOK, syncRideResponse{RideID: rideID, Result: res})
}

// SyncAll выполняет полный проход синхронизации. Прерванный проход
// возвращает отчёт со статусом 503.
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.mirror.SyncAll(r.Context())
	if err != nil {
		h.logger.Error("sync all error", zap.Error(err))
		writeJSON(w, statusFor(err), report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
