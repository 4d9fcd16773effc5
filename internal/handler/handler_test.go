package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/carpool/internal/booking"
	"github.com/mmeshcher/carpool/internal/ledger"
	"github.com/mmeshcher/carpool/internal/middleware"
	"github.com/mmeshcher/carpool/internal/mirror"
	"github.com/mmeshcher/carpool/internal/model"
)

type stubBookings struct {
	publishRide  *model.Ride
	publishErr   error
	publishDraft booking.RideDraft

	reserveBooking *model.Booking
	reserveErr     error
	reserveSeats   int

	cancelBooking *model.Booking
	cancelErr     error

	startErr    error
	completeErr error
	completed   int64

	cancelRideResp []model.Booking
	cancelRideErr  error

	getBooking *model.Booking
	getErr     error

	ride    *model.Ride
	rideErr error

	list    []model.Booking
	listErr error
}

func (s *stubBookings) Publish(_ context.Context, d booking.RideDraft) (*model.Ride, error) {
	s.publishDraft = d
	return s.publishRide, s.publishErr
}

func (s *stubBookings) Reserve(_ context.Context, _, _ int64, seats int) (*model.Booking, error) {
	s.reserveSeats = seats
	return s.reserveBooking, s.reserveErr
}

func (s *stubBookings) Cancel(context.Context, int64, int64) (*model.Booking, error) {
	return s.cancelBooking, s.cancelErr
}

func (s *stubBookings) Start(context.Context, int64, int64) error { return s.startErr }

func (s *stubBookings) Complete(_ context.Context, rideID int64) error {
	s.completed = rideID
	return s.completeErr
}

func (s *stubBookings) CancelRide(context.Context, int64, int64) ([]model.Booking, error) {
	return s.cancelRideResp, s.cancelRideErr
}

func (s *stubBookings) Get(context.Context, int64) (*model.Booking, error) {
	return s.getBooking, s.getErr
}

func (s *stubBookings) GetRide(context.Context, int64) (*model.Ride, error) {
	return s.ride, s.rideErr
}

func (s *stubBookings) ListByPassenger(context.Context, int64) ([]model.Booking, error) {
	return s.list, s.listErr
}

type stubAccounts struct {
	account *model.Account
	err     error

	page       *ledger.HistoryPage
	pageErr    error
	pageLimit  int
	pageBefore int64
}

func (s *stubAccounts) OpenAccount(context.Context, int64) (*model.Account, error) {
	return s.account, s.err
}

func (s *stubAccounts) GetBalance(context.Context, int64) (*model.Account, error) {
	return s.account, s.err
}

func (s *stubAccounts) GetHistory(_ context.Context, _ int64, limit int, before int64) (*ledger.HistoryPage, error) {
	s.pageLimit, s.pageBefore = limit, before
	return s.page, s.pageErr
}

type stubMirror struct {
	result mirror.Result
	err    error

	report    *mirror.PassReport
	reportErr error
}

func (s *stubMirror) SyncRide(context.Context, int64) (mirror.Result, error) {
	return s.result, s.err
}

func (s *stubMirror) SyncAll(context.Context) (*mirror.PassReport, error) {
	return s.report, s.reportErr
}

type testServer struct {
	router http.Handler
	auth   *middleware.AuthMiddleware
}

func newTestServer(t *testing.T, b Bookings, a Accounts, m Mirror) *testServer {
	t.Helper()

	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(b, a, m, zap.NewNop(), auth)
	return &testServer{router: h.SetupRouter(), auth: auth}
}

func (s *testServer) do(t *testing.T, userID int64, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID > 0 {
		token, err := s.auth.SignToken(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_RequiresToken(t *testing.T) {
	s := newTestServer(t, &stubBookings{}, &stubAccounts{}, &stubMirror{})

	rec := s.do(t, 0, http.MethodGet, "/api/account/balance", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetBalance(t *testing.T) {
	accounts := &stubAccounts{account: &model.Account{UserID: 42, CurrentBalance: 100, TotalEarned: 100}}
	s := newTestServer(t, &stubBookings{}, accounts, &stubMirror{})

	rec := s.do(t, 42, http.MethodGet, "/api/account/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":42,"current_balance":100,"total_earned":100,"total_spent":0}`, rec.Body.String())
}

func TestGetBalance_NotFound(t *testing.T) {
	accounts := &stubAccounts{err: fmt.Errorf("%w: account 42", model.ErrNotFound)}
	s := newTestServer(t, &stubBookings{}, accounts, &stubMirror{})

	rec := s.do(t, 42, http.MethodGet, "/api/account/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTransactions(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		page       *ledger.HistoryPage
		wantStatus int
		wantLimit  int
		wantBefore int64
	}{
		{
			name:       "page",
			query:      "?limit=2&before=40",
			page:       &ledger.HistoryPage{Transactions: []model.Transaction{{ID: 39}, {ID: 38}}, NextCursor: 38},
			wantStatus: http.StatusOK,
			wantLimit:  2,
			wantBefore: 40,
		},
		{
			name:       "empty",
			page:       &ledger.HistoryPage{},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "bad limit",
			query:      "?limit=abc",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative cursor",
			query:      "?before=-3",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &stubAccounts{page: tt.page}
			s := newTestServer(t, &stubBookings{}, accounts, &stubMirror{})

			rec := s.do(t, 42, http.MethodGet, "/api/account/transactions"+tt.query, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantLimit, accounts.pageLimit)
			assert.Equal(t, tt.wantBefore, accounts.pageBefore)
		})
	}
}

func TestPublishRide_DriverFromToken(t *testing.T) {
	bookings := &stubBookings{publishRide: &model.Ride{ID: 5, DriverID: 42, Status: model.RideStatusScheduled}}
	s := newTestServer(t, bookings, &stubAccounts{}, &stubMirror{})

	body := map[string]any{
		"vehicle_id":         3,
		"departure_city":     "Paris",
		"arrival_city":       "Lyon",
		"departure_datetime": "2026-11-01T08:00:00Z",
		"price_per_seat":     20,
		"total_seats":        3,
	}
	rec := s.do(t, 42, http.MethodPost, "/api/rides", body)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(42), bookings.publishDraft.DriverID)
	assert.Equal(t, int64(3), bookings.publishDraft.VehicleID)
	assert.Equal(t, 3, bookings.publishDraft.TotalSeats)
}

func TestReserve_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "created", wantStatus: http.StatusCreated},
		{name: "insufficient funds", err: model.ErrInsufficientFunds, wantStatus: http.StatusPaymentRequired},
		{name: "insufficient seats", err: model.ErrInsufficientSeats, wantStatus: http.StatusConflict},
		{name: "ride not available", err: model.ErrRideNotAvailable, wantStatus: http.StatusConflict},
		{name: "ride not found", err: model.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "invalid seats", err: model.ErrInvalidArgument, wantStatus: http.StatusUnprocessableEntity},
		{name: "own ride", err: model.ErrForbidden, wantStatus: http.StatusForbidden},
		{name: "storage down", err: model.ErrStorageUnavailable, wantStatus: http.StatusServiceUnavailable},
		{name: "unexpected", err: fmt.Errorf("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bookings := &stubBookings{
				reserveBooking: &model.Booking{ID: 1, RideID: 7, PassengerID: 42, SeatsBooked: 2},
				reserveErr:     tt.err,
			}
			s := newTestServer(t, bookings, &stubAccounts{}, &stubMirror{})

			rec := s.do(t, 42, http.MethodPost, "/api/rides/7/bookings", reserveRequest{Seats: 2})
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, 2, bookings.reserveSeats)
		})
	}
}

func TestReserve_BadRideID(t *testing.T) {
	s := newTestServer(t, &stubBookings{}, &stubAccounts{}, &stubMirror{})

	rec := s.do(t, 42, http.MethodPost, "/api/rides/abc/bookings", reserveRequest{Seats: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBooking_NotCancellable(t *testing.T) {
	bookings := &stubBookings{cancelErr: fmt.Errorf("%w: booking 3 is completed", model.ErrNotCancellable)}
	s := newTestServer(t, bookings, &stubAccounts{}, &stubMirror{})

	rec := s.do(t, 42, http.MethodPost, "/api/bookings/3/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "completed")
}

func TestCompleteRide_OnlyDriver(t *testing.T) {
	bookings := &stubBookings{ride: &model.Ride{ID: 7, DriverID: 1}}
	s := newTestServer(t, bookings, &stubAccounts{}, &stubMirror{})

	rec := s.do(t, 42, http.MethodPost, "/api/rides/7/complete", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, bookings.completed)

	rec = s.do(t, 1, http.MethodPost, "/api/rides/7/complete", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), bookings.completed)
}

func TestGetBooking_Visibility(t *testing.T) {
	bookings := &stubBookings{
		getBooking: &model.Booking{ID: 3, RideID: 7, PassengerID: 42},
		ride:       &model.Ride{ID: 7, DriverID: 1},
	}
	s := newTestServer(t, bookings, &stubAccounts{}, &stubMirror{})

	assert.Equal(t, http.StatusOK, s.do(t, 42, http.MethodGet, "/api/bookings/3", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, 1, http.MethodGet, "/api/bookings/3", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, 99, http.MethodGet, "/api/bookings/3", nil).Code)
}

func TestListBookings_Empty(t *testing.T) {
	s := newTestServer(t, &stubBookings{}, &stubAccounts{}, &stubMirror{})

	rec := s.do(t, 42, http.MethodGet, "/api/bookings", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSyncRide(t *testing.T) {
	s := newTestServer(t, &stubBookings{}, &stubAccounts{}, &stubMirror{result: mirror.ResultSynced})

	rec := s.do(t, 42, http.MethodPost, "/api/sync/rides/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ride_id":7,"result":"synced"}`, rec.Body.String())
}

func TestSyncAll_Aborted(t *testing.T) {
	m := &stubMirror{
		report:    &mirror.PassReport{Synced: 1, Cursor: 1, Aborted: true},
		reportErr: fmt.Errorf("replace ride: %w", model.ErrStorageUnavailable),
	}
	s := newTestServer(t, &stubBookings{}, &stubAccounts{}, m)

	rec := s.do(t, 42, http.MethodPost, "/api/sync/all", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report mirror.PassReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Aborted)
	assert.Equal(t, 1, report.Synced)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &stubBookings{}, &stubAccounts{}, &stubMirror{})

	rec := s.do(t, 0, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
