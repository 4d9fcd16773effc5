package booking

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/carpool/internal/ledger"
	"github.com/mmeshcher/carpool/internal/metrics"
	"github.com/mmeshcher/carpool/internal/model"
	"github.com/mmeshcher/carpool/internal/repository"
	"github.com/mmeshcher/carpool/internal/repository/memory"
)

type recordingNotifier struct {
	mu    sync.Mutex
	rides []int64
	err   error
}

func (n *recordingNotifier) RideChanged(_ context.Context, rideID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rides = append(n.rides, rideID)
	return n.err
}

type fixture struct {
	store    *memory.Store
	ledger   *ledger.Ledger
	engine   *Engine
	metrics  *metrics.Metrics
	notifier *recordingNotifier

	driver    model.User
	passenger model.User
	vehicle   model.Vehicle
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store := memory.New()
	m := metrics.New(prometheus.NewRegistry())
	l := ledger.New(store, zap.NewNop(), m)
	n := &recordingNotifier{}

	f := &fixture{
		store:    store,
		ledger:   l,
		metrics:  m,
		notifier: n,
		engine:   New(store, l, zap.NewNop(), m, append([]Option{WithNotifier(n)}, opts...)...),
	}

	f.driver = store.AddUser(model.User{DisplayName: "Driver", Rating: 4.8})
	f.passenger = store.AddUser(model.User{DisplayName: "Passenger"})
	f.vehicle = store.AddVehicle(model.Vehicle{OwnerID: f.driver.ID, Brand: "Renault", Model: "Zoe", Seats: 4, Energy: "electric"})

	f.fund(t, f.driver.ID, 0)
	f.fund(t, f.passenger.ID, 100)
	return f
}

func (f *fixture) fund(t *testing.T, userID, amount int64) {
	t.Helper()

	_, err := f.ledger.OpenAccount(context.Background(), userID)
	require.NoError(t, err)
	if amount > 0 {
		_, err = f.ledger.RecordTransaction(context.Background(), userID, amount, model.KindBookingRefund, nil)
		require.NoError(t, err)
	}
}

func (f *fixture) publish(t *testing.T, price int64, seats int) *model.Ride {
	t.Helper()

	ride, err := f.engine.Publish(context.Background(), RideDraft{
		DriverID:      f.driver.ID,
		VehicleID:     f.vehicle.ID,
		DepartureCity: "Paris",
		ArrivalCity:   "Lyon",
		DepartureAt:   time.Date(2026, 11, 1, 8, 0, 0, 0, time.UTC),
		PricePerSeat:  price,
		TotalSeats:    seats,
	})
	require.NoError(t, err)
	return ride
}

func (f *fixture) ride(t *testing.T, id int64) *model.Ride {
	t.Helper()

	r, err := f.engine.GetRide(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (f *fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()

	acc, err := f.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return acc.CurrentBalance
}

// assertSeats проверяет, что свободные места и места подтверждённых бронирований дают вместимость поездки.
func (f *fixture) assertSeats(t *testing.T, rideID int64) {
	t.Helper()

	ride := f.ride(t, rideID)
	held := 0
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		bookings, err := tx.BookingsByRide(ctx, rideID, model.BookingStatusConfirmed)
		for _, b := range bookings {
			held += b.SeatsBooked
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, ride.TotalSeats, ride.AvailableSeats+held)
	assert.GreaterOrEqual(t, ride.AvailableSeats, 0)
}

func (f *fixture) insertPending(t *testing.T, rideID, passengerID int64) *model.Booking {
	t.Helper()

	b := &model.Booking{RideID: rideID, PassengerID: passengerID, SeatsBooked: 1, TotalCost: 20, Status: model.BookingStatusPending}
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertBooking(ctx, b)
	})
	require.NoError(t, err)
	return b
}

func TestPublish(t *testing.T) {
	f := newFixture(t, WithDefaultCommission(3))

	ride := f.publish(t, 20, 3)
	assert.Equal(t, model.RideStatusScheduled, ride.Status)
	assert.Equal(t, 3, ride.AvailableSeats)
	assert.Equal(t, int64(3), ride.PlatformCommission)
	assert.Equal(t, []int64{ride.ID}, f.notifier.rides)
}

func TestPublish_CommissionOutOfRangeIgnored(t *testing.T) {
	for _, c := range []int64{-1, model.MaxCreditsPerSeat + 1} {
		f := newFixture(t, WithDefaultCommission(c))

		ride := f.publish(t, 20, 3)
		assert.Equal(t, DefaultCommission, ride.PlatformCommission)
	}
}

func TestPublish_Rejected(t *testing.T) {
	f := newFixture(t)
	other := f.store.AddUser(model.User{DisplayName: "Other"})

	base := RideDraft{
		DriverID:      f.driver.ID,
		VehicleID:     f.vehicle.ID,
		DepartureCity: "Paris",
		ArrivalCity:   "Lyon",
		DepartureAt:   time.Date(2026, 11, 1, 8, 0, 0, 0, time.UTC),
		PricePerSeat:  20,
		TotalSeats:    3,
	}

	tests := []struct {
		name    string
		mutate  func(d *RideDraft)
		wantErr error
	}{
		{name: "foreign vehicle", mutate: func(d *RideDraft) { d.DriverID = other.ID }, wantErr: model.ErrForbidden},
		{name: "more seats than vehicle", mutate: func(d *RideDraft) { d.TotalSeats = 5 }, wantErr: model.ErrInvalidArgument},
		{name: "no seats", mutate: func(d *RideDraft) { d.TotalSeats = 0 }, wantErr: model.ErrInvalidArgument},
		{name: "negative price", mutate: func(d *RideDraft) { d.PricePerSeat = -1 }, wantErr: model.ErrInvalidArgument},
		{name: "price above limit", mutate: func(d *RideDraft) { d.PricePerSeat = model.MaxCreditsPerSeat + 1 }, wantErr: model.ErrInvalidArgument},
		{name: "overflowing price", mutate: func(d *RideDraft) { d.PricePerSeat = math.MaxInt64 / 2 }, wantErr: model.ErrInvalidArgument},
		{name: "missing city", mutate: func(d *RideDraft) { d.ArrivalCity = " " }, wantErr: model.ErrInvalidArgument},
		{name: "unknown vehicle", mutate: func(d *RideDraft) { d.VehicleID = 999 }, wantErr: model.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base
			tt.mutate(&d)

			_, err := f.engine.Publish(context.Background(), d)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReserve_PaysAndTakesSeats(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)

	b, err := f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 2)
	require.NoError(t, err)

	assert.Equal(t, model.BookingStatusConfirmed, b.Status)
	assert.Equal(t, int64(40), b.TotalCost)
	assert.Equal(t, int64(4), b.Commission)
	assert.Equal(t, 1, f.ride(t, ride.ID).AvailableSeats)

	assert.Equal(t, int64(60), f.balance(t, f.passenger.ID))
	assert.Equal(t, int64(36), f.balance(t, f.driver.ID))
	assert.Equal(t, int64(4), f.balance(t, model.PlatformAccountID))
	assert.Equal(t, []int64{ride.ID, ride.ID}, f.notifier.rides)
	f.assertSeats(t, ride.ID)

	got, err := f.engine.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	list, err := f.engine.ListByPassenger(context.Background(), f.passenger.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
}

func TestReserve_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, ride *model.Ride)
		actor   func(f *fixture) int64
		seats   int
		wantErr error
	}{
		{
			name:    "insufficient seats",
			seats:   4,
			wantErr: model.ErrInsufficientSeats,
		},
		{
			name:    "zero seats",
			seats:   0,
			wantErr: model.ErrInvalidArgument,
		},
		{
			name:    "driver books own ride",
			actor:   func(f *fixture) int64 { return f.driver.ID },
			seats:   1,
			wantErr: model.ErrForbidden,
		},
		{
			name: "insufficient funds",
			prepare: func(t *testing.T, f *fixture, _ *model.Ride) {
				_, err := f.ledger.RecordTransaction(context.Background(), f.passenger.ID, -90, model.KindBookingPayment, nil)
				require.NoError(t, err)
			},
			seats:   1,
			wantErr: model.ErrInsufficientFunds,
		},
		{
			name: "ride started",
			prepare: func(t *testing.T, f *fixture, ride *model.Ride) {
				require.NoError(t, f.engine.Start(context.Background(), ride.ID, f.driver.ID))
			},
			seats:   1,
			wantErr: model.ErrRideNotAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ride := f.publish(t, 20, 3)
			if tt.prepare != nil {
				tt.prepare(t, f, ride)
			}
			actor := f.passenger.ID
			if tt.actor != nil {
				actor = tt.actor(f)
			}
			before := f.balance(t, f.passenger.ID)

			_, err := f.engine.Reserve(context.Background(), ride.ID, actor, tt.seats)
			require.ErrorIs(t, err, tt.wantErr)

			assert.Equal(t, 3, f.ride(t, ride.ID).AvailableSeats)
			assert.Equal(t, before, f.balance(t, f.passenger.ID))
			assert.Equal(t, int64(0), f.balance(t, f.driver.ID))

			list, err := f.engine.ListByPassenger(context.Background(), f.passenger.ID)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestReserve_UnknownRide(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Reserve(context.Background(), 999, f.passenger.ID, 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReserve_LastSeatRace(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 1)

	const contenders = 10
	passengers := make([]int64, contenders)
	for i := range passengers {
		u := f.store.AddUser(model.User{DisplayName: "racer"})
		f.fund(t, u.ID, 50)
		passengers[i] = u.ID
	}

	var (
		mu       sync.Mutex
		won      int
		lostSeat int
	)
	var g errgroup.Group
	for _, p := range passengers {
		g.Go(func() error {
			_, err := f.engine.Reserve(context.Background(), ride.ID, p, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, model.ErrInsufficientSeats):
				lostSeat++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, won)
	assert.Equal(t, contenders-1, lostSeat)
	assert.Equal(t, 0, f.ride(t, ride.ID).AvailableSeats)
	assert.Equal(t, int64(18), f.balance(t, f.driver.ID))
	f.assertSeats(t, ride.ID)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Bookings.WithLabelValues("reserve", "ok")))
	assert.Equal(t, float64(contenders-1), testutil.ToFloat64(f.metrics.Bookings.WithLabelValues("reserve", "insufficient_seats")))
}

func TestCancel_RefundsPassenger(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)
	b, err := f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 2)
	require.NoError(t, err)

	cancelled, err := f.engine.Cancel(context.Background(), b.ID, f.passenger.ID)
	require.NoError(t, err)

	assert.Equal(t, model.BookingStatusCancelled, cancelled.Status)
	assert.Equal(t, 3, f.ride(t, ride.ID).AvailableSeats)
	assert.Equal(t, int64(100), f.balance(t, f.passenger.ID))
	assert.Equal(t, int64(0), f.balance(t, f.driver.ID))
	assert.Equal(t, int64(4), f.balance(t, model.PlatformAccountID))
	f.assertSeats(t, ride.ID)

	_, err = f.engine.Cancel(context.Background(), b.ID, f.passenger.ID)
	assert.ErrorIs(t, err, model.ErrNotCancellable)
}

func TestCancel_ByDriverAndStranger(t *testing.T) {
	f := newFixture(t)
	stranger := f.store.AddUser(model.User{DisplayName: "Stranger"})
	ride := f.publish(t, 20, 3)
	b, err := f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 1)
	require.NoError(t, err)

	_, err = f.engine.Cancel(context.Background(), b.ID, stranger.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	assert.Equal(t, 2, f.ride(t, ride.ID).AvailableSeats)

	_, err = f.engine.Cancel(context.Background(), b.ID, f.driver.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, f.ride(t, ride.ID).AvailableSeats)
}

func TestCancel_Pending(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)
	pending := f.insertPending(t, ride.ID, f.passenger.ID)

	b, err := f.engine.Cancel(context.Background(), pending.ID, f.passenger.ID)
	require.NoError(t, err)

	assert.Equal(t, model.BookingStatusCancelled, b.Status)
	assert.Equal(t, 3, f.ride(t, ride.ID).AvailableSeats)
	assert.Equal(t, int64(100), f.balance(t, f.passenger.ID))
}

func TestCancel_CompletedBooking(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)
	b, err := f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 1)
	require.NoError(t, err)
	require.NoError(t, f.engine.Complete(context.Background(), ride.ID))

	_, err = f.engine.Cancel(context.Background(), b.ID, f.passenger.ID)
	require.ErrorIs(t, err, model.ErrNotCancellable)
	assert.Equal(t, int64(80), f.balance(t, f.passenger.ID))
}

func TestCancel_DriverCannotCoverReversal(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)
	b, err := f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 2)
	require.NoError(t, err)

	_, err = f.ledger.RecordTransaction(context.Background(), f.driver.ID, -36, model.KindBookingPayment, nil)
	require.NoError(t, err)

	_, err = f.engine.Cancel(context.Background(), b.ID, f.passenger.ID)
	require.ErrorIs(t, err, model.ErrInsufficientFunds)

	got, err := f.engine.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusConfirmed, got.Status)
	assert.Equal(t, 1, f.ride(t, ride.ID).AvailableSeats)
	assert.Equal(t, int64(60), f.balance(t, f.passenger.ID))
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)
	confirmed, err := f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 1)
	require.NoError(t, err)
	pending := f.insertPending(t, ride.ID, f.passenger.ID)

	require.NoError(t, f.engine.Complete(context.Background(), ride.ID))
	version := f.ride(t, ride.ID).Version

	require.NoError(t, f.engine.Complete(context.Background(), ride.ID))
	assert.Equal(t, version, f.ride(t, ride.ID).Version)

	assert.Equal(t, model.RideStatusCompleted, f.ride(t, ride.ID).Status)

	got, err := f.engine.Get(context.Background(), confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCompleted, got.Status)

	got, err = f.engine.Get(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, got.Status)

	assert.Equal(t, int64(18), f.balance(t, f.driver.ID))
}

func TestComplete_CancelledRide(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)
	_, err := f.engine.CancelRide(context.Background(), ride.ID, f.driver.ID)
	require.NoError(t, err)

	err = f.engine.Complete(context.Background(), ride.ID)
	assert.ErrorIs(t, err, model.ErrRideNotAvailable)
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)

	err := f.engine.Start(context.Background(), ride.ID, f.passenger.ID)
	require.ErrorIs(t, err, model.ErrForbidden)

	require.NoError(t, f.engine.Start(context.Background(), ride.ID, f.driver.ID))
	require.NoError(t, f.engine.Start(context.Background(), ride.ID, f.driver.ID))
	assert.Equal(t, model.RideStatusInProgress, f.ride(t, ride.ID).Status)

	require.NoError(t, f.engine.Complete(context.Background(), ride.ID))
	err = f.engine.Start(context.Background(), ride.ID, f.driver.ID)
	assert.ErrorIs(t, err, model.ErrRideNotAvailable)
}

func TestCancelRide_RefundsEveryBooking(t *testing.T) {
	f := newFixture(t)
	second := f.store.AddUser(model.User{DisplayName: "Second"})
	f.fund(t, second.ID, 50)

	ride := f.publish(t, 20, 3)
	_, err := f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 2)
	require.NoError(t, err)
	_, err = f.engine.Reserve(context.Background(), ride.ID, second.ID, 1)
	require.NoError(t, err)

	_, err = f.engine.CancelRide(context.Background(), ride.ID, f.passenger.ID)
	require.ErrorIs(t, err, model.ErrForbidden)

	cancelled, err := f.engine.CancelRide(context.Background(), ride.ID, f.driver.ID)
	require.NoError(t, err)
	require.Len(t, cancelled, 2)
	for _, b := range cancelled {
		assert.Equal(t, model.BookingStatusCancelled, b.Status)
	}

	r := f.ride(t, ride.ID)
	assert.Equal(t, model.RideStatusCancelled, r.Status)
	assert.Equal(t, 3, r.AvailableSeats)
	assert.Equal(t, int64(100), f.balance(t, f.passenger.ID))
	assert.Equal(t, int64(50), f.balance(t, second.ID))
	assert.Equal(t, int64(0), f.balance(t, f.driver.ID))
	assert.Equal(t, int64(6), f.balance(t, model.PlatformAccountID))

	again, err := f.engine.CancelRide(context.Background(), ride.ID, f.driver.ID)
	require.NoError(t, err)
	assert.Empty(t, again)

	_, err = f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 1)
	assert.ErrorIs(t, err, model.ErrRideNotAvailable)
}

func TestReserve_NotifierFailureIgnored(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)
	f.notifier.err = errors.New("broker down")

	_, err := f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, f.ride(t, ride.ID).AvailableSeats)
}

func TestReserve_StorageUnavailable(t *testing.T) {
	f := newFixture(t)
	ride := f.publish(t, 20, 3)
	f.store.SetUnavailable(true)

	_, err := f.engine.Reserve(context.Background(), ride.ID, f.passenger.ID, 1)
	require.ErrorIs(t, err, model.ErrStorageUnavailable)

	f.store.SetUnavailable(false)
	assert.Equal(t, 3, f.ride(t, ride.ID).AvailableSeats)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Bookings.WithLabelValues("reserve", "storage_unavailable")))
}
