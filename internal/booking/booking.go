// Package booking реализует жизненный цикл бронирований и поездок:
// резервирование мест, отмену и завершение. Движок - единственный код,
// изменяющий число свободных мест и статусы бронирований.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/carpool/internal/ledger"
	"github.com/mmeshcher/carpool/internal/metrics"
	"github.com/mmeshcher/carpool/internal/model"
	"github.com/mmeshcher/carpool/internal/repository"
)

// DefaultCommission - комиссия платформы за место, если она не задана конфигурацией.
const DefaultCommission int64 = 2

// Store описывает контракт хранилища, используемый движком.
type Store interface {
	repository.Runner
	GetRide(ctx context.Context, rideID int64) (*model.Ride, error)
	GetBooking(ctx context.Context, bookingID int64) (*model.Booking, error)
	BookingsByPassenger(ctx context.Context, passengerID int64) ([]model.Booking, error)
}

// Notifier получает идентификаторы поездок, изменённых зафиксированной транзакцией.
type Notifier interface {
	RideChanged(ctx context.Context, rideID int64) error
}

// Engine - движок бронирований.
type Engine struct {
	store             Store
	ledger            *ledger.Ledger
	notifier          Notifier
	logger            *zap.Logger
	metrics           *metrics.Metrics
	defaultCommission int64
}

// Option настраивает Engine.
type Option func(*Engine)

// WithNotifier подключает уведомления об изменённых поездках.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithDefaultCommission задаёт комиссию за место для публикуемых поездок.
// Значения вне [0, model.MaxCreditsPerSeat] игнорируются.
func WithDefaultCommission(c int64) Option {
	return func(e *Engine) {
		if c >= 0 && c <= model.MaxCreditsPerSeat {
			e.defaultCommission = c
		}
	}
}

// New создаёт движок бронирований.
func New(store Store, l *ledger.Ledger, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Engine {
	e := &Engine{
		store:             store,
		ledger:            l,
		logger:            logger,
		metrics:           m,
		defaultCommission: DefaultCommission,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RideDraft - данные публикуемой поездки.
type RideDraft struct {
	DriverID      int64     `json:"-"`
	VehicleID     int64     `json:"vehicle_id"`
	DepartureCity string    `json:"departure_city"`
	ArrivalCity   string    `json:"arrival_city"`
	DepartureAt   time.Time `json:"departure_datetime"`
	PricePerSeat  int64     `json:"price_per_seat"`
	TotalSeats    int       `json:"total_seats"`
}

// Publish создаёт запланированную поездку со всеми местами свободными.
func (e *Engine) Publish(ctx context.Context, d RideDraft) (*model.Ride, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}

	ride := &model.Ride{
		DriverID:           d.DriverID,
		VehicleID:          d.VehicleID,
		DepartureCity:      d.DepartureCity,
		ArrivalCity:        d.ArrivalCity,
		DepartureAt:        d.DepartureAt,
		PricePerSeat:       d.PricePerSeat,
		TotalSeats:         d.TotalSeats,
		AvailableSeats:     d.TotalSeats,
		Status:             model.RideStatusScheduled,
		PlatformCommission: e.defaultCommission,
	}

	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		v, err := tx.GetVehicle(ctx, d.VehicleID)
		if err != nil {
			return err
		}
		if v.OwnerID != d.DriverID {
			return fmt.Errorf("%w: vehicle %d does not belong to user %d", model.ErrForbidden, v.ID, d.DriverID)
		}
		if d.TotalSeats > v.Seats {
			return fmt.Errorf("%w: vehicle %d has %d seats", model.ErrInvalidArgument, v.ID, v.Seats)
		}
		return tx.InsertRide(ctx, ride)
	})
	e.observe("publish", err, zap.Int64("driver_id", d.DriverID), zap.Int64("vehicle_id", d.VehicleID))
	if err != nil {
		return nil, err
	}

	if ride.PricePerSeat < ride.PlatformCommission {
		e.logger.Warn("ride priced below platform commission",
			zap.String("op", "publish"),
			zap.Int64("ride_id", ride.ID),
			zap.Int64("price_per_seat", ride.PricePerSeat),
			zap.Int64("platform_commission", ride.PlatformCommission),
		)
	}

	e.notify(ctx, ride.ID)
	return ride, nil
}

func validateDraft(d RideDraft) error {
	var problems []string
	if strings.TrimSpace(d.DepartureCity) == "" || strings.TrimSpace(d.ArrivalCity) == "" {
		problems = append(problems, "cities are required")
	}
	if d.PricePerSeat < 0 {
		problems = append(problems, "price must not be negative")
	}
	if d.PricePerSeat > model.MaxCreditsPerSeat {
		problems = append(problems, fmt.Sprintf("price must not exceed %d", model.MaxCreditsPerSeat))
	}
	if d.TotalSeats < 1 {
		problems = append(problems, "at least one seat is required")
	}
	if d.DepartureAt.IsZero() {
		problems = append(problems, "departure time is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", model.ErrInvalidArgument, strings.Join(problems, "; "))
	}
	return nil
}

// Reserve бронирует места и оплачивает их одной транзакцией: уменьшение
// числа мест, создание подтверждённого бронирования и записи журнала либо
// фиксируются вместе, либо не происходят вовсе.
func (e *Engine) Reserve(ctx context.Context, rideID, passengerID int64, seats int) (*model.Booking, error) {
	if seats < 1 {
		return nil, fmt.Errorf("%w: seats must be at least 1", model.ErrInvalidArgument)
	}

	var (
		booking    *model.Booking
		settlement *ledger.Settlement
	)

	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ride, err := tx.RideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.Status != model.RideStatusScheduled {
			return fmt.Errorf("%w: ride %d is %s", model.ErrRideNotAvailable, rideID, ride.Status)
		}
		if ride.DriverID == passengerID {
			return fmt.Errorf("%w: driver cannot book own ride %d", model.ErrForbidden, rideID)
		}
		if ride.AvailableSeats < seats {
			return fmt.Errorf("%w: ride %d has %d, requested %d", model.ErrInsufficientSeats, rideID, ride.AvailableSeats, seats)
		}

		if err := tx.TakeSeats(ctx, rideID, seats); err != nil {
			return err
		}

		q := ledger.QuoteBooking(ride, seats)
		b := &model.Booking{
			RideID:      rideID,
			PassengerID: passengerID,
			SeatsBooked: seats,
			TotalCost:   q.TotalCost,
			Commission:  q.Commission,
			Status:      model.BookingStatusConfirmed,
		}
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}

		s, err := e.ledger.PayBooking(ctx, tx, ride, b)
		if err != nil {
			return err
		}

		booking, settlement = b, s
		return nil
	})
	e.observe("reserve", err, zap.Int64("ride_id", rideID), zap.Int64("passenger_id", passengerID), zap.Int("seats", seats))
	if err != nil {
		return nil, err
	}

	e.ledger.Observe(settlement.Transactions()...)
	e.notify(ctx, rideID)
	return booking, nil
}

// Cancel отменяет ожидающее или подтверждённое бронирование. Отменить может
// пассажир или водитель поездки. Отмена оплаченного бронирования возвращает
// ErrInsufficientFunds, если водитель уже потратил выплату и сторнировать её
// нечем; в этом случае ничего не меняется.
func (e *Engine) Cancel(ctx context.Context, bookingID, actorID int64) (*model.Booking, error) {
	current, err := e.store.GetBooking(ctx, bookingID)
	if err != nil {
		e.observe("cancel", err, zap.Int64("booking_id", bookingID))
		return nil, err
	}

	var (
		booking *model.Booking
		txns    []model.Transaction
	)

	err = e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		// Поездка блокируется раньше бронирования, как в Reserve и Complete.
		ride, err := tx.RideForUpdate(ctx, current.RideID)
		if err != nil {
			return err
		}
		b, err := tx.BookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if actorID != b.PassengerID && actorID != ride.DriverID {
			return fmt.Errorf("%w: user %d is not a participant of booking %d", model.ErrForbidden, actorID, bookingID)
		}
		if b.Status.Final() {
			return fmt.Errorf("%w: booking %d is %s", model.ErrNotCancellable, bookingID, b.Status)
		}

		txns, err = e.cancelBooking(ctx, tx, ride, b)
		if err != nil {
			return err
		}
		booking = b
		return nil
	})
	e.observe("cancel", err, zap.Int64("booking_id", bookingID), zap.Int64("actor_id", actorID))
	if err != nil {
		return nil, err
	}

	e.ledger.Observe(txns...)
	e.notify(ctx, booking.RideID)
	return booking, nil
}

// cancelBooking освобождает места и возвращает оплату. Ожидающее бронирование
// не занимало мест и не оплачивалось, поэтому у него меняется только статус.
func (e *Engine) cancelBooking(ctx context.Context, tx repository.Tx, ride *model.Ride, b *model.Booking) ([]model.Transaction, error) {
	var txns []model.Transaction

	if b.Status == model.BookingStatusConfirmed {
		if err := tx.ReleaseSeats(ctx, ride.ID, b.SeatsBooked); err != nil {
			return nil, err
		}
		refund, err := e.ledger.RefundBooking(ctx, tx, ride, b)
		if err != nil {
			return nil, err
		}
		txns = refund
	}

	if err := tx.SetBookingStatus(ctx, b.ID, model.BookingStatusCancelled); err != nil {
		return nil, err
	}
	b.Status = model.BookingStatusCancelled
	return txns, nil
}

// Start переводит запланированную поездку в статус «в пути». Новые бронирования после этого не принимаются.
func (e *Engine) Start(ctx context.Context, rideID, actorID int64) error {
	changed := false

	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ride, err := tx.RideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.DriverID != actorID {
			return fmt.Errorf("%w: user %d does not drive ride %d", model.ErrForbidden, actorID, rideID)
		}
		switch ride.Status {
		case model.RideStatusInProgress:
			return nil
		case model.RideStatusScheduled:
			changed = true
			return tx.SetRideStatus(ctx, rideID, model.RideStatusInProgress)
		default:
			return fmt.Errorf("%w: ride %d is %s", model.ErrRideNotAvailable, rideID, ride.Status)
		}
	})
	e.observe("start", err, zap.Int64("ride_id", rideID))
	if err != nil {
		return err
	}

	if changed {
		e.notify(ctx, rideID)
	}
	return nil
}

// Complete завершает поездку и все её подтверждённые бронирования.
// Повторный вызов для завершённой поездки ничего не делает.
func (e *Engine) Complete(ctx context.Context, rideID int64) error {
	changed := false

	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ride, err := tx.RideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		switch ride.Status {
		case model.RideStatusCompleted:
			return nil
		case model.RideStatusCancelled:
			return fmt.Errorf("%w: ride %d is cancelled", model.ErrRideNotAvailable, rideID)
		}

		bookings, err := tx.BookingsByRide(ctx, rideID, model.BookingStatusPending, model.BookingStatusConfirmed)
		if err != nil {
			return err
		}
		for _, b := range bookings {
			next := model.BookingStatusCompleted
			if b.Status == model.BookingStatusPending {
				next = model.BookingStatusCancelled
			}
			if err := tx.SetBookingStatus(ctx, b.ID, next); err != nil {
				return err
			}
		}

		changed = true
		return tx.SetRideStatus(ctx, rideID, model.RideStatusCompleted)
	})
	e.observe("complete", err, zap.Int64("ride_id", rideID))
	if err != nil {
		return err
	}

	if changed {
		e.notify(ctx, rideID)
	}
	return nil
}

// CancelRide снимает поездку водителем: все активные бронирования отменяются
// с возвратом оплаты, поездка получает статус cancelled и не удаляется.
func (e *Engine) CancelRide(ctx context.Context, rideID, actorID int64) ([]model.Booking, error) {
	var (
		cancelled []model.Booking
		txns      []model.Transaction
		changed   bool
	)

	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ride, err := tx.RideForUpdate(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.DriverID != actorID {
			return fmt.Errorf("%w: user %d does not drive ride %d", model.ErrForbidden, actorID, rideID)
		}
		switch ride.Status {
		case model.RideStatusCancelled:
			return nil
		case model.RideStatusCompleted:
			return fmt.Errorf("%w: ride %d is completed", model.ErrRideNotAvailable, rideID)
		}

		bookings, err := tx.BookingsByRide(ctx, rideID, model.BookingStatusPending, model.BookingStatusConfirmed)
		if err != nil {
			return err
		}
		for i := range bookings {
			b := &bookings[i]
			refund, err := e.cancelBooking(ctx, tx, ride, b)
			if err != nil {
				return err
			}
			txns = append(txns, refund...)
			cancelled = append(cancelled, *b)
		}

		changed = true
		return tx.SetRideStatus(ctx, rideID, model.RideStatusCancelled)
	})
	e.observe("cancel_ride", err, zap.Int64("ride_id", rideID), zap.Int64("actor_id", actorID))
	if err != nil {
		return nil, err
	}

	e.ledger.Observe(txns...)
	if changed {
		e.notify(ctx, rideID)
	}
	return cancelled, nil
}

// Get возвращает бронирование.
func (e *Engine) Get(ctx context.Context, bookingID int64) (*model.Booking, error) {
	return e.store.GetBooking(ctx, bookingID)
}

// GetRide возвращает поездку.
func (e *Engine) GetRide(ctx context.Context, rideID int64) (*model.Ride, error) {
	return e.store.GetRide(ctx, rideID)
}

// ListByPassenger возвращает бронирования пассажира.
func (e *Engine) ListByPassenger(ctx context.Context, passengerID int64) ([]model.Booking, error) {
	return e.store.BookingsByPassenger(ctx, passengerID)
}

func (e *Engine) notify(ctx context.Context, rideID int64) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.RideChanged(ctx, rideID); err != nil {
		// Проход синхронизации всё равно подхватит поездку по версии.
		e.logger.Warn("ride change notification failed",
			zap.String("op", "notify_ride_changed"),
			zap.Int64("ride_id", rideID),
			zap.Error(err),
		)
	}
}

func (e *Engine) observe(op string, err error, fields ...zap.Field) {
	res := outcome(err)
	if e.metrics != nil {
		e.metrics.Bookings.WithLabelValues(op, res).Inc()
	}
	if err == nil {
		return
	}

	fields = append(fields, zap.String("op", op), zap.String("outcome", res), zap.Error(err))
	if res == "error" || res == "storage_unavailable" {
		e.logger.Error("booking operation failed", fields...)
		return
	}
	e.logger.Info("booking operation rejected", fields...)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInsufficientSeats):
		return "insufficient_seats"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrRideNotAvailable):
		return "ride_not_available"
	case errors.Is(err, model.ErrNotCancellable):
		return "not_cancellable"
	case errors.Is(err, model.ErrForbidden):
		return "forbidden"
	case errors.Is(err, model.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, model.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}
