package repository

import (
	"context"

	"github.com/mmeshcher/carpool/internal/model"
)

// Tx описывает операции реляционного хранилища внутри одной транзакции.
// Методы *ForUpdate блокируют строку до завершения транзакции.
type Tx interface {
	AccountForUpdate(ctx context.Context, userID int64) (*model.Account, error)
	UpdateAccount(ctx context.Context, acc *model.Account) error
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	GetVehicle(ctx context.Context, vehicleID int64) (*model.Vehicle, error)
	InsertRide(ctx context.Context, r *model.Ride) error
	RideForUpdate(ctx context.Context, rideID int64) (*model.Ride, error)
	// TakeSeats атомарно уменьшает число свободных мест запланированной поездки.
	TakeSeats(ctx context.Context, rideID int64, seats int) error
	ReleaseSeats(ctx context.Context, rideID int64, seats int) error
	SetRideStatus(ctx context.Context, rideID int64, status model.RideStatus) error

	InsertBooking(ctx context.Context, b *model.Booking) error
	BookingForUpdate(ctx context.Context, bookingID int64) (*model.Booking, error)
	SetBookingStatus(ctx context.Context, bookingID int64, status model.BookingStatus) error
	BookingsByRide(ctx context.Context, rideID int64, statuses ...model.BookingStatus) ([]model.Booking, error)
}

// TxFunc - тело транзакции. Возврат ошибки откатывает все изменения.
type TxFunc func(ctx context.Context, tx Tx) error

// Runner выполняет функцию в рамках одной транзакции.
type Runner interface {
	InTx(ctx context.Context, fn TxFunc) error
}
