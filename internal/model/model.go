// Package model содержит доменные сущности ядра сервиса совместных поездок.
package model

import (
	"fmt"
	"time"
)

// MaxCreditsPerSeat ограничивает цену и комиссию за место, чтобы стоимость бронирования помещалась в int64.
const MaxCreditsPerSeat int64 = 1_000_000

// PlatformAccountID - зарезервированный счёт платформы, на который зачисляется комиссия.
const PlatformAccountID int64 = 0

// Account описывает кредитный счёт пользователя (один к одному с пользователем).
type Account struct {
	UserID         int64 `json:"user_id"`
	CurrentBalance int64 `json:"current_balance"`
	TotalEarned    int64 `json:"total_earned"`
	TotalSpent     int64 `json:"total_spent"`
}

// Apply применяет сумму транзакции к балансу и счётчикам счёта.
func (a *Account) Apply(amount int64) {
	a.CurrentBalance += amount
	if amount > 0 {
		a.TotalEarned += amount
	} else {
		a.TotalSpent -= amount
	}
}

// TransactionKind описывает тип записи в журнале.
type TransactionKind string

const (
	KindBookingPayment     TransactionKind = "booking_payment"
	KindBookingRefund      TransactionKind = "booking_refund"
	KindRidePayout         TransactionKind = "ride_payout"
	KindPlatformCommission TransactionKind = "platform_commission"
)

// Valid сообщает, известен ли тип транзакции.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindBookingPayment, KindBookingRefund, KindRidePayout, KindPlatformCommission:
		return true
	}
	return false
}

// Transaction - неизменяемая запись журнала. Положительная сумма - зачисление, отрицательная - списание.
type Transaction struct {
	ID               int64           `json:"id"`
	AccountID        int64           `json:"account_id"`
	Amount           int64           `json:"amount"`
	Kind             TransactionKind `json:"kind"`
	RelatedBookingID *int64          `json:"related_booking_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// RideStatus описывает статус поездки.
type RideStatus string

const (
	RideStatusScheduled  RideStatus = "scheduled"
	RideStatusInProgress RideStatus = "in_progress"
	RideStatusCompleted  RideStatus = "completed"
	RideStatusCancelled  RideStatus = "cancelled"
)

// Ride - опубликованная водителем поездка.
type Ride struct {
	ID                 int64      `json:"id"`
	DriverID           int64      `json:"driver_id"`
	VehicleID          int64      `json:"vehicle_id"`
	DepartureCity      string     `json:"departure_city"`
	ArrivalCity        string     `json:"arrival_city"`
	DepartureAt        time.Time  `json:"departure_datetime"`
	PricePerSeat       int64      `json:"price_per_seat"`
	TotalSeats         int        `json:"total_seats"`
	AvailableSeats     int        `json:"available_seats"`
	Status             RideStatus `json:"status"`
	PlatformCommission int64      `json:"platform_commission"`
	Version            int64      `json:"version"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// BookingStatus описывает статус бронирования.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Final сообщает, что из статуса нет переходов.
func (s BookingStatus) Final() bool {
	return s == BookingStatusCompleted || s == BookingStatusCancelled
}

// Booking - бронирование мест пассажиром.
type Booking struct {
	ID          int64         `json:"id"`
	RideID      int64         `json:"ride_id"`
	PassengerID int64         `json:"passenger_id"`
	SeatsBooked int           `json:"seats_booked"`
	TotalCost   int64         `json:"total_cost"`
	Commission  int64         `json:"commission"`
	Status      BookingStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// DriverPayout возвращает сумму, зачисленную водителю при оплате бронирования.
func (b *Booking) DriverPayout() int64 {
	return b.TotalCost - b.Commission
}

// User - краткие данные пользователя, необходимые зеркалу.
type User struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	Rating      float64   `json:"rating"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

// Vehicle - автомобиль водителя.
type Vehicle struct {
	ID      int64  `json:"id"`
	OwnerID int64  `json:"owner_id"`
	Brand   string `json:"brand"`
	Model   string `json:"model"`
	Color   string `json:"color"`
	Energy  string `json:"energy"`
	Seats   int    `json:"seats"`
	Version int64  `json:"version"`
}

// RideSnapshot - согласованный срез поездки, автомобиля и водителя для построения документа зеркала.
type RideSnapshot struct {
	Ride    Ride
	Vehicle Vehicle
	Driver  User
}

// Marker возвращает маркер версии среза.
func (s *RideSnapshot) Marker() string {
	return SourceMarker(s.Ride.Version, s.Vehicle.Version, s.Driver.Version)
}

// RideRef - ссылка на поездку с версиями связанных сущностей, используемая проходом синхронизации.
type RideRef struct {
	ID             int64
	Status         RideStatus
	RideVersion    int64
	VehicleVersion int64
	DriverVersion  int64
}

// Marker возвращает маркер версии, совпадающий с маркером полного среза.
func (r RideRef) Marker() string {
	return SourceMarker(r.RideVersion, r.VehicleVersion, r.DriverVersion)
}

// SourceMarker собирает маркер версии документа зеркала.
func SourceMarker(ride, vehicle, driver int64) string {
	return fmt.Sprintf("r%d.v%d.u%d", ride, vehicle, driver)
}
