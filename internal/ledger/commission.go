package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/carpool/internal/model"
	"github.com/mmeshcher/carpool/internal/repository"
)

// Quote - расчёт оплаты бронирования.
type Quote struct {
	TotalCost  int64
	Payout     int64
	Commission int64
	// Clamped означает, что комиссия превысила стоимость и выплата водителю обнулена.
	Clamped bool
}

// QuoteBooking рассчитывает стоимость мест и её распределение между водителем и платформой.
// Сумма выплаты и комиссии всегда равна стоимости.
func QuoteBooking(ride *model.Ride, seats int) Quote {
	total := int64(seats) * ride.PricePerSeat
	commission := int64(seats) * ride.PlatformCommission

	q := Quote{
		TotalCost:  total,
		Payout:     total - commission,
		Commission: commission,
	}
	if q.Payout < 0 {
		q.Payout = 0
		q.Commission = total
		q.Clamped = true
	}
	return q
}

// Settlement - транзакции, записанные при оплате бронирования.
type Settlement struct {
	Payment    model.Transaction
	Payout     model.Transaction
	Commission model.Transaction
}

// Transactions возвращает записи расчёта списком.
func (s *Settlement) Transactions() []model.Transaction {
	return []model.Transaction{s.Payment, s.Payout, s.Commission}
}

// PayBooking списывает стоимость бронирования с пассажира, зачисляет выплату
// водителю и комиссию платформе. Бронирование уже должно быть сохранено.
// Блокируются только счета пассажира и водителя.
func (l *Ledger) PayBooking(ctx context.Context, tx repository.Tx, ride *model.Ride, b *model.Booking) (*Settlement, error) {
	q := QuoteBooking(ride, b.SeatsBooked)
	if q.TotalCost != b.TotalCost || q.Commission != b.Commission {
		return nil, fmt.Errorf("pay booking %d: quote does not match booking", b.ID)
	}
	if q.Clamped {
		l.logger.Warn("commission exceeds ride price, driver payout is zero",
			zap.String("op", "pay_booking"),
			zap.Int64("ride_id", ride.ID),
			zap.Int64("booking_id", b.ID),
			zap.Int64("price_per_seat", ride.PricePerSeat),
			zap.Int64("platform_commission", ride.PlatformCommission),
		)
		if l.metrics != nil {
			l.metrics.PayoutBelowZero.Inc()
		}
	}

	accounts, err := lockAccounts(ctx, tx, b.PassengerID, ride.DriverID)
	if err != nil {
		return nil, err
	}

	bookingID := b.ID
	var s Settlement

	payment, err := l.apply(ctx, tx, accounts[b.PassengerID], Entry{
		AccountID: b.PassengerID,
		Amount:    -q.TotalCost,
		Kind:      model.KindBookingPayment,
		BookingID: &bookingID,
	})
	if err != nil {
		return nil, err
	}
	s.Payment = *payment

	payout, err := l.apply(ctx, tx, accounts[ride.DriverID], Entry{
		AccountID: ride.DriverID,
		Amount:    q.Payout,
		Kind:      model.KindRidePayout,
		BookingID: &bookingID,
	})
	if err != nil {
		return nil, err
	}
	s.Payout = *payout

	commission, err := l.creditPlatform(ctx, tx, Entry{
		AccountID: model.PlatformAccountID,
		Amount:    q.Commission,
		Kind:      model.KindPlatformCommission,
		BookingID: &bookingID,
	})
	if err != nil {
		return nil, err
	}
	s.Commission = *commission

	return &s, nil
}

// RefundBooking возвращает пассажиру полную стоимость бронирования и сторнирует
// выплату водителю. Комиссия платформы не возвращается.
func (l *Ledger) RefundBooking(ctx context.Context, tx repository.Tx, ride *model.Ride, b *model.Booking) ([]model.Transaction, error) {
	accounts, err := lockAccounts(ctx, tx, b.PassengerID, ride.DriverID)
	if err != nil {
		return nil, err
	}

	bookingID := b.ID
	var res []model.Transaction

	if payout := b.DriverPayout(); payout > 0 {
		reversal, err := l.apply(ctx, tx, accounts[ride.DriverID], Entry{
			AccountID: ride.DriverID,
			Amount:    -payout,
			Kind:      model.KindRidePayout,
			BookingID: &bookingID,
		})
		if err != nil {
			return nil, err
		}
		res = append(res, *reversal)
	}

	refund, err := l.apply(ctx, tx, accounts[b.PassengerID], Entry{
		AccountID: b.PassengerID,
		Amount:    b.TotalCost,
		Kind:      model.KindBookingRefund,
		BookingID: &bookingID,
	})
	if err != nil {
		return nil, err
	}
	res = append(res, *refund)

	return res, nil
}
