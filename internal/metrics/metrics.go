// Package metrics содержит Prometheus-метрики журнала, бронирований и синхронизации зеркала.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics объединяет коллекторы ядра.
type Metrics struct {
	LedgerTransactions *prometheus.CounterVec
	CommissionCredits  prometheus.Counter
	PayoutBelowZero    prometheus.Counter

	Bookings *prometheus.CounterVec

	SyncRides        *prometheus.CounterVec
	SyncPassDuration prometheus.Histogram
	SyncPassAborted  prometheus.Counter
}

// New регистрирует коллекторы в reg. Для тестов передаётся prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		LedgerTransactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carpool_ledger_transactions_total",
			Help: "Ledger transactions recorded, by kind",
		}, []string{"kind"}),
		CommissionCredits: f.NewCounter(prometheus.CounterOpts{
			Name: "carpool_ledger_commission_credits_total",
			Help: "Credits collected as platform commission",
		}),
		PayoutBelowZero: f.NewCounter(prometheus.CounterOpts{
			Name: "carpool_ledger_payout_below_commission_total",
			Help: "Bookings where commission exceeded the ride price",
		}),
		Bookings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carpool_bookings_total",
			Help: "Booking operations, by operation and outcome",
		}, []string{"op", "outcome"}),
		SyncRides: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carpool_mirror_rides_total",
			Help: "Rides processed by the mirror sync, by result",
		}, []string{"result"}),
		SyncPassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "carpool_mirror_pass_duration_seconds",
			Help:    "Duration of full mirror sync passes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		SyncPassAborted: f.NewCounter(prometheus.CounterOpts{
			Name: "carpool_mirror_pass_aborted_total",
			Help: "Mirror sync passes aborted by storage unavailability",
		}),
	}
}
