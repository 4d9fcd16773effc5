package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/carpool/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5, "application/json"))
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/account", func(r chi.Router) {
			r.Post("/", h.OpenAccount)
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
		})

		r.Route("/rides", func(r chi.Router) {
			r.Post("/", h.PublishRide)
			r.Get("/{rideID}", h.GetRide)
			r.Post("/{rideID}/bookings", h.Reserve)
			r.Post("/{rideID}/start", h.StartRide)
			r.Post("/{rideID}/complete", h.CompleteRide)
			r.Post("/{rideID}/cancel", h.CancelRide)
		})

		r.Route("/bookings", func(r chi.Router) {
			r.Get("/", h.ListBookings)
			r.Get("/{bookingID}", h.GetBooking)
			r.Post("/{bookingID}/cancel", h.CancelBooking)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/rides/{rideID}", h.SyncRide)
			r.Post("/all", h.SyncAll)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
