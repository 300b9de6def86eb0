package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/ecopoints-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса ecopoints.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/user", func(r chi.Router) {
				r.Post("/account", h.EnsureAccount)
				r.Get("/account", h.GetAccount)

				r.Post("/claims", h.Claim)

				r.Get("/balance", h.GetBalance)
				r.Post("/balance/withdraw", h.Withdraw)

				r.Get("/withdrawals", h.GetWithdrawals)
				r.Get("/transactions", h.GetTransactions)
			})

			r.Get("/tokens/{tokenID}", h.GetToken)
		})
	})

	if h.metricsHandler != nil {
		r.Get("/metrics", h.metricsHandler.ServeHTTP)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
