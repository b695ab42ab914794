package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/loyalty-spin-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса лояльности.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/api/health", h.Health)

	r.Route("/api/points", func(r chi.Router) {
		r.Get("/balance/{customerID}", h.GetBalance)
		r.Get("/transactions/all", h.ListAllTransactions)
		r.Get("/transactions/export", h.ExportTransactions)
		r.Get("/transactions/{customerID}", h.ListTransactions)
		r.Post("/redeem", h.Redeem)
		r.Post("/adjust", h.Adjust)
		r.Get("/customers", h.ListCustomers)
	})

	r.Route("/api/spin", func(r chi.Router) {
		r.Get("/config", h.GetSpinConfig)
		r.Post("/config/reward", h.AddReward)
		r.Put("/config/reward/{rewardID}", h.UpdateReward)
		r.Delete("/config/reward/{rewardID}", h.RemoveReward)
		r.Get("/check/{customerID}", h.CheckSpin)
		r.Post("/play", h.Spin)
		r.Get("/history/{customerID}", h.ListSpins)
	})

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Post("/orders/create", h.OrderCreateWebhook)
		r.Post("/orders/update", h.OrderUpdateWebhook)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
