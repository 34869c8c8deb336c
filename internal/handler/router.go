package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/invest-ledger/internal/middleware"
)

func requestIDFromURL(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// SetupRouter настраивает HTTP-маршруты и middleware инвестиционного леджера.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	r.Route("/api/ledger", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/deposits", h.CreateDeposit)
		r.Delete("/deposits/{id}", h.CancelDeposit)

		r.Post("/withdrawals", h.CreateWithdrawal)
		r.Post("/investments", h.CreateInvestment)

		r.Get("/balance", h.GetBalance)
		r.Get("/history", h.GetHistory)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/preview", h.GetPreview)
	})

	// Обратный вызов канала одобрения. Не выставляется наружу:
	// доступ ограничивается на уровне сети.
	r.Post("/api/internal/decisions", h.Decision)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
