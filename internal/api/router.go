/**
 * @description
 * This file sets up the HTTP router for the credit-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * authentication middleware per route group.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the billing UI.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures authentication and CORS for NewRouter.
type RouterOptions struct {
	JWKSURL        string
	InternalAPIKey string
	AllowedOrigins []string
	// UserAuth replaces the Clerk middleware when set.
	UserAuth func(http.Handler) http.Handler
}

// NewRouter creates a new Chi router and registers the credit routes.
func NewRouter(h *CreditHandlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	userAuth := opts.UserAuth
	if userAuth == nil {
		userAuth = ClerkAuthMiddleware(opts.JWKSURL)
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Route("/credits", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   origins,
				AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
			r.Use(userAuth)
			r.Get("/me/balance", h.GetMyBalanceHandler)
			r.Get("/me/grants", h.ListMyGrantsHandler)
			r.Get("/me/transactions", h.ListMyTransactionsHandler)
			r.Post("/me/purchase-orders", h.CreatePurchaseOrderHandler)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
			r.Post("/deductions", h.DeductHandler)
			r.Get("/users/{userID}/balance", h.GetUserBalanceHandler)
			r.Get("/users/{userID}/grants", h.ListUserGrantsHandler)
			r.Post("/grants", h.GrantHandler)
			r.Post("/grants/{grantID}/expire", h.ExpireGrantHandler)
			r.Post("/expiry-sweeps", h.RunExpirySweepHandler)
		})

		// Authenticated by the payload signature, not by a header credential.
		r.Post("/webhooks/payments", h.PaymentWebhookHandler)
	})

	return r
}
