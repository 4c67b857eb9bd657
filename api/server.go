/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from front-desk clients

ROUTE GROUPS:
  /healthz              Liveness and store check
  /metrics              Prometheus scrape endpoint
  /api/reservations/*   Stay transitions
  /api/folios/*         Ledger operations
  /api/admin/*          Folio validation, room drift
  /api/offline/*        Offline operation queue
  /api/scenarios/*      Demo data

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultOrigins are used when no CORS origins are configured.
var DefaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/reservations/{id}", func(r chi.Router) {
			r.Post("/check-in", h.CheckIn)
			r.Post("/check-out", h.CheckOut)
			r.Post("/cancel", h.Cancel)
			r.Get("/folio", h.GetReservationFolio)
		})

		r.Route("/folios/{id}", func(r chi.Router) {
			r.Get("/", h.GetFolio)
			r.Post("/charges", h.PostCharge)
			r.Post("/charges/{chargeID}/reverse", h.ReverseCharge)
			r.Post("/payments", h.PostPayment)
			r.Post("/validate", h.ValidateFolio)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/folios/validate", h.ValidateAllFolios)
			r.Get("/rooms/drift", h.RoomDrift)
			r.Post("/rooms/reconcile", h.ReconcileRooms)
		})

		if h.Queue != nil {
			r.Route("/offline", func(r chi.Router) {
				r.Post("/operations", h.EnqueueOperation)
				r.Get("/operations/failed", h.FailedOperations)
				r.Post("/operations/{id}/retry", h.RetryOperation)
				r.Post("/drain", h.DrainQueue)
				r.Get("/stats", h.QueueStats)
				r.Get("/sessions/{id}", h.GetSession)
				r.Put("/sessions/{id}", h.PutSession)
				r.Get("/sessions/{id}/operations", h.SessionOperations)
				r.Get("/sessions/{id}/view", h.SessionView)
			})
		}

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
