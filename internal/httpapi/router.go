package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterDeps defines router construction dependencies.
type RouterDeps struct {
	HealthHandler http.HandlerFunc

	RecordEvent  http.HandlerFunc
	ListEvents   http.HandlerFunc
	ExportEvents http.HandlerFunc
	StreamEvents http.HandlerFunc

	ListBlocks  http.HandlerFunc
	CreateBlock http.HandlerFunc
	Unblock     http.HandlerFunc
	DeleteBlock http.HandlerFunc

	RequireAdmin func(http.Handler) http.Handler
}

// NewRouter wires HTTP routes.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if deps.HealthHandler != nil {
		r.Get("/healthz", deps.HealthHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Inbound gate call from the authentication flow. Trusted internal
		// caller behind the gateway; not operator-authenticated.
		r.Post("/events", deps.RecordEvent)

		r.Group(func(r chi.Router) {
			if deps.RequireAdmin != nil {
				r.Use(deps.RequireAdmin)
			}
			r.Get("/events", deps.ListEvents)
			r.Get("/events/export", deps.ExportEvents)
			r.Get("/events/stream", deps.StreamEvents)

			r.Route("/blocks", func(r chi.Router) {
				r.Get("/", deps.ListBlocks)
				r.Post("/", deps.CreateBlock)
				r.Post("/{id}/unblock", deps.Unblock)
				r.Delete("/{id}", deps.DeleteBlock)
			})
		})
	})

	return r
}
