package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter configures all API routes. webhooks and health may be nil.
func NewRouter(h *Handlers, webhooks http.Handler, health *HealthChecker, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	if health != nil {
		r.Get("/health", health.HandleHealth)
		r.Get("/health/live", health.HandleLiveness)
		r.Get("/health/ready", health.HandleReadiness)
	}

	// Provider callbacks authenticate by signature, not by caller.
	if webhooks != nil {
		r.Mount("/webhooks", webhooks)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.CreateMessage)
			r.Post("/pause", h.PauseMessages)
			r.Post("/resume", h.ResumeMessages)
			r.Post("/cancel", h.CancelMessages)
			r.Post("/retry-failed", h.RetryFailed)
			r.Get("/{id}", h.GetMessage)
		})

		r.Post("/coaches/{coachID}/emergency-pause", h.EmergencyPause)

		r.Route("/sequences", func(r chi.Router) {
			r.Post("/", h.CreateSequence)
			r.Get("/{id}", h.GetSequence)
			r.Put("/{id}", h.UpdateSequence)
			r.Post("/{id}/execute", h.ExecuteSequence)
		})

		r.Post("/templates/render", h.RenderTemplate)

		r.Post("/accounts/{id}/primary", h.SetPrimaryAccount)

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/", h.ListSuppressions)
			r.Post("/", h.AddSuppression)
			r.Delete("/{email}", h.RemoveSuppression)
		})
	})

	return r
}
