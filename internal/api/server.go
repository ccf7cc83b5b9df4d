package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nlc-ai/mailflow/internal/config"
	"github.com/nlc-ai/mailflow/internal/service/account"
	"github.com/nlc-ai/mailflow/internal/service/message"
	"github.com/nlc-ai/mailflow/internal/service/sequence"
	"github.com/nlc-ai/mailflow/internal/service/suppression"
	"github.com/nlc-ai/mailflow/internal/service/template"
)

// Services groups what the HTTP layer calls into. Webhooks is mounted as is
// under /webhooks and may be nil.
type Services struct {
	Messages     *message.Service
	Sequences    *sequence.Service
	Templates    *template.Renderer
	Accounts     *account.Service
	Suppressions *suppression.Service
	Webhooks     http.Handler
	Health       *HealthChecker
}

// Handlers holds the HTTP handlers of the pipeline API.
type Handlers struct {
	messages     *message.Service
	sequences    *sequence.Service
	templates    *template.Renderer
	accounts     *account.Service
	suppressions *suppression.Service
	now          func() time.Time
}

// NewHandlers creates the API handlers.
func NewHandlers(svc Services) *Handlers {
	return &Handlers{
		messages:     svc.Messages,
		sequences:    svc.Sequences,
		templates:    svc.Templates,
		accounts:     svc.Accounts,
		suppressions: svc.Suppressions,
		now:          time.Now,
	}
}

// Server represents the HTTP server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, svc Services) *Server {
	return &Server{
		config:  cfg,
		handler: NewRouter(NewHandlers(svc), svc.Webhooks, svc.Health, cfg.AllowedOrigins),
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	return s.handler
}
