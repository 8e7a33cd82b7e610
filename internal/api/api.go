// Package api exposes the FlowSend management API: flow CRUD, session
// inspection, instance status, and inbound webhook mounting.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowsend/flowsend/internal/flow"
	"github.com/flowsend/flowsend/internal/models"
	"github.com/flowsend/flowsend/internal/store"
	"github.com/flowsend/flowsend/internal/whatsapp"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

type webhookKey struct {
	ownerID    string
	instanceID string
}

// Server is the FlowSend HTTP API.
type Server struct {
	router  chi.Router
	addr    string
	store   store.Store
	engine  *flow.Engine
	manager *whatsapp.Manager
	hooks   map[webhookKey]http.HandlerFunc
	httpSrv *http.Server
}

// NewServer builds the API server and its route table.
func NewServer(st store.Store, engine *flow.Engine, manager *whatsapp.Manager, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		addr:    cfg.Addr,
		store:   st,
		engine:  engine,
		manager: manager,
		hooks:   make(map[webhookKey]http.HandlerFunc),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.healthHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/flows", func(r chi.Router) {
			r.Post("/", s.createFlowHandler)
			r.Get("/", s.listFlowsHandler)
			r.Route("/{flowID}", func(r chi.Router) {
				r.Get("/", s.getFlowHandler)
				r.Put("/", s.updateFlowHandler)
				r.Delete("/", s.deleteFlowHandler)
				r.Post("/activate", s.setFlowActiveHandler(true))
				r.Post("/deactivate", s.setFlowActiveHandler(false))
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessionsHandler)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.getSessionHandler)
				r.Post("/end", s.endSessionHandler)
			})
		})

		r.Post("/messages/simulate", s.simulateMessageHandler)
		r.Get("/instances/{ownerID}/{instanceID}/status", s.instanceStatusHandler)
		r.Post("/webhooks/twilio/{ownerID}/{instanceID}", s.twilioWebhookHandler)
	})

	s.router = r
	return s
}

// RegisterWebhook mounts an inbound webhook handler for a tenant instance.
// Must be called before Run.
func (s *Server) RegisterWebhook(ownerID, instanceID string, handler http.HandlerFunc) {
	s.hooks[webhookKey{ownerID, instanceID}] = handler
	slog.Debug("Webhook registered", "owner", ownerID, "instance", instanceID)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("FlowSend API listening", "addr", s.addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) instanceStatusHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	instanceID := chi.URLParam(r, "instanceID")
	status := s.manager.Status(ownerID, instanceID)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{
		"ownerId":    ownerID,
		"instanceId": instanceID,
		"status":     string(status),
	}))
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	key := webhookKey{chi.URLParam(r, "ownerID"), chi.URLParam(r, "instanceID")}
	handler, ok := s.hooks[key]
	if !ok {
		slog.Warn("Webhook for unregistered instance", "owner", key.ownerID, "instance", key.instanceID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown instance"))
		return
	}
	handler(w, r)
}
