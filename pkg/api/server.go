// Package api exposes the engine's operations over HTTP for the captive
// portal and the purchase flow.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/poller"
	"github.com/codelaboratoryltd/hotspotd/pkg/presence"
	"github.com/codelaboratoryltd/hotspotd/pkg/provision"
)

// Provisioner issues router accounts.
type Provisioner interface {
	Provision(ctx context.Context, purchase provision.Purchase) (*directory.RouterAccount, error)
}

// Poller reports and triggers poll cycles.
type Poller interface {
	Status() []poller.RouterStatus
	PollOnce(ctx context.Context, routerID string) (poller.CycleResult, error)
}

// Presence applies connect/disconnect signals.
type Presence interface {
	Connect(ctx context.Context, req presence.ConnectRequest) (directory.DeviceRecord, error)
	Disconnect(ctx context.Context, userID, mac string) (directory.DeviceRecord, error)
}

// Config holds server settings.
type Config struct {
	Listen      string
	JWTSecret   string
	CORSOrigins []string
	// Packages is the catalog purchases may reference by name.
	Packages []directory.Package
}

// DefaultListen is the API listen address when none is configured.
const DefaultListen = ":8080"

// Server is the HTTP API.
type Server struct {
	cfg         Config
	dir         directory.Directory
	provisioner Provisioner
	poller      Poller
	presence    Presence
	auth        *TokenAuth
	logger      *zap.Logger

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(cfg Config, dir directory.Directory, prov Provisioner, pol Poller, pres Presence, logger *zap.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	s := &Server{
		cfg:         cfg,
		dir:         dir,
		provisioner: prov,
		poller:      pol,
		presence:    pres,
		auth:        NewTokenAuth(cfg.JWTSecret),
		logger:      logger,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.Post("/devices/connect", s.handleConnect)
		r.Post("/devices/disconnect", s.handleDisconnect)
		r.Get("/users/{userID}/devices", s.handleListDevices)
		r.Post("/provision", s.handleProvision)
		r.Get("/routers", s.handleRouters)
		r.Post("/routers/{routerID}/poll", s.handlePoll)
	})

	return r
}

// Start serves until Stop. It returns once the listener fails or is closed;
// a Stop that comes first makes it return nil straight away.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.cfg.Listen), zap.Bool("auth", s.auth != nil))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
