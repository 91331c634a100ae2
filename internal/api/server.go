// Package api serves the operator surface: engine status, pending setup
// approvals, positions and orders, plus Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mercerlabs/futures-engine/internal/breaker"
	"github.com/mercerlabs/futures-engine/internal/engine"
	"github.com/mercerlabs/futures-engine/internal/models"
	"github.com/mercerlabs/futures-engine/internal/storage"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	engine    *engine.Engine
	storage   storage.Interface
	breakers  *breaker.Registry
	logger    *logrus.Logger
	accountID string
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
	AccountID string
}

// StatusView is the engine health snapshot returned by /api/status.
type StatusView struct {
	State       engine.EngineState       `json:"state"`
	Symbols     []string                 `json:"symbols"`
	PendingN    int                      `json:"pendingSetups"`
	Breakers    map[string]breaker.State `json:"breakers"`
	GeneratedAt time.Time                `json:"generatedAt"`
}

func NewServer(cfg Config, eng *engine.Engine, storage storage.Interface, breakers *breaker.Registry, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    eng,
		storage:   storage,
		breakers:  breakers,
		logger:    logger,
		accountID: cfg.AccountID,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/setups/pending", s.handlePendingSetups)
	s.router.Post("/api/setups/{id}/approve", s.handleApproveSetup)
	s.router.Post("/api/setups/{id}/reject", s.handleRejectSetup)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/orders", s.handleGetOrders)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, StatusView{
		State:       s.engine.State(),
		Symbols:     s.engine.Symbols(),
		PendingN:    len(s.engine.PendingSetups()),
		Breakers:    s.breakers.States(),
		GeneratedAt: time.Now(),
	})
}

func (s *Server) handlePendingSetups(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.engine.PendingSetups())
}

func (s *Server) handleApproveSetup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.ApproveSetup(r.Context(), id); err != nil {
		s.logger.WithError(err).WithField("setup", id).Error("Setup approval failed")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, map[string]string{"setup": id, "status": string(models.SetupExecuted)})
}

func (s *Server) handleRejectSetup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// Body is optional; a bare POST rejects without a reason.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	if err := s.engine.RejectSetup(id, body.Reason); err != nil {
		s.logger.WithError(err).WithField("setup", id).Error("Setup rejection failed")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, map[string]string{"setup": id, "status": string(models.SetupRejected)})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	positions, err := s.storage.ListOpenPositions(s.accountID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list open positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	s.writeJSON(w, positions)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, _ *http.Request) {
	orders, err := s.storage.ListActiveOrders(s.accountID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list active orders")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	s.writeJSON(w, orders)
}
