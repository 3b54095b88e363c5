// Package server exposes the engine's operational surface over HTTP:
// connector lifecycle, job control, stale-job cleanup, health and metrics.
// It maps one route to one engine operation and adds nothing of its own.
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/knoom0/datanav/pkg/config"
	"github.com/knoom0/datanav/pkg/connector"
	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/logger"
	"github.com/knoom0/datanav/pkg/scheduler"
	"github.com/knoom0/datanav/pkg/source/registry"
	"github.com/knoom0/datanav/pkg/store"
)

// ConnectorResolver returns the connector orchestrator for an id.
type ConnectorResolver func(connectorID string) (*connector.Connector, error)

// Server is the HTTP operational surface.
type Server struct {
	cfg       *config.Config
	store     store.Store
	scheduler *scheduler.Scheduler
	resolve   ConnectorResolver
	router    chi.Router
	logger    *zap.Logger
}

// New wires the routes. The caller owns the store, scheduler and connector
// wiring; the server only dispatches to them.
func New(cfg *config.Config, st store.Store, sched *scheduler.Scheduler, resolve ConnectorResolver) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		resolve:   resolve,
		logger:    logger.Get().With(zap.String("component", "server")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if cfg.Observability.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/connectors", s.handleListConnectors)
		r.Route("/connectors/{connectorID}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/jobs", s.handleListJobs)
			r.Post("/connect", s.handleConnect)
			r.Post("/continue", s.handleContinue)
			r.Post("/disconnect", s.handleDisconnect)
		})

		r.Post("/jobs", s.handleCreateJob)
		r.Post("/jobs/cleanup", s.handleCleanup)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/run", s.handleRunJob)
	})

	s.router = r
	return s
}

// Handler returns the routed handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving the API until the context is canceled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registry.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.resolve(chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := conn.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type connectRequest struct {
	RedirectTarget string `json:"redirect_target"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.resolve(chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := conn.Connect(r.Context(), req.RedirectTarget)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type continueRequest struct {
	Code           string `json:"code"`
	RedirectTarget string `json:"redirect_target"`
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Code == "" {
		s.writeError(w, r, errors.New(errors.ErrorTypeValidation, "code is required"))
		return
	}
	conn, err := s.resolve(chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := conn.ContinueToConnect(r.Context(), req.Code, req.RedirectTarget); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.resolve(chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := conn.Disconnect(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req scheduler.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.scheduler.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.scheduler.ListByConnector(r.Context(), chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleRunJob executes one bounded run. With ?drain=true it keeps running
// the job's continuations until the load finishes, staying inside the
// request; without it the caller re-enqueues the returned next_job_ids.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	drain := r.URL.Query().Get("drain") == "true"

	result, err := s.runOnce(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for drain && len(result.NextJobIDs) > 0 {
		result, err = s.runOnce(r.Context(), result.NextJobIDs[0])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) runOnce(ctx context.Context, jobID string) (*scheduler.RunResult, error) {
	deadline := time.Now().Add(s.scheduler.MaxRunDuration())
	return s.scheduler.Run(ctx, jobID, deadline)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.Cleanup(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// writeError maps the error taxonomy to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	errType := errors.TypeOf(err)
	switch errType {
	case errors.ErrorTypeValidation, errors.ErrorTypeConfig:
		status = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeConflict:
		status = http.StatusConflict
	case errors.ErrorTypeAuthExchange:
		status = http.StatusUnauthorized
	case errors.ErrorTypeProviderFetch:
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Type: string(errType)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON tolerates an empty body so optional-field requests can omit it.
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid request body")
	}
	return nil
}
