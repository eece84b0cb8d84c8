// Package api is the JSON HTTP surface of the control plane.
//
// Endpoints:
//   - POST   /api/agents               deploy
//   - GET    /api/agents?userId=       list an owner's agents
//   - GET    /api/agents/{id}          agent details
//   - GET    /api/agents/{id}/status   provisioning progress and logs
//   - PATCH  /api/agents/{id}          {"action": "start"|"stop"|"restart"}
//   - DELETE /api/agents/{id}          destroy
//   - POST   /api/agents/{id}/verify   {"token": "..."} gateway token check
//   - GET    /healthz
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clawbrick/internal/agents"
	"clawbrick/internal/logger"
	"clawbrick/internal/provisioner"
	"clawbrick/internal/store"
)

const maxBodyBytes = 1 << 20

// AgentService is the part of *agents.Service the handlers call.
type AgentService interface {
	Deploy(ctx context.Context, req agents.DeployRequest) (*agents.DeployResponse, error)
	List(ctx context.Context, ownerID string) ([]agents.AgentView, error)
	Get(ctx context.Context, id string) (*agents.AgentView, error)
	Status(ctx context.Context, id string) (*agents.StatusView, error)
	Lifecycle(ctx context.Context, id string, action agents.Action) (agents.LifecycleResult, error)
	Destroy(ctx context.Context, id string) error
	Verify(ctx context.Context, id, token string) (bool, error)
}

type ServerOptions struct {
	Agents AgentService
	Logger *slog.Logger
	// DeployRate is deploy requests per second per client IP; zero disables limiting.
	DeployRate  float64
	DeployBurst int
}

type Server struct {
	agents  AgentService
	log     *slog.Logger
	limiter *clientLimiter
	mux     *http.ServeMux
}

// NewServer builds the router. ctx bounds the rate limiter's sweeper.
func NewServer(ctx context.Context, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{agents: opts.Agents, log: log.With("component", "api"), mux: http.NewServeMux()}
	if opts.DeployRate > 0 {
		s.limiter = newClientLimiter(ctx, opts.DeployRate, opts.DeployBurst)
	}

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	s.mux.HandleFunc("POST /api/agents", s.handleDeploy)
	s.mux.HandleFunc("GET /api/agents", s.handleList)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleGet)
	s.mux.HandleFunc("GET /api/agents/{id}/status", s.handleStatus)
	s.mux.HandleFunc("PATCH /api/agents/{id}", s.handleLifecycle)
	s.mux.HandleFunc("DELETE /api/agents/{id}", s.handleDestroy)
	s.mux.HandleFunc("POST /api/agents/{id}/verify", s.handleVerify)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	if r.URL.Path == "/healthz" {
		return
	}
	s.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(r) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req agents.DeployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	resp, err := s.agents.Deploy(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"agent": map[string]any{
			"id":           resp.ID,
			"name":         resp.Name,
			"status":       resp.Status,
			"subdomain":    resp.Subdomain,
			"deployRegion": resp.DeployRegion,
		},
		"gatewayToken": resp.GatewayToken,
		"message":      "Agent deployment started. This may take 3-7 minutes.",
	})
}

// handleVerify lets a deployed gateway check a presented token against the
// stored hash. A wrong token is not an error: it answers valid=false.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	ok, err := s.agents.Verify(r.Context(), r.PathValue("id"), body.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("userId")
	if owner == "" {
		owner = q.Get("ownerId")
	}
	list, err := s.agents.List(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	v, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.agents.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action agents.Action `json:"action"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.agents.Lifecycle(r.Context(), r.PathValue("id"), body.Action)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  res.Status,
		"message": res.Message,
	})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Destroy(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Agent destruction initiated",
	})
}

// fail maps service errors onto status codes. Internal details are logged,
// not returned.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, agents.ErrValidation):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), agents.ErrValidation.Error()+": "))
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Agent not found")
	case errors.Is(err, agents.ErrAlreadyDestroyed):
		writeError(w, http.StatusBadRequest, "Agent already destroyed")
	case errors.Is(err, provisioner.ErrExecution):
		s.log.Error("infrastructure error", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "Infrastructure operation failed")
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
