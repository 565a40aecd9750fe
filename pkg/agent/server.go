package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/observability"
)

// Server exposes the container RPC surface over JSON/HTTP.
type Server struct {
	addr    string
	manager *ContainerManager
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates the RPC server bound to addr.
func NewServer(addr string, manager *ContainerManager, logger *zap.Logger) *Server {
	s := &Server{
		addr:    addr,
		manager: manager,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/containers/start", s.handleStart)
	mux.HandleFunc("/v1/containers/stop", s.handleStop)
	mux.HandleFunc("/v1/containers/status", s.handleStatus)
	mux.HandleFunc("/v1/containers/cleanup", s.handleCleanup)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      observability.HTTPMiddleware(logger, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving requests.
func (s *Server) Start() error {
	s.logger.Info("Starting RPC server",
		zap.String("address", s.addr),
	)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("RPC server error",
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping RPC server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown RPC server: %w", err)
	}
	return nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartContainerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.StartContainer(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StartContainerResponse{})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req api.StopContainerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.StopContainer(r.Context(), req.ContainerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StopContainerResponse{})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req api.GetContainerStatusRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := s.manager.GetContainerStatus(r.Context(), req.ContainerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req api.CleanupContainerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.CleanupContainer(r.Context(), req.ContainerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.CleanupContainerResponse{})
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("failed to decode request: %v", err)))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrContainerExists):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, ErrUnknownContainer):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
