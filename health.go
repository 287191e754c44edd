package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"clusterd/allocation"
	"clusterd/cluster"
	"clusterd/gateway"
	"clusterd/master"
)

const indexRequestTimeout = 30 * time.Second

type HealthResponse struct {
	ClusterName     string   `json:"cluster_name"`
	NodeID          string   `json:"node_id"`
	MasterNode      string   `json:"master_node,omitempty"`
	LocalNodeMaster bool     `json:"local_node_master"`
	Version         int64    `json:"version"`
	Nodes           int      `json:"nodes"`
	Recovery        string   `json:"recovery"`
	Blocks          []string `json:"blocks,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type acknowledgedResponse struct {
	Acknowledged bool  `json:"acknowledged"`
	Version      int64 `json:"version"`
}

type server struct {
	svc          *master.Service
	gate         *gateway.Gate
	alloc        allocation.Service
	registry     *prometheus.Registry
	logger       *zap.Logger
	makeUUID     func() uuid.UUID
	indexTimeout time.Duration
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /pending_tasks", s.handlePendingTasks)
	mux.HandleFunc("PUT /indices/{name}", s.handleCreateIndex)
	mux.HandleFunc("DELETE /indices/{name}", s.handleDeleteIndex)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	return mux
}

func runHTTPServer(ctx context.Context, listenAddress string, s *server) error {
	srv := &http.Server{
		Addr:    listenAddress,
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) // graceful shutdown
	}()

	s.logger.Info("listening", zap.String("address", srv.Addr))
	return srv.ListenAndServe()
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.svc.State()
	resp := HealthResponse{
		ClusterName:     state.ClusterName(),
		NodeID:          s.svc.LocalNode().ID,
		MasterNode:      state.Nodes().MasterID(),
		LocalNodeMaster: s.svc.IsMaster(),
		Version:         state.Version(),
		Nodes:           state.Nodes().Len(),
		Recovery:        s.gate.Phase().String(),
	}
	for _, block := range state.Blocks().Global() {
		resp.Blocks = append(resp.Blocks, block.String())
	}

	status := http.StatusOK
	if len(resp.Blocks) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.State())
}

func (s *server) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.svc.PendingTasks()
	if tasks == nil {
		tasks = []master.PendingTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	req := createIndexRequest{Shards: 1}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", errInvalidIndex, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submitIndexUpdate(w, r, "create-index ["+name+"]", createIndex(name, req, s.alloc, s.makeUUID))
}

func (s *server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.submitIndexUpdate(w, r, "delete-index ["+name+"]", deleteIndex(name, s.alloc))
}

func (s *server) submitIndexUpdate(w http.ResponseWriter, r *http.Request, source string, update master.UpdateFunc) {
	if !s.svc.IsMaster() {
		writeError(w, http.StatusServiceUnavailable,
			fmt.Errorf("node [%s] is not master, current master is [%s]", s.svc.LocalNode().ID, s.svc.State().Nodes().MasterID()))
		return
	}
	// Fail fast instead of queueing behind recovery.
	if err := s.svc.State().Blocks().GlobalBlockedError(cluster.LevelMetadataWrite); err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	select {
	case res := <-s.svc.SubmitUpdate(source, master.PriorityUrgent, s.indexTimeout, update):
		if res.Outcome != master.OutcomeSuccess {
			writeError(w, statusForError(res.Err), res.Err)
			return
		}
		writeJSON(w, http.StatusOK, acknowledgedResponse{Acknowledged: true, Version: res.State.Version()})
	case <-r.Context().Done():
		s.logger.Debug("client went away before the index update completed", zap.String("source", source))
	}
}

func statusForError(err error) int {
	var blocked *cluster.BlockedError
	switch {
	case errors.As(err, &blocked):
		return blocked.Status()
	case errors.Is(err, errIndexExists):
		return http.StatusConflict
	case errors.Is(err, errIndexNotFound):
		return http.StatusNotFound
	case errors.Is(err, errInvalidIndex):
		return http.StatusBadRequest
	case errors.Is(err, master.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, master.ErrNoLongerMaster), errors.Is(err, master.ErrCommitFailed), errors.Is(err, master.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
