// Package server exposes the classified staging area over HTTP.
package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentic-research/stagetree/api"
	"github.com/agentic-research/stagetree/internal/assign"
	"github.com/agentic-research/stagetree/internal/client"
	"github.com/agentic-research/stagetree/internal/logging"
	"github.com/agentic-research/stagetree/internal/metrics"
	"github.com/agentic-research/stagetree/internal/service"
	"github.com/agentic-research/stagetree/internal/snapshot"
	"github.com/agentic-research/stagetree/internal/stage"
)

// Server is the stagetree HTTP server.
type Server struct {
	views   assign.Viewer
	planner *assign.Planner
	store   *snapshot.Store // optional
	level   stage.DataLevel
}

// New creates a server. store may be nil, which disables the snapshot
// endpoints.
func New(views assign.Viewer, planner *assign.Planner, store *snapshot.Store, level stage.DataLevel) *Server {
	return &Server{views: views, planner: planner, store: store, level: level}
}

// StageResponse is the body of GET /api/stage.
type StageResponse struct {
	Level     stage.DataLevel     `json:"level"`
	Source    string              `json:"source"`
	FetchedAt time.Time           `json:"fetched_at"`
	Summary   stage.Summary       `json:"summary"`
	Tree      []*stage.Classified `json:"tree"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// AssignResponse is the body of POST /api/stage/assign.
type AssignResponse struct {
	Moved    []string          `json:"moved"`
	Failed   map[string]string `json:"failed,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Stage    *StageResponse    `json:"stage,omitempty"`
}

// ImportResponse is the body of POST /api/stage/import.
type ImportResponse struct {
	Path     string          `json:"path"`
	Kind     string          `json:"kind"`
	Data     json.RawMessage `json:"data,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Handler returns the routed handler wrapped in logging and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stage", s.handleStage)
	mux.HandleFunc("POST /api/stage/assign", s.handleAssign)
	mux.HandleFunc("POST /api/stage/import", s.handleImport)
	if s.store != nil {
		mux.HandleFunc("GET /api/snapshots", s.handleSnapshots)
		mux.HandleFunc("GET /api/snapshots/{id}", s.handleSnapshot)
	}
	mux.Handle("GET /metrics", metrics.Handler())

	return logging.Middleware(metrics.Middleware(mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logging.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	level, err := s.levelParam(r.URL.Query().Get("level"))
	if err != nil {
		sendError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	view, err := s.views.View(r.Context(), level, refresh)
	if err != nil {
		sendError(w, r, statusFor(err), err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, stageResponse(view))
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req api.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err), nil)
		return
	}

	planner := *s.planner
	if req.Level != "" {
		level, err := stage.ParseDataLevel(req.Level)
		if err != nil {
			sendError(w, r, http.StatusBadRequest, err, nil)
			return
		}
		planner.Level = level
	}

	out, err := planner.Assign(r.Context(), req.Files, req.Study)
	if out == nil {
		sendError(w, r, statusFor(err), err, nil)
		return
	}

	resp := AssignResponse{Moved: make([]string, 0, len(out.Moved)), Warnings: out.Warnings}
	for _, m := range out.Moved {
		resp.Moved = append(resp.Moved, m.File)
	}
	if len(out.Failed) > 0 {
		resp.Failed = make(map[string]string, len(out.Failed))
		for file, ferr := range out.Failed {
			resp.Failed[file] = ferr.Error()
		}
	}
	if out.View != nil {
		resp.Stage = stageResponse(out.View)
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	} else if len(out.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, r, status, resp)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req api.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err), nil)
		return
	}

	var (
		res *client.Result
		err error
	)
	switch strings.ToLower(req.Kind) {
	case "study":
		res, err = s.planner.ImportStudy(r.Context(), req.Path)
	case "dataset":
		res, err = s.planner.ImportDataset(r.Context(), req.Path, req.Study)
	default:
		sendError(w, r, http.StatusBadRequest, fmt.Errorf("unknown import kind %q", req.Kind), nil)
		return
	}
	if err != nil {
		sendError(w, r, statusFor(err), err, nil)
		return
	}

	resp := ImportResponse{Path: strings.TrimLeft(req.Path, "/"), Kind: strings.ToLower(req.Kind)}
	if res != nil {
		resp.Data = res.Data
		resp.Warnings = res.Warnings
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			sendError(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v), nil)
			return
		}
		limit = n
	}
	list, err := s.store.List(r.Context(), limit)
	if err != nil {
		sendError(w, r, http.StatusInternalServerError, err, nil)
		return
	}
	if list == nil {
		list = []*snapshot.Record{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var (
		rec *snapshot.Record
		err error
	)
	if id := r.PathValue("id"); id == "latest" {
		rec, err = s.store.Latest(r.Context())
	} else {
		n, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil {
			sendError(w, r, http.StatusBadRequest, fmt.Errorf("invalid snapshot id %q", id), nil)
			return
		}
		rec, err = s.store.Get(r.Context(), n)
	}
	if err != nil {
		sendError(w, r, statusFor(err), err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

func (s *Server) levelParam(v string) (stage.DataLevel, error) {
	if v == "" {
		return s.level, nil
	}
	return stage.ParseDataLevel(v)
}

func stageResponse(v *service.View) *StageResponse {
	tree := v.Tree
	if tree == nil {
		tree = []*stage.Classified{}
	}
	return &StageResponse{
		Level:     v.Level,
		Source:    v.Source,
		FetchedAt: v.FetchedAt,
		Summary:   v.Summary,
		Tree:      tree,
		Warnings:  v.Warnings,
	}
}

func statusFor(err error) int {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, assign.ErrEmptySelection),
		errors.Is(err, assign.ErrNoStudy),
		errors.Is(err, assign.ErrConflictingTargets),
		errors.Is(err, assign.ErrWrongSchema):
		return http.StatusBadRequest
	case errors.Is(err, assign.ErrNotStaged), errors.Is(err, snapshot.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &apiErr):
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return apiErr.Status
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		gw := gzip.NewWriter(w)
		defer func() { _ = gw.Close() }()
		if err := json.NewEncoder(gw).Encode(v); err != nil {
			logging.Warn("encode response", zap.Error(err))
		}
		return
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("encode response", zap.Error(err))
	}
}

func sendError(w http.ResponseWriter, r *http.Request, status int, err error, warnings []string) {
	if status >= 500 {
		logging.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && len(warnings) == 0 {
		warnings = apiErr.Messages
	}
	writeJSON(w, r, status, api.ErrorResponse{Error: err.Error(), Warnings: warnings})
}
