package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"conveyor/internal/api"
	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/manager"
	"conveyor/internal/queue"
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &apiServer{
		bind:   bind,
		token:  strings.TrimSpace(cfg.Paths.APIToken),
		logger: logger,
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs", srv.protected(srv.handleJobs))
	mux.HandleFunc("/api/jobs/", srv.protected(srv.handleJobItem))
	mux.HandleFunc("/api/queue/summary", srv.protected(srv.handleSummary))
	mux.HandleFunc("/api/workers", srv.protected(srv.handleWorkers))
	mux.HandleFunc("/api/locations", srv.protected(srv.handleLocations))
	mux.HandleFunc("/api/status", srv.protected(srv.handleStatus))
	mux.HandleFunc("/api/events", srv.protected(srv.handleEvents))

	// No WriteTimeout: /api/events holds its response open indefinitely.
	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) protected(next http.HandlerFunc) http.HandlerFunc {
	return authMiddleware(s.token, next)
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Payload.Location) == "" || strings.TrimSpace(req.Payload.Path) == "" {
		s.writeError(w, http.StatusBadRequest, "payload location and path are required")
		return
	}

	sub := manager.Submission{
		Kind:        req.Kind,
		LocationID:  req.Payload.Location,
		PayloadPath: req.Payload.Path,
	}
	if req.Priority != nil {
		sub.Priority = *req.Priority
	}

	job, created, err := s.daemon.manager.Enqueue(r.Context(), sub)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		// An equivalent active job already holds the payload identity; the
		// existing job rides along so callers can resolve the conflict.
		status = http.StatusConflict
	}
	s.writeJSON(w, status, api.SubmitResponse{Job: api.FromJob(job), Created: created})
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := queue.ListFilter{}
	for _, value := range query["state"] {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			filter.States = append(filter.States, queue.State(trimmed))
		}
	}
	for _, value := range query["kind"] {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			filter.Kinds = append(filter.Kinds, trimmed)
		}
	}
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))
	filter.Offset, _ = strconv.Atoi(query.Get("offset"))

	jobs, err := s.daemon.store.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: api.FromJobs(jobs)})
}

func (s *apiServer) handleJobItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || strings.Contains(action, "/") {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		job, err := s.daemon.store.GetByID(r.Context(), id)
		if err != nil {
			s.writeJobError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.JobResponse{Job: api.FromJob(job)})
		return
	}

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var (
		job *queue.Job
		err error
	)
	ctx := r.Context()
	switch action {
	case "reorder":
		var req api.ReorderRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err = s.daemon.manager.Reorder(ctx, id, req.Priority)
	case "pause":
		job, err = s.daemon.manager.Pause(ctx, id)
	case "resume":
		job, err = s.daemon.manager.Resume(ctx, id)
	case "cancel":
		job, err = s.daemon.manager.Cancel(ctx, id)
	case "retry":
		job, err = s.daemon.manager.Requeue(ctx, id)
	default:
		s.writeError(w, http.StatusNotFound, "unknown job action")
		return
	}
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobResponse{Job: api.FromJob(job)})
}

func (s *apiServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	summary, err := s.daemon.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromSummary(summary))
}

func (s *apiServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	staleAfter := time.Duration(s.daemon.cfg.Workers.StaleWorkerTimeout) * time.Second
	records, err := s.daemon.store.Workers(r.Context(), staleAfter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	workers := make([]api.Worker, 0, len(records))
	for _, record := range records {
		workers = append(workers, api.FromWorker(record))
	}
	s.writeJSON(w, http.StatusOK, api.WorkerListResponse{Workers: workers})
}

func (s *apiServer) handleLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var locations []api.Location
	if s.daemon.locator != nil {
		for _, status := range s.daemon.locator.ListLocations() {
			locations = append(locations, api.FromLocation(status))
		}
	}
	s.writeJSON(w, http.StatusOK, api.LocationListResponse{Locations: locations})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status(r.Context())

	payload := api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		QueueDBPath:  status.QueueDBPath,
		LockFilePath: status.LockFilePath,
		Queue:        api.FromSummary(status.Queue),
		Workers:      make([]api.Worker, 0, len(status.Workers)),
		Locations:    make([]api.Location, 0, len(status.Locations)),
		Database:     api.FromDatabaseHealth(status.Database),
	}
	for _, record := range status.Workers {
		payload.Workers = append(payload.Workers, api.FromWorker(record))
	}
	for _, location := range status.Locations {
		payload.Locations = append(payload.Locations, api.FromLocation(location))
	}
	for _, health := range status.Stages {
		payload.Stages = append(payload.Stages, api.FromStageHealth(health))
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// handleEvents serves the status feed as server-sent events, replaying the
// broker's retained history before streaming live transitions.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	broker := s.daemon.Events()
	if broker == nil {
		s.writeError(w, http.StatusNotFound, "status feed unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, cancel, replay := broker.Subscribe()
	defer cancel()

	for _, event := range replay {
		if err := writeSSE(w, api.FromEvent(event)); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, api.FromEvent(event)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event api.Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", encoded)
	return err
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Warn("write api response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

// writeJobError maps store errors onto API status codes.
func (s *apiServer) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrDuplicatePayload):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, queue.ErrStaleState):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logging.NewNop()
}
