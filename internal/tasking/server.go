package tasking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// ServerConfig configures the HTTP adapter. LockTimeout is the default
// lock age for POST /admin/auto-unlock.
type ServerConfig struct {
	Addr        string
	Version     string
	LockTimeout time.Duration
	Logger      *zerolog.Logger
}

// Server provides the HTTP API over a Service. The acting user is taken
// from the request body; authentication happens in front of this server.
type Server struct {
	service *Service
	cfg     ServerConfig
	log     zerolog.Logger
	router  *mux.Router
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, cfg ServerConfig) *Server {
	s := &Server{service: service, cfg: cfg, log: zerolog.Nop()}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	}
	if s.cfg.Version == "" {
		s.cfg.Version = "dev"
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	p := r.PathPrefix("/projects/{pid:[0-9]+}").Subrouter()
	p.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	p.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	p.HandleFunc("/tasks/{tid:[0-9]+}", s.handleGetTask).Methods(http.MethodGet)
	p.HandleFunc("/tasks/{tid:[0-9]+}/history", s.handleHistory).Methods(http.MethodGet)
	p.HandleFunc("/tasks/{tid:[0-9]+}/lock-for-mapping", s.handleLock(models.LockMapping)).Methods(http.MethodPost)
	p.HandleFunc("/tasks/{tid:[0-9]+}/lock-for-validation", s.handleLock(models.LockValidation)).Methods(http.MethodPost)
	p.HandleFunc("/tasks/{tid:[0-9]+}/unlock-after-mapping", s.handleUnlock(models.LockMapping)).Methods(http.MethodPost)
	p.HandleFunc("/tasks/{tid:[0-9]+}/unlock-after-validation", s.handleUnlock(models.LockValidation)).Methods(http.MethodPost)
	p.HandleFunc("/tasks/{tid:[0-9]+}/undo", s.handleUndo).Methods(http.MethodPost)

	r.HandleFunc("/users/{uid:[0-9]+}/stats", s.handleUserStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/auto-unlock", s.handleAutoUnlock).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info().Str("addr", s.cfg.Addr).Msg("starting tasking daemon")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).Msg("request")
	})
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{OK: true, DB: "ok", Version: s.cfg.Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// --- Reads ---

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	pid, tid := pathIDs(r)
	task, err := s.service.GetTask(r.Context(), pid, tid)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	pid, _ := pathIDs(r)
	tasks, err := s.service.ListTasks(r.Context(), pid)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	pid, tid := pathIDs(r)
	entries, err := s.service.TaskHistory(r.Context(), pid, tid)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	pid, _ := pathIDs(r)
	sum, err := s.service.ProjectSummary(r.Context(), pid)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	uid, _ := strconv.ParseInt(mux.Vars(r)["uid"], 10, 64)
	c, err := s.service.UserStats(r.Context(), uid)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// --- Transitions ---

// ActionRequest is the body of the lock, unlock and undo endpoints.
type ActionRequest struct {
	UserID  int64             `json:"user_id"`
	Outcome models.TaskStatus `json:"outcome,omitempty"`
	Comment string            `json:"comment,omitempty"`
}

func decodeAction(w http.ResponseWriter, r *http.Request) (*ActionRequest, bool) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return nil, false
	}
	if req.UserID <= 0 {
		respondError(w, http.StatusBadRequest, "user_id required")
		return nil, false
	}
	return &req, true
}

func (s *Server) handleLock(kind models.LockKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeAction(w, r)
		if !ok {
			return
		}
		pid, tid := pathIDs(r)
		var task *models.Task
		var err error
		if kind == models.LockValidation {
			task, err = s.service.LockForValidation(r.Context(), pid, tid, req.UserID)
		} else {
			task, err = s.service.LockForMapping(r.Context(), pid, tid, req.UserID)
		}
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleUnlock(kind models.LockKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeAction(w, r)
		if !ok {
			return
		}
		pid, tid := pathIDs(r)
		var task *models.Task
		var err error
		if kind == models.LockValidation {
			task, err = s.service.UnlockAfterValidation(r.Context(), pid, tid, req.UserID, req.Outcome, req.Comment)
		} else {
			task, err = s.service.UnlockAfterMapping(r.Context(), pid, tid, req.UserID, req.Outcome, req.Comment)
		}
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	pid, tid := pathIDs(r)
	task, err := s.service.UndoLastTransition(r.Context(), pid, tid, req.UserID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

type autoUnlockRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

func (s *Server) handleAutoUnlock(w http.ResponseWriter, r *http.Request) {
	var req autoUnlockRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	timeout := s.cfg.LockTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		respondError(w, http.StatusBadRequest, "timeout_seconds required")
		return
	}

	res, err := s.service.AutoUnlockStale(r.Context(), timeout)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// --- Responses ---

// ErrorResponse is the body of every failed request. Reason is set for
// permission denials.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	var perr *PermissionError
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrProjectNotFound):
		return http.StatusNotFound
	case errors.As(err, &perr):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidOutcome):
		return http.StatusBadRequest
	case IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := ErrorResponse{Error: err.Error()}
	var perr *PermissionError
	if errors.As(err, &perr) {
		body.Reason = string(perr.Reason)
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	respondJSON(w, status, body)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// pathIDs reads the project and task ids; the route patterns guarantee
// they are numeric.
func pathIDs(r *http.Request) (projectID, taskID int64) {
	vars := mux.Vars(r)
	projectID, _ = strconv.ParseInt(vars["pid"], 10, 64)
	taskID, _ = strconv.ParseInt(vars["tid"], 10, 64)
	return projectID, taskID
}
