package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/locks"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/manager"
	"github.com/maestrod/maestro/pkg/metrics"
	"github.com/maestrod/maestro/pkg/sampler"
	"github.com/maestrod/maestro/pkg/scheduler"
	"github.com/maestrod/maestro/pkg/session"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
	"github.com/maestrod/maestro/pkg/workflow"
)

// samplerStaleAfter marks /ready degraded when the newest resource
// snapshot is older than this.
const samplerStaleAfter = 30 * time.Second

// Deps are the components the HTTP surface exposes
type Deps struct {
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Workflow  *workflow.Store
	Locks     *locks.Registry
	Sessions  *session.Registry
	Sampler   *sampler.Sampler
	Dir       *state.Dir
	Version   string
}

// Server is the local HTTP status-and-control surface
type Server struct {
	deps Deps
	mux  *http.ServeMux
	log  zerolog.Logger

	httpServer *http.Server
}

// NewServer builds the server and registers all routes
func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		log:  log.WithComponent("api"),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancelTask)
	s.mux.HandleFunc("GET /v1/schedule", s.handleListSchedule)
	s.mux.HandleFunc("POST /v1/schedule", s.handleAddSchedule)
	s.mux.HandleFunc("DELETE /v1/schedule/{id}", s.handleRemoveSchedule)
	s.mux.HandleFunc("GET /v1/locks", s.handleListLocks)
	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /v1/workflow/{action}", s.handleWorkflowAction)

	return s
}

// Handler returns the fully wrapped handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.recoverPanics(s.accessLog(s.mux))
}

// Start begins serving on addr; it returns once the listener is bound
// so the caller learns about port conflicts synchronously.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return types.WrapError(types.ErrKindConfig, err, "binding api listener on %s", addr)
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("api server stopped")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("api listening")
	return nil
}

// Stop shuts the server down, letting in-flight requests finish
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
}

// healthResponse is the /health payload
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// handleHealth is a plain liveness probe
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.deps.Version,
	})
}

// readyResponse is the /ready payload
type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleReady checks that the state directory is writable and the
// resource sampler is producing fresh snapshots.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if s.deps.Dir != nil {
		if err := probeWritable(s.deps.Dir.VersionDir()); err != nil {
			checks["state_dir"] = "error: " + err.Error()
			ready = false
			message = "state directory not writable"
		} else {
			checks["state_dir"] = "writable"
		}
	} else {
		checks["state_dir"] = "not configured"
		ready = false
		message = "state directory not configured"
	}

	if s.deps.Sampler != nil {
		snap := s.deps.Sampler.Latest()
		switch {
		case snap == nil:
			checks["sampler"] = "no snapshot yet"
			ready = false
			if message == "" {
				message = "waiting for first resource snapshot"
			}
		case time.Since(snap.TakenAt) > samplerStaleAfter:
			checks["sampler"] = "stale snapshot"
			ready = false
			if message == "" {
				message = "resource sampler has gone quiet"
			}
		default:
			checks["sampler"] = "fresh"
		}
	} else {
		checks["sampler"] = "not running"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, readyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// StatusResponse is the /v1/status composite
type StatusResponse struct {
	Tasks     *manager.Status         `json:"tasks,omitempty"`
	Workflow  *workflow.Stats         `json:"workflow,omitempty"`
	Resources *types.ResourceSnapshot `json:"resources,omitempty"`
	Sessions  []*types.SessionRecord  `json:"sessions,omitempty"`
	Locks     []*types.LockEntry      `json:"locks,omitempty"`
	Schedule  []*types.ScheduleEntry  `json:"schedule,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{}
	if s.deps.Manager != nil {
		resp.Tasks = s.deps.Manager.Status()
	}
	if s.deps.Workflow != nil {
		resp.Workflow = s.deps.Workflow.Stats()
	}
	if s.deps.Sampler != nil {
		resp.Resources = s.deps.Sampler.Latest()
	}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.Active()
	}
	if s.deps.Locks != nil {
		resp.Locks = s.deps.Locks.Locks()
	}
	if s.deps.Scheduler != nil {
		resp.Schedule = s.deps.Scheduler.Entries()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "task manager not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Manager.Status())
}

// SubmitResponse is the POST /v1/tasks reply
type SubmitResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "task manager not running")
		return
	}

	var desc types.TaskDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed task descriptor: "+err.Error())
		return
	}
	if desc.Source == "" {
		desc.Source = "api"
	}

	if err := s.deps.Manager.Submit(&desc); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: desc.ID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "task manager not running")
		return
	}
	task, ok := s.deps.Manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "task manager not running")
		return
	}
	if err := s.deps.Manager.Cancel(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Entries())
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	var entry types.ScheduleEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "malformed schedule entry: "+err.Error())
		return
	}
	if err := s.deps.Scheduler.Add(&entry); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	if err := s.deps.Scheduler.Remove(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Locks == nil {
		writeError(w, http.StatusServiceUnavailable, "lock registry not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Locks.Locks())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session registry not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.Active())
}

// workflowRequest is the optional POST /v1/workflow/start body
type workflowRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

func (s *Server) handleWorkflowAction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workflow == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow store not running")
		return
	}

	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		var req workflowRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		err = s.deps.Workflow.Start(req.Params)
	case "pause":
		err = s.deps.Workflow.Pause()
	case "resume":
		err = s.deps.Workflow.Resume()
	case "stop":
		err = s.deps.Workflow.Stop()
	default:
		writeError(w, http.StatusNotFound, "unknown workflow action "+action)
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Workflow.Stats())
}

// errorResponse is the uniform error body
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeKindError maps the error taxonomy onto HTTP status codes
func writeKindError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case types.ErrKindConfig:
		code = http.StatusBadRequest
	case types.ErrKindFatalHost:
		code = http.StatusServiceUnavailable
	case types.ErrKindSessionConflict, types.ErrKindAdmissionRejected, types.ErrKindLockConflict:
		code = http.StatusConflict
	case types.ErrKindInternal:
		// duplicate submissions and lookup misses land here
		code = http.StatusConflict
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: string(kind)})
}

// probeWritable verifies the directory accepts writes
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

