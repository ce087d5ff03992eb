// Package gateway exposes the daemon's HTTP surface: task submission and
// inspection over REST, the peer execute endpoint, health, and a WebSocket
// event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/go-duet/internal/bus"
	"github.com/basket/go-duet/internal/checkpoint"
	"github.com/basket/go-duet/internal/coordinator"
	"github.com/basket/go-duet/internal/persistence"
	"github.com/basket/go-duet/internal/pool"
)

type Config struct {
	Coordinator *coordinator.Coordinator
	Store       *persistence.Store
	Checkpoints *checkpoint.Checkpointer
	Pool        *pool.Pool
	Bus         *bus.Bus
	Logger      *slog.Logger

	// Executor serves POST /api/execute for peers. Nil disables the
	// endpoint.
	Executor coordinator.Executor

	// AuthToken, when set, requires Bearer auth on every /api and /ws
	// route. Empty means open access (local-only deployments).
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := compileSubmitSchema(); err != nil {
		return nil, fmt.Errorf("compile submit schema: %w", err)
	}
	return &Server{
		cfg:     cfg,
		clients: map[*wsClient]struct{}{},
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/models", s.handleModels)
	mux.HandleFunc("/api/residency", s.handleResidency)
	mux.HandleFunc("/api/stats", s.handleStats)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.TaskCounts(ctx); err != nil {
		dbOK = false
	}

	resident := 0
	workers := 0
	if s.cfg.Pool != nil {
		for _, worker := range s.cfg.Pool.Workers() {
			workers++
			if worker.Resident() {
				resident++
			}
		}
	}

	payload := map[string]any{
		"healthy":          dbOK,
		"db_ok":            dbOK,
		"workers":          workers,
		"resident_workers": resident,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleTasks serves POST (submit) and GET (list) on /api/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	text, err := decodeSubmit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID, err := s.cfg.Coordinator.Submit(r.Context(), text)
	if err != nil {
		var verr *coordinator.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"task_id": taskID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
}

// handleTaskByID serves /api/tasks/{id}, /api/tasks/{id}/checkpoints and
// /api/tasks/{id}/events. The id may be a unique prefix.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	idOrPrefix, sub, _ := strings.Cut(path, "/")
	if idOrPrefix == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	task, err := s.cfg.Coordinator.Status(r.Context(), idOrPrefix)
	if err != nil {
		s.writeLookupError(w, idOrPrefix, err)
		return
	}

	switch sub {
	case "":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(task)
	case "checkpoints":
		cps, err := s.cfg.Checkpoints.List(r.Context(), task.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"task_id": task.ID, "checkpoints": cps})
	case "events":
		events, err := s.cfg.Store.ListTaskEvents(r.Context(), task.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"task_id": task.ID, "events": events})
	default:
		writeError(w, http.StatusNotFound, "unknown resource: "+sub)
	}
}

func (s *Server) writeLookupError(w http.ResponseWriter, idOrPrefix string, err error) {
	var ambig *persistence.AmbiguousIDError
	switch {
	case errors.Is(err, persistence.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("no task matches %q", idOrPrefix))
	case errors.As(err, &ambig):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   ambig.Error(),
			"matches": ambig.Matches,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type executeRequest struct {
	Method string            `json:"method"`
	Args   map[string]string `json:"args"`
}

type executeResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleExecute runs a task on behalf of a remote peer. The failure message
// goes back verbatim in the error field so the caller can surface it.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Executor == nil {
		writeExecuteError(w, http.StatusServiceUnavailable, "no local execution backend")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeExecuteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Method != "task.execute" {
		writeExecuteError(w, http.StatusBadRequest, "unknown method: "+req.Method)
		return
	}
	text := req.Args["text"]
	if strings.TrimSpace(text) == "" {
		writeExecuteError(w, http.StatusBadRequest, "text argument required")
		return
	}

	taskID := req.Args["task_id"]
	s.cfg.Logger.Info("peer execute", "task_id", taskID, "text_len", len(text))

	result, err := s.cfg.Executor.Execute(r.Context(), taskID, text)
	if err != nil {
		writeExecuteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(executeResponse{Result: result})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	type workerView struct {
		Role           string `json:"role"`
		ModelID        string `json:"model_id"`
		MemoryMB       int    `json:"memory_mb"`
		AlwaysResident bool   `json:"always_resident"`
		Resident       bool   `json:"resident"`
	}
	var views []workerView
	for _, worker := range s.cfg.Pool.Workers() {
		views = append(views, workerView{
			Role:           worker.Role(),
			ModelID:        worker.ModelID(),
			MemoryMB:       worker.MemoryMB(),
			AlwaysResident: worker.AlwaysResident(),
			Resident:       worker.Resident(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"workers": views})
}

// handleResidency triggers an on-demand residency validation pass and
// returns the report.
func (s *Server) handleResidency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	report, err := s.cfg.Pool.ValidateResidency(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "runtime unreachable: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":         report.OK(),
		"checked_at": report.CheckedAt,
		"checked":    report.Checked,
		"missing":    report.Missing,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	counts, err := s.cfg.Store.TaskCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]any{
		"pending":   counts[persistence.TaskStatusPending],
		"running":   counts[persistence.TaskStatusRunning],
		"completed": counts[persistence.TaskStatusCompleted],
		"failed":    counts[persistence.TaskStatusFailed],
	}
	if s.cfg.Bus != nil {
		payload["event_subscribers"] = s.cfg.Bus.SubscriberCount()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeExecuteError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(executeResponse{Error: msg})
}

// Shutdown closes all WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		c.close("server shutting down")
		delete(s.clients, c)
	}
}
