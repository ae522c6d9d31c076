package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zkindustry/eng-timer/internal/engtimer"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Notice is one transient user-visible sync message.
type Notice struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NoticeLog buffers the most recent notices per user so clients can poll
// what a toast would have shown. Its Add method satisfies the engine's
// Notifier signature.
type NoticeLog struct {
	mu     sync.Mutex
	max    int
	byUser map[string][]Notice
}

func NewNoticeLog() *NoticeLog {
	return &NoticeLog{max: 50, byUser: map[string][]Notice{}}
}

func (n *NoticeLog) Add(userID, level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	notices := append(n.byUser[userID], Notice{
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if len(notices) > n.max {
		notices = notices[len(notices)-n.max:]
	}
	n.byUser[userID] = notices
}

func (n *NoticeLog) Recent(userID string) []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.byUser[userID]...)
}

type Server struct {
	store       *engtimer.Store
	engine      *engtimer.Engine
	timer       *engtimer.Timer
	gateway     engtimer.Gateway
	notices     *NoticeLog
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *engtimer.Store, engine *engtimer.Engine, timer *engtimer.Timer, gateway engtimer.Gateway, notices *NoticeLog) *Server {
	return NewServerWithConfig(store, engine, timer, gateway, notices, ServerConfig{})
}

func NewServerWithConfig(store *engtimer.Store, engine *engtimer.Engine, timer *engtimer.Timer, gateway engtimer.Gateway, notices *NoticeLog, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if notices == nil {
		notices = NewNoticeLog()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		engine:      engine,
		timer:       timer,
		gateway:     gateway,
		notices:     notices,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	// Gateway proxy surface: unauthenticated like the serverless
	// functions it replaces; the secret lives server-side.
	if strings.HasPrefix(r.URL.Path, "/sync/") {
		s.handleGatewayProxy(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	userID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "projects" && r.Method == http.MethodGet:
		requiredScope, route = "app:read", "projects_list"
	case len(parts) == 4 && parts[3] == "projects" && r.Method == http.MethodPost:
		requiredScope, route = "app:write", "project_save"
	case len(parts) == 4 && parts[3] == "projects" && r.Method == http.MethodDelete:
		requiredScope, route = "app:write", "projects_clear"
	case len(parts) == 5 && parts[3] == "projects" && r.Method == http.MethodPatch:
		requiredScope, route = "app:write", "project_update"
	case len(parts) == 5 && parts[3] == "projects" && r.Method == http.MethodDelete:
		requiredScope, route = "app:write", "project_delete"
	case len(parts) == 4 && parts[3] == "tasks" && r.Method == http.MethodGet:
		requiredScope, route = "app:read", "tasks_list"
	case len(parts) == 4 && parts[3] == "tasks" && r.Method == http.MethodPost:
		requiredScope, route = "app:write", "task_save"
	case len(parts) == 4 && parts[3] == "tasks" && r.Method == http.MethodDelete:
		requiredScope, route = "app:write", "tasks_clear"
	case len(parts) == 5 && parts[3] == "tasks" && r.Method == http.MethodPatch:
		requiredScope, route = "app:write", "task_update"
	case len(parts) == 5 && parts[3] == "tasks" && r.Method == http.MethodDelete:
		requiredScope, route = "app:write", "task_delete"
	case len(parts) == 6 && parts[3] == "tasks" && parts[5] == "move" && r.Method == http.MethodPost:
		requiredScope, route = "app:write", "task_move"
	case len(parts) == 4 && parts[3] == "timelogs" && r.Method == http.MethodGet:
		requiredScope, route = "app:read", "timelogs_list"
	case len(parts) == 4 && parts[3] == "timelogs" && r.Method == http.MethodPost:
		requiredScope, route = "app:write", "timelog_create"
	case len(parts) == 4 && parts[3] == "timelogs" && r.Method == http.MethodDelete:
		requiredScope, route = "app:write", "timelogs_clear"
	case len(parts) == 5 && parts[3] == "timelogs" && r.Method == http.MethodDelete:
		requiredScope, route = "app:write", "timelog_delete"
	case len(parts) == 6 && parts[3] == "timelogs" && parts[5] == "tags" && r.Method == http.MethodPatch:
		requiredScope, route = "app:write", "timelog_tags"
	case len(parts) == 4 && parts[3] == "timer" && r.Method == http.MethodGet:
		requiredScope, route = "app:read", "timer_status"
	case len(parts) == 5 && parts[3] == "timer" && parts[4] == "start" && r.Method == http.MethodPost:
		requiredScope, route = "app:write", "timer_start"
	case len(parts) == 5 && parts[3] == "timer" && parts[4] == "stop" && r.Method == http.MethodPost:
		requiredScope, route = "app:write", "timer_stop"
	case len(parts) == 5 && parts[3] == "timer" && parts[4] == "toggle" && r.Method == http.MethodPost:
		requiredScope, route = "app:write", "timer_toggle"
	case len(parts) == 4 && parts[3] == "import" && r.Method == http.MethodPost:
		requiredScope, route = "sync:trigger", "import"
	case len(parts) == 4 && parts[3] == "config" && r.Method == http.MethodGet:
		requiredScope, route = "app:read", "config_get"
	case len(parts) == 4 && parts[3] == "config" && r.Method == http.MethodPut:
		requiredScope, route = "app:write", "config_put"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope, route = "app:read", "events"
	case len(parts) == 4 && parts[3] == "notices" && r.Method == http.MethodGet:
		requiredScope, route = "app:read", "notices"
	case len(parts) == 4 && parts[3] == "watch" && r.Method == http.MethodGet:
		requiredScope, route = "app:read", "watch"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, userID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil {
		key := userID + "|" + claims.DeviceName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "projects_list":
		writeJSON(w, http.StatusOK, map[string]any{"projects": s.store.ListProjects(userID)})
	case "project_save":
		s.handleProjectSave(w, r, userID, correlationID)
	case "projects_clear":
		if err := s.store.ClearProjects(userID); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	case "project_update":
		s.handleProjectUpdate(w, r, userID, parts[4], correlationID)
	case "project_delete":
		if err := s.store.DeleteProject(userID, parts[4]); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case "tasks_list":
		writeJSON(w, http.StatusOK, map[string]any{"tasks": s.store.ListTasks(userID)})
	case "task_save":
		s.handleTaskSave(w, r, userID, correlationID)
	case "tasks_clear":
		if err := s.store.ClearTasks(userID); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	case "task_update":
		s.handleTaskUpdate(w, r, userID, parts[4], correlationID)
	case "task_delete":
		if err := s.store.DeleteTask(userID, parts[4]); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case "task_move":
		s.handleTaskMove(w, r, userID, parts[4], correlationID)
	case "timelogs_list":
		writeJSON(w, http.StatusOK, map[string]any{"timelogs": s.store.ListTimeLogs(userID)})
	case "timelog_create":
		s.handleTimeLogCreate(w, r, userID, correlationID)
	case "timelogs_clear":
		if err := s.store.ClearTimeLogs(userID); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	case "timelog_delete":
		if err := s.store.DeleteTimeLog(userID, parts[4]); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case "timelog_tags":
		s.handleTimeLogTags(w, r, userID, parts[4], correlationID)
	case "timer_status":
		s.handleTimerStatus(w, userID)
	case "timer_start":
		s.handleTimerStart(w, r, userID, correlationID)
	case "timer_stop":
		s.handleTimerStop(w, r, userID, correlationID)
	case "timer_toggle":
		s.handleTimerToggle(w, r, userID, correlationID)
	case "import":
		s.handleImport(w, r, userID, correlationID)
	case "config_get":
		writeJSON(w, http.StatusOK, s.store.SyncConfigFor(userID))
	case "config_put":
		s.handleConfigPut(w, r, userID, correlationID)
	case "events":
		limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
		writeJSON(w, http.StatusOK, map[string]any{"events": s.store.RecentEvents(userID, limit)})
	case "notices":
		writeJSON(w, http.StatusOK, map[string]any{"notices": s.notices.Recent(userID)})
	case "watch":
		s.handleWatch(w, r, userID)
	}
}

// --- Gateway proxy ---

type queryDatabaseRequest struct {
	DatabaseID string         `json:"databaseId"`
	Filter     map[string]any `json:"filter,omitempty"`
}

type createPageRequest struct {
	DatabaseID string                            `json:"databaseId"`
	Properties map[string]engtimer.PropertyValue `json:"properties"`
}

type updatePageRequest struct {
	PageID     string                            `json:"pageId"`
	Properties map[string]engtimer.PropertyValue `json:"properties"`
}

type incrementPropertyRequest struct {
	PageID   string  `json:"pageId"`
	Property string  `json:"property"`
	Value    float64 `json:"value"`
}

func (s *Server) handleGatewayProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte("Method Not Allowed"))
		return
	}
	correlationID := getCorrelationID(r)
	switch r.URL.Path {
	case "/sync/query-database":
		var req queryDatabaseRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		result, err := s.gateway.QueryDatabase(r.Context(), req.DatabaseID, req.Filter)
		if err != nil {
			s.writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "/sync/create-page":
		var req createPageRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		if req.DatabaseID == "" || len(req.Properties) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "databaseId and properties are required"})
			return
		}
		page, err := s.gateway.CreatePage(r.Context(), req.DatabaseID, req.Properties)
		if err != nil {
			s.writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case "/sync/update-page":
		var req updatePageRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		page, err := s.gateway.UpdatePage(r.Context(), req.PageID, req.Properties)
		if err != nil {
			s.writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case "/sync/increment-property":
		var req incrementPropertyRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		result, err := s.gateway.IncrementNumberProperty(r.Context(), req.PageID, req.Property, req.Value)
		if err != nil {
			s.writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// writeGatewayError preserves the original proxy contract: a missing key
// is a local 500, any upstream failure passes status and body through
// verbatim.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	var gwErr *engtimer.GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Configuration {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Missing API Key"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(gwErr.Status)
		_, _ = w.Write([]byte(gwErr.Body))
		return
	}
	if errors.Is(err, engtimer.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// --- App handlers ---

func (s *Server) handleProjectSave(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var input engtimer.ProjectInput
	if !s.decodeJSONBody(w, r, correlationID, &input) {
		return
	}
	project, err := s.engine.SaveProject(r.Context(), userID, input)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleProjectUpdate(w http.ResponseWriter, r *http.Request, userID, projectID, correlationID string) {
	var patch engtimer.ProjectPatch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	project, err := s.engine.UpdateProject(r.Context(), userID, projectID, patch)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleTaskSave(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var input engtimer.TaskInput
	if !s.decodeJSONBody(w, r, correlationID, &input) {
		return
	}
	task, err := s.engine.SaveTask(r.Context(), userID, input)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request, userID, taskID, correlationID string) {
	var patch engtimer.TaskPatch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	task, err := s.engine.UpdateTask(r.Context(), userID, taskID, patch)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskMove(w http.ResponseWriter, r *http.Request, userID, taskID, correlationID string) {
	var req struct {
		ProjectID string `json:"projectId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	task, err := s.engine.MoveTaskToProject(r.Context(), userID, taskID, req.ProjectID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTimeLogCreate(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var log engtimer.TimeLog
	if !s.decodeJSONBody(w, r, correlationID, &log) {
		return
	}
	created, err := s.engine.AddManualLog(r.Context(), userID, log)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleTimeLogTags(w http.ResponseWriter, r *http.Request, userID, logID, correlationID string) {
	var req struct {
		Tags  []string `json:"tags"`
		Notes string   `json:"notes"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	updated, err := s.store.UpdateTimeLogTags(userID, logID, req.Tags, req.Notes)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleTimerStatus(w http.ResponseWriter, userID string) {
	active, running := s.store.ActiveTimeLog(userID)
	if !running {
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": true, "active": active})
}

type timerTargetRequest struct {
	Kind     string `json:"kind"`
	TargetID string `json:"targetId"`
}

func (s *Server) handleTimerStart(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var req timerTargetRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	log, err := s.timer.Start(r.Context(), userID, engtimer.TargetKind(req.Kind), req.TargetID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleTimerStop(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	log, err := s.timer.Stop(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleTimerToggle(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var req timerTargetRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.timer.Toggle(r.Context(), userID, engtimer.TargetKind(req.Kind), req.TargetID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	summary, err := s.engine.Import(r.Context(), userID)
	if err != nil {
		var gwErr *engtimer.GatewayError
		if errors.As(err, &gwErr) && gwErr.Configuration {
			writeError(w, http.StatusInternalServerError, "configuration_error", gwErr.Body, correlationID)
			return
		}
		writeError(w, http.StatusBadGateway, "import_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var cfg engtimer.SyncConfig
	if !s.decodeJSONBody(w, r, correlationID, &cfg) {
		return
	}
	stored, err := s.store.SetSyncConfig(userID, cfg)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// handleWatch upgrades to a websocket and streams store events until the
// client goes away. The store's live subscription drops events for slow
// consumers instead of blocking writers.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	events, cancel := s.store.Watch(userID)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

// --- helpers ---

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, engtimer.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, engtimer.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, engtimer.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
