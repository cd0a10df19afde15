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

	"github.com/collabnotes/notesync/internal/notesync"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *notesync.Store
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

func NewServer(store *notesync.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *notesync.Store, cfg ServerConfig) *Server {
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
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/overview" && r.Method == http.MethodGet {
		s.handleAdminOverview(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet {
		s.handleAdminBackends(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "notebooks" && r.Method == http.MethodPost:
		requiredScope = "admin:manage"
		route = "create_notebook"
	case len(parts) == 3 && parts[1] == "notebooks" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "get_notebook"
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "sessions" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "start_session"
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "sync"
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "version" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "version"
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "events"
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "versions" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "history"
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "watch" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "watch"
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "list_conflicts"
	case len(parts) == 4 && parts[1] == "notebooks" && parts[3] == "members" && r.Method == http.MethodGet:
		requiredScope = "admin:manage"
		route = "list_members"
	case len(parts) == 5 && parts[1] == "notebooks" && parts[3] == "members" && r.Method == http.MethodPut:
		requiredScope = "admin:manage"
		route = "set_member"
	case len(parts) == 3 && parts[1] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "get_conflict"
	case len(parts) == 4 && parts[1] == "conflicts" && parts[3] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "conflicts:resolve"
		route = "resolve_conflict"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
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
	case "create_notebook":
		s.handleCreateNotebook(w, r, claims, correlationID)
	case "get_notebook":
		s.handleGetNotebook(w, parts[2], claims, correlationID)
	case "start_session":
		s.handleStartSession(w, parts[2], claims, correlationID)
	case "sync":
		s.handleSync(w, r, parts[2], claims, correlationID)
	case "version":
		s.handleVersion(w, parts[2], claims, correlationID)
	case "events":
		s.handleEvents(w, r, parts[2], claims, correlationID)
	case "history":
		s.handleHistory(w, r, parts[2], claims, correlationID)
	case "watch":
		s.handleWatch(w, r, parts[2], claims, correlationID)
	case "list_conflicts":
		s.handleListConflicts(w, r, parts[2], claims, correlationID)
	case "list_members":
		s.handleListMembers(w, parts[2], claims, correlationID)
	case "set_member":
		s.handleSetMember(w, r, parts[2], parts[4], claims, correlationID)
	case "get_conflict":
		s.handleGetConflict(w, parts[2], claims, correlationID)
	case "resolve_conflict":
		s.handleResolveConflict(w, r, parts[2], claims, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleCreateNotebook(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(notebookBodySchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var req struct {
		ID      string `json:"id"`
		Title   string `json:"title"`
		Content string `json:"content"`
		OwnerID string `json:"ownerId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		ownerID = claims.UserID
	}
	nb, err := s.store.CreateNotebook(notesync.CreateNotebookRequest{
		ID:            req.ID,
		Title:         req.Title,
		Content:       req.Content,
		OwnerID:       ownerID,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, nb)
}

func (s *Server) handleGetNotebook(w http.ResponseWriter, notebookID string, claims tokenClaims, correlationID string) {
	nb, err := s.store.GetNotebook(notebookID, claims.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, nb)
}

func (s *Server) handleStartSession(w http.ResponseWriter, notebookID string, claims tokenClaims, correlationID string) {
	sess, err := s.store.StartSession(notebookID, claims.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, notebookID string, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(syncBodySchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var req struct {
		SessionToken string `json:"sessionToken"`
		Patch        string `json:"patch"`
		Summary      string `json:"summary"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	// The token implies an identity; the bearer must match it, and the
	// session must belong to the notebook in the path.
	sess, err := s.store.GetSession(req.SessionToken)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if sess.UserID != claims.UserID {
		writeError(w, http.StatusForbidden, "permission_denied", "session does not belong to caller", correlationID)
		return
	}
	if sess.NotebookID != notebookID {
		writeError(w, http.StatusBadRequest, "bad_request", "session belongs to a different notebook", correlationID)
		return
	}

	result, err := s.store.ApplyPatch(notesync.SyncRequest{
		SessionToken:  req.SessionToken,
		Patch:         req.Patch,
		Summary:       req.Summary,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVersion(w http.ResponseWriter, notebookID string, claims tokenClaims, correlationID string) {
	status, err := s.store.CheckVersion(notebookID, claims.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, notebookID string, claims tokenClaims, correlationID string) {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 500)
	feed, err := s.store.ListEvents(notebookID, claims.UserID, cursor, limit)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, notebookID string, claims tokenClaims, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, 200)
	history, err := s.store.ListVersions(notebookID, claims.UserID, limit)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": history})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request, notebookID string, claims tokenClaims, correlationID string) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	conflicts, err := s.store.ListConflicts(notebookID, claims.UserID, status)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleGetConflict(w http.ResponseWriter, conflictID string, claims tokenClaims, correlationID string) {
	conflict, err := s.store.GetConflict(conflictID, claims.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, conflictID string, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(resolveBodySchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var req struct {
		Strategy     string `json:"strategy"`
		FinalContent string `json:"finalContent"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	result, err := s.store.ResolveConflict(notesync.ResolveRequest{
		ConflictID:    conflictID,
		UserID:        claims.UserID,
		Strategy:      req.Strategy,
		FinalContent:  req.FinalContent,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListMembers(w http.ResponseWriter, notebookID string, claims tokenClaims, correlationID string) {
	members, err := s.store.Members(notebookID, claims.UserID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleSetMember(w http.ResponseWriter, r *http.Request, notebookID, userID string, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(memberBodySchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	role, err := notesync.ParseRole(req.Role)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if err := s.store.SetMemberRole(notebookID, claims.UserID, userID, role); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebookId": notebookID, "userId": userID, "role": role})
}

func (s *Server) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin:manage", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend":   s.store.BackendStatus(),
		"notebooks": s.store.Overview(),
	})
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "admin:manage", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.store.BackendStatus())
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, notesync.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error(), correlationID)
	case errors.Is(err, notesync.ErrSessionExpired):
		writeError(w, http.StatusGone, "session_expired", err.Error(), correlationID)
	case errors.Is(err, notesync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, notesync.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission_denied", err.Error(), correlationID)
	case errors.Is(err, notesync.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error(), correlationID)
	case errors.Is(err, notesync.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
	case errors.Is(err, notesync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
