// Package httpapi adapts the engine's core components to the HTTP surface
// spec.md §6 enumerates: session creation/lookup, branch and worktree
// operations, model listing, attachment upload, and health. It translates
// model.EngineError into the {error, error_type} envelope and HTTP status
// codes spec.md §7 describes.
//
// Grounded on the teacher's internal/server/routes.go (writeJSON/writeError
// helpers) and server.go's setupRoutes/corsMiddleware (stdlib
// http.ServeMux with Go 1.22's "METHOD /path/{param}" patterns — no
// external router library, matching the teacher).
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vibe80/engine/internal/auth"
	"github.com/vibe80/engine/internal/engine"
	"github.com/vibe80/engine/internal/isolator"
	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/session"
	"github.com/vibe80/engine/internal/store"
	"github.com/vibe80/engine/internal/worktree"
)

// Server is the HTTP adapter for one engine instance.
type Server struct {
	engine      *engine.Engine
	sessions    *session.Manager
	worktrees   *worktree.Manager
	iso         *isolator.Isolator
	store       store.Store
	validator   *auth.JWTValidator
	requireAuth bool
	logger      *slog.Logger
	events      *eventRecorder
}

// New constructs a Server. validator may be nil when requireAuth is false
// (local development / tests).
func New(eng *engine.Engine, sessions *session.Manager, worktrees *worktree.Manager, iso *isolator.Isolator, st store.Store, validator *auth.JWTValidator, requireAuth bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:      eng,
		sessions:    sessions,
		worktrees:   worktrees,
		iso:         iso,
		store:       st,
		validator:   validator,
		requireAuth: requireAuth,
		logger:      logger,
		events:      newEventRecorder(),
	}
}

// Routes registers every HTTP handler on mux, per spec.md §6 and SPEC_FULL.md
// §6.1's additional ambient surface.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /api/health", s.handleSessionHealth)

	mux.HandleFunc("POST /api/session", s.handleCreateSession)
	mux.HandleFunc("GET /api/session/{id}", s.handleGetSession)

	mux.HandleFunc("GET /api/branches", s.handleListBranches)
	mux.HandleFunc("POST /api/branches/fetch", s.handleFetchBranches)
	mux.HandleFunc("POST /api/branches/switch", s.handleSwitchBranch)

	mux.HandleFunc("GET /api/worktree/{id}/diff", s.handleWorktreeDiff)
	mux.HandleFunc("POST /api/worktree/{id}/merge", s.handleWorktreeMerge)
	mux.HandleFunc("POST /api/worktree/{id}/abort-merge", s.handleWorktreeAbortMerge)

	mux.HandleFunc("GET /api/models", s.handleListModels)

	mux.HandleFunc("POST /api/attachments/upload", s.handleUploadAttachment)
	mux.HandleFunc("GET /api/attachments", s.handleListAttachments)

	mux.HandleFunc("GET /internal/events", s.handleInternalEvents)
}

// CORSMiddleware wraps a handler with the CORS header logic spec.md §6's
// external interface requires for a browser-driven client. Grounded
// line-for-line on the teacher's corsMiddleware (internal/server/server.go),
// including its "https://*.example.com" wildcard subdomain matching.
func CORSMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*.") {
				wildcardIdx := strings.Index(o, "*.")
				prefix := o[:wildcardIdx]
				suffix := o[wildcardIdx+1:]
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorEnvelope is spec.md §6's error shape: {error, error_type}.
type errorEnvelope struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// writeEngineError translates err into the HTTP status + error_type pair
// spec.md §7 describes. Non-EngineError values are treated as internal
// (500/INTERNAL_ERROR) and logged; EngineError values are not logged at
// error level when their Kind is Validation or Authorization, matching
// spec.md §7's "not logged at error level" / "session not revealed" rules.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType, logIt := classifyError(err)
	if logIt {
		s.logger.Error("httpapi: request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorEnvelope{Error: err.Error(), ErrorType: errType})
}

func classifyError(err error) (status int, errType string, logAsError bool) {
	var ee *model.EngineError
	if engErr, ok := err.(*model.EngineError); ok {
		ee = engErr
	}
	if ee == nil {
		return http.StatusInternalServerError, "INTERNAL_ERROR", true
	}

	errType = ee.Code
	if errType == "" {
		errType = strings.ToUpper(string(ee.Kind))
	}

	switch ee.Kind {
	case model.ErrKindValidation:
		return http.StatusBadRequest, errType, false
	case model.ErrKindAuthz:
		return http.StatusForbidden, errType, false
	case model.ErrKindNotFound:
		return http.StatusNotFound, errType, false
	case model.ErrKindIsolation:
		return http.StatusBadGateway, errType, true
	case model.ErrKindAgent:
		return http.StatusBadGateway, errType, true
	case model.ErrKindStorage:
		return http.StatusInternalServerError, errType, true
	default:
		return http.StatusInternalServerError, errType, true
	}
}

// authResult carries what requireWorkspace resolved from the request.
type authResult struct {
	workspace model.Workspace
	claims    *auth.Claims
}

// requireWorkspace validates the Authorization bearer token (spec.md §6,
// "auth: workspace token") and resolves the model.Workspace it names. When
// requireAuth is false (local/dev/test), it instead trusts the
// X-Workspace-Id header or a workspace_id query param, for harnesses that
// don't run a JWKS endpoint.
func (s *Server) requireWorkspace(w http.ResponseWriter, r *http.Request) (authResult, bool) {
	var workspaceID string

	if s.requireAuth {
		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: "missing bearer token", ErrorType: "UNAUTHORIZED"})
			return authResult{}, false
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		claims, err := s.validator.Validate(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: "invalid token", ErrorType: "UNAUTHORIZED"})
			return authResult{}, false
		}
		workspaceID = claims.Workspace

		ws, ok, err := s.store.GetWorkspace(workspaceID)
		if err != nil {
			s.writeEngineError(w, r, err)
			return authResult{}, false
		}
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: "invalid token", ErrorType: "UNAUTHORIZED"})
			return authResult{}, false
		}
		return authResult{workspace: ws, claims: claims}, true
	}

	workspaceID = r.Header.Get("X-Workspace-Id")
	if workspaceID == "" {
		workspaceID = r.URL.Query().Get("workspace_id")
	}
	ws, ok, err := s.store.GetWorkspace(workspaceID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return authResult{}, false
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: "unknown workspace", ErrorType: "UNAUTHORIZED"})
		return authResult{}, false
	}
	return authResult{workspace: ws}, true
}

// resolveSessionAndWorktree loads the session named by the "session" query
// param (scoped to auth'd workspace) and the worktree named by worktreeID
// (defaulting to "main" when empty, e.g. for endpoints without a worktree
// path segment).
func (s *Server) resolveSessionAndWorktree(r *http.Request, workspaceID, worktreeID string) (model.Session, model.Worktree, error) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		return model.Session{}, model.Worktree{}, model.NewEngineError(model.ErrKindValidation, "SESSION_REQUIRED", "session query parameter is required", nil)
	}
	sess, err := s.sessions.GetSession(sessionID, workspaceID)
	if err != nil {
		return model.Session{}, model.Worktree{}, err
	}
	if worktreeID == "" {
		worktreeID = "main"
	}
	wt, ok, err := s.store.GetWorktree(sess.ID, worktreeID)
	if err != nil {
		return model.Session{}, model.Worktree{}, err
	}
	if !ok {
		return model.Session{}, model.Worktree{}, model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_FOUND", "worktree not found", nil)
	}
	return sess, wt, nil
}
