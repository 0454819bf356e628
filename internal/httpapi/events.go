package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventRecord is a single lifecycle event surfaced on GET /internal/events
// (SPEC_FULL.md §6.1), grounded on the teacher's EventRecord
// (internal/server/server.go) and appendNodeEvent (internal/server/workspace_routing.go).
type EventRecord struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Level     string                 `json:"level"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	CreatedAt string                 `json:"createdAt"`
}

// eventRecorder holds a bounded, most-recent-first ring of EventRecords per
// session, scoped to this process's Server (not persisted: restart-safe
// operational visibility only, not an audit log).
type eventRecorder struct {
	mu            sync.RWMutex
	bySession     map[string][]EventRecord
	maxPerSession int
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{bySession: make(map[string][]EventRecord), maxPerSession: 200}
}

func (e *eventRecorder) emit(sessionID, level, eventType, message string, detail map[string]interface{}) {
	rec := EventRecord{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Level:     level,
		Type:      eventType,
		Message:   message,
		Detail:    detail,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	events := append([]EventRecord{rec}, e.bySession[sessionID]...)
	if len(events) > e.maxPerSession {
		events = events[:e.maxPerSession]
	}
	e.bySession[sessionID] = events
}

func (e *eventRecorder) list(sessionID string, limit int) []EventRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	events := e.bySession[sessionID]
	if len(events) > limit {
		events = events[:limit]
	}
	out := make([]EventRecord, len(events))
	copy(out, events)
	return out
}

// handleInternalEvents implements GET /internal/events?session=...
// (SPEC_FULL.md §6.1), returning this process's recent lifecycle events for
// one session — operational visibility, not a durable audit trail.
func (s *Server) handleInternalEvents(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": []EventRecord{}})
		return
	}
	if _, err := s.sessions.GetSession(sessionID, auth.workspace.ID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.events.list(sessionID, parseEventLimit(r.URL.Query().Get("limit")))})
}

func parseEventLimit(raw string) int {
	if raw == "" {
		return 100
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 100
	}
	if parsed > 200 {
		return 200
	}
	return parsed
}
