// Package store defines the storage-backend abstraction the engine depends
// on (spec.md §9: "the storage backend is an interface; the core depends
// only on its operations"), plus a SQLite-backed implementation.
//
// Only a SQLite backend is implemented here (see SPEC_FULL.md DOMAIN STACK);
// a Redis implementation is a drop-in of the same interface and is not
// required by the core.
package store

import (
	"time"

	"github.com/vibe80/engine/internal/model"
)

// Store is the abstract persistence contract the Session Manager, Worktree
// Manager, and Message Log depend on.
type Store interface {
	// Workspaces
	PutWorkspace(w model.Workspace) error
	GetWorkspace(workspaceID string) (model.Workspace, bool, error)
	ListWorkspaces() ([]model.Workspace, error)
	DeleteWorkspace(workspaceID string) error

	// Sessions
	PutSession(s model.Session) error
	GetSession(sessionID string) (model.Session, bool, error)
	ListSessions(workspaceID string) ([]model.Session, error)
	ListAllSessions() ([]model.Session, error)
	TouchSession(sessionID string, at time.Time) error
	DeleteSession(sessionID string) error

	// Worktrees
	PutWorktree(w model.Worktree) error
	GetWorktree(sessionID, worktreeID string) (model.Worktree, bool, error)
	ListWorktrees(sessionID string) ([]model.Worktree, error)
	DeleteWorktree(sessionID, worktreeID string) error

	// Messages (Message Log)
	AppendMessage(m model.Message) (assignedSeq int64, idempotentNoop bool, err error)
	ReadMessages(worktreeID string, limit int, beforeMessageID string) ([]model.Message, error)
	ClearMessages(worktreeID string) error

	Close() error
}

// ErrNotFound is a sentinel for a lookup that finds nothing. The Store
// methods above report a missing record through their bool result instead;
// SQLiteStore never returns ErrNotFound.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "store: not found" }
