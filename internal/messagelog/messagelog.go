// Package messagelog implements the Message Log: the append-only,
// per-worktree history of record that the Turn Controller writes to and the
// Broadcast Bus replays from on reconnect (spec.md §4.6).
//
// The log itself holds no state beyond the store.Store it wraps — it exists
// to give the append/read/clear contract its own narrow name and to keep
// the sessionId argument spec.md's API signatures carry (the store is keyed
// by worktreeId alone; sessionId is accepted and validated against the
// worktree for defense against cross-session id confusion, grounded on the
// teacher's pattern of threading both ids through internal/server/worktrees.go
// handlers even though storage keys off the narrower id).
package messagelog

import (
	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/store"
)

// Log is the Message Log for a single engine instance, backed by a Store.
type Log struct {
	store store.Store
}

// New constructs a Log over the given storage backend.
func New(s store.Store) *Log {
	return &Log{store: s}
}

// Append assigns message a monotonically increasing seq and persists it.
// Duplicate messageIds within a worktree are a no-op: the original seq is
// returned and noop reports true.
func (l *Log) Append(sessionID, worktreeID string, message model.Message) (seq int64, noop bool, err error) {
	if err := l.checkWorktree(sessionID, worktreeID); err != nil {
		return 0, false, err
	}
	message.WorktreeID = worktreeID
	return l.store.AppendMessage(message)
}

// Read returns the ordered slice of messages per spec.md §4.6: messages
// with seq greater than beforeMessageId's indexed seq, oldest-first,
// trimmed to the last limit items. limit <= 0 means unbounded. A
// beforeMessageId that is not indexed for this worktree returns empty.
func (l *Log) Read(sessionID, worktreeID string, limit int, beforeMessageID string) ([]model.Message, error) {
	if err := l.checkWorktree(sessionID, worktreeID); err != nil {
		return nil, err
	}
	return l.store.ReadMessages(worktreeID, limit, beforeMessageID)
}

// Clear drops every message and index entry for a worktree.
func (l *Log) Clear(sessionID, worktreeID string) error {
	if err := l.checkWorktree(sessionID, worktreeID); err != nil {
		return err
	}
	return l.store.ClearMessages(worktreeID)
}

func (l *Log) checkWorktree(sessionID, worktreeID string) error {
	wt, ok, err := l.store.GetWorktree(sessionID, worktreeID)
	if err != nil {
		return err
	}
	if !ok || wt.SessionID != sessionID {
		return model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_FOUND",
			"worktree not found for session", nil)
	}
	return nil
}
