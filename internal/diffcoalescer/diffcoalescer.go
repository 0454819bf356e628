// Package diffcoalescer implements the Diff Coalescer: debounced `git
// status`/`git diff` recomputation per scope id, guaranteeing at most one
// concurrent computation per scope and at least one run after the most
// recent request (spec.md §4.8).
//
// Grounded on the teacher's server.WorktreeValidator cache-with-TTL pattern
// (worktreeCacheEntry/cache map/InvalidateCache), generalized from "cache
// results for a fixed TTL" to "in-flight set + trailing-timer debounce":
// where the teacher serves a stale cached list until expiry, this instead
// tracks whether a computation is already running for a scope and, if a
// further request arrives mid-computation, arms a single trailing timer so
// exactly one more run happens after the debounce window rather than one run
// per request. The underlying git invocation reuses
// worktree.Manager.GetDiff (itself grounded on internal/server/git.go's
// execInContainer-driven `git status --porcelain`/`git diff` pair) rather
// than duplicating the isolator plumbing here.
package diffcoalescer

import (
	"context"
	"sync"
	"time"

	"github.com/vibe80/engine/internal/store"
	"github.com/vibe80/engine/internal/worktree"
)

// DefaultDebounce is the trailing-timer delay, per spec.md §4.8.
const DefaultDebounce = 500 * time.Millisecond

// Publisher broadcasts a completed diff recompute. Implemented by
// *broadcast.Bus; declared on the consumer side to avoid an import cycle.
type Publisher interface {
	PublishRepoDiff(sessionID, worktreeID, status, diff string)
}

type scope struct {
	sessionID  string
	worktreeID string

	inFlight bool
	timer    *time.Timer
}

// Coalescer is the Diff Coalescer for every session this engine instance
// serves.
type Coalescer struct {
	worktrees *worktree.Manager
	store     store.Store
	pub       Publisher
	debounce  time.Duration

	mu     sync.Mutex
	scopes map[string]*scope
}

// New constructs a Coalescer. debounce <= 0 uses DefaultDebounce.
func New(wm *worktree.Manager, st store.Store, pub Publisher, debounce time.Duration) *Coalescer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Coalescer{
		worktrees: wm,
		store:     st,
		pub:       pub,
		debounce:  debounce,
		scopes:    make(map[string]*scope),
	}
}

func scopeKey(sessionID, worktreeID string) string { return sessionID + "/" + worktreeID }

// RequestDiff implements turn.DiffTrigger: a debounced recompute request for
// one worktree's diff, scoped by (sessionID, worktreeID) per spec.md §4.8.
func (c *Coalescer) RequestDiff(sessionID, worktreeID string) {
	key := scopeKey(sessionID, worktreeID)

	c.mu.Lock()
	sc, ok := c.scopes[key]
	if !ok {
		sc = &scope{sessionID: sessionID, worktreeID: worktreeID}
		c.scopes[key] = sc
	}
	if sc.inFlight {
		// Already computing: schedule/refresh the trailing timer only, so
		// exactly one more run happens after the debounce window settles.
		if sc.timer != nil {
			sc.timer.Stop()
		}
		sc.timer = time.AfterFunc(c.debounce, func() { c.RequestDiff(sessionID, worktreeID) })
		c.mu.Unlock()
		return
	}
	sc.inFlight = true
	c.mu.Unlock()

	go c.compute(sc)
}

func (c *Coalescer) compute(sc *scope) {
	defer func() {
		c.mu.Lock()
		sc.inFlight = false
		c.mu.Unlock()
	}()

	sess, ok, err := c.store.GetSession(sc.sessionID)
	if err != nil || !ok {
		return
	}
	ws, ok, err := c.store.GetWorkspace(sess.WorkspaceID)
	if err != nil || !ok {
		return
	}
	wt, ok, err := c.store.GetWorktree(sc.sessionID, sc.worktreeID)
	if err != nil || !ok {
		return
	}

	status, diff, err := c.worktrees.GetDiff(context.Background(), ws, wt)
	if err != nil {
		return
	}
	c.pub.PublishRepoDiff(sc.sessionID, sc.worktreeID, status, diff)
}
