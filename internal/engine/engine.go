// Package engine wires the Workspace Isolator, Session Manager, Worktree
// Manager, Agent Supervisor, Turn Controller, Message Log, Broadcast Bus,
// and Diff Coalescer into the top-level runtime described by spec.md §5:
// one command mailbox and one worker goroutine per worktree, serializing
// every state mutation for that worktree behind a single owning goroutine.
//
// Grounded on the teacher's acp.SessionHost, which owns all of its mutable
// state (process, acpConn, status) behind one mutex mutated from a handful
// of call sites; this package makes that discipline explicit as an actor
// loop — a buffered channel of closures drained by one goroutine per
// worktree — rather than a shared mutex, since spec.md §5 requires strict
// total ordering of mutations per worktree that an actor loop makes easier
// to reason about under concurrent HTTP/WS callers than scattered locking.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/broadcast"
	"github.com/vibe80/engine/internal/diffcoalescer"
	"github.com/vibe80/engine/internal/isolator"
	"github.com/vibe80/engine/internal/messagelog"
	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/session"
	"github.com/vibe80/engine/internal/store"
	"github.com/vibe80/engine/internal/turn"
	"github.com/vibe80/engine/internal/worktree"
)

// mailboxSize bounds how many pending commands a worktree's actor loop will
// queue before Submit/Interrupt/etc. block the caller.
const mailboxSize = 64

// Engine is the top-level orchestration runtime for one process.
type Engine struct {
	store     store.Store
	iso       *isolator.Isolator
	sessions  *session.Manager
	worktrees *worktree.Manager
	agents    agent.Factory
	log       *messagelog.Log
	bus       *broadcast.Bus
	diff      *diffcoalescer.Coalescer
	logger    *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*worktreeRuntime // "sessionId/worktreeId" -> runtime

	runsMu sync.Mutex
	runs   map[string]*runSession // "sessionId/worktreeId" -> in-flight `run` action
}

// runSession is the in-flight interactive command started by a `run` action
// request (spec.md §4.7 step 3), one at a time per worktree. Output is
// streamed to the bus as run_output frames until the command exits.
type runSession struct {
	id   string
	ptmx *os.File
	cmd  *exec.Cmd
}

// worktreeRuntime is the actor for a single worktree: a mailbox goroutine
// serializing every mutation, the agent Client it owns, and the Turn
// Controller driving that Client's event stream.
type worktreeRuntime struct {
	sessionID  string
	worktreeID string
	client     agent.Client
	ctrl       *turn.Controller
	mailbox    chan func()
	cancel     context.CancelFunc

	actMu        sync.Mutex
	lastActivity time.Time
	suspended    bool
}

func (rt *worktreeRuntime) touch() {
	rt.actMu.Lock()
	rt.lastActivity = time.Now()
	rt.actMu.Unlock()
}

func (rt *worktreeRuntime) isSuspended() bool {
	rt.actMu.Lock()
	defer rt.actMu.Unlock()
	return rt.suspended
}

// New constructs an Engine. logger defaults to slog.Default() when nil.
func New(st store.Store, iso *isolator.Isolator, sessions *session.Manager, worktrees *worktree.Manager, agents agent.Factory, bus *broadcast.Bus, diff *diffcoalescer.Coalescer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		iso:       iso,
		sessions:  sessions,
		worktrees: worktrees,
		agents:    agents,
		log:       messagelog.New(st),
		bus:       bus,
		diff:      diff,
		logger:    logger,
		runtimes:  make(map[string]*worktreeRuntime),
		runs:      make(map[string]*runSession),
	}
}

func runtimeKey(sessionID, worktreeID string) string { return sessionID + "/" + worktreeID }

// CreateSession clones a repository via the Session Manager, which also
// launches the main worktree's agent subprocess (spec.md §4.2). The Session
// Manager hands that already-started Client back here rather than this
// method spawning a second one for the same worktree.
func (e *Engine) CreateSession(ctx context.Context, ws model.Workspace, req session.CreateRequest) (model.Session, error) {
	sess, client, err := e.sessions.CreateSession(ctx, ws, req)
	if err != nil {
		return model.Session{}, err
	}
	if client == nil {
		// Session Manager already marked the main worktree errored.
		return sess, nil
	}
	if err := e.wireWorktreeRuntime(ctx, sess, "main", client); err != nil {
		e.logger.Error("engine: main worktree runtime failed to start", "sessionId", sess.ID, "error", err)
	}
	return sess, nil
}

// CreateWorktree creates a new worktree via the Worktree Manager and starts
// its actor, publishing worktree_created on success.
func (e *Engine) CreateWorktree(ctx context.Context, ws model.Workspace, sess model.Session, opts worktree.CreateOptions) (model.Worktree, error) {
	wt, err := e.worktrees.Create(ctx, ws, sess, opts)
	if err != nil {
		return model.Worktree{}, err
	}
	if err := e.startWorktreeRuntime(ctx, ws, sess, wt.ID); err != nil {
		e.logger.Error("engine: worktree runtime failed to start", "sessionId", sess.ID, "worktreeId", wt.ID, "error", err)
	}
	if updated, ok, _ := e.store.GetWorktree(sess.ID, wt.ID); ok {
		wt = updated
	}
	e.bus.PublishWorktreeCreated(sess.ID, wt)
	return wt, nil
}

// startWorktreeRuntime spawns a fresh agent Client for a worktree that has
// none yet (e.g. a newly created non-main worktree), marks it ready/errored
// via the Worktree Manager accordingly, and wires it into a runtime.
func (e *Engine) startWorktreeRuntime(ctx context.Context, ws model.Workspace, sess model.Session, worktreeID string) error {
	wt, ok, err := e.store.GetWorktree(sess.ID, worktreeID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_FOUND", "worktree not found", nil)
	}

	client, err := e.agents(agent.Provider(wt.Provider), agent.ClientOptions{
		WorkDir:  wt.Path,
		Model:    wt.Model,
		ThreadID: wt.ThreadID,
	})
	if err != nil {
		_ = e.worktrees.MarkError(wt)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := client.Start(runCtx); err != nil {
		cancel()
		_ = e.worktrees.MarkError(wt)
		return err
	}
	if err := e.worktrees.MarkReady(wt, client.ThreadID()); err != nil {
		cancel()
		_ = client.Stop()
		return err
	}

	e.installRuntime(sess.ID, wt.ID, client, runCtx, cancel)
	return nil
}

// wireWorktreeRuntime wires an already-started agent Client (one the caller
// obtained and marked ready itself, e.g. the Session Manager's main-worktree
// spawn per spec.md §4.2) into a runtime, instead of spawning a second Client
// for the same worktree.
func (e *Engine) wireWorktreeRuntime(ctx context.Context, sess model.Session, worktreeID string, client agent.Client) error {
	wt, ok, err := e.store.GetWorktree(sess.ID, worktreeID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_FOUND", "worktree not found", nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.installRuntime(sess.ID, wt.ID, client, runCtx, cancel)
	return nil
}

// installRuntime wires a started agent Client to a Turn Controller and
// starts the mailbox/Run goroutines for one worktree's actor.
func (e *Engine) installRuntime(sessionID, worktreeID string, client agent.Client, runCtx context.Context, cancel context.CancelFunc) {
	ctrl := turn.New(sessionID, worktreeID, client, e.log, e.store, e.bus, e.diff)
	rt := &worktreeRuntime{
		sessionID:    sessionID,
		worktreeID:   worktreeID,
		client:       client,
		ctrl:         ctrl,
		mailbox:      make(chan func(), mailboxSize),
		cancel:       cancel,
		lastActivity: time.Now(),
	}

	key := runtimeKey(sessionID, worktreeID)
	e.mu.Lock()
	if old, ok := e.runtimes[key]; ok {
		close(old.mailbox)
	}
	e.runtimes[key] = rt
	e.mu.Unlock()

	go ctrl.Run(runCtx)
	go rt.drainMailbox()
}

func (rt *worktreeRuntime) drainMailbox() {
	for fn := range rt.mailbox {
		fn()
	}
}

func (e *Engine) runtime(sessionID, worktreeID string) (*worktreeRuntime, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtimes[runtimeKey(sessionID, worktreeID)]
	return rt, ok
}

// SubmitUserMessage enqueues a user turn on the worktree's actor, per
// spec.md §5 ("a single command mailbox ... guarantees serial mutation").
func (e *Engine) SubmitUserMessage(ctx context.Context, sessionID, worktreeID string, msg agent.UserMessage) error {
	rt, ok := e.runtime(sessionID, worktreeID)
	if !ok {
		return model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_RUNNING", "worktree has no active agent runtime", nil)
	}
	if rt.isSuspended() {
		if err := e.resumeWorktreeRuntime(ctx, sessionID, worktreeID); err != nil {
			return err
		}
		rt, ok = e.runtime(sessionID, worktreeID)
		if !ok {
			return model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_RUNNING", "worktree has no active agent runtime", nil)
		}
	}
	rt.touch()

	errCh := make(chan error, 1)
	select {
	case rt.mailbox <- func() { errCh <- rt.ctrl.SubmitUserMessage(ctx, msg) }:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt best-effort cancels the worktree's in-flight turn.
func (e *Engine) Interrupt(sessionID, worktreeID string) error {
	rt, ok := e.runtime(sessionID, worktreeID)
	if !ok {
		return model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_RUNNING", "worktree has no active agent runtime", nil)
	}
	rt.mailbox <- rt.ctrl.Interrupt
	return nil
}

// MessagesView returns the worktree's Turn Controller for read access (the
// Broadcast Bus calls its Messages method to build messages_sync frames).
// ok is false if the worktree has no running actor — callers fall back to
// reading the persisted Message Log directly in that case.
func (e *Engine) MessagesView(sessionID, worktreeID string) (broadcast.MessagesView, bool) {
	rt, ok := e.runtime(sessionID, worktreeID)
	if !ok {
		return nil, false
	}
	return rt.ctrl, true
}

// RequestDiff asks the Diff Coalescer to recompute a worktree's diff.
func (e *Engine) RequestDiff(sessionID, worktreeID string) {
	e.diff.RequestDiff(sessionID, worktreeID)
}

// StartRun launches argv as an interactive, PTY-backed command inside a
// worktree's checkout (the `run` action request of spec.md §4.7 step 3),
// streaming its output as run_output frames until it exits. Only one run is
// allowed per worktree at a time, mirroring the one-actor-per-worktree rule
// §5 applies to agent turns.
func (e *Engine) StartRun(ctx context.Context, ws model.Workspace, sess model.Session, worktreeID string, argv []string) (string, error) {
	wt, ok, err := e.store.GetWorktree(sess.ID, worktreeID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_FOUND", "worktree not found", nil)
	}

	key := runtimeKey(sess.ID, worktreeID)
	e.runsMu.Lock()
	if _, busy := e.runs[key]; busy {
		e.runsMu.Unlock()
		return "", model.NewEngineError(model.ErrKindValidation, "RUN_IN_PROGRESS", "a run is already in progress for this worktree", nil)
	}
	e.runsMu.Unlock()

	ptmx, cmd, err := e.iso.StartPTY(ctx, ws, argv, wt.Path, nil)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	rs := &runSession{id: runID, ptmx: ptmx, cmd: cmd}
	e.runsMu.Lock()
	e.runs[key] = rs
	e.runsMu.Unlock()

	go e.pumpRunOutput(sess.ID, worktreeID, key, rs)
	return runID, nil
}

// pumpRunOutput copies PTY output to run_output frames until the command
// exits or the PTY closes, then publishes run_exit and clears the slot.
func (e *Engine) pumpRunOutput(sessionID, worktreeID, key string, rs *runSession) {
	buf := make([]byte, 4096)
	for {
		n, err := rs.ptmx.Read(buf)
		if n > 0 {
			e.bus.PublishRunOutput(sessionID, worktreeID, rs.id, string(buf[:n]))
		}
		if err != nil {
			break
		}
	}
	exitCode := 0
	if err := rs.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	e.runsMu.Lock()
	if e.runs[key] == rs {
		delete(e.runs, key)
	}
	e.runsMu.Unlock()
	e.bus.PublishRunExit(sessionID, worktreeID, rs.id, exitCode)
}

// WriteRunInput forwards client keystrokes to the worktree's in-flight run,
// if any.
func (e *Engine) WriteRunInput(sessionID, worktreeID, data string) error {
	e.runsMu.Lock()
	rs, ok := e.runs[runtimeKey(sessionID, worktreeID)]
	e.runsMu.Unlock()
	if !ok {
		return model.NewEngineError(model.ErrKindNotFound, "NO_RUN_IN_PROGRESS", "no run in progress for this worktree", nil)
	}
	_, err := io.WriteString(rs.ptmx, data)
	return err
}

// StopRun terminates the worktree's in-flight run, if any. pumpRunOutput
// publishes the resulting run_exit frame and clears the slot once the
// killed process's Wait returns.
func (e *Engine) StopRun(sessionID, worktreeID string) error {
	e.runsMu.Lock()
	rs, ok := e.runs[runtimeKey(sessionID, worktreeID)]
	e.runsMu.Unlock()
	if !ok {
		return model.NewEngineError(model.ErrKindNotFound, "NO_RUN_IN_PROGRESS", "no run in progress for this worktree", nil)
	}
	if rs.cmd.Process == nil {
		return nil
	}
	return rs.cmd.Process.Kill()
}

// CloseWorktree stops a worktree's actor (agent subprocess + Turn
// Controller goroutine) and removes the worktree via the Worktree Manager.
// Per spec.md §5, an in-flight turn on close is reported as turn_error: when
// the Turn Controller is not idle, a turn_error is published to the session's
// subscribers before the Controller's context is cancelled and the client is
// stopped.
func (e *Engine) CloseWorktree(ctx context.Context, ws model.Workspace, sess model.Session, worktreeID string, deleteBranch bool) error {
	key := runtimeKey(sess.ID, worktreeID)
	e.mu.Lock()
	rt := e.runtimes[key]
	delete(e.runtimes, key)
	e.mu.Unlock()

	if rt != nil {
		if rt.ctrl.State() != turn.StateIdle {
			e.bus.Publish(sess.ID, worktreeID, agent.Event{Kind: agent.EventTurnError, Err: fmt.Errorf("worktree %s closed during a turn", worktreeID)})
		}
		rt.cancel()
		_ = rt.client.Stop()
		close(rt.mailbox)
	}

	if err := e.worktrees.Remove(ctx, ws, sess, worktreeID, deleteBranch); err != nil {
		return err
	}
	e.bus.PublishWorktreeClosed(sess.ID, worktreeID)
	return nil
}

// CloseSession stops every worktree actor belonging to a session, then tears
// down the session via the Session Manager.
func (e *Engine) CloseSession(ctx context.Context, ws model.Workspace, sessionID string) error {
	e.mu.Lock()
	var keys []string
	for key, rt := range e.runtimes {
		if rt.sessionID == sessionID {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		rt := e.runtimes[key]
		delete(e.runtimes, key)
		rt.cancel()
		_ = rt.client.Stop()
		close(rt.mailbox)
	}
	e.mu.Unlock()

	return e.sessions.Close(ctx, ws, sessionID)
}

// MergeWorktree merges source into target and publishes the result.
func (e *Engine) MergeWorktree(ctx context.Context, ws model.Workspace, sess model.Session, source, target model.Worktree) (worktree.MergeResult, error) {
	result, err := e.worktrees.Merge(ctx, ws, sess, source, target)
	if err != nil {
		return worktree.MergeResult{}, err
	}
	e.bus.PublishMergeResult(sess.ID, result.Success, result.Conflicts)
	if result.Success {
		e.RequestDiff(sess.ID, target.ID)
	}
	return result, nil
}

// ListWorktrees returns the roster for a session, used both by the
// worktrees_list response and the per-socket initial messages_sync.
func (e *Engine) ListWorktrees(sess model.Session) ([]model.Worktree, error) {
	return e.worktrees.List(sess)
}

// SwitchProvider stops the main worktree's current agent runtime and starts
// a fresh one against provider, updating both the session's active provider
// and the main worktree's own provider field (spec.md §4.7's
// switch_provider client frame). This method only performs the swap: the new
// agent.Client emits "ready" once its ACP connection is up, and no
// "provider_switched" event is produced on this path.
func (e *Engine) SwitchProvider(ctx context.Context, ws model.Workspace, sess model.Session, provider string) (model.Session, error) {
	wt, ok, err := e.store.GetWorktree(sess.ID, "main")
	if err != nil {
		return model.Session{}, err
	}
	if !ok {
		return model.Session{}, model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_FOUND", "main worktree not found", nil)
	}

	key := runtimeKey(sess.ID, "main")
	e.mu.Lock()
	rt := e.runtimes[key]
	delete(e.runtimes, key)
	e.mu.Unlock()
	if rt != nil {
		rt.cancel()
		_ = rt.client.Stop()
		close(rt.mailbox)
	}

	wt.Provider = provider
	wt.ThreadID = ""
	if err := e.store.PutWorktree(wt); err != nil {
		return model.Session{}, err
	}

	sess.ActiveProvider = provider
	if err := e.store.PutSession(sess); err != nil {
		return model.Session{}, err
	}

	if err := e.startWorktreeRuntime(ctx, ws, sess, "main"); err != nil {
		e.logger.Error("engine: provider switch failed to restart main worktree runtime", "sessionId", sess.ID, "error", err)
		return sess, err
	}
	return sess, nil
}

// RunGC starts the Session Manager's GC sweep loop, resolving workspace ids
// via the Store.
func (e *Engine) RunGC(ctx context.Context) {
	e.sessions.RunGC(ctx, e.resolveWorkspace)
}

// SweepOnceGC runs a single GC pass and returns, for the gc-once CLI subcommand.
func (e *Engine) SweepOnceGC(ctx context.Context) {
	e.sessions.SweepOnce(ctx, e.resolveWorkspace)
}

// SuspendIdleRuntimes stops the agent subprocess of every worktree whose Turn
// Controller has been idle (no in-flight turn) for longer than after,
// leaving the worktree itself "ready" and the runtime entry in place. This is
// distinct from session GC: the worktree and its git state are untouched,
// only the agent process is released. The next SubmitUserMessage against a
// suspended runtime transparently restarts it, resuming the agent's ACP
// thread via the worktree's persisted ThreadID. Grounded on the teacher's
// acp.SessionHost.autoSuspend/Suspend/Resume.
func (e *Engine) SuspendIdleRuntimes(ctx context.Context, after time.Duration) {
	if after <= 0 {
		return
	}
	e.mu.Lock()
	var candidates []*worktreeRuntime
	for _, rt := range e.runtimes {
		candidates = append(candidates, rt)
	}
	e.mu.Unlock()

	now := time.Now()
	for _, rt := range candidates {
		rt.actMu.Lock()
		idleFor := now.Sub(rt.lastActivity)
		alreadySuspended := rt.suspended
		rt.actMu.Unlock()
		if alreadySuspended || idleFor < after {
			continue
		}
		if rt.ctrl.State() != turn.StateIdle {
			continue
		}

		rt.actMu.Lock()
		rt.suspended = true
		rt.actMu.Unlock()

		rt.cancel()
		if err := rt.client.Stop(); err != nil {
			e.logger.Error("engine: failed to suspend idle agent", "sessionId", rt.sessionID, "worktreeId", rt.worktreeID, "error", err)
			continue
		}
		e.logger.Info("engine: suspended idle agent", "sessionId", rt.sessionID, "worktreeId", rt.worktreeID, "idleFor", idleFor)
	}
}

// resumeWorktreeRuntime restarts a suspended worktree's agent subprocess,
// resuming its ACP thread from the worktree's persisted ThreadID.
func (e *Engine) resumeWorktreeRuntime(ctx context.Context, sessionID, worktreeID string) error {
	sess, ok, err := e.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewEngineError(model.ErrKindNotFound, "SESSION_NOT_FOUND", "session not found", nil)
	}
	ws, err := e.resolveWorkspace(sess.WorkspaceID)
	if err != nil {
		return err
	}
	return e.startWorktreeRuntime(ctx, ws, sess, worktreeID)
}

func (e *Engine) resolveWorkspace(workspaceID string) (model.Workspace, error) {
	ws, ok, err := e.store.GetWorkspace(workspaceID)
	if err != nil {
		return model.Workspace{}, err
	}
	if !ok {
		return model.Workspace{}, fmt.Errorf("workspace %s not found", workspaceID)
	}
	return ws, nil
}

// Stop signals RunGC to exit and waits for it.
func (e *Engine) Stop() {
	e.sessions.Stop()
	e.runsMu.Lock()
	for _, rs := range e.runs {
		if rs.cmd.Process != nil {
			rs.cmd.Process.Kill()
		}
	}
	e.runsMu.Unlock()
}
