// Package worktree implements the Worktree Manager: creation, forking,
// merging, and removal of per-session Git worktrees, plus their persisted
// metadata (branch, color, parent, status).
//
// Grounded on the teacher's internal/server/worktrees.go HTTP handlers
// (handleCreateWorktree/handleRemoveWorktree, the `git worktree add/remove`
// invocations and git-stderr classification) and worktree_validation.go
// (ParseWorktreePorcelain, SanitizeWorktreeDirName). The teacher shells into
// a fixed devcontainer as a fixed user via execInContainer; this engine
// shells through the Workspace Isolator as the workspace's own uid instead,
// and persists worktree metadata to the Store rather than deriving it
// entirely from `git worktree list --porcelain` on every call.
package worktree

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vibe80/engine/internal/isolator"
	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/store"
)

// colorPalette is the fixed round-robin palette worktrees are assigned from,
// per spec.md §4.3 step 6.
var colorPalette = []string{
	"#e06c75", "#98c379", "#e5c07b", "#61afef", "#c678dd", "#56b6c2", "#d19a66", "#abb2bf",
}

// CreateOptions parameterizes Manager.Create, mirroring spec.md §4.3's
// create() parameter list.
type CreateOptions struct {
	Provider         string
	Name             string
	ParentWorktreeID string
	StartingBranch   string
	Model            string
	ReasoningEffort  string
}

// MergeResult is the outcome of a merge or cherry-pick attempt.
type MergeResult struct {
	Success   bool
	Conflicts []string
}

// Manager is the Worktree Manager for one engine instance.
type Manager struct {
	iso           *isolator.Isolator
	store         store.Store
	execTimeout   time.Duration
	maxPerSession int
}

// New constructs a Manager.
func New(iso *isolator.Isolator, st store.Store, execTimeout time.Duration, maxPerSession int) *Manager {
	return &Manager{iso: iso, store: st, execTimeout: execTimeout, maxPerSession: maxPerSession}
}

// Create allocates a new worktree: branch, on-disk git worktree, and a
// persisted record at status=creating. The caller (the engine, which owns
// the Agent Supervisor) is responsible for spawning the agent client and
// then calling MarkReady or MarkError to complete the spec.md §4.3 step 7
// transition — the Worktree Manager does not itself depend on the Agent
// Supervisor.
func (m *Manager) Create(ctx context.Context, ws model.Workspace, sess model.Session, opts CreateOptions) (model.Worktree, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	existing, err := m.store.ListWorktrees(sess.ID)
	if err != nil {
		return model.Worktree{}, err
	}
	if m.maxPerSession > 0 && len(existing) >= m.maxPerSession {
		return model.Worktree{}, model.NewEngineError(model.ErrKindValidation, "MAX_WORKTREES_EXCEEDED",
			fmt.Sprintf("session already has %d worktrees (max: %d)", len(existing), m.maxPerSession), nil)
	}

	id, err := newWorktreeID()
	if err != nil {
		return model.Worktree{}, model.NewEngineError(model.ErrKindStorage, "ID_GEN_FAILED", "failed to allocate worktree id", err)
	}

	startingCommit, err := m.resolveStartingCommit(ctx, ws, sess, opts)
	if err != nil {
		return model.Worktree{}, err
	}

	branchName, err := m.resolveBranchName(ctx, ws, sess, id, opts)
	if err != nil {
		return model.Worktree{}, err
	}

	if err := m.iso.RunAs(ctx, ws, []string{"git", "branch", branchName, startingCommit}, sess.RepoDir, nil); err != nil {
		return model.Worktree{}, wrapGitErr("WORKTREE_BRANCH_CREATE_FAILED", "failed to create branch", err)
	}
	if err := m.iso.RunAs(ctx, ws, []string{"git", "config", "branch." + branchName + ".remote", "origin"}, sess.RepoDir, nil); err != nil {
		return model.Worktree{}, wrapGitErr("WORKTREE_TRACKING_FAILED", "failed to set tracking remote", err)
	}
	if err := m.iso.RunAs(ctx, ws, []string{"git", "config", "branch." + branchName + ".merge", "refs/heads/" + branchName}, sess.RepoDir, nil); err != nil {
		return model.Worktree{}, wrapGitErr("WORKTREE_TRACKING_FAILED", "failed to set tracking merge ref", err)
	}

	worktreeDirName := SanitizeWorktreeDirName(filepath.Base(sess.RepoDir), branchName)
	worktreePath := filepath.Join(filepath.Dir(sess.RepoDir), "worktrees", worktreeDirName)

	if err := m.iso.RunAs(ctx, ws, []string{"git", "worktree", "add", worktreePath, branchName}, sess.RepoDir, nil); err != nil {
		return model.Worktree{}, classifyWorktreeAddErr(err, branchName)
	}
	if err := m.iso.RunAs(ctx, ws, []string{"chmod", "2750", worktreePath}, sess.RepoDir, nil); err != nil {
		return model.Worktree{}, wrapGitErr("WORKTREE_CHMOD_FAILED", "failed to set worktree directory mode", err)
	}

	now := time.Now().UTC()
	wt := model.Worktree{
		ID:               id,
		SessionID:        sess.ID,
		Name:             opts.Name,
		BranchName:       branchName,
		Path:             worktreePath,
		Provider:         opts.Provider,
		Model:            opts.Model,
		ReasoningEffort:  opts.ReasoningEffort,
		ParentWorktreeID: opts.ParentWorktreeID,
		StartingBranch:   opts.StartingBranch,
		Status:           model.WorktreeCreating,
		Color:            colorPalette[len(existing)%len(colorPalette)],
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if err := m.store.PutWorktree(wt); err != nil {
		return model.Worktree{}, err
	}
	return wt, nil
}

// MarkReady transitions a worktree to status=ready, recording its agent
// threadId if one was assigned.
func (m *Manager) MarkReady(wt model.Worktree, threadID string) error {
	wt.Status = model.WorktreeReady
	wt.ThreadID = threadID
	wt.LastActivityAt = time.Now().UTC()
	return m.store.PutWorktree(wt)
}

// MarkError transitions a worktree to status=error, keeping the record for
// diagnosis per spec.md §4.3 step 7.
func (m *Manager) MarkError(wt model.Worktree) error {
	wt.Status = model.WorktreeError
	wt.LastActivityAt = time.Now().UTC()
	return m.store.PutWorktree(wt)
}

// Remove stops are the caller's responsibility (the engine stops the agent
// before calling Remove); this removes the git worktree, optionally the
// branch, and the persisted record. The main worktree may never be removed.
func (m *Manager) Remove(ctx context.Context, ws model.Workspace, sess model.Session, worktreeID string, deleteBranch bool) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if worktreeID == "main" {
		return model.NewEngineError(model.ErrKindValidation, "CANNOT_REMOVE_MAIN", "the main worktree cannot be removed", nil)
	}
	wt, ok, err := m.store.GetWorktree(sess.ID, worktreeID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_FOUND", "worktree not found", nil)
	}

	if err := m.iso.RunAs(ctx, ws, []string{"git", "worktree", "remove", "--force", wt.Path}, sess.RepoDir, nil); err != nil {
		return wrapGitErr("WORKTREE_REMOVE_FAILED", "git worktree remove failed", err)
	}

	if deleteBranch {
		if err := m.iso.RunAs(ctx, ws, []string{"git", "branch", "-D", wt.BranchName}, sess.RepoDir, nil); err != nil {
			if !strings.Contains(err.Error(), "not found") {
				return wrapGitErr("WORKTREE_BRANCH_DELETE_FAILED", "failed to delete branch", err)
			}
		}
	}

	return m.store.DeleteWorktree(sess.ID, worktreeID)
}

// Merge merges source's branch into target's worktree, per spec.md §4.3.
func (m *Manager) Merge(ctx context.Context, ws model.Workspace, sess model.Session, source, target model.Worktree) (MergeResult, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	err := m.iso.RunAs(ctx, ws, []string{"git", "merge", source.BranchName, "--no-edit"}, target.Path, nil)
	if err == nil {
		return MergeResult{Success: true}, nil
	}
	return m.conflictResultOrErr(ctx, ws, target, err, "WORKTREE_MERGE_FAILED", "git merge failed")
}

// AbortMerge runs `git merge --abort` in a worktree's path.
func (m *Manager) AbortMerge(ctx context.Context, ws model.Workspace, wt model.Worktree) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.iso.RunAs(ctx, ws, []string{"git", "merge", "--abort"}, wt.Path, nil); err != nil {
		return wrapGitErr("WORKTREE_ABORT_MERGE_FAILED", "git merge --abort failed", err)
	}
	return nil
}

// CherryPick cherry-picks a commit into target's worktree, with the same
// conflict contract as Merge.
func (m *Manager) CherryPick(ctx context.Context, ws model.Workspace, target model.Worktree, commitSHA string) (MergeResult, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	err := m.iso.RunAs(ctx, ws, []string{"git", "cherry-pick", commitSHA}, target.Path, nil)
	if err == nil {
		return MergeResult{Success: true}, nil
	}
	return m.conflictResultOrErr(ctx, ws, target, err, "WORKTREE_CHERRY_PICK_FAILED", "git cherry-pick failed")
}

func (m *Manager) conflictResultOrErr(ctx context.Context, ws model.Workspace, target model.Worktree, opErr error, code, message string) (MergeResult, error) {
	statusOut, statusErr := m.iso.RunAsOutput(ctx, ws, []string{"git", "status", "--porcelain"}, target.Path, nil)
	if statusErr != nil {
		return MergeResult{}, wrapGitErr(code, message, opErr)
	}
	var conflicts []string
	for _, line := range strings.Split(statusOut, "\n") {
		if strings.HasPrefix(line, "UU ") || strings.HasPrefix(line, "AA ") {
			conflicts = append(conflicts, strings.TrimSpace(line[3:]))
		}
	}
	if len(conflicts) > 0 {
		return MergeResult{Success: false, Conflicts: conflicts}, nil
	}
	return MergeResult{}, wrapGitErr(code, message, opErr)
}

// GetDiff returns `git status --porcelain` and `git diff` output for a worktree.
func (m *Manager) GetDiff(ctx context.Context, ws model.Workspace, wt model.Worktree) (status, diff string, err error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	status, err = m.iso.RunAsOutput(ctx, ws, []string{"git", "status", "--porcelain"}, wt.Path, nil)
	if err != nil {
		return "", "", wrapGitErr("WORKTREE_STATUS_FAILED", "git status failed", err)
	}
	diff, err = m.iso.RunAsOutput(ctx, ws, []string{"git", "diff"}, wt.Path, nil)
	if err != nil {
		return "", "", wrapGitErr("WORKTREE_DIFF_FAILED", "git diff failed", err)
	}
	return status, diff, nil
}

// List returns worktree metadata projections for a session — no agent
// client reference, per spec.md §4.3.
func (m *Manager) List(sess model.Session) ([]model.Worktree, error) {
	return m.store.ListWorktrees(sess.ID)
}

// Reconcile cross-checks persisted worktree records against the actual
// on-disk worktree set (`git worktree list --porcelain`), returning the
// paths of any git worktrees with no corresponding persisted record, such as
// a worktree left by a crash between step 5 and step 6 of Create. It only
// reports them; no other package in the engine calls it.
func (m *Manager) Reconcile(ctx context.Context, ws model.Workspace, sess model.Session) ([]string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	out, err := m.iso.RunAsOutput(ctx, ws, []string{"git", "worktree", "list", "--porcelain"}, sess.RepoDir, nil)
	if err != nil {
		return nil, wrapGitErr("WORKTREE_LIST_FAILED", "git worktree list failed", err)
	}
	onDisk := ParsePorcelain(out)

	persisted, err := m.store.ListWorktrees(sess.ID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(persisted))
	for _, wt := range persisted {
		known[wt.Path] = true
	}
	known[sess.RepoDir] = true // the primary checkout itself is not a managed worktree

	var orphaned []string
	for _, entry := range onDisk {
		if !known[entry.Path] {
			orphaned = append(orphaned, entry.Path)
		}
	}
	return orphaned, nil
}

func (m *Manager) resolveStartingCommit(ctx context.Context, ws model.Workspace, sess model.Session, opts CreateOptions) (string, error) {
	if opts.ParentWorktreeID != "" {
		parent, ok, err := m.store.GetWorktree(sess.ID, opts.ParentWorktreeID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", model.NewEngineError(model.ErrKindNotFound, "PARENT_WORKTREE_NOT_FOUND", "parent worktree not found", nil)
		}
		head, err := m.iso.RunAsOutput(ctx, ws, []string{"git", "rev-parse", "HEAD"}, parent.Path, nil)
		if err != nil {
			return "", wrapGitErr("WORKTREE_PARENT_HEAD_FAILED", "failed to resolve parent HEAD", err)
		}
		return strings.TrimSpace(head), nil
	}

	if opts.StartingBranch != "" {
		remoteRef := "refs/remotes/origin/" + opts.StartingBranch
		if _, err := m.iso.RunAsOutput(ctx, ws, []string{"git", "rev-parse", "--verify", remoteRef}, sess.RepoDir, nil); err == nil {
			return remoteRef, nil
		}
		return opts.StartingBranch, nil
	}

	mainWT, ok, err := m.store.GetWorktree(sess.ID, "main")
	if err != nil {
		return "", err
	}
	mainPath := sess.RepoDir
	if ok {
		mainPath = mainWT.Path
	}
	head, err := m.iso.RunAsOutput(ctx, ws, []string{"git", "rev-parse", "HEAD"}, mainPath, nil)
	if err != nil {
		return "", wrapGitErr("WORKTREE_MAIN_HEAD_FAILED", "failed to resolve main HEAD", err)
	}
	return strings.TrimSpace(head), nil
}

func (m *Manager) resolveBranchName(ctx context.Context, ws model.Workspace, sess model.Session, id string, opts CreateOptions) (string, error) {
	baseName := opts.Name
	if baseName == "" {
		baseName = id[:6]
	}

	if opts.Name != "" {
		remoteRef := "refs/remotes/origin/" + opts.Name
		if _, err := m.iso.RunAsOutput(ctx, ws, []string{"git", "rev-parse", "--verify", remoteRef}, sess.RepoDir, nil); err == nil {
			return opts.Name, nil
		}
	}

	synthesized := "wt-" + id[:6] + "-" + baseName
	if _, err := m.iso.RunAsOutput(ctx, ws, []string{"git", "rev-parse", "--verify", "refs/heads/" + synthesized}, sess.RepoDir, nil); err == nil {
		return "", model.NewEngineError(model.ErrKindValidation, "BRANCH_NAME_COLLISION",
			fmt.Sprintf("synthesized branch name %q already exists", synthesized), nil)
	}
	return synthesized, nil
}

func classifyWorktreeAddErr(err error, branchName string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already checked out"):
		return model.NewEngineError(model.ErrKindValidation, "BRANCH_ALREADY_CHECKED_OUT",
			fmt.Sprintf("branch %q is already checked out in another worktree", branchName), err)
	case strings.Contains(msg, "already exists"):
		return model.NewEngineError(model.ErrKindValidation, "BRANCH_ALREADY_EXISTS",
			fmt.Sprintf("branch %q already exists", branchName), err)
	case strings.Contains(msg, "not a valid branch name"), strings.Contains(msg, "invalid reference"):
		return model.NewEngineError(model.ErrKindValidation, "INVALID_BRANCH_NAME",
			fmt.Sprintf("%q is not a valid branch name", branchName), err)
	default:
		return wrapGitErr("WORKTREE_CREATE_FAILED", "git worktree add failed", err)
	}
}

func wrapGitErr(code, message string, err error) error {
	return model.NewEngineError(model.ErrKindValidation, code, message, err)
}

// withTimeout bounds a git invocation to the configured exec timeout,
// mirroring the teacher's per-request context.WithTimeout(r.Context(),
// s.config.WorktreeExecTimeout) wrapping, pushed down into the manager so
// every entry point gets it uniformly rather than relying on each caller.
func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.execTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.execTimeout)
}

func newWorktreeID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
