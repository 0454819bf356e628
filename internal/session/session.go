// Package session implements the Session Manager: clones a repository into
// an isolated session directory, owns its lifecycle (create, touch, list,
// reconnect, close), and periodically reclaims idle or over-age sessions.
//
// Grounded on the teacher's internal/bootstrap.PrepareWorkspace /
// ensureRepositoryReady (clone sequencing, credential handling) and
// internal/idle.Detector (idle-timeout model), generalized from one
// workspace-wide idle timer into a per-session timer scanned by a periodic
// sweep, since this engine supervises many sessions per process.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/isolator"
	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/store"
	"github.com/vibe80/engine/internal/worktree"
)

// CreateRequest carries the inputs to CreateSession (spec.md §4.2).
type CreateRequest struct {
	Name                            string
	RepoURL                         string
	SSHKey                          string // optional, PEM-encoded private key
	GitCredentials                  string // optional, `git-credential-store` formatted
	DefaultInternetAccess           bool
	DefaultDenyGitCredentialsAccess bool
}

// Manager is the Session Manager.
type Manager struct {
	iso          *isolator.Isolator
	store        store.Store
	worktrees    *worktree.Manager
	agentFactory agent.Factory
	logger       *slog.Logger

	idleTTL    time.Duration
	maxTTL     time.Duration
	gcInterval time.Duration

	defaultAuthorName  string
	defaultAuthorEmail string

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Options configures a Manager.
type Options struct {
	IdleTTL            time.Duration
	MaxTTL             time.Duration
	GCInterval         time.Duration
	DefaultAuthorName  string
	DefaultAuthorEmail string
}

// New constructs a Session Manager.
func New(iso *isolator.Isolator, st store.Store, wtMgr *worktree.Manager, agentFactory agent.Factory, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		iso:                iso,
		store:              st,
		worktrees:          wtMgr,
		agentFactory:       agentFactory,
		logger:             logger,
		idleTTL:            opts.IdleTTL,
		maxTTL:             opts.MaxTTL,
		gcInterval:         opts.GCInterval,
		defaultAuthorName:  opts.DefaultAuthorName,
		defaultAuthorEmail: opts.DefaultAuthorEmail,
	}
}

// CreateSession clones a repository into a freshly isolated session directory,
// initializes its main worktree, and launches the main worktree's agent
// subprocess for the default provider, per spec.md §4.2. Any failure after
// partial state has been created (directories, ssh key, session record) is
// rolled back before the error is returned.
//
// The started agent.Client is returned (nil if no agentFactory was
// configured) so the caller — the engine, which owns the Turn Controller —
// can wire it into a long-lived runtime instead of this method spawning a
// throwaway subprocess that nothing ever drains or stops.
func (m *Manager) CreateSession(ctx context.Context, ws model.Workspace, req CreateRequest) (model.Session, agent.Client, error) {
	provider, err := defaultProvider(ws)
	if err != nil {
		return model.Session{}, nil, err
	}

	id, err := m.allocateSessionID()
	if err != nil {
		return model.Session{}, nil, err
	}

	home := m.iso.WorkspaceHome(ws)
	sessDir := filepath.Join(home, "sessions", id)
	sess := model.Session{
		ID:                              id,
		WorkspaceID:                     ws.ID,
		Name:                            req.Name,
		RepoURL:                         req.RepoURL,
		Dir:                             sessDir,
		RepoDir:                         filepath.Join(sessDir, "repository"),
		AttachmentsDir:                  filepath.Join(sessDir, "attachments"),
		TmpDir:                          filepath.Join(sessDir, "tmp"),
		GitDir:                          filepath.Join(sessDir, "git"),
		ActiveProvider:                  provider,
		DefaultInternetAccess:           req.DefaultInternetAccess,
		DefaultDenyGitCredentialsAccess: req.DefaultDenyGitCredentialsAccess,
		CreatedAt:                       time.Now().UTC(),
		LastActivityAt:                  time.Now().UTC(),
	}

	rollback := newRollback(m.logger)
	defer rollback.runIfArmed()

	rollback.add(func() { _ = os.RemoveAll(sess.Dir) })
	for _, dir := range []string{sess.Dir, sess.AttachmentsDir, sess.TmpDir, sess.GitDir} {
		if err := m.iso.EnsureDir(ctx, ws, dir, 0o750); err != nil {
			return model.Session{}, nil, rollback.fail(err)
		}
	}

	extraEnv := map[string]string{}
	if strings.TrimSpace(req.SSHKey) != "" {
		sess.SSHKeyPath = filepath.Join(sess.GitDir, "ssh-key-"+sess.ID)
		if err := m.iso.WriteFile(ctx, ws, sess.SSHKeyPath, []byte(req.SSHKey), 0o600); err != nil {
			return model.Session{}, nil, rollback.fail(err)
		}
		knownHosts := filepath.Join(sess.GitDir, "known_hosts")
		if err := m.ensureKnownHosts(ctx, ws, sess, knownHosts); err != nil {
			return model.Session{}, nil, rollback.fail(err)
		}
		extraEnv["GIT_SSH_COMMAND"] = fmt.Sprintf(
			"ssh -i %s -o IdentitiesOnly=yes -o UserKnownHostsFile=%s", sess.SSHKeyPath, knownHosts)
	}
	if strings.TrimSpace(req.GitCredentials) != "" && !req.DefaultDenyGitCredentialsAccess {
		credsPath := filepath.Join(sess.GitDir, "git-credentials")
		if err := m.iso.WriteFile(ctx, ws, credsPath, []byte(req.GitCredentials), 0o600); err != nil {
			return model.Session{}, nil, rollback.fail(err)
		}
	}

	if err := m.iso.RunAs(ctx, ws, []string{"git", "clone", sess.RepoURL, sess.RepoDir}, sess.Dir, extraEnv); err != nil {
		return model.Session{}, nil, rollback.fail(model.NewEngineError(model.ErrKindIsolation, "CLONE_FAILED", "git clone failed", err))
	}

	if err := m.applyDefaultIdentity(ctx, ws, sess); err != nil {
		return model.Session{}, nil, rollback.fail(err)
	}
	if err := m.configureCredentialHelper(ctx, ws, sess); err != nil {
		return model.Session{}, nil, rollback.fail(err)
	}
	if err := m.iso.RunAs(ctx, ws, []string{"git", "config", "extensions.worktreeConfig", "true"}, sess.RepoDir, nil); err != nil {
		return model.Session{}, nil, rollback.fail(model.NewEngineError(model.ErrKindIsolation, "GIT_CONFIG_FAILED", "failed to enable worktreeConfig extension", err))
	}
	if err := m.stampWorktreeConfig(ctx, ws, sess); err != nil {
		return model.Session{}, nil, rollback.fail(err)
	}

	branch, err := m.currentBranch(ctx, ws, sess)
	if err != nil {
		return model.Session{}, nil, rollback.fail(err)
	}

	if err := m.store.PutSession(sess); err != nil {
		return model.Session{}, nil, rollback.fail(err)
	}
	rollback.add(func() { _ = m.store.DeleteSession(sess.ID) })

	mainWT := model.Worktree{
		ID:             "main",
		SessionID:      sess.ID,
		Name:           "main",
		BranchName:     branch,
		Path:           sess.RepoDir,
		Provider:       provider,
		StartingBranch: branch,
		Status:         model.WorktreeCreating,
		Color:          "#61afef",
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.CreatedAt,
	}
	if err := m.store.PutWorktree(mainWT); err != nil {
		return model.Session{}, nil, rollback.fail(err)
	}
	rollback.add(func() { _ = m.store.DeleteWorktree(sess.ID, "main") })

	var client agent.Client
	if m.agentFactory != nil {
		var startErr error
		client, startErr = m.agentFactory(agent.Provider(provider), agent.ClientOptions{WorkDir: sess.RepoDir})
		if startErr == nil {
			startErr = client.Start(ctx)
		}
		if startErr != nil {
			_ = m.worktrees.MarkError(mainWT)
			client = nil
		} else {
			_ = m.worktrees.MarkReady(mainWT, client.ThreadID())
		}
	}

	rollback.disarm()
	return sess, client, nil
}

// GetSession loads a session, scoping by workspaceId when provided to block
// cross-tenant access.
func (m *Manager) GetSession(sessionID, workspaceID string) (model.Session, error) {
	sess, ok, err := m.store.GetSession(sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if !ok || (workspaceID != "" && sess.WorkspaceID != workspaceID) {
		return model.Session{}, model.NewEngineError(model.ErrKindNotFound, "SESSION_NOT_FOUND", "session not found", nil)
	}
	return sess, nil
}

// TouchSession updates lastActivityAt to now.
func (m *Manager) TouchSession(sessionID string) error {
	return m.store.TouchSession(sessionID, time.Now().UTC())
}

// ListSessions returns all sessions owned by a workspace.
func (m *Manager) ListSessions(workspaceID string) ([]model.Session, error) {
	sessions, err := m.store.ListSessions(workspaceID)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

// Reconnect validates a session still exists and bumps its activity clock,
// the operation a reattaching WebSocket client performs before subscribing.
func (m *Manager) Reconnect(sessionID, workspaceID string) (model.Session, error) {
	sess, err := m.GetSession(sessionID, workspaceID)
	if err != nil {
		return model.Session{}, err
	}
	if err := m.TouchSession(sessionID); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// Close tears down a session: callers are expected to have already stopped
// every worktree's agent subprocess and detached WS subscribers; Close
// removes the remaining worktrees, the session directory, and the record.
func (m *Manager) Close(ctx context.Context, ws model.Workspace, sessionID string) error {
	sess, ok, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return m.reclaim(ctx, ws, sess)
}

// SweepOnce runs a single GC pass synchronously, reclaiming any session past
// its idle or max TTL. Used by the gc-once CLI subcommand, which wants one
// sweep and a clean exit rather than the interval loop RunGC drives.
func (m *Manager) SweepOnce(ctx context.Context, workspaceOf func(workspaceID string) (model.Workspace, error)) {
	m.sweepOnce(ctx, workspaceOf)
}

// RunGC sweeps every session and reclaims those past their idle or max TTL,
// per spec.md §4.2. It blocks until ctx is canceled or Stop is called, and is
// meant to run on its own goroutine.
func (m *Manager) RunGC(ctx context.Context, workspaceOf func(workspaceID string) (model.Workspace, error)) {
	interval := m.gcInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	m.mu.Lock()
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.sweepOnce(ctx, workspaceOf)
		}
	}
}

// Stop signals RunGC to exit and waits for it to do so.
func (m *Manager) Stop() {
	m.mu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}
}

func (m *Manager) sweepOnce(ctx context.Context, workspaceOf func(workspaceID string) (model.Workspace, error)) {
	sessions, err := m.store.ListAllSessions()
	if err != nil {
		m.logger.Error("gc: list sessions failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, sess := range sessions {
		idleExpired := m.idleTTL > 0 && now.Sub(sess.LastActivityAt) > m.idleTTL
		ageExpired := m.maxTTL > 0 && now.Sub(sess.CreatedAt) > m.maxTTL
		if !idleExpired && !ageExpired {
			continue
		}
		ws, err := workspaceOf(sess.WorkspaceID)
		if err != nil {
			m.logger.Error("gc: resolve workspace failed", "sessionId", sess.ID, "error", err)
			continue
		}
		m.logger.Info("gc: reclaiming session", "sessionId", sess.ID, "idleExpired", idleExpired, "ageExpired", ageExpired)
		if err := m.reclaimWithRetry(ctx, ws, sess); err != nil {
			m.logger.Error("gc: reclaim failed", "sessionId", sess.ID, "error", err)
		}
	}
}

// reclaimWithRetry retries transient reclamation failures (e.g. a worktree
// removal racing a still-exiting agent process) with exponential backoff, up
// to three retries. Every error reclaim returns is retried, a not-found
// included.
func (m *Manager) reclaimWithRetry(ctx context.Context, ws model.Workspace, sess model.Session) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(func() error { return m.reclaim(ctx, ws, sess) }, backoff.WithContext(bo, ctx))
}

func (m *Manager) reclaim(ctx context.Context, ws model.Workspace, sess model.Session) error {
	worktrees, err := m.store.ListWorktrees(sess.ID)
	if err != nil {
		return err
	}
	for _, wt := range worktrees {
		if wt.IsMain() {
			continue
		}
		if err := m.worktrees.Remove(ctx, ws, sess, wt.ID, true); err != nil {
			return err
		}
	}
	if err := m.store.DeleteWorktree(sess.ID, "main"); err != nil {
		return err
	}
	if err := os.RemoveAll(sess.Dir); err != nil {
		return model.NewEngineError(model.ErrKindIsolation, "SESSION_CLEANUP_FAILED", "failed to remove session directory", err)
	}
	return m.store.DeleteSession(sess.ID)
}

func defaultProvider(ws model.Workspace) (string, error) {
	if cfg, ok := ws.Providers["openai-codex"]; ok && cfg.Enabled {
		return "openai-codex", nil
	}
	names := make([]string, 0, len(ws.Providers))
	for name := range ws.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ws.Providers[name].Enabled {
			return name, nil
		}
	}
	return "", model.NewEngineError(model.ErrKindValidation, "NO_PROVIDER_ENABLED", "workspace has no enabled provider", nil)
}

// allocateSessionID generates a session id of the form s[0-9a-f]{24},
// retrying on the vanishingly unlikely event of a collision with an
// existing record.
func (m *Manager) allocateSessionID() (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		raw := strings.ReplaceAll(uuid.NewString(), "-", "")
		id := "s" + raw[:24]
		if _, ok, err := m.store.GetSession(id); err != nil {
			return "", err
		} else if !ok {
			return id, nil
		}
	}
	return "", model.NewEngineError(model.ErrKindStorage, "ID_GEN_EXHAUSTED", "failed to allocate a unique session id", nil)
}

func (m *Manager) ensureKnownHosts(ctx context.Context, ws model.Workspace, sess model.Session, path string) error {
	host := sshHostOf(sess.RepoURL)
	if host == "" {
		return m.iso.WriteFile(ctx, ws, path, nil, 0o600)
	}
	out, err := m.iso.RunAsOutput(ctx, ws, []string{"ssh-keyscan", "-T", "5", host}, sess.Dir, nil)
	if err != nil {
		return model.NewEngineError(model.ErrKindIsolation, "KNOWN_HOSTS_FAILED", "ssh-keyscan failed", err)
	}
	return m.iso.WriteFile(ctx, ws, path, []byte(out), 0o600)
}

func sshHostOf(repoURL string) string {
	if !strings.HasPrefix(repoURL, "git@") && !strings.Contains(repoURL, "ssh://") {
		return ""
	}
	u := strings.TrimPrefix(repoURL, "ssh://")
	u = strings.TrimPrefix(u, "git@")
	if idx := strings.IndexAny(u, ":/"); idx != -1 {
		u = u[:idx]
	}
	if idx := strings.Index(u, "@"); idx != -1 {
		u = u[idx+1:]
	}
	return u
}

func (m *Manager) applyDefaultIdentity(ctx context.Context, ws model.Workspace, sess model.Session) error {
	name, email := m.defaultAuthorName, m.defaultAuthorEmail
	if name == "" {
		name = "vibe80-agent"
	}
	if email == "" {
		email = "agent@vibe80.invalid"
	}
	if err := m.iso.RunAs(ctx, ws, []string{"git", "config", "user.name", name}, sess.RepoDir, nil); err != nil {
		return model.NewEngineError(model.ErrKindIsolation, "GIT_CONFIG_FAILED", "failed to set git user.name", err)
	}
	if err := m.iso.RunAs(ctx, ws, []string{"git", "config", "user.email", email}, sess.RepoDir, nil); err != nil {
		return model.NewEngineError(model.ErrKindIsolation, "GIT_CONFIG_FAILED", "failed to set git user.email", err)
	}
	return nil
}

// stampWorktreeConfig sets the worktree-scoped vibe80.workspaceId/
// vibe80.sessionId keys for the main worktree, per spec.md §4.2's invariant.
// Requires extensions.worktreeConfig=true to already be set on the repo —
// otherwise git has no per-worktree config file to write these into.
func (m *Manager) stampWorktreeConfig(ctx context.Context, ws model.Workspace, sess model.Session) error {
	if err := m.iso.RunAs(ctx, ws, []string{"git", "config", "--worktree", "vibe80.workspaceId", ws.ID}, sess.RepoDir, nil); err != nil {
		return model.NewEngineError(model.ErrKindIsolation, "GIT_CONFIG_FAILED", "failed to stamp vibe80.workspaceId", err)
	}
	if err := m.iso.RunAs(ctx, ws, []string{"git", "config", "--worktree", "vibe80.sessionId", sess.ID}, sess.RepoDir, nil); err != nil {
		return model.NewEngineError(model.ErrKindIsolation, "GIT_CONFIG_FAILED", "failed to stamp vibe80.sessionId", err)
	}
	return nil
}

func (m *Manager) configureCredentialHelper(ctx context.Context, ws model.Workspace, sess model.Session) error {
	if sess.DefaultDenyGitCredentialsAccess {
		return nil
	}
	credsPath := filepath.Join(sess.GitDir, "git-credentials")
	if _, err := os.Stat(credsPath); err != nil {
		return nil
	}
	return m.iso.RunAs(ctx, ws, []string{"git", "config", "credential.helper", "store --file " + credsPath}, sess.RepoDir, nil)
}

func (m *Manager) currentBranch(ctx context.Context, ws model.Workspace, sess model.Session) (string, error) {
	out, err := m.iso.RunAsOutput(ctx, ws, []string{"git", "rev-parse", "--abbrev-ref", "HEAD"}, sess.RepoDir, nil)
	if err != nil {
		return "", model.NewEngineError(model.ErrKindIsolation, "BRANCH_RESOLVE_FAILED", "failed to resolve current branch", err)
	}
	return strings.TrimSpace(out), nil
}

// rollback accumulates cleanup steps during CreateSession and runs them in
// reverse order if disarm is never called.
type rollback struct {
	logger *slog.Logger
	armed  bool
	steps  []func()
}

func newRollback(logger *slog.Logger) *rollback {
	return &rollback{logger: logger, armed: true}
}

func (r *rollback) add(step func()) { r.steps = append(r.steps, step) }

func (r *rollback) disarm() { r.armed = false }

func (r *rollback) fail(err error) error { return err }

func (r *rollback) runIfArmed() {
	if !r.armed {
		return
	}
	for i := len(r.steps) - 1; i >= 0; i-- {
		r.steps[i]()
	}
}
