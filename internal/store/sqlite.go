package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vibe80/engine/internal/model"
)

// SQLiteStore is the SQLite-backed Store implementation, grounded on the
// teacher's internal/persistence.Store: same WAL + busy_timeout tuning and
// versioned-migration chain, generalized from a single "tabs" table into
// sessions/worktrees/messages tables.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path and applies
// migrations.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1Sessions,
		migrateV2Worktrees,
		migrateV3Messages,
		migrateV4Workspaces,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

func migrateV1Sessions(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			repo_url TEXT NOT NULL DEFAULT '',
			dir TEXT NOT NULL DEFAULT '',
			repo_dir TEXT NOT NULL DEFAULT '',
			attachments_dir TEXT NOT NULL DEFAULT '',
			tmp_dir TEXT NOT NULL DEFAULT '',
			git_dir TEXT NOT NULL DEFAULT '',
			ssh_key_path TEXT NOT NULL DEFAULT '',
			active_provider TEXT NOT NULL DEFAULT '',
			default_internet_access INTEGER NOT NULL DEFAULT 1,
			default_deny_git_credentials_access INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
	`)
	return err
}

func migrateV2Worktrees(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS worktrees (
			session_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			reasoning_effort TEXT NOT NULL DEFAULT '',
			parent_worktree_id TEXT NOT NULL DEFAULT '',
			starting_branch TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'creating',
			color TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_worktrees_session ON worktrees(session_id);
	`)
	return err
}

func migrateV3Messages(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			worktree_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			attachments TEXT NOT NULL DEFAULT '[]',
			group_type TEXT NOT NULL DEFAULT '',
			command_json TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (worktree_id, message_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_seq ON messages(worktree_id, seq);
	`)
	return err
}

func migrateV4Workspaces(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			uid INTEGER NOT NULL,
			gid INTEGER NOT NULL,
			providers_json TEXT NOT NULL DEFAULT '{}',
			secret_hash TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// --- Workspaces ---

func (s *SQLiteStore) PutWorkspace(w model.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	providersJSON, err := json.Marshal(w.Providers)
	if err != nil {
		return fmt.Errorf("marshal providers: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO workspaces (id, uid, gid, providers_json, secret_hash, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			uid=excluded.uid, gid=excluded.gid, providers_json=excluded.providers_json,
			secret_hash=excluded.secret_hash, updated_at=excluded.updated_at
	`, w.ID, w.UID, w.GID, string(providersJSON), w.SecretHash, formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put workspace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkspace(workspaceID string) (model.Workspace, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, uid, gid, providers_json, secret_hash, created_at, updated_at
		FROM workspaces WHERE id = ?`, workspaceID)

	w, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return model.Workspace{}, false, nil
	}
	if err != nil {
		return model.Workspace{}, false, fmt.Errorf("get workspace: %w", err)
	}
	return w, true, nil
}

func (s *SQLiteStore) ListWorkspaces() ([]model.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, uid, gid, providers_json, secret_hash, created_at, updated_at
		FROM workspaces ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []model.Workspace
	for rows.Next() {
		var id, secretHash, providersJSON, createdAt, updatedAt string
		var uid, gid int
		if err := rows.Scan(&id, &uid, &gid, &providersJSON, &secretHash, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		w := model.Workspace{ID: id, UID: uid, GID: gid, SecretHash: secretHash,
			CreatedAt: parseTime(createdAt), UpdatedAt: parseTime(updatedAt)}
		_ = json.Unmarshal([]byte(providersJSON), &w.Providers)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	if out == nil {
		out = []model.Workspace{}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteWorkspace(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM workspaces WHERE id = ?", workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

func scanWorkspace(row *sql.Row) (model.Workspace, error) {
	var id, secretHash, providersJSON, createdAt, updatedAt string
	var uid, gid int
	if err := row.Scan(&id, &uid, &gid, &providersJSON, &secretHash, &createdAt, &updatedAt); err != nil {
		return model.Workspace{}, err
	}
	w := model.Workspace{ID: id, UID: uid, GID: gid, SecretHash: secretHash,
		CreatedAt: parseTime(createdAt), UpdatedAt: parseTime(updatedAt)}
	_ = json.Unmarshal([]byte(providersJSON), &w.Providers)
	return w, nil
}

// --- Sessions ---

func (s *SQLiteStore) PutSession(sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, workspace_id, name, repo_url, dir, repo_dir, attachments_dir,
			tmp_dir, git_dir, ssh_key_path, active_provider, default_internet_access,
			default_deny_git_credentials_access, created_at, last_activity_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, repo_url=excluded.repo_url, dir=excluded.dir,
			repo_dir=excluded.repo_dir, attachments_dir=excluded.attachments_dir,
			tmp_dir=excluded.tmp_dir, git_dir=excluded.git_dir, ssh_key_path=excluded.ssh_key_path,
			active_provider=excluded.active_provider,
			default_internet_access=excluded.default_internet_access,
			default_deny_git_credentials_access=excluded.default_deny_git_credentials_access,
			last_activity_at=excluded.last_activity_at
	`,
		sess.ID, sess.WorkspaceID, sess.Name, sess.RepoURL, sess.Dir, sess.RepoDir, sess.AttachmentsDir,
		sess.TmpDir, sess.GitDir, sess.SSHKeyPath, sess.ActiveProvider, boolToInt(sess.DefaultInternetAccess),
		boolToInt(sess.DefaultDenyGitCredentialsAccess), formatTime(sess.CreatedAt), formatTime(sess.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(sessionID string) (model.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, workspace_id, name, repo_url, dir, repo_dir, attachments_dir, tmp_dir, git_dir,
			ssh_key_path, active_provider, default_internet_access,
			default_deny_git_credentials_access, created_at, last_activity_at
		FROM sessions WHERE id = ?`, sessionID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return sess, true, nil
}

func (s *SQLiteStore) ListSessions(workspaceID string) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, workspace_id, name, repo_url, dir, repo_dir, attachments_dir, tmp_dir, git_dir,
			ssh_key_path, active_provider, default_internet_access,
			default_deny_git_credentials_access, created_at, last_activity_at
		FROM sessions WHERE workspace_id = ? ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) ListAllSessions() ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, workspace_id, name, repo_url, dir, repo_dir, attachments_dir, tmp_dir, git_dir,
			ssh_key_path, active_provider, default_internet_access,
			default_deny_git_credentials_access, created_at, last_activity_at
		FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) TouchSession(sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET last_activity_at = ? WHERE id = ?", formatTime(at), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM worktrees WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete session worktrees: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func scanSession(row *sql.Row) (model.Session, error) {
	var sess model.Session
	var createdAt, lastActivityAt string
	var internet, denyCreds int
	err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.Name, &sess.RepoURL, &sess.Dir, &sess.RepoDir,
		&sess.AttachmentsDir, &sess.TmpDir, &sess.GitDir, &sess.SSHKeyPath, &sess.ActiveProvider,
		&internet, &denyCreds, &createdAt, &lastActivityAt)
	if err != nil {
		return model.Session{}, err
	}
	sess.DefaultInternetAccess = internet != 0
	sess.DefaultDenyGitCredentialsAccess = denyCreds != 0
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActivityAt = parseTime(lastActivityAt)
	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]model.Session, error) {
	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var createdAt, lastActivityAt string
		var internet, denyCreds int
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &sess.Name, &sess.RepoURL, &sess.Dir, &sess.RepoDir,
			&sess.AttachmentsDir, &sess.TmpDir, &sess.GitDir, &sess.SSHKeyPath, &sess.ActiveProvider,
			&internet, &denyCreds, &createdAt, &lastActivityAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.DefaultInternetAccess = internet != 0
		sess.DefaultDenyGitCredentialsAccess = denyCreds != 0
		sess.CreatedAt = parseTime(createdAt)
		sess.LastActivityAt = parseTime(lastActivityAt)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	if out == nil {
		out = []model.Session{}
	}
	return out, nil
}

// --- Worktrees ---

func (s *SQLiteStore) PutWorktree(w model.Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO worktrees (session_id, id, name, branch_name, path, provider, model,
			reasoning_effort, parent_worktree_id, starting_branch, status, color, thread_id,
			created_at, last_activity_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			name=excluded.name, branch_name=excluded.branch_name, path=excluded.path,
			provider=excluded.provider, model=excluded.model, reasoning_effort=excluded.reasoning_effort,
			status=excluded.status, color=excluded.color, thread_id=excluded.thread_id,
			last_activity_at=excluded.last_activity_at
	`,
		w.SessionID, w.ID, w.Name, w.BranchName, w.Path, w.Provider, w.Model, w.ReasoningEffort,
		w.ParentWorktreeID, w.StartingBranch, string(w.Status), w.Color, w.ThreadID,
		formatTime(w.CreatedAt), formatTime(w.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("put worktree: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorktree(sessionID, worktreeID string) (model.Worktree, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT session_id, id, name, branch_name, path, provider, model, reasoning_effort,
			parent_worktree_id, starting_branch, status, color, thread_id, created_at, last_activity_at
		FROM worktrees WHERE session_id = ? AND id = ?`, sessionID, worktreeID)

	w, err := scanWorktree(row)
	if err == sql.ErrNoRows {
		return model.Worktree{}, false, nil
	}
	if err != nil {
		return model.Worktree{}, false, fmt.Errorf("get worktree: %w", err)
	}
	return w, true, nil
}

func (s *SQLiteStore) ListWorktrees(sessionID string) ([]model.Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT session_id, id, name, branch_name, path, provider, model, reasoning_effort,
			parent_worktree_id, starting_branch, status, color, thread_id, created_at, last_activity_at
		FROM worktrees WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()

	var out []model.Worktree
	for rows.Next() {
		w, err := scanWorktreeRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worktrees: %w", err)
	}
	if out == nil {
		out = []model.Worktree{}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteWorktree(sessionID, worktreeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM worktrees WHERE session_id = ? AND id = ?", sessionID, worktreeID)
	if err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	return nil
}

func scanWorktree(row *sql.Row) (model.Worktree, error) {
	var w model.Worktree
	var status, createdAt, lastActivityAt string
	err := row.Scan(&w.SessionID, &w.ID, &w.Name, &w.BranchName, &w.Path, &w.Provider, &w.Model,
		&w.ReasoningEffort, &w.ParentWorktreeID, &w.StartingBranch, &status, &w.Color, &w.ThreadID,
		&createdAt, &lastActivityAt)
	if err != nil {
		return model.Worktree{}, err
	}
	w.Status = model.WorktreeStatus(status)
	w.CreatedAt = parseTime(createdAt)
	w.LastActivityAt = parseTime(lastActivityAt)
	return w, nil
}

func scanWorktreeRows(rows *sql.Rows) (model.Worktree, error) {
	var w model.Worktree
	var status, createdAt, lastActivityAt string
	err := rows.Scan(&w.SessionID, &w.ID, &w.Name, &w.BranchName, &w.Path, &w.Provider, &w.Model,
		&w.ReasoningEffort, &w.ParentWorktreeID, &w.StartingBranch, &status, &w.Color, &w.ThreadID,
		&createdAt, &lastActivityAt)
	if err != nil {
		return model.Worktree{}, err
	}
	w.Status = model.WorktreeStatus(status)
	w.CreatedAt = parseTime(createdAt)
	w.LastActivityAt = parseTime(lastActivityAt)
	return w, nil
}

// --- Messages ---

// AppendMessage assigns the next seq for the worktree inside a transaction
// held under the store's write lock, so concurrent appends (normally excluded
// by the engine's single-writer-per-worktree mailbox, but defensive here)
// still serialize at the storage layer. Duplicate message_id is a no-op, per
// spec.md §4.6.
func (s *SQLiteStore) AppendMessage(m model.Message) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRow("SELECT seq FROM messages WHERE worktree_id = ? AND message_id = ?", m.WorktreeID, m.ID).Scan(&existing)
	if err == nil {
		return existing, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("check existing message: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRow("SELECT MAX(seq) FROM messages WHERE worktree_id = ?", m.WorktreeID).Scan(&maxSeq); err != nil {
		return 0, false, fmt.Errorf("max seq: %w", err)
	}
	nextSeq := int64(1)
	if maxSeq.Valid {
		nextSeq = maxSeq.Int64 + 1
	}

	attachmentsJSON, err := json.Marshal(m.Attachments)
	if err != nil {
		return 0, false, fmt.Errorf("marshal attachments: %w", err)
	}
	var commandJSON string
	if m.Command != nil {
		b, err := json.Marshal(m.Command)
		if err != nil {
			return 0, false, fmt.Errorf("marshal command: %w", err)
		}
		commandJSON = string(b)
	}

	_, err = tx.Exec(`
		INSERT INTO messages (worktree_id, message_id, seq, role, text, attachments, group_type,
			command_json, status, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, m.WorktreeID, m.ID, nextSeq, string(m.Role), m.Text, string(attachmentsJSON), m.GroupType,
		commandJSON, m.Status, formatTime(m.CreatedAt))
	if err != nil {
		return 0, false, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}

	return nextSeq, false, nil
}

// ReadMessages implements spec.md §4.6's pagination contract: if
// beforeMessageID is given and indexed, returns messages with seq greater
// than that id's seq (i.e. strictly newer); a missing index returns empty.
// limit, if > 0, trims to the last `limit` items of the resulting range,
// oldest-first.
func (s *SQLiteStore) ReadMessages(worktreeID string, limit int, beforeMessageID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	minSeq := int64(0)
	if beforeMessageID != "" {
		var seq int64
		err := s.db.QueryRow("SELECT seq FROM messages WHERE worktree_id = ? AND message_id = ?", worktreeID, beforeMessageID).Scan(&seq)
		if err == sql.ErrNoRows {
			return []model.Message{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup beforeMessageId: %w", err)
		}
		minSeq = seq
	}

	rows, err := s.db.Query(`
		SELECT worktree_id, message_id, seq, role, text, attachments, group_type, command_json,
			status, created_at
		FROM messages WHERE worktree_id = ? AND seq > ? ORDER BY seq ASC`, worktreeID, minSeq)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var all []model.Message
	for rows.Next() {
		var m model.Message
		var role, attachmentsJSON, commandJSON, createdAt string
		if err := rows.Scan(&m.WorktreeID, &m.ID, &m.Seq, &role, &m.Text, &attachmentsJSON, &m.GroupType,
			&commandJSON, &m.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = model.MessageRole(role)
		m.CreatedAt = parseTime(createdAt)
		if attachmentsJSON != "" {
			_ = json.Unmarshal([]byte(attachmentsJSON), &m.Attachments)
		}
		if commandJSON != "" {
			var c model.CommandOutput
			if err := json.Unmarshal([]byte(commandJSON), &c); err == nil {
				m.Command = &c
			}
		}
		all = append(all, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	if all == nil {
		all = []model.Message{}
	}
	return all, nil
}

func (s *SQLiteStore) ClearMessages(worktreeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM messages WHERE worktree_id = ?", worktreeID)
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
