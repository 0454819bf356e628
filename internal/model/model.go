// Package model defines the shared domain entities for the session/worktree
// orchestration engine: workspaces, sessions, worktrees, and messages. It has
// no dependencies on any other internal package so every component can
// import it without creating cycles.
package model

import "time"

// WorktreeStatus is the lifecycle state of a worktree.
type WorktreeStatus string

const (
	WorktreeCreating   WorktreeStatus = "creating"
	WorktreeReady      WorktreeStatus = "ready"
	WorktreeProcessing WorktreeStatus = "processing"
	WorktreeError      WorktreeStatus = "error"
	WorktreeClosed     WorktreeStatus = "closed"
)

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ProviderAuth describes how a provider authenticates.
type ProviderAuth struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// ProviderConfig is one entry of a workspace's providers map.
type ProviderConfig struct {
	Enabled bool         `json:"enabled"`
	Auth    ProviderAuth `json:"auth"`
}

// Workspace is the isolation tenant: a unique POSIX uid/gid pair that owns
// sessions and credentials.
type Workspace struct {
	ID         string                    `json:"workspaceId"`
	UID        int                       `json:"uid"`
	GID        int                       `json:"gid"`
	Providers  map[string]ProviderConfig `json:"providers"`
	SecretHash string                    `json:"secretHash"`
	CreatedAt  time.Time                 `json:"createdAt"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

// Session is a cloned repository and its orchestration state, scoped to a workspace.
type Session struct {
	ID          string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	RepoURL     string `json:"repoUrl"`

	Dir            string `json:"dir"`
	RepoDir        string `json:"repoDir"`
	AttachmentsDir string `json:"attachmentsDir"`
	TmpDir         string `json:"tmpDir"`
	GitDir         string `json:"gitDir"`
	SSHKeyPath     string `json:"sshKeyPath,omitempty"`

	ActiveProvider                  string `json:"activeProvider"`
	DefaultInternetAccess           bool   `json:"defaultInternetAccess"`
	DefaultDenyGitCredentialsAccess bool   `json:"defaultDenyGitCredentialsAccess"`

	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Worktree is a Git worktree within a session, bound 1:1 to an agent
// subprocess and a branch.
type Worktree struct {
	ID              string         `json:"worktreeId"`
	SessionID       string         `json:"sessionId"`
	Name            string         `json:"name"`
	BranchName      string         `json:"branchName"`
	Path            string         `json:"path"`
	Provider        string         `json:"provider"`
	Model           string         `json:"model,omitempty"`
	ReasoningEffort string         `json:"reasoningEffort,omitempty"`
	ParentWorktreeID string        `json:"parentWorktreeId,omitempty"`
	StartingBranch  string         `json:"startingBranch,omitempty"`
	Status          WorktreeStatus `json:"status"`
	Color           string         `json:"color"`
	ThreadID        string         `json:"threadId,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastActivityAt  time.Time      `json:"lastActivityAt"`
}

// IsMain reports whether this is the implicit main worktree of its session.
func (w Worktree) IsMain() bool { return w.ID == "main" }

// CommandOutput is the optional command/output pair attached to a command-execution message.
type CommandOutput struct {
	Command string `json:"command,omitempty"`
	Output  string `json:"output,omitempty"`
}

// Message is one entry in a worktree's append-only log.
type Message struct {
	ID          string          `json:"id"`
	WorktreeID  string          `json:"worktreeId"`
	Seq         int64           `json:"seq"`
	Role        MessageRole     `json:"role"`
	Text        string          `json:"text"`
	Attachments []string        `json:"attachments,omitempty"`
	GroupType   string          `json:"groupType,omitempty"` // commandExecution | toolResult | backlog_view | ""
	Command     *CommandOutput  `json:"command,omitempty"`
	Status      string          `json:"status,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ErrorKind is the taxonomy of engine-level failure categories (spec.md §7).
type ErrorKind string

const (
	ErrKindValidation   ErrorKind = "validation"
	ErrKindAuthz        ErrorKind = "authorization"
	ErrKindNotFound     ErrorKind = "not_found"
	ErrKindIsolation    ErrorKind = "isolation"
	ErrKindAgent        ErrorKind = "agent"
	ErrKindStorage      ErrorKind = "storage"
)

// EngineError carries a Kind alongside a wrapped cause so that HTTP/WS
// adapters can translate it to a protocol-level error without the core
// packages needing to know about HTTP status codes or WS envelopes.
type EngineError struct {
	Kind    ErrorKind
	Code    string // UPPER_SNAKE machine code, e.g. SESSION_NOT_FOUND
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Cause }

// NewEngineError constructs an EngineError.
func NewEngineError(kind ErrorKind, code, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Code: code, Message: message, Cause: cause}
}
