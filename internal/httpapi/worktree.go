package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/model"
)

// handleWorktreeDiff implements GET /api/worktree/:id/diff?session=....
func (s *Server) handleWorktreeDiff(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	sess, wt, err := s.resolveSessionAndWorktree(r, auth.workspace.ID, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	status, diff, err := s.worktrees.GetDiff(r.Context(), auth.workspace, wt)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	_ = sess
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "diff": diff})
}

type mergeRequest struct {
	SourceWorktreeID string `json:"sourceWorktreeId"`
}

// handleWorktreeMerge implements POST /api/worktree/:id/merge?session=...;
// :id is the merge target, body.sourceWorktreeId the source.
func (s *Server) handleWorktreeMerge(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	sess, target, err := s.resolveSessionAndWorktree(r, auth.workspace.ID, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	var body mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SourceWorktreeID == "" {
		s.writeEngineError(w, r, model.NewEngineError(model.ErrKindValidation, "SOURCE_WORKTREE_REQUIRED", "sourceWorktreeId is required", nil))
		return
	}
	source, ok2, err := s.store.GetWorktree(sess.ID, body.SourceWorktreeID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !ok2 {
		s.writeEngineError(w, r, model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_FOUND", "source worktree not found", nil))
		return
	}

	result, err := s.engine.MergeWorktree(r.Context(), auth.workspace, sess, source, target)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	level := "info"
	if !result.Success {
		level = "warn"
	}
	s.events.emit(sess.ID, level, "worktree.merged", "worktree merge attempted", map[string]interface{}{
		"source": source.ID, "target": target.ID, "success": result.Success,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": result.Success, "conflicts": result.Conflicts})
}

// handleWorktreeAbortMerge implements POST /api/worktree/:id/abort-merge?session=....
func (s *Server) handleWorktreeAbortMerge(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	_, wt, err := s.resolveSessionAndWorktree(r, auth.workspace.ID, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.worktrees.AbortMerge(r.Context(), auth.workspace, wt); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleListBranches implements GET /api/branches?session=..., listing local
// and remote-tracking branch names via a plain `git branch` invocation
// through the Isolator (no dedicated branch-listing method exists on the
// Worktree Manager; this is a thin, single-command read, grounded on
// internal/server/git.go's pattern of shelling a single read-only git
// subcommand per endpoint rather than adding persistent branch state).
func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.GetSession(r.URL.Query().Get("session"), auth.workspace.ID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	out, err := s.iso.RunAsOutput(r.Context(), auth.workspace,
		[]string{"git", "for-each-ref", "--format=%(refname:short)", "refs/heads", "refs/remotes"},
		sess.RepoDir, nil)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"branches": branches})
}

type branchFetchRequest struct {
	Branch string `json:"branch"`
}

// handleFetchBranches implements POST /api/branches/fetch.
func (s *Server) handleFetchBranches(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.GetSession(r.URL.Query().Get("session"), auth.workspace.ID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var body branchFetchRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	argv := []string{"git", "fetch", "origin"}
	if body.Branch != "" {
		argv = append(argv, body.Branch)
	}
	if err := s.iso.RunAs(r.Context(), auth.workspace, argv, sess.RepoDir, nil); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type branchSwitchRequest struct {
	WorktreeID string `json:"worktreeId"`
	Branch     string `json:"branch"`
}

// handleSwitchBranch implements POST /api/branches/switch.
func (s *Server) handleSwitchBranch(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.GetSession(r.URL.Query().Get("session"), auth.workspace.ID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var body branchSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Branch == "" {
		s.writeEngineError(w, r, model.NewEngineError(model.ErrKindValidation, "BRANCH_REQUIRED", "branch is required", nil))
		return
	}
	worktreeID := body.WorktreeID
	if worktreeID == "" {
		worktreeID = "main"
	}
	wt, ok2, err := s.store.GetWorktree(sess.ID, worktreeID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !ok2 {
		s.writeEngineError(w, r, model.NewEngineError(model.ErrKindNotFound, "WORKTREE_NOT_FOUND", "worktree not found", nil))
		return
	}

	if err := s.iso.RunAs(r.Context(), auth.workspace, []string{"git", "checkout", body.Branch}, wt.Path, nil); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleListModels implements GET /api/models?session=...&provider=...,
// returning the static model roster for a provider (the Agent Supervisor has
// no dynamic model-discovery call; these mirror the model names
// internal/agent.ClientOptions.Model accepts).
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	_, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	provider := agent.Provider(r.URL.Query().Get("provider"))
	models, ok2 := modelsForProvider(provider)
	if !ok2 {
		s.writeEngineError(w, r, model.NewEngineError(model.ErrKindValidation, "PROVIDER_INVALID", "unknown provider", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}

func modelsForProvider(p agent.Provider) ([]string, bool) {
	switch p {
	case agent.ProviderCodex:
		return []string{"gpt-5-codex", "o4-mini"}, true
	case agent.ProviderClaude:
		return []string{"claude-opus-4-6", "claude-sonnet-4-6"}, true
	case agent.ProviderGemini:
		return []string{"gemini-2.5-pro", "gemini-2.5-flash"}, true
	default:
		return nil, false
	}
}
