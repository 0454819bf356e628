package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vibe80/engine/internal/model"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ws := model.Workspace{
		ID:  "w" + "deadbeefdeadbeefdeadbeef",
		UID: 2000,
		GID: 2000,
		Providers: map[string]model.ProviderConfig{
			"openai-codex": {Enabled: true, Auth: model.ProviderAuth{Type: "api_key", Value: "xyz"}},
		},
		SecretHash: "deadbeef",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.PutWorkspace(ws); err != nil {
		t.Fatalf("PutWorkspace: %v", err)
	}

	got, ok, err := s.GetWorkspace(ws.ID)
	if err != nil || !ok {
		t.Fatalf("GetWorkspace: ok=%v err=%v", ok, err)
	}
	if got.UID != ws.UID || got.GID != ws.GID {
		t.Errorf("uid/gid = %d/%d, want %d/%d", got.UID, got.GID, ws.UID, ws.GID)
	}
	if !got.Providers["openai-codex"].Enabled {
		t.Errorf("expected openai-codex provider enabled")
	}

	list, err := s.ListWorkspaces()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListWorkspaces: %v, err=%v", list, err)
	}

	if err := s.DeleteWorkspace(ws.ID); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	if _, ok, _ := s.GetWorkspace(ws.ID); ok {
		t.Fatal("expected workspace gone after delete")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Second)
	sess := model.Session{
		ID:          "s" + "deadbeefdeadbeefdeadbeef",
		WorkspaceID: "w" + "deadbeefdeadbeefdeadbeef",
		Name:        "my session",
		RepoURL:     "https://example.invalid/repo.git",
		CreatedAt:   now,
		LastActivityAt: now,
	}
	if err := s.PutSession(sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, ok, err := s.GetSession(sess.ID)
	if err != nil || !ok {
		t.Fatalf("GetSession: ok=%v err=%v", ok, err)
	}
	if got.RepoURL != sess.RepoURL {
		t.Errorf("RepoURL = %q, want %q", got.RepoURL, sess.RepoURL)
	}

	list, err := s.ListSessions(sess.WorkspaceID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListSessions len = %d, want 1", len(list))
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok, err := s.GetSession(sess.ID); err != nil || ok {
		t.Fatalf("expected session gone after delete, ok=%v err=%v", ok, err)
	}
}

func TestWorktreeRoundTrip(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	w := model.Worktree{
		SessionID:  "sess-1",
		ID:         "main",
		BranchName: "main",
		Status:     model.WorktreeReady,
		CreatedAt:  time.Now(),
	}
	if err := s.PutWorktree(w); err != nil {
		t.Fatalf("PutWorktree: %v", err)
	}

	got, ok, err := s.GetWorktree("sess-1", "main")
	if err != nil || !ok {
		t.Fatalf("GetWorktree: ok=%v err=%v", ok, err)
	}
	if got.Status != model.WorktreeReady {
		t.Errorf("Status = %q, want ready", got.Status)
	}

	w.Status = model.WorktreeProcessing
	if err := s.PutWorktree(w); err != nil {
		t.Fatalf("PutWorktree update: %v", err)
	}
	got, _, _ = s.GetWorktree("sess-1", "main")
	if got.Status != model.WorktreeProcessing {
		t.Errorf("Status after update = %q, want processing", got.Status)
	}

	list, err := s.ListWorktrees("sess-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListWorktrees = %v, err=%v", list, err)
	}

	if err := s.DeleteWorktree("sess-1", "main"); err != nil {
		t.Fatalf("DeleteWorktree: %v", err)
	}
	if _, ok, _ := s.GetWorktree("sess-1", "main"); ok {
		t.Fatal("expected worktree gone after delete")
	}
}

func TestAppendMessage_MonotonicSeqAndIdempotent(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	m1 := model.Message{ID: "m1", WorktreeID: "wt-1", Role: model.RoleUser, Text: "hi", CreatedAt: time.Now()}
	seq1, noop1, err := s.AppendMessage(m1)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if noop1 || seq1 != 1 {
		t.Fatalf("seq1=%d noop1=%v, want seq=1 noop=false", seq1, noop1)
	}

	m2 := model.Message{ID: "m2", WorktreeID: "wt-1", Role: model.RoleAssistant, Text: "hello", CreatedAt: time.Now()}
	seq2, _, err := s.AppendMessage(m2)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if seq2 != 2 {
		t.Fatalf("seq2 = %d, want 2", seq2)
	}

	// Duplicate append is a no-op and returns the original seq.
	seqDup, noopDup, err := s.AppendMessage(m1)
	if err != nil {
		t.Fatalf("AppendMessage dup: %v", err)
	}
	if !noopDup || seqDup != 1 {
		t.Fatalf("dup append: seq=%d noop=%v, want seq=1 noop=true", seqDup, noopDup)
	}
}

func TestReadMessages_Pagination(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ids := []string{"id_1", "id_2", "id_3", "id_4", "id_5"}
	for _, id := range ids {
		if _, _, err := s.AppendMessage(model.Message{ID: id, WorktreeID: "wt-1", Role: model.RoleUser, Text: id, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("AppendMessage(%s): %v", id, err)
		}
	}

	// beforeMessageId=id_2, limit=2 -> [id_3, id_4]
	got, err := s.ReadMessages("wt-1", 2, "id_2")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(got) != 2 || got[0].ID != "id_3" || got[1].ID != "id_4" {
		t.Fatalf("got = %+v, want [id_3, id_4]", got)
	}

	// round-trip: append(m); read({beforeMessageId: m.id}) is empty
	empty, err := s.ReadMessages("wt-1", 0, "id_5")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty, got %+v", empty)
	}

	// missing index for beforeMessageId returns empty
	missing, err := s.ReadMessages("wt-1", 0, "does-not-exist")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected empty for missing index, got %+v", missing)
	}
}

func TestClearMessages(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, _, err := s.AppendMessage(model.Message{ID: "m1", WorktreeID: "wt-1", Role: model.RoleUser, Text: "hi", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.ClearMessages("wt-1"); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}
	got, err := s.ReadMessages("wt-1", 0, "")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty after clear, got %+v", got)
	}
}
