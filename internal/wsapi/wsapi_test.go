package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibe80/engine/internal/broadcast"
	"github.com/vibe80/engine/internal/config"
	"github.com/vibe80/engine/internal/diffcoalescer"
	"github.com/vibe80/engine/internal/engine"
	"github.com/vibe80/engine/internal/isolator"
	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/session"
	"github.com/vibe80/engine/internal/store"
	"github.com/vibe80/engine/internal/worktree"
)

func bareRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func testSetup(t *testing.T) (*httptest.Server, model.Workspace, model.Session) {
	t.Helper()
	home := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	iso := isolator.New(&config.Config{
		DeploymentMode:    config.ModeMonoUser,
		WorkspaceRootDir:  home,
		WorkspaceHomeBase: home,
	})
	wtMgr := worktree.New(iso, st, 30*time.Second, 0)
	sessMgr := session.New(iso, st, wtMgr, nil, nil, session.Options{})
	bus := broadcast.New()
	diff := diffcoalescer.New(wtMgr, st, bus, 0)
	eng := engine.New(st, iso, sessMgr, wtMgr, nil, bus, diff, nil)

	ws := model.Workspace{
		ID: "ws-1",
		Providers: map[string]model.ProviderConfig{
			"openai-codex": {Enabled: true},
		},
	}
	if err := st.PutWorkspace(ws); err != nil {
		t.Fatalf("PutWorkspace: %v", err)
	}

	sess, err := eng.CreateSession(context.Background(), ws, session.CreateRequest{Name: "demo", RepoURL: bareRepo(t)})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	srv := New(eng, sessMgr, wtMgr, st, bus, nil, false, nil, nil)
	mux := http.NewServeMux()
	srv.Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, ws, sess
}

func dialWS(t *testing.T, ts *httptest.Server, ws model.Workspace, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session=" + sessionID
	header := http.Header{}
	header.Set("X-Workspace-Id", ws.ID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial: %v (status %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Unmarshal %s: %v", data, err)
	}
	return frame
}

func TestHandleWS_InitialMessagesSync(t *testing.T) {
	ts, ws, sess := testSetup(t)
	conn := dialWS(t, ts, ws, sess.ID)

	frame := readFrame(t, conn)
	if frame["type"] != "messages_sync" {
		t.Fatalf("type = %v, want messages_sync", frame["type"])
	}
	if frame["worktreeId"] != "main" {
		t.Fatalf("worktreeId = %v, want main", frame["worktreeId"])
	}
}

func TestHandleWS_Ping(t *testing.T) {
	ts, ws, sess := testSetup(t)
	conn := dialWS(t, ts, ws, sess.ID)
	readFrame(t, conn) // initial messages_sync

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Fatalf("type = %v, want pong", frame["type"])
	}
}

func TestHandleWS_ListWorktrees(t *testing.T) {
	ts, ws, sess := testSetup(t)
	conn := dialWS(t, ts, ws, sess.ID)
	readFrame(t, conn) // initial messages_sync

	if err := conn.WriteJSON(map[string]string{"type": "list_worktrees"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "worktrees_list" {
		t.Fatalf("type = %v, want worktrees_list", frame["type"])
	}
	worktrees, ok := frame["worktrees"].([]interface{})
	if !ok || len(worktrees) != 1 {
		t.Fatalf("worktrees = %v, want 1 entry", frame["worktrees"])
	}
}

func TestHandleWS_UnknownFrameType(t *testing.T) {
	ts, ws, sess := testSetup(t)
	conn := dialWS(t, ts, ws, sess.ID)
	readFrame(t, conn) // initial messages_sync

	if err := conn.WriteJSON(map[string]string{"type": "not_a_real_type"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("type = %v, want error", frame["type"])
	}
}

func TestHandleWS_UnauthorizedUnknownWorkspace(t *testing.T) {
	ts, _, sess := testSetup(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?session=" + sess.ID
	header := http.Header{}
	header.Set("X-Workspace-Id", "no-such-workspace")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected Dial to fail for an unknown workspace")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v, want 401", resp)
	}
}
