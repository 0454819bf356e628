package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/broadcast"
	"github.com/vibe80/engine/internal/config"
	"github.com/vibe80/engine/internal/diffcoalescer"
	"github.com/vibe80/engine/internal/isolator"
	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/session"
	"github.com/vibe80/engine/internal/store"
	"github.com/vibe80/engine/internal/worktree"
)

// fakeClient is a minimal agent.Client double, same shape as turn's fakeClient.
type fakeClient struct {
	threadID string
	events   chan agent.Event
	stopped  bool
}

func newFakeClient(threadID string) *fakeClient {
	return &fakeClient{threadID: threadID, events: make(chan agent.Event, 8)}
}

func (f *fakeClient) Start(ctx context.Context) error { return nil }
func (f *fakeClient) Stop() error                     { f.stopped = true; return nil }
func (f *fakeClient) Send(ctx context.Context, msg agent.UserMessage) error {
	f.events <- agent.Event{Kind: agent.EventTurnCompleted}
	return nil
}
func (f *fakeClient) Interrupt()                 {}
func (f *fakeClient) Events() <-chan agent.Event { return f.events }
func (f *fakeClient) ThreadID() string           { return f.threadID }

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

func testEngine(t *testing.T) (*Engine, model.Workspace) {
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
	var factory agent.Factory = func(provider agent.Provider, opts agent.ClientOptions) (agent.Client, error) {
		threadID := opts.ThreadID
		if threadID == "" {
			threadID = "thread-" + string(provider)
		}
		return newFakeClient(threadID), nil
	}
	sessMgr := session.New(iso, st, wtMgr, factory, nil, session.Options{})
	bus := broadcast.New()
	diff := diffcoalescer.New(wtMgr, st, bus, 0)
	eng := New(st, iso, sessMgr, wtMgr, factory, bus, diff, nil)

	ws := model.Workspace{
		ID: "ws-1",
		Providers: map[string]model.ProviderConfig{
			"openai-codex": {Enabled: true},
		},
	}
	if err := st.PutWorkspace(ws); err != nil {
		t.Fatalf("PutWorkspace: %v", err)
	}
	return eng, ws
}

func TestCreateSessionStartsMainWorktreeRuntime(t *testing.T) {
	eng, ws := testEngine(t)
	sess, err := eng.CreateSession(context.Background(), ws, session.CreateRequest{Name: "demo", RepoURL: bareRepo(t)})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, ok := eng.runtime(sess.ID, "main"); !ok {
		t.Fatal("expected a runtime for the main worktree")
	}
}

func TestCreateWorktreePublishesWorktreeCreated(t *testing.T) {
	eng, ws := testEngine(t)
	sess, err := eng.CreateSession(context.Background(), ws, session.CreateRequest{Name: "demo", RepoURL: bareRepo(t)})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	wt, err := eng.CreateWorktree(context.Background(), ws, sess, worktree.CreateOptions{Provider: "openai-codex", Name: "feature"})
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if wt.Status != model.WorktreeReady {
		t.Fatalf("Status = %v, want ready", wt.Status)
	}
	if _, ok := eng.runtime(sess.ID, wt.ID); !ok {
		t.Fatal("expected a runtime for the new worktree")
	}
}

func TestSubmitUserMessageRequiresRunningWorktree(t *testing.T) {
	eng, ws := testEngine(t)
	sess, err := eng.CreateSession(context.Background(), ws, session.CreateRequest{Name: "demo", RepoURL: bareRepo(t)})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := eng.SubmitUserMessage(context.Background(), sess.ID, "nonexistent", agent.UserMessage{Text: "hi"}); err == nil {
		t.Fatal("expected an error submitting to a non-running worktree")
	}
	if err := eng.SubmitUserMessage(context.Background(), sess.ID, "main", agent.UserMessage{Text: "hi"}); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}
}

func TestSwitchProviderRestartsMainRuntime(t *testing.T) {
	eng, ws := testEngine(t)
	sess, err := eng.CreateSession(context.Background(), ws, session.CreateRequest{Name: "demo", RepoURL: bareRepo(t)})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	updated, err := eng.SwitchProvider(context.Background(), ws, sess, "google-gemini")
	if err != nil {
		t.Fatalf("SwitchProvider: %v", err)
	}
	if updated.ActiveProvider != "google-gemini" {
		t.Fatalf("ActiveProvider = %q, want google-gemini", updated.ActiveProvider)
	}
	wt, ok, err := eng.store.GetWorktree(sess.ID, "main")
	if err != nil || !ok {
		t.Fatalf("GetWorktree: ok=%v err=%v", ok, err)
	}
	if wt.Provider != "google-gemini" {
		t.Fatalf("worktree Provider = %q, want google-gemini", wt.Provider)
	}
}

func TestSuspendIdleRuntimeStopsSubprocessAndResumesOnNextMessage(t *testing.T) {
	eng, ws := testEngine(t)
	sess, err := eng.CreateSession(context.Background(), ws, session.CreateRequest{Name: "demo", RepoURL: bareRepo(t)})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rt, ok := eng.runtime(sess.ID, "main")
	if !ok {
		t.Fatal("expected a runtime for the main worktree")
	}
	originalClient := rt.client.(*fakeClient)
	rt.actMu.Lock()
	rt.lastActivity = time.Now().Add(-time.Hour)
	rt.actMu.Unlock()

	eng.SuspendIdleRuntimes(context.Background(), time.Minute)

	if !originalClient.stopped {
		t.Fatal("expected the idle agent's subprocess to be stopped")
	}
	if !rt.isSuspended() {
		t.Fatal("expected the runtime to be marked suspended")
	}

	if err := eng.SubmitUserMessage(context.Background(), sess.ID, "main", agent.UserMessage{Text: "hi"}); err != nil {
		t.Fatalf("SubmitUserMessage after suspend: %v", err)
	}

	resumed, ok := eng.runtime(sess.ID, "main")
	if !ok {
		t.Fatal("expected a runtime after resume")
	}
	if resumed.isSuspended() {
		t.Fatal("expected the resumed runtime to no longer be suspended")
	}
	if resumed.client.ThreadID() != originalClient.ThreadID() {
		t.Fatalf("resumed ThreadID = %q, want %q (resumed from persisted ThreadID)", resumed.client.ThreadID(), originalClient.ThreadID())
	}
}

func TestStartRunStreamsOutputAndExits(t *testing.T) {
	eng, ws := testEngine(t)
	sess, err := eng.CreateSession(context.Background(), ws, session.CreateRequest{Name: "demo", RepoURL: bareRepo(t)})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	runID, err := eng.StartRun(context.Background(), ws, sess, "main", []string{"echo", "hello"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a non-empty run id")
	}

	if _, err := eng.StartRun(context.Background(), ws, sess, "main", []string{"echo", "again"}); err == nil {
		t.Fatal("expected a second concurrent run on the same worktree to fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		eng.runsMu.Lock()
		_, inFlight := eng.runs[runtimeKey(sess.ID, "main")]
		eng.runsMu.Unlock()
		if !inFlight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for run to exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := eng.StopRun(sess.ID, "main"); err == nil {
		t.Fatal("expected StopRun to fail once the run has already exited")
	}
}
