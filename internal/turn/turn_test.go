package turn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/messagelog"
	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/store"
)

// fakeClient is a minimal agent.Client double driven entirely by the test.
type fakeClient struct {
	events     chan agent.Event
	mu         sync.Mutex
	sent       []agent.UserMessage
	interrupts int
	sendResult func(msg agent.UserMessage) []agent.Event // events to emit in order when Send is called
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan agent.Event, 32)}
}

func (f *fakeClient) Start(ctx context.Context) error { return nil }
func (f *fakeClient) Stop() error                     { return nil }
func (f *fakeClient) Events() <-chan agent.Event      { return f.events }
func (f *fakeClient) ThreadID() string                { return "thread-1" }
func (f *fakeClient) Interrupt()                      { f.interrupts++ }

func (f *fakeClient) Send(ctx context.Context, msg agent.UserMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	for _, ev := range f.sendResult(msg) {
		f.events <- ev
	}
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []agent.Event
}

func (p *fakePublisher) Publish(sessionID, worktreeID string, ev agent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fakeDiff struct {
	requests int
}

func (d *fakeDiff) RequestDiff(sessionID, worktreeID string) { d.requests++ }

func testController(t *testing.T) (*Controller, *fakeClient, *fakePublisher, *fakeDiff, store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.PutWorktree(model.Worktree{ID: "main", SessionID: "sess-1", Status: model.WorktreeReady}); err != nil {
		t.Fatalf("PutWorktree: %v", err)
	}

	client := newFakeClient()
	pub := &fakePublisher{}
	diff := &fakeDiff{}
	log := messagelog.New(st)
	ctrl := New("sess-1", "main", client, log, st, pub, diff)
	return ctrl, client, pub, diff, st
}

func TestSubmitUserMessage_RejectedWhenNotIdle(t *testing.T) {
	ctrl, client, _, _, _ := testController(t)
	client.sendResult = func(agent.UserMessage) []agent.Event {
		// never completes within the test — leaves the controller busy.
		return nil
	}

	if err := ctrl.SubmitUserMessage(context.Background(), agent.UserMessage{Text: "first"}); err != nil {
		t.Fatalf("first SubmitUserMessage: %v", err)
	}
	// SubmitUserMessage has already set the state to sending, and with Run
	// not started nothing returns it to idle; give the async Send goroutine
	// a moment to run.
	time.Sleep(20 * time.Millisecond)

	if err := ctrl.SubmitUserMessage(context.Background(), agent.UserMessage{Text: "second"}); err == nil {
		t.Fatal("expected busy error for second concurrent turn")
	}
}

func TestSubmitUserMessage_AppendsUserMessageBeforeSend(t *testing.T) {
	ctrl, client, _, _, st := testController(t)
	client.sendResult = func(agent.UserMessage) []agent.Event {
		return []agent.Event{{Kind: agent.EventTurnStarted}, {Kind: agent.EventTurnCompleted}}
	}

	if err := ctrl.SubmitUserMessage(context.Background(), agent.UserMessage{Text: "hello"}); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}

	msgs, err := st.ReadMessages("main", 10, "")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != model.RoleUser || msgs[0].Text != "hello" {
		t.Fatalf("expected the user message persisted immediately, got %+v", msgs)
	}
}

func TestRun_FullTurnCycleReturnsToIdleAndTriggersDiff(t *testing.T) {
	ctrl, client, pub, diff, st := testController(t)
	client.sendResult = func(agent.UserMessage) []agent.Event {
		return []agent.Event{
			{Kind: agent.EventTurnStarted},
			{Kind: agent.EventAssistantDelta, Text: "partial "},
			{Kind: agent.EventAssistantDelta, Text: "answer"},
			{Kind: agent.EventTurnCompleted},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	if err := ctrl.SubmitUserMessage(context.Background(), agent.UserMessage{Text: "hi"}); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ctrl.State() != StateIdle {
		time.Sleep(10 * time.Millisecond)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("expected controller back to idle, got %v", ctrl.State())
	}
	if diff.requests != 1 {
		t.Errorf("expected exactly one diff request, got %d", diff.requests)
	}
	// 4 incoming events (turn_started, 2 deltas, turn_completed) each publish
	// once, plus the synthesized assistant_message published on completion.
	if pub.count() != 5 {
		t.Errorf("expected 5 published events, got %d", pub.count())
	}

	wt, _, _ := st.GetWorktree("sess-1", "main")
	if wt.Status != model.WorktreeReady {
		t.Errorf("worktree status = %q, want ready", wt.Status)
	}

	msgs, _ := st.ReadMessages("main", 10, "")
	var sawAssistant bool
	for _, m := range msgs {
		if m.Role == model.RoleAssistant && m.Text == "partial answer" {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Errorf("expected assistant message synthesized from the accumulated deltas and persisted, got %+v", msgs)
	}
}

func TestRun_TurnErrorReturnsToIdleWithoutDiff(t *testing.T) {
	ctrl, client, _, diff, st := testController(t)
	client.sendResult = func(agent.UserMessage) []agent.Event {
		return []agent.Event{{Kind: agent.EventTurnStarted}, {Kind: agent.EventTurnError, Err: context.DeadlineExceeded}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	if err := ctrl.SubmitUserMessage(context.Background(), agent.UserMessage{Text: "hi"}); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ctrl.State() != StateIdle {
		time.Sleep(10 * time.Millisecond)
	}
	if ctrl.State() != StateIdle {
		t.Fatal("expected controller back to idle after turn_error")
	}
	if diff.requests != 0 {
		t.Errorf("expected no diff request on turn_error, got %d", diff.requests)
	}
	wt, _, _ := st.GetWorktree("sess-1", "main")
	if wt.Status != model.WorktreeReady {
		t.Errorf("worktree status = %q, want ready", wt.Status)
	}
}

func TestRun_ProviderSwitchedOverridesViewWithoutTouchingPersistedLog(t *testing.T) {
	ctrl, client, _, _, st := testController(t)
	overrideMsgs := []model.Message{{ID: "replacement-1", Role: model.RoleAssistant, Text: "restored from other provider"}}
	client.sendResult = func(agent.UserMessage) []agent.Event {
		return []agent.Event{
			{Kind: agent.EventTurnStarted},
			{Kind: agent.EventProviderSwitched, Messages: overrideMsgs},
			{Kind: agent.EventTurnCompleted},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	if err := ctrl.SubmitUserMessage(context.Background(), agent.UserMessage{Text: "hi"}); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ctrl.State() != StateIdle {
		time.Sleep(10 * time.Millisecond)
	}
	if ctrl.State() != StateIdle {
		t.Fatal("expected controller back to idle")
	}

	view, err := ctrl.Messages(0, "")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(view) != 1 || view[0].ID != "replacement-1" {
		t.Fatalf("expected live-head override view, got %+v", view)
	}

	persisted, err := st.ReadMessages("main", 10, "")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	for _, m := range persisted {
		if m.ID == "replacement-1" {
			t.Fatalf("provider_switched must not mutate the persisted log, found %+v", persisted)
		}
	}

	// A later user message invalidates the live-head override; the
	// persisted log becomes authoritative again.
	client.sendResult = func(agent.UserMessage) []agent.Event {
		return []agent.Event{{Kind: agent.EventTurnStarted}, {Kind: agent.EventTurnCompleted}}
	}
	if err := ctrl.SubmitUserMessage(context.Background(), agent.UserMessage{Text: "again"}); err != nil {
		t.Fatalf("second SubmitUserMessage: %v", err)
	}
	view2, err := ctrl.Messages(0, "")
	if err != nil {
		t.Fatalf("Messages after invalidation: %v", err)
	}
	for _, m := range view2 {
		if m.ID == "replacement-1" {
			t.Fatalf("expected live-head override cleared after a new message was persisted, got %+v", view2)
		}
	}
}

func TestInterrupt_DelegatesToClient(t *testing.T) {
	ctrl, client, _, _, _ := testController(t)
	ctrl.Interrupt()
	if client.interrupts != 1 {
		t.Errorf("expected Interrupt delegated to client, got %d calls", client.interrupts)
	}
}
