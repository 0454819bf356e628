package agent

import (
	"context"
	"testing"
	"time"
)

func TestCommandInfoFor(t *testing.T) {
	cases := []struct {
		provider Provider
		bin      string
		cred     string
	}{
		{ProviderClaude, "claude-code-acp", "ANTHROPIC_API_KEY"},
		{ProviderCodex, "codex-acp", "OPENAI_API_KEY"},
		{ProviderGemini, "gemini", "GEMINI_API_KEY"},
	}
	for _, c := range cases {
		info := commandInfoFor(c.provider)
		if info.bin != c.bin {
			t.Errorf("%s: bin = %q, want %q", c.provider, info.bin, c.bin)
		}
		if info.credEnvVar != c.cred {
			t.Errorf("%s: credEnvVar = %q, want %q", c.provider, info.credEnvVar, c.cred)
		}
	}
}

func TestInitTimeoutOrDefault(t *testing.T) {
	if got := initTimeoutOrDefault(0); got != 30*time.Second {
		t.Errorf("default = %v, want 30s", got)
	}
	if got := initTimeoutOrDefault(5 * time.Second); got != 5*time.Second {
		t.Errorf("explicit = %v, want 5s", got)
	}
}

func TestNewFactory_ReturnsUsableFactory(t *testing.T) {
	f := NewFactory()
	if f == nil {
		t.Fatal("NewFactory returned nil")
	}
	c, err := f(ProviderClaude, ClientOptions{WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("factory constructor returned error: %v", err)
	}
	if c == nil {
		t.Fatal("factory returned nil client")
	}
}

// fakeClient is a minimal in-process Client exercising agent orchestration
// without spawning a real Codex/Claude subprocess. Other packages define
// their own equivalents against the exported Client interface.
type fakeClient struct {
	events   chan Event
	threadID string
	started  bool
	stopped  bool
	sent     []UserMessage
}

func newFakeClient(threadID string) *fakeClient {
	return &fakeClient{events: make(chan Event, 16), threadID: threadID}
}

func (f *fakeClient) Start(ctx context.Context) error {
	f.started = true
	f.events <- Event{Kind: EventReady}
	return nil
}

func (f *fakeClient) Stop() error {
	f.stopped = true
	return nil
}

func (f *fakeClient) Send(ctx context.Context, msg UserMessage) error {
	f.sent = append(f.sent, msg)
	f.events <- Event{Kind: EventTurnStarted}
	f.events <- Event{Kind: EventAssistantDelta, Text: "ack: " + msg.Text}
	f.events <- Event{Kind: EventTurnCompleted}
	return nil
}

func (f *fakeClient) Interrupt()           {}
func (f *fakeClient) Events() <-chan Event { return f.events }
func (f *fakeClient) ThreadID() string     { return f.threadID }

func TestFakeClient_SatisfiesClientInterface(t *testing.T) {
	var _ Client = newFakeClient("t1")
}

func TestFakeClient_SendEmitsExpectedEventSequence(t *testing.T) {
	c := newFakeClient("t1")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Send(context.Background(), UserMessage{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var kinds []EventKind
	for i := 0; i < 4; i++ {
		select {
		case ev := <-c.Events():
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	want := []EventKind{EventReady, EventTurnStarted, EventAssistantDelta, EventTurnCompleted}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("event[%d] = %s, want %s", i, kinds[i], k)
		}
	}
}
