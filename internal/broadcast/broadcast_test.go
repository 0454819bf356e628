package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/model"
)

// wsPair starts a test HTTP server that upgrades every request to a
// WebSocket and hands the server-side connection to onUpgrade; it returns a
// connected client-side *websocket.Conn.
func wsPair(t *testing.T, onUpgrade func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		onUpgrade(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func TestPublish_MainWorktreeUsesBareFrameTypes(t *testing.T) {
	bus := New()
	client := wsPair(t, func(conn *websocket.Conn) {
		bus.Subscribe("sess-1", "sub-1", conn)
	})
	// give the subscribe goroutine a moment to register.
	time.Sleep(20 * time.Millisecond)

	bus.Publish("sess-1", "main", agent.Event{Kind: agent.EventAssistantDelta, Text: "hi"})

	frame := readFrame(t, client)
	if frame["type"] != "assistant_delta" {
		t.Fatalf("type = %v, want assistant_delta", frame["type"])
	}
	if _, present := frame["worktreeId"]; present {
		t.Errorf("expected no worktreeId on main-worktree frame, got %+v", frame)
	}
}

func TestPublish_NonMainWorktreeUsesWorktreePrefixedFrameTypes(t *testing.T) {
	bus := New()
	client := wsPair(t, func(conn *websocket.Conn) {
		bus.Subscribe("sess-1", "sub-1", conn)
	})
	time.Sleep(20 * time.Millisecond)

	bus.Publish("sess-1", "wt-abc", agent.Event{Kind: agent.EventAssistantMessage, ItemID: "m1", Text: "done"})

	frame := readFrame(t, client)
	if frame["type"] != "worktree_message" {
		t.Fatalf("type = %v, want worktree_message", frame["type"])
	}
	if frame["worktreeId"] != "wt-abc" {
		t.Errorf("worktreeId = %v, want wt-abc", frame["worktreeId"])
	}
}

func TestPublish_FansOutToAllSubscribersOfSession(t *testing.T) {
	bus := New()
	c1 := wsPair(t, func(conn *websocket.Conn) { bus.Subscribe("sess-1", "sub-1", conn) })
	c2 := wsPair(t, func(conn *websocket.Conn) { bus.Subscribe("sess-1", "sub-2", conn) })
	c3 := wsPair(t, func(conn *websocket.Conn) { bus.Subscribe("sess-2", "sub-3", conn) })
	time.Sleep(20 * time.Millisecond)

	bus.Publish("sess-1", "main", agent.Event{Kind: agent.EventTurnStarted})

	readFrame(t, c1)
	readFrame(t, c2)

	c3.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := c3.ReadMessage(); err == nil {
		t.Fatal("expected subscriber of a different session to receive nothing")
	}
}

func TestUnsubscribe_RemovesSubscriber(t *testing.T) {
	bus := New()
	_ = wsPair(t, func(conn *websocket.Conn) { bus.Subscribe("sess-1", "sub-1", conn) })
	time.Sleep(20 * time.Millisecond)

	if bus.SubscriberCount("sess-1") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount("sess-1"))
	}
	bus.Unsubscribe("sess-1", "sub-1")
	if bus.SubscriberCount("sess-1") != 0 {
		t.Fatalf("expected 0 subscribers after Unsubscribe, got %d", bus.SubscriberCount("sess-1"))
	}
}

type fakeView struct {
	msgs []model.Message
}

func (f *fakeView) Messages(limit int, beforeMessageID string) ([]model.Message, error) {
	return f.msgs, nil
}

func TestBuildMessagesSync_UsesViewAccessor(t *testing.T) {
	view := &fakeView{msgs: []model.Message{{ID: "m1", Role: model.RoleUser, Text: "hi"}}}
	data, err := BuildMessagesSync("main", "openai-codex", view, 0, "", []model.Worktree{{ID: "main"}})
	if err != nil {
		t.Fatalf("BuildMessagesSync: %v", err)
	}
	var frame MessagesSyncFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "messages_sync" || len(frame.Messages) != 1 || frame.Messages[0].ID != "m1" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if len(frame.Worktrees) != 1 {
		t.Fatalf("expected worktree roster included, got %+v", frame.Worktrees)
	}
}

func TestPong_RepliesOnlyToRequestingSubscriber(t *testing.T) {
	bus := New()
	c1 := wsPair(t, func(conn *websocket.Conn) { bus.Subscribe("sess-1", "sub-1", conn) })
	c2 := wsPair(t, func(conn *websocket.Conn) { bus.Subscribe("sess-1", "sub-2", conn) })
	time.Sleep(20 * time.Millisecond)

	bus.Pong("sess-1", "sub-1")

	frame := readFrame(t, c1)
	if frame["type"] != "pong" {
		t.Fatalf("type = %v, want pong", frame["type"])
	}

	c2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := c2.ReadMessage(); err == nil {
		t.Fatal("expected only the requesting subscriber to receive the pong")
	}
}

func TestSend_DropsFrameWhenSubscriberBufferFull(t *testing.T) {
	bus := &Bus{SendBuffer: 1}
	_ = wsPair(t, func(conn *websocket.Conn) { bus.Subscribe("sess-1", "sub-1", conn) })
	time.Sleep(20 * time.Millisecond)

	// Flood well past the buffer size; none of this should panic or block
	// indefinitely even though the client isn't reading.
	for i := 0; i < 50; i++ {
		bus.Publish("sess-1", "main", agent.Event{Kind: agent.EventAssistantDelta, Text: "x"})
	}
}
