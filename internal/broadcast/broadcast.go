// Package broadcast implements the Broadcast Bus: per-session fan-out of
// server-originated events to every live WebSocket subscriber, with
// at-most-once delivery and a bounded per-socket outbound buffer that drops
// the slowest consumers instead of back-pressuring the rest (spec.md §4.7).
//
// Grounded on the teacher's acp.SessionHost viewer model: AttachViewer/
// DetachViewer, the per-viewer buffered send channel that is dropped-on-full
// rather than blocking (sendToViewer), and one viewerWritePump goroutine per
// socket serializing writes, which gorilla/websocket requires (a connection
// must have at most one concurrent writer). Unlike SessionHost (one agent
// process per viewer set), this Bus is keyed by session id and forwards
// events already scoped to a worktree, so it only needs to add the
// main-vs-worktree_* frame-type prefix (see typeForEvent) rather than own
// any agent-process state itself.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/model"
)

// DefaultSendBuffer is the default per-subscriber outbound channel size.
// Override via Bus.SendBuffer before the first Subscribe call.
const DefaultSendBuffer = 256

// PingInterval is how often the Bus pings idle subscribers, per spec.md §6.
const PingInterval = 25 * time.Second

// MessagesView is the read path for building messages_sync frames. Declared
// on the consumer side (here) so broadcast has no import dependency on
// turn; implemented by *turn.Controller.
type MessagesView interface {
	Messages(limit int, beforeMessageID string) ([]model.Message, error)
}

// Subscriber is a single WebSocket connection attached to a session.
type Subscriber struct {
	ID     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

// Done is closed once the subscriber's write pump has exited (write error or
// buffer overflow), letting the caller's read loop exit promptly rather than
// wait out a read deadline.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Bus is the Broadcast Bus for every live session in this engine instance.
type Bus struct {
	SendBuffer int

	mu       sync.RWMutex
	sessions map[string]map[string]*Subscriber // sessionID -> subscriberID -> Subscriber
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{sessions: make(map[string]map[string]*Subscriber)}
}

func (b *Bus) bufferSize() int {
	if b.SendBuffer > 0 {
		return b.SendBuffer
	}
	return DefaultSendBuffer
}

// Subscribe attaches conn as a new subscriber of sessionID and starts its
// write pump. The caller is responsible for running a read loop against conn
// and calling Unsubscribe when it exits.
func (b *Bus) Subscribe(sessionID, subscriberID string, conn *websocket.Conn) *Subscriber {
	sub := &Subscriber{
		ID:     subscriberID,
		conn:   conn,
		sendCh: make(chan []byte, b.bufferSize()),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.sessions[sessionID]
	if !ok {
		set = make(map[string]*Subscriber)
		b.sessions[sessionID] = set
	}
	set[subscriberID] = sub
	b.mu.Unlock()

	go b.writePump(sessionID, sub)
	return sub
}

// Unsubscribe removes a subscriber and signals its write pump to stop.
func (b *Bus) Unsubscribe(sessionID, subscriberID string) {
	b.mu.Lock()
	set, ok := b.sessions[sessionID]
	var sub *Subscriber
	if ok {
		sub = set[subscriberID]
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(b.sessions, sessionID)
		}
	}
	b.mu.Unlock()

	if sub != nil {
		sub.once.Do(func() { close(sub.done) })
	}
}

// SubscriberCount reports how many live subscribers a session has.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

// send enqueues data on a single subscriber's buffered channel. A full
// channel means the consumer is too slow; per spec.md §4.7 backpressure, the
// frame is dropped and the subscriber itself is dropped (its done channel is
// closed, so its write pump exits and closes the connection) rather than
// blocking every other subscriber or the publisher.
func (b *Bus) send(sessionID string, sub *Subscriber, data []byte) {
	select {
	case sub.sendCh <- data:
	case <-sub.done:
	default:
		slog.Warn("broadcast: subscriber buffer full, dropping subscriber", "sessionId", sessionID, "subscriberId", sub.ID)
		sub.once.Do(func() { close(sub.done) })
	}
}

// broadcast fans data out to every current subscriber of a session.
func (b *Bus) broadcast(sessionID string, data []byte) {
	b.mu.RLock()
	set := b.sessions[sessionID]
	subs := make([]*Subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.send(sessionID, sub, data)
	}
}

// SendTo delivers data to exactly one subscriber (used for pong replies and
// messages_sync responses scoped to the requesting socket).
func (b *Bus) SendTo(sessionID, subscriberID string, data []byte) {
	b.mu.RLock()
	sub := b.sessions[sessionID][subscriberID]
	b.mu.RUnlock()
	if sub != nil {
		b.send(sessionID, sub, data)
	}
}

func (b *Bus) writePump(sessionID string, sub *Subscriber) {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		sub.once.Do(func() { close(sub.done) })
		sub.conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.sendCh:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Error("broadcast: write failed", "sessionId", sessionID, "subscriberId", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}

// Publish implements turn.Publisher: it translates a normalized agent.Event
// into the WS frame type spec.md §6 enumerates and fans it out to sessionID's
// subscribers.
func (b *Bus) Publish(sessionID, worktreeID string, ev agent.Event) {
	data, ok := marshalEvent(worktreeID, ev)
	if !ok {
		return
	}
	b.broadcast(sessionID, data)
}

// typeForEvent maps a normalized agent event kind to its WS frame type. The
// main worktree uses the bare event-kind names (assistant_delta,
// turn_started, ...); every other worktree's events are wrapped in the
// worktree_*-prefixed frame so a client subscribed to several worktrees can
// tell them apart without inspecting worktreeId for every frame — this
// mapping is a judgment call spec.md leaves implicit (it tabulates the frame
// type strings in §6 but not which events get the worktree_ prefix); see
// DESIGN.md.
func typeForEvent(worktreeID string, kind agent.EventKind) (string, bool) {
	isMain := worktreeID == "" || worktreeID == "main"

	switch kind {
	case agent.EventReady, agent.EventStatus, agent.EventProviderSwitched:
		return string(kind), true
	case agent.EventAssistantDelta:
		if isMain {
			return "assistant_delta", true
		}
		return "worktree_delta", true
	case agent.EventAssistantMessage, agent.EventToolResult, agent.EventCommandExecutionCompleted:
		if isMain {
			return "assistant_message", true
		}
		return "worktree_message", true
	case agent.EventCommandExecutionDelta:
		return "command_execution_delta", true
	case agent.EventTurnStarted:
		if isMain {
			return "turn_started", true
		}
		return "worktree_turn_started", true
	case agent.EventTurnCompleted:
		if isMain {
			return "turn_completed", true
		}
		return "worktree_turn_completed", true
	case agent.EventTurnError:
		if isMain {
			return "turn_error", true
		}
		return "worktree_turn_completed", true
	default:
		return "", false
	}
}

// eventFrame is the generic envelope shape for agent-originated frames.
type eventFrame struct {
	Type       string              `json:"type"`
	WorktreeID string              `json:"worktreeId,omitempty"`
	ItemID     string              `json:"itemId,omitempty"`
	Text       string              `json:"text,omitempty"`
	Command    *model.CommandOutput `json:"command,omitempty"`
	Messages   []model.Message     `json:"messages,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func marshalEvent(worktreeID string, ev agent.Event) ([]byte, bool) {
	typ, ok := typeForEvent(worktreeID, ev.Kind)
	if !ok {
		return nil, false
	}
	frame := eventFrame{
		Type:     typ,
		ItemID:   ev.ItemID,
		Text:     ev.Text,
		Command:  ev.Command,
		Messages: ev.Messages,
	}
	if worktreeID != "" && worktreeID != "main" {
		frame.WorktreeID = worktreeID
	}
	if ev.Err != nil {
		frame.Error = ev.Err.Error()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, false
	}
	return data, true
}

// MessagesSyncFrame is the catch-up frame sent on attach and in response to
// a sync_messages request (spec.md §4.7).
type MessagesSyncFrame struct {
	Type       string           `json:"type"`
	WorktreeID string           `json:"worktreeId"`
	Provider   string           `json:"provider,omitempty"`
	Messages   []model.Message  `json:"messages"`
	Worktrees  []model.Worktree `json:"worktrees,omitempty"`
}

// BuildMessagesSync reads view (the worktree's Turn Controller, via its
// liveHead-aware Messages accessor) and marshals a messages_sync frame. If
// worktrees is non-nil it is included as the session's roster, per spec.md
// §4.7 step 2 ("a worktree roster") — callers only pass it for the initial
// per-socket sync, not for a scoped sync_messages reply.
func BuildMessagesSync(worktreeID, provider string, view MessagesView, limit int, beforeMessageID string, worktrees []model.Worktree) ([]byte, error) {
	msgs, err := view.Messages(limit, beforeMessageID)
	if err != nil {
		return nil, err
	}
	frame := MessagesSyncFrame{
		Type:       "messages_sync",
		WorktreeID: worktreeID,
		Provider:   provider,
		Messages:   msgs,
		Worktrees:  worktrees,
	}
	return json.Marshal(frame)
}

// RepoDiffFrame carries a session- or worktree-scoped diff recompute result.
type RepoDiffFrame struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId,omitempty"`
	Status     string `json:"status"`
	Diff       string `json:"diff"`
}

// PublishRepoDiff broadcasts a completed diff recompute. Called by the Diff
// Coalescer once its debounce window settles.
func (b *Bus) PublishRepoDiff(sessionID, worktreeID, status, diff string) {
	frame := RepoDiffFrame{Type: "repo_diff", WorktreeID: worktreeID, Status: status, Diff: diff}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	b.broadcast(sessionID, data)
}

// WorktreeEventFrame covers the worktree lifecycle frame types that are not
// derived from an agent.Event: worktree_created, worktree_updated,
// worktree_closed, worktree_merge_result, worktrees_list.
type WorktreeEventFrame struct {
	Type      string           `json:"type"`
	Worktree  *model.Worktree  `json:"worktree,omitempty"`
	Worktrees []model.Worktree `json:"worktrees,omitempty"`
	Success   *bool            `json:"success,omitempty"`
	Conflicts []string         `json:"conflicts,omitempty"`
}

// PublishWorktreeCreated broadcasts a worktree_created frame.
func (b *Bus) PublishWorktreeCreated(sessionID string, wt model.Worktree) {
	b.publishWorktreeFrame(sessionID, WorktreeEventFrame{Type: "worktree_created", Worktree: &wt})
}

// PublishWorktreeUpdated broadcasts a worktree_updated frame (status or
// metadata change).
func (b *Bus) PublishWorktreeUpdated(sessionID string, wt model.Worktree) {
	b.publishWorktreeFrame(sessionID, WorktreeEventFrame{Type: "worktree_updated", Worktree: &wt})
}

// PublishWorktreeClosed broadcasts a worktree_closed frame.
func (b *Bus) PublishWorktreeClosed(sessionID, worktreeID string) {
	b.publishWorktreeFrame(sessionID, WorktreeEventFrame{Type: "worktree_closed", Worktree: &model.Worktree{ID: worktreeID}})
}

// PublishMergeResult broadcasts a worktree_merge_result frame.
func (b *Bus) PublishMergeResult(sessionID string, success bool, conflicts []string) {
	b.publishWorktreeFrame(sessionID, WorktreeEventFrame{Type: "worktree_merge_result", Success: &success, Conflicts: conflicts})
}

// PublishWorktreesList broadcasts a worktrees_list frame (response to a
// list_worktrees client request).
func (b *Bus) PublishWorktreesList(sessionID string, worktrees []model.Worktree) {
	b.publishWorktreeFrame(sessionID, WorktreeEventFrame{Type: "worktrees_list", Worktrees: worktrees})
}

func (b *Bus) publishWorktreeFrame(sessionID string, frame WorktreeEventFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	b.broadcast(sessionID, data)
}

// RunOutputFrame covers the `run` action's streamed frames: run_output as
// the PTY emits bytes, run_exit once the command terminates.
type RunOutputFrame struct {
	Type       string `json:"type"`
	WorktreeID string `json:"worktreeId"`
	RunID      string `json:"runId"`
	Data       string `json:"data,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
}

// PublishRunOutput broadcasts a chunk of PTY output from an in-flight `run`
// action.
func (b *Bus) PublishRunOutput(sessionID, worktreeID, runID, data string) {
	b.publishRunFrame(sessionID, RunOutputFrame{Type: "run_output", WorktreeID: worktreeID, RunID: runID, Data: data})
}

// PublishRunExit broadcasts the terminal frame of a `run` action once its
// command has exited.
func (b *Bus) PublishRunExit(sessionID, worktreeID, runID string, exitCode int) {
	b.publishRunFrame(sessionID, RunOutputFrame{Type: "run_exit", WorktreeID: worktreeID, RunID: runID, ExitCode: &exitCode})
}

func (b *Bus) publishRunFrame(sessionID string, frame RunOutputFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	b.broadcast(sessionID, data)
}

// Pong replies to a client-originated ping on exactly the requesting socket.
func (b *Bus) Pong(sessionID, subscriberID string) {
	data, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "pong"})
	b.SendTo(sessionID, subscriberID, data)
}

// PublishError sends a protocol-level error frame to a single subscriber
// (e.g. a malformed client frame), per spec.md §6's `error` frame type.
func (b *Bus) PublishError(sessionID, subscriberID, code, message string) {
	data, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	}{Type: "error", Code: code, Message: message})
	b.SendTo(sessionID, subscriberID, data)
}
