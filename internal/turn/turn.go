// Package turn implements the Turn Controller: the per-worktree state
// machine that serializes user turns against a single Agent Supervisor
// Client and drives the Message Log from its normalized event stream
// (spec.md §4.4, §4.5).
//
// Grounded on the teacher's acp.SessionHost: the promptMu/promptInFlight
// serialization gate (beginPrompt/endPrompt) generalizes into this
// Controller's idle/sending/streaming state, and CancelPrompt's
// context-cancellation-based interrupt generalizes into Client.Interrupt.
package turn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/messagelog"
	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/store"
)

// State is a Turn Controller's position in the idle/sending/streaming
// state machine.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
)

// Publisher forwards a normalized agent event to this worktree's WS
// subscribers. Implemented by the Broadcast Bus; declared on the consumer
// side (here) rather than imported, so turn has no dependency on broadcast.
type Publisher interface {
	Publish(sessionID, worktreeID string, event agent.Event)
}

// DiffTrigger requests a debounced diff recompute. Implemented by the Diff
// Coalescer.
type DiffTrigger interface {
	RequestDiff(sessionID, worktreeID string)
}

// Controller is the Turn Controller for a single worktree.
type Controller struct {
	sessionID  string
	worktreeID string
	client     agent.Client
	log        *messagelog.Log
	store      store.Store
	pub        Publisher
	diff       DiffTrigger

	mu        sync.Mutex
	state     State
	streaming strings.Builder

	// liveHead is the in-memory message-list override installed by a
	// provider_switched event, per spec.md §9: the source replaces the
	// in-memory message list but never touches the persisted log, so a
	// reconnecting client sees the persisted (non-replaced) history until
	// the next server-originated sync. It is cleared the moment a further
	// message is appended, since at that point the persisted log and the
	// live view diverge again and the persisted log is authoritative.
	liveHead    []model.Message
	liveHeadSet bool
}

// New constructs a Controller bound to a single worktree's agent Client.
// Callers must call Run (typically on its own goroutine) to drive the
// state machine from the client's event stream.
func New(sessionID, worktreeID string, client agent.Client, log *messagelog.Log, st store.Store, pub Publisher, diff DiffTrigger) *Controller {
	return &Controller{
		sessionID:  sessionID,
		worktreeID: worktreeID,
		client:     client,
		log:        log,
		store:      st,
		pub:        pub,
		diff:       diff,
		state:      StateIdle,
	}
}

// State reports the controller's current position in the state machine.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubmitUserMessage accepts a user turn per spec.md §4.5: only when idle;
// otherwise returns a busy error without touching the Message Log. The
// message is appended to the log before the agent is asked to send it, so a
// client that reconnects mid-turn still sees its own message. The agent
// call itself runs asynchronously — Run's event loop drives the remainder
// of the state machine as events arrive.
func (c *Controller) SubmitUserMessage(ctx context.Context, msg agent.UserMessage) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return model.NewEngineError(model.ErrKindValidation, "TURN_BUSY", "a turn is already in progress for this worktree", nil)
	}
	c.state = StateSending
	c.mu.Unlock()

	entry := model.Message{
		ID:          ulid.Make().String(),
		Role:        model.RoleUser,
		Text:        msg.Text,
		Attachments: msg.Attachments,
		CreatedAt:   time.Now().UTC(),
	}
	if _, _, err := c.log.Append(c.sessionID, c.worktreeID, entry); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.liveHeadSet = false
	c.mu.Unlock()

	go func() {
		// Send blocks until the turn's terminal event has already been
		// emitted on the Events channel (see agent.Client.Send's
		// invariant), so Run's loop — not this goroutine — owns every
		// state transition from here.
		_ = c.client.Send(context.Background(), msg)
	}()
	return nil
}

// Interrupt best-effort cancels an in-flight turn, per spec.md §4.5: it
// does not unilaterally end the turn, it only requests cancellation. The
// controller stays in sending/streaming until a terminal event arrives.
func (c *Controller) Interrupt() {
	c.client.Interrupt()
}

// Run drives the state machine from the client's event stream until the
// channel closes or ctx is canceled. Intended to run for the lifetime of
// the worktree's agent client, on its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.client.Events():
			if !ok {
				return
			}
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev agent.Event) {
	defer c.pub.Publish(c.sessionID, c.worktreeID, ev)

	switch ev.Kind {
	case agent.EventTurnStarted:
		c.mu.Lock()
		c.state = StateSending
		c.mu.Unlock()
		c.setWorktreeStatus(model.WorktreeProcessing)

	case agent.EventAssistantDelta:
		c.mu.Lock()
		c.state = StateStreaming
		c.streaming.WriteString(ev.Text)
		c.mu.Unlock()

	case agent.EventAssistantMessage:
		c.mu.Lock()
		c.streaming.Reset()
		c.mu.Unlock()
		c.appendAgentMessage(model.RoleAssistant, ev, "")

	case agent.EventCommandExecutionCompleted:
		c.appendAgentMessage(model.RoleTool, ev, "commandExecution")

	case agent.EventToolResult:
		c.appendAgentMessage(model.RoleTool, ev, "toolResult")

	case agent.EventTurnCompleted:
		c.mu.Lock()
		text := c.streaming.String()
		c.mu.Unlock()
		if text != "" {
			msgEv := agent.Event{Kind: agent.EventAssistantMessage, Text: text}
			c.appendAgentMessage(model.RoleAssistant, msgEv, "")
			c.pub.Publish(c.sessionID, c.worktreeID, msgEv)
		}
		c.finishTurn(model.WorktreeReady)
		c.diff.RequestDiff(c.sessionID, c.worktreeID)

	case agent.EventTurnError:
		c.finishTurn(model.WorktreeReady)

	case agent.EventProviderSwitched:
		c.mu.Lock()
		c.liveHead = ev.Messages
		c.liveHeadSet = true
		c.mu.Unlock()

	case agent.EventReady, agent.EventStatus, agent.EventCommandExecutionDelta:
		// Forwarded via the deferred Publish above; no state-machine effect.
	}
}

func (c *Controller) finishTurn(status model.WorktreeStatus) {
	c.mu.Lock()
	c.state = StateIdle
	c.streaming.Reset()
	c.mu.Unlock()
	c.setWorktreeStatus(status)
}

func (c *Controller) appendAgentMessage(role model.MessageRole, ev agent.Event, groupType string) {
	id := ev.ItemID
	if id == "" {
		id = ulid.Make().String()
	}
	msg := model.Message{
		ID:        id,
		Role:      role,
		Text:      ev.Text,
		GroupType: groupType,
		Command:   ev.Command,
		CreatedAt: time.Now().UTC(),
	}
	_, _, _ = c.log.Append(c.sessionID, c.worktreeID, msg)
	c.mu.Lock()
	c.liveHeadSet = false
	c.mu.Unlock()
}

// Messages returns the message view for this worktree, per spec.md §9: a
// provider_switched event installs an in-memory-only override of the full
// message list that takes precedence over the persisted Message Log until
// the next message is actually persisted, at which point the persisted log
// resumes being authoritative. The Broadcast Bus calls this to build
// messages_sync frames rather than reading the Message Log directly.
func (c *Controller) Messages(limit int, beforeMessageID string) ([]model.Message, error) {
	c.mu.Lock()
	if c.liveHeadSet {
		head := c.liveHead
		c.mu.Unlock()
		return head, nil
	}
	c.mu.Unlock()
	return c.log.Read(c.sessionID, c.worktreeID, limit, beforeMessageID)
}

func (c *Controller) setWorktreeStatus(status model.WorktreeStatus) {
	wt, ok, err := c.store.GetWorktree(c.sessionID, c.worktreeID)
	if err != nil || !ok {
		return
	}
	wt.Status = status
	wt.LastActivityAt = time.Now().UTC()
	_ = c.store.PutWorktree(wt)
}
