package agent

import (
	"github.com/google/uuid"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/vibe80/engine/internal/model"
)

// extractEvents converts an ACP SessionNotification into zero or more
// normalized Events. Grounded on the teacher's acp.ExtractMessages, adapted
// to emit spec.md §4.4's event kinds instead of control-plane message
// records: agent text chunks become assistant_delta (streaming only, never
// persisted — the Turn Controller synthesizes and persists the final
// assistant_message from the accumulated deltas once EventTurnCompleted
// arrives), tool calls become tool_result.
func extractEvents(notif acpsdk.SessionNotification) []Event {
	u := notif.Update
	var events []Event

	if u.AgentMessageChunk != nil {
		text := extractContentBlockText(u.AgentMessageChunk.Content)
		if text != "" {
			events = append(events, Event{Kind: EventAssistantDelta, Text: text})
		}
	}

	if u.UserMessageChunk != nil {
		text := extractContentBlockText(u.UserMessageChunk.Content)
		if text != "" {
			events = append(events, Event{Kind: EventStatus, Text: text})
		}
	}

	if u.ToolCall != nil {
		content := extractToolCallContents(u.ToolCall.Content)
		if content == "" {
			content = "(tool call)"
		}
		events = append(events, Event{
			Kind:   EventToolResult,
			ItemID: uuid.NewString(),
			Text:   content,
		})
	}

	if u.ToolCallUpdate != nil {
		content := extractToolCallContents(u.ToolCallUpdate.Content)
		if content != "" {
			events = append(events, Event{
				Kind:   EventCommandExecutionCompleted,
				ItemID: uuid.NewString(),
				Command: &model.CommandOutput{Output: content},
			})
		}
	}

	return events
}

func extractContentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

func extractToolCallContents(contents []acpsdk.ToolCallContent) string {
	var text string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			if text != "" {
				text += "\n"
			}
			text += c.Content.Content.Text.Text
		}
		if c.Diff != nil {
			if text != "" {
				text += "\n"
			}
			text += "diff: " + c.Diff.Path
		}
	}
	return text
}
