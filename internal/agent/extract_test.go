package agent

import (
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
)

func TestExtractEvents_UserMessageChunk(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			UserMessageChunk: &acpsdk.SessionUpdateUserMessageChunk{
				Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: "hello"}},
			},
		},
	}
	events := extractEvents(notif)
	if len(events) != 1 || events[0].Kind != EventStatus || events[0].Text != "hello" {
		t.Fatalf("got %+v", events)
	}
}

func TestExtractEvents_AssistantMessageChunk(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			AgentMessageChunk: &acpsdk.SessionUpdateAgentMessageChunk{
				Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: "I can help"}},
			},
		},
	}
	events := extractEvents(notif)
	if len(events) != 1 || events[0].Kind != EventAssistantDelta || events[0].Text != "I can help" {
		t.Fatalf("got %+v", events)
	}
}

func TestExtractEvents_UserChunk_EmptyTextIgnored(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			UserMessageChunk: &acpsdk.SessionUpdateUserMessageChunk{
				Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: ""}},
			},
		},
	}
	if events := extractEvents(notif); len(events) != 0 {
		t.Fatalf("expected no events for empty text, got %+v", events)
	}
}

func TestExtractEvents_ToolCall_FallbackLabel(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCall: &acpsdk.SessionUpdateToolCall{Kind: acpsdk.ToolKindExecute},
		},
	}
	events := extractEvents(notif)
	if len(events) != 1 || events[0].Kind != EventToolResult || events[0].Text != "(tool call)" {
		t.Fatalf("got %+v", events)
	}
	if events[0].ItemID == "" {
		t.Fatal("expected non-empty ItemID")
	}
}

func TestExtractEvents_ToolCall_WithContent(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCall: &acpsdk.SessionUpdateToolCall{
				Kind: acpsdk.ToolKindRead,
				Content: []acpsdk.ToolCallContent{
					{Content: &acpsdk.ToolCallContentContent{
						Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: "file contents"}},
					}},
				},
			},
		},
	}
	events := extractEvents(notif)
	if len(events) != 1 || events[0].Text != "file contents" {
		t.Fatalf("got %+v", events)
	}
}

func TestExtractEvents_ToolCallDiff(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCall: &acpsdk.SessionUpdateToolCall{
				Kind: acpsdk.ToolKindEdit,
				Content: []acpsdk.ToolCallContent{
					{Diff: &acpsdk.ToolCallContentDiff{Path: "/src/main.go", NewText: "new content"}},
				},
			},
		},
	}
	events := extractEvents(notif)
	if len(events) != 1 || events[0].Text != "diff: /src/main.go" {
		t.Fatalf("got %+v", events)
	}
}

func TestExtractEvents_ToolCallUpdate_WithContent(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCallUpdate: &acpsdk.SessionToolCallUpdate{
				Content: []acpsdk.ToolCallContent{
					{Content: &acpsdk.ToolCallContentContent{
						Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: "done"}},
					}},
				},
			},
		},
	}
	events := extractEvents(notif)
	if len(events) != 1 || events[0].Kind != EventCommandExecutionCompleted {
		t.Fatalf("got %+v", events)
	}
	if events[0].Command == nil || events[0].Command.Output != "done" {
		t.Fatalf("got command %+v", events[0].Command)
	}
}

func TestExtractEvents_ToolCallUpdate_NoContentProducesNoEvent(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCallUpdate: &acpsdk.SessionToolCallUpdate{},
		},
	}
	if events := extractEvents(notif); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestExtractEvents_EmptyNotification(t *testing.T) {
	notif := acpsdk.SessionNotification{SessionId: "sess-1", Update: acpsdk.SessionUpdate{}}
	if events := extractEvents(notif); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}
