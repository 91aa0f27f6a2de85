package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessage_TextContent(t *testing.T) {
	m := &Message{
		ID:        "m1",
		SessionID: "s1",
		Role:      RoleUser,
		Content:   TextContent{Text: "hello"},
		CreatedAt: time.Now(),
	}
	if got := m.Text(); got != "hello" {
		t.Errorf("Text() = %q, want %q", got, "hello")
	}
	if got := m.ApproxContentChars(); got != 5 {
		t.Errorf("ApproxContentChars() = %d, want 5", got)
	}
}

func TestMessage_PartsContent(t *testing.T) {
	m := &Message{
		Role: RoleUser,
		Content: PartsContent{Parts: []ContentPart{
			{Text: "look at this"},
			{Attachment: &Attachment{ID: "a1", Type: "image", Filename: "screenshot.png"}},
		}},
	}
	if got := m.Text(); got != "look at this" {
		t.Errorf("Text() = %q, want %q", got, "look at this")
	}
	if m.ApproxContentChars() <= len("look at this") {
		t.Error("ApproxContentChars() should account for the attachment")
	}
}

func TestMessage_ToolCallContent_TextIsEmpty(t *testing.T) {
	m := &Message{
		Role:    RoleAssistant,
		Content: ToolCallContent{ID: "call1", Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
	}
	if got := m.Text(); got != "" {
		t.Errorf("Text() = %q, want empty for ToolCallContent", got)
	}
	if m.ApproxContentChars() == 0 {
		t.Error("ApproxContentChars() should not be zero for a tool call")
	}
}

func TestMessage_ToolResultContent(t *testing.T) {
	m := &Message{
		Role:    RoleTool,
		Content: ToolResultContent{ToolCallID: "call1", Content: "file contents"},
	}
	if got := m.ApproxContentChars(); got != len("file contents") {
		t.Errorf("ApproxContentChars() = %d, want %d", got, len("file contents"))
	}
}

func TestMessage_NilSafe(t *testing.T) {
	var m *Message
	if got := m.Text(); got != "" {
		t.Errorf("Text() on nil Message = %q, want empty", got)
	}
	if got := m.ApproxContentChars(); got != 0 {
		t.Errorf("ApproxContentChars() on nil Message = %d, want 0", got)
	}
}

func TestStagedOverrides_Apply(t *testing.T) {
	model := "claude-opus"
	overrides := &StagedOverrides{Model: &model}

	gotModel, gotMode, changed := overrides.Apply("claude-sonnet", "chat")
	if !changed {
		t.Error("Apply() changed = false, want true")
	}
	if gotModel != "claude-opus" {
		t.Errorf("gotModel = %q, want %q", gotModel, "claude-opus")
	}
	if gotMode != "chat" {
		t.Errorf("gotMode = %q, want unchanged %q", gotMode, "chat")
	}
}

func TestStagedOverrides_ApplyNil(t *testing.T) {
	var overrides *StagedOverrides
	gotModel, gotMode, changed := overrides.Apply("m", "mode")
	if changed {
		t.Error("Apply() on nil overrides changed = true, want false")
	}
	if gotModel != "m" || gotMode != "mode" {
		t.Errorf("Apply() on nil overrides mutated values: %q, %q", gotModel, gotMode)
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	original := &Message{
		ID:        "m1",
		SessionID: "s1",
		Role:      RoleAssistant,
		Content:   ToolCallContent{ID: "call1", Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	tc, ok := decoded.Content.(ToolCallContent)
	if !ok {
		t.Fatalf("decoded Content type = %T, want ToolCallContent", decoded.Content)
	}
	if tc.ID != "call1" || tc.Name != "read_file" {
		t.Errorf("decoded tool call = %+v, want ID=call1 Name=read_file", tc)
	}
}

func TestSession_NewSessionIsIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession("sess1", "agent", now)
	if s.State != SessionIdle {
		t.Errorf("State = %q, want %q", s.State, SessionIdle)
	}
	if s.CancelToken != nil {
		t.Error("new session should not carry a CancelToken")
	}
}
