package sessions

import (
	"encoding/json"
	"testing"

	"github.com/swedishembedded/sven/pkg/models"
)

func TestJournalAppendAndLoad(t *testing.T) {
	journal := NewJournal(t.TempDir())

	msgs := []*models.Message{
		{ID: "m1", SessionID: "s1", Role: models.RoleUser, Content: models.TextContent{Text: "hi"}},
		{ID: "m2", SessionID: "s1", Role: models.RoleAssistant, Content: models.TextContent{Text: "hello"}},
		{ID: "m3", SessionID: "s1", Role: models.RoleAssistant, Content: models.ToolCallContent{ID: "tc-1", Name: "echo", Input: json.RawMessage(`{}`)}},
		{ID: "m4", SessionID: "s1", Role: models.RoleTool, Content: models.ToolResultContent{ToolCallID: "tc-1", Content: "ok"}},
	}

	for _, m := range msgs {
		if err := journal.Append(m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	loaded, err := journal.Load("s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(loaded), len(msgs))
	}
	for i, m := range loaded {
		if m.ID != msgs[i].ID {
			t.Errorf("message %d id = %q, want %q", i, m.ID, msgs[i].ID)
		}
		if m.Role != msgs[i].Role {
			t.Errorf("message %d role = %q, want %q", i, m.Role, msgs[i].Role)
		}
	}

	callContent, ok := loaded[2].Content.(models.ToolCallContent)
	if !ok {
		t.Fatalf("message 2 content = %T, want models.ToolCallContent", loaded[2].Content)
	}
	if callContent.Name != "echo" {
		t.Errorf("tool call name = %q, want %q", callContent.Name, "echo")
	}

	resultContent, ok := loaded[3].Content.(models.ToolResultContent)
	if !ok {
		t.Fatalf("message 3 content = %T, want models.ToolResultContent", loaded[3].Content)
	}
	if resultContent.Content != "ok" {
		t.Errorf("tool result content = %q, want %q", resultContent.Content, "ok")
	}
}

func TestJournalLoadMissingSessionReturnsNil(t *testing.T) {
	journal := NewJournal(t.TempDir())

	loaded, err := journal.Load("does-not-exist")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil for missing journal, got %v", loaded)
	}
}

func TestJournalAppendNilMessage(t *testing.T) {
	journal := NewJournal(t.TempDir())
	if err := journal.Append(nil); err == nil {
		t.Fatal("expected error appending nil message")
	}
}

func TestJournalSeparatesSessions(t *testing.T) {
	journal := NewJournal(t.TempDir())

	_ = journal.Append(&models.Message{ID: "a1", SessionID: "sess-a", Role: models.RoleUser, Content: models.TextContent{Text: "a"}})
	_ = journal.Append(&models.Message{ID: "b1", SessionID: "sess-b", Role: models.RoleUser, Content: models.TextContent{Text: "b"}})

	a, err := journal.Load("sess-a")
	if err != nil {
		t.Fatalf("Load(sess-a) error = %v", err)
	}
	if len(a) != 1 || a[0].ID != "a1" {
		t.Fatalf("expected only sess-a's message, got %+v", a)
	}

	b, err := journal.Load("sess-b")
	if err != nil {
		t.Fatalf("Load(sess-b) error = %v", err)
	}
	if len(b) != 1 || b[0].ID != "b1" {
		t.Fatalf("expected only sess-b's message, got %+v", b)
	}
}
