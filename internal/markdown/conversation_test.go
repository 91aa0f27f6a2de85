package markdown

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/swedishembedded/sven/pkg/models"
)

func sampleConversation() *Conversation {
	return &Conversation{
		History: []*models.Message{
			{Role: models.RoleUser, Content: models.TextContent{Text: "What's the weather in Gothenburg?"}},
			{Role: models.RoleAssistant, Content: models.ToolCallContent{
				ID: "call-1", Name: "get_weather", Input: json.RawMessage(`{"city":"Gothenburg"}`),
			}},
			{Role: models.RoleTool, Content: models.ToolResultContent{
				ToolCallID: "call-1", Content: "14C, overcast",
			}},
			{Role: models.RoleAssistant, Content: models.TextContent{Text: "It's 14C and overcast in Gothenburg.\n\nAnything else?"}},
		},
	}
}

func assertArgsEqual(t *testing.T, a, b json.RawMessage) {
	t.Helper()
	var am, bm map[string]any
	if err := json.Unmarshal(a, &am); err != nil {
		t.Fatalf("unmarshal a: %v", err)
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		t.Fatalf("unmarshal b: %v", err)
	}
	if len(am) != len(bm) {
		t.Fatalf("arg maps differ: %v vs %v", am, bm)
	}
	for k, v := range am {
		if bm[k] != v {
			t.Fatalf("arg %q differs: %v vs %v", k, v, bm[k])
		}
	}
}

func TestSectionRoundTrip(t *testing.T) {
	conv := sampleConversation()
	doc := Serialize(conv, FlavorSection)

	got, err := Parse(doc, FlavorSection)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.History) != len(conv.History) {
		t.Fatalf("expected %d messages, got %d", len(conv.History), len(got.History))
	}
	for i, msg := range got.History {
		want := conv.History[i]
		if msg.Role != want.Role {
			t.Fatalf("message %d: role mismatch %v vs %v", i, msg.Role, want.Role)
		}
		switch wc := want.Content.(type) {
		case models.TextContent:
			gc, ok := msg.Content.(models.TextContent)
			if !ok || gc.Text != wc.Text {
				t.Fatalf("message %d: text mismatch %+v vs %+v", i, msg.Content, want.Content)
			}
		case models.ToolCallContent:
			gc, ok := msg.Content.(models.ToolCallContent)
			if !ok || gc.ID != wc.ID || gc.Name != wc.Name {
				t.Fatalf("message %d: tool call mismatch %+v vs %+v", i, msg.Content, want.Content)
			}
			assertArgsEqual(t, gc.Input, wc.Input)
		case models.ToolResultContent:
			gc, ok := msg.Content.(models.ToolResultContent)
			if !ok || gc.ToolCallID != wc.ToolCallID || gc.Content != wc.Content {
				t.Fatalf("message %d: tool result mismatch %+v vs %+v", i, msg.Content, want.Content)
			}
		}
	}
}

func TestBufferRoundTrip(t *testing.T) {
	conv := sampleConversation()
	doc := Serialize(conv, FlavorBuffer)

	if !strings.Contains(doc, "**You:**") || !strings.Contains(doc, "**Agent:tool_call:call-1**") {
		t.Fatalf("expected buffer-flavor markers, got: %s", doc)
	}

	got, err := Parse(doc, FlavorBuffer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.History) != len(conv.History) {
		t.Fatalf("expected %d messages, got %d", len(conv.History), len(got.History))
	}
}

func TestPendingUserInput(t *testing.T) {
	doc := "## User\n\nHello there\n\n## Sven\n\nHi! How can I help?\n\n## User\n\nOne more question\n"

	got, err := Parse(doc, FlavorSection)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.History) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(got.History))
	}
	if got.PendingUserInput != "One more question" {
		t.Fatalf("expected pending input, got %q", got.PendingUserInput)
	}
}

func TestOrphanedToolResultError(t *testing.T) {
	doc := "## Tool Result\n\n```\nsome output\n```\n"

	_, err := Parse(doc, FlavorSection)
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != OrphanedToolResult {
		t.Fatalf("expected OrphanedToolResult error, got %v", err)
	}
}

func TestMissingToolJsonError(t *testing.T) {
	doc := "## Tool\n\nno fenced block here\n"

	_, err := Parse(doc, FlavorSection)
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != MissingToolJson {
		t.Fatalf("expected MissingToolJson error, got %v", err)
	}
}

func TestInvalidToolJsonError(t *testing.T) {
	doc := "## Tool\n\n```json\n{not valid json\n```\n"

	_, err := Parse(doc, FlavorSection)
	pe, ok := err.(*ParseError)
	if !ok || pe.Kind != InvalidToolJson {
		t.Fatalf("expected InvalidToolJson error, got %v", err)
	}
}

func TestUnknownHeadingKeptLiteral(t *testing.T) {
	doc := "## User\n\nSome text\n### Subheading\nmore text\n\n## Sven\n\nok\n"

	got, err := Parse(doc, FlavorSection)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	userText := got.History[0].Content.(models.TextContent).Text
	if !strings.Contains(userText, "### Subheading") {
		t.Fatalf("expected unknown heading kept as literal content, got %q", userText)
	}
}
