// Package models provides the domain types shared by Sven's Control
// Service, Turn Engine, Task Router and Submission Pipeline.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a message in a session's history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageContent is the sealed union of content a Message can carry.
// A Message holds exactly one variant; callers type-switch on it.
type MessageContent interface {
	isMessageContent()
}

// TextContent is plain text content (the common case for user/assistant
// turns that carry no attachments or tool traffic).
type TextContent struct {
	Text string `json:"text"`
}

func (TextContent) isMessageContent() {}

// PartsContent is ordered multi-modal content: interleaved text and
// attachments, used when a user turn includes images or files.
type PartsContent struct {
	Parts []ContentPart `json:"parts"`
}

func (PartsContent) isMessageContent() {}

// ContentPart is one element of a PartsContent message.
type ContentPart struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// ToolCallContent is an assistant turn requesting a tool invocation.
type ToolCallContent struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (ToolCallContent) isMessageContent() {}

// ToolResultContent is the result of a tool invocation fed back to the
// model on the next turn.
type ToolResultContent struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

func (ToolResultContent) isMessageContent() {}

// Attachment is a file reference attached to a PartsContent part. Size
// and MimeType are advisory, supplied by whichever surface (TUI, P2P
// task payload) produced the attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one turn of a session's history. Exactly one of Content's
// concrete types applies for a given Role: RoleUser/RoleAssistant carry
// TextContent or PartsContent, tool-calling assistant turns carry
// ToolCallContent, and RoleTool carries ToolResultContent.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   MessageContent `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// contentKind tags MessageContent's concrete type for JSON round-trips,
// since encoding/json cannot decode into an interface field on its own.
type contentKind string

const (
	contentKindText       contentKind = "text"
	contentKindParts      contentKind = "parts"
	contentKindToolCall   contentKind = "tool_call"
	contentKindToolResult contentKind = "tool_result"
)

type wireMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      Role            `json:"role"`
	Kind      contentKind     `json:"content_kind"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// MarshalJSON tags Content with its concrete kind so UnmarshalJSON can
// reconstruct the correct MessageContent variant.
func (m Message) MarshalJSON() ([]byte, error) {
	var kind contentKind
	switch m.Content.(type) {
	case TextContent, *TextContent:
		kind = contentKindText
	case PartsContent, *PartsContent:
		kind = contentKindParts
	case ToolCallContent, *ToolCallContent:
		kind = contentKindToolCall
	case ToolResultContent, *ToolResultContent:
		kind = contentKindToolResult
	}
	raw, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		ID: m.ID, SessionID: m.SessionID, Role: m.Role,
		Kind: kind, Content: raw, CreatedAt: m.CreatedAt,
	})
}

// UnmarshalJSON reconstructs the concrete MessageContent variant from
// its tagged kind.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.ID, m.SessionID, m.Role, m.CreatedAt = w.ID, w.SessionID, w.Role, w.CreatedAt

	switch w.Kind {
	case contentKindText:
		var c TextContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		m.Content = c
	case contentKindParts:
		var c PartsContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		m.Content = c
	case contentKindToolCall:
		var c ToolCallContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		m.Content = c
	case contentKindToolResult:
		var c ToolResultContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		m.Content = c
	}
	return nil
}

// ApproxContentChars estimates the character footprint of a message's
// content for token-budget heuristics (compaction, context packing).
func (m *Message) ApproxContentChars() int {
	if m == nil || m.Content == nil {
		return 0
	}
	switch c := m.Content.(type) {
	case TextContent:
		return len(c.Text)
	case *TextContent:
		return len(c.Text)
	case PartsContent:
		n := 0
		for _, p := range c.Parts {
			n += len(p.Text)
			if p.Attachment != nil {
				n += len(p.Attachment.Filename) + 64
			}
		}
		return n
	case *PartsContent:
		n := 0
		for _, p := range c.Parts {
			n += len(p.Text)
			if p.Attachment != nil {
				n += len(p.Attachment.Filename) + 64
			}
		}
		return n
	case ToolCallContent:
		return len(c.Name) + len(c.Input)
	case *ToolCallContent:
		return len(c.Name) + len(c.Input)
	case ToolResultContent:
		return len(c.Content)
	case *ToolResultContent:
		return len(c.Content)
	default:
		return 0
	}
}

// Text returns the flattened text of the message content, joining
// PartsContent text parts with a blank line. It returns "" for
// ToolCallContent/ToolResultContent, which callers must handle via a
// type switch when they need the tool envelope itself.
func (m *Message) Text() string {
	if m == nil || m.Content == nil {
		return ""
	}
	switch c := m.Content.(type) {
	case TextContent:
		return c.Text
	case *TextContent:
		return c.Text
	case PartsContent:
		out := ""
		for _, p := range c.Parts {
			if p.Text == "" {
				continue
			}
			if out != "" {
				out += "\n\n"
			}
			out += p.Text
		}
		return out
	case *PartsContent:
		out := ""
		for _, p := range c.Parts {
			if p.Text == "" {
				continue
			}
			if out != "" {
				out += "\n\n"
			}
			out += p.Text
		}
		return out
	default:
		return ""
	}
}
