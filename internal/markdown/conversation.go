package markdown

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/swedishembedded/sven/pkg/models"
)

// Flavor selects which heading style the conversation codec reads and
// writes (spec.md §4.5): Section is the `## User`/`## Sven`/`## Tool`/
// `## Tool Result` style used for saved transcripts, Buffer is the
// `**You:**`/`**Agent:**`/`**Agent:tool_call:<id>**`/`**Tool:<id>**`
// style used by the embedded editor's scratch buffer.
type Flavor string

const (
	FlavorSection Flavor = "section"
	FlavorBuffer  Flavor = "buffer"
)

// ErrorKind tags a conversation parse failure so callers can branch on
// it without string-matching Error().
type ErrorKind string

const (
	// OrphanedToolResult is a Tool Result section with no preceding,
	// still-unresolved Tool call to attach it to.
	OrphanedToolResult ErrorKind = "orphaned_tool_result"
	// InvalidToolJson is a Tool section whose fenced json block failed
	// to parse.
	InvalidToolJson ErrorKind = "invalid_tool_json"
	// MissingToolJson is a Tool section with no fenced json block at
	// all.
	MissingToolJson ErrorKind = "missing_tool_json"
)

// ParseError reports a structural problem found while parsing a
// conversation document.
type ParseError struct {
	Kind    ErrorKind
	Details string
}

func (e *ParseError) Error() string {
	if e.Details == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Details)
}

// Conversation is the round-trip unit this codec serializes/parses:
// `Parse(Serialize(x)) == x` for any Conversation x (spec.md §4.5).
type Conversation struct {
	History []*models.Message

	// PendingUserInput is a trailing User section with no matching
	// response yet — returned separately rather than folded into
	// History (spec.md §4.5 "pending-input rule").
	PendingUserInput string
}

// toolEnvelope is the fenced-json payload a Tool section/marker
// carries.
type toolEnvelope struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
}

var sectionHeadingRegex = regexp.MustCompile(`^##\s+(User|Sven|Tool Result|Tool)\s*$`)
var bufferUserRegex = regexp.MustCompile(`^\*\*You:\*\*\s?(.*)$`)
var bufferAgentRegex = regexp.MustCompile(`^\*\*Agent:\*\*\s?(.*)$`)
var bufferToolCallRegex = regexp.MustCompile(`^\*\*Agent:tool_call:([^*]+)\*\*\s*$`)
var bufferToolResultRegex = regexp.MustCompile(`^\*\*Tool:([^*]+)\*\*\s*$`)

// block is one raw chunk of a conversation document: a heading/marker
// kind, the ID it carries (buffer flavor tool markers only), and the
// lines belonging to it.
type block struct {
	kind string // "User", "Sven", "Tool", "Tool Result"
	id   string // tool_call_id, buffer flavor only
	body []string
}

// Serialize renders conv in the given flavor.
func Serialize(conv *Conversation, flavor Flavor) string {
	var b strings.Builder
	for _, msg := range conv.History {
		writeMessage(&b, msg, flavor)
	}
	if strings.TrimSpace(conv.PendingUserInput) != "" {
		writeHeading(&b, "User", "", flavor)
		b.WriteString(conv.PendingUserInput)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeMessage(b *strings.Builder, msg *models.Message, flavor Flavor) {
	switch c := msg.Content.(type) {
	case models.TextContent:
		kind := "Sven"
		if msg.Role == models.RoleUser {
			kind = "User"
		}
		writeHeading(b, kind, "", flavor)
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	case models.ToolCallContent:
		writeHeading(b, "Tool", c.ID, flavor)
		raw, _ := json.MarshalIndent(toolEnvelope{ToolCallID: c.ID, Name: c.Name, Args: c.Input}, "", "  ")
		b.WriteString("```json\n")
		b.Write(raw)
		b.WriteString("\n```\n\n")
	case models.ToolResultContent:
		writeHeading(b, "Tool Result", c.ToolCallID, flavor)
		b.WriteString("```\n")
		b.WriteString(c.Content)
		b.WriteString("\n```\n\n")
	}
}

func writeHeading(b *strings.Builder, kind, id string, flavor Flavor) {
	switch flavor {
	case FlavorBuffer:
		switch kind {
		case "User":
			b.WriteString("**You:** ")
		case "Sven":
			b.WriteString("**Agent:** ")
		case "Tool":
			fmt.Fprintf(b, "**Agent:tool_call:%s**\n", id)
		case "Tool Result":
			fmt.Fprintf(b, "**Tool:%s**\n", id)
		}
	default:
		fmt.Fprintf(b, "## %s\n\n", kind)
	}
}

// Parse reads a conversation document in the given flavor.
func Parse(text string, flavor Flavor) (*Conversation, error) {
	var blocks []block
	if flavor == FlavorBuffer {
		blocks = splitBufferBlocks(text)
	} else {
		blocks = splitSectionBlocks(text)
	}

	conv := &Conversation{}
	openToolCalls := make(map[string]bool) // tool_call_id -> still unresolved
	var lastOpenID string

	for i, blk := range blocks {
		body := strings.Join(blk.body, "\n")
		switch blk.kind {
		case "User":
			trimmed := trimBlankEdges(body)
			if i == len(blocks)-1 {
				conv.PendingUserInput = trimmed
				continue
			}
			conv.History = append(conv.History, &models.Message{
				Role:    models.RoleUser,
				Content: models.TextContent{Text: trimmed},
			})
		case "Sven":
			conv.History = append(conv.History, &models.Message{
				Role:    models.RoleAssistant,
				Content: models.TextContent{Text: trimBlankEdges(body)},
			})
		case "Tool":
			fenced, ok := extractFence(body, "json")
			if !ok {
				return nil, &ParseError{Kind: MissingToolJson, Details: fmt.Sprintf("section %d", i)}
			}
			var env toolEnvelope
			if err := json.Unmarshal([]byte(fenced), &env); err != nil {
				return nil, &ParseError{Kind: InvalidToolJson, Details: err.Error()}
			}
			id := env.ToolCallID
			if blk.id != "" {
				id = blk.id
			}
			openToolCalls[id] = true
			lastOpenID = id
			conv.History = append(conv.History, &models.Message{
				Role:    models.RoleAssistant,
				Content: models.ToolCallContent{ID: id, Name: env.Name, Input: env.Args},
			})
		case "Tool Result":
			fenced, _ := extractFence(body, "")
			id := blk.id
			if id == "" {
				id = lastOpenID
			}
			if id == "" || !openToolCalls[id] {
				return nil, &ParseError{Kind: OrphanedToolResult, Details: fmt.Sprintf("tool_call_id=%q", id)}
			}
			delete(openToolCalls, id)
			conv.History = append(conv.History, &models.Message{
				Role:    models.RoleTool,
				Content: models.ToolResultContent{ToolCallID: id, Content: fenced},
			})
		}
	}

	return conv, nil
}

// splitSectionBlocks groups lines by `## User`/`## Sven`/`## Tool`/
// `## Tool Result` headings. Any other `##`-prefixed line is kept as
// literal content of whatever section is currently open, per spec.md
// §4.5's "unknown headings kept as literal content" rule.
func splitSectionBlocks(text string) []block {
	var blocks []block
	var cur *block

	for _, line := range strings.Split(text, "\n") {
		if m := sectionHeadingRegex.FindStringSubmatch(line); m != nil {
			if cur != nil {
				blocks = append(blocks, *cur)
			}
			cur = &block{kind: m[1]}
			continue
		}
		if cur != nil {
			cur.body = append(cur.body, line)
		}
	}
	if cur != nil {
		blocks = append(blocks, *cur)
	}
	return blocks
}

// splitBufferBlocks groups lines by the editor-buffer marker style,
// where tool markers carry their ID directly in the marker line.
func splitBufferBlocks(text string) []block {
	var blocks []block
	var cur *block

	flush := func() {
		if cur != nil {
			blocks = append(blocks, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case bufferUserRegex.MatchString(line):
			flush()
			m := bufferUserRegex.FindStringSubmatch(line)
			cur = &block{kind: "User", body: []string{m[1]}}
		case bufferAgentRegex.MatchString(line):
			flush()
			m := bufferAgentRegex.FindStringSubmatch(line)
			cur = &block{kind: "Sven", body: []string{m[1]}}
		case bufferToolCallRegex.MatchString(line):
			flush()
			m := bufferToolCallRegex.FindStringSubmatch(line)
			cur = &block{kind: "Tool", id: strings.TrimSpace(m[1])}
		case bufferToolResultRegex.MatchString(line):
			flush()
			m := bufferToolResultRegex.FindStringSubmatch(line)
			cur = &block{kind: "Tool Result", id: strings.TrimSpace(m[1])}
		default:
			if cur != nil {
				cur.body = append(cur.body, line)
			}
		}
	}
	flush()
	return blocks
}

// extractFence returns the content of the first fenced code block in
// body (optionally requiring a specific language tag), and whether one
// was found. Content outside a fence is ignored for Tool/Tool Result
// sections — spec.md §4.5 takes only the fenced payload for those.
func extractFence(body, lang string) (string, bool) {
	lines := strings.Split(body, "\n")
	open := "```"
	if lang != "" {
		open = "```" + lang
	}
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == open || (lang == "" && strings.HasPrefix(strings.TrimSpace(line), "```")) {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}
	var content []string
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "```" {
			return strings.Join(content, "\n"), true
		}
		content = append(content, lines[i])
	}
	return "", false
}

func trimBlankEdges(s string) string {
	lines := strings.Split(s, "\n")
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}
