package models

import "time"

// ChatSegment is one renderable unit of the TUI's transcript view. A
// turn produces a sequence of segments as it streams: message text,
// interleaved thinking, a compaction notice, or a terminal error — each
// rendered distinctly rather than folded into plain message history
// (spec.md §3, §4.4).
type ChatSegment interface {
	isChatSegment()
}

// MessageChatSegment wraps a completed or in-progress Message.
type MessageChatSegment struct {
	Message *Message `json:"message"`
}

func (MessageChatSegment) isChatSegment() {}

// ThinkingChatSegment carries a model's intermediate reasoning, shown
// collapsed by default in the TUI.
type ThinkingChatSegment struct {
	Text   string `json:"text"`
	Turn   int    `json:"turn"`
}

func (ThinkingChatSegment) isChatSegment() {}

// ContextCompactedChatSegment reports that MaybeCompact ran during this
// turn, for transparency in the transcript.
type ContextCompactedChatSegment struct {
	Before   int    `json:"before"`
	After    int    `json:"after"`
	Strategy string `json:"strategy"`
}

func (ContextCompactedChatSegment) isChatSegment() {}

// ErrorChatSegment reports a terminal turn failure (provider error,
// tool execution failure that aborted the turn, cancellation).
type ErrorChatSegment struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (ErrorChatSegment) isChatSegment() {}
