package models

import "time"

// SessionState is a session's position in the Idle/Running/Completed/
// Cancelled state machine (spec.md §3).
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionRunning   SessionState = "running"
	SessionCompleted SessionState = "completed"
	SessionCancelled SessionState = "cancelled"
)

// CancelToken is a single-shot cancellation handle. Once issued it
// identifies exactly one in-flight turn; firing it more than once, or
// firing it after the turn already finished, is a no-op at the call
// site that holds the corresponding channel (internal/control owns the
// actual chan struct{} this token maps to — Session only carries the
// opaque identifier so it can be serialized into status snapshots).
type CancelToken string

// ApprovalPromise is the pending state of a tool call suspended on
// operator approval. Resolve is filled in by the Control Service when
// the approval/denial arrives; ChatSegments referencing this call stay
// unresolved in history until then.
type ApprovalPromise struct {
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Input      string    `json:"input"`
	RequestedAt time.Time `json:"requested_at"`
}

// Session is one agent conversation thread tracked by the Control
// Service. A session is Idle between turns, Running while a turn is
// in flight, and terminally Completed or Cancelled.
type Session struct {
	ID      string       `json:"id"`
	Mode    string       `json:"mode"`
	State   SessionState `json:"state"`

	// WorkingDir is the filesystem root tools in this session operate
	// against, if the mode binds one (e.g. "code" mode).
	WorkingDir *string `json:"working_dir,omitempty"`

	// CancelToken is set only while State == SessionRunning.
	CancelToken *CancelToken `json:"cancel_token,omitempty"`

	// PendingToolApprovals holds tool calls awaiting an operator
	// decision, keyed by tool call ID.
	PendingToolApprovals map[string]*ApprovalPromise `json:"pending_tool_approvals,omitempty"`

	History []*Message `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an Idle session in the given mode.
func NewSession(id, mode string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Mode:      mode,
		State:     SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StagedOverrides holds model/mode overrides the TUI has staged but not
// yet applied — they take effect atomically on the next submission
// (spec.md §4.4).
type StagedOverrides struct {
	Model *string `json:"model,omitempty"`
	Mode  *string `json:"mode,omitempty"`
}

// Apply returns a copy of base with any non-nil staged fields
// overlaid, and reports whether anything was staged.
func (s *StagedOverrides) Apply(model, mode string) (string, string, bool) {
	if s == nil {
		return model, mode, false
	}
	changed := false
	if s.Model != nil {
		model = *s.Model
		changed = true
	}
	if s.Mode != nil {
		mode = *s.Mode
		changed = true
	}
	return model, mode, changed
}

// QueuedMessage is a submission waiting in the TUI's send queue because
// a turn was already in flight when it was entered (spec.md §4.4
// enqueue-or-send).
type QueuedMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Content   MessageContent  `json:"content"`
	Overrides StagedOverrides `json:"overrides,omitempty"`
	QueuedAt  time.Time       `json:"queued_at"`
}
