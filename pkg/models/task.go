package models

import "time"

// TaskStatus is the terminal or in-flight state of a P2P-delegated task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusRejected  TaskStatus = "rejected"
)

// TaskRequest is a task delegated to this node by a remote peer over
// the P2P transport. Description and Payload are size-guarded at
// admission (spec.md §4.3, §5): DelegationChain/DelegationDepth let the
// router detect cycles and refuse delegation beyond the configured
// depth before an isolated agent is ever constructed for the task.
type TaskRequest struct {
	ID              string       `json:"id"`
	FromPeerID      string       `json:"from_peer_id"`
	Description     string       `json:"description"`
	Payload         []Attachment `json:"payload,omitempty"`
	DelegationDepth int          `json:"delegation_depth"`
	DelegationChain []string     `json:"delegation_chain,omitempty"`
	RequestedAt     time.Time    `json:"requested_at"`
}

// TaskResponse is the result a delegated task's isolated agent produced,
// returned to the requesting peer.
type TaskResponse struct {
	TaskID     string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}

// AgentCard is the capability advertisement a node presents to peers
// during pairing and task negotiation (spec.md §6 "sven:// pairing
// URI").
type AgentCard struct {
	PeerID       string   `json:"peer_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}
