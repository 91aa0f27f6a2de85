package config

import "time"

// RouterConfig configures P2P task admission control (spec.md §4.3).
type RouterConfig struct {
	// MaxConcurrentTasks bounds the number of inbound P2P tasks in flight.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// MaxDelegationDepth rejects tasks at or beyond this delegation depth.
	MaxDelegationDepth int `yaml:"max_delegation_depth"`

	// MaxDescriptionBytes bounds TaskRequest.Description size.
	MaxDescriptionBytes int `yaml:"max_description_bytes"`

	// MaxPayloadBytes bounds total TaskRequest.Payload size.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// TaskTimeout is the hard wall-clock deadline for an admitted task.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// DefaultRouterConfig returns the limits named in spec.md §4.3/§5.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxConcurrentTasks:  8,
		MaxDelegationDepth:  4,
		MaxDescriptionBytes: 16 * 1024,
		MaxPayloadBytes:     2 * 1024 * 1024,
		TaskTimeout:         15 * time.Minute,
	}
}

// SessionConfig configures session defaults (spec.md §3).
type SessionConfig struct {
	DefaultMode string `yaml:"default_mode"`

	// JournalDir is the directory append-only JSONL journals are written to.
	JournalDir string `yaml:"journal_dir"`

	// MaxHistoryMessages bounds in-memory history retained per session
	// before context compaction considers a summary.
	MaxHistoryMessages int `yaml:"max_history_messages"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DefaultMode:        "agent",
		JournalDir:         "~/.config/sven/gateway/journals",
		MaxHistoryMessages: 1000,
	}
}
