package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swedishembedded/sven/pkg/models"
)

// CompactionStrategy selects how a compacted prefix of history is
// summarized. The concrete summarization policy is external per
// spec.md §9 Open Questions; the engine only enforces that exactly one
// strategy is chosen and recorded on the emitted event.
type CompactionStrategy string

const (
	StrategyStructured CompactionStrategy = "structured"
	StrategyNarrative  CompactionStrategy = "narrative"
	StrategyEmergency  CompactionStrategy = "emergency"
)

// CompactionConfig configures when and how context compaction fires
// (spec.md §4.1 "Context compaction", §9 Open Question #1).
type CompactionConfig struct {
	// Enabled turns on automatic compaction monitoring.
	Enabled bool

	// TokenThreshold triggers compaction once estimated usage crosses it.
	TokenThreshold int

	// Strategy is the default strategy attempted first.
	Strategy CompactionStrategy

	// Summarize produces the summary message that replaces a truncated
	// history prefix. Callers provide the model-backed implementation;
	// the engine only calls it with the prefix to be dropped.
	Summarize func(ctx context.Context, prefix []*models.Message, strategy CompactionStrategy) (*models.Message, error)

	// EstimateTokens estimates the token cost of a history. Defaults to
	// a character-based heuristic if nil.
	EstimateTokens func(history []*models.Message) int
}

// DefaultCompactionConfig returns the Structured-at-80%-threshold policy
// decided in SPEC_FULL.md §9 Open Question #1.
func DefaultCompactionConfig(contextWindowTokens int) *CompactionConfig {
	threshold := contextWindowTokens * 80 / 100
	if threshold <= 0 {
		threshold = 6400
	}
	return &CompactionConfig{
		Enabled:        true,
		TokenThreshold: threshold,
		Strategy:       StrategyStructured,
	}
}

// CompactionEvent is the payload of the ContextCompacted turn event.
type CompactionEvent struct {
	Before   int
	After    int
	Strategy CompactionStrategy
	Turn     int
}

// CompactionManager decides, per session, whether a turn's history
// needs to be compacted before the next LLM call, and performs the
// prefix-replace-with-summary operation.
type CompactionManager struct {
	mu     sync.Mutex
	config *CompactionConfig
	turns  map[string]int
}

func NewCompactionManager(config *CompactionConfig) *CompactionManager {
	if config == nil {
		config = DefaultCompactionConfig(0)
	}
	return &CompactionManager{config: config, turns: make(map[string]int)}
}

func (m *CompactionManager) estimate(history []*models.Message) int {
	if m.config.EstimateTokens != nil {
		return m.config.EstimateTokens(history)
	}
	chars := 0
	for _, msg := range history {
		chars += msg.ApproxContentChars()
	}
	// ~4 chars/token, the teacher's own char-budget heuristic generalized.
	return chars / 4
}

// MaybeCompact inspects history and, if it exceeds config.TokenThreshold,
// replaces a contiguous prefix with a synthesized summary message.
// Returns the (possibly unmodified) history and a non-nil *CompactionEvent
// only when compaction actually occurred.
func (m *CompactionManager) MaybeCompact(ctx context.Context, sessionID string, history []*models.Message) ([]*models.Message, *CompactionEvent, error) {
	if !m.config.Enabled || m.config.Summarize == nil {
		return history, nil, nil
	}
	before := m.estimate(history)
	if before < m.config.TokenThreshold {
		return history, nil, nil
	}

	m.mu.Lock()
	m.turns[sessionID]++
	turn := m.turns[sessionID]
	m.mu.Unlock()

	strategy := m.config.Strategy
	// Escalate to Emergency when Structured/Narrative would not free
	// enough headroom for the next turn: more than half the history
	// would need to be kept to stay informative, so drop aggressively.
	keep := len(history) / 4
	if keep < 2 {
		keep = 2
	}
	if len(history)-keep < len(history)/2 {
		strategy = StrategyEmergency
		keep = 1
	}
	if keep >= len(history) {
		return history, nil, nil
	}

	prefix := history[:len(history)-keep]
	tail := history[len(history)-keep:]

	summary, err := m.config.Summarize(ctx, prefix, strategy)
	if err != nil {
		return history, nil, fmt.Errorf("compaction summarize: %w", err)
	}

	compacted := make([]*models.Message, 0, 1+len(tail))
	compacted = append(compacted, summary)
	compacted = append(compacted, tail...)

	after := m.estimate(compacted)
	return compacted, &CompactionEvent{Before: before, After: after, Strategy: strategy, Turn: turn}, nil
}

// Reset clears compaction bookkeeping for a session (on session close).
func (m *CompactionManager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
}

// CompactionEventTimestamp is exposed for callers that journal the
// ContextCompacted record with a wall-clock timestamp.
func CompactionEventTimestamp() time.Time { return time.Now() }
