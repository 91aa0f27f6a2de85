package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/swedishembedded/sven/internal/jobs"
	"github.com/swedishembedded/sven/internal/sessions"
	"github.com/swedishembedded/sven/pkg/models"
)

// Tool execution and response streaming limits that bound a single turn,
// independent of the per-run iteration/tool-call caps in LoopConfig.
const (
	maxConcurrentJobs        = 8
	processBufferSize        = 64
	MaxResponseTextSize      = 4 << 20 // 4MiB
	MaxToolCallsPerIteration = 64
)

// LoopConfig configures the agentic loop behavior including iteration limits,
// token budgets, and tool execution settings.
type LoopConfig struct {
	// MaxIterations limits the number of tool use iterations
	// Default: 10
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses
	// Default: 4096
	MaxTokens int

	// MaxToolCalls limits the total tool calls per run (0 = unlimited)
	// Default: 0
	MaxToolCalls int

	// MaxWallTime limits total run duration (0 = no limit)
	// Default: 0
	MaxWallTime time.Duration

	// ExecutorConfig configures the parallel tool executor
	ExecutorConfig *ExecutorConfig

	// EnableBackpressure enables backpressure handling for slow tools
	// Default: true
	EnableBackpressure bool

	// StreamToolResults streams tool results as they complete
	// Default: true
	StreamToolResults bool

	// DisableToolEvents disables streaming ToolEvent chunks
	// Default: false
	DisableToolEvents bool

	// RequireApproval lists tool names/patterns that require approval.
	RequireApproval []string

	// ApprovalChecker evaluates approval policy for tool calls when set.
	// If nil, RequireApproval is matched directly against tool names.
	ApprovalChecker *ApprovalChecker

	// AsyncTools lists tool names to execute asynchronously as jobs.
	AsyncTools []string

	// JobStore receives async tool job updates.
	JobStore jobs.Store

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:      10,
		MaxTokens:          4096,
		MaxToolCalls:       0,
		MaxWallTime:        0,
		ExecutorConfig:     DefaultExecutorConfig(),
		EnableBackpressure: true,
		StreamToolResults:  true,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	return &cfg
}

// AgenticLoop implements a multi-turn agentic conversation loop: it streams
// a completion from the configured provider, executes any requested tools,
// feeds the results back, and repeats until the model stops requesting
// tools or a limit is hit.
//
// The loop operates as a state machine:
//
//	Init -> Stream -> (no tool calls) -> Complete
//	            \-> Execute Tools -> Continue -> Stream (next iteration)
type AgenticLoop struct {
	provider LLMProvider
	executor *Executor
	sessions sessions.Store
	config   *LoopConfig

	defaultModel  string
	defaultSystem string

	jobSem chan struct{}
}

// NewAgenticLoop creates a new agentic loop with the given provider, tool registry, and session store.
// If config is nil, DefaultLoopConfig is used.
func NewAgenticLoop(provider LLMProvider, registry *ToolRegistry, store sessions.Store, config *LoopConfig) *AgenticLoop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}

	executor := NewExecutor(registry, config.ExecutorConfig)
	if !config.EnableBackpressure {
		executor.sem = nil
	}

	return &AgenticLoop{
		provider: provider,
		executor: executor,
		sessions: store,
		config:   config,
		jobSem:   make(chan struct{}, maxConcurrentJobs),
	}
}

// SetDefaultModel sets the default model used when requests do not specify one.
func (l *AgenticLoop) SetDefaultModel(model string) {
	l.defaultModel = model
}

// SetDefaultSystem sets the default system prompt used when requests do not specify one.
func (l *AgenticLoop) SetDefaultSystem(system string) {
	l.defaultSystem = system
}

// ConfigureTool sets per-tool configuration overrides for timeout, retry, and priority.
func (l *AgenticLoop) ConfigureTool(name string, config *ToolConfig) {
	l.executor.ConfigureTool(name, config)
}

// TurnRequest carries the per-call overrides a turn may apply on top of the
// loop's defaults (spec.md §4.4 staged model/mode overrides, applied by the
// Control Service before calling Run).
type TurnRequest struct {
	Model  string
	System string
}

// LoopState tracks the current state of an agentic loop execution including
// phase, iteration count, accumulated messages, and pending tool operations.
type LoopState struct {
	Phase           LoopPhase
	Iteration       int
	TotalToolCalls  int
	Messages        []CompletionMessage
	PendingTools    []ToolCall
	AccumulatedText string
	AssistantMsgID  string
}

// Run executes the agentic loop for one user turn and streams results
// through a channel. The channel is closed when the loop completes or an
// error occurs. The caller is expected to have already set session.State
// to SessionRunning and issued a CancelToken whose channel is wired to ctx.
func (l *AgenticLoop) Run(ctx context.Context, session *models.Session, msg *models.Message, req TurnRequest) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if l.config == nil {
		return nil, errors.New("loop config is nil")
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if l.sessions == nil {
		return nil, errors.New("no session store configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}

	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)
		if cancel != nil {
			defer cancel()
		}

		state := &LoopState{
			Phase:     PhaseInit,
			Iteration: 0,
		}

		if err := l.initializeState(runCtx, session, msg, state); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseInit, Cause: err}}
			return
		}

		if err := l.persistInboundMessage(runCtx, session, msg); err != nil {
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseInit, Cause: err}}
			return
		}

		for state.Iteration < l.config.MaxIterations {
			select {
			case <-runCtx.Done():
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     state.Phase,
					Iteration: state.Iteration,
					Cause:     runCtx.Err(),
				}}
				return
			default:
			}

			state.Phase = PhaseStream
			toolCalls, err := l.streamPhase(runCtx, state, req, chunks)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: err}}
				return
			}

			if l.config.MaxToolCalls > 0 && state.TotalToolCalls+len(toolCalls) > l.config.MaxToolCalls {
				chunks <- &ResponseChunk{Error: &LoopError{
					Phase:     PhaseStream,
					Iteration: state.Iteration,
					Cause:     fmt.Errorf("tool calls exceed maximum of %d for run", l.config.MaxToolCalls),
				}}
				return
			}
			state.TotalToolCalls += len(toolCalls)

			assistantMsgID, err := l.persistAssistantMessage(runCtx, session, state, toolCalls)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: err}}
				return
			}
			state.AssistantMsgID = assistantMsgID

			l.persistToolCalls(runCtx, session.ID, assistantMsgID, toolCalls)

			if len(toolCalls) == 0 {
				state.Phase = PhaseComplete
				return
			}

			state.Phase = PhaseExecuteTools
			state.PendingTools = toolCalls

			toolResults, err := l.executeToolsPhase(runCtx, session, state, chunks)
			if err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Cause: err}}
				return
			}

			if err := l.persistToolMessage(runCtx, session, toolCalls, toolResults); err != nil {
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Cause: err}}
				return
			}

			state.Phase = PhaseContinue
			l.continuePhase(state, toolCalls, toolResults)

			state.Iteration++
		}

		chunks <- &ResponseChunk{Error: &LoopError{
			Phase:     state.Phase,
			Iteration: state.Iteration,
			Cause:     ErrMaxIterations,
			Message:   fmt.Sprintf("reached max iterations: %d", l.config.MaxIterations),
		}}
	}()

	return chunks, nil
}

// initializeState loads conversation history and sets up initial state.
func (l *AgenticLoop) initializeState(ctx context.Context, session *models.Session, msg *models.Message, state *LoopState) error {
	history, err := l.sessions.GetHistory(ctx, session.ID, 50)
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}

	state.Messages = make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		cm, convErr := historyMessageToCompletion(m)
		if convErr != nil {
			continue
		}
		state.Messages = append(state.Messages, cm)
	}

	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	cm, err := historyMessageToCompletion(msg)
	if err != nil {
		return fmt.Errorf("failed to convert inbound message: %w", err)
	}
	state.Messages = append(state.Messages, cm)

	return nil
}

// historyMessageToCompletion flattens a persisted domain Message into the
// provider-wire CompletionMessage shape the LLM request builder consumes.
func historyMessageToCompletion(m *models.Message) (CompletionMessage, error) {
	cm := CompletionMessage{Role: string(m.Role)}
	switch content := m.Content.(type) {
	case models.TextContent:
		cm.Content = content.Text
	case *models.TextContent:
		cm.Content = content.Text
	case models.PartsContent:
		cm.Content = m.Text()
	case *models.PartsContent:
		cm.Content = m.Text()
	case models.ToolCallContent:
		cm.ToolCalls = []ToolCall{{ID: content.ID, Name: content.Name, Input: content.Input}}
	case *models.ToolCallContent:
		cm.ToolCalls = []ToolCall{{ID: content.ID, Name: content.Name, Input: content.Input}}
	case models.ToolResultContent:
		cm.ToolResults = []ToolResult{{ToolCallID: content.ToolCallID, Content: content.Content, IsError: content.IsError}}
	case *models.ToolResultContent:
		cm.ToolResults = []ToolResult{{ToolCallID: content.ToolCallID, Content: content.Content, IsError: content.IsError}}
	case nil:
		// empty message, nothing to carry
	default:
		return cm, fmt.Errorf("unsupported message content type %T", content)
	}
	return cm, nil
}

// streamPhase streams from the LLM and collects any tool calls.
func (l *AgenticLoop) streamPhase(ctx context.Context, state *LoopState, turn TurnRequest, chunks chan<- *ResponseChunk) ([]ToolCall, error) {
	model := l.defaultModel
	if turn.Model != "" {
		model = turn.Model
	}
	system := l.defaultSystem
	if turn.System != "" {
		system = turn.System
	}

	creq := &CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  state.Messages,
		Tools:     l.executor.registry.AsLLMTools(),
		MaxTokens: l.config.MaxTokens,
	}

	completion, err := l.provider.Complete(ctx, creq)
	if err != nil {
		return nil, err
	}

	var toolCalls []ToolCall
	var textBuilder strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.ThinkingStart {
			chunks <- &ResponseChunk{ThinkingStart: true}
		}
		if chunk.Thinking != "" {
			chunks <- &ResponseChunk{Thinking: chunk.Thinking}
		}
		if chunk.ThinkingEnd {
			chunks <- &ResponseChunk{ThinkingEnd: true}
		}

		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				return nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			textBuilder.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}

		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}

	state.AccumulatedText = textBuilder.String()
	return toolCalls, nil
}

// executeToolsPhase executes pending tool calls, honoring approval policy
// and async-job routing, and streams lifecycle events as it goes.
func (l *AgenticLoop) executeToolsPhase(ctx context.Context, session *models.Session, state *LoopState, chunks chan<- *ResponseChunk) ([]ToolResult, error) {
	if len(state.PendingTools) == 0 {
		return nil, nil
	}

	approvalChecker := l.config.ApprovalChecker

	results := make([]ToolResult, len(state.PendingTools))
	artifacts := make([][]Artifact, len(state.PendingTools))
	allowedCalls := make([]ToolCall, 0, len(state.PendingTools))
	allowedToOriginal := make([]int, 0, len(state.PendingTools))

	for i := range state.PendingTools {
		tc := state.PendingTools[i]

		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Stage:      models.ToolEventRequested,
			Input:      tc.Input,
		})

		if approvalChecker != nil {
			decision, reason := approvalChecker.Check(ctx, session.ID, tc)
			switch decision {
			case ApprovalDenied:
				res := ToolResult{ToolCallID: tc.ID, Content: "tool denied by approval policy: " + reason, IsError: true}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventDenied,
					Error: res.Content, PolicyReason: reason, FinishedAt: time.Now(),
				})
				l.persistToolResult(ctx, session.ID, state.AssistantMsgID, tc, res)
				continue
			case ApprovalPending:
				var approvalID string
				if req, err := approvalChecker.CreateApprovalRequest(ctx, session.ID, session.ID, tc, reason); err == nil && req != nil {
					approvalID = req.ID
				}
				content := "approval required for tool: " + tc.Name
				if approvalID != "" {
					content = fmt.Sprintf("%s (id: %s)", content, approvalID)
				}
				res := ToolResult{ToolCallID: tc.ID, Content: content, IsError: true}
				results[i] = res
				l.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventApprovalRequired,
					Error: res.Content, PolicyReason: reason, FinishedAt: time.Now(),
				})
				l.persistToolResult(ctx, session.ID, state.AssistantMsgID, tc, res)
				continue
			}
		} else if matchesToolPatterns(l.config.RequireApproval, tc.Name) {
			res := ToolResult{ToolCallID: tc.ID, Content: "approval required for tool: " + tc.Name, IsError: true}
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventApprovalRequired,
				Error: res.Content, FinishedAt: time.Now(),
			})
			l.persistToolResult(ctx, session.ID, state.AssistantMsgID, tc, res)
			continue
		}

		if l.isAsyncTool(tc.Name) && l.config.JobStore != nil {
			res := l.queueAsyncJob(tc)
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventSucceeded,
				Output: res.Content, FinishedAt: time.Now(),
			})
			l.persistToolResult(ctx, session.ID, state.AssistantMsgID, tc, res)
			continue
		}

		allowedCalls = append(allowedCalls, tc)
		allowedToOriginal = append(allowedToOriginal, i)
	}

	for _, idx := range allowedToOriginal {
		tc := state.PendingTools[idx]
		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventStarted, StartedAt: time.Now(),
		})
	}

	execResults := l.executor.ExecuteAll(ctx, allowedCalls)
	for i, r := range execResults {
		origIdx := allowedToOriginal[i]
		tc := state.PendingTools[origIdx]
		switch {
		case r == nil:
			results[origIdx] = ToolResult{ToolCallID: tc.ID, Content: "tool execution failed", IsError: true}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventFailed,
				Error: results[origIdx].Content, FinishedAt: time.Now(),
			})
		case r.Error != nil:
			results[origIdx] = ToolResult{ToolCallID: r.ToolCallID, Content: r.Error.Error(), IsError: true}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID, ToolName: tc.Name, Stage: models.ToolEventFailed,
				Error: results[origIdx].Content, FinishedAt: time.Now(),
			})
		case r.Result != nil:
			results[origIdx] = ToolResult{
				ToolCallID: r.ToolCallID,
				Content:    r.Result.Content,
				IsError:    r.Result.IsError,
				Artifacts:  r.Result.Artifacts,
			}
			artifacts[origIdx] = r.Result.Artifacts
			stage := models.ToolEventSucceeded
			if r.Result.IsError {
				stage = models.ToolEventFailed
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID, ToolName: tc.Name, Stage: stage,
				Output: r.Result.Content, FinishedAt: time.Now(),
			})
		}
		l.persistToolResult(ctx, session.ID, state.AssistantMsgID, tc, results[origIdx])
	}

	for i := range results {
		if results[i].ToolCallID == "" && i < len(state.PendingTools) {
			results[i].ToolCallID = state.PendingTools[i].ID
		}
	}

	if l.config.StreamToolResults {
		for i := range results {
			chunk := &ResponseChunk{ToolResult: &results[i]}
			if len(artifacts[i]) > 0 {
				chunk.Artifacts = artifacts[i]
			}
			chunks <- chunk
		}
	}

	return results, nil
}

// continuePhase adds the assistant message with tool calls and tool results to history.
func (l *AgenticLoop) continuePhase(state *LoopState, toolCalls []ToolCall, toolResults []ToolResult) {
	state.Messages = append(state.Messages, CompletionMessage{
		Role:      "assistant",
		Content:   state.AccumulatedText,
		ToolCalls: toolCalls,
	})
	state.Messages = append(state.Messages, CompletionMessage{
		Role:        "tool",
		ToolResults: toolResults,
	})
	state.AccumulatedText = ""
	state.PendingTools = nil
}

func (l *AgenticLoop) persistInboundMessage(ctx context.Context, session *models.Session, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = session.ID
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return l.sessions.AppendMessage(ctx, session.ID, msg)
}

func (l *AgenticLoop) persistAssistantMessage(ctx context.Context, session *models.Session, state *LoopState, toolCalls []ToolCall) (string, error) {
	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   models.TextContent{Text: state.AccumulatedText},
		CreatedAt: time.Now(),
	}
	if err := l.sessions.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
		return "", err
	}
	for _, tc := range toolCalls {
		callMsg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Content:   models.ToolCallContent{ID: tc.ID, Name: tc.Name, Input: tc.Input},
			CreatedAt: time.Now(),
		}
		if err := l.sessions.AppendMessage(ctx, session.ID, callMsg); err != nil {
			return assistantMsg.ID, err
		}
	}
	return assistantMsg.ID, nil
}

func (l *AgenticLoop) persistToolMessage(ctx context.Context, session *models.Session, toolCalls []ToolCall, toolResults []ToolResult) error {
	if len(toolResults) == 0 {
		return nil
	}
	guarded := guardToolResults(l.config.ToolResultGuard, toolCalls, toolResults)
	for _, res := range guarded {
		toolMsg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleTool,
			Content:   models.ToolResultContent{ToolCallID: res.ToolCallID, Content: res.Content, IsError: res.IsError},
			CreatedAt: time.Now(),
		}
		if err := l.sessions.AppendMessage(ctx, session.ID, toolMsg); err != nil {
			return err
		}
	}
	return nil
}

func (l *AgenticLoop) emitToolEvent(chunks chan<- *ResponseChunk, event *models.ToolEvent) {
	if l.config.DisableToolEvents || event == nil {
		return
	}
	chunks <- &ResponseChunk{ToolEvent: event}
}

func (l *AgenticLoop) persistToolCalls(ctx context.Context, sessionID, assistantMsgID string, toolCalls []ToolCall) {
	if l.config.ToolEvents == nil || sessionID == "" {
		return
	}
	for i := range toolCalls {
		tc := toolCalls[i]
		_ = l.config.ToolEvents.AddToolCall(ctx, sessionID, assistantMsgID, &tc)
	}
}

func (l *AgenticLoop) persistToolResult(ctx context.Context, sessionID, assistantMsgID string, tc ToolCall, res ToolResult) {
	if l.config.ToolEvents == nil || sessionID == "" {
		return
	}
	guarded := guardToolResult(l.config.ToolResultGuard, tc.Name, res)
	_ = l.config.ToolEvents.AddToolResult(ctx, sessionID, assistantMsgID, &tc, &guarded)
}

func (l *AgenticLoop) isAsyncTool(name string) bool {
	return matchesToolPatterns(l.config.AsyncTools, name)
}

func (l *AgenticLoop) queueAsyncJob(tc ToolCall) ToolResult {
	job := &jobs.Job{
		ID:         uuid.NewString(),
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	if l.config.JobStore != nil {
		_ = l.config.JobStore.Create(context.Background(), job)
	}

	payload, err := json.Marshal(map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
	res := ToolResult{ToolCallID: tc.ID}
	if err != nil {
		res.Content = fmt.Sprintf("failed to encode job payload: %v", err)
		res.IsError = true
	} else {
		res.Content = string(payload)
	}

	if l.config.JobStore != nil {
		if l.jobSem == nil {
			go l.runToolJob(tc, job)
		} else {
			select {
			case l.jobSem <- struct{}{}:
				go func() {
					defer func() { <-l.jobSem }()
					l.runToolJob(tc, job)
				}()
			default:
				go l.runToolJob(tc, job)
			}
		}
	}

	return res
}

func (l *AgenticLoop) runToolJob(tc ToolCall, job *jobs.Job) {
	if job == nil || l.config.JobStore == nil {
		return
	}
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	_ = l.config.JobStore.Update(ctx, job)

	execResult := l.executor.Execute(ctx, tc)
	if execResult.Error != nil {
		job.Status = jobs.StatusFailed
		job.Error = execResult.Error.Error()
		job.FinishedAt = time.Now()
		_ = l.config.JobStore.Update(ctx, job)
		return
	}

	if execResult.Result != nil {
		if execResult.Result.IsError {
			job.Status = jobs.StatusFailed
			job.Error = execResult.Result.Content
		} else {
			job.Status = jobs.StatusSucceeded
			job.Result = &jobs.Result{Content: execResult.Result.Content, IsError: execResult.Result.IsError}
		}
	} else {
		job.Status = jobs.StatusFailed
		job.Error = "tool execution failed"
	}

	job.FinishedAt = time.Now()
	_ = l.config.JobStore.Update(ctx, job)
}

// AgenticRuntime wraps the AgenticLoop so it can be driven by the Control
// Service without exposing loop internals.
type AgenticRuntime struct {
	loop *AgenticLoop
}

// NewAgenticRuntime creates a new agentic runtime wrapping an AgenticLoop.
func NewAgenticRuntime(provider LLMProvider, store sessions.Store, config *LoopConfig) *AgenticRuntime {
	registry := NewToolRegistry()
	loop := NewAgenticLoop(provider, registry, store, config)

	return &AgenticRuntime{loop: loop}
}

// SetDefaultModel configures the fallback model used when not specified in requests.
func (r *AgenticRuntime) SetDefaultModel(model string) {
	r.loop.SetDefaultModel(model)
}

// SetSystemPrompt configures the fallback system prompt used when not specified in requests.
func (r *AgenticRuntime) SetSystemPrompt(system string) {
	r.loop.SetDefaultSystem(system)
}

// RegisterTool adds a tool to the runtime's tool registry.
func (r *AgenticRuntime) RegisterTool(tool Tool) {
	r.loop.executor.registry.Register(tool)
}

// ConfigureTool sets per-tool configuration for timeout, retry, and priority.
func (r *AgenticRuntime) ConfigureTool(name string, config *ToolConfig) {
	r.loop.ConfigureTool(name, config)
}

// Process handles an incoming message using the agentic loop and streams results.
func (r *AgenticRuntime) Process(ctx context.Context, session *models.Session, msg *models.Message, turn TurnRequest) (<-chan *ResponseChunk, error) {
	return r.loop.Run(ctx, session, msg, turn)
}

// ExecutorMetrics returns a snapshot of metrics from the tool executor.
func (r *AgenticRuntime) ExecutorMetrics() *ExecutorMetricsSnapshot {
	return r.loop.executor.Metrics()
}
