// Package submit implements the TUI Submission Pipeline: the layer
// between raw user keystrokes and the Control Service, responsible for
// slash-command dispatch, staged model/mode overrides, the busy-queue,
// and abort/force-submit/edit-resubmit flows (spec.md §4.4). It mirrors
// the mutex-guarded single-struct state style of
// internal/gateway/stream_manager.go (mu sync.Mutex plus a handful of
// plain fields) rather than introducing another actor loop on top of
// the one internal/control already runs.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/swedishembedded/sven/internal/commands"
	"github.com/swedishembedded/sven/internal/control"
	"github.com/swedishembedded/sven/pkg/models"
)

// agentRequestChannelCap bounds the pipeline's outgoing request
// channel, named per spec.md §5's "bounded agent command channel".
const agentRequestChannelCap = 64

// RequestKind is the kind of AgentRequest the pipeline emits.
type RequestKind string

const (
	RequestSubmit      RequestKind = "submit"
	RequestResubmit    RequestKind = "resubmit"
	RequestLoadHistory RequestKind = "load_history"
)

// AgentRequest is one ordered unit of work the pipeline hands to the
// Control Service (spec.md §4.4 "request kinds").
type AgentRequest struct {
	Kind          RequestKind
	Content       models.MessageContent
	History       []models.ChatSegment
	ModelOverride *string
	ModeOverride  *string
}

// ErrQuit is returned by HandleInput when a command (e.g. /quit)
// demands the TUI event loop terminate.
var ErrQuit = fmt.Errorf("submit: quit requested")

// Pipeline owns one session's submission state: its transcript
// segments, send queue, staged overrides, and busy/abort flags. All
// mutation of that state goes through its mutex-guarded methods; the
// actual turn execution is delegated to a *control.Service.
type Pipeline struct {
	svc       *control.Service
	registry  *commands.Registry
	sessionID string
	logger    *slog.Logger

	requests chan AgentRequest

	mu           sync.Mutex
	segments     []models.ChatSegment
	queue        []models.QueuedMessage
	busy         bool
	abortPending bool
	staged       models.StagedOverrides
	modelDisplay string
	modeDisplay  string
	nextQueueID  int
}

// NewPipeline builds a submission pipeline for one session. registry
// should be a dedicated commands.Registry populated by
// commands.RegisterTUICommands — not one shared with channel-facing
// builtins, since /model and /abort carry TUI-specific semantics here.
func NewPipeline(svc *control.Service, sessionID string, registry *commands.Registry, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		svc:       svc,
		registry:  registry,
		sessionID: sessionID,
		logger:    logger.With("component", "submit", "session_id", sessionID),
		requests:  make(chan AgentRequest, agentRequestChannelCap),
	}
}

// Run drains the pipeline's outgoing request channel, handing each
// request to the Control Service in order. Callers start it in its own
// goroutine; it returns when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.requests:
			p.dispatch(ctx, req)
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, req AgentRequest) {
	switch req.Kind {
	case RequestLoadHistory:
		p.mu.Lock()
		p.segments = req.History
		p.mu.Unlock()
		return
	case RequestSubmit, RequestResubmit:
		if err := p.svc.SendInput(ctx, p.sessionID, req.Content); err != nil {
			p.logger.Warn("send input failed", "error", err)
			p.mu.Lock()
			p.busy = false
			p.mu.Unlock()
		}
	}
}

// LoadHistory replaces the pipeline's transcript with segments,
// routed through the same requests channel as a submission so it
// serializes with any turn already in flight (spec.md §4.4 "resuming a
// saved conversation"). Intended for startup, before any input has
// been handled.
func (p *Pipeline) LoadHistory(ctx context.Context, segments []models.ChatSegment) error {
	select {
	case p.requests <- AgentRequest{Kind: RequestLoadHistory, History: segments}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Segments returns a snapshot of the current transcript.
func (p *Pipeline) Segments() []models.ChatSegment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ChatSegment, len(p.segments))
	copy(out, p.segments)
	return out
}

// StageModel records a model change to apply on the next outgoing
// message (spec.md §4.4 "Staging semantics").
func (p *Pipeline) StageModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := model
	p.staged.Model = &m
}

// StageMode records a mode change to apply on the next outgoing
// message.
func (p *Pipeline) StageMode(mode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := mode
	p.staged.Mode = &m
}

// ConsumeStaged returns and clears whatever model/mode overrides are
// currently staged. It is called exactly once per outgoing message; a
// non-nil model promotes into the visible model display.
func (p *Pipeline) ConsumeStaged() (model, mode *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	model, mode = p.staged.Model, p.staged.Mode
	p.staged = models.StagedOverrides{}
	if model != nil {
		p.modelDisplay = *model
	}
	if mode != nil {
		p.modeDisplay = *mode
	}
	return model, mode
}

// Display returns the currently visible model/mode, as last promoted
// by ConsumeStaged.
func (p *Pipeline) Display() (model, mode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modelDisplay, p.modeDisplay
}

// HandleInput is the pipeline's single entry point for a line of user
// input: slash commands are dispatched through the registry first;
// everything else goes through enqueue-or-send (spec.md §4.4).
// Returns ErrQuit if the input resolved to a /quit-style command.
func (p *Pipeline) HandleInput(ctx context.Context, text string) (*commands.Result, error) {
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		return p.handleCommand(ctx, text)
	}
	p.enqueueOrSend(text)
	return nil, nil
}

func (p *Pipeline) handleCommand(ctx context.Context, text string) (*commands.Result, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(text), "/")
	name, args, _ := strings.Cut(trimmed, " ")

	result, err := p.registry.Execute(ctx, &commands.Invocation{
		Name:       name,
		Args:       strings.TrimSpace(args),
		RawText:    text,
		SessionKey: p.sessionID,
	})
	if err != nil {
		return nil, err
	}

	switch result.ImmediateAction {
	case commands.ImmediateQuit:
		return result, ErrQuit
	case commands.ImmediateAbort:
		p.Abort(ctx)
	}

	if result.ModelOverride != nil {
		p.StageModel(*result.ModelOverride)
	}
	if result.ModeOverride != nil {
		p.StageMode(*result.ModeOverride)
	}
	if result.MessageToSend != "" {
		p.enqueueOrSend(result.MessageToSend)
	}

	return result, nil
}

// enqueueOrSend implements spec.md §4.4's enqueue-or-send rule: a busy
// session, or one with an abort pending, queues the message instead of
// sending it immediately.
func (p *Pipeline) enqueueOrSend(text string) {
	p.mu.Lock()
	if p.busy || p.abortPending {
		p.nextQueueID++
		p.queue = append(p.queue, models.QueuedMessage{
			ID:        fmt.Sprintf("q%d", p.nextQueueID),
			SessionID: p.sessionID,
			Content:   models.TextContent{Text: text},
			Overrides: p.staged,
			QueuedAt:  time.Now(),
		})
		p.mu.Unlock()
		return
	}

	model, mode := p.staged.Model, p.staged.Mode
	p.staged = models.StagedOverrides{}
	if model != nil {
		p.modelDisplay = *model
	}
	if mode != nil {
		p.modeDisplay = *mode
	}

	history := make([]models.ChatSegment, len(p.segments))
	copy(history, p.segments)

	msg := &models.Message{
		SessionID: p.sessionID,
		Role:      models.RoleUser,
		Content:   models.TextContent{Text: text},
		CreatedAt: time.Now(),
	}
	p.segments = append(p.segments, models.MessageChatSegment{Message: msg})
	p.busy = true
	p.mu.Unlock()

	p.requests <- AgentRequest{
		Kind:          RequestResubmit,
		Content:       msg.Content,
		History:       history,
		ModelOverride: model,
		ModeOverride:  mode,
	}
}

// Abort sets abort_pending and trips the session's cancel token
// (spec.md §4.4 "Abort flow"). The in-flight turn's partial text, if
// any, arrives later via OnAborted.
func (p *Pipeline) Abort(ctx context.Context) {
	p.mu.Lock()
	p.abortPending = true
	p.mu.Unlock()

	if err := p.svc.CancelSession(ctx, p.sessionID); err != nil {
		p.logger.Warn("cancel session failed", "error", err)
	}
}

// OnAborted commits the partial turn text as an ordinary assistant
// message and clears busy. Auto-dequeue is suppressed while
// abort_pending remains set; only an explicit ForceSubmitQueuedMessage
// or dequeue clears it (spec.md §4.4).
func (p *Pipeline) OnAborted(partialText string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.busy = false
	if strings.TrimSpace(partialText) != "" {
		p.segments = append(p.segments, models.MessageChatSegment{Message: &models.Message{
			SessionID: p.sessionID,
			Role:      models.RoleAssistant,
			Content:   models.TextContent{Text: partialText},
			CreatedAt: time.Now(),
		}})
	}
}

// TryAutoDequeue sends the next queued message if the pipeline is idle
// and no abort is pending. It is a no-op otherwise.
func (p *Pipeline) TryAutoDequeue() {
	p.mu.Lock()
	if p.busy || p.abortPending || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	p.sendQueued(next)
}

// ForceSubmitQueuedMessage aborts the current turn (if any) and moves
// the named queued message to the front of the queue; it auto-dequeues
// once the abort completes. Clears abort_pending, unlike an implicit
// abort.
func (p *Pipeline) ForceSubmitQueuedMessage(ctx context.Context, id string) error {
	p.mu.Lock()
	idx := -1
	for i, m := range p.queue {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("submit: queued message %q not found", id)
	}
	target := p.queue[idx]
	p.queue = append(p.queue[:idx], p.queue[idx+1:]...)
	p.queue = append([]models.QueuedMessage{target}, p.queue...)
	wasBusy := p.busy
	p.mu.Unlock()

	if wasBusy {
		if err := p.svc.CancelSession(ctx, p.sessionID); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.abortPending = false
	p.mu.Unlock()

	if !wasBusy {
		p.TryAutoDequeue()
	}
	return nil
}

func (p *Pipeline) sendQueued(m models.QueuedMessage) {
	p.mu.Lock()
	history := make([]models.ChatSegment, len(p.segments))
	copy(history, p.segments)
	p.segments = append(p.segments, models.MessageChatSegment{Message: &models.Message{
		SessionID: m.SessionID,
		Role:      models.RoleUser,
		Content:   m.Content,
		CreatedAt: time.Now(),
	}})
	p.busy = true
	p.mu.Unlock()

	p.requests <- AgentRequest{
		Kind:          RequestResubmit,
		Content:       m.Content,
		History:       history,
		ModelOverride: m.Overrides.Model,
		ModeOverride:  m.Overrides.Mode,
	}
}

// EditAndResubmit truncates history to everything before index,
// appends text as a new user message, and resubmits — consuming staged
// overrides exactly as a fresh send would, and clearing abort_pending
// (spec.md §4.4 "Edit-and-resubmit").
func (p *Pipeline) EditAndResubmit(ctx context.Context, index int, text string) error {
	p.mu.Lock()
	if index < 0 || index > len(p.segments) {
		p.mu.Unlock()
		return fmt.Errorf("submit: segment index %d out of range", index)
	}
	p.segments = p.segments[:index]
	p.abortPending = false
	p.mu.Unlock()

	p.enqueueOrSend(text)
	return nil
}

// EditAssistantSegment rewrites an assistant-text segment in place. It
// is local-only and never triggers a resubmit.
func (p *Pipeline) EditAssistantSegment(index int, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.segments) {
		return fmt.Errorf("submit: segment index %d out of range", index)
	}
	seg, ok := p.segments[index].(models.MessageChatSegment)
	if !ok || seg.Message == nil || seg.Message.Role != models.RoleAssistant {
		return fmt.Errorf("submit: segment %d is not an assistant message", index)
	}
	seg.Message.Content = models.TextContent{Text: text}
	p.segments[index] = seg
	return nil
}
