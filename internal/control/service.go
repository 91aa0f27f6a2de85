// Package control implements the Control Service: the single-writer
// hub that owns one Agent, a session registry, and a broadcast event
// bus (spec.md §4.2). It is deliberately reimplemented from scratch
// rather than adapted from the teacher's gateway/control_plane.go,
// since that file is shaped around generated gRPC stubs this module
// does not carry; its select-loop-over-one-owned-resource shape and
// gateway/broadcast.go's panic-isolated fan-out are what's kept.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swedishembedded/sven/internal/agent"
	"github.com/swedishembedded/sven/internal/sessions"
	"github.com/swedishembedded/sven/pkg/models"
)

// Bounded channel capacities named per spec.md §5 so a reviewer can
// check the concurrency contract at a glance.
const (
	commandChannelCap    = 256
	completionChannelCap = 64
	sessionBridgeCap      = 512
)

// command is the sealed set of operations the service loop accepts.
type command interface{ isCommand() }

type newSessionCmd struct {
	id         string
	mode       string
	workingDir *string
	reply      chan error
}

func (newSessionCmd) isCommand() {}

type sendInputCmd struct {
	sessionID string
	content   models.MessageContent
	reply     chan error
}

func (sendInputCmd) isCommand() {}

type cancelSessionCmd struct {
	sessionID string
	reply     chan error
}

func (cancelSessionCmd) isCommand() {}

type toolDecisionCmd struct {
	sessionID string
	callID    string
	reason    string
	approve   bool
	reply     chan error
}

func (toolDecisionCmd) isCommand() {}

type listSessionsCmd struct {
	reply chan []*models.Session
}

func (listSessionsCmd) isCommand() {}

// completionNotice is how the bridge task reports "turn done" back to
// the service loop, which is the only mutator of session state (spec.md
// §4.2 "Session lifecycle invariant").
type completionNotice struct {
	sessionID string
	err       error
}

// Service is the Control Service: it owns the session registry, the
// Agent (via an AgenticRuntime), and the event bus every session's
// activity is broadcast on.
type Service struct {
	runtime   *agent.AgenticRuntime
	approvals *agent.ApprovalChecker
	store     sessions.Store
	bus       *EventBus
	logger    *slog.Logger

	commands    chan command
	completions chan completionNotice

	mu           sync.Mutex
	regSessions  map[string]*models.Session
	cancelTokens map[models.CancelToken]chan struct{}
}

// NewService wires a Control Service around an already-configured
// AgenticRuntime and ApprovalChecker.
func NewService(runtime *agent.AgenticRuntime, approvals *agent.ApprovalChecker, store sessions.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runtime:      runtime,
		approvals:    approvals,
		store:        store,
		bus:          NewEventBus(),
		logger:       logger.With("component", "control"),
		commands:     make(chan command, commandChannelCap),
		completions:  make(chan completionNotice, completionChannelCap),
		regSessions:  make(map[string]*models.Session),
		cancelTokens: make(map[models.CancelToken]chan struct{}),
	}
}

// Subscribe registers a new event bus subscriber.
func (s *Service) Subscribe() (<-chan ControlEvent, func()) {
	return s.bus.Subscribe()
}

// Run is the service's single-writer select loop. It blocks until ctx
// is cancelled. Callers start it in its own goroutine.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)
		case note := <-s.completions:
			s.handleCompletion(note)
		}
	}
}

func (s *Service) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case newSessionCmd:
		c.reply <- s.doNewSession(c.id, c.mode, c.workingDir)
	case sendInputCmd:
		c.reply <- s.doSendInput(ctx, c.sessionID, c.content)
	case cancelSessionCmd:
		c.reply <- s.doCancelSession(c.sessionID)
	case toolDecisionCmd:
		c.reply <- s.doToolDecision(ctx, c)
	case listSessionsCmd:
		c.reply <- s.doListSessions()
	}
}

func (s *Service) handleCompletion(note completionNotice) {
	s.mu.Lock()
	session, ok := s.regSessions[note.sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if session.CancelToken != nil {
		delete(s.cancelTokens, *session.CancelToken)
		session.CancelToken = nil
	}
	// A session already marked Cancelled by an explicit CancelSession
	// stays Cancelled; the bridge's completion is just cleanup.
	if session.State == models.SessionRunning {
		session.State = models.SessionCompleted
	}
	session.UpdatedAt = time.Now()
	snapshot := *session
	s.mu.Unlock()

	if note.err != nil {
		s.logger.Warn("turn ended with error", "session_id", note.sessionID, "error", note.err)
	}
	s.bus.Publish(ControlEvent{Type: EventSessionUpdated, SessionID: note.sessionID, Session: &snapshot})
}

// --- command construction (called from any goroutine) ---

func (s *Service) send(ctx context.Context, cmd command) error {
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// NewSession creates a session in Idle. Fails with a 409 Error if id
// already exists.
func (s *Service) NewSession(ctx context.Context, id, mode string, workingDir *string) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, newSessionCmd{id: id, mode: mode, workingDir: workingDir, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendInput transitions a session to Running and starts a turn. Fails
// with a 404 Error if the session is unknown, 409 if it is already
// Running.
func (s *Service) SendInput(ctx context.Context, sessionID string, content models.MessageContent) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, sendInputCmd{sessionID: sessionID, content: content, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelSession trips the session's cancel token and marks it
// Cancelled. No-op if the session is unknown.
func (s *Service) CancelSession(ctx context.Context, sessionID string) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, cancelSessionCmd{sessionID: sessionID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApproveTool resolves a pending approval promise affirmatively.
func (s *Service) ApproveTool(ctx context.Context, sessionID, callID string) error {
	return s.toolDecision(ctx, sessionID, callID, "", true)
}

// DenyTool resolves a pending approval promise negatively.
func (s *Service) DenyTool(ctx context.Context, sessionID, callID, reason string) error {
	return s.toolDecision(ctx, sessionID, callID, reason, false)
}

func (s *Service) toolDecision(ctx context.Context, sessionID, callID, reason string, approve bool) error {
	reply := make(chan error, 1)
	cmd := toolDecisionCmd{sessionID: sessionID, callID: callID, reason: reason, approve: approve, reply: reply}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListSessions returns a snapshot of every tracked session and
// publishes a SessionList event on the bus.
func (s *Service) ListSessions(ctx context.Context) ([]*models.Session, error) {
	reply := make(chan []*models.Session, 1)
	if err := s.send(ctx, listSessionsCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case sessions := <-reply:
		return sessions, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- handlers, run only on the service loop goroutine ---

func (s *Service) doNewSession(id, mode string, workingDir *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.regSessions[id]; exists {
		return ErrConflict("session %q already exists", id)
	}

	session := models.NewSession(id, mode, time.Now())
	session.WorkingDir = workingDir
	s.regSessions[id] = session

	if s.store != nil {
		_ = s.store.Create(context.Background(), session)
	}

	snapshot := *session
	s.bus.Publish(ControlEvent{Type: EventSessionCreated, SessionID: id, Session: &snapshot})
	return nil
}

func (s *Service) doSendInput(ctx context.Context, sessionID string, content models.MessageContent) error {
	s.mu.Lock()
	session, ok := s.regSessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound("session %q not found", sessionID)
	}
	if session.State == models.SessionRunning {
		s.mu.Unlock()
		return ErrConflict("session %q is already running a turn", sessionID)
	}

	tokenStr := models.CancelToken(uuid.NewString())
	cancelCh := make(chan struct{})
	s.cancelTokens[tokenStr] = cancelCh
	session.State = models.SessionRunning
	session.CancelToken = &tokenStr
	session.UpdatedAt = time.Now()
	snapshot := *session
	s.mu.Unlock()

	s.bus.Publish(ControlEvent{Type: EventSessionUpdated, SessionID: sessionID, Session: &snapshot})

	msg := &models.Message{SessionID: sessionID, Role: models.RoleUser, Content: content, CreatedAt: time.Now()}
	go s.runBridge(sessionID, cancelCh, &snapshot, msg)
	return nil
}

// runBridge holds the async mutex-equivalent (its own goroutine) on the
// Agent for the span of exactly one turn, so the service loop stays
// responsive to CancelSession while the turn is in flight.
func (s *Service) runBridge(sessionID string, cancelCh chan struct{}, session *models.Session, msg *models.Message) {
	turnCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-turnCtx.Done():
		}
	}()

	chunks, err := s.runtime.Process(turnCtx, session, msg, agent.TurnRequest{})
	if err != nil {
		s.bus.Publish(ControlEvent{Type: EventTurnChunk, SessionID: sessionID, Chunk: &agent.ResponseChunk{Error: err}})
		s.completions <- completionNotice{sessionID: sessionID, err: err}
		return
	}

	bridge := make(chan *agent.ResponseChunk, sessionBridgeCap)
	go func() {
		for chunk := range chunks {
			select {
			case bridge <- chunk:
			case <-turnCtx.Done():
			}
		}
		close(bridge)
	}()

	var lastErr error
	for chunk := range bridge {
		s.bus.Publish(ControlEvent{Type: EventTurnChunk, SessionID: sessionID, Chunk: chunk})
		if chunk.Error != nil {
			lastErr = chunk.Error
		}
	}

	s.completions <- completionNotice{sessionID: sessionID, err: lastErr}
}

func (s *Service) doCancelSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.regSessions[sessionID]
	if !ok {
		return nil
	}
	if session.CancelToken != nil {
		if ch, ok := s.cancelTokens[*session.CancelToken]; ok {
			select {
			case <-ch:
			default:
				close(ch)
			}
		}
	}
	session.State = models.SessionCancelled
	session.UpdatedAt = time.Now()
	snapshot := *session
	s.bus.Publish(ControlEvent{Type: EventSessionUpdated, SessionID: sessionID, Session: &snapshot})
	return nil
}

func (s *Service) doToolDecision(ctx context.Context, c toolDecisionCmd) error {
	s.mu.Lock()
	session, ok := s.regSessions[c.sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound("session %q not found", c.sessionID)
	}
	if session.PendingToolApprovals != nil {
		delete(session.PendingToolApprovals, c.callID)
	}
	s.mu.Unlock()

	var err error
	if c.approve {
		err = s.approvals.Approve(ctx, c.callID, "operator")
	} else {
		err = s.approvals.Deny(ctx, c.callID, "operator")
	}
	if err != nil {
		s.bus.Publish(ControlEvent{
			Type:      EventApprovalWarn,
			SessionID: c.sessionID,
			Warning:   fmt.Sprintf("no pending approval for call %q: %v", c.callID, err),
		})
	}
	return err
}

func (s *Service) doListSessions() []*models.Session {
	s.mu.Lock()
	out := make([]*models.Session, 0, len(s.regSessions))
	for _, session := range s.regSessions {
		snapshot := *session
		out = append(out, &snapshot)
	}
	s.mu.Unlock()

	s.bus.Publish(ControlEvent{Type: EventSessionList, Sessions: out})
	return out
}
