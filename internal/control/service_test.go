package control

import (
	"context"
	"testing"
	"time"

	"github.com/swedishembedded/sven/internal/agent"
	"github.com/swedishembedded/sven/internal/sessions"
	"github.com/swedishembedded/sven/pkg/models"
)

// stubProvider implements agent.LLMProvider with a single canned text
// chunk, enough to drive the service loop through a full turn without
// a real LLM call.
type stubProvider struct{}

func (stubProvider) Name() string        { return "stub" }
func (stubProvider) SupportsTools() bool { return false }
func (stubProvider) Models() []agent.Model {
	return []agent.Model{{ID: "stub-1", Name: "Stub"}}
}
func (stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: "hello"}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func newTestService(t *testing.T) (*Service, context.Context, context.CancelFunc) {
	t.Helper()
	store := sessions.NewMemoryStore()
	runtime := agent.NewAgenticRuntime(stubProvider{}, store, agent.DefaultLoopConfig())
	checker := agent.NewApprovalChecker(agent.DefaultApprovalPolicy())
	checker.SetStore(agent.NewMemoryApprovalStore())
	svc := NewService(runtime, checker, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	return svc, ctx, cancel
}

func TestNewSessionConflict(t *testing.T) {
	svc, ctx, cancel := newTestService(t)
	defer cancel()

	if err := svc.NewSession(ctx, "s1", "agent", nil); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	err := svc.NewSession(ctx, "s1", "agent", nil)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if ce, ok := err.(*Error); !ok || ce.Code != 409 {
		t.Fatalf("expected 409 Error, got %v", err)
	}
}

func TestSendInputUnknownSession(t *testing.T) {
	svc, ctx, cancel := newTestService(t)
	defer cancel()

	err := svc.SendInput(ctx, "missing", models.TextContent{Text: "hi"})
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if ce, ok := err.(*Error); !ok || ce.Code != 404 {
		t.Fatalf("expected 404 Error, got %v", err)
	}
}

func TestSendInputDrivesTurnToCompletion(t *testing.T) {
	svc, ctx, cancel := newTestService(t)
	defer cancel()

	if err := svc.NewSession(ctx, "s1", "agent", nil); err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	sub, unsub := svc.Subscribe()
	defer unsub()

	if err := svc.SendInput(ctx, "s1", models.TextContent{Text: "hi"}); err != nil {
		t.Fatalf("SendInput: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == EventSessionUpdated && ev.Session != nil && ev.Session.State == models.SessionCompleted {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for session to complete")
		}
	}
}

func TestListSessionsEmitsEvent(t *testing.T) {
	svc, ctx, cancel := newTestService(t)
	defer cancel()

	sub, unsub := svc.Subscribe()
	defer unsub()

	if _, err := svc.ListSessions(ctx); err != nil {
		t.Fatalf("ListSessions: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Type != EventSessionList {
			t.Fatalf("expected session_list event, got %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session_list event")
	}
}

func TestCancelUnknownSessionIsNoop(t *testing.T) {
	svc, ctx, cancel := newTestService(t)
	defer cancel()

	if err := svc.CancelSession(ctx, "missing"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
