package submit

import (
	"context"
	"testing"
	"time"

	"github.com/swedishembedded/sven/internal/agent"
	"github.com/swedishembedded/sven/internal/commands"
	"github.com/swedishembedded/sven/internal/control"
	"github.com/swedishembedded/sven/internal/sessions"
	"github.com/swedishembedded/sven/pkg/models"
)

type stubProvider struct{}

func (stubProvider) Name() string        { return "stub" }
func (stubProvider) SupportsTools() bool { return false }
func (stubProvider) Models() []agent.Model {
	return []agent.Model{{ID: "stub-1"}}
}
func (stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: "hi there"}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *control.Service, context.Context, context.CancelFunc) {
	t.Helper()
	store := sessions.NewMemoryStore()
	runtime := agent.NewAgenticRuntime(stubProvider{}, store, agent.DefaultLoopConfig())
	checker := agent.NewApprovalChecker(agent.DefaultApprovalPolicy())
	checker.SetStore(agent.NewMemoryApprovalStore())
	svc := control.NewService(runtime, checker, store, nil)

	registry := commands.NewRegistry(nil)
	commands.RegisterTUICommands(registry)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)

	p := NewPipeline(svc, "s1", registry, nil)
	go p.Run(ctx)

	if err := svc.NewSession(ctx, "s1", "agent", nil); err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	return p, svc, ctx, cancel
}

func TestHandleInputSendsAndCompletes(t *testing.T) {
	p, svc, ctx, cancel := newTestPipeline(t)
	defer cancel()

	sub, unsub := svc.Subscribe()
	defer unsub()

	if _, err := p.HandleInput(ctx, "hello there"); err != nil {
		t.Fatalf("HandleInput: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == control.EventSessionUpdated && ev.Session != nil && ev.Session.State == models.SessionCompleted {
				segs := p.Segments()
				if len(segs) == 0 {
					t.Fatal("expected at least one segment recorded")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for turn completion")
		}
	}
}

func TestHandleInputQueuesWhenBusy(t *testing.T) {
	p, _, ctx, cancel := newTestPipeline(t)
	defer cancel()

	p.mu.Lock()
	p.busy = true
	p.mu.Unlock()

	if _, err := p.HandleInput(ctx, "queued message"); err != nil {
		t.Fatalf("HandleInput: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(p.queue))
	}
}

func TestHandleInputQuitCommand(t *testing.T) {
	p, _, ctx, cancel := newTestPipeline(t)
	defer cancel()

	_, err := p.HandleInput(ctx, "/quit")
	if err != ErrQuit {
		t.Fatalf("expected ErrQuit, got %v", err)
	}
}

func TestHandleInputAbortCommandSetsPending(t *testing.T) {
	p, _, ctx, cancel := newTestPipeline(t)
	defer cancel()

	if _, err := p.HandleInput(ctx, "/abort"); err != nil {
		t.Fatalf("HandleInput: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.abortPending {
		t.Fatal("expected abort_pending to be set")
	}
}

func TestHandleInputModelCommandStages(t *testing.T) {
	p, _, ctx, cancel := newTestPipeline(t)
	defer cancel()

	if _, err := p.HandleInput(ctx, "/model gpt-5"); err != nil {
		t.Fatalf("HandleInput: %v", err)
	}

	model, _ := p.ConsumeStaged()
	if model == nil || *model != "gpt-5" {
		t.Fatalf("expected staged model gpt-5, got %v", model)
	}
}

func TestOnAbortedCommitsPartialText(t *testing.T) {
	p, _, _, cancel := newTestPipeline(t)
	defer cancel()

	p.mu.Lock()
	p.busy = true
	p.abortPending = true
	p.mu.Unlock()

	p.OnAborted("partial response")

	segs := p.Segments()
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	msgSeg, ok := segs[0].(models.MessageChatSegment)
	if !ok || msgSeg.Message.Text() != "partial response" {
		t.Fatalf("expected committed partial text, got %+v", segs[0])
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		t.Fatal("expected busy to be cleared")
	}
	if !p.abortPending {
		t.Fatal("expected abort_pending to remain set until explicit dequeue")
	}
}

func TestEditAssistantSegmentLocalOnly(t *testing.T) {
	p, _, _, cancel := newTestPipeline(t)
	defer cancel()

	p.mu.Lock()
	p.segments = append(p.segments, models.MessageChatSegment{Message: &models.Message{
		Role:    models.RoleAssistant,
		Content: models.TextContent{Text: "original"},
	}})
	p.mu.Unlock()

	if err := p.EditAssistantSegment(0, "edited"); err != nil {
		t.Fatalf("EditAssistantSegment: %v", err)
	}

	segs := p.Segments()
	msgSeg := segs[0].(models.MessageChatSegment)
	if msgSeg.Message.Text() != "edited" {
		t.Fatalf("expected edited text, got %q", msgSeg.Message.Text())
	}
}
