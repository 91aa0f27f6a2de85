package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/swedishembedded/sven/pkg/models"
)

func TestMemoryStoreSessionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	session := &models.Session{Mode: "code"}

	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID == "" {
		t.Fatalf("expected session id to be assigned")
	}
	if session.State != models.SessionIdle {
		t.Fatalf("expected default state %q, got %q", models.SessionIdle, session.State)
	}

	loaded, err := store.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if loaded.Mode != "code" {
		t.Fatalf("expected mode %q, got %q", "code", loaded.Mode)
	}

	loaded.State = models.SessionRunning
	if err := store.Update(context.Background(), loaded); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	updated, err := store.Get(context.Background(), loaded.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if updated.State != models.SessionRunning {
		t.Fatalf("expected state to update")
	}
	if !updated.UpdatedAt.After(updated.CreatedAt) && updated.UpdatedAt != updated.CreatedAt {
		t.Fatalf("expected UpdatedAt to advance on update")
	}

	if err := store.Delete(context.Background(), updated.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := store.Get(context.Background(), updated.ID); err == nil {
		t.Fatal("expected error getting deleted session")
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Update(context.Background(), &models.Session{ID: "nope"}); err == nil {
		t.Fatal("expected error updating missing session")
	}
}

func TestMemoryStoreMessages(t *testing.T) {
	store := NewMemoryStore()
	session := &models.Session{Mode: "chat"}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	msg := &models.Message{SessionID: session.ID, Role: models.RoleUser, Content: models.TextContent{Text: "hello"}}
	if err := store.AppendMessage(context.Background(), session.ID, msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	history, err := store.GetHistory(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}
	if history[0].ID == "" {
		t.Fatalf("expected persisted message to have an id")
	}
	if history[0].Text() != "hello" {
		t.Fatalf("expected text %q, got %q", "hello", history[0].Text())
	}
}

func TestMemoryStoreAppendMessageUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	msg := &models.Message{Role: models.RoleUser, Content: models.TextContent{Text: "hi"}}
	if err := store.AppendMessage(context.Background(), "missing", msg); err == nil {
		t.Fatal("expected error appending to unknown session")
	}
}

func TestMemoryStoreGetHistoryLimit(t *testing.T) {
	store := NewMemoryStore()
	session := &models.Session{}
	_ = store.Create(context.Background(), session)

	for i := 0; i < 5; i++ {
		_ = store.AppendMessage(context.Background(), session.ID, &models.Message{
			Role:    models.RoleUser,
			Content: models.TextContent{Text: "msg"},
		})
	}

	history, err := store.GetHistory(context.Background(), session.ID, 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages with limit, got %d", len(history))
	}

	all, err := store.GetHistory(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 messages with no limit, got %d", len(all))
	}
}

func TestMemoryStoreAppendMessageCapsHistory(t *testing.T) {
	store := NewMemoryStore()
	session := &models.Session{}
	_ = store.Create(context.Background(), session)

	for i := 0; i < maxMessagesPerSession+10; i++ {
		_ = store.AppendMessage(context.Background(), session.ID, &models.Message{
			Role:    models.RoleUser,
			Content: models.TextContent{Text: "msg"},
		})
	}

	all, err := store.GetHistory(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(all) != maxMessagesPerSession {
		t.Fatalf("expected history capped at %d, got %d", maxMessagesPerSession, len(all))
	}
}

func TestMemoryStoreListFiltersByStateAndOrdersByRecency(t *testing.T) {
	store := NewMemoryStore()

	older := &models.Session{State: models.SessionIdle}
	_ = store.Create(context.Background(), older)
	older.UpdatedAt = time.Now().Add(-time.Hour)
	_ = store.Update(context.Background(), older)

	newer := &models.Session{State: models.SessionIdle}
	_ = store.Create(context.Background(), newer)

	running := &models.Session{State: models.SessionRunning}
	_ = store.Create(context.Background(), running)

	idle, err := store.List(context.Background(), ListOptions{State: models.SessionIdle})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(idle) != 2 {
		t.Fatalf("expected 2 idle sessions, got %d", len(idle))
	}
	if idle[0].ID != newer.ID {
		t.Fatalf("expected most recently updated session first, got %s", idle[0].ID)
	}

	all, err := store.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions total, got %d", len(all))
	}
}

func TestMemoryStoreListPagination(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		_ = store.Create(context.Background(), &models.Session{})
	}

	page, err := store.List(context.Background(), ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
}

func TestMemoryStoreDeleteRemovesHistory(t *testing.T) {
	store := NewMemoryStore()
	session := &models.Session{}
	_ = store.Create(context.Background(), session)
	_ = store.AppendMessage(context.Background(), session.ID, &models.Message{
		Role:    models.RoleUser,
		Content: models.TextContent{Text: "hi"},
	})

	if err := store.Delete(context.Background(), session.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	history, err := store.GetHistory(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected history cleared after delete, got %d messages", len(history))
	}
}

func TestMemoryStoreCloneIsolatesCallerMutation(t *testing.T) {
	store := NewMemoryStore()
	dir := "/tmp/work"
	session := &models.Session{WorkingDir: &dir}
	_ = store.Create(context.Background(), session)

	loaded, _ := store.Get(context.Background(), session.ID)
	*loaded.WorkingDir = "/mutated"

	reloaded, _ := store.Get(context.Background(), session.ID)
	if *reloaded.WorkingDir != "/tmp/work" {
		t.Fatalf("expected stored session to be isolated from caller mutation, got %q", *reloaded.WorkingDir)
	}
}
