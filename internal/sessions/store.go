// Package sessions persists agent session state and message history.
package sessions

import (
	"context"

	"github.com/swedishembedded/sven/pkg/models"
)

// Store is the interface for session persistence.
type Store interface {
	// Create persists a new session, assigning ID/CreatedAt/UpdatedAt if unset.
	Create(ctx context.Context, session *models.Session) error

	// Get returns the session with the given ID.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Update persists changes to an existing session (state transitions,
	// cancel token, pending approvals).
	Update(ctx context.Context, session *models.Session) error

	// Delete removes a session and its history.
	Delete(ctx context.Context, id string) error

	// List returns known sessions, most recently updated first.
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// AppendMessage appends msg to a session's history.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// GetHistory returns up to limit of the most recent messages for a
	// session (0 = no limit).
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	State  models.SessionState
	Limit  int
	Offset int
}
