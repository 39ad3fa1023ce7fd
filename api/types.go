package api

import (
	"context"

	"kanban-api/domain"
)

// Board is the task service used by the handlers.
type Board interface {
	Create(ctx context.Context, title string) (domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	Move(ctx context.Context, id string, req domain.MoveRequest) (domain.Task, error)
	Remove(ctx context.Context, id string) (domain.Task, error)
	Logs(ctx context.Context, limit int) ([]domain.LogEntry, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, scope, key string) error
}
