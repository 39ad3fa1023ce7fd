package domain

import (
	"context"
	"time"
)

const (
	TaskCreated = "task-created"
	TaskMoved   = "task-moved"
	TaskDeleted = "task-deleted"
)

// Change describes a board mutation for subscribers.
type Change struct {
	Type     string    `json:"type"`
	TaskID   string    `json:"taskId"`
	Status   Status    `json:"status"`
	Position int       `json:"position"`
	Time     time.Time `json:"time"`
}

// Publisher receives board changes after they are persisted.
type Publisher interface {
	Publish(ctx context.Context, ch Change) error
}
