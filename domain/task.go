package domain

import (
	"errors"
	"time"
)

// Status names one of the fixed board columns.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

// Columns lists the board columns in display order.
var Columns = []Status{StatusTodo, StatusInProgress, StatusDone}

var (
	// ErrNotFound is returned when a task id does not resolve.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidStatus is returned for a status outside the fixed columns.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Valid reports whether s is one of the board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ParseStatus converts raw into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", ErrInvalidStatus
	}
	return s, nil
}

// Task represents a single card on the board.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// ETag is the storage version the task was read at. Writes made from it
	// are conditional on that version. Empty means unconditional.
	ETag string `json:"-"`
}

// MoveRequest carries the optional fields of a task update.
type MoveRequest struct {
	Status   *Status `json:"status,omitempty"`
	TargetID string  `json:"targetId,omitempty"`
}
