package domain

import (
	"fmt"
	"time"
)

// Action classifies an activity log entry.
type Action string

const (
	ActionCreated Action = "CREATED"
	ActionMoved   Action = "MOVED"
	ActionDeleted Action = "DELETED"
)

// LogEntry is an immutable record of a board mutation.
type LogEntry struct {
	ID        string    `json:"id"`
	Action    Action    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"createdAt"`
}

func createdDetails(title string) string {
	return fmt.Sprintf("Task \"%s\" created.", title)
}

func movedDetails(title string, status Status) string {
	return fmt.Sprintf("Moved \"%s\" to %s.", title, status)
}

func deletedDetails(title string) string {
	return fmt.Sprintf("Deleted task \"%s\".", title)
}
