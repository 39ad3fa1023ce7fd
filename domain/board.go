package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultLogLimit = 50

// maxColumnRetries bounds how often Move and Remove re-read a task whose
// column changed while they waited for the column locks, and how often Move
// replans after storage rejected a conditional write.
const maxColumnRetries = 3

// Storage defines the persistence needed by the board.
type Storage interface {
	// GetTask returns nil without error when the task does not exist.
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context) ([]Task, error)
	ListColumn(ctx context.Context, status Status) ([]Task, error)
	CountTasks(ctx context.Context) (int, error)
	InsertTask(ctx context.Context, t Task) error
	// SaveMove persists the moved task together with its shifted siblings.
	SaveMove(ctx context.Context, moved Task, shifted []Task) error
	// DeleteTask returns nil without error when the task does not exist.
	DeleteTask(ctx context.Context, id string) (*Task, error)
	AppendLog(ctx context.Context, e LogEntry) error
	ListLogs(ctx context.Context, limit int) ([]LogEntry, error)
}

// Board implements the task operations on top of a Storage.
type Board struct {
	store    Storage
	pub      Publisher
	logger   *log.Logger
	now      func() time.Time
	newID    func() string
	logLimit int
	locks    *columnLocks
}

// BoardOption customises a Board.
type BoardOption func(*Board)

// WithPublisher sets the sink for board changes.
func WithPublisher(p Publisher) BoardOption {
	return func(b *Board) { b.pub = p }
}

// WithLogger sets the logger used for non-fatal failures.
func WithLogger(l *log.Logger) BoardOption {
	return func(b *Board) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) BoardOption {
	return func(b *Board) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogLimit sets the number of log entries returned by default.
func WithLogLimit(n int) BoardOption {
	return func(b *Board) {
		if n > 0 {
			b.logLimit = n
		}
	}
}

// NewBoard creates a Board backed by store.
func NewBoard(store Storage, opts ...BoardOption) *Board {
	if store == nil {
		panic("domain.NewBoard: storage is nil")
	}
	b := &Board{
		store:    store,
		logger:   log.StandardLogger(),
		now:      monotonicNow,
		newID:    uuid.NewString,
		logLimit: defaultLogLimit,
		locks:    newColumnLocks(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create adds a task to the todo column. Its position is the number of tasks
// on the whole board.
func (b *Board) Create(ctx context.Context, title string) (Task, error) {
	unlock := b.locks.lock(Columns...)
	defer unlock()

	count, err := b.store.CountTasks(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("count tasks: %w", err)
	}
	now := b.now()
	t := Task{
		ID:        b.newID(),
		Title:     title,
		Status:    StatusTodo,
		Position:  count,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.InsertTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := b.appendLog(ctx, ActionCreated, createdDetails(title)); err != nil {
		return Task{}, err
	}
	b.publish(ctx, TaskCreated, t)
	return t, nil
}

// List returns every task ordered by ascending position.
func (b *Board) List(ctx context.Context) ([]Task, error) {
	tasks, err := b.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	SortByPosition(tasks)
	return tasks, nil
}

// Move changes the column and/or the position of a task.
func (b *Board) Move(ctx context.Context, id string, req MoveRequest) (Task, error) {
	if req.Status != nil && *req.Status != "" && !req.Status.Valid() {
		return Task{}, ErrInvalidStatus
	}

	cur, err := b.store.GetTask(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	if cur == nil {
		return Task{}, ErrNotFound
	}

	for attempt := 0; ; attempt++ {
		newStatus := cur.Status
		if req.Status != nil && *req.Status != "" {
			newStatus = *req.Status
		}

		unlock := b.locks.lock(cur.Status, newStatus)
		moving, err := b.store.GetTask(ctx, id)
		if err != nil {
			unlock()
			return Task{}, fmt.Errorf("get task: %w", err)
		}
		if moving == nil {
			unlock()
			return Task{}, ErrNotFound
		}
		if moving.Status != cur.Status {
			unlock()
			if attempt >= maxColumnRetries {
				return Task{}, fmt.Errorf("task %s: %w", id, ErrConcurrencyConflict)
			}
			cur = moving
			continue
		}

		t, err := b.moveLocked(ctx, *moving, newStatus, req.TargetID)
		unlock()
		if errors.Is(err, ErrConcurrencyConflict) && attempt < maxColumnRetries {
			b.logger.WithFields(log.Fields{"task": id, "attempt": attempt + 1}).Debug("move conflicted, replanning")
			cur = moving
			continue
		}
		return t, err
	}
}

func (b *Board) moveLocked(ctx context.Context, moving Task, newStatus Status, targetID string) (Task, error) {
	var target *Task
	if targetID != "" {
		var err error
		target, err = b.store.GetTask(ctx, targetID)
		if err != nil {
			return Task{}, fmt.Errorf("get target: %w", err)
		}
	}

	var column []Task
	if (target != nil && target.ID != moving.ID) || (targetID == "" && newStatus != moving.Status) {
		var err error
		column, err = b.store.ListColumn(ctx, newStatus)
		if err != nil {
			return Task{}, fmt.Errorf("list column %s: %w", newStatus, err)
		}
	}

	plan := Reposition(moving, Placement{Status: newStatus, TargetID: targetID, Target: target}, column)
	if !plan.StatusChanged && len(plan.Shifted) == 0 && plan.Task.Position == moving.Position {
		return moving, nil
	}

	now := b.now()
	plan.Task.UpdatedAt = now
	for i := range plan.Shifted {
		plan.Shifted[i].UpdatedAt = now
	}
	if err := b.store.SaveMove(ctx, plan.Task, plan.Shifted); err != nil {
		return Task{}, fmt.Errorf("save move: %w", err)
	}
	b.logger.WithFields(log.Fields{
		"task":    plan.Task.ID,
		"from":    moving.Status,
		"to":      plan.Task.Status,
		"old_pos": moving.Position,
		"new_pos": plan.Task.Position,
		"shifted": len(plan.Shifted),
	}).Debug("task moved")

	if plan.StatusChanged {
		if err := b.appendLog(ctx, ActionMoved, movedDetails(plan.Task.Title, plan.Task.Status)); err != nil {
			return Task{}, err
		}
	}
	b.publish(ctx, TaskMoved, plan.Task)
	return plan.Task, nil
}

// Remove deletes a task. Remaining positions are left untouched.
func (b *Board) Remove(ctx context.Context, id string) (Task, error) {
	cur, err := b.store.GetTask(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	if cur == nil {
		return Task{}, ErrNotFound
	}

	for attempt := 0; ; attempt++ {
		unlock := b.locks.lock(cur.Status)
		latest, err := b.store.GetTask(ctx, id)
		if err != nil {
			unlock()
			return Task{}, fmt.Errorf("get task: %w", err)
		}
		if latest == nil {
			unlock()
			return Task{}, ErrNotFound
		}
		if latest.Status != cur.Status {
			unlock()
			if attempt >= maxColumnRetries {
				return Task{}, fmt.Errorf("task %s: %w", id, ErrConcurrencyConflict)
			}
			cur = latest
			continue
		}

		t, err := b.removeLocked(ctx, id)
		unlock()
		return t, err
	}
}

func (b *Board) removeLocked(ctx context.Context, id string) (Task, error) {
	deleted, err := b.store.DeleteTask(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("delete task: %w", err)
	}
	if deleted == nil {
		return Task{}, ErrNotFound
	}
	if err := b.appendLog(ctx, ActionDeleted, deletedDetails(deleted.Title)); err != nil {
		return Task{}, err
	}
	b.publish(ctx, TaskDeleted, *deleted)
	return *deleted, nil
}

// Logs returns the newest activity entries first. A non-positive limit uses
// the board default.
func (b *Board) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = b.logLimit
	}
	entries, err := b.store.ListLogs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return entries, nil
}

func (b *Board) appendLog(ctx context.Context, action Action, details string) error {
	e := LogEntry{
		ID:        b.newID(),
		Action:    action,
		Details:   details,
		CreatedAt: b.now(),
	}
	if err := b.store.AppendLog(ctx, e); err != nil {
		return fmt.Errorf("append %s log: %w", action, err)
	}
	return nil
}

func (b *Board) publish(ctx context.Context, typ string, t Task) {
	if b.pub == nil {
		return
	}
	ch := Change{Type: typ, TaskID: t.ID, Status: t.Status, Position: t.Position, Time: b.now()}
	if err := b.pub.Publish(ctx, ch); err != nil {
		b.logger.WithError(err).WithField("task", t.ID).Warn("publish board change failed")
	}
}

// SortByPosition orders tasks by ascending position, oldest first on ties.
func SortByPosition(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
