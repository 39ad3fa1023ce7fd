package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

// ErrUnknownTask is returned by Drop when the dragged task is not on the view.
var ErrUnknownTask = errors.New("task not on board")

// API is the subset of Client used by BoardView.
type API interface {
	List(ctx context.Context) ([]domain.Task, error)
	Logs(ctx context.Context, limit int) ([]domain.LogEntry, error)
	Move(ctx context.Context, id string, req domain.MoveRequest) (domain.Task, error)
}

// Location is a slot in a column.
type Location struct {
	Column domain.Status
	Index  int
}

// DropEvent describes a finished drag. A nil To means the task was dropped
// outside every column.
type DropEvent struct {
	TaskID string
	From   Location
	To     *Location
}

// BoardView keeps a local, optimistically updated copy of the board.
type BoardView struct {
	api    API
	logger *log.Logger

	mu      sync.Mutex
	columns map[domain.Status][]domain.Task
	logs    []domain.LogEntry
	seq     map[string]uint64
	syncErr error

	wg sync.WaitGroup
}

// NewBoardView creates an empty view. Call Refresh to load it.
func NewBoardView(api API, logger *log.Logger) *BoardView {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BoardView{
		api:     api,
		logger:  logger,
		columns: make(map[domain.Status][]domain.Task),
		seq:     make(map[string]uint64),
	}
}

// Refresh replaces the local state with the server's tasks and logs.
func (v *BoardView) Refresh(ctx context.Context) error {
	tasks, err := v.api.List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	logs, err := v.api.Logs(ctx, 0)
	if err != nil {
		return fmt.Errorf("list logs: %w", err)
	}

	columns := make(map[domain.Status][]domain.Task, len(domain.Columns))
	for _, t := range tasks {
		columns[t.Status] = append(columns[t.Status], t)
	}
	for _, col := range columns {
		sort.SliceStable(col, func(i, j int) bool { return col[i].Position < col[j].Position })
	}

	v.mu.Lock()
	v.columns = columns
	v.logs = logs
	v.mu.Unlock()
	return nil
}

// Column returns the local order of a column.
func (v *BoardView) Column(status domain.Status) []domain.Task {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.Task(nil), v.columns[status]...)
}

// Logs returns the last fetched activity log.
func (v *BoardView) Logs() []domain.LogEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.LogEntry(nil), v.logs...)
}

// Err returns the error of the last failed resynchronization, if any.
func (v *BoardView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.syncErr
}

// Drop applies a drag locally and syncs it to the server in the background.
// It reports whether a sync was started.
func (v *BoardView) Drop(ctx context.Context, ev DropEvent) (bool, error) {
	if ev.To == nil {
		return false, nil
	}
	to := *ev.To
	if to.Column == ev.From.Column && to.Index == ev.From.Index {
		return false, nil
	}
	if !to.Column.Valid() {
		return false, domain.ErrInvalidStatus
	}

	v.mu.Lock()
	src := v.columns[ev.From.Column]
	at := indexOf(src, ev.TaskID)
	if at < 0 {
		v.mu.Unlock()
		return false, ErrUnknownTask
	}
	task := src[at]
	v.columns[ev.From.Column] = renumber(append(append([]domain.Task(nil), src[:at]...), src[at+1:]...))

	dst := v.columns[to.Column]
	idx := min(max(to.Index, 0), len(dst))
	task.Status = to.Column
	next := make([]domain.Task, 0, len(dst)+1)
	next = append(next, dst[:idx]...)
	next = append(next, task)
	next = append(next, dst[idx:]...)
	v.columns[to.Column] = renumber(next)

	var targetID string
	if idx+1 < len(next) {
		targetID = next[idx+1].ID
	}
	v.seq[task.ID]++
	seq := v.seq[task.ID]
	v.mu.Unlock()

	status := to.Column
	req := domain.MoveRequest{Status: &status, TargetID: targetID}
	v.wg.Add(1)
	go v.sync(context.WithoutCancel(ctx), task.ID, seq, req)
	return true, nil
}

// Wait blocks until every in-flight sync has finished.
func (v *BoardView) Wait() {
	v.wg.Wait()
}

func (v *BoardView) sync(ctx context.Context, id string, seq uint64, req domain.MoveRequest) {
	defer v.wg.Done()
	saved, err := v.api.Move(ctx, id, req)

	v.mu.Lock()
	if v.seq[id] != seq {
		v.mu.Unlock()
		v.logger.WithField("task", id).Debug("discarding stale move response")
		return
	}
	if err == nil {
		v.replaceLocked(saved)
		v.syncErr = nil
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	v.logger.WithError(err).WithField("task", id).Warn("move sync failed, resynchronizing board")
	if rerr := v.Refresh(ctx); rerr != nil {
		v.logger.WithError(rerr).Error("board resynchronization failed")
		err = errors.Join(err, rerr)
	}
	v.mu.Lock()
	v.syncErr = err
	v.mu.Unlock()
}

// replaceLocked refreshes the stored fields of t without changing local order.
func (v *BoardView) replaceLocked(t domain.Task) {
	col := v.columns[t.Status]
	if i := indexOf(col, t.ID); i >= 0 {
		pos := col[i].Position
		col[i] = t
		col[i].Position = pos
	}
}

func indexOf(tasks []domain.Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func renumber(tasks []domain.Task) []domain.Task {
	for i := range tasks {
		tasks[i].Position = i
	}
	return tasks
}
