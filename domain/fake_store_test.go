package domain

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	logs  []LogEntry

	saveMoves  int
	failAppend error
	failSave   error

	// conflictSaves rejects that many SaveMove calls as concurrent writes.
	conflictSaves int
	saveAttempts  int
	// afterGet runs after every GetTask, outside the store lock.
	afterGet func(id string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]Task{}}
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	t, ok := f.tasks[id]
	hook := f.afterGet
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) setStatus(id string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Status = status
	f.tasks[id] = t
}

func (f *fakeStore) ListTasks(ctx context.Context) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListColumn(ctx context.Context, status Status) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) CountTasks(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks), nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tasks[t.ID]; exists {
		return errors.New("task exists")
	}
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) SaveMove(ctx context.Context, moved Task, shifted []Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveAttempts++
	if f.failSave != nil {
		return f.failSave
	}
	if f.conflictSaves > 0 {
		f.conflictSaves--
		return ErrConcurrencyConflict
	}
	f.saveMoves++
	f.tasks[moved.ID] = moved
	for _, t := range shifted {
		f.tasks[t.ID] = t
	}
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	delete(f.tasks, id)
	return &t, nil
}

func (f *fakeStore) AppendLog(ctx context.Context, e LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend != nil {
		return f.failAppend
	}
	f.logs = append(f.logs, e)
	return nil
}

func (f *fakeStore) ListLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LogEntry, 0, len(f.logs))
	for i := len(f.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.logs[i])
	}
	return out, nil
}

func (f *fakeStore) positionsOf(status Status) map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, t := range f.tasks {
		if t.Status == status {
			out[t.ID] = t.Position
		}
	}
	return out
}

func (f *fakeStore) logActions() []Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Action, len(f.logs))
	for i, e := range f.logs {
		out[i] = e.Action
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (r *recordingPublisher) Publish(ctx context.Context, ch Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
	return r.err
}
