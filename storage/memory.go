package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kanban-api/domain"
)

// Memory keeps the board in process memory. It is used for local runs and
// tests and is lost on restart.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	logs  []domain.LogEntry
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]domain.Task)}
}

func (m *Memory) GetTask(_ context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) ListTasks(context.Context) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) ListColumn(_ context.Context, status domain.Status) ([]domain.Task, error) {
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) CountTasks(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks), nil
}

func (m *Memory) InsertTask(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = t
	return nil
}

// SaveMove applies all writes of a move under one lock.
func (m *Memory) SaveMove(_ context.Context, moved domain.Task, shifted []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[moved.ID]; !ok {
		return domain.ErrConcurrencyConflict
	}
	for _, t := range shifted {
		if _, ok := m.tasks[t.ID]; !ok {
			return domain.ErrConcurrencyConflict
		}
	}
	for _, t := range shifted {
		m.tasks[t.ID] = t
	}
	m.tasks[moved.ID] = moved
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	delete(m.tasks, id)
	return &t, nil
}

func (m *Memory) AppendLog(_ context.Context, e domain.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, e)
	return nil
}

// ListLogs returns up to limit entries, newest first.
func (m *Memory) ListLogs(_ context.Context, limit int) ([]domain.LogEntry, error) {
	m.mu.RLock()
	out := make([]domain.LogEntry, len(m.logs))
	for i, e := range m.logs {
		out[len(out)-1-i] = e
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
