package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestBoard(t *testing.T, fs *fakeStore, opts ...BoardOption) *Board {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts = append([]BoardOption{WithLogger(logger)}, opts...)
	b := NewBoard(fs, opts...)
	var (
		mu  sync.Mutex
		seq int
	)
	b.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}
	return b
}

func seedColumn(t *testing.T, b *Board, titles ...string) []Task {
	t.Helper()
	out := make([]Task, 0, len(titles))
	for _, title := range titles {
		tk, err := b.Create(context.Background(), title)
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		out = append(out, tk)
	}
	return out
}

func statusPtr(s Status) *Status { return &s }

func TestBoardCreateAssignsGlobalPosition(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	ctx := context.Background()

	a := seedColumn(t, b, "A")[0]
	if a.Status != StatusTodo || a.Position != 0 {
		t.Fatalf("unexpected first task: %+v", a)
	}
	if _, err := b.Move(ctx, a.ID, MoveRequest{Status: statusPtr(StatusDone)}); err != nil {
		t.Fatalf("move: %v", err)
	}

	second, err := b.Create(ctx, "B")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The counter spans every column, so B lands at 1 although todo is empty.
	if second.Position != 1 || second.Status != StatusTodo {
		t.Fatalf("unexpected second task: %+v", second)
	}

	actions := fs.logActions()
	created := 0
	for _, a := range actions {
		if a == ActionCreated {
			created++
		}
	}
	if created != 2 {
		t.Fatalf("expected 2 CREATED entries, got %v", actions)
	}
}

func TestBoardCreateAcceptsEmptyTitle(t *testing.T) {
	b := newTestBoard(t, newFakeStore())
	tk, err := b.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tk.Title != "" || tk.ID == "" {
		t.Fatalf("unexpected task: %+v", tk)
	}
}

func TestBoardMoveWithinColumn(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	tasks := seedColumn(t, b, "A", "B", "C")

	moved, err := b.Move(context.Background(), tasks[0].ID, MoveRequest{TargetID: tasks[2].ID})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Position != 2 {
		t.Fatalf("expected A at 2, got %d", moved.Position)
	}
	got := fs.positionsOf(StatusTodo)
	want := map[string]int{tasks[0].ID: 2, tasks[1].ID: 0, tasks[2].ID: 1}
	for id, pos := range want {
		if got[id] != pos {
			t.Fatalf("unexpected positions %v, want %v", got, want)
		}
	}
	for _, a := range fs.logActions() {
		if a == ActionMoved {
			t.Fatal("same-column move must not append MOVED")
		}
	}
}

func TestBoardMoveStatusOnlyAppends(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	ctx := context.Background()
	tasks := seedColumn(t, b, "A", "B", "C", "D")

	for _, tk := range tasks[1:3] {
		if _, err := b.Move(ctx, tk.ID, MoveRequest{Status: statusPtr(StatusInProgress)}); err != nil {
			t.Fatalf("move %s: %v", tk.Title, err)
		}
	}
	before := len(fs.positionsOf(StatusInProgress))

	moved, err := b.Move(ctx, tasks[3].ID, MoveRequest{Status: statusPtr(StatusInProgress)})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Position != before {
		t.Fatalf("expected append at %d, got %d", before, moved.Position)
	}
	if moved.Status != StatusInProgress {
		t.Fatalf("expected in-progress, got %s", moved.Status)
	}

	fs.mu.Lock()
	last := fs.logs[len(fs.logs)-1]
	fs.mu.Unlock()
	if last.Action != ActionMoved || last.Details != `Moved "D" to in-progress.` {
		t.Fatalf("unexpected last log entry: %+v", last)
	}
}

func TestBoardMoveIsIdempotentWithoutTarget(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	ctx := context.Background()
	tasks := seedColumn(t, b, "A", "B")

	if _, err := b.Move(ctx, tasks[0].ID, MoveRequest{Status: statusPtr(StatusDone)}); err != nil {
		t.Fatalf("first move: %v", err)
	}
	saves := fs.saveMoves
	logs := len(fs.logActions())
	snapshot := fs.positionsOf(StatusDone)

	if _, err := b.Move(ctx, tasks[0].ID, MoveRequest{Status: statusPtr(StatusDone)}); err != nil {
		t.Fatalf("second move: %v", err)
	}
	if fs.saveMoves != saves {
		t.Fatalf("expected no further writes, saves %d -> %d", saves, fs.saveMoves)
	}
	if len(fs.logActions()) != logs {
		t.Fatal("expected no further log entries")
	}
	after := fs.positionsOf(StatusDone)
	for id, pos := range snapshot {
		if after[id] != pos {
			t.Fatalf("positions changed: %v -> %v", snapshot, after)
		}
	}
}

func TestBoardMoveUnknownTargetIsIgnored(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	tasks := seedColumn(t, b, "A", "B")

	moved, err := b.Move(context.Background(), tasks[1].ID, MoveRequest{Status: statusPtr(StatusDone), TargetID: "missing"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Status != StatusDone || moved.Position != tasks[1].Position {
		t.Fatalf("expected status applied and position kept, got %+v", moved)
	}
	actions := fs.logActions()
	if actions[len(actions)-1] != ActionMoved {
		t.Fatalf("expected MOVED entry, got %v", actions)
	}
}

func TestBoardMoveNotFound(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	if _, err := b.Move(context.Background(), "nope", MoveRequest{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBoardMoveInvalidStatus(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	tk := seedColumn(t, b, "A")[0]
	if _, err := b.Move(context.Background(), tk.ID, MoveRequest{Status: statusPtr("archived")}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestBoardMoveSaveFailure(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	tasks := seedColumn(t, b, "A", "B")
	fs.failSave = errors.New("storage down")

	if _, err := b.Move(context.Background(), tasks[0].ID, MoveRequest{TargetID: tasks[1].ID}); err == nil {
		t.Fatal("expected save error")
	}
	got := fs.positionsOf(StatusTodo)
	if got[tasks[0].ID] != 0 || got[tasks[1].ID] != 1 {
		t.Fatalf("positions must be untouched after failure: %v", got)
	}
}

func TestBoardRemove(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	ctx := context.Background()
	tasks := seedColumn(t, b, "A", "B", "C")

	deleted, err := b.Remove(ctx, tasks[1].ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if deleted.ID != tasks[1].ID {
		t.Fatalf("unexpected deleted task: %+v", deleted)
	}
	got := fs.positionsOf(StatusTodo)
	if len(got) != 2 || got[tasks[0].ID] != 0 || got[tasks[2].ID] != 2 {
		t.Fatalf("expected gap at 1 to remain, got %v", got)
	}
	actions := fs.logActions()
	if actions[len(actions)-1] != ActionDeleted {
		t.Fatalf("expected DELETED entry, got %v", actions)
	}

	before := len(actions)
	if _, err := b.Remove(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(fs.logActions()) != before {
		t.Fatal("unknown delete must not append a log entry")
	}
}

func TestBoardRemoveRelocksWhenColumnChanged(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	tk := seedColumn(t, b, "A")[0]

	// The task leaves todo right after Remove first reads it.
	var once sync.Once
	fs.afterGet = func(id string) {
		once.Do(func() { fs.setStatus(id, StatusDone) })
	}
	unlockDone := b.locks.lock(StatusDone)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Remove(context.Background(), tk.ID)
		errc <- err
	}()
	select {
	case err := <-errc:
		unlockDone()
		t.Fatalf("remove finished without the done column lock: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	unlockDone()
	if err := <-errc; err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := fs.positionsOf(StatusDone); len(got) != 0 {
		t.Fatalf("task still stored: %v", got)
	}
}

func TestBoardRemoveGivesUpWhenColumnKeepsChanging(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	tk := seedColumn(t, b, "A")[0]

	var mu sync.Mutex
	next := 0
	fs.afterGet = func(id string) {
		mu.Lock()
		defer mu.Unlock()
		next++
		fs.setStatus(id, Columns[next%len(Columns)])
	}

	if _, err := b.Remove(context.Background(), tk.ID); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	fs.afterGet = nil
	if got, _ := fs.GetTask(context.Background(), tk.ID); got == nil {
		t.Fatal("task must not be deleted after giving up")
	}
}

func TestBoardMoveReplansAfterStorageConflict(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	tasks := seedColumn(t, b, "A", "B", "C")
	fs.conflictSaves = 1

	moved, err := b.Move(context.Background(), tasks[2].ID, MoveRequest{TargetID: tasks[0].ID})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Position != 0 {
		t.Fatalf("unexpected moved task: %+v", moved)
	}
	if fs.saveAttempts != 2 || fs.saveMoves != 1 {
		t.Fatalf("expected one rejected and one applied save, got %d attempts %d saves", fs.saveAttempts, fs.saveMoves)
	}
	got := fs.positionsOf(StatusTodo)
	if got[tasks[2].ID] != 0 || got[tasks[0].ID] != 1 || got[tasks[1].ID] != 2 {
		t.Fatalf("unexpected positions: %v", got)
	}
}

func TestBoardMoveSurfacesPersistentConflict(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	tasks := seedColumn(t, b, "A", "B")
	fs.conflictSaves = maxColumnRetries + 5

	_, err := b.Move(context.Background(), tasks[1].ID, MoveRequest{TargetID: tasks[0].ID})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if fs.saveAttempts != maxColumnRetries+1 {
		t.Fatalf("expected %d save attempts, got %d", maxColumnRetries+1, fs.saveAttempts)
	}
}

func TestBoardListSortsByPosition(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs)
	ctx := context.Background()
	tasks := seedColumn(t, b, "A", "B", "C")
	if _, err := b.Move(ctx, tasks[2].ID, MoveRequest{TargetID: tasks[0].ID}); err != nil {
		t.Fatalf("move: %v", err)
	}

	list, err := b.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Position > list[i].Position {
			t.Fatalf("list not sorted: %+v", list)
		}
	}
	if list[0].Title != "C" {
		t.Fatalf("expected C first, got %s", list[0].Title)
	}
}

func TestBoardLogsNewestFirstWithDefaultLimit(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs, WithLogLimit(2))
	seedColumn(t, b, "A", "B", "C")

	entries, err := b.Logs(context.Background(), 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Details != `Task "C" created.` {
		t.Fatalf("expected newest entry first, got %+v", entries[0])
	}
}

func TestBoardPublishesChanges(t *testing.T) {
	fs := newFakeStore()
	pub := &recordingPublisher{err: errors.New("redis down")}
	b := newTestBoard(t, fs, WithPublisher(pub))
	ctx := context.Background()
	tk := seedColumn(t, b, "A")[0]

	if _, err := b.Move(ctx, tk.ID, MoveRequest{Status: statusPtr(StatusDone)}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := b.Remove(ctx, tk.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	want := []string{TaskCreated, TaskMoved, TaskDeleted}
	if len(pub.changes) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), pub.changes)
	}
	for i, typ := range want {
		if pub.changes[i].Type != typ || pub.changes[i].TaskID != tk.ID {
			t.Fatalf("change %d: unexpected %+v", i, pub.changes[i])
		}
	}
	if pub.changes[1].Status != StatusDone {
		t.Fatalf("expected moved change to carry status done, got %s", pub.changes[1].Status)
	}
}

func TestBoardAppendLogFailureSurfaces(t *testing.T) {
	fs := newFakeStore()
	fs.failAppend = errors.New("logs table unavailable")
	b := newTestBoard(t, fs)
	if _, err := b.Create(context.Background(), "A"); err == nil {
		t.Fatal("expected append error to surface")
	}
}

func TestBoardConcurrentMovesKeepColumnContiguous(t *testing.T) {
	fs := newFakeStore()
	b := newTestBoard(t, fs, WithLogger(log.New()))
	ctx := context.Background()
	tasks := seedColumn(t, b, "A", "B", "C", "D", "E", "F")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := tasks[i%len(tasks)]
			to := tasks[(i*7+3)%len(tasks)]
			if _, err := b.Move(ctx, from.ID, MoveRequest{TargetID: to.ID}); err != nil {
				t.Errorf("move: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got := fs.positionsOf(StatusTodo)
	seen := make([]bool, len(tasks))
	for id, pos := range got {
		if pos < 0 || pos >= len(tasks) || seen[pos] {
			t.Fatalf("column lost contiguity at %s=%d: %v", id, pos, got)
		}
		seen[pos] = true
	}
}
