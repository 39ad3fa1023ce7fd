package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

const (
	// boardPartition keeps every task in one partition so a move can be
	// written as a single entity group transaction.
	boardPartition = "board"

	// maxTransactionActions is the Table service limit per batch.
	maxTransactionActions = 100

	edmInt32 = "Edm.Int32"
	edmInt64 = "Edm.Int64"
)

// Storage provides access to the tasks and logs tables.
type Storage struct {
	taskTable *aztables.Client
	logTable  *aztables.Client
	logger    *log.Logger
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, logsTable string, logger *log.Logger) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Storage{
		taskTable: svc.NewClient(tasksTable),
		logTable:  svc.NewClient(logsTable),
		logger:    logger,
	}, nil
}

// entity represents base table entity keys.
type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entity
	ETag          string `json:"odata.etag,omitempty"`
	Title         string `json:"Title"`
	Status        string `json:"Status"`
	Position      int    `json:"Position"`
	PositionType  string `json:"Position@odata.type,omitempty"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type,omitempty"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type,omitempty"`
}

// taskUpdate carries the fields rewritten by a move.
type taskUpdate struct {
	entity
	Status        string `json:"Status"`
	Position      int    `json:"Position"`
	PositionType  string `json:"Position@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

type logEntity struct {
	entity
	EntryID       string `json:"EntryId"`
	Action        string `json:"Action"`
	Details       string `json:"Details"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type,omitempty"`
}

func newTaskEntity(t domain.Task) taskEntity {
	return taskEntity{
		entity:        entity{PartitionKey: boardPartition, RowKey: t.ID},
		Title:         t.Title,
		Status:        string(t.Status),
		Position:      t.Position,
		PositionType:  edmInt32,
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixNano(),
		UpdatedAtType: edmInt64,
	}
}

func newTaskUpdate(t domain.Task) taskUpdate {
	return taskUpdate{
		entity:        entity{PartitionKey: boardPartition, RowKey: t.ID},
		Status:        string(t.Status),
		Position:      t.Position,
		PositionType:  edmInt32,
		UpdatedAt:     t.UpdatedAt.UnixNano(),
		UpdatedAtType: edmInt64,
	}
}

func (e taskEntity) task() domain.Task {
	return domain.Task{
		ID:        e.RowKey,
		Title:     e.Title,
		Status:    domain.Status(e.Status),
		Position:  e.Position,
		CreatedAt: time.Unix(0, e.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, e.UpdatedAt).UTC(),
		ETag:      e.ETag,
	}
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return ent.task(), nil
}

func decodeLogEntity(data []byte) (domain.LogEntry, error) {
	var ent logEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.LogEntry{}, err
	}
	return domain.LogEntry{
		ID:        ent.EntryID,
		Action:    domain.Action(ent.Action),
		Details:   ent.Details,
		CreatedAt: time.Unix(0, ent.CreatedAt).UTC(),
	}, nil
}

// logRowKey sorts newer entries first within the partition.
func logRowKey(e domain.LogEntry) string {
	return fmt.Sprintf("%019d_%s", math.MaxInt64-e.CreatedAt.UnixNano(), e.ID)
}

// validTaskID rejects ids that cannot be row keys. Tasks are keyed by UUID.
func validTaskID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// isTransactionConflict reports whether a batch was rejected because one of
// its conditional merges no longer matched. A failed operation inside a change
// set is reported against the 202 batch envelope, so that status counts too.
func isTransactionConflict(err error) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	switch respErr.StatusCode {
	case http.StatusPreconditionFailed, http.StatusNotFound, http.StatusAccepted:
		return true
	}
	return respErr.ErrorCode == string(aztables.UpdateConditionNotSatisfied) ||
		respErr.ErrorCode == string(aztables.ResourceNotFound)
}

// GetTask retrieves a task if present.
func (s *Storage) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	if !validTaskID(id) {
		return nil, nil
	}
	ent, err := s.taskTable.GetEntity(ctx, boardPartition, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	t, err := decodeTaskEntity(ent.Value)
	if err != nil {
		return nil, err
	}
	t.ETag = string(ent.ETag)
	return &t, nil
}

func (s *Storage) listTasks(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// ListTasks retrieves every task on the board.
func (s *Storage) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.listTasks(ctx, "PartitionKey eq '"+boardPartition+"'")
}

// ListColumn retrieves the tasks stored with the given status.
func (s *Storage) ListColumn(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	return s.listTasks(ctx, "PartitionKey eq '"+boardPartition+"' and Status eq '"+string(status)+"'")
}

// CountTasks returns the number of tasks on the board.
func (s *Storage) CountTasks(ctx context.Context) (int, error) {
	filter := "PartitionKey eq '" + boardPartition + "'"
	sel := "RowKey"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	count := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		count += len(resp.Entities)
	}
	return count, nil
}

// InsertTask adds a new task entity.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(newTaskEntity(t))
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		if isStatus(err, http.StatusConflict) {
			return fmt.Errorf("task %s already exists", t.ID)
		}
		return err
	}
	return nil
}

// SaveMove merges the new status and positions of a move in one entity group
// transaction. Each merge is conditional on the ETag the task was read at.
// Moves touching more than maxTransactionActions tasks are split into several
// batches.
func (s *Storage) SaveMove(ctx context.Context, moved domain.Task, shifted []domain.Task) error {
	actions, err := moveActions(moved, shifted)
	if err != nil {
		return err
	}
	batches := chunkActions(actions, maxTransactionActions)
	if len(batches) > 1 {
		s.logger.WithFields(log.Fields{"task": moved.ID, "actions": len(actions), "batches": len(batches)}).
			Warn("move exceeds one transaction, writing in batches")
	}
	for _, batch := range batches {
		if _, err := s.taskTable.SubmitTransaction(ctx, batch, nil); err != nil {
			if isTransactionConflict(err) {
				return domain.ErrConcurrencyConflict
			}
			return err
		}
	}
	return nil
}

// moveActions builds the merge actions for a move, shifted siblings first.
func moveActions(moved domain.Task, shifted []domain.Task) ([]aztables.TransactionAction, error) {
	tasks := make([]domain.Task, 0, len(shifted)+1)
	tasks = append(tasks, shifted...)
	tasks = append(tasks, moved)
	actions := make([]aztables.TransactionAction, 0, len(tasks))
	for _, t := range tasks {
		payload, err := json.Marshal(newTaskUpdate(t))
		if err != nil {
			return nil, err
		}
		etag := azcore.ETagAny
		if t.ETag != "" {
			etag = azcore.ETag(t.ETag)
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
			IfMatch:    &etag,
		})
	}
	return actions, nil
}

// chunkActions splits actions into batches of at most size entries.
func chunkActions(actions []aztables.TransactionAction, size int) [][]aztables.TransactionAction {
	var batches [][]aztables.TransactionAction
	for start := 0; start < len(actions); start += size {
		end := start + size
		if end > len(actions) {
			end = len(actions)
		}
		batches = append(batches, actions[start:end])
	}
	return batches
}

// DeleteTask removes a task and returns the deleted record.
func (s *Storage) DeleteTask(ctx context.Context, id string) (*domain.Task, error) {
	if !validTaskID(id) {
		return nil, nil
	}
	ent, err := s.taskTable.GetEntity(ctx, boardPartition, id, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	t, err := decodeTaskEntity(ent.Value)
	if err != nil {
		return nil, err
	}
	etag := ent.ETag
	if _, err := s.taskTable.DeleteEntity(ctx, boardPartition, id, &aztables.DeleteEntityOptions{IfMatch: &etag}); err != nil {
		switch {
		case isStatus(err, http.StatusNotFound):
			return nil, nil
		case isStatus(err, http.StatusPreconditionFailed):
			return nil, domain.ErrConcurrencyConflict
		}
		return nil, err
	}
	return &t, nil
}

// AppendLog stores an activity log entry.
func (s *Storage) AppendLog(ctx context.Context, e domain.LogEntry) error {
	ent := logEntity{
		entity:        entity{PartitionKey: boardPartition, RowKey: logRowKey(e)},
		EntryID:       e.ID,
		Action:        string(e.Action),
		Details:       e.Details,
		CreatedAt:     e.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.logTable.AddEntity(ctx, payload, nil)
	return err
}

// ListLogs retrieves up to limit entries, newest first.
func (s *Storage) ListLogs(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	filter := "PartitionKey eq '" + boardPartition + "'"
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if limit > 0 && limit <= math.MaxInt32 {
		top := int32(limit)
		opts.Top = &top
	}
	pager := s.logTable.NewListEntitiesPager(opts)
	entries := []domain.LogEntry{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			entry, err := decodeLogEntity(e)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) >= limit {
				return entries, nil
			}
		}
	}
	return entries, nil
}
