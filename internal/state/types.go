package state

import (
	"context"
	"encoding/json"
	"time"
)

type Store interface {
	Close() error

	// CreateInfo inserts a task info only if no task with the same ID exists.
	// It returns ErrAlreadyExists otherwise and leaves the stored task untouched.
	CreateInfo(ctx context.Context, t *TaskInfo) error

	// GetInfo retrieves a task info from a persistent store.
	GetInfo(ctx context.Context, id string) (info *TaskInfo, err error)

	// ListInfo retrieves a list of task info from a persistent store.
	ListInfo(ctx context.Context, skip uint64, limit uint64) (info []TaskInfo, err error)

	// BeginAttempt atomically increments the attempt counter and moves the task to PROCESSING.
	//
	// It returns ErrNotFound if the task does not exist.
	// If the task is terminal, nothing is written and the current task is returned with ErrTerminal.
	BeginAttempt(ctx context.Context, id string) (info *TaskInfo, err error)

	// Transition moves a non-terminal task to status and records reason as its last error.
	// An empty reason clears the error.
	//
	// It returns ErrNotFound if the task does not exist.
	// If the task is terminal, nothing is written and the current task is returned with ErrTerminal.
	Transition(ctx context.Context, id string, status TaskStatus, reason string) (info *TaskInfo, err error)
}

type TaskStatus string

const (
	TaskStatusSubmitted     TaskStatus = "SUBMITTED"
	TaskStatusProcessing    TaskStatus = "PROCESSING"
	TaskStatusCompleted     TaskStatus = "COMPLETED"
	TaskStatusFailedPending TaskStatus = "FAILED_PENDING"
	TaskStatusFailedFinal   TaskStatus = "FAILED_FINAL"
)

// IsTerminal reports whether no transition may leave s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailedFinal:
		return true
	default:
		return false
	}
}

func (s TaskStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// PROCESSING -> PROCESSING and the FAILED_PENDING exits other than PROCESSING
// exist for overlapping deliveries of the same task.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusSubmitted: {
		TaskStatusProcessing,
	},
	TaskStatusProcessing: {
		TaskStatusProcessing,
		TaskStatusCompleted,
		TaskStatusFailedPending,
		TaskStatusFailedFinal,
	},
	TaskStatusFailedPending: {
		TaskStatusProcessing,
		TaskStatusCompleted,
		TaskStatusFailedPending,
		TaskStatusFailedFinal,
	},
	TaskStatusCompleted:   {},
	TaskStatusFailedFinal: {},
}

// CanTransition reports whether a task in status from may be moved to status to.
func CanTransition(from TaskStatus, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TaskInfo struct {
	ID        string         `json:"taskId"`
	Status    TaskStatus     `json:"status"`
	Attempts  int            `json:"attempts"`
	Payload   map[string]any `json:"payload"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func NewTaskInfo(id string, payload map[string]any) *TaskInfo {
	now := time.Now().UTC()
	return &TaskInfo{
		ID:        id,
		Status:    TaskStatusSubmitted,
		Attempts:  0,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func EncodeInfo(t *TaskInfo) ([]byte, error) {
	return json.Marshal(t)
}

func DecodeInfo(data []byte) (*TaskInfo, error) {
	t := &TaskInfo{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

func ns(name string) string {
	return "retryq:" + name
}

// BucketTaskInfo builds the name of the bucket holding the tasks of a table.
func BucketTaskInfo(table string) string {
	return ns(table + ":task_info")
}

// TaskInfoKey builds a key used by a single task info
func TaskInfoKey(id string) string {
	return ns("task:" + id)
}
