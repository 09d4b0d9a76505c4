package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the state of a background task.
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusStarted  TaskStatus = "started"
	TaskStatusProgress TaskStatus = "progress"
	TaskStatusSuccess  TaskStatus = "success"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusRetrying TaskStatus = "retrying"
)

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// Task names understood by the worker.
const (
	TaskNameImport = "import_data"
	TaskNameAppend = "append_data"
)

// AsyncTask tracks an import or append executed outside the request.
type AsyncTask struct {
	ID          uuid.UUID       `json:"id"`
	TaskName    string          `json:"task_name"`
	Status      TaskStatus      `json:"status"`
	ProcessID   *uuid.UUID      `json:"process_id,omitempty"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	OwnerID     string          `json:"owner_id"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewAsyncTask creates a pending task bound to a process.
func NewAsyncTask(taskName string, processID uuid.UUID, ownerID string) AsyncTask {
	now := time.Now().UTC()
	return AsyncTask{
		ID:        uuid.New(),
		TaskName:  taskName,
		Status:    TaskStatusPending,
		ProcessID: &processID,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
