package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/domain"
)

// ProcessRepository persists the import process ledger.
type ProcessRepository interface {
	Create(ctx context.Context, process domain.ImportProcess) (domain.ImportProcess, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ImportProcess, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.ImportProcess, error)
	List(ctx context.Context, limit int, offset int) ([]domain.ImportProcess, int64, error)
	// TableNameExists compares names case-insensitively.
	TableNameExists(ctx context.Context, tableName string) (bool, error)
	// MarkActive records a successful first import. The record count is
	// taken from the stored rows and returned.
	MarkActive(ctx context.Context, id uuid.UUID, structure domain.ColumnStructure) (int64, error)
	// MarkFailed moves the process to inactive and stores the failure message.
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	// SetErrorMessage stores or clears the message without touching the status.
	SetErrorMessage(ctx context.Context, id uuid.UUID, message *string) error
	// SyncRecordCount recounts the stored rows and returns the new count.
	SyncRecordCount(ctx context.Context, id uuid.UUID) (int64, error)
	// UpdateStructure replaces the structure and recounts the stored rows.
	UpdateStructure(ctx context.Context, id uuid.UUID, structure domain.ColumnStructure) (int64, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.ProcessStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// RecordRepository persists imported records.
type RecordRepository interface {
	// InsertIfAbsent stores the row unless the hash already exists for the
	// process. It reports whether a row was written.
	InsertIfAbsent(ctx context.Context, processID uuid.UUID, rowHash string, data []byte) (bool, error)
	List(ctx context.Context, processID uuid.UUID, limit int, offset int) ([]domain.ImportedRecord, error)
	// Each visits every record of the process in insertion order.
	Each(ctx context.Context, processID uuid.UUID, batchSize int, fn func(domain.ImportedRecord) error) error
	Search(ctx context.Context, term string, perProcessLimit int) ([]SearchMatch, error)
	DistinctValues(ctx context.Context, processID uuid.UUID, column string, limit int) ([]string, error)
}

// TaskRepository persists background task state.
type TaskRepository interface {
	Create(ctx context.Context, task domain.AsyncTask) (domain.AsyncTask, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.AsyncTask, error)
	Update(ctx context.Context, task domain.AsyncTask) error
}

// SearchMatch is one matching record together with the number of matches in its process.
type SearchMatch struct {
	ProcessID uuid.UUID
	Data      map[string]any
	Total     int64
}
