package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProcessStatus is the lifecycle state of an import process.
type ProcessStatus string

const (
	ProcessStatusPending  ProcessStatus = "pending"
	ProcessStatusActive   ProcessStatus = "active"
	ProcessStatusInactive ProcessStatus = "inactive"
)

// ImportType identifies where the data of an import came from.
type ImportType string

const (
	ImportTypeEndpoint ImportType = "endpoint"
	ImportTypeFile     ImportType = "file"
)

// ImportProcess is the ledger entry describing one named import.
type ImportProcess struct {
	ID               uuid.UUID       `json:"id"`
	ImportType       ImportType      `json:"import_type"`
	SourceIdentifier string          `json:"source_identifier"`
	TableName        string          `json:"table_name"`
	Status           ProcessStatus   `json:"status"`
	RecordCount      int64           `json:"record_count"`
	ColumnStructure  ColumnStructure `json:"column_structure"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	OwnerID          string          `json:"owner_id"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewImportProcess creates the provisional ledger entry for an import that is about to run.
func NewImportProcess(tableName string, source Source, ownerID string) ImportProcess {
	now := time.Now().UTC()
	return ImportProcess{
		ID:               uuid.New(),
		ImportType:       source.Type,
		SourceIdentifier: source.Identifier(),
		TableName:        tableName,
		Status:           ProcessStatusPending,
		OwnerID:          ownerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsActive reports whether the process takes part in search.
func (p ImportProcess) IsActive() bool {
	return p.Status == ProcessStatusActive
}

// ToggledStatus returns the status a toggle moves the process to.
func (p ImportProcess) ToggledStatus() ProcessStatus {
	if p.Status == ProcessStatusActive {
		return ProcessStatusInactive
	}
	return ProcessStatusActive
}

// IngestStats summarises the outcome of one ingestion batch.
type IngestStats struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
	Total      int `json:"total"`
}

// Add merges other into s.
func (s IngestStats) Add(other IngestStats) IngestStats {
	return IngestStats{
		Inserted:   s.Inserted + other.Inserted,
		Duplicates: s.Duplicates + other.Duplicates,
		Errors:     s.Errors + other.Errors,
		Total:      s.Total + other.Total,
	}
}
