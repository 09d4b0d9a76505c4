package domain

import (
	"time"

	"github.com/google/uuid"
)

// ImportedRecord is one normalized row stored under an import process.
type ImportedRecord struct {
	ID        uuid.UUID      `json:"id"`
	ProcessID uuid.UUID      `json:"process_id"`
	Data      map[string]any `json:"data"`
	RowHash   string         `json:"row_hash"`
	CreatedAt time.Time      `json:"created_at"`
}
