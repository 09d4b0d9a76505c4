package ingestion

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/repository"
	"github.com/rpattn/importer/internal/schema"
)

// Ingester stores normalized records, skipping rows whose hash already exists
// for the process.
type Ingester struct {
	records repository.RecordRepository
}

// NewIngester creates an ingester over the record store.
func NewIngester(records repository.RecordRepository) *Ingester {
	return &Ingester{records: records}
}

// Ingest normalizes records against structure and inserts them one by one.
// Records that normalize to nothing are skipped and not counted. A failure on
// one record is counted and logged; only a missing process or a cancelled
// context stop the batch.
func (i *Ingester) Ingest(ctx context.Context, processID uuid.UUID, records []domain.Record, structure domain.ColumnStructure) (domain.IngestStats, error) {
	rows := schema.NewNormalizer(structure).NormalizeAll(records)
	return i.IngestRows(ctx, processID, rows)
}

// IngestRows inserts already normalized rows.
func (i *Ingester) IngestRows(ctx context.Context, processID uuid.UUID, rows []map[string]any) (domain.IngestStats, error) {
	var stats domain.IngestStats
	log := logger.WithField("process_id", processID)

	for index, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Total++

		payload, hash, err := Canonicalize(row)
		if err != nil {
			stats.Errors++
			log.WithField("row", index).WithError(err).Warn("skipping malformed record")
			continue
		}

		inserted, err := i.records.InsertIfAbsent(ctx, processID, hash, payload)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrProcessNotFound) || ctx.Err() != nil {
				stats.Total--
				return stats, err
			}
			stats.Errors++
			log.WithField("row", index).WithError(err).Warn("failed to store record")
			continue
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Duplicates++
		}
	}

	log.WithFields(map[string]any{
		"inserted":   stats.Inserted,
		"duplicates": stats.Duplicates,
		"errors":     stats.Errors,
		"total":      stats.Total,
	}).Info("ingestion batch finished")
	return stats, nil
}
