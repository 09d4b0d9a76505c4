package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/repository"
	"github.com/rpattn/importer/internal/schema"
)

const (
	reanalyzeSampleSize = 100
	reanalyzeBatchSize  = 500
	// reanalyzeRowCap bounds the rows read when a process has no structure yet.
	reanalyzeRowCap = 1000
)

var errStopScan = errors.New("stop scan")

// RecordFetcher turns a source into raw records.
type RecordFetcher interface {
	Fetch(ctx context.Context, source domain.Source) ([]domain.Record, error)
}

// CacheInvalidator drops cached query results after the ledger changes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Service orchestrates imports against the process ledger.
type Service struct {
	processes   repository.ProcessRepository
	records     repository.RecordRepository
	fetcher     RecordFetcher
	ingester    *Ingester
	invalidator CacheInvalidator
}

// NewService creates a new import service. invalidator may be nil.
func NewService(
	processes repository.ProcessRepository,
	records repository.RecordRepository,
	fetcher RecordFetcher,
	invalidator CacheInvalidator,
) *Service {
	return &Service{
		processes:   processes,
		records:     records,
		fetcher:     fetcher,
		ingester:    NewIngester(records),
		invalidator: invalidator,
	}
}

// ImportRequest describes a new named import.
type ImportRequest struct {
	TableName string
	Owner     domain.Principal
	Source    domain.Source
}

// ImportData creates a process for the request and runs the full pipeline.
func (s *Service) ImportData(ctx context.Context, req ImportRequest) (domain.ImportProcess, domain.IngestStats, error) {
	process, err := s.CreateProcess(ctx, req)
	if err != nil {
		return domain.ImportProcess{}, domain.IngestStats{}, err
	}
	return s.RunImport(ctx, process.ID, req.Source)
}

// CreateProcess validates the request and stores the pending process. Name
// problems are reported before any data is fetched.
func (s *Service) CreateProcess(ctx context.Context, req ImportRequest) (domain.ImportProcess, error) {
	if req.Owner.ID == "" {
		return domain.ImportProcess{}, apperrors.Wrap(errors.New("owner is required"), apperrors.ErrInvalidInput)
	}
	if err := req.Source.Validate(); err != nil {
		return domain.ImportProcess{}, apperrors.Wrap(err, apperrors.ErrInvalidInput, err.Error())
	}

	tableName, err := schema.SanitizeTableName(req.TableName)
	if err != nil {
		return domain.ImportProcess{}, err
	}

	exists, err := s.processes.TableNameExists(ctx, tableName)
	if err != nil {
		return domain.ImportProcess{}, apperrors.Wrap(err, apperrors.ErrDatabase)
	}
	if exists {
		return domain.ImportProcess{}, apperrors.Wrap(fmt.Errorf("table name %q already in use", tableName), apperrors.ErrDuplicateName)
	}

	process, err := s.processes.Create(ctx, domain.NewImportProcess(tableName, req.Source, req.Owner.ID))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDuplicateName) {
			return domain.ImportProcess{}, err
		}
		return domain.ImportProcess{}, apperrors.Wrap(err, apperrors.ErrDatabase)
	}
	s.invalidate(ctx)

	logger.WithField("process_id", process.ID).
		WithField("table_name", process.TableName).
		WithField("import_type", process.ImportType).
		Info("import process created")
	return process, nil
}

// RunImport fetches, infers and ingests the source into an existing process.
// On a batch-fatal failure the process becomes inactive with a stored message.
func (s *Service) RunImport(ctx context.Context, processID uuid.UUID, source domain.Source) (domain.ImportProcess, domain.IngestStats, error) {
	log := logger.WithField("process_id", processID)

	records, err := s.fetcher.Fetch(ctx, source)
	if err != nil {
		return domain.ImportProcess{}, domain.IngestStats{}, s.failImport(ctx, processID, err)
	}

	structure := schema.Infer(records)
	log.WithField("columns", structure.Len()).WithField("records", len(records)).Info("column structure inferred")

	stats, err := s.ingester.Ingest(ctx, processID, records, structure)
	if err != nil {
		return domain.ImportProcess{}, stats, s.failImport(ctx, processID, err)
	}

	// The stored count equals stats.Inserted on a fresh process; a retried
	// import keeps the rows stored by earlier attempts.
	if _, err := s.processes.MarkActive(ctx, processID, structure); err != nil {
		return domain.ImportProcess{}, stats, s.failImport(ctx, processID, err)
	}
	s.invalidate(ctx)

	process, err := s.processes.GetByID(ctx, processID)
	if err != nil {
		return domain.ImportProcess{}, stats, err
	}
	return process, stats, nil
}

// failImport logs the full error under a correlation id, marks the process
// inactive with the user-safe message and returns the classified error.
func (s *Service) failImport(ctx context.Context, processID uuid.UUID, cause error) error {
	appErr := apperrors.WithCorrelation(cause)
	logger.WithField("process_id", processID).
		WithField("correlation_id", appErr.CorrelationID).
		WithError(cause).
		Error("import failed")

	writeCtx := context.WithoutCancel(ctx)
	if err := s.processes.MarkFailed(writeCtx, processID, appErr.UserMessage()); err != nil {
		logger.WithField("process_id", processID).WithError(err).Error("failed to mark import process inactive")
	}
	s.invalidate(writeCtx)
	return appErr
}

// AbandonImport marks a process whose import will never run as failed.
func (s *Service) AbandonImport(ctx context.Context, processID uuid.UUID, cause error) error {
	return s.failImport(ctx, processID, cause)
}

// Authorize loads the process and applies the owner-or-elevated rule.
func (s *Service) Authorize(ctx context.Context, principal domain.Principal, processID uuid.UUID) (domain.ImportProcess, error) {
	process, err := s.processes.GetByID(ctx, processID)
	if err != nil {
		return domain.ImportProcess{}, err
	}
	if !principal.CanModify(process) {
		return domain.ImportProcess{}, apperrors.Wrap(
			fmt.Errorf("principal %q may not modify process %s", principal.ID, processID), apperrors.ErrForbidden)
	}
	return process, nil
}

// AppendData ingests more records into an existing process using its stored structure.
func (s *Service) AppendData(ctx context.Context, principal domain.Principal, processID uuid.UUID, source domain.Source) (domain.IngestStats, error) {
	if _, err := s.Authorize(ctx, principal, processID); err != nil {
		return domain.IngestStats{}, err
	}
	return s.RunAppend(ctx, processID, source)
}

// RunAppend performs an append without the ownership check. The status of the
// process never changes; a failure is stored as its error message.
func (s *Service) RunAppend(ctx context.Context, processID uuid.UUID, source domain.Source) (domain.IngestStats, error) {
	if err := source.Validate(); err != nil {
		return domain.IngestStats{}, apperrors.Wrap(err, apperrors.ErrInvalidInput, err.Error())
	}

	process, err := s.processes.GetByID(ctx, processID)
	if err != nil {
		return domain.IngestStats{}, err
	}
	if process.ColumnStructure.IsEmpty() {
		return domain.IngestStats{}, apperrors.Wrap(fmt.Errorf("process %s has no column structure", processID), apperrors.ErrNoColumns)
	}

	records, err := s.fetcher.Fetch(ctx, source)
	if err != nil {
		return domain.IngestStats{}, s.failAppend(ctx, processID, err)
	}

	stats, err := s.ingester.Ingest(ctx, processID, records, process.ColumnStructure)
	if err != nil {
		return stats, s.failAppend(ctx, processID, err)
	}

	count, err := s.processes.SyncRecordCount(ctx, processID)
	if err != nil {
		return stats, apperrors.Wrap(err, apperrors.ErrDatabase)
	}
	if process.ErrorMessage != nil {
		if err := s.processes.SetErrorMessage(ctx, processID, nil); err != nil {
			logger.WithField("process_id", processID).WithError(err).Warn("failed to clear error message")
		}
	}
	s.invalidate(ctx)

	logger.WithField("process_id", processID).WithField("record_count", count).Info("append finished")
	return stats, nil
}

func (s *Service) failAppend(ctx context.Context, processID uuid.UUID, cause error) error {
	appErr := apperrors.WithCorrelation(cause)
	logger.WithField("process_id", processID).
		WithField("correlation_id", appErr.CorrelationID).
		WithError(cause).
		Error("append failed")

	message := appErr.UserMessage()
	writeCtx := context.WithoutCancel(ctx)
	if err := s.processes.SetErrorMessage(writeCtx, processID, &message); err != nil {
		logger.WithField("process_id", processID).WithError(err).Error("failed to store append error")
	}
	s.invalidate(writeCtx)
	return appErr
}

// Reanalyze re-derives column types from the stored records and reconciles
// the record count with the rows actually stored. Canonical names are kept,
// so stored rows stay consistent with the new structure.
func (s *Service) Reanalyze(ctx context.Context, principal domain.Principal, processID uuid.UUID) (domain.ColumnStructure, error) {
	process, err := s.Authorize(ctx, principal, processID)
	if err != nil {
		return domain.ColumnStructure{}, err
	}

	existing := process.ColumnStructure
	samples := make(map[string]int, existing.Len())
	var rows []map[string]any
	err = s.records.Each(ctx, processID, reanalyzeBatchSize, func(record domain.ImportedRecord) error {
		rows = append(rows, record.Data)
		if existing.IsEmpty() {
			if len(rows) >= reanalyzeRowCap {
				return errStopScan
			}
			return nil
		}
		saturated := true
		for _, column := range existing.Columns {
			if value, ok := record.Data[column.Name]; ok && value != nil {
				samples[column.Name]++
			}
			if samples[column.Name] < reanalyzeSampleSize {
				saturated = false
			}
		}
		if saturated {
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return domain.ColumnStructure{}, apperrors.Wrap(err, apperrors.ErrDatabase)
	}

	structure := schema.Reanalyze(existing, rows)
	count, err := s.processes.UpdateStructure(ctx, processID, structure)
	if err != nil {
		return domain.ColumnStructure{}, apperrors.Wrap(err, apperrors.ErrDatabase)
	}
	s.invalidate(ctx)

	log := logger.WithField("process_id", processID).WithField("record_count", count)
	if count != process.RecordCount {
		log = log.WithField("previous_record_count", process.RecordCount)
	}
	log.Info("column structure reanalyzed")
	return structure, nil
}

// ToggleStatus flips a finished process between active and inactive.
func (s *Service) ToggleStatus(ctx context.Context, principal domain.Principal, processID uuid.UUID) (domain.ImportProcess, error) {
	process, err := s.Authorize(ctx, principal, processID)
	if err != nil {
		return domain.ImportProcess{}, err
	}
	if process.Status == domain.ProcessStatusPending {
		return domain.ImportProcess{}, apperrors.Wrap(
			fmt.Errorf("process %s is still importing", processID), apperrors.ErrInvalidInput,
			"The import is still running and its status cannot be changed yet.")
	}

	next := process.ToggledStatus()
	if err := s.processes.SetStatus(ctx, processID, next); err != nil {
		return domain.ImportProcess{}, err
	}
	s.invalidate(ctx)

	process.Status = next
	logger.WithField("process_id", processID).WithField("status", next).Info("import process status changed")
	return process, nil
}

// DeleteProcess removes the process and, by cascade, its records.
func (s *Service) DeleteProcess(ctx context.Context, principal domain.Principal, processID uuid.UUID) error {
	if _, err := s.Authorize(ctx, principal, processID); err != nil {
		return err
	}
	if err := s.processes.Delete(ctx, processID); err != nil {
		return err
	}
	s.invalidate(ctx)
	logger.WithField("process_id", processID).Info("import process deleted")
	return nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		logger.Log.WithError(err).Warn("failed to invalidate query cache")
	}
}
