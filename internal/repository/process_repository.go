package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/db"
	"github.com/rpattn/importer/internal/domain"
)

const processColumns = `id, import_type, source_identifier, table_name, status, record_count,
	column_structure, error_message, owner_id, created_at, updated_at`

type processRepository struct {
	pool *pgxpool.Pool
}

// NewProcessRepository wires a process repository backed by pgxpool.
func NewProcessRepository(pool *pgxpool.Pool) ProcessRepository {
	return &processRepository{pool: pool}
}

func encodeStructure(structure domain.ColumnStructure) ([]byte, error) {
	columns := structure.Columns
	if columns == nil {
		columns = []domain.Column{}
	}
	payload, err := json.Marshal(columns)
	if err != nil {
		return nil, fmt.Errorf("failed to encode column structure: %w", err)
	}
	return payload, nil
}

func decodeStructure(payload []byte) (domain.ColumnStructure, error) {
	if len(payload) == 0 {
		return domain.ColumnStructure{}, nil
	}
	var columns []domain.Column
	if err := json.Unmarshal(payload, &columns); err != nil {
		return domain.ColumnStructure{}, fmt.Errorf("failed to decode column structure: %w", err)
	}
	return domain.NewColumnStructure(columns)
}

func scanProcess(row pgx.Row) (domain.ImportProcess, error) {
	var (
		process      domain.ImportProcess
		importType   string
		status       string
		structure    []byte
		errorMessage pgtype.Text
	)
	if err := row.Scan(
		&process.ID,
		&importType,
		&process.SourceIdentifier,
		&process.TableName,
		&status,
		&process.RecordCount,
		&structure,
		&errorMessage,
		&process.OwnerID,
		&process.CreatedAt,
		&process.UpdatedAt,
	); err != nil {
		return domain.ImportProcess{}, err
	}
	process.ImportType = domain.ImportType(importType)
	process.Status = domain.ProcessStatus(status)
	if errorMessage.Valid {
		message := errorMessage.String
		process.ErrorMessage = &message
	}
	decoded, err := decodeStructure(structure)
	if err != nil {
		return domain.ImportProcess{}, err
	}
	process.ColumnStructure = decoded
	return process, nil
}

func notFound(id uuid.UUID) error {
	return apperrors.Wrap(fmt.Errorf("import process %s not found", id), apperrors.ErrProcessNotFound)
}

func (r *processRepository) Create(ctx context.Context, process domain.ImportProcess) (domain.ImportProcess, error) {
	structure, err := encodeStructure(process.ColumnStructure)
	if err != nil {
		return domain.ImportProcess{}, err
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO import_processes (id, import_type, source_identifier, table_name, status, record_count,
			column_structure, error_message, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+processColumns,
		process.ID,
		string(process.ImportType),
		process.SourceIdentifier,
		process.TableName,
		string(process.Status),
		process.RecordCount,
		structure,
		process.ErrorMessage,
		process.OwnerID,
		process.CreatedAt,
		process.UpdatedAt,
	)
	created, err := scanProcess(row)
	if err != nil {
		if db.IsErrorCode(err, db.UniqueViolation) {
			return domain.ImportProcess{}, apperrors.Wrap(
				fmt.Errorf("table name %q already in use: %w", process.TableName, err), apperrors.ErrDuplicateName)
		}
		return domain.ImportProcess{}, fmt.Errorf("failed to create import process: %w", err)
	}
	return created, nil
}

func (r *processRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ImportProcess, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+processColumns+` FROM import_processes WHERE id = $1`, id)
	process, err := scanProcess(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ImportProcess{}, notFound(id)
		}
		return domain.ImportProcess{}, fmt.Errorf("failed to get import process: %w", err)
	}
	return process, nil
}

func (r *processRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.ImportProcess, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+processColumns+` FROM import_processes WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load import processes: %w", err)
	}
	defer rows.Close()

	var processes []domain.ImportProcess
	for rows.Next() {
		process, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import process: %w", err)
		}
		processes = append(processes, process)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate import processes: %w", err)
	}
	return processes, nil
}

func (r *processRepository) List(ctx context.Context, limit int, offset int) ([]domain.ImportProcess, int64, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM import_processes`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count import processes: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+processColumns+`
		 FROM import_processes
		 ORDER BY created_at DESC, id
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list import processes: %w", err)
	}
	defer rows.Close()

	processes := []domain.ImportProcess{}
	for rows.Next() {
		process, err := scanProcess(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan import process: %w", err)
		}
		processes = append(processes, process)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate import processes: %w", err)
	}
	return processes, total, nil
}

func (r *processRepository) TableNameExists(ctx context.Context, tableName string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM import_processes WHERE LOWER(table_name) = $1)`,
		strings.ToLower(tableName),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check table name: %w", err)
	}
	return exists, nil
}

func (r *processRepository) exec(ctx context.Context, id uuid.UUID, action string, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (r *processRepository) MarkActive(ctx context.Context, id uuid.UUID, structure domain.ColumnStructure) (int64, error) {
	payload, err := encodeStructure(structure)
	if err != nil {
		return 0, err
	}
	return r.withLockedCount(ctx, id, "activate import process",
		`UPDATE import_processes
		 SET status = 'active', column_structure = $3, record_count = $2, error_message = NULL, updated_at = NOW()
		 WHERE id = $1`,
		payload,
	)
}

func (r *processRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	return r.exec(ctx, id, "mark import process failed",
		`UPDATE import_processes SET status = 'inactive', error_message = $2, updated_at = NOW() WHERE id = $1`,
		id, message,
	)
}

func (r *processRepository) SetErrorMessage(ctx context.Context, id uuid.UUID, message *string) error {
	return r.exec(ctx, id, "update import process error",
		`UPDATE import_processes SET error_message = $2, updated_at = NOW() WHERE id = $1`,
		id, message,
	)
}

func (r *processRepository) SyncRecordCount(ctx context.Context, id uuid.UUID) (int64, error) {
	return r.withLockedCount(ctx, id, "update record count",
		`UPDATE import_processes SET record_count = $2, updated_at = NOW() WHERE id = $1`,
	)
}

func (r *processRepository) UpdateStructure(ctx context.Context, id uuid.UUID, structure domain.ColumnStructure) (int64, error) {
	payload, err := encodeStructure(structure)
	if err != nil {
		return 0, err
	}
	return r.withLockedCount(ctx, id, "update column structure",
		`UPDATE import_processes SET column_structure = $3, record_count = $2, updated_at = NOW() WHERE id = $1`,
		payload,
	)
}

// withLockedCount locks the process row, counts its stored records and runs
// the update with the id as $1 and the count as $2, followed by args.
// Concurrent writers of record_count queue on the lock, and the count is
// read after it is held, so the last writer always stores the true total.
func (r *processRepository) withLockedCount(ctx context.Context, id uuid.UUID, action string, sql string, args ...any) (int64, error) {
	var count int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var locked int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM import_processes WHERE id = $1 FOR UPDATE`, id).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound(id)
			}
			return fmt.Errorf("failed to lock import process: %w", err)
		}
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM imported_records WHERE process_id = $1`, id).Scan(&count); err != nil {
			return fmt.Errorf("failed to count records: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, append([]any{id, count}, args...)...); err != nil {
			return fmt.Errorf("failed to %s: %w", action, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *processRepository) SetStatus(ctx context.Context, id uuid.UUID, status domain.ProcessStatus) error {
	return r.exec(ctx, id, "update import process status",
		`UPDATE import_processes SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status),
	)
}

func (r *processRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, id, "delete import process", `DELETE FROM import_processes WHERE id = $1`, id)
}
