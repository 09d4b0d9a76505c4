package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/db"
	"github.com/rpattn/importer/internal/domain"
)

type recordRepository struct {
	pool *pgxpool.Pool
}

// NewRecordRepository wires a record repository backed by pgxpool.
func NewRecordRepository(pool *pgxpool.Pool) RecordRepository {
	return &recordRepository{pool: pool}
}

// DecodeData parses a stored JSON document, keeping integers as int64.
func DecodeData(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode record data: %w", err)
	}
	for key, value := range data {
		data[key] = domain.ConvertNumbers(value)
	}
	return data, nil
}

func (r *recordRepository) InsertIfAbsent(ctx context.Context, processID uuid.UUID, rowHash string, data []byte) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO imported_records (id, process_id, data, row_hash)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (process_id, row_hash) DO NOTHING`,
		uuid.New(), processID, data, rowHash,
	)
	if err != nil {
		if db.IsErrorCode(err, db.ForeignKeyViolation) {
			return false, apperrors.Wrap(fmt.Errorf("import process %s not found: %w", processID, err), apperrors.ErrProcessNotFound)
		}
		return false, fmt.Errorf("failed to insert record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanRecords(rows pgx.Rows) ([]domain.ImportedRecord, error) {
	defer rows.Close()
	records := []domain.ImportedRecord{}
	for rows.Next() {
		var (
			record  domain.ImportedRecord
			payload []byte
		)
		if err := rows.Scan(&record.ID, &record.ProcessID, &payload, &record.RowHash, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		data, err := DecodeData(payload)
		if err != nil {
			return nil, err
		}
		record.Data = data
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

func (r *recordRepository) List(ctx context.Context, processID uuid.UUID, limit int, offset int) ([]domain.ImportedRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, process_id, data, row_hash, created_at
		 FROM imported_records
		 WHERE process_id = $1
		 ORDER BY seq
		 LIMIT $2 OFFSET $3`,
		processID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return scanRecords(rows)
}

func (r *recordRepository) Each(ctx context.Context, processID uuid.UUID, batchSize int, fn func(domain.ImportedRecord) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var lastSeq int64
	for {
		rows, err := r.pool.Query(ctx,
			`SELECT seq, id, process_id, data, row_hash, created_at
			 FROM imported_records
			 WHERE process_id = $1 AND seq > $2
			 ORDER BY seq
			 LIMIT $3`,
			processID, lastSeq, batchSize,
		)
		if err != nil {
			return fmt.Errorf("failed to page records: %w", err)
		}

		var batch []domain.ImportedRecord
		for rows.Next() {
			var (
				record  domain.ImportedRecord
				payload []byte
			)
			if err := rows.Scan(&lastSeq, &record.ID, &record.ProcessID, &payload, &record.RowHash, &record.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan record: %w", err)
			}
			data, err := DecodeData(payload)
			if err != nil {
				rows.Close()
				return err
			}
			record.Data = data
			batch = append(batch, record)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate records: %w", err)
		}

		for _, record := range batch {
			if err := fn(record); err != nil {
				return err
			}
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

// likePattern escapes LIKE wildcards so the term matches literally.
func likePattern(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(term) + "%"
}

func (r *recordRepository) Search(ctx context.Context, term string, perProcessLimit int) ([]SearchMatch, error) {
	if perProcessLimit <= 0 {
		perProcessLimit = 10
	}
	rows, err := r.pool.Query(ctx,
		`WITH matches AS (
			SELECT r.process_id, r.data, r.seq,
			       ROW_NUMBER() OVER (PARTITION BY r.process_id ORDER BY r.seq) AS position,
			       COUNT(*) OVER (PARTITION BY r.process_id) AS total
			FROM imported_records r
			JOIN import_processes p ON p.id = r.process_id
			WHERE p.status = 'active'
			  AND EXISTS (
			      SELECT 1 FROM jsonb_each_text(r.data) kv
			      WHERE kv.value ILIKE $1 ESCAPE '\'
			  )
		)
		SELECT process_id, data, total
		FROM matches
		WHERE position <= $2
		ORDER BY process_id, seq`,
		likePattern(term), perProcessLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search records: %w", err)
	}
	defer rows.Close()

	var matches []SearchMatch
	for rows.Next() {
		var (
			match   SearchMatch
			payload []byte
		)
		if err := rows.Scan(&match.ProcessID, &payload, &match.Total); err != nil {
			return nil, fmt.Errorf("failed to scan search match: %w", err)
		}
		data, err := DecodeData(payload)
		if err != nil {
			return nil, err
		}
		match.Data = data
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search matches: %w", err)
	}
	return matches, nil
}

func (r *recordRepository) DistinctValues(ctx context.Context, processID uuid.UUID, column string, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT data->>$2 AS value
		 FROM imported_records
		 WHERE process_id = $1 AND data->>$2 IS NOT NULL
		 ORDER BY value
		 LIMIT $3`,
		processID, column, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct values: %w", err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan distinct value: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate distinct values: %w", err)
	}
	return values, nil
}
