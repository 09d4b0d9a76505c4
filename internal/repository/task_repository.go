package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
)

const taskColumns = `id, task_name, status, process_id, progress, result, error, attempts, owner_id,
	created_at, updated_at, completed_at`

type taskRepository struct {
	pool *pgxpool.Pool
}

// NewTaskRepository wires a task repository backed by pgxpool.
func NewTaskRepository(pool *pgxpool.Pool) TaskRepository {
	return &taskRepository{pool: pool}
}

func scanTask(row pgx.Row) (domain.AsyncTask, error) {
	var (
		task        domain.AsyncTask
		status      string
		processID   pgtype.UUID
		result      []byte
		taskError   pgtype.Text
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&task.ID,
		&task.TaskName,
		&status,
		&processID,
		&task.Progress,
		&result,
		&taskError,
		&task.Attempts,
		&task.OwnerID,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	); err != nil {
		return domain.AsyncTask{}, err
	}
	task.Status = domain.TaskStatus(status)
	if processID.Valid {
		id := uuid.UUID(processID.Bytes)
		task.ProcessID = &id
	}
	if len(result) > 0 {
		task.Result = result
	}
	if taskError.Valid {
		message := taskError.String
		task.Error = &message
	}
	if completedAt.Valid {
		at := completedAt.Time
		task.CompletedAt = &at
	}
	return task, nil
}

func nullableJSON(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return payload
}

func (r *taskRepository) Create(ctx context.Context, task domain.AsyncTask) (domain.AsyncTask, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO async_tasks (id, task_name, status, process_id, progress, result, error, attempts, owner_id,
			created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+taskColumns,
		task.ID,
		task.TaskName,
		string(task.Status),
		task.ProcessID,
		task.Progress,
		nullableJSON(task.Result),
		task.Error,
		task.Attempts,
		task.OwnerID,
		task.CreatedAt,
		task.UpdatedAt,
		task.CompletedAt,
	)
	created, err := scanTask(row)
	if err != nil {
		return domain.AsyncTask{}, fmt.Errorf("failed to create task: %w", err)
	}
	return created, nil
}

func (r *taskRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.AsyncTask, error) {
	task, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM async_tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AsyncTask{}, apperrors.Wrap(fmt.Errorf("task %s not found", id), apperrors.ErrTaskNotFound)
		}
		return domain.AsyncTask{}, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (r *taskRepository) Update(ctx context.Context, task domain.AsyncTask) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE async_tasks
		 SET status = $2, process_id = $3, progress = $4, result = $5, error = $6, attempts = $7,
		     updated_at = NOW(), completed_at = $8
		 WHERE id = $1`,
		task.ID,
		string(task.Status),
		task.ProcessID,
		task.Progress,
		nullableJSON(task.Result),
		task.Error,
		task.Attempts,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Wrap(fmt.Errorf("task %s not found", task.ID), apperrors.ErrTaskNotFound)
	}
	return nil
}
