package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/repository"
	"github.com/rpattn/importer/internal/retry"
)

// Task retry schedule: 60s, 120s, 240s.
const (
	DefaultRetryBase  = 60 * time.Second
	DefaultMaxRetries = 3
)

const progressRunning = 10

var errUnknownTask = errors.New("unknown task name")

// Runner executes imports and appends for queued tasks.
type Runner interface {
	RunImport(ctx context.Context, processID uuid.UUID, source domain.Source) (domain.ImportProcess, domain.IngestStats, error)
	RunAppend(ctx context.Context, processID uuid.UUID, source domain.Source) (domain.IngestStats, error)
}

// Result is stored on a successful task.
type Result struct {
	Success    bool               `json:"success"`
	ProcessID  uuid.UUID          `json:"process_id"`
	TableName  string             `json:"table_name,omitempty"`
	Statistics domain.IngestStats `json:"statistics"`
}

type Worker struct {
	tasks      repository.TaskRepository
	runner     Runner
	subscriber Subscriber
	spool      *Spool
	policy     retry.Policy
}

// NewWorker creates a worker. A nil policy uses the default exponential schedule.
func NewWorker(tasks repository.TaskRepository, runner Runner, subscriber Subscriber, spool *Spool, policy retry.Policy) *Worker {
	if policy == nil {
		policy = retry.Exponential{Base: DefaultRetryBase, MaxRetries: DefaultMaxRetries}
	}
	return &Worker{tasks: tasks, runner: runner, subscriber: subscriber, spool: spool, policy: policy}
}

// Run consumes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	err := w.subscriber.Consume(ctx, w.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle runs one queued task to a terminal state. It returns an error only
// when the message should be delivered again.
func (w *Worker) Handle(ctx context.Context, msg Message) error {
	log := logger.WithField("task_id", msg.TaskID).WithField("task_name", msg.TaskName)

	task, err := w.tasks.GetByID(ctx, msg.TaskID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrTaskNotFound) {
			log.Warn("dropping message for unknown task")
			return nil
		}
		return err
	}
	if task.Status.Terminal() {
		log.WithField("status", task.Status).Info("task already finished")
		return nil
	}

	task.Status = domain.TaskStatusStarted
	if err := w.save(ctx, &task); err != nil {
		return err
	}

	source := msg.Source()
	var result Result
	runErr := retry.DoNotify(ctx, w.policy, retryableTask,
		func(attempt int, err error, delay time.Duration) {
			message := apperrors.WithCorrelation(err).UserMessage()
			task.Status = domain.TaskStatusRetrying
			task.Error = &message
			log.WithField("attempt", attempt+1).WithField("retry_in", delay.String()).WithError(err).Warn("task attempt failed")
			if err := w.save(ctx, &task); err != nil {
				log.WithError(err).Error("failed to record retry")
			}
		},
		func(attempt int) error {
			task.Attempts = attempt + 1
			task.Status = domain.TaskStatusProgress
			task.Progress = progressRunning
			if err := w.save(ctx, &task); err != nil {
				log.WithError(err).Warn("failed to record progress")
			}
			var err error
			result, err = w.execute(ctx, msg, source)
			return err
		},
	)

	if runErr != nil && ctx.Err() != nil {
		// Shutting down; the message is redelivered and the task resumes.
		return ctx.Err()
	}

	now := time.Now().UTC()
	task.CompletedAt = &now
	if runErr != nil {
		appErr := apperrors.WithCorrelation(runErr)
		message := appErr.UserMessage()
		task.Status = domain.TaskStatusFailed
		task.Error = &message
		log.WithField("correlation_id", appErr.CorrelationID).WithError(runErr).Error("task failed")
	} else {
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
		task.Status = domain.TaskStatusSuccess
		task.Progress = 100
		task.Result = payload
		task.Error = nil
		log.WithField("inserted", result.Statistics.Inserted).Info("task finished")
	}

	if err := w.save(context.WithoutCancel(ctx), &task); err != nil {
		// Keep the staged file; the message is handled again.
		return err
	}
	w.spool.Release(source)
	return nil
}

func (w *Worker) execute(ctx context.Context, msg Message, source domain.Source) (Result, error) {
	switch msg.TaskName {
	case domain.TaskNameImport:
		process, stats, err := w.runner.RunImport(ctx, msg.ProcessID, source)
		if err != nil {
			return Result{}, err
		}
		return Result{Success: true, ProcessID: process.ID, TableName: process.TableName, Statistics: stats}, nil
	case domain.TaskNameAppend:
		stats, err := w.runner.RunAppend(ctx, msg.ProcessID, source)
		if err != nil {
			return Result{}, err
		}
		return Result{Success: true, ProcessID: msg.ProcessID, Statistics: stats}, nil
	default:
		return Result{}, apperrors.Wrap(fmt.Errorf("%w: %q", errUnknownTask, msg.TaskName), apperrors.ErrInvalidInput)
	}
}

func (w *Worker) save(ctx context.Context, task *domain.AsyncTask) error {
	task.UpdatedAt = time.Now().UTC()
	if err := w.tasks.Update(ctx, *task); err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	return nil
}

// retryableTask rejects failures that the same input would reproduce.
func retryableTask(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	appErr, ok := apperrors.As(err)
	if !ok {
		return true
	}
	switch appErr.Code {
	case apperrors.ErrFetch.Code, apperrors.ErrDatabase.Code, apperrors.ErrInternal.Code:
		return true
	}
	return false
}
