package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/ingestion"
	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/repository"
)

// ProcessRegistrar is the part of the import service the dispatcher needs.
type ProcessRegistrar interface {
	CreateProcess(ctx context.Context, req ingestion.ImportRequest) (domain.ImportProcess, error)
	Authorize(ctx context.Context, principal domain.Principal, processID uuid.UUID) (domain.ImportProcess, error)
	AbandonImport(ctx context.Context, processID uuid.UUID, cause error) error
}

// Dispatcher records tasks and hands them to the queue.
type Dispatcher struct {
	tasks     repository.TaskRepository
	registrar ProcessRegistrar
	publisher Publisher
	spool     *Spool
}

func NewDispatcher(tasks repository.TaskRepository, registrar ProcessRegistrar, publisher Publisher, spool *Spool) *Dispatcher {
	return &Dispatcher{tasks: tasks, registrar: registrar, publisher: publisher, spool: spool}
}

// EnqueueImport creates the pending process right away, so name problems are
// reported to the caller, and queues the fetch and ingestion.
func (d *Dispatcher) EnqueueImport(ctx context.Context, req ingestion.ImportRequest) (domain.AsyncTask, domain.ImportProcess, error) {
	process, err := d.registrar.CreateProcess(ctx, req)
	if err != nil {
		return domain.AsyncTask{}, domain.ImportProcess{}, err
	}

	task, err := d.enqueue(ctx, domain.TaskNameImport, process.ID, req.Owner.ID, req.Source)
	if err != nil {
		// The process would otherwise stay pending forever. The returned error
		// carries the reference stored on the process.
		if abandoned := d.registrar.AbandonImport(ctx, process.ID, err); abandoned != nil {
			err = abandoned
		}
		return domain.AsyncTask{}, domain.ImportProcess{}, err
	}
	return task, process, nil
}

// EnqueueAppend checks ownership and queues an append to an existing process.
func (d *Dispatcher) EnqueueAppend(ctx context.Context, principal domain.Principal, processID uuid.UUID, source domain.Source) (domain.AsyncTask, error) {
	if err := source.Validate(); err != nil {
		return domain.AsyncTask{}, apperrors.Wrap(err, apperrors.ErrInvalidInput, err.Error())
	}
	process, err := d.registrar.Authorize(ctx, principal, processID)
	if err != nil {
		return domain.AsyncTask{}, err
	}
	if process.ColumnStructure.IsEmpty() {
		return domain.AsyncTask{}, apperrors.Wrap(fmt.Errorf("process %s has no column structure", processID), apperrors.ErrNoColumns)
	}
	return d.enqueue(ctx, domain.TaskNameAppend, processID, principal.ID, source)
}

func (d *Dispatcher) enqueue(ctx context.Context, name string, processID uuid.UUID, ownerID string, source domain.Source) (domain.AsyncTask, error) {
	task := domain.NewAsyncTask(name, processID, ownerID)

	staged, err := d.spool.Stage(task.ID, source)
	if err != nil {
		return domain.AsyncTask{}, apperrors.Wrap(err, apperrors.ErrInternal)
	}

	task, err = d.tasks.Create(ctx, task)
	if err != nil {
		d.spool.Release(staged)
		return domain.AsyncTask{}, apperrors.Wrap(err, apperrors.ErrDatabase)
	}

	if err := d.publisher.Publish(ctx, newMessage(task, processID, staged)); err != nil {
		d.spool.Release(staged)
		appErr := apperrors.WithCorrelation(apperrors.Wrap(err, apperrors.ErrInternal, "The task could not be queued."))
		d.markUnqueued(ctx, task, appErr)
		return domain.AsyncTask{}, appErr
	}

	logger.WithField("task_id", task.ID).
		WithField("task_name", name).
		WithField("process_id", processID).
		Info("task queued")
	return task, nil
}

func (d *Dispatcher) markUnqueued(ctx context.Context, task domain.AsyncTask, appErr *apperrors.AppError) {
	now := time.Now().UTC()
	message := appErr.UserMessage()
	task.Status = domain.TaskStatusFailed
	task.Error = &message
	task.UpdatedAt = now
	task.CompletedAt = &now
	if err := d.tasks.Update(context.WithoutCancel(ctx), task); err != nil {
		logger.WithField("task_id", task.ID).WithError(err).Error("failed to mark task failed")
	}
}

// GetTask returns a task visible to principal. Tasks of other users are
// reported as missing unless the principal is elevated.
func (d *Dispatcher) GetTask(ctx context.Context, principal domain.Principal, id uuid.UUID) (domain.AsyncTask, error) {
	task, err := d.tasks.GetByID(ctx, id)
	if err != nil {
		return domain.AsyncTask{}, err
	}
	if !principal.Elevated && (principal.ID == "" || principal.ID != task.OwnerID) {
		return domain.AsyncTask{}, apperrors.Wrap(fmt.Errorf("task %s not visible to %q", id, principal.ID), apperrors.ErrTaskNotFound)
	}
	return task, nil
}
