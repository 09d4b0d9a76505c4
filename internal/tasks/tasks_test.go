package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/ingestion"
	"github.com/rpattn/importer/internal/retry"
)

type stubTaskRepo struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]domain.AsyncTask
	statuses    []domain.TaskStatus
	createErr   error
	failUpdates int
}

func newStubTaskRepo() *stubTaskRepo {
	return &stubTaskRepo{tasks: map[uuid.UUID]domain.AsyncTask{}}
}

func (s *stubTaskRepo) Create(_ context.Context, task domain.AsyncTask) (domain.AsyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domain.AsyncTask{}, s.createErr
	}
	s.tasks[task.ID] = task
	s.statuses = append(s.statuses, task.Status)
	return task, nil
}

func (s *stubTaskRepo) GetByID(_ context.Context, id uuid.UUID) (domain.AsyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.AsyncTask{}, apperrors.Wrap(fmt.Errorf("task %s not found", id), apperrors.ErrTaskNotFound)
	}
	return task, nil
}

func (s *stubTaskRepo) Update(_ context.Context, task domain.AsyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates > 0 {
		s.failUpdates--
		return errors.New("connection reset")
	}
	s.tasks[task.ID] = task
	s.statuses = append(s.statuses, task.Status)
	return nil
}

func (s *stubTaskRepo) get(t *testing.T, id uuid.UUID) domain.AsyncTask {
	t.Helper()
	task, err := s.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("task lookup: %v", err)
	}
	return task
}

type stubRegistrar struct {
	process   domain.ImportProcess
	createErr error
	authErr   error
	abandoned []uuid.UUID
	stored    []string
}

func (s *stubRegistrar) CreateProcess(_ context.Context, req ingestion.ImportRequest) (domain.ImportProcess, error) {
	if s.createErr != nil {
		return domain.ImportProcess{}, s.createErr
	}
	s.process = domain.NewImportProcess(req.TableName, req.Source, req.Owner.ID)
	return s.process, nil
}

func (s *stubRegistrar) Authorize(context.Context, domain.Principal, uuid.UUID) (domain.ImportProcess, error) {
	if s.authErr != nil {
		return domain.ImportProcess{}, s.authErr
	}
	return s.process, nil
}

func (s *stubRegistrar) AbandonImport(_ context.Context, processID uuid.UUID, cause error) error {
	s.abandoned = append(s.abandoned, processID)
	appErr := apperrors.WithCorrelation(cause)
	s.stored = append(s.stored, appErr.UserMessage())
	return appErr
}

type stubPublisher struct {
	messages []Message
	err      error
}

func (s *stubPublisher) Publish(_ context.Context, msg Message) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

type stubRunner struct {
	errs    []error
	calls   int
	sources []domain.Source
}

func (s *stubRunner) next(source domain.Source) error {
	s.calls++
	s.sources = append(s.sources, source)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubRunner) RunImport(_ context.Context, processID uuid.UUID, source domain.Source) (domain.ImportProcess, domain.IngestStats, error) {
	if err := s.next(source); err != nil {
		return domain.ImportProcess{}, domain.IngestStats{}, err
	}
	return domain.ImportProcess{ID: processID, TableName: "sales"}, domain.IngestStats{Inserted: 2, Total: 2}, nil
}

func (s *stubRunner) RunAppend(_ context.Context, _ uuid.UUID, source domain.Source) (domain.IngestStats, error) {
	if err := s.next(source); err != nil {
		return domain.IngestStats{}, err
	}
	return domain.IngestStats{Inserted: 1, Duplicates: 1, Total: 2}, nil
}

type sliceSubscriber struct {
	messages []Message
	acked    int
}

func (s *sliceSubscriber) Consume(ctx context.Context, handler Handler) error {
	for _, msg := range s.messages {
		if err := handler(ctx, msg); err != nil {
			return err
		}
		s.acked++
	}
	return nil
}

var owner = domain.Principal{ID: "user-1"}

func newSpool(t *testing.T) *Spool {
	t.Helper()
	spool, err := NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	return spool
}

func noWait() retry.Policy {
	return retry.Fixed{MaxAttempts: DefaultMaxRetries + 1}
}

func TestEnqueueImportStagesFileAndPublishes(t *testing.T) {
	repo := newStubTaskRepo()
	registrar := &stubRegistrar{}
	publisher := &stubPublisher{}
	dispatcher := NewDispatcher(repo, registrar, publisher, newSpool(t))

	task, process, err := dispatcher.EnqueueImport(context.Background(), ingestion.ImportRequest{
		TableName: "sales",
		Owner:     owner,
		Source:    domain.FileSource("Sales.CSV", []byte("a,b\n1,2\n")),
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if task.Status != domain.TaskStatusPending || task.ProcessID == nil || *task.ProcessID != process.ID {
		t.Fatalf("unexpected task %+v", task)
	}
	if len(publisher.messages) != 1 {
		t.Fatalf("expected one published message, got %d", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.TaskName != domain.TaskNameImport || msg.TaskID != task.ID || msg.ProcessID != process.ID {
		t.Fatalf("unexpected message %+v", msg)
	}
	if filepath.Ext(msg.FilePath) != ".csv" {
		t.Fatalf("expected staged csv path, got %q", msg.FilePath)
	}
	staged, err := os.ReadFile(msg.FilePath)
	if err != nil || string(staged) != "a,b\n1,2\n" {
		t.Fatalf("staged content mismatch: %q (%v)", staged, err)
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if src := decoded.Source(); src.FilePath != msg.FilePath || src.FileName != "Sales.CSV" || src.Validate() != nil {
		t.Fatalf("message source does not round trip: %+v", src)
	}
}

func TestEnqueueImportNameErrorsSkipQueue(t *testing.T) {
	publisher := &stubPublisher{}
	registrar := &stubRegistrar{createErr: apperrors.Wrap(errors.New("taken"), apperrors.ErrDuplicateName)}
	dispatcher := NewDispatcher(newStubTaskRepo(), registrar, publisher, newSpool(t))

	_, _, err := dispatcher.EnqueueImport(context.Background(), ingestion.ImportRequest{
		TableName: "sales", Owner: owner, Source: domain.EndpointSource("https://example.com"),
	})
	if !apperrors.Is(err, apperrors.ErrDuplicateName) {
		t.Fatalf("expected duplicate name, got %v", err)
	}
	if len(publisher.messages) != 0 {
		t.Fatalf("expected nothing published")
	}
}

func TestEnqueueImportPublishFailureAbandonsProcess(t *testing.T) {
	repo := newStubTaskRepo()
	registrar := &stubRegistrar{}
	publisher := &stubPublisher{err: errors.New("broker down")}
	spool := newSpool(t)
	dispatcher := NewDispatcher(repo, registrar, publisher, spool)

	_, _, err := dispatcher.EnqueueImport(context.Background(), ingestion.ImportRequest{
		TableName: "sales", Owner: owner, Source: domain.FileSource("a.csv", []byte("a\n1\n")),
	})
	if !apperrors.Is(err, apperrors.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if len(registrar.abandoned) != 1 || registrar.abandoned[0] != registrar.process.ID {
		t.Fatalf("expected process to be abandoned, got %v", registrar.abandoned)
	}
	for _, task := range repo.tasks {
		if task.Status != domain.TaskStatusFailed || task.Error == nil {
			t.Fatalf("expected failed task, got %+v", task)
		}
	}
	entries, _ := os.ReadDir(spool.dir)
	if len(entries) != 0 {
		t.Fatalf("expected staged upload to be removed, found %d files", len(entries))
	}
}

func TestEnqueueImportReturnsReferenceOfAbandonedProcess(t *testing.T) {
	repo := newStubTaskRepo()
	repo.createErr = errors.New("tasks table unavailable")
	registrar := &stubRegistrar{}
	dispatcher := NewDispatcher(repo, registrar, &stubPublisher{}, newSpool(t))

	_, _, err := dispatcher.EnqueueImport(context.Background(), ingestion.ImportRequest{
		TableName: "sales", Owner: owner, Source: domain.EndpointSource("https://example.com/data"),
	})
	appErr, ok := apperrors.As(err)
	if !ok || appErr.CorrelationID == "" {
		t.Fatalf("expected a referenced error, got %v", err)
	}
	if len(registrar.stored) != 1 || registrar.stored[0] != appErr.UserMessage() {
		t.Fatalf("stored message %v does not match returned %q", registrar.stored, appErr.UserMessage())
	}
}

func TestEnqueueAppendChecksOwnership(t *testing.T) {
	publisher := &stubPublisher{}
	registrar := &stubRegistrar{authErr: apperrors.Wrap(errors.New("nope"), apperrors.ErrForbidden)}
	dispatcher := NewDispatcher(newStubTaskRepo(), registrar, publisher, newSpool(t))

	_, err := dispatcher.EnqueueAppend(context.Background(), domain.Principal{ID: "other"}, uuid.New(), domain.EndpointSource("https://example.com"))
	if !apperrors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if len(publisher.messages) != 0 {
		t.Fatalf("expected nothing published")
	}
}

func TestEnqueueAppendRequiresStructure(t *testing.T) {
	registrar := &stubRegistrar{process: domain.ImportProcess{ID: uuid.New(), OwnerID: owner.ID}}
	dispatcher := NewDispatcher(newStubTaskRepo(), registrar, &stubPublisher{}, newSpool(t))

	_, err := dispatcher.EnqueueAppend(context.Background(), owner, registrar.process.ID, domain.EndpointSource("https://example.com"))
	if !apperrors.Is(err, apperrors.ErrNoColumns) {
		t.Fatalf("expected no-columns error, got %v", err)
	}
}

func TestGetTaskVisibility(t *testing.T) {
	repo := newStubTaskRepo()
	task, _ := repo.Create(context.Background(), domain.NewAsyncTask(domain.TaskNameImport, uuid.New(), owner.ID))
	dispatcher := NewDispatcher(repo, &stubRegistrar{}, &stubPublisher{}, newSpool(t))

	if _, err := dispatcher.GetTask(context.Background(), owner, task.ID); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if _, err := dispatcher.GetTask(context.Background(), domain.Principal{ID: "admin", Elevated: true}, task.ID); err != nil {
		t.Fatalf("elevated lookup failed: %v", err)
	}
	if _, err := dispatcher.GetTask(context.Background(), domain.Principal{ID: "other"}, task.ID); !apperrors.Is(err, apperrors.ErrTaskNotFound) {
		t.Fatalf("expected hidden task, got %v", err)
	}
}

func queuedTask(t *testing.T, repo *stubTaskRepo, spool *Spool, name string) Message {
	t.Helper()
	processID := uuid.New()
	task, _ := repo.Create(context.Background(), domain.NewAsyncTask(name, processID, owner.ID))
	source, err := spool.Stage(task.ID, domain.FileSource("rows.csv", []byte("a\n1\n")))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	return newMessage(task, processID, source)
}

func TestWorkerCompletesImport(t *testing.T) {
	repo := newStubTaskRepo()
	spool := newSpool(t)
	msg := queuedTask(t, repo, spool, domain.TaskNameImport)
	runner := &stubRunner{}
	subscriber := &sliceSubscriber{messages: []Message{msg}}
	worker := NewWorker(repo, runner, subscriber, spool, noWait())

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if subscriber.acked != 1 {
		t.Fatalf("expected message to be acknowledged")
	}

	task := repo.get(t, msg.TaskID)
	if task.Status != domain.TaskStatusSuccess || task.Progress != 100 || task.CompletedAt == nil || task.Attempts != 1 {
		t.Fatalf("unexpected task %+v", task)
	}
	var result Result
	if err := json.Unmarshal(task.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success || result.ProcessID != msg.ProcessID || result.TableName != "sales" || result.Statistics.Inserted != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if runner.sources[0].FilePath != msg.FilePath {
		t.Fatalf("runner did not receive staged path")
	}
	if _, err := os.Stat(msg.FilePath); !os.IsNotExist(err) {
		t.Fatalf("expected staged upload to be released, stat err %v", err)
	}
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	repo := newStubTaskRepo()
	spool := newSpool(t)
	msg := queuedTask(t, repo, spool, domain.TaskNameAppend)
	runner := &stubRunner{errs: []error{
		apperrors.Wrap(errors.New("connection reset"), apperrors.ErrFetch),
		apperrors.Wrap(errors.New("pool closed"), apperrors.ErrDatabase),
	}}
	worker := NewWorker(repo, runner, nil, spool, noWait())

	if err := worker.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	task := repo.get(t, msg.TaskID)
	if task.Status != domain.TaskStatusSuccess || task.Attempts != 3 || task.Error != nil {
		t.Fatalf("unexpected task %+v", task)
	}
	retrying := 0
	for _, status := range repo.statuses {
		if status == domain.TaskStatusRetrying {
			retrying++
		}
	}
	if retrying != 2 {
		t.Fatalf("expected two retrying transitions, got %v", repo.statuses)
	}
}

func TestWorkerGivesUpAfterMaxRetries(t *testing.T) {
	repo := newStubTaskRepo()
	spool := newSpool(t)
	msg := queuedTask(t, repo, spool, domain.TaskNameImport)
	fetchErr := apperrors.Wrap(errors.New("refused"), apperrors.ErrFetch)
	runner := &stubRunner{errs: []error{fetchErr, fetchErr, fetchErr, fetchErr, fetchErr}}
	worker := NewWorker(repo, runner, nil, spool, noWait())

	if err := worker.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if runner.calls != DefaultMaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxRetries+1, runner.calls)
	}
	task := repo.get(t, msg.TaskID)
	if task.Status != domain.TaskStatusFailed || task.Error == nil {
		t.Fatalf("expected failed task with message, got %+v", task)
	}
}

func TestWorkerDoesNotRetryInputErrors(t *testing.T) {
	repo := newStubTaskRepo()
	spool := newSpool(t)
	msg := queuedTask(t, repo, spool, domain.TaskNameImport)
	runner := &stubRunner{errs: []error{apperrors.Wrap(errors.New("empty"), apperrors.ErrEmptyResult)}}
	worker := NewWorker(repo, runner, nil, spool, noWait())

	if err := worker.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", runner.calls)
	}
	if task := repo.get(t, msg.TaskID); task.Status != domain.TaskStatusFailed {
		t.Fatalf("expected failed task, got %s", task.Status)
	}
}

func TestWorkerSkipsFinishedTasks(t *testing.T) {
	repo := newStubTaskRepo()
	spool := newSpool(t)
	msg := queuedTask(t, repo, spool, domain.TaskNameImport)
	task := repo.get(t, msg.TaskID)
	task.Status = domain.TaskStatusSuccess
	_ = repo.Update(context.Background(), task)
	runner := &stubRunner{}

	if err := NewWorker(repo, runner, nil, spool, noWait()).Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("expected finished task to be skipped")
	}
}

func TestWorkerFailsUnknownTaskName(t *testing.T) {
	repo := newStubTaskRepo()
	spool := newSpool(t)
	msg := queuedTask(t, repo, spool, "reindex")
	runner := &stubRunner{}

	if err := NewWorker(repo, runner, nil, spool, noWait()).Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if task := repo.get(t, msg.TaskID); task.Status != domain.TaskStatusFailed || task.Attempts != 1 {
		t.Fatalf("expected failed task after one attempt, got %+v", task)
	}
}

func TestWorkerDropsUnknownTask(t *testing.T) {
	worker := NewWorker(newStubTaskRepo(), &stubRunner{}, nil, newSpool(t), noWait())
	if err := worker.Handle(context.Background(), Message{TaskID: uuid.New(), TaskName: domain.TaskNameImport}); err != nil {
		t.Fatalf("expected unknown task to be acknowledged, got %v", err)
	}
}

func TestSpoolReleaseIgnoresForeignPaths(t *testing.T) {
	spool := newSpool(t)
	outside := filepath.Join(t.TempDir(), "keep.csv")
	if err := os.WriteFile(outside, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	spool.Release(domain.Source{Type: domain.ImportTypeFile, FilePath: outside})
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("expected file outside spool to survive: %v", err)
	}
}
