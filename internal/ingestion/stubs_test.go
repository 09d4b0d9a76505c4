package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/repository"
)

type stubProcessRepo struct {
	mu        sync.Mutex
	processes map[uuid.UUID]domain.ImportProcess
	// records backs the stored row counts; set by newStubRecordRepo.
	records *stubRecordRepo
}

func newStubProcessRepo() *stubProcessRepo {
	return &stubProcessRepo{processes: map[uuid.UUID]domain.ImportProcess{}}
}

func (s *stubProcessRepo) missing(id uuid.UUID) error {
	return apperrors.Wrap(fmt.Errorf("process %s not found", id), apperrors.ErrProcessNotFound)
}

func (s *stubProcessRepo) Create(_ context.Context, process domain.ImportProcess) (domain.ImportProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.processes {
		if strings.EqualFold(existing.TableName, process.TableName) {
			return domain.ImportProcess{}, apperrors.Wrap(errors.New("unique violation"), apperrors.ErrDuplicateName)
		}
	}
	s.processes[process.ID] = process
	return process, nil
}

func (s *stubProcessRepo) GetByID(_ context.Context, id uuid.UUID) (domain.ImportProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	process, ok := s.processes[id]
	if !ok {
		return domain.ImportProcess{}, s.missing(id)
	}
	return process, nil
}

func (s *stubProcessRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.ImportProcess, error) {
	var out []domain.ImportProcess
	for _, id := range ids {
		if process, err := s.GetByID(ctx, id); err == nil {
			out = append(out, process)
		}
	}
	return out, nil
}

func (s *stubProcessRepo) List(_ context.Context, limit int, offset int) ([]domain.ImportProcess, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ImportProcess
	for _, process := range s.processes {
		out = append(out, process)
	}
	return out, int64(len(out)), nil
}

func (s *stubProcessRepo) TableNameExists(_ context.Context, tableName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, process := range s.processes {
		if strings.EqualFold(process.TableName, tableName) {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubProcessRepo) update(id uuid.UUID, fn func(*domain.ImportProcess)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	process, ok := s.processes[id]
	if !ok {
		return s.missing(id)
	}
	fn(&process)
	s.processes[id] = process
	return nil
}

func (s *stubProcessRepo) storedCount(id uuid.UUID) int64 {
	if s.records == nil {
		return 0
	}
	return int64(len(s.records.forProcess(id)))
}

func (s *stubProcessRepo) MarkActive(_ context.Context, id uuid.UUID, structure domain.ColumnStructure) (int64, error) {
	var count int64
	err := s.update(id, func(p *domain.ImportProcess) {
		count = s.storedCount(id)
		p.Status = domain.ProcessStatusActive
		p.ColumnStructure = structure
		p.RecordCount = count
		p.ErrorMessage = nil
	})
	return count, err
}

func (s *stubProcessRepo) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	return s.update(id, func(p *domain.ImportProcess) {
		p.Status = domain.ProcessStatusInactive
		p.ErrorMessage = &message
	})
}

func (s *stubProcessRepo) SetErrorMessage(_ context.Context, id uuid.UUID, message *string) error {
	return s.update(id, func(p *domain.ImportProcess) { p.ErrorMessage = message })
}

func (s *stubProcessRepo) SyncRecordCount(_ context.Context, id uuid.UUID) (int64, error) {
	var count int64
	err := s.update(id, func(p *domain.ImportProcess) {
		count = s.storedCount(id)
		p.RecordCount = count
	})
	return count, err
}

func (s *stubProcessRepo) UpdateStructure(_ context.Context, id uuid.UUID, structure domain.ColumnStructure) (int64, error) {
	var count int64
	err := s.update(id, func(p *domain.ImportProcess) {
		count = s.storedCount(id)
		p.ColumnStructure = structure
		p.RecordCount = count
	})
	return count, err
}

func (s *stubProcessRepo) SetStatus(_ context.Context, id uuid.UUID, status domain.ProcessStatus) error {
	return s.update(id, func(p *domain.ImportProcess) { p.Status = status })
}

func (s *stubProcessRepo) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[id]; !ok {
		return s.missing(id)
	}
	delete(s.processes, id)
	return nil
}

type stubRecordRepo struct {
	mu        sync.Mutex
	processes *stubProcessRepo
	records   []domain.ImportedRecord
	hashes    map[string]struct{}
	failHash  map[string]error
}

func newStubRecordRepo(processes *stubProcessRepo) *stubRecordRepo {
	records := &stubRecordRepo{processes: processes, hashes: map[string]struct{}{}, failHash: map[string]error{}}
	processes.records = records
	return records
}

func (s *stubRecordRepo) InsertIfAbsent(ctx context.Context, processID uuid.UUID, rowHash string, data []byte) (bool, error) {
	if _, err := s.processes.GetByID(ctx, processID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failHash[rowHash]; ok {
		return false, err
	}
	key := processID.String() + ":" + rowHash
	if _, exists := s.hashes[key]; exists {
		return false, nil
	}
	decoded, err := repository.DecodeData(data)
	if err != nil {
		return false, err
	}
	s.hashes[key] = struct{}{}
	s.records = append(s.records, domain.ImportedRecord{ID: uuid.New(), ProcessID: processID, Data: decoded, RowHash: rowHash})
	return true, nil
}

func (s *stubRecordRepo) forProcess(processID uuid.UUID) []domain.ImportedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ImportedRecord
	for _, record := range s.records {
		if record.ProcessID == processID {
			out = append(out, record)
		}
	}
	return out
}

func (s *stubRecordRepo) List(_ context.Context, processID uuid.UUID, limit int, offset int) ([]domain.ImportedRecord, error) {
	records := s.forProcess(processID)
	if offset >= len(records) {
		return nil, nil
	}
	records = records[offset:]
	if limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

func (s *stubRecordRepo) Each(_ context.Context, processID uuid.UUID, _ int, fn func(domain.ImportedRecord) error) error {
	for _, record := range s.forProcess(processID) {
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubRecordRepo) Search(context.Context, string, int) ([]repository.SearchMatch, error) {
	return nil, nil
}

func (s *stubRecordRepo) DistinctValues(context.Context, uuid.UUID, string, int) ([]string, error) {
	return nil, nil
}

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	records []domain.Record
	err     error
}

func (s *stubFetcher) Fetch(context.Context, domain.Source) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

type stubInvalidator struct {
	calls int
}

func (s *stubInvalidator) Invalidate(context.Context) error {
	s.calls++
	return nil
}
