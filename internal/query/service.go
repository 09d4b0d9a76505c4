package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/processloader"
	"github.com/rpattn/importer/internal/repository"
)

const (
	DefaultPageSize     = 10
	MaxPageSize         = 100
	DefaultPreviewLimit = 5
	MaxPreviewLimit     = 100
	DefaultSearchLimit  = 10
	MaxSearchLimit      = 100
	DefaultCacheTTL     = 5 * time.Minute

	// CategoryLimit is the largest number of distinct values a text column may
	// have to be offered as a category filter.
	CategoryLimit = 100

	filterCategory = "category"

	listCachePrefix     = "process_list"
	metadataCachePrefix = "process_metadata"
)

// ProcessPage is one page of the process ledger.
type ProcessPage struct {
	Count    int64                  `json:"count"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
	Results  []domain.ImportProcess `json:"results"`
}

// Preview holds the first records of a process.
type Preview struct {
	Columns      []string         `json:"columns"`
	Data         []map[string]any `json:"data"`
	TotalRecords int64            `json:"total_records"`
}

// SearchGroup collects the matches of one process.
type SearchGroup struct {
	ProcessID uuid.UUID        `json:"process_id"`
	TableName string           `json:"table_name"`
	Columns   []string         `json:"columns"`
	Data      []map[string]any `json:"data"`
	Count     int64            `json:"count"`
}

// ColumnInfo describes how clients can filter a column.
type ColumnInfo struct {
	Name         string            `json:"name"`
	OriginalName string            `json:"original_name"`
	Type         domain.ColumnType `json:"type"`
	FilterType   string            `json:"filter_type"`
	UniqueValues []string          `json:"unique_values,omitempty"`
}

// Service answers read-only questions about imported data.
type Service struct {
	processes repository.ProcessRepository
	records   repository.RecordRepository
	cache     Cache
	ttl       time.Duration
}

// NewService creates a query service. cache may be nil; ttl <= 0 uses DefaultCacheTTL.
func NewService(processes repository.ProcessRepository, records repository.RecordRepository, cache Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{processes: processes, records: records, cache: cache, ttl: ttl}
}

// ListProcesses returns a page of processes, newest first.
func (s *Service) ListProcesses(ctx context.Context, page, pageSize int) (ProcessPage, error) {
	if page < 1 {
		page = 1
	}
	pageSize = clamp(pageSize, DefaultPageSize, MaxPageSize)

	key := CacheKey(listCachePrefix, map[string]any{"page": page, "page_size": pageSize})
	var cached ProcessPage
	if s.lookup(ctx, key, &cached) {
		return cached, nil
	}

	processes, total, err := s.processes.List(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		return ProcessPage{}, apperrors.Wrap(err, apperrors.ErrDatabase)
	}
	result := ProcessPage{Count: total, Page: page, PageSize: pageSize, Results: processes}
	s.store(ctx, key, result)
	return result, nil
}

// GetProcess returns one process.
func (s *Service) GetProcess(ctx context.Context, id uuid.UUID) (domain.ImportProcess, error) {
	return s.processes.GetByID(ctx, id)
}

// Preview returns the first limit records of the process in insertion order,
// projected onto the canonical columns.
func (s *Service) Preview(ctx context.Context, id uuid.UUID, limit int) (Preview, error) {
	process, err := s.processes.GetByID(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	if process.ColumnStructure.IsEmpty() {
		return Preview{}, apperrors.Wrap(fmt.Errorf("process %s has no column structure", id), apperrors.ErrNoColumns)
	}

	records, err := s.records.List(ctx, id, clamp(limit, DefaultPreviewLimit, MaxPreviewLimit), 0)
	if err != nil {
		return Preview{}, apperrors.Wrap(err, apperrors.ErrDatabase)
	}

	columns := process.ColumnStructure.Names()
	data := make([]map[string]any, 0, len(records))
	for _, record := range records {
		data = append(data, project(record.Data, columns))
	}
	return Preview{Columns: columns, Data: data, TotalRecords: process.RecordCount}, nil
}

// Search finds records of active processes holding term in any column value.
// Matching is a case-insensitive substring test; at most perProcessLimit
// records are returned for each process while Count reports all matches.
func (s *Service) Search(ctx context.Context, term string, perProcessLimit int) ([]SearchGroup, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, apperrors.Wrap(errors.New("empty search term"), apperrors.ErrInvalidInput, "A search term is required.")
	}

	matches, err := s.records.Search(ctx, term, clamp(perProcessLimit, DefaultSearchLimit, MaxSearchLimit))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabase)
	}

	loader := processloader.FromContext(ctx)
	if loader == nil {
		loader = processloader.NewProcessLoader(s.processes)
	}

	groups := []SearchGroup{}
	thunks := []processloader.Thunk{}
	index := map[uuid.UUID]int{}
	for _, match := range matches {
		i, ok := index[match.ProcessID]
		if !ok {
			i = len(groups)
			index[match.ProcessID] = i
			groups = append(groups, SearchGroup{ProcessID: match.ProcessID, Count: match.Total})
			thunks = append(thunks, loader.Load(ctx, match.ProcessID))
		}
		groups[i].Data = append(groups[i].Data, match.Data)
	}

	results := make([]SearchGroup, 0, len(groups))
	for i, group := range groups {
		process, err := thunks[i]()
		if err != nil {
			if apperrors.Is(err, apperrors.ErrProcessNotFound) {
				// Deleted between the search and the lookup.
				continue
			}
			return nil, apperrors.Wrap(err, apperrors.ErrDatabase)
		}
		group.TableName = process.TableName
		group.Columns = process.ColumnStructure.Names()
		for j, row := range group.Data {
			group.Data[j] = project(row, group.Columns)
		}
		results = append(results, group)
	}
	return results, nil
}

// ColumnMetadata describes every column of the process for filtering.
func (s *Service) ColumnMetadata(ctx context.Context, id uuid.UUID) ([]ColumnInfo, error) {
	key := CacheKey(metadataCachePrefix, map[string]any{"process_id": id.String()})
	var cached []ColumnInfo
	if s.lookup(ctx, key, &cached) {
		return cached, nil
	}

	process, err := s.processes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	infos := make([]ColumnInfo, 0, process.ColumnStructure.Len())
	for _, column := range process.ColumnStructure.Columns {
		info := ColumnInfo{
			Name:         column.Name,
			OriginalName: column.OriginalName,
			Type:         column.Type,
			FilterType:   column.Type.FilterType(),
		}
		if column.Type == domain.ColumnTypeText {
			values, err := s.records.DistinctValues(ctx, id, column.Name, CategoryLimit+1)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrDatabase)
			}
			if len(values) <= CategoryLimit {
				info.FilterType = filterCategory
				info.UniqueValues = values
			}
		}
		infos = append(infos, info)
	}

	s.store(ctx, key, infos)
	return infos, nil
}

// Invalidate drops cached results. It lets the service act as the cache
// invalidator of the import pipeline.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx)
}

func (s *Service) lookup(ctx context.Context, key string, dest any) bool {
	if s.cache == nil {
		return false
	}
	found, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		logger.WithField("cache_key", key).WithError(err).Warn("query cache read failed")
		return false
	}
	return found
}

func (s *Service) store(ctx context.Context, key string, value any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		logger.WithField("cache_key", key).WithError(err).Warn("query cache write failed")
	}
}

func project(row map[string]any, columns []string) map[string]any {
	out := make(map[string]any, len(columns))
	for _, name := range columns {
		out[name] = row[name]
	}
	return out
}

func clamp(value, fallback, max int) int {
	if value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}
