package processloader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/repository"
)

// ProcessLoader batches process lookups made while building one response.
type ProcessLoader struct {
	Loader *dataloader.Loader
}

func NewProcessLoader(repo repository.ProcessRepository) *ProcessLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := make([]uuid.UUID, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				return failAll(len(keys), fmt.Errorf("invalid UUID: %w", err))
			}
			ids[i] = id
		}

		processes, err := repo.GetByIDs(ctx, ids)
		if err != nil {
			return failAll(len(keys), err)
		}

		byID := make(map[uuid.UUID]domain.ImportProcess, len(processes))
		for _, p := range processes {
			byID[p.ID] = p
		}

		// Results must line up with keys.
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			if p, ok := byID[id]; ok {
				results[i] = &dataloader.Result{Data: p}
			} else {
				results[i] = &dataloader.Result{Error: apperrors.Wrap(
					fmt.Errorf("import process %s not found", id), apperrors.ErrProcessNotFound)}
			}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))
	return &ProcessLoader{Loader: loader}
}

func failAll(n int, err error) []*dataloader.Result {
	results := make([]*dataloader.Result, n)
	for i := range results {
		results[i] = &dataloader.Result{Error: err}
	}
	return results
}

// Thunk resolves a queued process lookup.
type Thunk func() (domain.ImportProcess, error)

// Load queues a lookup. Calling the returned thunk blocks until the batch
// containing id has been fetched.
func (l *ProcessLoader) Load(ctx context.Context, id uuid.UUID) Thunk {
	thunk := l.Loader.Load(ctx, dataloader.StringKey(id.String()))
	return func() (domain.ImportProcess, error) {
		value, err := thunk()
		if err != nil {
			return domain.ImportProcess{}, err
		}
		process, ok := value.(domain.ImportProcess)
		if !ok {
			return domain.ImportProcess{}, fmt.Errorf("unexpected loader value %T", value)
		}
		return process, nil
	}
}

type ctxKey string

const processLoaderKey ctxKey = "processLoader"

// WithLoader stores the loader in ctx.
func WithLoader(ctx context.Context, loader *ProcessLoader) context.Context {
	return context.WithValue(ctx, processLoaderKey, loader)
}

// FromContext retrieves the request-scoped loader, if any.
func FromContext(ctx context.Context) *ProcessLoader {
	if l, ok := ctx.Value(processLoaderKey).(*ProcessLoader); ok {
		return l
	}
	return nil
}
