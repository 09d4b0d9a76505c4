package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/auth"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/export"
	"github.com/rpattn/importer/internal/ingestion"
	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/query"
	"github.com/rpattn/importer/internal/ratelimit"
)

// Importer runs imports and ledger changes.
type Importer interface {
	ImportData(ctx context.Context, req ingestion.ImportRequest) (domain.ImportProcess, domain.IngestStats, error)
	AppendData(ctx context.Context, principal domain.Principal, processID uuid.UUID, source domain.Source) (domain.IngestStats, error)
	Reanalyze(ctx context.Context, principal domain.Principal, processID uuid.UUID) (domain.ColumnStructure, error)
	ToggleStatus(ctx context.Context, principal domain.Principal, processID uuid.UUID) (domain.ImportProcess, error)
	DeleteProcess(ctx context.Context, principal domain.Principal, processID uuid.UUID) error
}

// Queries answers read requests.
type Queries interface {
	ListProcesses(ctx context.Context, page, pageSize int) (query.ProcessPage, error)
	GetProcess(ctx context.Context, id uuid.UUID) (domain.ImportProcess, error)
	Preview(ctx context.Context, id uuid.UUID, limit int) (query.Preview, error)
	Search(ctx context.Context, term string, perProcessLimit int) ([]query.SearchGroup, error)
	ColumnMetadata(ctx context.Context, id uuid.UUID) ([]query.ColumnInfo, error)
}

// Exporter prepares file exports.
type Exporter interface {
	Prepare(ctx context.Context, processID uuid.UUID, columns []string, format export.Format) (*export.Export, error)
}

// TaskQueue runs imports in the background.
type TaskQueue interface {
	EnqueueImport(ctx context.Context, req ingestion.ImportRequest) (domain.AsyncTask, domain.ImportProcess, error)
	EnqueueAppend(ctx context.Context, principal domain.Principal, processID uuid.UUID, source domain.Source) (domain.AsyncTask, error)
	GetTask(ctx context.Context, principal domain.Principal, id uuid.UUID) (domain.AsyncTask, error)
}

type Handler struct {
	importer  Importer
	queries   Queries
	exporter  Exporter
	tasks     TaskQueue
	limiter   ratelimit.Limiter
	maxUpload int64
}

// Option customises a Handler.
type Option func(*Handler)

// WithTaskQueue enables ?async=1 on import and append.
func WithTaskQueue(tasks TaskQueue) Option {
	return func(h *Handler) { h.tasks = tasks }
}

// WithLimiter throttles import and append requests per caller.
func WithLimiter(limiter ratelimit.Limiter) Option {
	return func(h *Handler) {
		if limiter != nil {
			h.limiter = limiter
		}
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUpload = n
		}
	}
}

func NewHandler(importer Importer, queries Queries, exporter Exporter, opts ...Option) *Handler {
	h := &Handler{
		importer:  importer,
		queries:   queries,
		exporter:  exporter,
		limiter:   ratelimit.Unlimited{},
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes on r. Paths work with and without a trailing slash.
func (h *Handler) Register(r *mux.Router) {
	handle := func(path string, fn http.HandlerFunc, method string) {
		r.HandleFunc(path, fn).Methods(method)
		r.HandleFunc(path+"/", fn).Methods(method)
	}
	r.HandleFunc("/", h.handleImport).Methods(http.MethodPost)
	handle("/processes", h.handleListProcesses, http.MethodGet)
	handle("/processes/{id}", h.handleGetProcess, http.MethodGet)
	handle("/processes/{id}", h.handleDeleteProcess, http.MethodDelete)
	handle("/processes/{id}/append", h.handleAppend, http.MethodPost)
	handle("/processes/{id}/toggle-status", h.handleToggleStatus, http.MethodPost)
	handle("/processes/{id}/reanalyze", h.handleReanalyze, http.MethodPost)
	handle("/processes/{id}/preview", h.handlePreview, http.MethodGet)
	handle("/processes/{id}/metadata", h.handleMetadata, http.MethodGet)
	handle("/processes/{id}/export", h.handleExport, http.MethodGet)
	handle("/search", h.handleSearch, http.MethodGet)
	handle("/tasks/{id}", h.handleGetTask, http.MethodGet)
}

func principal(r *http.Request) (domain.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return domain.Principal{}, apperrors.Wrap(errors.New("no principal on request"), apperrors.ErrUnauthenticated)
	}
	return p, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, invalid(fmt.Errorf("parse id: %w", err), "The identifier is not valid.")
	}
	return id, nil
}

func isAsync(r *http.Request) bool {
	value, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	return value
}

func intParam(r *http.Request, name string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return value
}

func (h *Handler) allow(r *http.Request, p domain.Principal) error {
	ok, err := h.limiter.Allow(r.Context(), p.ID)
	if err != nil {
		// Failing open keeps imports working while the limiter store is down.
		logger.Log.WithError(err).Warn("rate limiter unavailable")
		return nil
	}
	if !ok {
		return apperrors.Wrap(fmt.Errorf("principal %q over limit", p.ID), apperrors.ErrRateLimited)
	}
	return nil
}

func (h *Handler) requireQueue() error {
	if h.tasks == nil {
		return apperrors.Wrap(errors.New("task queue disabled"), apperrors.ErrUnavailable,
			"Background processing is not enabled.")
	}
	return nil
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.allow(r, p); err != nil {
		writeError(w, r, err)
		return
	}
	form, source, err := readSourceRequest(w, r, h.maxUpload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := ingestion.ImportRequest{TableName: form.TableName, Owner: p, Source: source}

	if isAsync(r) {
		if err := h.requireQueue(); err != nil {
			writeError(w, r, err)
			return
		}
		task, process, err := h.tasks.EnqueueImport(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"message": "Import queued.",
			"task_id": task.ID,
			"task":    task,
			"process": process,
		})
		return
	}

	process, stats, err := h.importer.ImportData(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"message":    fmt.Sprintf("Data imported successfully. %d records inserted.", process.RecordCount),
		"process":    process,
		"statistics": stats,
	})
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.allow(r, p); err != nil {
		writeError(w, r, err)
		return
	}
	_, source, err := readSourceRequest(w, r, h.maxUpload)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if isAsync(r) {
		if err := h.requireQueue(); err != nil {
			writeError(w, r, err)
			return
		}
		task, err := h.tasks.EnqueueAppend(r.Context(), p, id, source)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"message": "Append queued.",
			"task_id": task.ID,
			"task":    task,
		})
		return
	}

	stats, err := h.importer.AppendData(r.Context(), p, id, source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	process, err := h.queries.GetProcess(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    fmt.Sprintf("%d new records added.", stats.Inserted),
		"process":    process,
		"statistics": stats,
	})
}

func (h *Handler) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		writeError(w, r, err)
		return
	}
	page, err := h.queries.ListProcesses(r.Context(), intParam(r, "page"), intParam(r, "page_size"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	process, err := h.queries.GetProcess(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, process)
}

func (h *Handler) handleDeleteProcess(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.importer.DeleteProcess(r.Context(), p, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Import process deleted."})
}

func (h *Handler) handleToggleStatus(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	process, err := h.importer.ToggleStatus(r.Context(), p, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Process %s marked as %s.", process.TableName, process.Status),
		"process": process,
	})
}

func (h *Handler) handleReanalyze(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	structure, err := h.importer.Reanalyze(r.Context(), p, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "column_structure": structure})
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	preview, err := h.queries.Preview(r.Context(), id, intParam(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"columns":       preview.Columns,
		"data":          preview.Data,
		"total_records": preview.TotalRecords,
	})
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	columns, err := h.queries.ColumnMetadata(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "columns": columns})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var columns []string
	if raw := strings.TrimSpace(r.URL.Query().Get("columns")); raw != "" {
		columns = strings.Split(raw, ",")
	}

	prepared, err := h.exporter.Prepare(r.Context(), id, columns, format)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", prepared.FileName()))
	w.WriteHeader(http.StatusOK)
	if _, err := prepared.Write(r.Context(), w); err != nil {
		// Headers are gone; the client sees a truncated download.
		logger.WithField("process_id", id).WithError(err).Error("export interrupted")
	}
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		writeError(w, r, err)
		return
	}
	term := r.URL.Query().Get("q")
	results, err := h.queries.Search(r.Context(), term, intParam(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"query":           strings.TrimSpace(term),
		"results":         results,
		"total_processes": len(results),
	})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.requireQueue(); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	task, err := h.tasks.GetTask(r.Context(), p, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
