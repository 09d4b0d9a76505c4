package ingestion

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
)

func newIngestFixture(t *testing.T) (*Ingester, *stubRecordRepo, uuid.UUID, domain.ColumnStructure) {
	t.Helper()
	processes := newStubProcessRepo()
	process := domain.NewImportProcess("people", domain.EndpointSource("http://example.test"), "owner")
	if _, err := processes.Create(context.Background(), process); err != nil {
		t.Fatalf("create process: %v", err)
	}
	records := newStubRecordRepo(processes)
	structure := domain.ColumnStructure{Columns: []domain.Column{
		{Name: "name", OriginalName: "Name", Type: domain.ColumnTypeText},
		{Name: "score", OriginalName: "Score", Type: domain.ColumnTypeReal},
	}}
	return NewIngester(records), records, process.ID, structure
}

func batch() []domain.Record {
	return []domain.Record{
		{{Key: "Name", Value: "Ana"}, {Key: "Score", Value: 1.5}},
		{{Key: "Score", Value: 2.5}, {Key: "Name", Value: "Bo"}},
		{{Key: "Unknown", Value: "dropped"}},
		{{Key: "Name", Value: "Cy"}, {Key: "Score", Value: math.NaN()}},
	}
}

func TestIngestCountsEveryNormalizedRecord(t *testing.T) {
	ingester, _, processID, structure := newIngestFixture(t)

	stats, err := ingester.Ingest(context.Background(), processID, batch(), structure)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("expected 3 non-empty records, got %+v", stats)
	}
	if stats.Inserted != 2 || stats.Errors != 1 || stats.Duplicates != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Total != stats.Inserted+stats.Duplicates+stats.Errors {
		t.Fatalf("total invariant broken: %+v", stats)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	ingester, records, processID, structure := newIngestFixture(t)
	input := batch()[:2]

	if _, err := ingester.Ingest(context.Background(), processID, input, structure); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	stats, err := ingester.Ingest(context.Background(), processID, input, structure)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if stats.Inserted != 0 || stats.Duplicates != len(input) {
		t.Fatalf("expected only duplicates on second run, got %+v", stats)
	}
	if len(records.forProcess(processID)) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(records.forProcess(processID)))
	}
}

func TestIngestContainsStorageFailures(t *testing.T) {
	ingester, records, processID, structure := newIngestFixture(t)
	failing, _ := RowHash(map[string]any{"name": "Ana", "score": 1.5})
	records.failHash[failing] = errors.New("disk full")

	stats, err := ingester.Ingest(context.Background(), processID, batch()[:2], structure)
	if err != nil {
		t.Fatalf("per-record failures must not abort the batch: %v", err)
	}
	if stats.Errors != 1 || stats.Inserted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestIngestMissingProcessIsFatal(t *testing.T) {
	ingester, _, _, structure := newIngestFixture(t)

	_, err := ingester.Ingest(context.Background(), uuid.New(), batch()[:1], structure)
	if !apperrors.Is(err, apperrors.ErrProcessNotFound) {
		t.Fatalf("expected process not found, got %v", err)
	}
}

func TestIngestStopsOnCancelledContext(t *testing.T) {
	ingester, _, processID, structure := newIngestFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := ingester.Ingest(ctx, processID, batch(), structure)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected nothing processed, got %+v", stats)
	}
}
