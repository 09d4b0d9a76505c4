package fetcher

import (
	"errors"
	"testing"
)

func TestDecodeRecordsUnwrapsFirstArrayField(t *testing.T) {
	payload := `{"meta": {"page": 1}, "items": [{"Name":"Ana","Age":30},{"Name":"Bo","Age":null}], "other": [1]}`
	records, err := DecodeRecords([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	keys := records[0].Keys()
	if keys[0] != "Name" || keys[1] != "Age" {
		t.Fatalf("document order lost: %v", keys)
	}
	if age, _ := lookup(records[0], "Age"); age != int64(30) {
		t.Fatalf("expected int64 age, got %#v", age)
	}
	if age, ok := lookup(records[1], "Age"); !ok || age != nil {
		t.Fatalf("expected explicit null age, got %#v", age)
	}
}

func TestDecodeRecordsSingleObject(t *testing.T) {
	records, err := DecodeRecords([]byte(`{"id": 7, "price": 1.5, "tags": {"a": 1}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if price, _ := lookup(records[0], "price"); price != 1.5 {
		t.Fatalf("expected float price, got %#v", price)
	}
	tags, _ := lookup(records[0], "tags")
	if _, ok := tags.(map[string]any); !ok {
		t.Fatalf("nested objects should decode as maps, got %T", tags)
	}
}

func TestDecodeRecordsDropsNonObjects(t *testing.T) {
	records, err := DecodeRecords([]byte(`[1, "x", {"a": true}, null]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestDecodeRecordsErrors(t *testing.T) {
	if _, err := DecodeRecords([]byte(`[]`)); !errors.Is(err, errNoRecords) {
		t.Fatalf("expected no records error, got %v", err)
	}
	if _, err := DecodeRecords([]byte(`{"items": []}`)); !errors.Is(err, errNoRecords) {
		t.Fatalf("expected no records error for empty list field, got %v", err)
	}
	if _, err := DecodeRecords([]byte(`"text"`)); !errors.Is(err, errNotRecords) {
		t.Fatalf("expected not records error, got %v", err)
	}
	if _, err := DecodeRecords([]byte(`{"a": `)); err == nil {
		t.Fatal("expected error for truncated json")
	}
	if _, err := DecodeRecords([]byte(`[{"a":1}] [{"b":2}]`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}
