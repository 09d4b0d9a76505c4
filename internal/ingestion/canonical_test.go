package ingestion

import (
	"math"
	"testing"
)

func TestRowHashIgnoresKeyOrder(t *testing.T) {
	first := map[string]any{"name": "Ana", "age": int64(30), "tags": []any{"a", "b"}}
	second := map[string]any{"tags": []any{"a", "b"}, "age": int64(30), "name": "Ana"}

	h1, err := RowHash(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := RowHash(second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash depends on key order: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected hex sha256, got %q", h1)
	}

	h3, _ := RowHash(map[string]any{"name": "Ana", "age": int64(31), "tags": []any{"a", "b"}})
	if h3 == h1 {
		t.Fatal("different values must hash differently")
	}
}

func TestCanonicalizeEncoding(t *testing.T) {
	payload, _, err := Canonicalize(map[string]any{
		"z":     nil,
		"b":     true,
		"real":  2.0,
		"small": 0.5,
		"int":   int64(7),
		"text":  "a\"b",
		"meta":  map[string]any{"y": int64(1), "x": int64(2)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"b":true,"int":7,"meta":{"x":2,"y":1},"real":2.0,"small":0.5,"text":"a\"b","z":null}`
	if string(payload) != expected {
		t.Fatalf("unexpected canonical form\nwant %s\ngot  %s", expected, payload)
	}
}

func TestCanonicalizeRejectsNonFinite(t *testing.T) {
	if _, _, err := Canonicalize(map[string]any{"v": math.NaN()}); err == nil {
		t.Fatal("expected error for NaN")
	}
	if _, _, err := Canonicalize(map[string]any{"v": math.Inf(1)}); err == nil {
		t.Fatal("expected error for +Inf")
	}
}
