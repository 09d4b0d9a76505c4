package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/retry"
)

func newTestFetcher() *EndpointFetcher {
	f := NewEndpointFetcher(DefaultEndpointConfig())
	f.policy = retry.Fixed{MaxAttempts: 3}
	return f
}

func TestEndpointFetcherSendsBrowserHeaders(t *testing.T) {
	var userAgent, accept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`[{"a": 1}]`))
	}))
	defer server.Close()

	records, err := newTestFetcher().Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if userAgent != browserHeaders["User-Agent"] || accept != browserHeaders["Accept"] {
		t.Fatalf("unexpected headers ua=%q accept=%q", userAgent, accept)
	}
}

func TestEndpointFetcherDecodesGzip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(`{"items": [{"x": "y"}]}`))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer server.Close()

	records, err := newTestFetcher().Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value, _ := lookup(records[0], "x"); value != "y" {
		t.Fatalf("unexpected record %v", records[0])
	}
}

func TestEndpointFetcherStatusAndBodyErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   *apperrors.AppError
	}{
		{"server error", http.StatusInternalServerError, `oops`, apperrors.ErrFetch},
		{"not found", http.StatusNotFound, `{}`, apperrors.ErrFetch},
		{"invalid json", http.StatusOK, `<html>`, apperrors.ErrFetch},
		{"scalar body", http.StatusOK, `42`, apperrors.ErrFetch},
		{"empty list", http.StatusOK, `[]`, apperrors.ErrEmptyResult},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := newTestFetcher().Fetch(context.Background(), server.URL)
			if !apperrors.Is(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want.Code, err)
			}
			if atomic.LoadInt32(&calls) != 1 {
				t.Fatalf("non transport failures must not be retried, got %d calls", calls)
			}
		})
	}
}

func TestEndpointFetcherRetriesDroppedConnections(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			hijacker, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer cannot hijack")
				return
			}
			conn, _, err := hijacker.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte(`[{"ok": true}]`))
	}))
	defer server.Close()

	records, err := newTestFetcher().Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls)
	}
}

func TestEndpointFetcherUnreachableHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestFetcher().Fetch(context.Background(), url)
	if !apperrors.Is(err, apperrors.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestEndpointFetcherFallsBackOnCertificateError(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"secure": false}]`))
	}))
	defer server.Close()

	records, err := newTestFetcher().Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("expected unverified fallback to succeed, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}
