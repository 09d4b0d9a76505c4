package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/retry"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxAttempts  = 3
	DefaultRetryDelay   = 2 * time.Second
	DefaultMaxBodyBytes = 100 << 20
)

var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":          "application/json, text/plain, */*",
	"Accept-Language": "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7",
	"Accept-Encoding": "gzip, deflate",
	"Connection":      "keep-alive",
}

// EndpointConfig tunes outbound requests.
type EndpointConfig struct {
	Timeout      time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	MaxBodyBytes int64
}

// DefaultEndpointConfig mirrors the behaviour expected from a browser-like client.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Timeout:      DefaultTimeout,
		MaxAttempts:  DefaultMaxAttempts,
		RetryDelay:   DefaultRetryDelay,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// EndpointFetcher downloads JSON records from HTTP endpoints.
type EndpointFetcher struct {
	client   *http.Client
	insecure *http.Client
	policy   retry.Policy
	maxBody  int64
}

// NewEndpointFetcher creates a fetcher with its own verified and unverified clients.
func NewEndpointFetcher(cfg EndpointConfig) *EndpointFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &EndpointFetcher{
		client:   newClient(cfg.Timeout, nil),
		insecure: newClient(cfg.Timeout, &tls.Config{InsecureSkipVerify: true}),
		policy:   retry.Fixed{MaxAttempts: cfg.MaxAttempts, Interval: cfg.RetryDelay},
		maxBody:  cfg.MaxBodyBytes,
	}
}

func newClient(timeout time.Duration, tlsConfig *tls.Config) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       tlsConfig,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Fetch downloads url and decodes its records.
func (f *EndpointFetcher) Fetch(ctx context.Context, url string) ([]domain.Record, error) {
	payload, err := f.download(ctx, url)
	if err != nil {
		return nil, err
	}

	records, err := DecodeRecords(payload)
	switch {
	case errors.Is(err, errNoRecords):
		return nil, apperrors.Wrap(fmt.Errorf("endpoint %s: %w", url, err), apperrors.ErrEmptyResult)
	case err != nil:
		return nil, apperrors.Wrap(fmt.Errorf("endpoint %s: %w", url, err), apperrors.ErrFetch,
			"The endpoint did not return valid JSON. Make sure it returns a list or an object.")
	}
	return records, nil
}

func (f *EndpointFetcher) download(ctx context.Context, url string) ([]byte, error) {
	var payload []byte
	err := retry.Do(ctx, f.policy, isRetryable, func(attempt int) error {
		if attempt > 0 {
			logger.Log.WithField("url", url).WithField("attempt", attempt+1).Info("retrying endpoint fetch")
		}
		data, err := f.get(ctx, f.client, url)
		if err != nil {
			return err
		}
		payload = data
		return nil
	})

	if err != nil && isCertificateError(err) {
		logger.Log.WithField("url", url).WithError(err).
			Warn("certificate verification failed, retrying without verification")
		payload, err = f.get(ctx, f.insecure, url)
	}

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, apperrors.Wrap(fmt.Errorf("request to %s timed out: %w", url, err), apperrors.ErrFetch,
				"The endpoint did not respond in time. Check that the URL is correct and reachable.")
		}
		return nil, apperrors.Wrap(fmt.Errorf("request to %s: %w", url, err), apperrors.ErrFetch)
	}
	return payload, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.code, http.StatusText(e.code))
}

func (f *EndpointFetcher) get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, value := range browserHeaders {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := decompress(resp)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.maxBody)
	}
	return data, nil
}

func decompress(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		return reader, nil
	case "deflate":
		// servers disagree on whether deflate means zlib framing or raw deflate
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if reader, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			return reader, nil
		}
		return flate.NewReader(bytes.NewReader(raw)), nil
	default:
		return resp.Body, nil
	}
}

func isCertificateError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verification *tls.CertificateVerificationError
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verification)
}

// isRetryable accepts connection level failures only. Timeouts, bad statuses
// and certificate problems are reported straight away.
func isRetryable(err error) bool {
	if isCertificateError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
