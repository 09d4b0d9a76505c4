package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/fetcher"
)

const (
	DefaultMaxUploadBytes = 50 << 20
	multipartMemory       = 32 << 20
	// formOverhead covers multipart boundaries and the non-file fields.
	formOverhead = 1 << 20
	sniffLength  = 512
)

var (
	zipSignature = []byte("PK\x03\x04")
	oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// sourceRequest is the form or JSON body of an import or append.
type sourceRequest struct {
	ImportType  string `json:"import_type"`
	TableName   string `json:"table_name"`
	EndpointURL string `json:"endpoint_url"`
}

// readSourceRequest parses a multipart form or JSON body into a source.
func readSourceRequest(w http.ResponseWriter, r *http.Request, maxUpload int64) (sourceRequest, domain.Source, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req sourceRequest
		body := http.MaxBytesReader(w, r.Body, formOverhead)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return sourceRequest{}, domain.Source{}, invalid(fmt.Errorf("decode body: %w", err), "The request body is not valid JSON.")
		}
		if importType(req) == domain.ImportTypeFile {
			return sourceRequest{}, domain.Source{}, invalid(errors.New("file import without upload"), "File imports must be sent as multipart form data.")
		}
		return req, domain.EndpointSource(req.EndpointURL), nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpload+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return sourceRequest{}, domain.Source{}, tooLargeError(maxUpload)
		}
		return sourceRequest{}, domain.Source{}, invalid(fmt.Errorf("parse form: %w", err), "The form data could not be read.")
	}

	req := sourceRequest{
		ImportType:  strings.TrimSpace(r.FormValue("import_type")),
		TableName:   strings.TrimSpace(r.FormValue("table_name")),
		EndpointURL: strings.TrimSpace(r.FormValue("endpoint_url")),
	}
	if importType(req) == domain.ImportTypeEndpoint {
		return req, domain.EndpointSource(req.EndpointURL), nil
	}

	source, err := readUpload(r, maxUpload)
	if err != nil {
		return sourceRequest{}, domain.Source{}, err
	}
	return req, source, nil
}

// importType falls back to endpoint when only a URL was given.
func importType(req sourceRequest) domain.ImportType {
	switch strings.ToLower(req.ImportType) {
	case string(domain.ImportTypeFile):
		return domain.ImportTypeFile
	case string(domain.ImportTypeEndpoint):
		return domain.ImportTypeEndpoint
	}
	if req.EndpointURL != "" {
		return domain.ImportTypeEndpoint
	}
	return domain.ImportTypeFile
}

func readUpload(r *http.Request, maxUpload int64) (domain.Source, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return domain.Source{}, invalid(fmt.Errorf("form file: %w", err), "A file is required for file imports.")
	}
	defer file.Close()

	name, err := safeFileName(header.Filename)
	if err != nil {
		return domain.Source{}, err
	}
	if !fetcher.IsSupported(name) {
		return domain.Source{}, invalid(fmt.Errorf("unsupported extension %q", filepath.Ext(name)),
			fmt.Sprintf("Unsupported file format. Use: %s.", strings.Join(fetcher.SupportedExtensions, ", ")))
	}
	if header.Size > maxUpload {
		return domain.Source{}, tooLargeError(maxUpload)
	}

	content, err := io.ReadAll(io.LimitReader(file, maxUpload+1))
	if err != nil {
		return domain.Source{}, invalid(fmt.Errorf("read upload: %w", err), "The uploaded file could not be read.")
	}
	if int64(len(content)) > maxUpload {
		return domain.Source{}, tooLargeError(maxUpload)
	}
	if len(content) == 0 {
		return domain.Source{}, invalid(errors.New("empty upload"), "The uploaded file is empty.")
	}
	if err := checkSignature(name, content); err != nil {
		return domain.Source{}, err
	}
	return domain.FileSource(name, content), nil
}

// safeFileName rejects names that could address anything but a plain file.
func safeFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	bad := name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") ||
		strings.IndexFunc(name, unicode.IsControl) >= 0
	if bad {
		return "", invalid(fmt.Errorf("unsafe file name %q", name), "The file name is not allowed.")
	}
	return name, nil
}

// checkSignature compares the leading bytes with the declared format.
// Spreadsheet extensions accept either container, since the reader falls
// back between the two.
func checkSignature(name string, content []byte) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xls":
		if bytes.HasPrefix(content, zipSignature) || bytes.HasPrefix(content, oleSignature) {
			return nil
		}
	case ".csv":
		head := content
		if len(head) > sniffLength {
			head = head[:sniffLength]
		}
		if bytes.IndexByte(head, 0) < 0 {
			return nil
		}
	}
	return invalid(fmt.Errorf("content of %q does not match its extension", name),
		"The file content does not match its extension.")
}

func tooLargeError(maxUpload int64) error {
	return apperrors.Wrap(fmt.Errorf("upload exceeds %d bytes", maxUpload), apperrors.ErrFileTooLarge,
		fmt.Sprintf("The file exceeds the %d MB limit.", maxUpload>>20))
}

func invalid(err error, message string) error {
	return apperrors.Wrap(err, apperrors.ErrInvalidInput, message)
}
