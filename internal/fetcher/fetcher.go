// Package fetcher turns an import source (an HTTP endpoint or an uploaded
// spreadsheet) into raw records.
package fetcher

import (
	"context"
	"fmt"
	"os"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
)

// Fetcher dispatches a source to the endpoint fetcher or the file reader.
type Fetcher struct {
	endpoint *EndpointFetcher
	files    *FileReader
}

// New creates a fetcher from its two readers.
func New(endpoint *EndpointFetcher, files *FileReader) *Fetcher {
	return &Fetcher{endpoint: endpoint, files: files}
}

// Fetch returns the raw records of source.
func (f *Fetcher) Fetch(ctx context.Context, source domain.Source) ([]domain.Record, error) {
	switch source.Type {
	case domain.ImportTypeEndpoint:
		return f.endpoint.Fetch(ctx, source.EndpointURL)
	case domain.ImportTypeFile:
		content := source.Content
		if len(content) == 0 && source.FilePath != "" {
			data, err := os.ReadFile(source.FilePath)
			if err != nil {
				return nil, apperrors.Wrap(fmt.Errorf("read staged file %s: %w", source.FilePath, err), apperrors.ErrFileRead)
			}
			content = data
		}
		return f.files.Read(source.FileName, content)
	default:
		return nil, apperrors.Wrap(fmt.Errorf("unsupported import type %q", source.Type), apperrors.ErrInvalidInput)
	}
}
