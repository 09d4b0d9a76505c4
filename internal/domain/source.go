package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Source describes the input of an import or append.
type Source struct {
	Type        ImportType
	EndpointURL string
	FileName    string
	// FilePath points at a staged copy of the upload when the source is handled asynchronously.
	FilePath string
	Content  []byte
}

// EndpointSource returns a source backed by an HTTP endpoint.
func EndpointSource(url string) Source {
	return Source{Type: ImportTypeEndpoint, EndpointURL: strings.TrimSpace(url)}
}

// FileSource returns a source backed by uploaded file content.
func FileSource(name string, content []byte) Source {
	return Source{Type: ImportTypeFile, FileName: name, Content: content}
}

// Identifier is the value recorded as the process source identifier.
func (s Source) Identifier() string {
	if s.Type == ImportTypeEndpoint {
		return s.EndpointURL
	}
	return filepath.Base(s.FileName)
}

// Validate checks that the source carries what its type requires.
func (s Source) Validate() error {
	switch s.Type {
	case ImportTypeEndpoint:
		if s.EndpointURL == "" {
			return fmt.Errorf("endpoint url is required")
		}
		if !strings.HasPrefix(s.EndpointURL, "http://") && !strings.HasPrefix(s.EndpointURL, "https://") {
			return fmt.Errorf("endpoint url must use http or https")
		}
	case ImportTypeFile:
		if s.FileName == "" {
			return fmt.Errorf("file name is required")
		}
		if len(s.Content) == 0 && s.FilePath == "" {
			return fmt.Errorf("file content is required")
		}
	default:
		return fmt.Errorf("unsupported import type %q", s.Type)
	}
	return nil
}
