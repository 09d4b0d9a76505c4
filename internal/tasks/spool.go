package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/logger"
)

// Spool stages uploaded files on disk so that workers can read them later.
type Spool struct {
	dir string
}

func NewSpool(dir string) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(os.TempDir(), "importer-spool")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Stage writes file content to the spool and returns a source pointing at
// the staged copy. Endpoint sources are returned unchanged.
func (s *Spool) Stage(taskID uuid.UUID, source domain.Source) (domain.Source, error) {
	if source.Type != domain.ImportTypeFile || len(source.Content) == 0 {
		return source, nil
	}
	ext := strings.ToLower(filepath.Ext(source.FileName))
	path := filepath.Join(s.dir, taskID.String()+ext)
	if err := os.WriteFile(path, source.Content, 0o600); err != nil {
		return domain.Source{}, fmt.Errorf("failed to stage upload: %w", err)
	}
	staged := source
	staged.FilePath = path
	staged.Content = nil
	return staged, nil
}

// Release removes a staged file. Paths outside the spool are left alone.
func (s *Spool) Release(source domain.Source) {
	if source.FilePath == "" {
		return
	}
	rel, err := filepath.Rel(s.dir, filepath.Clean(source.FilePath))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return
	}
	if err := os.Remove(source.FilePath); err != nil && !os.IsNotExist(err) {
		logger.WithField("path", source.FilePath).WithError(err).Warn("failed to remove staged upload")
	}
}
