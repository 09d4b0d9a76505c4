package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/repository"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const (
	defaultPageSize = 1000
	maxSheetName    = 31
)

// ParseFormat accepts "csv" and "xlsx"; an empty value means csv.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", apperrors.Wrap(fmt.Errorf("unsupported export format %q", value), apperrors.ErrInvalidInput,
		"The export format must be csv or xlsx.")
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

type Service struct {
	processes repository.ProcessRepository
	records   repository.RecordRepository
	pageSize  int
}

type Option func(*Service)

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

func NewService(processes repository.ProcessRepository, records repository.RecordRepository, opts ...Option) *Service {
	s := &Service{processes: processes, records: records, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export is a validated export ready to be written.
type Export struct {
	service *Service
	process domain.ImportProcess
	columns []string
	format  Format
}

// Stats describes a written export.
type Stats struct {
	Rows  int64
	Bytes int64
}

// Prepare resolves the process and the selected columns. No columns selects
// all of them; names not in the column structure are rejected.
func (s *Service) Prepare(ctx context.Context, processID uuid.UUID, columns []string, format Format) (*Export, error) {
	process, err := s.processes.GetByID(ctx, processID)
	if err != nil {
		return nil, err
	}
	if process.ColumnStructure.IsEmpty() {
		return nil, apperrors.Wrap(fmt.Errorf("process %s has no column structure", processID), apperrors.ErrNoColumns)
	}
	selected, err := selectColumns(process.ColumnStructure, columns)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatCSV
	}
	return &Export{service: s, process: process, columns: selected, format: format}, nil
}

// Export prepares and writes an export in one call.
func (s *Service) Export(ctx context.Context, processID uuid.UUID, columns []string, format Format, w io.Writer) (Stats, error) {
	prepared, err := s.Prepare(ctx, processID, columns, format)
	if err != nil {
		return Stats{}, err
	}
	return prepared.Write(ctx, w)
}

func selectColumns(structure domain.ColumnStructure, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return structure.Names(), nil
	}
	var (
		selected []string
		unknown  []string
		seen     = map[string]struct{}{}
	)
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := structure.Lookup(name); !ok {
			unknown = append(unknown, name)
			continue
		}
		selected = append(selected, name)
	}
	if len(unknown) > 0 {
		return nil, apperrors.Wrap(fmt.Errorf("unknown export columns %v", unknown), apperrors.ErrInvalidInput,
			fmt.Sprintf("Unknown columns: %s.", strings.Join(unknown, ", ")))
	}
	if len(selected) == 0 {
		return structure.Names(), nil
	}
	return selected, nil
}

func (e *Export) Columns() []string {
	return append([]string(nil), e.columns...)
}

func (e *Export) Format() Format {
	return e.format
}

// FileName is the download name of the export.
func (e *Export) FileName() string {
	return sanitizeFileComponent(e.process.TableName) + "." + string(e.format)
}

// Write streams every record of the process to w.
func (e *Export) Write(ctx context.Context, w io.Writer) (Stats, error) {
	counter := &countingWriter{writer: w}
	var (
		rows int64
		err  error
	)
	switch e.format {
	case FormatXLSX:
		rows, err = e.writeXLSX(ctx, counter)
	default:
		rows, err = e.writeCSV(ctx, counter)
	}
	stats := Stats{Rows: rows, Bytes: counter.count}
	if err != nil {
		return stats, err
	}
	logger.WithField("process_id", e.process.ID).
		WithField("format", e.format).
		WithField("rows", rows).
		WithField("bytes", counter.count).
		Info("export written")
	return stats, nil
}

func (e *Export) writeCSV(ctx context.Context, w io.Writer) (int64, error) {
	buffered := bufio.NewWriterSize(w, 1<<16)
	csvWriter := csv.NewWriter(buffered)

	if err := csvWriter.Write(e.columns); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(e.columns))
	var exported int64
	err := e.service.records.Each(ctx, e.process.ID, e.service.pageSize, func(record domain.ImportedRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, name := range e.columns {
			row[i] = formatValue(record.Data[name])
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("write record row: %w", err)
		}
		exported++
		return nil
	})
	if err != nil {
		return exported, err
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return exported, fmt.Errorf("flush csv: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return exported, fmt.Errorf("flush buffered csv: %w", err)
	}
	return exported, nil
}

func (e *Export) writeXLSX(ctx context.Context, w io.Writer) (int64, error) {
	file := excelize.NewFile()
	defer func() {
		if err := file.Close(); err != nil {
			logger.Log.WithError(err).Warn("failed to release workbook")
		}
	}()

	sheet := sheetName(e.process.TableName)
	if err := file.SetSheetName("Sheet1", sheet); err != nil {
		return 0, fmt.Errorf("name sheet: %w", err)
	}
	stream, err := file.NewStreamWriter(sheet)
	if err != nil {
		return 0, fmt.Errorf("open sheet stream: %w", err)
	}

	header := make([]interface{}, len(e.columns))
	for i, name := range e.columns {
		header[i] = name
	}
	if err := stream.SetRow("A1", header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	var exported int64
	err = e.service.records.Each(ctx, e.process.ID, e.service.pageSize, func(record domain.ImportedRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		cells := make([]interface{}, len(e.columns))
		for i, name := range e.columns {
			cells[i] = cellValue(record.Data[name])
		}
		cell, err := excelize.CoordinatesToCellName(1, int(exported)+2)
		if err != nil {
			return err
		}
		if err := stream.SetRow(cell, cells); err != nil {
			return fmt.Errorf("write record row: %w", err)
		}
		exported++
		return nil
	})
	if err != nil {
		return exported, err
	}

	if err := stream.Flush(); err != nil {
		return exported, fmt.Errorf("flush sheet: %w", err)
	}
	if err := file.Write(w); err != nil {
		return exported, fmt.Errorf("write workbook: %w", err)
	}
	return exported, nil
}

func sheetName(tableName string) string {
	name := strings.TrimSpace(tableName)
	if name == "" {
		return "data"
	}
	if len(name) > maxSheetName {
		name = name[:maxSheetName]
	}
	return name
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "export"
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

type countingWriter struct {
	writer io.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

// cellValue keeps numbers and booleans typed in spreadsheets.
func cellValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case int64, float64, bool, string:
		return v
	default:
		return formatValue(v)
	}
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
