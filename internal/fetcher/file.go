package fetcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/importer/internal/apperrors"
	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/logger"
)

// SupportedExtensions lists the spreadsheet formats the reader accepts.
var SupportedExtensions = []string{".csv", ".xls", ".xlsx"}

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	errNoHeader          = errors.New("header row could not be detected")

	integerPattern = regexp.MustCompile(`^[+-]?\d+$`)
	realPattern    = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

	// cells spelled like this are read as missing values
	nullMarkers = map[string]struct{}{
		"": {}, "#N/A": {}, "#N/A N/A": {}, "#NA": {}, "-1.#IND": {}, "-1.#QNAN": {}, "-NaN": {}, "-nan": {},
		"1.#IND": {}, "1.#QNAN": {}, "<NA>": {}, "N/A": {}, "NA": {}, "NULL": {}, "NaN": {}, "None": {},
		"n/a": {}, "nan": {}, "null": {},
	}
)

// cell is one spreadsheet value before typing.
type cell struct {
	text   string
	time   time.Time
	isTime bool
}

func textCell(text string) cell {
	return cell{text: text}
}

func (c cell) isNull() bool {
	if c.isTime {
		return false
	}
	_, ok := nullMarkers[strings.TrimSpace(c.text)]
	return ok
}

// FileReader reads uploaded spreadsheets into records.
type FileReader struct{}

// NewFileReader creates a file reader.
func NewFileReader() *FileReader {
	return &FileReader{}
}

// IsSupported reports whether the file name has an accepted extension.
func IsSupported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, supported := range SupportedExtensions {
		if ext == supported {
			return true
		}
	}
	return false
}

// Read parses data according to the extension of name.
func (r *FileReader) Read(name string, data []byte) ([]domain.Record, error) {
	ext := strings.ToLower(filepath.Ext(name))

	var (
		rows   [][]cell
		strict bool
		err    error
	)
	switch ext {
	case ".csv":
		rows, err = readCSV(data)
		strict = true
	case ".xlsx":
		rows, err = readXLSX(data)
		if err != nil {
			logger.Log.WithField("file", name).WithError(err).Warn("xlsx reader failed, trying legacy reader")
			if legacyRows, legacyErr := readXLS(data); legacyErr == nil {
				rows, err = legacyRows, nil
			}
		}
	case ".xls":
		rows, err = readXLS(data)
		if err != nil {
			logger.Log.WithField("file", name).WithError(err).Warn("legacy reader failed, trying xlsx reader")
			if modernRows, modernErr := readXLSX(data); modernErr == nil {
				rows, err = modernRows, nil
			}
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, apperrors.Wrap(fmt.Errorf("read %s: %w", filepath.Base(name), err), apperrors.ErrFileRead)
	}

	records, err := buildRecords(rows, strict)
	if err != nil {
		if errors.Is(err, errNoRecords) || errors.Is(err, errNoHeader) {
			return nil, apperrors.Wrap(fmt.Errorf("read %s: %w", filepath.Base(name), err), apperrors.ErrEmptyResult,
				"The file is empty or contains no data rows.")
		}
		return nil, apperrors.Wrap(fmt.Errorf("read %s: %w", filepath.Base(name), err), apperrors.ErrFileRead)
	}
	return records, nil
}

func rowIsBlank(row []cell) bool {
	for _, c := range row {
		if c.isTime || strings.TrimSpace(c.text) != "" {
			return false
		}
	}
	return true
}

// buildRecords uses the first non-blank row as the header and types each
// column from its values. In strict mode a data row with more values than the
// header is rejected.
func buildRecords(rows [][]cell, strict bool) ([]domain.Record, error) {
	headerIndex := -1
	for idx, row := range rows {
		if !rowIsBlank(row) {
			headerIndex = idx
			break
		}
	}
	if headerIndex < 0 {
		return nil, errNoHeader
	}

	headers := headerLabels(rows[headerIndex])
	var data [][]cell
	for idx := headerIndex + 1; idx < len(rows); idx++ {
		row := rows[idx]
		if rowIsBlank(row) {
			continue
		}
		if len(row) > len(headers) {
			extra := row[len(headers):]
			if strict && !rowIsBlank(extra) {
				return nil, fmt.Errorf("row %d has %d fields, header has %d", idx+1, len(row), len(headers))
			}
			row = row[:len(headers)]
		}
		data = append(data, row)
	}
	if len(data) == 0 {
		return nil, errNoRecords
	}

	kinds := make([]cellKind, len(headers))
	for col := range headers {
		kinds[col] = columnKind(data, col)
	}

	records := make([]domain.Record, 0, len(data))
	for _, row := range data {
		record := make(domain.Record, 0, len(headers))
		for col, header := range headers {
			var value any
			if col < len(row) {
				value = typedValue(row[col], kinds[col])
			}
			record = append(record, domain.Field{Key: header, Value: value})
		}
		records = append(records, record)
	}
	return records, nil
}

// headerLabels names empty headers "Unnamed: <index>" and suffixes repeated
// ones with ".1", ".2" and so on.
func headerLabels(row []cell) []string {
	labels := make([]string, len(row))
	seen := make(map[string]struct{}, len(row))
	suffixes := make(map[string]int)
	for idx, c := range row {
		label := strings.TrimSpace(c.text)
		if c.isTime {
			label = c.time.Format(datetimeLabelLayout)
		}
		if label == "" {
			label = fmt.Sprintf("Unnamed: %d", idx)
		}
		if _, dup := seen[label]; dup {
			base := label
			for n := suffixes[base] + 1; ; n++ {
				candidate := fmt.Sprintf("%s.%d", base, n)
				if _, taken := seen[candidate]; !taken {
					label = candidate
					suffixes[base] = n
					break
				}
			}
		}
		seen[label] = struct{}{}
		labels[idx] = label
	}
	return labels
}

const datetimeLabelLayout = "2006-01-02 15:04:05"

type cellKind int

const (
	kindString cellKind = iota
	kindInteger
	kindReal
	kindBool
)

func columnKind(rows [][]cell, col int) cellKind {
	allInt, allReal, allBool := true, true, true
	sampled := false
	for _, row := range rows {
		if col >= len(row) || row[col].isNull() || row[col].isTime {
			continue
		}
		sampled = true
		text := strings.TrimSpace(row[col].text)
		if !integerPattern.MatchString(text) {
			allInt = false
		} else if _, err := strconv.ParseInt(text, 10, 64); err != nil {
			allInt = false
		}
		if !realPattern.MatchString(text) {
			allReal = false
		}
		if !isBoolText(text) {
			allBool = false
		}
		if !allInt && !allReal && !allBool {
			return kindString
		}
	}
	switch {
	case !sampled:
		return kindString
	case allInt:
		return kindInteger
	case allReal:
		return kindReal
	case allBool:
		return kindBool
	default:
		return kindString
	}
}

func isBoolText(text string) bool {
	switch strings.ToLower(text) {
	case "true", "false":
		return true
	}
	return false
}

func typedValue(c cell, kind cellKind) any {
	if c.isTime {
		return c.time
	}
	if c.isNull() {
		return nil
	}
	text := strings.TrimSpace(c.text)
	switch kind {
	case kindInteger:
		if v, err := strconv.ParseInt(text, 10, 64); err == nil {
			return v
		}
	case kindReal:
		if v, err := strconv.ParseFloat(text, 64); err == nil {
			return v
		}
	case kindBool:
		return strings.EqualFold(text, "true")
	}
	return c.text
}
