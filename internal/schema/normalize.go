package schema

import (
	"encoding/json"
	"time"

	"github.com/rpattn/importer/internal/domain"
	"github.com/rpattn/importer/internal/logger"
)

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02T15:04:05"
)

// Normalizer maps raw records onto a fixed column structure.
type Normalizer struct {
	mapping map[string]string
}

// NewNormalizer prepares the reverse mapping of structure once for a batch.
func NewNormalizer(structure domain.ColumnStructure) *Normalizer {
	return &Normalizer{mapping: structure.ReverseMapping()}
}

// Normalize keys the record by canonical names. Labels outside the structure
// are dropped and nulls are kept. It reports false when nothing maps.
func (n *Normalizer) Normalize(record domain.Record) (map[string]any, bool) {
	out := make(map[string]any, len(record))
	for _, field := range record {
		canonical, ok := n.mapping[field.Key]
		if !ok {
			continue
		}
		out[canonical] = normalizeValue(field.Value)
	}
	if len(out) == 0 {
		logger.Log.WithField("keys", record.Keys()).Debug("skipping record with no mapped columns")
		return nil, false
	}
	return out, true
}

// NormalizeAll normalizes a batch, skipping records that map to nothing.
func (n *Normalizer) NormalizeAll(records []domain.Record) []map[string]any {
	rows := make([]map[string]any, 0, len(records))
	for _, record := range records {
		if row, ok := n.Normalize(record); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// Normalize is a convenience wrapper for a single record.
func Normalize(record domain.Record, structure domain.ColumnStructure) (map[string]any, bool) {
	return NewNormalizer(structure).Normalize(record)
}

// FormatTime renders timestamps the way they are stored: a date at midnight,
// otherwise a second precision datetime.
func FormatTime(t time.Time) string {
	if hasTimeOfDay(t) {
		return t.Format(datetimeLayout)
	}
	return t.Format(dateLayout)
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case time.Time:
		return FormatTime(v)
	case *time.Time:
		if v == nil {
			return nil
		}
		return FormatTime(*v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return value
		}
		return string(encoded)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	default:
		return value
	}
}
