package schema

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/rpattn/importer/internal/domain"
)

const (
	maxTypeSamples = 100
	maxDateSamples = 20
	dateThreshold  = 0.8
)

type valueKind int

const (
	kindNull valueKind = iota
	kindText
	kindInteger
	kindReal
	kindBoolean
	kindTime
)

// kindPrecedence breaks ties between equally frequent kinds.
var kindPrecedence = []valueKind{kindText, kindReal, kindInteger, kindBoolean}

func kindOf(value any) valueKind {
	switch v := value.(type) {
	case nil:
		return kindNull
	case string:
		return kindText
	case bool:
		return kindBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return kindInteger
	case float32, float64:
		return kindReal
	case time.Time:
		return kindTime
	case *time.Time:
		if v == nil {
			return kindNull
		}
		return kindTime
	default:
		// composite JSON values and anything unrecognised are stored as text
		return kindText
	}
}

func hasTimeOfDay(t time.Time) bool {
	return t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0
}

// ClassifyColumn decides the column type from its values in source order.
func ClassifyColumn(values []any) domain.ColumnType {
	samples := make([]any, 0, maxTypeSamples)
	for _, value := range values {
		if kindOf(value) == kindNull {
			continue
		}
		samples = append(samples, value)
		if len(samples) == maxTypeSamples {
			break
		}
	}
	if len(samples) == 0 {
		return domain.ColumnTypeText
	}

	if columnType, ok := classifyTimes(samples); ok {
		return columnType
	}
	if columnType, ok := classifyDateStrings(samples); ok {
		return columnType
	}
	return classifyMajority(samples)
}

func classifyTimes(samples []any) (domain.ColumnType, bool) {
	found := false
	for _, sample := range samples {
		var ts time.Time
		switch v := sample.(type) {
		case time.Time:
			ts = v
		case *time.Time:
			ts = *v
		default:
			continue
		}
		found = true
		if hasTimeOfDay(ts) {
			return domain.ColumnTypeDatetime, true
		}
	}
	if found {
		return domain.ColumnTypeDate, true
	}
	return "", false
}

func classifyDateStrings(samples []any) (domain.ColumnType, bool) {
	for _, sample := range samples {
		if _, ok := sample.(string); !ok {
			return "", false
		}
	}

	checked := samples
	if len(checked) > maxDateSamples {
		checked = checked[:maxDateSamples]
	}

	parsed, withTime := 0, false
	for _, sample := range checked {
		ts, ok := parseDate(sample.(string))
		if !ok {
			continue
		}
		parsed++
		withTime = withTime || hasTimeOfDay(ts)
	}

	if float64(parsed) > float64(len(checked))*dateThreshold {
		// same rule as native times: one time of day makes the column datetime
		if withTime {
			return domain.ColumnTypeDatetime, true
		}
		return domain.ColumnTypeDate, true
	}
	return "", false
}

// parseDate recognises free-text dates. Plain numbers are never dates, even
// though they would parse as unix timestamps or compact dates.
func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Time{}, false
	}
	ts, err := dateparse.ParseIn(value, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func classifyMajority(samples []any) domain.ColumnType {
	counts := make(map[valueKind]int, len(kindPrecedence))
	for _, sample := range samples {
		kind := kindOf(sample)
		if kind == kindTime {
			kind = kindText
		}
		counts[kind]++
	}

	best := kindText
	bestCount := -1
	for _, kind := range kindPrecedence {
		if counts[kind] > bestCount {
			best = kind
			bestCount = counts[kind]
		}
	}

	switch best {
	case kindInteger:
		return domain.ColumnTypeInteger
	case kindReal:
		return domain.ColumnTypeReal
	case kindBoolean:
		return domain.ColumnTypeBoolean
	default:
		return domain.ColumnTypeText
	}
}
