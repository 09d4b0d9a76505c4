package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Field is a single key/value pair of a raw record.
type Field struct {
	Key   string
	Value any
}

// Record is a raw source record with keys in source order. Values are nil,
// string, bool, int64, float64, time.Time, or composite JSON values
// (map[string]any, []any).
type Record []Field

// Set replaces the value of key or appends it.
func (r Record) Set(key string, value any) Record {
	for i := range r {
		if r[i].Key == key {
			r[i].Value = value
			return r
		}
	}
	return append(r, Field{Key: key, Value: value})
}

// Keys returns the record keys in source order.
func (r Record) Keys() []string {
	keys := make([]string, len(r))
	for i, field := range r {
		keys[i] = field.Key
	}
	return keys
}

// RecordFromMap builds a record from a map with keys in lexical order.
func RecordFromMap(values map[string]any) Record {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	record := make(Record, 0, len(keys))
	for _, key := range keys {
		record = append(record, Field{Key: key, Value: values[key]})
	}
	return record
}

// NumberValue converts a decoded JSON number into int64 when its literal is
// integral and fits, and float64 otherwise.
func NumberValue(n json.Number) any {
	literal := n.String()
	if !strings.ContainsAny(literal, ".eE") {
		if i, err := strconv.ParseInt(literal, 10, 64); err == nil {
			return i
		}
	}
	if f, err := strconv.ParseFloat(literal, 64); err == nil {
		return f
	}
	return literal
}

// ConvertNumbers replaces json.Number values inside a decoded JSON value.
func ConvertNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		return NumberValue(v)
	case map[string]any:
		for key, inner := range v {
			v[key] = ConvertNumbers(inner)
		}
		return v
	case []any:
		for i, inner := range v {
			v[i] = ConvertNumbers(inner)
		}
		return v
	default:
		return value
	}
}
