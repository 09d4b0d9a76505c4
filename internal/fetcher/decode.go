package fetcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rpattn/importer/internal/domain"
)

var (
	errNotRecords = errors.New("response must be a JSON array or object")
	errNoRecords  = errors.New("response contains no records")
)

// DecodeRecords parses a JSON payload into records. An array yields its object
// elements; an object yields its first array-valued field, or itself when it
// has none. Key order of every record follows the document.
func DecodeRecords(payload []byte) ([]domain.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	root, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid json: trailing data after top-level value")
	}

	var items []any
	switch v := root.(type) {
	case []any:
		items = v
	case domain.Record:
		items = []any{v}
		for _, field := range v {
			if list, ok := field.Value.([]any); ok {
				items = list
				break
			}
		}
	default:
		return nil, errNotRecords
	}

	records := make([]domain.Record, 0, len(items))
	for _, item := range items {
		record, ok := item.(domain.Record)
		if !ok || len(record) == 0 {
			continue
		}
		for i := range record {
			record[i].Value = plain(record[i].Value)
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return nil, errNoRecords
	}
	return records, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			var record domain.Record
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				value, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				record = record.Set(key, value)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			if record == nil {
				record = domain.Record{}
			}
			return record, nil
		case '[':
			list := []any{}
			for dec.More() {
				value, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, value)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", v)
		}
	case json.Number:
		return domain.NumberValue(v), nil
	default:
		return v, nil
	}
}

// plain converts nested records into maps so that composite values carry no
// ordering of their own.
func plain(value any) any {
	switch v := value.(type) {
	case domain.Record:
		out := make(map[string]any, len(v))
		for _, field := range v {
			out[field.Key] = plain(field.Value)
		}
		return out
	case []any:
		for i := range v {
			v[i] = plain(v[i])
		}
		return v
	default:
		return value
	}
}
