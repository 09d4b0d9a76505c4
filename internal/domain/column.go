package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ColumnType is the inferred type of an imported column.
type ColumnType string

const (
	ColumnTypeText     ColumnType = "text"
	ColumnTypeInteger  ColumnType = "integer"
	ColumnTypeReal     ColumnType = "real"
	ColumnTypeBoolean  ColumnType = "boolean"
	ColumnTypeDate     ColumnType = "date"
	ColumnTypeDatetime ColumnType = "datetime"
)

// Valid reports whether t is one of the known column types.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnTypeText, ColumnTypeInteger, ColumnTypeReal, ColumnTypeBoolean, ColumnTypeDate, ColumnTypeDatetime:
		return true
	}
	return false
}

// FilterType returns the filter widget family used by clients for the column.
// Text columns are refined to "category" by the query layer when their
// cardinality is low.
func (t ColumnType) FilterType() string {
	switch t {
	case ColumnTypeInteger, ColumnTypeReal:
		return "number"
	case ColumnTypeBoolean:
		return "boolean"
	case ColumnTypeDate:
		return "date"
	case ColumnTypeDatetime:
		return "datetime"
	default:
		return "string"
	}
}

// Column describes one canonical column of an import.
type Column struct {
	Name         string     `json:"name"`
	OriginalName string     `json:"original_name"`
	Type         ColumnType `json:"type"`
}

// ColumnStructure is the ordered set of canonical columns of an import.
// Canonical names are unique within a structure.
type ColumnStructure struct {
	Columns []Column
}

// NewColumnStructure builds a structure, rejecting duplicate or empty names.
func NewColumnStructure(columns []Column) (ColumnStructure, error) {
	seen := make(map[string]struct{}, len(columns))
	for _, column := range columns {
		if column.Name == "" {
			return ColumnStructure{}, fmt.Errorf("column name is required")
		}
		if _, exists := seen[column.Name]; exists {
			return ColumnStructure{}, fmt.Errorf("duplicate column name %q", column.Name)
		}
		if !column.Type.Valid() {
			return ColumnStructure{}, fmt.Errorf("column %s has unknown type %q", column.Name, column.Type)
		}
		seen[column.Name] = struct{}{}
	}
	return ColumnStructure{Columns: append([]Column(nil), columns...)}, nil
}

func (s ColumnStructure) Len() int {
	return len(s.Columns)
}

func (s ColumnStructure) IsEmpty() bool {
	return len(s.Columns) == 0
}

// Names returns the canonical names in column order.
func (s ColumnStructure) Names() []string {
	names := make([]string, len(s.Columns))
	for i, column := range s.Columns {
		names[i] = column.Name
	}
	return names
}

// Lookup returns the column with the given canonical name.
func (s ColumnStructure) Lookup(name string) (Column, bool) {
	for _, column := range s.Columns {
		if column.Name == name {
			return column, true
		}
	}
	return Column{}, false
}

// ReverseMapping maps original source labels to canonical names.
func (s ColumnStructure) ReverseMapping() map[string]string {
	mapping := make(map[string]string, len(s.Columns))
	for _, column := range s.Columns {
		mapping[column.OriginalName] = column.Name
	}
	return mapping
}

// Equal reports whether both structures have the same columns in the same order.
func (s ColumnStructure) Equal(other ColumnStructure) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != other.Columns[i] {
			return false
		}
	}
	return true
}

type columnInfo struct {
	OriginalName string     `json:"original_name"`
	Type         ColumnType `json:"type"`
}

// MarshalJSON encodes the structure as {canonical: {original_name, type}} in column order.
func (s ColumnStructure) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, column := range s.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(column.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(columnInfo{OriginalName: column.OriginalName, Type: column.Type})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the object form, keeping document order.
func (s *ColumnStructure) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		s.Columns = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("column structure must be a JSON object")
	}

	var columns []Column
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected column key %v", keyTok)
		}
		var info columnInfo
		if err := dec.Decode(&info); err != nil {
			return fmt.Errorf("decode column %s: %w", name, err)
		}
		columns = append(columns, Column{Name: name, OriginalName: info.OriginalName, Type: info.Type})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	structure, err := NewColumnStructure(columns)
	if err != nil {
		return err
	}
	*s = structure
	return nil
}
