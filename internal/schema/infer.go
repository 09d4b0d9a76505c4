package schema

import (
	"fmt"

	"github.com/rpattn/importer/internal/domain"
)

// Infer derives the column structure of a batch of raw records. Columns are
// ordered by first appearance; distinct labels that sanitize to the same
// identifier get numeric suffixes.
func Infer(records []domain.Record) domain.ColumnStructure {
	var order []string
	values := make(map[string][]any)
	for _, record := range records {
		for _, field := range record {
			if _, seen := values[field.Key]; !seen {
				order = append(order, field.Key)
				values[field.Key] = nil
			}
			if field.Value != nil && len(values[field.Key]) < maxTypeSamples {
				values[field.Key] = append(values[field.Key], field.Value)
			}
		}
	}

	used := make(map[string]struct{}, len(order))
	columns := make([]domain.Column, 0, len(order))
	for _, original := range order {
		columns = append(columns, domain.Column{
			Name:         uniqueName(Sanitize(original), used),
			OriginalName: original,
			Type:         ClassifyColumn(values[original]),
		})
	}
	return domain.ColumnStructure{Columns: columns}
}

func uniqueName(base string, used map[string]struct{}) string {
	name := base
	for n := 2; ; n++ {
		if _, taken := used[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s_%d", base, n)
	}
	used[name] = struct{}{}
	return name
}

// Reanalyze re-derives column types from stored rows, which are keyed by
// canonical name. Canonical and original names of existing are kept, so rows
// stored earlier stay addressable under the same keys.
func Reanalyze(existing domain.ColumnStructure, rows []map[string]any) domain.ColumnStructure {
	if existing.IsEmpty() {
		records := make([]domain.Record, 0, len(rows))
		for _, row := range rows {
			records = append(records, domain.RecordFromMap(row))
		}
		return Infer(records)
	}

	values := make(map[string][]any, existing.Len())
	for _, row := range rows {
		for _, column := range existing.Columns {
			value, ok := row[column.Name]
			if !ok || value == nil || len(values[column.Name]) >= maxTypeSamples {
				continue
			}
			values[column.Name] = append(values[column.Name], value)
		}
	}

	columns := make([]domain.Column, len(existing.Columns))
	for i, column := range existing.Columns {
		column.Type = ClassifyColumn(values[column.Name])
		columns[i] = column
	}
	return domain.ColumnStructure{Columns: columns}
}
