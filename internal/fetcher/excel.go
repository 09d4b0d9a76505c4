package fetcher

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// builtInDateFormats are the Excel number format ids that render dates or times.
var builtInDateFormats = map[int]struct{}{
	14: {}, 15: {}, 16: {}, 17: {}, 18: {}, 19: {}, 20: {}, 21: {}, 22: {},
	45: {}, 46: {}, 47: {},
}

func readXLSX(data []byte) ([][]cell, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("excel file has no sheets")
	}
	sheet := sheets[0]

	formatted, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	raw, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read raw rows from xlsx: %w", err)
	}

	dates := dateStyles{file: f, cache: make(map[int]bool)}
	rows := make([][]cell, len(raw))
	for r, rawRow := range raw {
		row := make([]cell, len(rawRow))
		for c, value := range rawRow {
			display := value
			if r < len(formatted) && c < len(formatted[r]) {
				display = formatted[r][c]
			}
			row[c] = textCell(value)
			if display == value {
				continue
			}
			serial, err := strconv.ParseFloat(value, 64)
			if err != nil || !dates.isDate(sheet, c, r) {
				continue
			}
			ts, err := excelize.ExcelDateToTime(serial, false)
			if err != nil {
				continue
			}
			row[c] = cell{text: display, time: ts.Round(time.Second), isTime: true}
		}
		rows[r] = row
	}
	return rows, nil
}

// dateStyles answers whether a cell's number format renders a date, caching by style id.
type dateStyles struct {
	file  *excelize.File
	cache map[int]bool
}

func (d dateStyles) isDate(sheet string, col, row int) bool {
	name, err := excelize.CoordinatesToCellName(col+1, row+1)
	if err != nil {
		return false
	}
	styleID, err := d.file.GetCellStyle(sheet, name)
	if err != nil {
		return false
	}
	if cached, ok := d.cache[styleID]; ok {
		return cached
	}

	isDate := false
	if style, err := d.file.GetStyle(styleID); err == nil && style != nil {
		if _, ok := builtInDateFormats[style.NumFmt]; ok {
			isDate = true
		} else if style.CustomNumFmt != nil {
			isDate = isDateFormatCode(*style.CustomNumFmt)
		}
	}
	d.cache[styleID] = isDate
	return isDate
}

// isDateFormatCode reports whether a custom number format has date or time
// tokens outside of quoted literals and bracketed sections.
func isDateFormatCode(code string) bool {
	inQuote, inBracket := false, false
	for i := 0; i < len(code); i++ {
		ch := code[i]
		switch {
		case ch == '"':
			inQuote = !inQuote
		case inQuote:
		case ch == '\\':
			i++
		case ch == '[':
			inBracket = true
		case ch == ']':
			inBracket = false
		case inBracket:
		default:
			switch strings.ToLower(string(ch)) {
			case "y", "m", "d", "h", "s":
				return true
			}
		}
	}
	return false
}

// readXLS reads the first sheet of a legacy BIFF workbook.
func readXLS(data []byte) (rows [][]cell, err error) {
	defer func() {
		// the legacy decoder panics on some malformed workbooks
		if recovered := recover(); recovered != nil {
			rows, err = nil, fmt.Errorf("failed to parse xls: %v", recovered)
		}
	}()

	workbook, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("failed to open xls: %w", err)
	}
	if workbook.NumSheets() == 0 {
		return nil, errors.New("excel file has no sheets")
	}
	sheet := workbook.GetSheet(0)
	if sheet == nil {
		return nil, errors.New("excel file has no sheets")
	}

	for i := 0; i <= int(sheet.MaxRow); i++ {
		source := sheet.Row(i)
		if source == nil {
			rows = append(rows, nil)
			continue
		}
		last := source.LastCol()
		row := make([]cell, 0, last)
		for c := 0; c < last; c++ {
			row = append(row, textCell(source.Col(c)))
		}
		rows = append(rows, row)
	}
	return rows, nil
}
