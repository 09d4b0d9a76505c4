package fetcher

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// decodeText returns data as UTF-8. Undecodable input is read as Latin-1,
// or as Windows-1252 when it uses the C1 range that only that code page prints.
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, byteOrderMark)
	if utf8.Valid(data) {
		return string(data), nil
	}

	decoder := charmap.ISO8859_1.NewDecoder()
	for _, b := range data {
		if b >= 0x80 && b <= 0x9F {
			decoder = charmap.Windows1252.NewDecoder()
			break
		}
	}
	decoded, err := decoder.Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode text: %w", err)
	}
	return string(decoded), nil
}

func readCSV(data []byte) ([][]cell, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	if strings.ContainsRune(text, 0) {
		return nil, errors.New("file contains binary data")
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1

	var rows [][]cell
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		row := make([]cell, len(record))
		for i, value := range record {
			row[i] = textCell(value)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
