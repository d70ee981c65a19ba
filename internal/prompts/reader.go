// Package prompts reads the prompt table a user uploads for a job. The table
// is a spreadsheet (xlsx) or a CSV file with a header row containing a
// "prompt" column; every non-empty cell of that column is one prompt.
package prompts

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Column is the header of the column holding the prompts
const Column = "prompt"

// ErrNoPromptColumn is returned when the header lacks a prompt column
var ErrNoPromptColumn = errors.New(`no "prompt" column`)

// Format of an uploaded prompt table
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// FormatFor guesses the format from a file name or URL. Anything that is not
// recognisably CSV is treated as a spreadsheet.
func FormatFor(name string) Format {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if strings.EqualFold(path.Ext(name), ".csv") {
		return FormatCSV
	}
	return FormatXLSX
}

// ContentType returns the media type used when storing a prompt file
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Read parses prompts from r in the given format
func Read(r io.Reader, format Format) ([]string, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(r)
	case FormatXLSX:
		return ReadXLSX(r)
	}
	return nil, fmt.Errorf("unsupported prompt file format %q", format)
}

// ReadXLSX reads the prompt column of the first sheet of a workbook
func ReadXLSX(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %s: %w", sheets[0], err)
	}
	return column(rows)
}

// ReadCSV reads the prompt column of a CSV document
func ReadCSV(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}
	return column(rows)
}

func column(rows [][]string) ([]string, error) {
	if len(rows) == 0 {
		return nil, ErrNoPromptColumn
	}
	col := -1
	for i, name := range rows[0] {
		if strings.EqualFold(strings.TrimSpace(name), Column) {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, ErrNoPromptColumn
	}

	var out []string
	for _, row := range rows[1:] {
		if col >= len(row) {
			continue
		}
		if p := strings.TrimSpace(row[col]); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
