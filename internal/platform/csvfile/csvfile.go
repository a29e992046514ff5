// Package csvfile parses the comma-separated extracts dropped by the billing
// system. The first non-blank record is the header; blank lines are skipped and
// every header and cell value is trimmed of surrounding whitespace.
package csvfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoHeader is returned when the input has no header row.
var ErrNoHeader = errors.New("csv has no header row")

// Row is one data record keyed by header name. Header order is preserved so
// rows can be logged in their original column order.
type Row struct {
	Line   int
	Header []string
	Values map[string]string
}

// Get returns the trimmed value for column, or "" when absent.
func (r Row) Get(column string) string {
	return r.Values[column]
}

// Lookup returns the first non-empty value among the given column aliases.
func (r Row) Lookup(aliases ...string) (string, bool) {
	for _, a := range aliases {
		if v, ok := r.Values[a]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// String renders the row as "col=value" pairs in header order.
func (r Row) String() string {
	parts := make([]string, 0, len(r.Header))
	for _, h := range r.Header {
		parts = append(parts, h+"="+r.Values[h])
	}
	return strings.Join(parts, ", ")
}

// ParseError describes a structural failure that aborts the whole file.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse csv at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("parse csv: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads all rows from text.
func Parse(text string) ([]Row, error) {
	return ParseReader(strings.NewReader(text))
}

// ParseReader reads all rows from r. Rows shorter than the header get empty
// values for the missing columns; rows longer than the header are a
// structural error.
func ParseReader(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var header []string
	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &ParseError{Line: pe.Line, Err: pe.Err}
			}
			return nil, &ParseError{Err: err}
		}
		if len(rec) == 0 || blank(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)

		if header == nil {
			header = make([]string, len(rec))
			for i, h := range rec {
				header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
			}
			continue
		}

		if len(rec) > len(header) && !blank(rec[len(header):]) {
			return nil, &ParseError{
				Line: line,
				Err:  fmt.Errorf("record has %d fields, header has %d", len(rec), len(header)),
			}
		}

		values := make(map[string]string, len(header))
		for i, h := range header {
			if h == "" {
				continue
			}
			if i < len(rec) {
				values[h] = strings.TrimSpace(rec[i])
			} else {
				values[h] = ""
			}
		}
		rows = append(rows, Row{Line: line, Header: header, Values: values})
	}

	if header == nil {
		return nil, &ParseError{Err: ErrNoHeader}
	}
	return rows, nil
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
