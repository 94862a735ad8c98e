// Package export writes list pages as CSV. Rows come from the same filter the
// page renders, fetched without LIMIT, so a download always matches the
// screen.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
)

// Column renders one CSV column from a row of type T.
type Column[T any] struct {
	Header string
	Value  func(T) string
}

// WriteCSV writes a header line followed by one record per row.
func WriteCSV[T any](w io.Writer, columns []Column[T], rows []T) error {
	cw := csv.NewWriter(w)

	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = c.Header
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}

	record := make([]string, len(columns))
	for _, row := range rows {
		for i, c := range columns {
			record[i] = sanitize(c.Value(row))
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("export: write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: flush: %w", err)
	}
	return nil
}

// sanitize neutralises cells a spreadsheet would evaluate as a formula.
func sanitize(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}

// Filename builds "<slug>-<yyyy-mm-dd>.csv" for a download.
func Filename(title string, now time.Time) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	slug := b.String()
	if slug == "" {
		slug = "export"
	}
	return slug + "-" + now.Format("2006-01-02") + ".csv"
}

// ContentDisposition is the attachment header value for filename.
func ContentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", filename)
}

// Time formats an optional timestamp for a cell.
func Time(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
