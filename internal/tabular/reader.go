// Package tabular tokenizes delimited meter sheets and turns their rows into meter records.
package tabular

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

const maxLineBytes = 1 << 20

// ErrLineTooLong is returned by Reader.Next for a line longer than 1 MiB.
var ErrLineTooLong = eris.New("line exceeds maximum length")

// Row is one line of a sheet. Line is 1-based and counts the header.
type Row struct {
	Line   int
	Fields []string
}

// Blank reports whether every field of the row is empty after trimming.
func (r Row) Blank() bool {
	for _, f := range r.Fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// RowSource yields rows in order and returns io.EOF after the last one.
type RowSource interface {
	Next() (Row, error)
}

// Reader splits a delimited text stream into rows, one per line.
// Quoted fields may contain the delimiter; a doubled quote inside a quoted
// field is a literal quote. Quoted fields do not span lines.
type Reader struct {
	scanner *bufio.Scanner
	comma   rune
	line    int
}

// NewReader returns a comma-delimited Reader over r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{scanner: s, comma: ','}
}

// WithDelimiter changes the field delimiter.
func (r *Reader) WithDelimiter(comma rune) *Reader {
	r.comma = comma
	return r
}

func (r *Reader) Next() (Row, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return Row{}, eris.Wrapf(ErrLineTooLong, "tabular: read line %d", r.line+1)
			}
			return Row{}, eris.Wrapf(err, "tabular: read line %d", r.line+1)
		}
		return Row{}, io.EOF
	}
	r.line++

	text := strings.TrimSuffix(r.scanner.Text(), "\r")
	if r.line == 1 {
		text = strings.TrimPrefix(text, "\ufeff")
	}
	if strings.TrimSpace(text) == "" {
		return Row{Line: r.line}, nil
	}
	return Row{Line: r.line, Fields: SplitFields(text, r.comma)}, nil
}

// SplitFields splits one line on comma, honoring double-quoted fields.
func SplitFields(line string, comma rune) []string {
	var (
		fields  []string
		field   strings.Builder
		inQuote bool
		quoted  bool
	)
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inQuote && c == '"':
			if i+1 < len(runes) && runes[i+1] == '"' {
				field.WriteRune('"')
				i++
				continue
			}
			inQuote = false
		case c == '"' && field.Len() == 0 && !quoted:
			inQuote, quoted = true, true
		case !inQuote && c == comma:
			fields = append(fields, field.String())
			field.Reset()
			quoted = false
		default:
			field.WriteRune(c)
		}
	}
	return append(fields, field.String())
}
