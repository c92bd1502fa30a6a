package tabular

import (
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/septivank/meter-verification-worker/internal/db"
	"go.uber.org/zap"
)

// DefaultMaxSamples caps the sampled messages kept in Diagnostics.
const DefaultMaxSamples = 20

// RowError explains why a data row was skipped.
type RowError struct {
	Line   int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Diagnostics summarizes a parse: counts plus sampled row messages.
type Diagnostics struct {
	Rows      int        `json:"rows"`
	Parsed    int        `json:"parsed"`
	Skipped   int        `json:"skipped"`
	Warnings  int        `json:"warnings"`
	RowErrors []RowError `json:"row_errors,omitempty"`
	Notes     []string   `json:"notes,omitempty"`

	maxSamples int
}

func (d *Diagnostics) skip(line int, reason string) {
	d.Skipped++
	if len(d.RowErrors) < d.maxSamples {
		d.RowErrors = append(d.RowErrors, RowError{Line: line, Reason: reason})
	}
}

func (d *Diagnostics) warn(line int, msg string) {
	d.Warnings++
	if len(d.Notes) < d.maxSamples {
		d.Notes = append(d.Notes, fmt.Sprintf("line %d: %s", line, msg))
	}
}

// ParseOptions tunes ParseMeters.
type ParseOptions struct {
	MaxSamples int
	Logger     *zap.Logger
}

// ParseResult holds the parsed meters of one sheet and its diagnostics.
type ParseResult struct {
	Meters      []db.MeterRecord
	Diagnostics Diagnostics
}

type columns struct {
	number, serial, place, registered int
	maxIndex                          int
}

func resolveColumns(h Header) (columns, error) {
	var c columns
	var missing []string
	for _, name := range RequiredColumns {
		i, ok := h.Index(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		switch name {
		case ColumnNumber:
			c.number = i
		case ColumnSerialNumber:
			c.serial = i
		case ColumnPlace:
			c.place = i
		case ColumnRegistered:
			c.registered = i
		}
		if i > c.maxIndex {
			c.maxIndex = i
		}
	}
	if len(missing) > 0 {
		return columns{}, eris.Errorf("tabular: missing columns %s", strings.Join(missing, ", "))
	}
	return c, nil
}

// ParseMeters reads the data rows remaining in src as meter records. The header
// must already have been read from src and carry every required column.
// Blank, short, incomplete and duplicate-serial rows are skipped and counted.
// The returned records have no SourceFile.
func ParseMeters(src RowSource, header Header, opts ParseOptions) (ParseResult, error) {
	cols, err := resolveColumns(header)
	if err != nil {
		return ParseResult{}, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxSamples := opts.MaxSamples
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}

	res := ParseResult{Diagnostics: Diagnostics{maxSamples: maxSamples}}
	diag := &res.Diagnostics
	seen := make(map[string]int)

	for {
		row, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ParseResult{}, err
		}
		diag.Rows++

		if row.Blank() {
			diag.skip(row.Line, "blank row")
			logger.Debug("skipping blank row", zap.Int("line", row.Line))
			continue
		}
		if len(row.Fields) <= cols.maxIndex {
			diag.skip(row.Line, fmt.Sprintf("expected at least %d fields, got %d", cols.maxIndex+1, len(row.Fields)))
			logger.Debug("skipping short row", zap.Int("line", row.Line), zap.Int("fields", len(row.Fields)))
			continue
		}

		number := strings.TrimSpace(row.Fields[cols.number])
		serial := strings.TrimSpace(row.Fields[cols.serial])
		place := strings.TrimSpace(row.Fields[cols.place])
		registeredText := strings.TrimSpace(row.Fields[cols.registered])

		if blank := blankRequired(number, serial, place, registeredText); blank != "" {
			diag.skip(row.Line, fmt.Sprintf("required field %s is blank", blank))
			logger.Debug("skipping incomplete row", zap.Int("line", row.Line), zap.String("column", blank))
			continue
		}
		if first, dup := seen[serial]; dup {
			diag.skip(row.Line, fmt.Sprintf("duplicate serial %s (first seen on line %d)", serial, first))
			logger.Debug("skipping duplicate serial", zap.Int("line", row.Line), zap.String("serial_number", serial))
			continue
		}

		registered, ok := ParseBool(registeredText)
		if !ok {
			diag.warn(row.Line, fmt.Sprintf("unrecognized %s value %q treated as false", ColumnRegistered, registeredText))
			logger.Warn("unrecognized boolean, defaulting to false",
				zap.Int("line", row.Line),
				zap.String("column", ColumnRegistered),
				zap.String("value", registeredText),
			)
		}

		seen[serial] = row.Line
		res.Meters = append(res.Meters, db.MeterRecord{
			SerialNumber: serial,
			Number:       number,
			Place:        place,
			Registered:   registered,
		})
		diag.Parsed++
	}

	return res, nil
}

func blankRequired(number, serial, place, registered string) string {
	switch {
	case number == "":
		return ColumnNumber
	case serial == "":
		return ColumnSerialNumber
	case place == "":
		return ColumnPlace
	case registered == "":
		return ColumnRegistered
	}
	return ""
}
