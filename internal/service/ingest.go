package service

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/tabular"
	"github.com/septivank/meter-verification-worker/internal/validator"
)

// Format is the encoding of an uploaded sheet
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFromName picks the format from the file extension. Unknown
// extensions are read as CSV.
func FormatFromName(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	}
	return FormatCSV
}

// ParseFormat maps a message or flag value to a Format. Empty falls back to
// the file extension.
func ParseFormat(value, fileName string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return FormatFromName(fileName), nil
	case string(FormatCSV):
		return FormatCSV, nil
	case string(FormatXLSX):
		return FormatXLSX, nil
	}
	return "", eris.Errorf("unsupported format %q", value)
}

// IngestResult is the outcome of reading one uploaded sheet. When IsValid is
// false, FormatError explains why and Meters is empty.
type IngestResult struct {
	FileName    string
	IsValid     bool
	Meters      []db.MeterRecord
	Diagnostics tabular.Diagnostics
	FormatError *validator.FormatError
}

// Message is the user-visible validation message, empty when valid
func (r IngestResult) Message() string {
	if r.FormatError == nil {
		return ""
	}
	return r.FormatError.Message
}

// Ingester turns an uploaded byte stream into validated meter records
type Ingester struct {
	validator  *validator.Validator
	maxSamples int
	logger     *zap.Logger
}

// NewIngester creates an ingester checking headers with v
func NewIngester(v *validator.Validator, maxSamples int, logger *zap.Logger) *Ingester {
	if v == nil {
		v = validator.NewValidator()
	}
	return &Ingester{validator: v, maxSamples: maxSamples, logger: logger}
}

// Ingest reads name's content in the given format. Format problems are
// reported in the result, not as an error; a line too long to tokenize makes
// the file unreadable. The error is reserved for a failing reader.
func (i *Ingester) Ingest(name string, r io.Reader, format Format) (IngestResult, error) {
	logger := i.logger.With(zap.String("file_name", name), zap.String("format", string(format)))

	src, err := i.open(r, format)
	if err != nil {
		var unreadable unreadableError
		if errors.As(err, &unreadable) {
			logger.Warn("sheet is unreadable", zap.Error(unreadable.cause))
			return invalid(name, i.validator.ValidateUnreadable(unreadable.cause)), nil
		}
		return IngestResult{}, err
	}

	headerRow, err := nextNonBlank(src)
	if err == io.EOF {
		logger.Warn("sheet is empty")
		return invalid(name, i.validator.ValidateEmpty()), nil
	}
	if eris.Is(err, tabular.ErrLineTooLong) {
		logger.Warn("sheet is unreadable", zap.Error(err))
		return invalid(name, i.validator.ValidateUnreadable(err)), nil
	}
	if err != nil {
		return IngestResult{}, eris.Wrapf(err, "read header of %s", name)
	}

	header := tabular.NewHeader(headerRow.Fields)
	if result := i.validator.ValidateHeader(header); !result.IsValid {
		logger.Warn("sheet header rejected", zap.Strings("missing_columns", result.MissingColumns))
		return invalid(name, result), nil
	}

	parsed, err := tabular.ParseMeters(src, header, tabular.ParseOptions{
		MaxSamples: i.maxSamples,
		Logger:     logger,
	})
	if eris.Is(err, tabular.ErrLineTooLong) {
		logger.Warn("sheet is unreadable", zap.Error(err))
		return invalid(name, i.validator.ValidateUnreadable(err)), nil
	}
	if err != nil {
		return IngestResult{}, eris.Wrapf(err, "parse %s", name)
	}

	logger.Info("sheet parsed",
		zap.Int("rows", parsed.Diagnostics.Rows),
		zap.Int("parsed", parsed.Diagnostics.Parsed),
		zap.Int("skipped", parsed.Diagnostics.Skipped),
		zap.Int("warnings", parsed.Diagnostics.Warnings),
	)

	return IngestResult{
		FileName:    name,
		IsValid:     true,
		Meters:      parsed.Meters,
		Diagnostics: parsed.Diagnostics,
	}, nil
}

type unreadableError struct {
	cause error
}

func (e unreadableError) Error() string { return e.cause.Error() }

func (i *Ingester) open(r io.Reader, format Format) (tabular.RowSource, error) {
	switch format {
	case FormatXLSX:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, eris.Wrap(err, "read workbook")
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return emptySource{}, nil
		}
		src, err := tabular.NewXLSXSource(data, "")
		if err != nil {
			return nil, unreadableError{cause: err}
		}
		return src, nil
	case FormatCSV, "":
		return tabular.NewReader(r), nil
	}
	return nil, eris.Errorf("unsupported format %q", format)
}

// nextNonBlank returns the first row with content. Leading blank lines before
// the header are tolerated.
func nextNonBlank(src tabular.RowSource) (tabular.Row, error) {
	for {
		row, err := src.Next()
		if err != nil {
			return tabular.Row{}, err
		}
		if !row.Blank() {
			return row, nil
		}
	}
}

func invalid(name string, result validator.ValidationResult) IngestResult {
	var formatErr *validator.FormatError
	errors.As(result.Err(), &formatErr)
	return IngestResult{FileName: name, IsValid: false, FormatError: formatErr}
}

type emptySource struct{}

func (emptySource) Next() (tabular.Row, error) { return tabular.Row{}, io.EOF }
