package validator

import (
	"fmt"
	"strings"

	"github.com/septivank/meter-verification-worker/internal/tabular"
)

// FormatKind distinguishes the ways a sheet can be unusable as a whole
type FormatKind string

const (
	EmptyStream    FormatKind = "empty_stream"
	MissingColumns FormatKind = "missing_columns"
	Unreadable     FormatKind = "unreadable"
)

// FormatError reports a sheet that cannot be imported at all
type FormatError struct {
	Kind           FormatKind
	MissingColumns []string
	Message        string
}

func (e *FormatError) Error() string {
	return e.Message
}

// ValidationResult holds the header validation outcome
type ValidationResult struct {
	IsValid        bool
	MissingColumns []string
	Message        string
	Kind           FormatKind
}

// Err returns the result as a *FormatError, or nil when valid
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	return &FormatError{Kind: r.Kind, MissingColumns: r.MissingColumns, Message: r.Message}
}

// Validator checks sheet headers against a required-column contract
type Validator struct {
	required []string
}

// NewValidator creates a validator for the given required columns. With no
// columns it uses the meter sheet contract.
func NewValidator(required ...string) *Validator {
	if len(required) == 0 {
		required = tabular.RequiredColumns
	}
	return &Validator{required: append([]string(nil), required...)}
}

// Required returns the required columns in contract order
func (v *Validator) Required() []string {
	return append([]string(nil), v.required...)
}

// ValidateHeader checks header for every required column, matched
// case-insensitively. Missing columns are reported in contract order.
func (v *Validator) ValidateHeader(header tabular.Header) ValidationResult {
	var missing []string
	for _, name := range v.required {
		if _, ok := header.Index(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return ValidationResult{
			IsValid:        false,
			MissingColumns: missing,
			Kind:           MissingColumns,
			Message: fmt.Sprintf("missing required columns: %s (expected %s)",
				strings.Join(missing, ", "), strings.Join(v.required, ", ")),
		}
	}
	return ValidationResult{IsValid: true}
}

// ValidateEmpty is the result for a stream that produced no header line
func (v *Validator) ValidateEmpty() ValidationResult {
	return ValidationResult{
		IsValid: false,
		Kind:    EmptyStream,
		Message: "file is empty: no header line found",
	}
}

// ValidateUnreadable is the result for a source that could not be opened as a
// sheet at all, such as a corrupt workbook
func (v *Validator) ValidateUnreadable(cause error) ValidationResult {
	return ValidationResult{
		IsValid: false,
		Kind:    Unreadable,
		Message: fmt.Sprintf("file is unreadable: %v", cause),
	}
}
