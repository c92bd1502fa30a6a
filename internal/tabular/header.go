package tabular

import "strings"

// Required column names of a meter sheet.
const (
	ColumnNumber       = "Number"
	ColumnSerialNumber = "SerialNumber"
	ColumnPlace        = "Place"
	ColumnRegistered   = "Registered"
)

// RequiredColumns lists the meter sheet columns in contract order.
var RequiredColumns = []string{ColumnNumber, ColumnSerialNumber, ColumnPlace, ColumnRegistered}

// Header maps column names to field positions.
type Header struct {
	Names []string
	index map[string]int
}

// NewHeader builds a Header from the first row's fields. Names are trimmed and
// matched case-insensitively; the first occurrence of a repeated name wins.
func NewHeader(fields []string) Header {
	h := Header{Names: make([]string, len(fields)), index: make(map[string]int, len(fields))}
	for i, f := range fields {
		name := strings.TrimSpace(f)
		h.Names[i] = name
		key := strings.ToLower(name)
		if _, dup := h.index[key]; !dup && key != "" {
			h.index[key] = i
		}
	}
	return h
}

// Index returns the position of the named column.
func (h Header) Index(name string) (int, bool) {
	i, ok := h.index[strings.ToLower(strings.TrimSpace(name))]
	return i, ok
}
