package tabular

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXSource yields the rows of one worksheet.
type XLSXSource struct {
	rows []*xlsx.Row
	next int
}

// NewXLSXSource opens a workbook from its bytes and reads the first sheet,
// or the sheet named sheetName when it is non-empty.
func NewXLSXSource(data []byte, sheetName string) (*XLSXSource, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}

	var sheet *xlsx.Sheet
	if sheetName != "" {
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", sheetName)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return &XLSXSource{}, nil
		}
		sheet = f.Sheets[0]
	}
	return &XLSXSource{rows: sheet.Rows}, nil
}

func (s *XLSXSource) Next() (Row, error) {
	if s.next >= len(s.rows) {
		return Row{}, io.EOF
	}
	row := s.rows[s.next]
	s.next++

	out := Row{Line: s.next}
	if row == nil {
		return out, nil
	}
	out.Fields = make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		if cell != nil {
			out.Fields[i] = cell.String()
		}
	}
	if out.Blank() {
		out.Fields = nil
	}
	return out, nil
}
