package verify

import "strings"

// scanPrefixes are matched case-insensitively, longest first so that
// "SerialNumber:" is not read as "Serial:" followed by "Number:".
var scanPrefixes = []string{"serialnumber:", "serial:", "sn:"}

// Normalize turns a decoded code into a serial candidate. A leading SN:,
// Serial: or SerialNumber: label is removed; anything else is used as-is
// apart from surrounding whitespace.
func Normalize(raw string) string {
	code := strings.TrimSpace(raw)
	lower := strings.ToLower(code)
	for _, p := range scanPrefixes {
		if strings.HasPrefix(lower, p) {
			return strings.TrimSpace(code[len(p):])
		}
	}
	return code
}
