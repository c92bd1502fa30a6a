package tabular

import "strings"

var (
	trueWords  = map[string]bool{"true": true, "1": true, "yes": true, "y": true, "on": true, "enabled": true}
	falseWords = map[string]bool{"false": true, "0": true, "no": true, "n": true, "off": true, "disabled": true}
)

// ParseBool coerces loosely typed boolean text, case-insensitively.
// Unrecognized text resolves to false with recognized == false so the caller can warn.
func ParseBool(s string) (value bool, recognized bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	if trueWords[v] {
		return true, true
	}
	if falseWords[v] {
		return false, true
	}
	return false, false
}
