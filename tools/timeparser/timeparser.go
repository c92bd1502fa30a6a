package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// uploadFormats are tried in order. Day-first formats match the upload
// portal's locale.
var uploadFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	"02/01/2006",          // DD/MM/YYYY
	"2006-01-02",
}

// ParseUploadDate attempts to parse an upload timestamp with multiple formats.
// Timestamps without a zone are read as UTC.
func ParseUploadDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("empty upload timestamp")
	}

	var lastErr error
	for _, format := range uploadFormats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse upload timestamp '%s': %w", dateStr, lastErr)
}
