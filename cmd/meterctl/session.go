package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/resilience"
	"github.com/septivank/meter-verification-worker/internal/verify"
)

// scanLines sends each line of r until EOF or ctx is done. Lines are the
// decoded codes of a scanner, or operator commands starting with ':'.
func scanLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func command(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, ":") {
		return ""
	}
	return strings.ToLower(s)
}

func commitRetry() resilience.RetryConfig {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Verify.CommitAttempts
	return retry
}

func describe(m db.MeterRecord) string {
	return fmt.Sprintf("%s (number %s, place %s, file %s)", m.SerialNumber, m.Number, m.Place, m.SourceFile)
}

func printResult(w io.Writer, res verify.ScanResult) {
	switch o := res.Outcome.(type) {
	case verify.Matched:
		if o.AlreadyChecked {
			fmt.Fprintf(w, "MATCH %s, already checked\n", describe(o.Meter))
		} else {
			fmt.Fprintf(w, "MATCH %s\n", describe(o.Meter))
		}
	case verify.KnownMismatch:
		fmt.Fprintf(w, "MISMATCH expected %s, scanned %s", o.Expected.SerialNumber, describe(o.Actual))
		if o.Position > 0 {
			fmt.Fprintf(w, " at position %d", o.Position)
		}
		if n := len(o.Candidates); n > 1 {
			fmt.Fprintf(w, ", %d records carry this code", n)
		}
		fmt.Fprintln(w)
	case verify.UnknownMismatch:
		fmt.Fprintf(w, "UNKNOWN code %q, expected %s\n", o.Code, o.Expected.SerialNumber)
	}
	if res.Err != nil {
		fmt.Fprintf(w, "error: %v\n", res.Err)
	}
}
