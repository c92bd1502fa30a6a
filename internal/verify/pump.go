package verify

import (
	"context"
	"errors"
)

// ScanFunc evaluates one decoded code. (*Session).Scan and (*Reading).OnScan
// both fit.
type ScanFunc func(ctx context.Context, raw string) (Outcome, error)

// ScanResult is what Pump hands to its handler for each delivered frame.
type ScanResult struct {
	Raw     string
	Outcome Outcome
	Err     error
}

// Pump feeds codes into scan one at a time until codes is closed or ctx is
// done. Producers may send on codes concurrently; scan never runs in
// parallel with itself. Empty codes and frames rejected with
// ErrFrameDiscarded are dropped; the machines discard repeats of a code that
// already produced a mismatch for the current item, so a decoder reporting
// the same code on every frame yields one outcome. handle may be nil.
func Pump(ctx context.Context, codes <-chan string, scan ScanFunc, handle func(ScanResult)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-codes:
			if !ok {
				return nil
			}
			if Normalize(raw) == "" {
				continue
			}

			outcome, err := scan(ctx, raw)
			if errors.Is(err, ErrFrameDiscarded) {
				continue
			}
			if handle != nil {
				handle(ScanResult{Raw: raw, Outcome: outcome, Err: err})
			}
		}
	}
}
