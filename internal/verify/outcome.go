// Package verify reconciles scanned meter codes against expected records, one
// target at a time or along an ordered list.
package verify

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/repository"
	"github.com/septivank/meter-verification-worker/internal/resilience"
)

// Outcome is the result of one scan. It is one of Matched, KnownMismatch or
// UnknownMismatch; callers switch on the concrete type.
type Outcome interface {
	outcome()
	// ScannedCode is the normalized code that produced the outcome.
	ScannedCode() string
}

// Matched means the scanned code is the expected serial.
type Matched struct {
	Meter db.MeterRecord
	Code  string
	// AlreadyChecked is set when the meter was checked before this scan, in
	// which case nothing was written.
	AlreadyChecked bool
}

// KnownMismatch means the code belongs to a different known record. Actual is
// the record offered as the alternate resolution; Candidates lists every
// record carrying the code.
type KnownMismatch struct {
	Expected   db.MeterRecord
	Actual     db.MeterRecord
	Candidates []db.MeterRecord
	Code       string
	// Position is Actual's 1-based position in a continuous reading list, or
	// 0 for single-target sessions.
	Position int
}

// UnknownMismatch means no record carries the code.
type UnknownMismatch struct {
	Expected db.MeterRecord
	Code     string
}

func (Matched) outcome()         {}
func (KnownMismatch) outcome()   {}
func (UnknownMismatch) outcome() {}

func (o Matched) ScannedCode() string         { return o.Code }
func (o KnownMismatch) ScannedCode() string   { return o.Code }
func (o UnknownMismatch) ScannedCode() string { return o.Code }

// Evaluate decides the outcome of scanning raw against expected, looking for
// other owners of the code in all. It has no side effects.
func Evaluate(expected db.MeterRecord, raw string, all []db.MeterRecord) Outcome {
	return evaluate(expected, Normalize(raw), all)
}

func evaluate(expected db.MeterRecord, code string, all []db.MeterRecord) Outcome {
	if code != "" && code == expected.SerialNumber {
		return Matched{Meter: expected, Code: code, AlreadyChecked: expected.IsChecked}
	}

	var candidates []db.MeterRecord
	for _, m := range all {
		if m.SerialNumber == code && m.Key() != expected.Key() {
			candidates = append(candidates, m)
		}
	}
	if code != "" && len(candidates) > 0 {
		return KnownMismatch{
			Expected:   expected,
			Actual:     candidates[0],
			Candidates: candidates,
			Code:       code,
		}
	}
	return UnknownMismatch{Expected: expected, Code: code}
}

// State errors. Pump treats ErrFrameDiscarded as a dropped frame.
var (
	ErrFrameDiscarded = eris.New("scan discarded")
	ErrNoTarget       = eris.New("no expected meter")
	ErrCompleted      = eris.New("reading completed")
	ErrCommitPending  = eris.New("commit failed: retry or accept before continuing")
	ErrInvalidState   = eris.New("operation not allowed in current state")
)

// CommitError reports a failed isChecked write. The in-memory state has
// recorded the verification; the persisted flag may be stale until a retry
// succeeds.
type CommitError struct {
	Key db.MeterKey
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit check %s/%s: %v", e.Key.SerialNumber, e.Key.SourceFile, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the commit can succeed. A meter that no
// longer exists, for example after a re-import, cannot be committed.
func (e *CommitError) Retryable() bool {
	if eris.Is(e.Err, repository.ErrNotFound) {
		return false
	}
	return resilience.IsStorageError(e.Err) || resilience.IsRetryable(e.Err)
}
