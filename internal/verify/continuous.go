package verify

import (
	"context"

	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/repository"
)

// ReadingState is the phase of a continuous Reading
type ReadingState int

const (
	ReadingUninitialized ReadingState = iota
	ReadingScanning
	// ReadingCurrentScanned holds after a committed match until Advance
	ReadingCurrentScanned
	ReadingCommitFailed
	ReadingCompleted
)

func (s ReadingState) String() string {
	switch s {
	case ReadingUninitialized:
		return "uninitialized"
	case ReadingScanning:
		return "scanning"
	case ReadingCurrentScanned:
		return "current_scanned"
	case ReadingCommitFailed:
		return "commit_failed"
	case ReadingCompleted:
		return "completed"
	}
	return "unknown"
}

// Summary is the end-of-run report of a Reading. Stale lists meters whose
// check was accepted without a confirmed write; they are also in
// ScannedMeters.
type Summary struct {
	Total         int           `json:"total"`
	Scanned       int           `json:"scanned"`
	Skipped       int           `json:"skipped"`
	ScannedMeters []db.MeterKey `json:"scanned_meters"`
	SkippedMeters []db.MeterKey `json:"skipped_meters"`
	Stale         []db.MeterKey `json:"stale,omitempty"`
}

// Reading walks an ordered list of meters. Every item ends exactly once,
// either scanned or skipped, so the scanned and skipped sets of meter keys
// are disjoint.
// A Reading is owned by one caller; use Pump to feed it from a concurrent
// decoder.
type Reading struct {
	commits     committer
	logger      *zap.Logger
	autoAdvance bool

	list      []db.MeterRecord
	positions map[string][]int
	i         int
	state     ReadingState

	// lastMismatch is the code that last produced a mismatch for the current
	// item; cleared whenever the cursor moves
	lastMismatch string

	scanned []db.MeterKey
	skipped []db.MeterKey
	stale   []db.MeterKey
}

// NewReading creates an uninitialized reading writing through store
func NewReading(store repository.Store, logger *zap.Logger, opts ...Option) *Reading {
	o := buildOptions(opts)
	c := newCommitter(store, logger, ModeContinuous, o)
	return &Reading{commits: c, logger: c.logger, autoAdvance: o.autoAdvance}
}

// ID returns the session id used in logs and events
func (r *Reading) ID() string { return r.commits.sessionID }

// Initialize starts a run over list in order, discarding any previous run.
// A meter listed twice is kept at its first position. An empty list
// completes immediately.
func (r *Reading) Initialize(list []db.MeterRecord) {
	r.list = make([]db.MeterRecord, 0, len(list))
	r.positions = make(map[string][]int, len(list))
	seen := make(map[db.MeterKey]bool, len(list))
	for _, m := range list {
		if seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		r.positions[m.SerialNumber] = append(r.positions[m.SerialNumber], len(r.list))
		r.list = append(r.list, m)
	}
	r.i = 0
	r.lastMismatch = ""
	r.scanned, r.skipped, r.stale = nil, nil, nil
	r.state = ReadingScanning
	if len(r.list) == 0 {
		r.state = ReadingCompleted
	}
	r.logger.Info("continuous reading initialized", zap.Int("total", len(r.list)))
}

// State returns the current phase
func (r *Reading) State() ReadingState { return r.state }

// Index returns the 0-based cursor position
func (r *Reading) Index() int { return r.i }

// Current returns the meter at the cursor, false once completed
func (r *Reading) Current() (db.MeterRecord, bool) {
	if r.state == ReadingUninitialized || r.i >= len(r.list) {
		return db.MeterRecord{}, false
	}
	return r.list[r.i], true
}

// CurrentScanned reports whether the current meter is committed and waiting
// for Advance
func (r *Reading) CurrentScanned() bool { return r.state == ReadingCurrentScanned }

// IsComplete reports whether every item has been scanned or skipped
func (r *Reading) IsComplete() bool { return r.state == ReadingCompleted }

// Progress is the fraction of items resolved, 1 for an empty list
func (r *Reading) Progress() float64 {
	if len(r.list) == 0 {
		if r.state == ReadingUninitialized {
			return 0
		}
		return 1
	}
	return float64(len(r.scanned)+len(r.skipped)) / float64(len(r.list))
}

// OnScan evaluates a decoded code against the current meter. A match commits
// isChecked and holds the item as scanned; a code belonging to another item
// of the list yields a KnownMismatch with its 1-based position; anything else
// yields an UnknownMismatch. Mismatches change nothing. Frames arriving after
// the current item was resolved, and repeats of the code that last produced a
// mismatch for it, return ErrFrameDiscarded.
func (r *Reading) OnScan(ctx context.Context, raw string) (Outcome, error) {
	switch r.state {
	case ReadingUninitialized:
		return nil, ErrNoTarget
	case ReadingCompleted:
		return nil, ErrCompleted
	case ReadingCommitFailed:
		return nil, ErrCommitPending
	case ReadingCurrentScanned:
		return nil, ErrFrameDiscarded
	}

	current := r.list[r.i]
	code := Normalize(raw)
	if code != "" && code == r.lastMismatch {
		return nil, ErrFrameDiscarded
	}

	if code != "" && code == current.SerialNumber {
		o := Matched{Meter: current, Code: code}
		already, err := r.commits.commit(ctx, current.Key())
		if err != nil {
			r.state = ReadingCommitFailed
			return o, err
		}
		o.AlreadyChecked = already
		o.Meter.IsChecked = true
		r.markScanned()
		return o, nil
	}

	r.lastMismatch = code
	if j, ok := r.otherPosition(code); ok {
		r.logger.Info("scanned a different meter of the list",
			zap.String("expected", current.SerialNumber),
			zap.String("actual", code),
			zap.Int("actual_position", j+1),
		)
		return KnownMismatch{
			Expected:   current,
			Actual:     r.list[j],
			Candidates: []db.MeterRecord{r.list[j]},
			Code:       code,
			Position:   j + 1,
		}, nil
	}

	r.logger.Info("scanned an unknown code",
		zap.String("expected", current.SerialNumber),
		zap.String("code", code),
	)
	return UnknownMismatch{Expected: current, Code: code}, nil
}

func (r *Reading) otherPosition(code string) (int, bool) {
	if code == "" {
		return 0, false
	}
	for _, j := range r.positions[code] {
		if j != r.i {
			return j, true
		}
	}
	return 0, false
}

// OnSkip records the current meter as skipped and advances. Nothing is
// written; the meter stays unchecked.
func (r *Reading) OnSkip() error {
	switch r.state {
	case ReadingScanning:
	case ReadingCompleted:
		return ErrCompleted
	case ReadingCommitFailed:
		return ErrCommitPending
	default:
		return ErrInvalidState
	}
	current := r.list[r.i]
	r.skipped = append(r.skipped, current.Key())
	r.logger.Info("meter skipped", zap.String("serial_number", current.SerialNumber), zap.Int("position", r.i+1))
	r.step()
	return nil
}

// Advance moves past a scanned meter. It is only allowed while the current
// meter is held as scanned.
func (r *Reading) Advance() error {
	if r.state != ReadingCurrentScanned {
		if r.state == ReadingCompleted {
			return ErrCompleted
		}
		return ErrInvalidState
	}
	r.step()
	return nil
}

// RetryCommit retries the failed write of the current meter. On success the
// meter is held as scanned.
func (r *Reading) RetryCommit(ctx context.Context) error {
	if r.state != ReadingCommitFailed {
		return ErrInvalidState
	}
	if _, err := r.commits.commit(ctx, r.list[r.i].Key()); err != nil {
		return err
	}
	r.markScanned()
	return nil
}

// AcceptStale gives up on the failed write, counts the current meter as
// scanned, lists it in Summary.Stale and advances.
func (r *Reading) AcceptStale() error {
	if r.state != ReadingCommitFailed {
		return ErrInvalidState
	}
	current := r.list[r.i]
	r.scanned = append(r.scanned, current.Key())
	r.stale = append(r.stale, current.Key())
	r.logger.Warn("accepted stale check, persisted flag not updated",
		zap.String("serial_number", current.SerialNumber),
		zap.String("source_file", current.SourceFile),
	)
	r.step()
	return nil
}

// Summary reports the run so far
func (r *Reading) Summary() Summary {
	return Summary{
		Total:         len(r.list),
		Scanned:       len(r.scanned),
		Skipped:       len(r.skipped),
		ScannedMeters: append([]db.MeterKey(nil), r.scanned...),
		SkippedMeters: append([]db.MeterKey(nil), r.skipped...),
		Stale:         append([]db.MeterKey(nil), r.stale...),
	}
}

func (r *Reading) markScanned() {
	r.scanned = append(r.scanned, r.list[r.i].Key())
	r.state = ReadingCurrentScanned
	if r.autoAdvance {
		r.step()
	}
}

func (r *Reading) step() {
	r.i++
	r.lastMismatch = ""
	if r.i >= len(r.list) {
		r.state = ReadingCompleted
		r.logger.Info("continuous reading completed",
			zap.Int("total", len(r.list)),
			zap.Int("scanned", len(r.scanned)),
			zap.Int("skipped", len(r.skipped)),
			zap.Int("stale", len(r.stale)),
		)
		return
	}
	r.state = ReadingScanning
}
