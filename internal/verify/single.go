package verify

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/repository"
)

// State is the phase of a single-target Session
type State int

const (
	StateIdle State = iota
	StateScanning
	StateMatched
	StateMismatched
	StateCommitFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateMatched:
		return "matched"
	case StateMismatched:
		return "mismatched"
	case StateCommitFailed:
		return "commit_failed"
	}
	return "unknown"
}

// Session verifies one expected meter. A match, or an accepted alternate after
// a known mismatch, performs exactly one isChecked write. A Session is owned
// by one caller; use Pump to feed it from a concurrent decoder.
type Session struct {
	store    repository.Reader
	commits  committer
	logger   *zap.Logger
	state    State
	expected db.MeterRecord
	last     Outcome
	// pending is the key whose commit failed
	pending db.MeterKey
}

// NewSession creates an idle session
func NewSession(store repository.Store, logger *zap.Logger, opts ...Option) *Session {
	o := buildOptions(opts)
	c := newCommitter(store, logger, ModeSingle, o)
	return &Session{store: store, commits: c, logger: c.logger}
}

// ID returns the session id used in logs and events
func (s *Session) ID() string { return s.commits.sessionID }

// State returns the current phase
func (s *Session) State() State { return s.state }

// Expected returns the target meter
func (s *Session) Expected() db.MeterRecord { return s.expected }

// Last returns the most recent outcome, or nil
func (s *Session) Last() Outcome { return s.last }

// Start targets expected and begins scanning. It is refused while a failed
// commit is pending.
func (s *Session) Start(expected db.MeterRecord) error {
	if s.state == StateCommitFailed {
		return ErrCommitPending
	}
	if expected.SerialNumber == "" {
		return ErrNoTarget
	}
	s.expected = expected
	s.last = nil
	s.state = StateScanning
	s.logger.Debug("scanning for meter",
		zap.String("serial_number", expected.SerialNumber),
		zap.String("source_file", expected.SourceFile),
	)
	return nil
}

// Scan evaluates one decoded code against the target. Scans outside the
// scanning phase return ErrFrameDiscarded. A matched scan whose commit fails
// returns the Matched outcome together with a *CommitError and leaves the
// session in StateCommitFailed.
func (s *Session) Scan(ctx context.Context, raw string) (Outcome, error) {
	switch s.state {
	case StateIdle:
		return nil, ErrNoTarget
	case StateCommitFailed:
		return nil, ErrCommitPending
	case StateScanning:
	default:
		return nil, ErrFrameDiscarded
	}

	code := Normalize(raw)
	var others []db.MeterRecord
	if code != "" && code != s.expected.SerialNumber {
		found, err := s.store.FindMetersBySerial(ctx, code)
		if err != nil {
			return nil, eris.Wrapf(err, "look up %s", code)
		}
		others = found
	}

	outcome := evaluate(s.expected, code, others)
	s.last = outcome

	switch o := outcome.(type) {
	case Matched:
		already, err := s.commits.commit(ctx, s.expected.Key())
		if err != nil {
			s.pending = s.expected.Key()
			s.state = StateCommitFailed
			return o, err
		}
		o.AlreadyChecked = already
		o.Meter.IsChecked = true
		s.last = o
		s.state = StateMatched
		return o, nil
	case KnownMismatch:
		s.logger.Info("scanned a different known meter",
			zap.String("expected", s.expected.SerialNumber),
			zap.String("actual", o.Actual.SerialNumber),
			zap.String("actual_source_file", o.Actual.SourceFile),
		)
	case UnknownMismatch:
		s.logger.Info("scanned an unknown code",
			zap.String("expected", s.expected.SerialNumber),
			zap.String("code", o.Code),
		)
	}
	s.state = StateMismatched
	return outcome, nil
}

// ResolveAlternate marks the known mismatch's actual meter as checked instead
// of the expected one. It is only allowed right after a KnownMismatch.
func (s *Session) ResolveAlternate(ctx context.Context) (db.MeterRecord, error) {
	km, ok := s.last.(KnownMismatch)
	if s.state != StateMismatched || !ok {
		return db.MeterRecord{}, ErrInvalidState
	}
	return s.resolve(ctx, km, km.Actual)
}

// ResolveCandidate is ResolveAlternate for one specific candidate when the
// scanned code exists in several files.
func (s *Session) ResolveCandidate(ctx context.Context, key db.MeterKey) (db.MeterRecord, error) {
	km, ok := s.last.(KnownMismatch)
	if s.state != StateMismatched || !ok {
		return db.MeterRecord{}, ErrInvalidState
	}
	for _, c := range km.Candidates {
		if c.Key() == key {
			return s.resolve(ctx, km, c)
		}
	}
	return db.MeterRecord{}, eris.Errorf("meter %s/%s is not a candidate", key.SerialNumber, key.SourceFile)
}

func (s *Session) resolve(ctx context.Context, km KnownMismatch, alt db.MeterRecord) (db.MeterRecord, error) {
	if _, err := s.commits.commit(ctx, alt.Key()); err != nil {
		s.pending = alt.Key()
		s.state = StateCommitFailed
		return alt, err
	}
	alt.IsChecked = true
	s.last = Matched{Meter: alt, Code: km.Code}
	s.state = StateMatched
	return alt, nil
}

// Reset returns to scanning for the same target after a mismatch
func (s *Session) Reset() error {
	if s.state != StateMismatched {
		return ErrInvalidState
	}
	s.last = nil
	s.state = StateScanning
	return nil
}

// Finish ends the session for the current target, returning to idle. A
// pending failed commit must be retried first.
func (s *Session) Finish() error {
	if s.state == StateCommitFailed {
		return ErrCommitPending
	}
	s.state = StateIdle
	s.last = nil
	return nil
}

// Abandon drops a failed commit without writing and returns to idle. The
// persisted flag stays unchecked.
func (s *Session) Abandon() {
	if s.state == StateCommitFailed {
		s.logger.Warn("abandoning failed commit",
			zap.String("serial_number", s.pending.SerialNumber),
			zap.String("source_file", s.pending.SourceFile),
		)
	}
	s.pending = db.MeterKey{}
	s.last = nil
	s.state = StateIdle
}

// RetryCommit retries the write that failed. On success the session is
// matched.
func (s *Session) RetryCommit(ctx context.Context) error {
	if s.state != StateCommitFailed {
		return ErrInvalidState
	}
	if _, err := s.commits.commit(ctx, s.pending); err != nil {
		return err
	}
	if m, ok := s.last.(Matched); ok {
		m.Meter.IsChecked = true
		s.last = m
	} else if km, ok := s.last.(KnownMismatch); ok {
		s.last = Matched{Meter: s.pendingRecord(km), Code: km.Code}
	}
	s.pending = db.MeterKey{}
	s.state = StateMatched
	return nil
}

func (s *Session) pendingRecord(km KnownMismatch) db.MeterRecord {
	for _, c := range km.Candidates {
		if c.Key() == s.pending {
			c.IsChecked = true
			return c
		}
	}
	return db.MeterRecord{SerialNumber: s.pending.SerialNumber, SourceFile: s.pending.SourceFile, IsChecked: true}
}
