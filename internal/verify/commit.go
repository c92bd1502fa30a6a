package verify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/logging"
	"github.com/septivank/meter-verification-worker/internal/mq"
	"github.com/septivank/meter-verification-worker/internal/repository"
	"github.com/septivank/meter-verification-worker/internal/resilience"
)

// Session modes carried on meter.checked events
const (
	ModeSingle     = "single"
	ModeContinuous = "continuous"
)

// CheckPublisher receives meter.checked events after a commit
type CheckPublisher interface {
	PublishMeterChecked(ctx context.Context, event mq.MeterCheckedEvent) error
}

type options struct {
	sessionID   string
	publisher   CheckPublisher
	retry       resilience.RetryConfig
	autoAdvance bool
}

// Option configures a Session or a Reading
type Option func(*options)

// WithSessionID sets the id used in logs and events. A random one is used
// otherwise.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// WithPublisher publishes meter.checked after every successful commit
func WithPublisher(p CheckPublisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithRetry sets how a commit is retried before the machine enters the
// commit-failed state
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// WithAutoAdvance makes a Reading advance as soon as the current meter is
// committed, for callers without a presentation pause
func WithAutoAdvance(on bool) Option {
	return func(o *options) { o.autoAdvance = on }
}

func buildOptions(opts []Option) options {
	o := options{retry: resilience.RetryConfig{MaxAttempts: 1}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}
	return o
}

// committer performs the single isChecked write shared by both machines.
type committer struct {
	store     repository.Store
	publisher CheckPublisher
	retry     resilience.RetryConfig
	sessionID string
	mode      string
	logger    *zap.Logger
}

func newCommitter(store repository.Store, logger *zap.Logger, mode string, o options) committer {
	return committer{
		store:     store,
		publisher: o.publisher,
		retry:     o.retry,
		sessionID: o.sessionID,
		mode:      mode,
		logger:    logging.WithSession(logger, o.sessionID).With(zap.String("mode", mode)),
	}
}

// commit sets isChecked on key unless it is already set. It reports whether
// the meter was already checked, in which case nothing was written.
func (c committer) commit(ctx context.Context, key db.MeterKey) (bool, error) {
	var already bool
	err := resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.store.WithTx(ctx, func(tx repository.Tx) error {
			m, err := tx.GetMeter(ctx, key.SerialNumber, key.SourceFile)
			if err != nil {
				return err
			}
			if m == nil {
				return eris.Wrapf(repository.ErrNotFound, "meter %s/%s", key.SerialNumber, key.SourceFile)
			}
			if m.IsChecked {
				already = true
				return nil
			}
			already = false
			return tx.SetChecked(ctx, key.SerialNumber, key.SourceFile, true)
		})
	})
	logger := c.logger.With(zap.String("serial_number", key.SerialNumber), zap.String("source_file", key.SourceFile))
	if err != nil {
		logger.Error("failed to commit check", zap.Error(err))
		return false, &CommitError{Key: key, Err: err}
	}
	if already {
		logger.Info("meter already checked, nothing written")
		return true, nil
	}

	logger.Info("meter checked")
	if c.publisher != nil {
		event := mq.MeterCheckedEvent{
			SessionID:    c.sessionID,
			Mode:         c.mode,
			SerialNumber: key.SerialNumber,
			SourceFile:   key.SourceFile,
		}
		if err := c.publisher.PublishMeterChecked(ctx, event); err != nil {
			// Log error but don't undo the committed check
			logger.Error("failed to publish meter checked event", zap.Error(err))
		}
	}
	return false, nil
}
