package service

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/logging"
	"github.com/septivank/meter-verification-worker/internal/mq"
	"github.com/septivank/meter-verification-worker/internal/repository"
)

// ReimportPolicy decides the checked state of a serial that reappears when a
// file is imported again under the same name
type ReimportPolicy string

const (
	// ReimportReset starts every re-imported meter unchecked
	ReimportReset ReimportPolicy = "reset"
	// ReimportPreserve keeps isChecked for serials that were checked in the
	// previous import of the same file
	ReimportPreserve ReimportPolicy = "preserve"
)

// EventPublisher receives events after a commit. *mq.Publisher implements it.
type EventPublisher interface {
	PublishFileSynced(ctx context.Context, event mq.FileSyncedEvent) error
	PublishMeterChecked(ctx context.Context, event mq.MeterCheckedEvent) error
}

// SyncResult summarizes one committed synchronization
type SyncResult struct {
	FileName   string
	Created    bool
	MeterCount int
	Replaced   int64
	Preserved  int
	Duplicates int
}

// Synchronizer merges imported batches into the store. Each file is replaced
// as a whole inside one transaction, so readers see either the previous or
// the new rows of a file.
type Synchronizer struct {
	store  repository.Store
	policy ReimportPolicy
	events EventPublisher
	logger *zap.Logger
	now    func() time.Time
}

// SyncOption configures a Synchronizer
type SyncOption func(*Synchronizer)

// WithReimportPolicy sets the re-import policy. The default is ReimportReset.
func WithReimportPolicy(p ReimportPolicy) SyncOption {
	return func(s *Synchronizer) { s.policy = p }
}

// WithEvents publishes file.synced after every commit
func WithEvents(p EventPublisher) SyncOption {
	return func(s *Synchronizer) { s.events = p }
}

// WithClock overrides the upload date source
func WithClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a synchronizer writing through store
func NewSynchronizer(store repository.Store, logger *zap.Logger, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		store:  store,
		policy: ReimportReset,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synchronize replaces the meters of fileName with meters and upserts the
// file record. A new file gets the current upload date; an existing one keeps
// its upload date and has its count and destination updated. Every written
// meter starts unselected and, unless the preserve policy applies, unchecked.
func (s *Synchronizer) Synchronize(ctx context.Context, fileName string, meters []db.MeterRecord, destination db.Destination) (SyncResult, error) {
	if strings.TrimSpace(fileName) == "" {
		return SyncResult{}, eris.New("synchronize: file name is required")
	}
	if !destination.Valid() {
		return SyncResult{}, eris.Errorf("synchronize: unknown destination %q", destination)
	}
	logger := logging.WithFile(s.logger, fileName)

	batch, duplicates := dedupeSerials(meters)
	if duplicates > 0 {
		logger.Warn("dropping duplicate serials from batch", zap.Int("duplicates", duplicates))
	}

	res := SyncResult{FileName: fileName, MeterCount: len(batch), Duplicates: duplicates}
	var file db.FileRecord
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.LockFile(ctx, fileName); err != nil {
			return err
		}

		existing, err := tx.GetFile(ctx, fileName)
		if err != nil {
			return err
		}
		if existing != nil {
			file = *existing
			file.MeterCount = len(batch)
			file.Destination = destination
			file.IsValid = true
			file.ValidationError = ""
		} else {
			res.Created = true
			file = db.FileRecord{
				FileName:    fileName,
				UploadDate:  s.now().UTC(),
				MeterCount:  len(batch),
				IsValid:     true,
				Destination: destination,
			}
		}

		checked := map[string]bool{}
		if s.policy == ReimportPreserve && existing != nil {
			if checked, err = checkedSerials(ctx, tx, fileName); err != nil {
				return err
			}
		}

		if err := tx.PutFile(ctx, file); err != nil {
			return err
		}
		if res.Replaced, err = tx.DeleteMeters(ctx, fileName); err != nil {
			return err
		}

		now := s.now().UTC()
		rows := make([]db.MeterRecord, len(batch))
		for i, m := range batch {
			m.SourceFile = fileName
			m.Position = i
			m.IsChecked = checked[m.SerialNumber]
			m.IsSelectedForProcessing = false
			m.LastModified = now
			if m.IsChecked {
				res.Preserved++
			}
			rows[i] = m
		}
		if err := tx.PutMeters(ctx, rows); err != nil {
			return err
		}

		for _, place := range distinctPlaces(batch) {
			if err := tx.PutLocation(ctx, place); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("synchronization failed", zap.Error(err))
		return SyncResult{}, eris.Wrapf(err, "synchronize %s", fileName)
	}

	logger.Info("file synchronized",
		zap.Bool("created", res.Created),
		zap.Int("meter_count", res.MeterCount),
		zap.Int64("replaced", res.Replaced),
		zap.Int("preserved_checked", res.Preserved),
		zap.String("destination", string(destination)),
	)
	s.publish(ctx, logger, file)
	return res, nil
}

// RecordInvalid persists fileName as invalid with message. An invalid file
// owns no meters, so rows left from an earlier valid import are removed.
func (s *Synchronizer) RecordInvalid(ctx context.Context, fileName, message string, destination db.Destination) error {
	if strings.TrimSpace(fileName) == "" {
		return eris.New("record invalid: file name is required")
	}
	if !destination.Valid() {
		destination = db.DestinationNone
	}
	logger := logging.WithFile(s.logger, fileName)

	var file db.FileRecord
	var removed int64
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.LockFile(ctx, fileName); err != nil {
			return err
		}
		existing, err := tx.GetFile(ctx, fileName)
		if err != nil {
			return err
		}
		uploaded := s.now().UTC()
		if existing != nil {
			uploaded = existing.UploadDate
		}
		file = db.FileRecord{
			FileName:        fileName,
			UploadDate:      uploaded,
			MeterCount:      0,
			IsValid:         false,
			ValidationError: message,
			Destination:     destination,
		}
		if err := tx.PutFile(ctx, file); err != nil {
			return err
		}
		removed, err = tx.DeleteMeters(ctx, fileName)
		return err
	})
	if err != nil {
		logger.Error("failed to record invalid file", zap.Error(err))
		return eris.Wrapf(err, "record invalid %s", fileName)
	}

	logger.Info("invalid file recorded", zap.String("validation_error", message), zap.Int64("removed", removed))
	s.publish(ctx, logger, file)
	return nil
}

// Import applies an ingest result: valid results are synchronized, invalid
// ones recorded with their message.
func (s *Synchronizer) Import(ctx context.Context, result IngestResult, destination db.Destination) (SyncResult, error) {
	if !result.IsValid {
		if err := s.RecordInvalid(ctx, result.FileName, result.Message(), destination); err != nil {
			return SyncResult{}, err
		}
		return SyncResult{FileName: result.FileName}, nil
	}
	return s.Synchronize(ctx, result.FileName, result.Meters, destination)
}

func (s *Synchronizer) publish(ctx context.Context, logger *zap.Logger, file db.FileRecord) {
	if s.events == nil {
		return
	}
	event := mq.FileSyncedEvent{
		RequestID:       requestIDFrom(ctx),
		FileName:        file.FileName,
		MeterCount:      file.MeterCount,
		IsValid:         file.IsValid,
		ValidationError: file.ValidationError,
		Destination:     string(file.Destination),
	}
	if err := s.events.PublishFileSynced(ctx, event); err != nil {
		// Log error but don't fail the committed synchronization
		logger.Error("failed to publish file synced event", zap.Error(err))
	}
}

func checkedSerials(ctx context.Context, tx repository.Tx, fileName string) (map[string]bool, error) {
	previous, err := tx.ListByFile(ctx, fileName)
	if err != nil {
		return nil, err
	}
	checked := make(map[string]bool, len(previous))
	for _, m := range previous {
		if m.IsChecked {
			checked[m.SerialNumber] = true
		}
	}
	return checked, nil
}

// dedupeSerials keeps the first record of each serial.
func dedupeSerials(meters []db.MeterRecord) ([]db.MeterRecord, int) {
	seen := make(map[string]struct{}, len(meters))
	out := make([]db.MeterRecord, 0, len(meters))
	for _, m := range meters {
		if _, dup := seen[m.SerialNumber]; dup {
			continue
		}
		seen[m.SerialNumber] = struct{}{}
		out = append(out, m)
	}
	return out, len(meters) - len(out)
}

func distinctPlaces(meters []db.MeterRecord) []string {
	seen := make(map[string]struct{})
	var places []string
	for _, m := range meters {
		place := strings.TrimSpace(m.Place)
		if place == "" {
			continue
		}
		if _, ok := seen[place]; ok {
			continue
		}
		seen[place] = struct{}{}
		places = append(places, place)
	}
	return places
}

type requestIDKey struct{}

// ContextWithRequestID attaches a request id carried into published events
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
