package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/logging"
	"github.com/septivank/meter-verification-worker/internal/resilience"
	"github.com/septivank/meter-verification-worker/tools/timeparser"
)

// ImportMessage represents an import request received from RabbitMQ
type ImportMessage struct {
	RequestID   string `json:"request_id"`
	FileName    string `json:"file_name"`
	Destination string `json:"destination"`
	Format      string `json:"format"`
	UploadedAt  string `json:"uploaded_at"`
	// Content is the uploaded file, base64 encoded
	Content string `json:"content"`
}

// ProcessorService handles import request processing
type ProcessorService struct {
	ingester     *Ingester
	synchronizer *Synchronizer
	retry        resilience.RetryConfig
	logger       *zap.Logger
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	ingester *Ingester,
	synchronizer *Synchronizer,
	retry resilience.RetryConfig,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		ingester:     ingester,
		synchronizer: synchronizer,
		retry:        retry,
		logger:       logger,
	}
}

// ProcessMessage ingests and synchronizes one import request. Transient
// storage failures are retried; any error returned sends the message to the
// DLQ.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg ImportMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return eris.Wrap(err, "failed to unmarshal message")
	}
	if msg.FileName == "" {
		return eris.Errorf("import request %s has no file_name", msg.RequestID)
	}

	reqLogger := logging.WithFile(logging.WithRequestID(s.logger, msg.RequestID), msg.FileName)
	ctx = ContextWithRequestID(ctx, msg.RequestID)

	destination := db.Destination(msg.Destination)
	if !destination.Valid() {
		return eris.Errorf("import request %s: unknown destination %q", msg.RequestID, msg.Destination)
	}
	format, err := ParseFormat(msg.Format, msg.FileName)
	if err != nil {
		return eris.Wrapf(err, "import request %s", msg.RequestID)
	}
	content, err := base64.StdEncoding.DecodeString(msg.Content)
	if err != nil {
		return eris.Wrapf(err, "import request %s: failed to decode content", msg.RequestID)
	}

	reqLogger.Info("processing import request",
		zap.String("format", string(format)),
		zap.String("destination", msg.Destination),
		zap.Int("content_size", len(content)),
	)
	if msg.UploadedAt != "" {
		if uploadedAt, err := timeparser.ParseUploadDate(msg.UploadedAt); err != nil {
			reqLogger.Warn("ignoring unparseable uploaded_at", zap.String("uploaded_at", msg.UploadedAt), zap.Error(err))
		} else {
			reqLogger.Debug("upload timestamp", zap.Time("uploaded_at", uploadedAt),
				zap.Duration("queue_latency", time.Since(uploadedAt)))
		}
	}

	result, err := s.ingester.Ingest(msg.FileName, bytes.NewReader(content), format)
	if err != nil {
		reqLogger.Error("failed to ingest file", zap.Error(err))
		return eris.Wrapf(err, "failed to ingest %s", msg.FileName)
	}

	retry := s.retry
	retry.OnRetry = func(attempt int, err error) {
		reqLogger.Warn("retrying synchronization",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	var synced SyncResult
	err = resilience.Do(ctx, retry, func(ctx context.Context) error {
		var err error
		synced, err = s.synchronizer.Import(ctx, result, destination)
		return err
	})
	if err != nil {
		reqLogger.Error("failed to synchronize file", zap.Error(err))
		return eris.Wrapf(err, "failed to synchronize %s", msg.FileName)
	}

	reqLogger.Info("import request processed successfully",
		zap.Bool("valid", result.IsValid),
		zap.Int("meter_count", synced.MeterCount),
		zap.Int("skipped_rows", result.Diagnostics.Skipped),
	)
	return nil
}
