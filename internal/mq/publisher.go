package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys of the events published on the events exchange
const (
	RoutingKeyFileSynced   = "file.synced"
	RoutingKeyMeterChecked = "meter.checked"
)

// publishChannel is the part of *amqp.Channel the publisher uses
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher handles event publishing to RabbitMQ
type Publisher struct {
	channel  publishChannel
	exchange string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return newPublisher(ch, exchange, logger), nil
}

func newPublisher(ch publishChannel, exchange string, logger *zap.Logger) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
		now:      time.Now,
	}
}

// FileSyncedEvent is published after a file's synchronization commits
type FileSyncedEvent struct {
	EventID         string    `json:"event_id"`
	RequestID       string    `json:"request_id,omitempty"`
	FileName        string    `json:"file_name"`
	MeterCount      int       `json:"meter_count"`
	IsValid         bool      `json:"is_valid"`
	ValidationError string    `json:"validation_error,omitempty"`
	Destination     string    `json:"destination,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// MeterCheckedEvent is published after a verification commit succeeds
type MeterCheckedEvent struct {
	EventID      string    `json:"event_id"`
	SessionID    string    `json:"session_id"`
	Mode         string    `json:"mode"`
	SerialNumber string    `json:"serial_number"`
	SourceFile   string    `json:"source_file"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// PublishFileSynced publishes a file.synced event
func (p *Publisher) PublishFileSynced(ctx context.Context, event FileSyncedEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}
	if err := p.publish(ctx, RoutingKeyFileSynced, event.EventID, event); err != nil {
		return err
	}

	p.logger.Debug("published file synced event",
		zap.String("event_id", event.EventID),
		zap.String("file_name", event.FileName),
		zap.Int("meter_count", event.MeterCount),
	)
	return nil
}

// PublishMeterChecked publishes a meter.checked event
func (p *Publisher) PublishMeterChecked(ctx context.Context, event MeterCheckedEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}
	if err := p.publish(ctx, RoutingKeyMeterChecked, event.EventID, event); err != nil {
		return err
	}

	p.logger.Debug("published meter checked event",
		zap.String("event_id", event.EventID),
		zap.String("serial_number", event.SerialNumber),
		zap.String("source_file", event.SourceFile),
	)
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey, messageID string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    messageID,
			Timestamp:    p.now().UTC(),
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", routingKey, err)
	}
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
