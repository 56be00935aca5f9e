// Package events records the security-relevant moments of the login
// flow. Consumers downstream (fraud review, compliance) read these off
// Kafka; deployments without a broker fall back to structured logs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-gateway/internal/client"
)

const (
	TypeLoginFailed    = "login_failed"
	TypeOTPDispatched  = "otp_dispatched"
	TypeOTPRejected    = "otp_rejected"
	TypeSessionOpened  = "session_opened"
	TypeSessionClosed  = "session_closed"
	TypeSessionExpired = "session_expired"
	TypeProfileFailed  = "profile_fetch_failed"
)

// Event is a single auth audit record.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ConsoleID string    `json:"console_id"`
	UserID    int64     `json:"user_id,omitempty"`
	Mobile    string    `json:"mobile,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers audit events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// New stamps an event with an id and timestamp.
func New(eventType, consoleID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ConsoleID: consoleID,
		At:        time.Now().UTC(),
	}
}

// KafkaPublisher writes events to the audit topic.
type KafkaPublisher struct {
	producer *client.KafkaProducer
	logger   *zap.Logger
}

func NewKafkaPublisher(producer *client.KafkaProducer, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.producer.WriteMessage(ctx, []byte(event.ConsoleID), payload); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// LogPublisher writes events to the logger. Used when Kafka is disabled
// and in tests.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("auth event",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("console_id", event.ConsoleID),
		zap.Int64("user_id", event.UserID),
		zap.String("channel", event.Channel),
		zap.String("detail", event.Detail),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
