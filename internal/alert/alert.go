package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"github.com/anietieakpan/waqitiapp-sub002/internal/evaluate"
)

// Alert is the payload handed to the alerting collaborator. The Type tag
// and Severity string are stable identifiers other services key off.
type Alert struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink delivers alerts to the external alerting system.
type Sink interface {
	Send(ctx context.Context, a Alert) error
	Close() error
}

// New builds an alert from a firing decision.
func New(d evaluate.Decision, source string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Type:      d.Type,
		Severity:  d.Severity.String(),
		Message:   d.Message,
		Context:   d.Tags,
		Source:    source,
		Timestamp: time.Now(),
	}
}

// KafkaSink publishes alerts to a Kafka topic, keyed by alert type so one
// alert stream stays ordered per condition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
	}
}

func (s *KafkaSink) Send(ctx context.Context, a Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.Type),
		Value: value,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// LogSink writes alerts to the log. Used when no alert topic is
// configured and as the local audit trail in tests.
type LogSink struct{}

func (LogSink) Send(_ context.Context, a Alert) error {
	log.WithFields(log.Fields{
		"alert_id": a.ID,
		"type":     a.Type,
		"severity": a.Severity,
		"context":  a.Context,
	}).Warnf("ALERT: %s", a.Message)
	return nil
}

func (LogSink) Close() error { return nil }
