package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Record is the durable dead-letter payload: the original message plus
// the failure reason, preserved for manual inspection and replay.
type Record struct {
	ID              string          `json:"id"`
	Consumer        string          `json:"consumer"`
	Error           string          `json:"error"`
	Timestamp       time.Time       `json:"timestamp"`
	OriginalTopic   string          `json:"originalTopic"`
	Partition       int             `json:"partition"`
	Offset          int64           `json:"offset"`
	OriginalMessage json.RawMessage `json:"originalMessage"`
}

// Producer publishes dead-letter records to the DLQ topic.
type Producer struct {
	writer   *kafka.Writer
	consumer string
	topic    string
}

// NewProducer creates a dead-letter producer. With no brokers it runs in
// test mode: records are logged, not sent.
func NewProducer(brokers []string, topic, consumerName string) *Producer {
	if len(brokers) == 0 {
		log.Warn("DLQ producer running in TEST MODE - records will be logged, not sent")
		return &Producer{consumer: consumerName, topic: topic}
	}

	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
		},
		consumer: consumerName,
		topic:    topic,
	}
}

// Send routes one poisoned message to the dead-letter topic.
func (p *Producer) Send(ctx context.Context, msg kafka.Message, reason error) error {
	rec := Record{
		ID:              uuid.NewString(),
		Consumer:        p.consumer,
		Error:           reason.Error(),
		Timestamp:       time.Now(),
		OriginalTopic:   msg.Topic,
		Partition:       msg.Partition,
		Offset:          msg.Offset,
		OriginalMessage: normalizePayload(msg.Value),
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if p.writer == nil {
		log.Infof("DLQ (test mode): %s", value)
		return nil
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   msg.Key,
		Value: value,
	}); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"dlq_topic": p.topic,
		"partition": rec.Partition,
		"offset":    rec.Offset,
		"reason":    rec.Error,
	}).Info("Message dead-lettered")
	return nil
}

// Close shuts down the underlying writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// normalizePayload keeps valid JSON as-is and wraps anything else in a
// JSON string so the record always marshals.
func normalizePayload(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return json.RawMessage(quoted)
}
