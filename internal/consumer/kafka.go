package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Dispatcher is the downstream message processor. A nil return means the
// message reached a terminal outcome and its offset may be committed.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg kafka.Message) error
}

// KafkaConsumer owns one reader per topic. Each reader is drained by its
// own goroutine so partitions assigned to different topics process
// concurrently while messages within a partition stay in order. Offsets
// are committed only after dispatch completes, which gives at-least-once
// semantics.
type KafkaConsumer struct {
	readers    []*kafka.Reader
	dispatcher Dispatcher
	grace      time.Duration
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewKafkaConsumer creates readers for every topic in the consumer group.
// grace bounds how long an in-flight message may keep running after
// Close is called.
func NewKafkaConsumer(brokers []string, group string, topics []string, dispatcher Dispatcher, grace time.Duration) *KafkaConsumer {
	if grace <= 0 {
		grace = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	kc := &KafkaConsumer{
		readers:    make([]*kafka.Reader, 0, len(topics)),
		dispatcher: dispatcher,
		grace:      grace,
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        group,
			Topic:          topic,
			MinBytes:       1024,     // 1KB
			MaxBytes:       10485760, // 10MB
			StartOffset:    kafka.LastOffset,
			QueueCapacity:  1000,
			MaxWait:        100 * time.Millisecond,

			WatchPartitionChanges: true,
		})
		kc.readers = append(kc.readers, reader)
	}

	log.Infof("Kafka consumer created for topics: %v", topics)
	return kc
}

// Start launches the consume loops.
func (kc *KafkaConsumer) Start() {
	for _, reader := range kc.readers {
		kc.wg.Add(1)
		go kc.consume(reader)
	}
}

// consume fetches, dispatches and commits one message at a time.
func (kc *KafkaConsumer) consume(reader *kafka.Reader) {
	defer kc.wg.Done()

	for {
		select {
		case <-kc.ctx.Done():
			return
		default:
		}

		fetchCtx, cancel := context.WithTimeout(kc.ctx, 5*time.Second)
		msg, err := reader.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Fetch timeouts with no traffic are expected.
			if !errors.Is(err, context.DeadlineExceeded) {
				log.Warnf("Failed to fetch message: %v", err)
			}
			continue
		}

		// Dispatch and commit run on a context that survives Close for
		// up to the grace period, so shutdown does not abort a message
		// mid-flight. One that still cannot finish stays uncommitted
		// and is redelivered.
		msgCtx, done := graceContext(kc.ctx, kc.grace)
		err = kc.dispatcher.Dispatch(msgCtx, msg)
		if err != nil {
			// Shutdown or an unreachable DLQ. Either way the offset
			// stays uncommitted and the message will be redelivered.
			log.Warnf("Dispatch aborted at offset %d: %v", msg.Offset, err)
			done()
			return
		}

		if err := reader.CommitMessages(msgCtx, msg); err != nil {
			log.Errorf("Failed to commit offset %d: %v", msg.Offset, err)
		}
		done()
	}
}

// graceContext derives the per-message context: parent cancellation is
// ignored so an in-flight message finishes across shutdown, but the work
// stays bounded by the grace period.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), grace)
}

// Close stops the consume loops and closes the readers.
func (kc *KafkaConsumer) Close() {
	kc.cancel()
	kc.wg.Wait()

	for _, reader := range kc.readers {
		if err := reader.Close(); err != nil {
			log.Errorf("Failed to close reader: %v", err)
		}
	}

	log.Info("Kafka consumer closed")
}

// Stats returns per-topic reader statistics.
func (kc *KafkaConsumer) Stats() map[string]interface{} {
	stats := make(map[string]interface{})

	for _, reader := range kc.readers {
		rs := reader.Stats()
		stats[rs.Topic] = map[string]interface{}{
			"messages":  rs.Messages,
			"bytes":     rs.Bytes,
			"errors":    rs.Errors,
			"lag":       rs.Lag,
			"offset":    rs.Offset,
			"partition": rs.Partition,
		}
	}

	return stats
}
