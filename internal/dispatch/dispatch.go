package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"github.com/anietieakpan/waqitiapp-sub002/internal/event"
	"github.com/anietieakpan/waqitiapp-sub002/internal/metrics"
)

// HandlerFunc processes one decoded event.
type HandlerFunc func(ctx context.Context, ev *event.Envelope) error

// DeadLetter is the dead-letter collaborator.
type DeadLetter interface {
	Send(ctx context.Context, msg kafka.Message, reason error) error
}

// Dispatcher runs a message through decode, route and apply, then decides
// between acknowledge, retry and dead-letter. Every message ends in
// exactly one of: processed, skipped (unknown type) or dead-lettered.
type Dispatcher struct {
	routes  map[string]HandlerFunc
	dlq     DeadLetter
	metrics *metrics.Metrics

	maxRetries     int
	retryBackoff   time.Duration
	handlerTimeout time.Duration
}

// Config tunes the retry/dead-letter policy.
type Config struct {
	MaxRetries     int
	RetryBackoff   time.Duration
	HandlerTimeout time.Duration
}

// New creates a dispatcher with no routes registered.
func New(dlq DeadLetter, m *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	return &Dispatcher{
		routes:         make(map[string]HandlerFunc),
		dlq:            dlq,
		metrics:        m,
		maxRetries:     cfg.MaxRetries,
		retryBackoff:   cfg.RetryBackoff,
		handlerTimeout: cfg.HandlerTimeout,
	}
}

// Register binds an event type to its handler. Later registrations for
// the same type replace earlier ones.
func (d *Dispatcher) Register(eventType string, h HandlerFunc) {
	d.routes[eventType] = h
}

// RegisterAll binds a route table.
func (d *Dispatcher) RegisterAll(routes map[string]HandlerFunc) {
	for t, h := range routes {
		d.routes[t] = h
	}
}

// Dispatch processes one message to completion. A nil return means the
// caller may commit the offset. A non-nil return, from shutdown
// cancellation or an unreachable DLQ, leaves the message uncommitted for
// redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, msg kafka.Message) error {
	logger := log.WithFields(log.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	ev, err := event.Decode(msg.Value)
	if err != nil {
		// Unparseable: retry will not help, straight to dead letter.
		logger.Warnf("Dropping undecodable message: %v", err)
		if dlqErr := d.deadLetter(ctx, msg, err, logger); dlqErr != nil {
			return dlqErr
		}
		return ctxErr(ctx)
	}

	handler, ok := d.routes[ev.Type]
	if !ok {
		// Forward compatibility: new event types must not halt the
		// pipeline.
		logger.Warnf("Unknown event type %q, skipping", ev.Type)
		d.metrics.EventsSkipped.Inc()
		return ctxErr(ctx)
	}

	for attempt := 1; ; attempt++ {
		err = d.apply(ctx, handler, ev)
		if err == nil {
			d.metrics.EventsProcessed.WithLabelValues(ev.Type).Inc()
			return ctxErr(ctx)
		}

		d.metrics.HandlerErrors.Inc()

		if !retryable(err) {
			logger.Errorf("Non-retryable failure for event %s: %v", ev.ID, err)
			if dlqErr := d.deadLetter(ctx, msg, err, logger); dlqErr != nil {
				return dlqErr
			}
			return ctxErr(ctx)
		}

		if attempt >= d.maxRetries {
			logger.Errorf("Retries exhausted for event %s after %d attempts: %v",
				ev.ID, attempt, err)
			if dlqErr := d.deadLetter(ctx, msg, err, logger); dlqErr != nil {
				return dlqErr
			}
			return ctxErr(ctx)
		}

		d.metrics.EventsRetried.Inc()
		logger.Warnf("Retrying event %s (attempt %d/%d): %v",
			ev.ID, attempt, d.maxRetries, err)

		select {
		case <-time.After(d.retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// apply runs the handler with a bounded timeout so a stuck collaborator
// cannot stall the partition. Panics are contained and classified as
// non-retryable.
func (d *Dispatcher) apply(ctx context.Context, handler HandlerFunc, ev *event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	handlerCtx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	if err := handler(handlerCtx, ev); err != nil {
		if handlerCtx.Err() == context.DeadlineExceeded {
			return Transient(fmt.Errorf("handler timed out after %s: %w", d.handlerTimeout, err))
		}
		return err
	}
	return nil
}

// deadLetter writes the message to the DLQ, retrying with the same
// backoff as handlers. A non-nil return means the write never succeeded
// and the offset must stay uncommitted so the broker redelivers.
func (d *Dispatcher) deadLetter(ctx context.Context, msg kafka.Message, reason error, logger *log.Entry) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = d.dlq.Send(ctx, msg, reason); err == nil {
			d.metrics.EventsDeadLetter.Inc()
			return nil
		}
		if attempt >= d.maxRetries {
			break
		}
		logger.Warnf("Dead-letter write failed (attempt %d/%d): %v",
			attempt, d.maxRetries, err)
		select {
		case <-time.After(d.retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Errorf("Could not dead-letter message, leaving offset uncommitted: %v", err)
	return fmt.Errorf("dead-letter write: %w", err)
}

// ctxErr propagates cancellation so an aborted dispatch does not commit.
func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
