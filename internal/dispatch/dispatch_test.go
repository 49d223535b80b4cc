package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anietieakpan/waqitiapp-sub002/internal/event"
	"github.com/anietieakpan/waqitiapp-sub002/internal/metrics"
)

type fakeDLQ struct {
	mu   sync.Mutex
	sent []kafka.Message
}

func (f *fakeDLQ) Send(_ context.Context, msg kafka.Message, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// failingDLQ rejects the first n sends, then accepts.
type failingDLQ struct {
	mu       sync.Mutex
	failures int
	sent     int
}

func (f *failingDLQ) Send(_ context.Context, _ kafka.Message, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("dlq broker unavailable")
	}
	f.sent++
	return nil
}

func (f *failingDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func newTestDispatcher(dlq DeadLetter) *Dispatcher {
	return New(dlq, metrics.New(), Config{
		MaxRetries:     3,
		RetryBackoff:   time.Millisecond,
		HandlerTimeout: 100 * time.Millisecond,
	})
}

func msgFor(body string) kafka.Message {
	return kafka.Message{Topic: "monitoring-events", Value: []byte(body)}
}

func TestDispatch_ProcessedMessageIsAcked(t *testing.T) {
	dlq := &fakeDLQ{}
	d := newTestDispatcher(dlq)

	var handled int
	d.Register("API_REQUEST", func(ctx context.Context, ev *event.Envelope) error {
		handled++
		return nil
	})

	err := d.Dispatch(context.Background(), msgFor(`{"eventType":"API_REQUEST","eventId":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 0, dlq.count())
}

func TestDispatch_UndecodableGoesToDeadLetter(t *testing.T) {
	dlq := &fakeDLQ{}
	d := newTestDispatcher(dlq)

	err := d.Dispatch(context.Background(), msgFor(`not json at all`))
	require.NoError(t, err)
	assert.Equal(t, 1, dlq.count())
}

func TestDispatch_UnknownTypeSkippedNotDeadLettered(t *testing.T) {
	dlq := &fakeDLQ{}
	d := newTestDispatcher(dlq)

	err := d.Dispatch(context.Background(), msgFor(`{"eventType":"BRAND_NEW_TYPE","eventId":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, dlq.count())
}

func TestDispatch_NonRetryableFailsExactlyOnce(t *testing.T) {
	dlq := &fakeDLQ{}
	d := newTestDispatcher(dlq)

	attempts := 0
	d.Register("API_REQUEST", func(ctx context.Context, ev *event.Envelope) error {
		attempts++
		return &ValidationError{Field: "endpoint", Reason: "missing"}
	})

	err := d.Dispatch(context.Background(), msgFor(`{"eventType":"API_REQUEST","eventId":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, dlq.count())
}

func TestDispatch_TransientRetriedUntilSuccess(t *testing.T) {
	dlq := &fakeDLQ{}
	d := newTestDispatcher(dlq)

	attempts := 0
	d.Register("API_REQUEST", func(ctx context.Context, ev *event.Envelope) error {
		attempts++
		if attempts < 3 {
			return Transient(errors.New("redis unavailable"))
		}
		return nil
	})

	err := d.Dispatch(context.Background(), msgFor(`{"eventType":"API_REQUEST","eventId":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, dlq.count())
}

func TestDispatch_RetriesExhaustedGoesToDeadLetter(t *testing.T) {
	dlq := &fakeDLQ{}
	d := newTestDispatcher(dlq)

	attempts := 0
	d.Register("API_REQUEST", func(ctx context.Context, ev *event.Envelope) error {
		attempts++
		return Transient(errors.New("still down"))
	})

	err := d.Dispatch(context.Background(), msgFor(`{"eventType":"API_REQUEST","eventId":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, dlq.count())
}

func TestDispatch_PanicContainedAndDeadLettered(t *testing.T) {
	dlq := &fakeDLQ{}
	d := newTestDispatcher(dlq)

	d.Register("API_REQUEST", func(ctx context.Context, ev *event.Envelope) error {
		panic("boom")
	})

	err := d.Dispatch(context.Background(), msgFor(`{"eventType":"API_REQUEST","eventId":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, dlq.count())
}

func TestDispatch_DeadLetterWriteFailureLeavesMessageUncommitted(t *testing.T) {
	dlq := &failingDLQ{failures: 10}
	m := metrics.New()
	d := New(dlq, m, Config{
		MaxRetries:     3,
		RetryBackoff:   time.Millisecond,
		HandlerTimeout: 100 * time.Millisecond,
	})

	d.Register("API_REQUEST", func(ctx context.Context, ev *event.Envelope) error {
		return &ValidationError{Field: "endpoint", Reason: "missing"}
	})

	err := d.Dispatch(context.Background(), msgFor(`{"eventType":"API_REQUEST","eventId":"1"}`))
	require.Error(t, err)
	assert.Equal(t, 0, dlq.count())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EventsDeadLetter))
}

func TestDispatch_DeadLetterWriteRetriedUntilSuccess(t *testing.T) {
	dlq := &failingDLQ{failures: 1}
	m := metrics.New()
	d := New(dlq, m, Config{
		MaxRetries:     3,
		RetryBackoff:   time.Millisecond,
		HandlerTimeout: 100 * time.Millisecond,
	})

	err := d.Dispatch(context.Background(), msgFor(`not json at all`))
	require.NoError(t, err)
	assert.Equal(t, 1, dlq.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDeadLetter))
}

func TestDispatch_CancelledContextLeavesMessageUncommitted(t *testing.T) {
	dlq := &fakeDLQ{}
	d := newTestDispatcher(dlq)

	ctx, cancel := context.WithCancel(context.Background())
	d.Register("API_REQUEST", func(ctx context.Context, ev *event.Envelope) error {
		cancel()
		return nil
	})

	err := d.Dispatch(ctx, msgFor(`{"eventType":"API_REQUEST","eventId":"1"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryable_Classification(t *testing.T) {
	assert.False(t, retryable(&event.DecodeError{Reason: "bad"}))
	assert.False(t, retryable(&ValidationError{Field: "x", Reason: "missing"}))
	assert.False(t, retryable(errors.New("programming error")))
	assert.True(t, retryable(Transient(errors.New("io"))))
	assert.True(t, retryable(context.DeadlineExceeded))
}
