package alert

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anietieakpan/waqitiapp-sub002/internal/evaluate"
	"github.com/anietieakpan/waqitiapp-sub002/internal/metrics"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	fail   bool
}

func (r *recordingSink) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("sink unavailable")
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func newTestEmitter(sink Sink, cfg EmitterConfig) *Emitter {
	return NewEmitter(sink, Disabled(), metrics.New(), cfg)
}

func TestEmit_FiringDecisionReachesSink(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEmitter(sink, EmitterConfig{Source: "test"})

	e.Emit(context.Background(), evaluate.Alert(
		"SERVICE_OUTAGE", evaluate.Critical, "service down",
		map[string]string{"service": "wallet"},
	), "wallet")

	require.Equal(t, 1, sink.count())
	a := sink.alerts[0]
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "SERVICE_OUTAGE", a.Type)
	assert.Equal(t, "Critical", a.Severity)
	assert.Equal(t, "test", a.Source)
	assert.Equal(t, "wallet", a.Context["service"])
	assert.False(t, a.Timestamp.IsZero())
}

func TestEmit_NonFiringDecisionIgnored(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEmitter(sink, EmitterConfig{})

	e.Emit(context.Background(), evaluate.None(), "wallet")
	assert.Equal(t, 0, sink.count())
}

func TestEmit_SinkFailureSwallowed(t *testing.T) {
	sink := &recordingSink{fail: true}
	e := newTestEmitter(sink, EmitterConfig{})

	// Must not panic or propagate; the processing path keeps going.
	e.Emit(context.Background(), evaluate.Alert("X", evaluate.High, "m", nil), "k")
	assert.Equal(t, 0, sink.count())
}

func TestEmit_RateLimitDropsOverflow(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEmitter(sink, EmitterConfig{RatePerSecond: 1, Burst: 2})

	for i := 0; i < 10; i++ {
		e.Emit(context.Background(), evaluate.Alert("X", evaluate.High, "m", nil), "k")
	}

	// The burst passes, the rest is shed.
	assert.LessOrEqual(t, sink.count(), 3)
	assert.GreaterOrEqual(t, sink.count(), 2)
}

func TestDisabledDeduper_AlwaysAllows(t *testing.T) {
	d := Disabled()
	for i := 0; i < 5; i++ {
		assert.True(t, d.Allow(context.Background(), "SERVICE_OUTAGE", "wallet"))
	}
	assert.NoError(t, d.Close())
}
