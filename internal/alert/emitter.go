package alert

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/anietieakpan/waqitiapp-sub002/internal/evaluate"
	"github.com/anietieakpan/waqitiapp-sub002/internal/metrics"
)

// Emitter hands alert decisions to the sink. Delivery is best effort: a
// sink failure is logged and swallowed, never propagated into the event
// processing path. A token bucket caps the alert rate and a circuit
// breaker sheds load from a stuck sink.
type Emitter struct {
	sink    Sink
	source  string
	dedupe  *Deduper
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	timeout time.Duration
}

// EmitterConfig configures alert-storm protection.
type EmitterConfig struct {
	Source        string
	RatePerSecond float64
	Burst         int
	SendTimeout   time.Duration
}

// NewEmitter creates an emitter in front of sink. dedupe may be the
// disabled pass-through deduper.
func NewEmitter(sink Sink, dedupe *Deduper, m *metrics.Metrics, cfg EmitterConfig) *Emitter {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "alert-sink",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("Alert sink circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Emitter{
		sink:    sink,
		source:  cfg.Source,
		dedupe:  dedupe,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: breaker,
		metrics: m,
		timeout: cfg.SendTimeout,
	}
}

// Emit sends the alert for a firing decision. Non-firing decisions are
// ignored. entity scopes de-duplication (one suppression window per
// alert type per entity).
func (e *Emitter) Emit(ctx context.Context, d evaluate.Decision, entity string) {
	if !d.ShouldAlert {
		return
	}

	if !e.dedupe.Allow(ctx, d.Type, entity) {
		e.metrics.AlertsDropped.Inc()
		return
	}

	if !e.limiter.Allow() {
		e.metrics.AlertsDropped.Inc()
		log.Warnf("Alert rate limit hit, dropping %s for %s", d.Type, entity)
		return
	}

	a := New(d, e.source)

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.sink.Send(sendCtx, a)
	})
	if err != nil {
		// Alerting is best effort; offset advancement must not stall
		// behind a broken sink.
		log.Errorf("Failed to deliver alert %s (%s): %v", a.Type, a.ID, err)
		return
	}

	e.metrics.AlertsEmitted.WithLabelValues(a.Severity).Inc()
}

// Close shuts the underlying sink and cache.
func (e *Emitter) Close() {
	if err := e.sink.Close(); err != nil {
		log.Errorf("Failed to close alert sink: %v", err)
	}
	if err := e.dedupe.Close(); err != nil {
		log.Errorf("Failed to close alert de-dup cache: %v", err)
	}
}
