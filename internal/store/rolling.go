package store

import (
	"sync"
	"time"
)

// Rolling is the per-key rolling statistics record. Counters only ever
// increase; the value buffer keeps the most recent observations with FIFO
// eviction; the consecutive-failure counter drives hysteresis alerting.
// All mutations for one key are linearized by the record's own mutex.
type Rolling struct {
	mu sync.Mutex

	total  uint64
	errors uint64
	bytes  uint64

	values   []float64
	capacity int
	degraded bool

	consecutiveFails int
	lastSeen         time.Time

	// Named last-observed values (queue depth, lag, pool usage) kept for
	// sweep jobs and reports.
	gauges map[string]float64
}

// Snapshot is an immutable copy of the derived values of a Rolling record.
type Snapshot struct {
	Total            uint64
	Errors           uint64
	Bytes            uint64
	ErrorRate        float64
	Average          float64
	RecentAverage    float64
	Min              float64
	Max              float64
	Count            int
	ConsecutiveFails int
	Degraded         bool
	LastSeen         time.Time
	Gauges           map[string]float64
}

const defaultCapacity = 1000

// recentWindow bounds how many trailing observations feed RecentAverage.
const recentWindow = 50

// NewRolling creates a record with the given value-buffer capacity.
func NewRolling(capacity int) *Rolling {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Rolling{
		capacity: capacity,
		values:   make([]float64, 0, min(capacity, 256)),
		gauges:   make(map[string]float64),
		lastSeen: time.Now(),
	}
}

// RecordSuccess counts one successful observation, appends value to the
// bounded buffer and resets the failure streak. It reports whether the key
// just recovered from a failure streak.
func (r *Rolling) RecordSuccess(value float64) (recovered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.append(value)
	if r.consecutiveFails > 0 || r.degraded {
		recovered = true
	}
	r.consecutiveFails = 0
	r.degraded = false
	r.lastSeen = time.Now()
	return recovered
}

// RecordFailure counts one failure-classified observation and returns the
// new consecutive-failure count so callers can detect threshold crossings.
func (r *Rolling) RecordFailure() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.errors++
	r.consecutiveFails++
	r.lastSeen = time.Now()
	return r.consecutiveFails
}

// RecordFailureWindowed behaves like RecordFailure but first resets the
// streak and the degraded flag when the previous observation is older than
// window. Used by keys that never see a success signal, where a streak is
// only meaningful for failures arriving close together.
func (r *Rolling) RecordFailureWindowed(window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if window > 0 && time.Since(r.lastSeen) > window {
		r.consecutiveFails = 0
		r.degraded = false
	}
	r.total++
	r.errors++
	r.consecutiveFails++
	r.lastSeen = time.Now()
	return r.consecutiveFails
}

// Observe appends a value without touching the success/failure counters.
func (r *Rolling) Observe(value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.append(value)
	r.lastSeen = time.Now()
}

// AddBytes adds to the byte counter.
func (r *Rolling) AddBytes(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bytes += n
	r.lastSeen = time.Now()
}

// Set stores a named last-observed value.
func (r *Rolling) Set(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gauges[name] = value
	r.lastSeen = time.Now()
}

// MarkDegraded flags the key as already alerted for the current streak.
// It reports whether this call made the transition, so concurrent
// updates crossing the same threshold claim the alert at most once.
func (r *Rolling) MarkDegraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.degraded {
		return false
	}
	r.degraded = true
	return true
}

// Touch refreshes lastSeen without recording an observation.
func (r *Rolling) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeen = time.Now()
}

// Snapshot returns an immutable copy of the derived values. Division by
// zero yields 0.0, never NaN.
func (r *Rolling) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Total:            r.total,
		Errors:           r.errors,
		Bytes:            r.bytes,
		Count:            len(r.values),
		ConsecutiveFails: r.consecutiveFails,
		Degraded:         r.degraded,
		LastSeen:         r.lastSeen,
	}

	if r.total > 0 {
		s.ErrorRate = float64(r.errors) / float64(r.total)
	}

	if len(r.values) > 0 {
		sum := 0.0
		s.Min = r.values[0]
		s.Max = r.values[0]
		for _, v := range r.values {
			sum += v
			if v < s.Min {
				s.Min = v
			}
			if v > s.Max {
				s.Max = v
			}
		}
		s.Average = sum / float64(len(r.values))

		start := len(r.values) - recentWindow
		if start < 0 {
			start = 0
		}
		recent := 0.0
		for _, v := range r.values[start:] {
			recent += v
		}
		s.RecentAverage = recent / float64(len(r.values)-start)
	}

	if len(r.gauges) > 0 {
		s.Gauges = make(map[string]float64, len(r.gauges))
		for k, v := range r.gauges {
			s.Gauges[k] = v
		}
	}

	return s
}

// append adds a value and evicts the oldest entries beyond capacity.
func (r *Rolling) append(value float64) {
	r.values = append(r.values, value)
	if len(r.values) > r.capacity {
		// Drop oldest; shift rather than reslice so the backing array
		// does not grow without bound.
		excess := len(r.values) - r.capacity
		copy(r.values, r.values[excess:])
		r.values = r.values[:r.capacity]
	}
}
