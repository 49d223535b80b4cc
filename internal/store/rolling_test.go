package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRolling_ErrorRateNeverNaN(t *testing.T) {
	r := NewRolling(10)
	snap := r.Snapshot()
	assert.Equal(t, 0.0, snap.ErrorRate)
	assert.Equal(t, 0.0, snap.Average)
}

func TestRolling_ErrorRate(t *testing.T) {
	r := NewRolling(10)
	r.RecordSuccess(100)
	r.RecordSuccess(100)
	r.RecordFailure()
	r.RecordFailure()

	snap := r.Snapshot()
	assert.Equal(t, uint64(4), snap.Total)
	assert.Equal(t, uint64(2), snap.Errors)
	assert.Equal(t, 0.5, snap.ErrorRate)
}

func TestRolling_BufferEvictsOldest(t *testing.T) {
	r := NewRolling(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.RecordSuccess(v)
	}

	snap := r.Snapshot()
	assert.Equal(t, 3, snap.Count)
	assert.Equal(t, 3.0, snap.Min)
	assert.Equal(t, 5.0, snap.Max)
	assert.Equal(t, 4.0, snap.Average)
}

func TestRolling_FailureStreakAndRecovery(t *testing.T) {
	r := NewRolling(10)
	assert.Equal(t, 1, r.RecordFailure())
	assert.Equal(t, 2, r.RecordFailure())
	assert.Equal(t, 3, r.RecordFailure())
	r.MarkDegraded()

	recovered := r.RecordSuccess(50)
	assert.True(t, recovered)

	snap := r.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFails)
	assert.False(t, snap.Degraded)

	// A success with no preceding streak is not a recovery.
	assert.False(t, r.RecordSuccess(50))
}

func TestRolling_MarkDegradedReportsTransition(t *testing.T) {
	r := NewRolling(10)
	r.RecordFailure()

	assert.True(t, r.MarkDegraded())
	assert.False(t, r.MarkDegraded())

	// Recovery clears the flag, so the next streak can claim it again.
	r.RecordSuccess(1)
	assert.True(t, r.MarkDegraded())
}

func TestRolling_WindowedFailureResetsStaleStreak(t *testing.T) {
	r := NewRolling(10)
	r.RecordFailureWindowed(time.Hour)
	r.RecordFailureWindowed(time.Hour)
	r.MarkDegraded()

	// Next failure lands outside a tiny window, so the streak restarts.
	time.Sleep(5 * time.Millisecond)
	count := r.RecordFailureWindowed(time.Millisecond)
	assert.Equal(t, 1, count)
	assert.False(t, r.Snapshot().Degraded)
}

func TestRolling_RecentAverage(t *testing.T) {
	r := NewRolling(200)
	// 60 old observations at 10, then 60 recent at 100. The recent window
	// of 50 only sees the tail.
	for i := 0; i < 60; i++ {
		r.Observe(10)
	}
	for i := 0; i < 60; i++ {
		r.Observe(100)
	}

	snap := r.Snapshot()
	assert.Equal(t, 100.0, snap.RecentAverage)
	assert.Less(t, snap.Average, snap.RecentAverage)
}

func TestRolling_Gauges(t *testing.T) {
	r := NewRolling(10)
	r.Set("depth", 42)
	r.Set("lag", 7)

	snap := r.Snapshot()
	assert.Equal(t, 42.0, snap.Gauges["depth"])
	assert.Equal(t, 7.0, snap.Gauges["lag"])

	// The snapshot holds a copy, not the live map.
	snap.Gauges["depth"] = 0
	assert.Equal(t, 42.0, r.Snapshot().Gauges["depth"])
}
