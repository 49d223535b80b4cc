package handlers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/anietieakpan/waqitiapp-sub002/internal/dispatch"
	"github.com/anietieakpan/waqitiapp-sub002/internal/event"
	"github.com/anietieakpan/waqitiapp-sub002/internal/evaluate"
	"github.com/anietieakpan/waqitiapp-sub002/internal/store"
)

func (d *Deps) databaseRoutes() map[string]dispatch.HandlerFunc {
	return map[string]dispatch.HandlerFunc{
		"QUERY_EXECUTION":        d.handleQueryExecution,
		"CONNECTION_POOL_STATUS": d.handleConnectionPoolStatus,
		"TRANSACTION_METRICS":    d.handleTransactionMetrics,
		"DEADLOCK_DETECTION":     d.handleDeadlockDetection,
		"REPLICATION_STATUS":     d.handleReplicationStatus,
		"CACHE_PERFORMANCE":      d.handleCachePerformance,
	}
}

func (d *Deps) handleQueryExecution(ctx context.Context, ev *event.Envelope) error {
	database, err := requireField(ev, "database")
	if err != nil {
		return err
	}
	queryType := ev.String("queryType", "UNKNOWN")
	execMs := ev.Float("executionTimeMs", 0)
	success := ev.Bool("success", true)
	queryHash := ev.String("queryHash", "")
	cfg := d.Cfg.Database

	key := database + ":" + queryType
	d.observe(ctx, d.Stores.Databases, key, func(agg *store.Rolling) {
		if success {
			agg.RecordSuccess(execMs)
		} else {
			agg.RecordFailure()
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if !success || execMs <= cfg.SlowQueryMs {
			return nil
		}
		return []evaluate.Decision{evaluate.Alert(
			"SLOW_QUERY_DETECTED",
			evaluate.BreachSeverity(execMs, cfg.SlowQueryMs, cfg.SlowQueryMs),
			fmt.Sprintf("Slow %s query on %s: %.0fms (threshold %.0fms)",
				queryType, database, execMs, cfg.SlowQueryMs),
			tags(
				"database", database,
				"queryType", queryType,
				"queryHash", queryHash,
				"executionTimeMs", strconv.FormatFloat(execMs, 'f', 0, 64),
			))}
	})

	d.Metrics.Record("db.query.execution_time", execMs,
		tags("database", database, "queryType", queryType))
	return nil
}

func (d *Deps) handleConnectionPoolStatus(ctx context.Context, ev *event.Envelope) error {
	poolName, err := requireField(ev, "poolName")
	if err != nil {
		return err
	}
	active := ev.Float("activeConnections", 0)
	idle := ev.Float("idleConnections", 0)
	max := ev.Float("maxConnections", 0)
	waiting := ev.Float("waitingThreads", 0)
	cfg := d.Cfg.Database

	var usagePct float64
	if max > 0 {
		usagePct = active / max * 100
	}

	d.observe(ctx, d.Stores.Pools, poolName, func(agg *store.Rolling) {
		agg.Observe(usagePct)
		agg.Set("active", active)
		agg.Set("idle", idle)
		agg.Set("max", max)
		agg.Set("waiting", waiting)
		if usagePct > cfg.PoolWarningPercent {
			agg.RecordFailure()
		} else {
			agg.RecordSuccess(usagePct)
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if usagePct <= cfg.PoolWarningPercent {
			return nil
		}
		// Fires on the first over-threshold report, then stays quiet
		// until usage drops back under the line.
		return []evaluate.Decision{evaluate.Streak(
			"CONNECTION_POOL_HIGH_USAGE",
			snap.ConsecutiveFails, 1, snap.Degraded,
			evaluate.High,
			fmt.Sprintf("Connection pool %s at %.1f%% usage (%.0f/%.0f)",
				poolName, usagePct, active, max),
			tags(
				"pool", poolName,
				"active", strconv.FormatFloat(active, 'f', 0, 64),
				"max", strconv.FormatFloat(max, 'f', 0, 64),
				"waiting", strconv.FormatFloat(waiting, 'f', 0, 64),
			))}
	})

	d.Metrics.Record("db.pool.usage", usagePct, tags("pool", poolName))
	return nil
}

func (d *Deps) handleTransactionMetrics(ctx context.Context, ev *event.Envelope) error {
	database, err := requireField(ev, "database")
	if err != nil {
		return err
	}
	committed := ev.Float("committed", 0)
	rolledBack := ev.Float("rolledBack", 0)
	durationMs := ev.Float("avgDurationMs", 0)
	cfg := d.Cfg.Database

	total := committed + rolledBack
	var rollbackRate float64
	if total > 0 {
		rollbackRate = rolledBack / total
	}

	key := database + ":tx"
	d.observe(ctx, d.Stores.Databases, key, func(agg *store.Rolling) {
		agg.Observe(durationMs)
		agg.Set("committed", committed)
		agg.Set("rolledBack", rolledBack)
		agg.Set("rollbackRate", rollbackRate)
	}, func(store.Snapshot) []evaluate.Decision {
		if rollbackRate <= cfg.RollbackRateCeiling || total == 0 {
			return nil
		}
		return []evaluate.Decision{evaluate.Alert(
			"HIGH_ROLLBACK_RATE", evaluate.Medium,
			fmt.Sprintf("Database %s rollback rate %.2f%% exceeds %.2f%%",
				database, rollbackRate*100, cfg.RollbackRateCeiling*100),
			tags(
				"database", database,
				"rollbackRate", strconv.FormatFloat(rollbackRate, 'f', 4, 64),
			))}
	})

	d.Metrics.Record("db.tx.rollback_rate", rollbackRate, tags("database", database))
	return nil
}

func (d *Deps) handleDeadlockDetection(ctx context.Context, ev *event.Envelope) error {
	database, err := requireField(ev, "database")
	if err != nil {
		return err
	}
	tables := ev.Strings("tables")
	victim := ev.String("victimQuery", "")

	key := database + ":deadlock"
	d.observe(ctx, d.Stores.Databases, key, func(agg *store.Rolling) {
		agg.RecordFailure()
	}, func(store.Snapshot) []evaluate.Decision {
		// Every deadlock alerts. There is no streak to apply: one deadlock
		// is already an operator-actionable event.
		return []evaluate.Decision{evaluate.Alert(
			"DEADLOCK_DETECTED", evaluate.Critical,
			fmt.Sprintf("Deadlock detected on %s involving %d tables", database, len(tables)),
			tags(
				"database", database,
				"tableCount", strconv.Itoa(len(tables)),
				"victimQuery", victim,
			))}
	})

	d.Metrics.Record("db.deadlocks", 1, tags("database", database))
	return nil
}

func (d *Deps) handleReplicationStatus(ctx context.Context, ev *event.Envelope) error {
	replica, err := requireField(ev, "replica")
	if err != nil {
		return err
	}
	lagMs := ev.Float("lagMs", 0)
	state := ev.String("state", "UNKNOWN")
	cfg := d.Cfg.Database

	key := "replica:" + replica
	d.observe(ctx, d.Stores.Databases, key, func(agg *store.Rolling) {
		agg.Observe(lagMs)
		if lagMs > cfg.ReplicationLagMs || state == "BROKEN" {
			agg.RecordFailure()
		} else {
			agg.RecordSuccess(lagMs)
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if state == "BROKEN" {
			return []evaluate.Decision{evaluate.Alert(
				"REPLICATION_BROKEN", evaluate.Critical,
				fmt.Sprintf("Replication to %s is broken", replica),
				tags("replica", replica, "state", state))}
		}
		if lagMs <= cfg.ReplicationLagMs {
			return nil
		}
		return []evaluate.Decision{evaluate.Streak(
			"HIGH_REPLICATION_LAG",
			snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
			evaluate.High,
			fmt.Sprintf("Replica %s lag %.0fms exceeds %.0fms",
				replica, lagMs, cfg.ReplicationLagMs),
			tags(
				"replica", replica,
				"lagMs", strconv.FormatFloat(lagMs, 'f', 0, 64),
			))}
	})

	d.Metrics.Record("db.replication.lag_ms", lagMs, tags("replica", replica))
	return nil
}

func (d *Deps) handleCachePerformance(ctx context.Context, ev *event.Envelope) error {
	cacheName, err := requireField(ev, "cacheName")
	if err != nil {
		return err
	}
	hits := ev.Float("hits", 0)
	misses := ev.Float("misses", 0)
	evictions := ev.Float("evictions", 0)
	cfg := d.Cfg.Database

	total := hits + misses
	var hitRatio float64
	if total > 0 {
		hitRatio = hits / total
	}

	key := "cache:" + cacheName
	d.observe(ctx, d.Stores.Databases, key, func(agg *store.Rolling) {
		agg.Observe(hitRatio)
		agg.Set("hits", hits)
		agg.Set("misses", misses)
		agg.Set("evictions", evictions)
	}, func(store.Snapshot) []evaluate.Decision {
		if total == 0 || hitRatio >= cfg.CacheHitRatioFloor {
			return nil
		}
		return []evaluate.Decision{evaluate.Alert(
			"LOW_CACHE_HIT_RATIO", evaluate.Medium,
			fmt.Sprintf("Cache %s hit ratio %.2f%% below floor %.2f%%",
				cacheName, hitRatio*100, cfg.CacheHitRatioFloor*100),
			tags(
				"cache", cacheName,
				"hitRatio", strconv.FormatFloat(hitRatio, 'f', 4, 64),
			))}
	})

	d.Metrics.Record("db.cache.hit_ratio", hitRatio, tags("cache", cacheName))
	return nil
}
