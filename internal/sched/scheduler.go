package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/anietieakpan/waqitiapp-sub002/internal/alert"
	"github.com/anietieakpan/waqitiapp-sub002/internal/config"
	"github.com/anietieakpan/waqitiapp-sub002/internal/evaluate"
	"github.com/anietieakpan/waqitiapp-sub002/internal/handlers"
	"github.com/anietieakpan/waqitiapp-sub002/internal/metrics"
	"github.com/anietieakpan/waqitiapp-sub002/internal/probe"
	"github.com/anietieakpan/waqitiapp-sub002/internal/repo"
	"github.com/anietieakpan/waqitiapp-sub002/internal/store"
	"github.com/anietieakpan/waqitiapp-sub002/internal/worker"
)

// Job is one periodic task. Run receives the scheduler's context; a run
// must tolerate being skipped when the worker queue is saturated.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Deps wires the scheduled jobs to the same collaborators the event
// handlers use.
type Deps struct {
	Stores  *handlers.Stores
	Alerts  *alert.Emitter
	Metrics *metrics.Metrics
	Repo    repo.Store
	Prober  probe.Prober
	Cfg     *config.Config
}

// Scheduler runs the periodic sweep jobs on a bounded worker pool so a
// slow sweep can never stall event consumption.
type Scheduler struct {
	deps Deps
	pool *worker.Pool
	jobs []Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the scheduler with the standard job set: health sweep,
// metric recompute, trend analysis, report generation and retention.
func New(deps Deps) *Scheduler {
	cfg := deps.Cfg.Scheduler
	s := &Scheduler{
		deps: deps,
		pool: worker.NewPool(cfg.Workers, cfg.QueueSize),
	}
	s.jobs = []Job{
		{Name: "health_sweep", Interval: cfg.HealthSweepInterval.D(), Run: s.healthSweep},
		{Name: "recompute", Interval: cfg.RecomputeInterval.D(), Run: s.recompute},
		{Name: "trend_analysis", Interval: cfg.TrendInterval.D(), Run: s.trendAnalysis},
		{Name: "report_generation", Interval: cfg.ReportInterval.D(), Run: s.generateReports},
		{Name: "retention_sweep", Interval: cfg.RetentionInterval.D(), Run: s.retentionSweep},
	}
	return s
}

// Start launches one ticker goroutine per job. Jobs fire first after one
// full interval, not at startup, so the consumer warms up before the
// first sweep.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		if job.Interval <= 0 {
			log.WithField("job", job.Name).Warn("Job disabled: non-positive interval")
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}

	log.WithField("jobs", len(s.jobs)).Info("Scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.pool.Submit(func() {
				start := time.Now()
				job.Run(ctx)
				log.WithFields(log.Fields{
					"job":      job.Name,
					"duration": time.Since(start).String(),
				}).Debug("Sweep finished")
			})
			if err != nil {
				// Queue full: skip this tick rather than queueing up
				// stale sweeps behind a slow one.
				log.WithField("job", job.Name).Warn("Sweep skipped: worker queue full")
			}
		}
	}
}

// Close stops the tickers and drains the worker pool.
func (s *Scheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.pool.Close()
}

// guard runs fn for one key, isolating panics so one bad aggregate
// cannot abort a whole sweep.
func (s *Scheduler) guard(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Metrics.SweepFailures.Inc()
			log.WithFields(log.Fields{
				"key":   key,
				"panic": fmt.Sprint(r),
			}).Error("Sweep key failed")
		}
	}()
	fn()
}

// healthSweep probes the configured targets and feeds the results through
// the same availability aggregates the event handlers use. A service that
// stops emitting health-check events still gets outage detection.
func (s *Scheduler) healthSweep(ctx context.Context) {
	cfg := s.deps.Cfg.Availability

	for service, target := range s.deps.Cfg.Seeds.ProbeURLs {
		s.guard(service, func() {
			res := s.deps.Prober.Probe(ctx, target)
			agg := s.deps.Stores.Services.GetOrCreate(service)

			if res.Healthy {
				if agg.RecordSuccess(float64(res.Latency.Milliseconds())) {
					s.deps.Alerts.Emit(ctx, evaluate.Alert(
						"SERVICE_RECOVERED", evaluate.Info,
						fmt.Sprintf("Service %s recovered (probe healthy)", service),
						map[string]string{"service": service, "target": target},
					), service)
				}
				return
			}

			agg.RecordFailure()
			snap := agg.Snapshot()
			decision := evaluate.Streak(
				"SERVICE_OUTAGE",
				snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
				evaluate.Critical,
				fmt.Sprintf("Probe for %s failed %d times in a row: %s",
					service, snap.ConsecutiveFails, res.Err),
				map[string]string{
					"service":             service,
					"target":              target,
					"consecutiveFailures": strconv.Itoa(snap.ConsecutiveFails),
				})
			if decision.ShouldAlert && agg.MarkDegraded() {
				s.deps.Alerts.Emit(ctx, decision, service)
			}
		})
	}
}

// recompute republishes every aggregate's derived values as gauges so
// dashboards see keys that went quiet since their last event.
func (s *Scheduler) recompute(ctx context.Context) {
	for _, st := range s.deps.Stores.All() {
		st.ForEach(func(key string, agg *store.Rolling) bool {
			if ctx.Err() != nil {
				return false
			}
			s.guard(key, func() {
				snap := agg.Snapshot()
				entity := map[string]string{"entity": key}
				s.deps.Metrics.Record("sweep."+st.Name()+".error_rate", snap.ErrorRate, entity)
				s.deps.Metrics.Record("sweep."+st.Name()+".total", float64(snap.Total), entity)
				for name, value := range snap.Gauges {
					s.deps.Metrics.Record("sweep."+st.Name()+"."+name, value, entity)
				}
			})
			return true
		})
	}
}

// trendAnalysis compares the recent window against the long average and
// raises trend warnings before a hard threshold trips.
func (s *Scheduler) trendAnalysis(ctx context.Context) {
	s.latencyTrend(ctx, s.deps.Stores.Services, "AVAILABILITY_TREND_WARNING",
		s.deps.Cfg.Availability.TrendStrength)
	s.latencyTrend(ctx, s.deps.Stores.Endpoints, "API_TREND_WARNING",
		s.deps.Cfg.API.TrendStrength)
	s.errorRateTrend(ctx, s.deps.Stores.ErrorsByKind, "ERROR_TREND_WARNING",
		s.deps.Cfg.Errors.TrendStrength)
}

func (s *Scheduler) latencyTrend(ctx context.Context, st *store.Store, alertType string, strength float64) {
	st.ForEach(func(key string, agg *store.Rolling) bool {
		if ctx.Err() != nil {
			return false
		}
		s.guard(key, func() {
			snap := agg.Snapshot()
			if snap.Count < 20 {
				return
			}
			change, direction, significant := evaluate.Trend(
				snap.RecentAverage, snap.Average, strength)
			if !significant || direction != "up" {
				return
			}
			s.deps.Alerts.Emit(ctx, evaluate.Alert(
				alertType, evaluate.Medium,
				fmt.Sprintf("%s latency trending up %.1f%% (recent %.1fms vs %.1fms average)",
					key, change*100, snap.RecentAverage, snap.Average),
				map[string]string{
					"entity": key,
					"change": strconv.FormatFloat(change, 'f', 4, 64),
				}), key)
		})
		return true
	})
}

// errorRateTrend keeps each key's previously observed error rate in a
// gauge and alerts when the rate moved up by more than the configured
// strength between sweeps.
func (s *Scheduler) errorRateTrend(ctx context.Context, st *store.Store, alertType string, strength float64) {
	st.ForEach(func(key string, agg *store.Rolling) bool {
		if ctx.Err() != nil {
			return false
		}
		s.guard(key, func() {
			snap := agg.Snapshot()
			previous := snap.Gauges["sweptErrorRate"]
			agg.Set("sweptErrorRate", snap.ErrorRate)

			if previous == 0 || snap.ErrorRate <= previous {
				return
			}
			change, _, significant := evaluate.Trend(snap.ErrorRate, previous, strength)
			if !significant {
				return
			}
			s.deps.Alerts.Emit(ctx, evaluate.Alert(
				alertType, evaluate.Medium,
				fmt.Sprintf("Error rate for %s rose %.1f%% since the last sweep", key, change*100),
				map[string]string{
					"entity": key,
					"rate":   strconv.FormatFloat(snap.ErrorRate, 'f', 4, 64),
				}), key)
		})
		return true
	})
}

// reportEntry is one key's row in a periodic report payload.
type reportEntry struct {
	Entity        string  `json:"entity"`
	Total         uint64  `json:"total"`
	Errors        uint64  `json:"errors"`
	ErrorRate     float64 `json:"errorRate"`
	Average       float64 `json:"average"`
	RecentAverage float64 `json:"recentAverage"`
	Degraded      bool    `json:"degraded"`
}

// generateReports persists one summary report per family store.
func (s *Scheduler) generateReports(ctx context.Context) {
	for _, st := range s.deps.Stores.All() {
		s.guard(st.Name(), func() {
			var entries []reportEntry
			st.ForEach(func(key string, agg *store.Rolling) bool {
				snap := agg.Snapshot()
				entries = append(entries, reportEntry{
					Entity:        key,
					Total:         snap.Total,
					Errors:        snap.Errors,
					ErrorRate:     snap.ErrorRate,
					Average:       snap.Average,
					RecentAverage: snap.RecentAverage,
					Degraded:      snap.Degraded,
				})
				return true
			})
			if len(entries) == 0 {
				return
			}

			payload, err := json.Marshal(entries)
			if err != nil {
				log.WithError(err).WithField("family", st.Name()).Error("Report marshal failed")
				return
			}
			err = s.deps.Repo.SaveReport(ctx, &repo.Report{
				ID:          uuid.New().String(),
				Family:      st.Name(),
				Entity:      strconv.Itoa(len(entries)) + " entities",
				Payload:     payload,
				GeneratedAt: time.Now(),
			})
			if err != nil {
				log.WithError(err).WithField("family", st.Name()).Warn("Report persist failed")
			}
		})
	}
}

// retentionSweep drops aggregates not seen inside the retention window
// and ages out persisted rows.
func (s *Scheduler) retentionSweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.deps.Cfg.Scheduler.RetentionWindow.D())

	removed := 0
	for _, st := range s.deps.Stores.All() {
		removed += st.RemoveIf(func(key string, snap store.Snapshot) bool {
			return snap.LastSeen.Before(cutoff)
		})
	}

	deleted, err := s.deps.Repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		log.WithError(err).Warn("Retention delete failed")
	}

	log.WithFields(log.Fields{
		"aggregatesRemoved": removed,
		"rowsDeleted":       deleted,
		"cutoff":            cutoff.Format(time.RFC3339),
	}).Info("Retention sweep finished")
}
