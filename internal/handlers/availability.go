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

// healthCheck is the decoded SERVICE_HEALTH_CHECK record.
type healthCheck struct {
	ServiceID    string
	Status       string
	ResponseTime float64
}

func decodeHealthCheck(ev *event.Envelope) (healthCheck, error) {
	serviceID, err := requireField(ev, "serviceId")
	if err != nil {
		return healthCheck{}, err
	}
	return healthCheck{
		ServiceID:    serviceID,
		Status:       ev.String("status", "UNKNOWN"),
		ResponseTime: ev.Float("responseTime", 0),
	}, nil
}

func (d *Deps) availabilityRoutes() map[string]dispatch.HandlerFunc {
	return map[string]dispatch.HandlerFunc{
		"SERVICE_HEALTH_CHECK":  d.handleServiceHealthCheck,
		"ENDPOINT_AVAILABILITY": d.handleEndpointAvailability,
		"PROBE_RESULT":          d.handleProbeResult,
		"OUTAGE_DETECTED":       d.handleOutageDetected,
		"SERVICE_RECOVERY":      d.handleServiceRecovery,
		"DEPENDENCY_STATUS":     d.handleDependencyStatus,
	}
}

func (d *Deps) handleServiceHealthCheck(ctx context.Context, ev *event.Envelope) error {
	rec, err := decodeHealthCheck(ev)
	if err != nil {
		return err
	}
	cfg := d.Cfg.Availability

	var recovered bool
	d.observe(ctx, d.Stores.Services, rec.ServiceID, func(agg *store.Rolling) {
		switch rec.Status {
		case "DOWN", "DEGRADED":
			agg.RecordFailure()
		default:
			recovered = agg.RecordSuccess(rec.ResponseTime)
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		var out []evaluate.Decision

		out = append(out, evaluate.Streak(
			"SERVICE_OUTAGE",
			snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
			evaluate.Critical,
			fmt.Sprintf("Service %s is %s after %d consecutive failed health checks",
				rec.ServiceID, rec.Status, snap.ConsecutiveFails),
			tags(
				"service", rec.ServiceID,
				"status", rec.Status,
				"consecutiveFailures", strconv.Itoa(snap.ConsecutiveFails),
			)))

		if recovered {
			out = append(out, evaluate.Alert(
				"SERVICE_RECOVERED", evaluate.Info,
				fmt.Sprintf("Service %s recovered", rec.ServiceID),
				tags("service", rec.ServiceID)))
		}

		return out
	})

	d.Metrics.Record("availability.health_check", 1,
		tags("service", rec.ServiceID, "status", rec.Status))
	return nil
}

func (d *Deps) handleEndpointAvailability(ctx context.Context, ev *event.Envelope) error {
	endpointID, err := requireField(ev, "endpointId")
	if err != nil {
		return err
	}
	serviceID := ev.String("serviceId", "")
	status := ev.String("status", "UNKNOWN")
	statusCode := ev.Int("statusCode", 0)
	latency := ev.Float("latency", 0)
	cfg := d.Cfg.Availability

	d.observe(ctx, d.Stores.Endpoints, endpointID, func(agg *store.Rolling) {
		if statusCode >= 500 || status == "DOWN" {
			agg.RecordFailure()
		} else {
			agg.RecordSuccess(latency)
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if snap.ErrorRate <= cfg.EndpointErrorRate {
			return nil
		}
		return []evaluate.Decision{evaluate.Streak(
			"SERVICE_DEGRADED",
			snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
			evaluate.Medium,
			fmt.Sprintf("Endpoint %s degraded: error rate %.2f%%",
				endpointID, snap.ErrorRate*100),
			tags(
				"endpoint", endpointID,
				"service", serviceID,
				"errorRate", strconv.FormatFloat(snap.ErrorRate, 'f', 4, 64),
			))}
	})

	d.Metrics.Record("availability.endpoint", 1,
		tags("endpoint", endpointID, "service", serviceID, "status", status))
	return nil
}

func (d *Deps) handleProbeResult(ctx context.Context, ev *event.Envelope) error {
	targetService, err := requireField(ev, "targetService")
	if err != nil {
		return err
	}
	probeID := ev.String("probeId", "")
	probeType := ev.String("probeType", "http")
	success := ev.Bool("success", false)
	responseTime := ev.Float("responseTime", 0)
	errorMessage := ev.String("errorMessage", "")
	cfg := d.Cfg.Availability

	d.observe(ctx, d.Stores.Services, targetService, func(agg *store.Rolling) {
		if success {
			agg.RecordSuccess(responseTime)
		} else {
			agg.RecordFailure()
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if success {
			return nil
		}
		return []evaluate.Decision{evaluate.Streak(
			"PROBE_FAILURE",
			snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
			evaluate.High,
			fmt.Sprintf("Probe failed for service %s: %s", targetService, errorMessage),
			tags(
				"probeId", probeID,
				"service", targetService,
				"probeType", probeType,
				"error", errorMessage,
			))}
	})

	d.Metrics.Record("availability.probe", boolToFloat(success),
		tags("service", targetService, "type", probeType))
	return nil
}

func (d *Deps) handleOutageDetected(ctx context.Context, ev *event.Envelope) error {
	serviceID, err := requireField(ev, "serviceId")
	if err != nil {
		return err
	}
	reason := ev.String("reason", "")
	region := ev.String("region", "")

	// An explicit outage event bypasses the streak: the upstream detector
	// already applied its own hysteresis.
	d.observe(ctx, d.Stores.Services, serviceID, func(agg *store.Rolling) {
		agg.RecordFailure()
		agg.MarkDegraded()
	}, func(store.Snapshot) []evaluate.Decision {
		return []evaluate.Decision{evaluate.Alert(
			"SERVICE_OUTAGE", evaluate.Critical,
			fmt.Sprintf("Outage detected for service %s: %s", serviceID, reason),
			tags("service", serviceID, "reason", reason, "region", region))}
	})

	d.Metrics.Record("availability.outage", 1, tags("service", serviceID))
	return nil
}

func (d *Deps) handleServiceRecovery(ctx context.Context, ev *event.Envelope) error {
	serviceID, err := requireField(ev, "serviceId")
	if err != nil {
		return err
	}
	downtime := ev.Float("downtimeSeconds", 0)

	d.observe(ctx, d.Stores.Services, serviceID, func(agg *store.Rolling) {
		agg.RecordSuccess(0)
	}, func(store.Snapshot) []evaluate.Decision {
		return []evaluate.Decision{evaluate.Alert(
			"SERVICE_RECOVERED", evaluate.Info,
			fmt.Sprintf("Service %s recovered after %.0fs of downtime", serviceID, downtime),
			tags("service", serviceID,
				"downtimeSeconds", strconv.FormatFloat(downtime, 'f', 0, 64)))}
	})

	d.Metrics.Record("availability.recovery", 1, tags("service", serviceID))
	return nil
}

func (d *Deps) handleDependencyStatus(ctx context.Context, ev *event.Envelope) error {
	dependency, err := requireField(ev, "dependency")
	if err != nil {
		return err
	}
	status := ev.String("status", "UNKNOWN")
	latency := ev.Float("latency", 0)
	cfg := d.Cfg.Availability

	d.observe(ctx, d.Stores.Dependencies, dependency, func(agg *store.Rolling) {
		if status == "UP" || status == "HEALTHY" {
			agg.RecordSuccess(latency)
		} else {
			agg.RecordFailure()
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		return []evaluate.Decision{evaluate.Streak(
			"DEPENDENCY_ISSUE",
			snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
			evaluate.High,
			fmt.Sprintf("Dependency %s unhealthy (%s)", dependency, status),
			tags("dependency", dependency, "status", status))}
	})

	d.Metrics.Record("availability.dependency", 1,
		tags("dependency", dependency, "status", status))
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
