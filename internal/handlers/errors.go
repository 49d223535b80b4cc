package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/anietieakpan/waqitiapp-sub002/internal/dispatch"
	"github.com/anietieakpan/waqitiapp-sub002/internal/event"
	"github.com/anietieakpan/waqitiapp-sub002/internal/evaluate"
	"github.com/anietieakpan/waqitiapp-sub002/internal/store"
)

func (d *Deps) errorRoutes() map[string]dispatch.HandlerFunc {
	h := map[string]dispatch.HandlerFunc{}
	for _, t := range []string{
		"APPLICATION_ERROR",
		"SYSTEM_ERROR",
		"DATABASE_ERROR",
		"NETWORK_ERROR",
		"TIMEOUT_ERROR",
		"EXTERNAL_SERVICE_ERROR",
	} {
		h[t] = d.handleErrorEvent
	}
	return h
}

// handleErrorEvent serves all six error event types. The envelope type
// doubles as the error kind; the aggregate key is kind:service so a spike
// in one service does not mask another.
func (d *Deps) handleErrorEvent(ctx context.Context, ev *event.Envelope) error {
	service, err := requireField(ev, "serviceName")
	if err != nil {
		return err
	}
	errorCode := ev.String("errorCode", "")
	message := ev.String("message", "")
	severity := strings.ToUpper(ev.String("severity", "ERROR"))
	cfg := d.Cfg.Errors

	kind := ev.Type
	key := kind + ":" + service

	d.observe(ctx, d.Stores.ErrorsByKind, key, func(agg *store.Rolling) {
		// Errors carry no success signal, so the streak only survives
		// between events that land inside the spike window.
		agg.RecordFailureWindowed(cfg.SpikeWindow.D())
	}, func(snap store.Snapshot) []evaluate.Decision {
		var out []evaluate.Decision

		if severity == "CRITICAL" || severity == "FATAL" {
			out = append(out, evaluate.Alert(
				"CRITICAL_ERROR", evaluate.Critical,
				fmt.Sprintf("Critical %s in %s: %s", kind, service, message),
				tags(
					"service", service,
					"kind", kind,
					"errorCode", errorCode,
				)))
		}

		out = append(out, evaluate.Streak(
			"ERROR_SPIKE",
			snap.ConsecutiveFails, cfg.SpikeThreshold, snap.Degraded,
			evaluate.High,
			fmt.Sprintf("Error spike in %s: %d consecutive %s events",
				service, snap.ConsecutiveFails, kind),
			tags(
				"service", service,
				"kind", kind,
				"count", strconv.Itoa(snap.ConsecutiveFails),
			)))

		return out
	})

	d.Metrics.Record("errors.count", 1,
		tags("service", service, "kind", kind, "severity", severity))
	return nil
}
