package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/anietieakpan/waqitiapp-sub002/internal/dispatch"
	"github.com/anietieakpan/waqitiapp-sub002/internal/event"
	"github.com/anietieakpan/waqitiapp-sub002/internal/evaluate"
	"github.com/anietieakpan/waqitiapp-sub002/internal/repo"
	"github.com/anietieakpan/waqitiapp-sub002/internal/store"
)

func (d *Deps) incidentRoutes() map[string]dispatch.HandlerFunc {
	return map[string]dispatch.HandlerFunc{
		"INCIDENT_CREATED":   d.handleIncidentCreated,
		"INCIDENT_UPDATED":   d.handleIncidentUpdated,
		"INCIDENT_RESOLVED":  d.handleIncidentResolved,
		"INCIDENT_ESCALATED": d.handleIncidentEscalated,
		"SLA_BREACH":         d.handleSLABreach,
	}
}

// slaMinutes maps an incident severity to its resolution SLA.
func (d *Deps) slaMinutes(severity string) float64 {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return d.Cfg.Incidents.SLACriticalMinutes
	case "HIGH":
		return d.Cfg.Incidents.SLAHighMinutes
	default:
		return d.Cfg.Incidents.SLAMediumMinutes
	}
}

func (d *Deps) saveIncident(ctx context.Context, inc *repo.Incident) {
	if err := d.Repo.SaveIncident(ctx, inc); err != nil {
		// Persistence is best effort; the alerting path must not stall
		// behind a slow or absent store.
		log.WithError(err).WithField("incidentId", inc.ID).Warn("Failed to persist incident")
	}
}

func (d *Deps) handleIncidentCreated(ctx context.Context, ev *event.Envelope) error {
	incidentID, err := requireField(ev, "incidentId")
	if err != nil {
		return err
	}
	service := ev.String("service", "")
	severity := strings.ToUpper(ev.String("severity", "MEDIUM"))
	title := ev.String("title", "")

	d.saveIncident(ctx, &repo.Incident{
		ID:        incidentID,
		Service:   service,
		Severity:  severity,
		Status:    "OPEN",
		Title:     title,
		CreatedAt: ev.Timestamp,
	})

	d.observe(ctx, d.Stores.Incidents, incidentID, func(agg *store.Rolling) {
		agg.RecordFailure()
		agg.Set("createdAt", float64(ev.Timestamp.UnixMilli()))
		agg.Set("slaMinutes", d.slaMinutes(severity))
	}, noDecisions)

	d.Metrics.Record("incidents.created", 1,
		tags("service", service, "severity", severity))
	return nil
}

func (d *Deps) handleIncidentUpdated(ctx context.Context, ev *event.Envelope) error {
	incidentID, err := requireField(ev, "incidentId")
	if err != nil {
		return err
	}
	service := ev.String("service", "")
	status := strings.ToUpper(ev.String("status", ""))
	severity := strings.ToUpper(ev.String("severity", "MEDIUM"))

	d.observe(ctx, d.Stores.Incidents, incidentID, func(agg *store.Rolling) {
		agg.Touch()
	}, func(store.Snapshot) []evaluate.Decision {
		if status != "REOPENED" {
			return nil
		}
		return []evaluate.Decision{evaluate.Alert(
			"INCIDENT_REOPENED", evaluate.High,
			fmt.Sprintf("Incident %s for %s was reopened", incidentID, service),
			tags("incidentId", incidentID, "service", service, "severity", severity))}
	})

	d.saveIncident(ctx, &repo.Incident{
		ID:       incidentID,
		Service:  service,
		Severity: severity,
		Status:   status,
	})

	d.Metrics.Record("incidents.updated", 1, tags("service", service, "status", status))
	return nil
}

func (d *Deps) handleIncidentResolved(ctx context.Context, ev *event.Envelope) error {
	incidentID, err := requireField(ev, "incidentId")
	if err != nil {
		return err
	}
	service := ev.String("service", "")
	severity := strings.ToUpper(ev.String("severity", "MEDIUM"))
	resolutionMin := ev.Float("resolutionTimeMinutes", 0)
	sla := d.slaMinutes(severity)

	d.observe(ctx, d.Stores.Incidents, incidentID, func(agg *store.Rolling) {
		agg.RecordSuccess(resolutionMin)
	}, func(store.Snapshot) []evaluate.Decision {
		if resolutionMin <= sla {
			return nil
		}
		return []evaluate.Decision{evaluate.Alert(
			"SLA_BREACH_DETECTED", evaluate.Critical,
			fmt.Sprintf("Incident %s resolved in %.0fm, past the %.0fm SLA for %s",
				incidentID, resolutionMin, sla, severity),
			tags(
				"incidentId", incidentID,
				"service", service,
				"severity", severity,
				"resolutionMinutes", strconv.FormatFloat(resolutionMin, 'f', 0, 64),
			))}
	})

	d.saveIncident(ctx, &repo.Incident{
		ID:         incidentID,
		Service:    service,
		Severity:   severity,
		Status:     "RESOLVED",
		ResolvedAt: time.Now(),
	})

	d.Metrics.Record("incidents.resolution_minutes", resolutionMin,
		tags("service", service, "severity", severity))
	return nil
}

func (d *Deps) handleIncidentEscalated(ctx context.Context, ev *event.Envelope) error {
	incidentID, err := requireField(ev, "incidentId")
	if err != nil {
		return err
	}
	service := ev.String("service", "")
	level := int(ev.Int("escalationLevel", 1))
	reason := ev.String("reason", "")
	cfg := d.Cfg.Incidents

	d.observe(ctx, d.Stores.Incidents, incidentID, func(agg *store.Rolling) {
		agg.RecordFailure()
		agg.Set("escalationLevel", float64(level))
	}, func(store.Snapshot) []evaluate.Decision {
		sev := evaluate.High
		if level >= cfg.EscalationLimit {
			sev = evaluate.Critical
		}
		return []evaluate.Decision{evaluate.Alert(
			"INCIDENT_ESCALATED", sev,
			fmt.Sprintf("Incident %s escalated to level %d: %s", incidentID, level, reason),
			tags(
				"incidentId", incidentID,
				"service", service,
				"escalationLevel", strconv.Itoa(level),
			))}
	})

	d.Metrics.Record("incidents.escalations", 1, tags("service", service))
	return nil
}

func (d *Deps) handleSLABreach(ctx context.Context, ev *event.Envelope) error {
	incidentID, err := requireField(ev, "incidentId")
	if err != nil {
		return err
	}
	service := ev.String("service", "")
	severity := strings.ToUpper(ev.String("severity", "MEDIUM"))
	overdueMin := ev.Float("overdueMinutes", 0)

	d.observe(ctx, d.Stores.Incidents, incidentID, func(agg *store.Rolling) {
		agg.RecordFailure()
	}, func(store.Snapshot) []evaluate.Decision {
		return []evaluate.Decision{evaluate.Alert(
			"SLA_BREACH_DETECTED", evaluate.Critical,
			fmt.Sprintf("SLA breached for incident %s (%s): %.0fm overdue",
				incidentID, severity, overdueMin),
			tags(
				"incidentId", incidentID,
				"service", service,
				"severity", severity,
				"overdueMinutes", strconv.FormatFloat(overdueMin, 'f', 0, 64),
			))}
	})

	d.Metrics.Record("incidents.sla_breaches", 1,
		tags("service", service, "severity", severity))
	return nil
}
