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

// apiResponse is the decoded API_RESPONSE record.
type apiResponse struct {
	Endpoint     string
	Method       string
	ClientID     string
	StatusCode   int64
	ResponseTime float64
	ResponseSize int64
	Cached       bool
}

func decodeAPIResponse(ev *event.Envelope) (apiResponse, error) {
	endpoint, err := requireField(ev, "endpoint")
	if err != nil {
		return apiResponse{}, err
	}
	return apiResponse{
		Endpoint:     endpoint,
		Method:       ev.String("method", "GET"),
		ClientID:     ev.String("clientId", ""),
		StatusCode:   ev.Int("statusCode", 0),
		ResponseTime: ev.Float("responseTime", 0),
		ResponseSize: ev.Int("responseSize", 0),
		Cached:       ev.Bool("cached", false),
	}, nil
}

func (d *Deps) apiRoutes() map[string]dispatch.HandlerFunc {
	return map[string]dispatch.HandlerFunc{
		"API_REQUEST":      d.handleAPIRequest,
		"API_RESPONSE":     d.handleAPIResponse,
		"RATE_LIMIT_CHECK": d.handleRateLimitCheck,
		"QUOTA_UPDATE":     d.handleQuotaUpdate,
		"THROTTLE_EVENT":   d.handleThrottleEvent,
		"CLIENT_USAGE":     d.handleClientUsage,
		"ERROR_TRACKING":   d.handleAPIErrorTracking,
	}
}

func (d *Deps) handleAPIRequest(ctx context.Context, ev *event.Envelope) error {
	endpoint, err := requireField(ev, "endpoint")
	if err != nil {
		return err
	}
	method := ev.String("method", "GET")
	clientID := ev.String("clientId", "")
	payloadSize := ev.Int("payloadSize", 0)

	key := endpoint + "_" + method
	d.observe(ctx, d.Stores.Endpoints, key, func(agg *store.Rolling) {
		agg.AddBytes(uint64(payloadSize))
	}, noDecisions)

	if clientID != "" {
		d.observe(ctx, d.Stores.Clients, clientID, func(agg *store.Rolling) {
			agg.Touch()
		}, noDecisions)
	}

	d.Metrics.Record("api.request", 1,
		tags("endpoint", endpoint, "method", method, "client", clientID))
	return nil
}

func (d *Deps) handleAPIResponse(ctx context.Context, ev *event.Envelope) error {
	rec, err := decodeAPIResponse(ev)
	if err != nil {
		return err
	}
	cfg := d.Cfg.API

	key := rec.Endpoint + "_" + rec.Method
	d.observe(ctx, d.Stores.Endpoints, key, func(agg *store.Rolling) {
		if rec.StatusCode >= 400 {
			agg.RecordFailure()
		} else {
			agg.RecordSuccess(rec.ResponseTime)
		}
		agg.AddBytes(uint64(rec.ResponseSize))
	}, func(snap store.Snapshot) []evaluate.Decision {
		var out []evaluate.Decision

		if snap.ErrorRate > cfg.ErrorRateThreshold {
			out = append(out, evaluate.Streak(
				"HIGH_API_ERROR_RATE",
				snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
				evaluate.High,
				fmt.Sprintf("High error rate for endpoint %s: %.2f%%",
					rec.Endpoint, snap.ErrorRate*100),
				tags(
					"endpoint", rec.Endpoint,
					"method", rec.Method,
					"errorRate", strconv.FormatFloat(snap.ErrorRate, 'f', 4, 64),
					"statusCode", strconv.FormatInt(rec.StatusCode, 10),
				)))
		}

		if rec.StatusCode < 400 && rec.ResponseTime > cfg.LatencyThresholdMs {
			out = append(out, evaluate.Alert(
				"SLOW_API_RESPONSE", evaluate.Medium,
				fmt.Sprintf("Slow API response for %s %s: %.0fms",
					rec.Method, rec.Endpoint, rec.ResponseTime),
				tags(
					"endpoint", rec.Endpoint,
					"method", rec.Method,
					"responseTime", strconv.FormatFloat(rec.ResponseTime, 'f', 0, 64),
					"client", rec.ClientID,
				)))
		}

		return out
	})

	d.Metrics.Record("api.response_time", rec.ResponseTime,
		tags("endpoint", rec.Endpoint, "method", rec.Method,
			"status", strconv.FormatInt(rec.StatusCode, 10)))
	return nil
}

func (d *Deps) handleRateLimitCheck(ctx context.Context, ev *event.Envelope) error {
	clientID, err := requireField(ev, "clientId")
	if err != nil {
		return err
	}
	endpoint := ev.String("endpoint", "")
	requestCount := ev.Float("requestCount", 0)
	limitValue := ev.Float("limitValue", 0)
	exceeded := ev.Bool("exceeded", false)

	d.observe(ctx, d.Stores.Clients, clientID, func(agg *store.Rolling) {
		if limitValue > 0 {
			agg.Set("rate_limit_utilization", requestCount/limitValue*100)
		}
		if exceeded {
			agg.RecordFailure()
		} else {
			agg.RecordSuccess(requestCount)
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if !exceeded {
			return nil
		}
		return []evaluate.Decision{evaluate.Alert(
			"RATE_LIMIT_EXCEEDED", evaluate.High,
			fmt.Sprintf("Rate limit exceeded for client %s on %s", clientID, endpoint),
			tags(
				"clientId", clientID,
				"endpoint", endpoint,
				"requestCount", strconv.FormatFloat(requestCount, 'f', 0, 64),
				"limit", strconv.FormatFloat(limitValue, 'f', 0, 64),
			))}
	})

	if limitValue > 0 {
		d.Metrics.Record("api.rate_limit.utilization", requestCount/limitValue*100,
			tags("client", clientID, "endpoint", endpoint))
	}
	return nil
}

func (d *Deps) handleQuotaUpdate(ctx context.Context, ev *event.Envelope) error {
	clientID, err := requireField(ev, "clientId")
	if err != nil {
		return err
	}
	quotaType := ev.String("quotaType", "requests")
	used := ev.Float("used", 0)
	limit := ev.Float("limit", 0)
	exceeded := ev.Bool("exceeded", false)
	tier := ev.String("tier", "")

	var usagePct float64
	if limit > 0 {
		usagePct = used / limit * 100
	}
	cfg := d.Cfg.API

	d.observe(ctx, d.Stores.Quotas, clientID, func(agg *store.Rolling) {
		agg.Observe(usagePct)
		agg.Set("quota_usage_pct", usagePct)
	}, func(store.Snapshot) []evaluate.Decision {
		if exceeded {
			return []evaluate.Decision{evaluate.Alert(
				"QUOTA_EXCEEDED", evaluate.Critical,
				fmt.Sprintf("Quota exceeded for client %s: %s", clientID, quotaType),
				tags(
					"clientId", clientID,
					"quotaType", quotaType,
					"used", strconv.FormatFloat(used, 'f', 0, 64),
					"limit", strconv.FormatFloat(limit, 'f', 0, 64),
					"tier", tier,
				))}
		}
		if usagePct > cfg.QuotaWarningPercent {
			return []evaluate.Decision{evaluate.Alert(
				"QUOTA_WARNING", evaluate.Medium,
				fmt.Sprintf("Client %s approaching quota limit: %.1f%% used",
					clientID, usagePct),
				tags(
					"clientId", clientID,
					"quotaType", quotaType,
					"usagePercentage", strconv.FormatFloat(usagePct, 'f', 1, 64),
					"remaining", strconv.FormatFloat(limit-used, 'f', 0, 64),
				))}
		}
		return nil
	})

	d.Metrics.Record("api.quota.usage", usagePct,
		tags("client", clientID, "type", quotaType, "tier", tier))
	return nil
}

func (d *Deps) handleThrottleEvent(ctx context.Context, ev *event.Envelope) error {
	clientID, err := requireField(ev, "clientId")
	if err != nil {
		return err
	}
	endpoint := ev.String("endpoint", "")

	d.observe(ctx, d.Stores.Clients, clientID, func(agg *store.Rolling) {
		agg.RecordFailure()
		agg.Set("throttled", 1)
	}, noDecisions)

	d.Metrics.Record("api.requests.throttled", 1,
		tags("client", clientID, "endpoint", endpoint))
	return nil
}

func (d *Deps) handleClientUsage(ctx context.Context, ev *event.Envelope) error {
	clientID, err := requireField(ev, "clientId")
	if err != nil {
		return err
	}
	clientType := ev.String("clientType", "")
	platform := ev.String("platform", "")

	d.observe(ctx, d.Stores.Clients, clientID, func(agg *store.Rolling) {
		agg.Touch()
	}, noDecisions)

	d.Metrics.Record("api.client.active", 1,
		tags("client", clientID, "type", clientType, "platform", platform))
	return nil
}

// handleAPIErrorTracking feeds endpoint-reported errors through the same
// error-rate evaluation as API_RESPONSE.
func (d *Deps) handleAPIErrorTracking(ctx context.Context, ev *event.Envelope) error {
	endpoint, err := requireField(ev, "endpoint")
	if err != nil {
		return err
	}
	errorCode := ev.String("errorCode", "")
	category := ev.String("category", "")
	occurrences := ev.Int("occurrences", 1)
	cfg := d.Cfg.API

	key := endpoint + "_" + ev.String("method", "GET")
	d.observe(ctx, d.Stores.Endpoints, key, func(agg *store.Rolling) {
		for i := int64(0); i < occurrences; i++ {
			agg.RecordFailure()
		}
	}, func(snap store.Snapshot) []evaluate.Decision {
		if snap.ErrorRate <= cfg.ErrorRateThreshold {
			return nil
		}
		return []evaluate.Decision{evaluate.Streak(
			"HIGH_API_ERROR_RATE",
			snap.ConsecutiveFails, cfg.ConsecutiveFailLimit, snap.Degraded,
			evaluate.High,
			fmt.Sprintf("High error rate for endpoint %s: %.2f%%",
				endpoint, snap.ErrorRate*100),
			tags(
				"endpoint", endpoint,
				"errorRate", strconv.FormatFloat(snap.ErrorRate, 'f', 4, 64),
				"recentError", errorCode,
			))}
	})

	d.Metrics.Record("api.errors", float64(occurrences),
		tags("endpoint", endpoint, "code", errorCode, "category", category))
	return nil
}
