package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anietieakpan/waqitiapp-sub002/internal/alert"
	"github.com/anietieakpan/waqitiapp-sub002/internal/config"
	"github.com/anietieakpan/waqitiapp-sub002/internal/dispatch"
	"github.com/anietieakpan/waqitiapp-sub002/internal/event"
	"github.com/anietieakpan/waqitiapp-sub002/internal/metrics"
	"github.com/anietieakpan/waqitiapp-sub002/internal/repo"
)

// captureSink records every alert handed to it.
type captureSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *captureSink) Send(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) ofType(alertType string) []alert.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alert.Alert
	for _, a := range c.alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

func newTestDeps(t *testing.T, mutate func(*config.Config)) (*Deps, *captureSink) {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	sink := &captureSink{}
	emitter := alert.NewEmitter(sink, alert.Disabled(), metrics.New(), alert.EmitterConfig{
		Source:        "test",
		RatePerSecond: 10000,
		Burst:         10000,
	})

	return &Deps{
		Stores:  NewStores(cfg),
		Alerts:  emitter,
		Metrics: metrics.New(),
		Repo:    repo.Noop{},
		Cfg:     cfg,
	}, sink
}

func envelope(t *testing.T, format string, args ...interface{}) *event.Envelope {
	t.Helper()
	ev, err := event.Decode([]byte(fmt.Sprintf(format, args...)))
	require.NoError(t, err)
	return ev
}

func TestAPIResponse_ErrorStreakAlertsExactlyOnce(t *testing.T) {
	d, sink := newTestDeps(t, nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		ev := envelope(t, `{
			"eventType": "API_RESPONSE",
			"eventId": "evt-%d",
			"endpoint": "/api/v1/payments",
			"method": "POST",
			"statusCode": 500,
			"responseTime": 45
		}`, i)
		require.NoError(t, d.handleAPIResponse(ctx, ev))
	}

	fired := sink.ofType("HIGH_API_ERROR_RATE")
	require.Len(t, fired, 1)
	assert.Equal(t, "High", fired[0].Severity)
	assert.Equal(t, "/api/v1/payments", fired[0].Context["endpoint"])
}

func TestAPIResponse_StreakResetsAfterRecovery(t *testing.T) {
	d, sink := newTestDeps(t, nil)
	ctx := context.Background()

	send := func(status int, n int) {
		for i := 0; i < n; i++ {
			ev := envelope(t, `{
				"eventType": "API_RESPONSE",
				"eventId": "evt-%d-%d",
				"endpoint": "/api/v1/transfers",
				"statusCode": %d,
				"responseTime": 40
			}`, status, i, status)
			require.NoError(t, d.handleAPIResponse(ctx, ev))
		}
	}

	send(500, 5)
	send(200, 1)
	send(500, 5)

	assert.Len(t, sink.ofType("HIGH_API_ERROR_RATE"), 2)
}

func TestAPIResponse_SlowSuccessAlerts(t *testing.T) {
	d, sink := newTestDeps(t, nil)

	ev := envelope(t, `{
		"eventType": "API_RESPONSE",
		"eventId": "evt-1",
		"endpoint": "/api/v1/accounts",
		"statusCode": 200,
		"responseTime": 1500
	}`)
	require.NoError(t, d.handleAPIResponse(context.Background(), ev))

	fired := sink.ofType("SLOW_API_RESPONSE")
	require.Len(t, fired, 1)
	assert.Equal(t, "Medium", fired[0].Severity)
}

func TestQuotaUpdate_WarningNotExceeded(t *testing.T) {
	d, sink := newTestDeps(t, nil)

	ev := envelope(t, `{
		"eventType": "QUOTA_UPDATE",
		"eventId": "evt-1",
		"clientId": "client-42",
		"quotaType": "requests",
		"used": 950,
		"limit": 1000,
		"exceeded": false
	}`)
	require.NoError(t, d.handleQuotaUpdate(context.Background(), ev))

	require.Len(t, sink.ofType("QUOTA_WARNING"), 1)
	assert.Empty(t, sink.ofType("QUOTA_EXCEEDED"))
	assert.Equal(t, "95.0", sink.ofType("QUOTA_WARNING")[0].Context["usagePercentage"])
}

func TestQuotaUpdate_Exceeded(t *testing.T) {
	d, sink := newTestDeps(t, nil)

	ev := envelope(t, `{
		"eventType": "QUOTA_UPDATE",
		"eventId": "evt-1",
		"clientId": "client-42",
		"used": 1200,
		"limit": 1000,
		"exceeded": true
	}`)
	require.NoError(t, d.handleQuotaUpdate(context.Background(), ev))

	fired := sink.ofType("QUOTA_EXCEEDED")
	require.Len(t, fired, 1)
	assert.Equal(t, "Critical", fired[0].Severity)
	assert.Empty(t, sink.ofType("QUOTA_WARNING"))
}

func TestConnectionPool_HighUsageAlertsOnceWithActiveCount(t *testing.T) {
	d, sink := newTestDeps(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := envelope(t, `{
			"eventType": "CONNECTION_POOL_STATUS",
			"eventId": "evt-%d",
			"poolName": "payments-primary",
			"activeConnections": 96,
			"idleConnections": 4,
			"maxConnections": 100,
			"waitingThreads": 12
		}`, i)
		require.NoError(t, d.handleConnectionPoolStatus(ctx, ev))
	}

	fired := sink.ofType("CONNECTION_POOL_HIGH_USAGE")
	require.Len(t, fired, 1)
	assert.Equal(t, "96", fired[0].Context["active"])
	assert.Equal(t, "High", fired[0].Severity)
}

func TestServiceHealthCheck_OutageAndRecovery(t *testing.T) {
	d, sink := newTestDeps(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ev := envelope(t, `{
			"eventType": "SERVICE_HEALTH_CHECK",
			"eventId": "evt-%d",
			"serviceId": "wallet-service",
			"status": "DOWN"
		}`, i)
		require.NoError(t, d.handleServiceHealthCheck(ctx, ev))
	}

	require.Len(t, sink.ofType("SERVICE_OUTAGE"), 1)

	up := envelope(t, `{
		"eventType": "SERVICE_HEALTH_CHECK",
		"eventId": "evt-up",
		"serviceId": "wallet-service",
		"status": "UP",
		"responseTime": 30
	}`)
	require.NoError(t, d.handleServiceHealthCheck(ctx, up))

	recovered := sink.ofType("SERVICE_RECOVERED")
	require.Len(t, recovered, 1)
	assert.Equal(t, "Info", recovered[0].Severity)
}

func TestServiceHealthCheck_ConcurrentCrossingAlertsOnce(t *testing.T) {
	d, sink := newTestDeps(t, nil)
	ctx := context.Background()

	// Prime the streak to one short of the limit, then let several
	// goroutines deliver the crossing event together. Only one of them
	// may claim the outage alert.
	for i := 0; i < d.Cfg.Availability.ConsecutiveFailLimit-1; i++ {
		ev := envelope(t, `{
			"eventType": "SERVICE_HEALTH_CHECK",
			"eventId": "prime-%d",
			"serviceId": "wallet-service",
			"status": "DOWN"
		}`, i)
		require.NoError(t, d.handleServiceHealthCheck(ctx, ev))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ev := envelope(t, `{
				"eventType": "SERVICE_HEALTH_CHECK",
				"eventId": "race-%d",
				"serviceId": "wallet-service",
				"status": "DOWN"
			}`, n)
			assert.NoError(t, d.handleServiceHealthCheck(ctx, ev))
		}(i)
	}
	wg.Wait()

	require.Len(t, sink.ofType("SERVICE_OUTAGE"), 1)
}

func TestQueryExecution_SlowQuerySeverityScalesWithOvershoot(t *testing.T) {
	d, sink := newTestDeps(t, nil)
	ctx := context.Background()

	slightly := envelope(t, `{
		"eventType": "QUERY_EXECUTION",
		"eventId": "evt-1",
		"database": "ledger",
		"queryType": "SELECT",
		"executionTimeMs": 1500,
		"success": true
	}`)
	require.NoError(t, d.handleQueryExecution(ctx, slightly))

	grossly := envelope(t, `{
		"eventType": "QUERY_EXECUTION",
		"eventId": "evt-2",
		"database": "ledger",
		"queryType": "SELECT",
		"executionTimeMs": 9000,
		"success": true
	}`)
	require.NoError(t, d.handleQueryExecution(ctx, grossly))

	fired := sink.ofType("SLOW_QUERY_DETECTED")
	require.Len(t, fired, 2)
	assert.Equal(t, "Medium", fired[0].Severity)
	assert.Equal(t, "High", fired[1].Severity)
}

func TestDeadlock_AlwaysCritical(t *testing.T) {
	d, sink := newTestDeps(t, nil)

	ev := envelope(t, `{
		"eventType": "DEADLOCK_DETECTION",
		"eventId": "evt-1",
		"database": "ledger",
		"tables": ["accounts", "transactions"],
		"victimQuery": "UPDATE accounts SET ..."
	}`)
	require.NoError(t, d.handleDeadlockDetection(context.Background(), ev))

	fired := sink.ofType("DEADLOCK_DETECTED")
	require.Len(t, fired, 1)
	assert.Equal(t, "Critical", fired[0].Severity)
	assert.Equal(t, "2", fired[0].Context["tableCount"])
}

func TestErrorEvent_CriticalSeverityAlertsImmediately(t *testing.T) {
	d, sink := newTestDeps(t, nil)

	ev := envelope(t, `{
		"eventType": "SYSTEM_ERROR",
		"eventId": "evt-1",
		"serviceName": "wallet-service",
		"errorCode": "OOM",
		"message": "out of memory",
		"severity": "CRITICAL"
	}`)
	require.NoError(t, d.handleErrorEvent(context.Background(), ev))

	require.Len(t, sink.ofType("CRITICAL_ERROR"), 1)
}

func TestErrorEvent_SpikeFiresOnceAtThreshold(t *testing.T) {
	d, sink := newTestDeps(t, func(cfg *config.Config) {
		cfg.Errors.SpikeThreshold = 3
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		ev := envelope(t, `{
			"eventType": "APPLICATION_ERROR",
			"eventId": "evt-%d",
			"serviceName": "fx-service",
			"errorCode": "E100",
			"severity": "ERROR"
		}`, i)
		require.NoError(t, d.handleErrorEvent(ctx, ev))
	}

	assert.Len(t, sink.ofType("ERROR_SPIKE"), 1)
}

func TestIncidentResolved_SLABreach(t *testing.T) {
	d, sink := newTestDeps(t, nil)

	ev := envelope(t, `{
		"eventType": "INCIDENT_RESOLVED",
		"eventId": "evt-1",
		"incidentId": "INC-100",
		"service": "wallet-service",
		"severity": "CRITICAL",
		"resolutionTimeMinutes": 120
	}`)
	require.NoError(t, d.handleIncidentResolved(context.Background(), ev))

	// Critical SLA is 60 minutes.
	fired := sink.ofType("SLA_BREACH_DETECTED")
	require.Len(t, fired, 1)
	assert.Equal(t, "Critical", fired[0].Severity)
}

func TestIncidentResolved_WithinSLAIsQuiet(t *testing.T) {
	d, sink := newTestDeps(t, nil)

	ev := envelope(t, `{
		"eventType": "INCIDENT_RESOLVED",
		"eventId": "evt-1",
		"incidentId": "INC-101",
		"service": "wallet-service",
		"severity": "CRITICAL",
		"resolutionTimeMinutes": 45
	}`)
	require.NoError(t, d.handleIncidentResolved(context.Background(), ev))

	assert.Empty(t, sink.ofType("SLA_BREACH_DETECTED"))
}

func TestQueueDepth_StreakAlert(t *testing.T) {
	d, sink := newTestDeps(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ev := envelope(t, `{
			"eventType": "QUEUE_DEPTH",
			"eventId": "evt-%d",
			"queueName": "payment-events",
			"depth": 150000
		}`, i)
		require.NoError(t, d.handleQueueDepth(ctx, ev))
	}

	fired := sink.ofType("HIGH_QUEUE_DEPTH")
	require.Len(t, fired, 1)
	assert.Equal(t, "150000", fired[0].Context["depth"])
}

func TestMissingRequiredFieldIsValidationError(t *testing.T) {
	d, _ := newTestDeps(t, nil)

	ev := envelope(t, `{"eventType":"API_RESPONSE","eventId":"evt-1"}`)
	err := d.handleAPIResponse(context.Background(), ev)
	require.Error(t, err)

	var verr *dispatch.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRoutes_CoverAllFamilies(t *testing.T) {
	d, _ := newTestDeps(t, nil)
	routes := Routes(d)

	for _, eventType := range []string{
		"API_RESPONSE", "QUOTA_UPDATE",
		"SERVICE_HEALTH_CHECK", "DEPENDENCY_STATUS",
		"QUERY_EXECUTION", "CONNECTION_POOL_STATUS",
		"APPLICATION_ERROR", "TIMEOUT_ERROR",
		"INCIDENT_CREATED", "SLA_BREACH",
		"QUEUE_DEPTH", "CONSUMER_GROUP_REBALANCE",
	} {
		assert.Contains(t, routes, eventType)
	}
}

func TestSeededEntitiesExistBeforeFirstEvent(t *testing.T) {
	d, _ := newTestDeps(t, func(cfg *config.Config) {
		cfg.Seeds.Services = []string{"wallet-service", "fx-service"}
	})

	_, ok := d.Stores.Services.Get("wallet-service")
	assert.True(t, ok)
	_, ok = d.Stores.Services.Get("fx-service")
	assert.True(t, ok)
}
