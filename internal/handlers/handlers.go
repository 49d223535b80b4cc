package handlers

import (
	"context"

	"github.com/anietieakpan/waqitiapp-sub002/internal/alert"
	"github.com/anietieakpan/waqitiapp-sub002/internal/config"
	"github.com/anietieakpan/waqitiapp-sub002/internal/dispatch"
	"github.com/anietieakpan/waqitiapp-sub002/internal/event"
	"github.com/anietieakpan/waqitiapp-sub002/internal/evaluate"
	"github.com/anietieakpan/waqitiapp-sub002/internal/metrics"
	"github.com/anietieakpan/waqitiapp-sub002/internal/repo"
	"github.com/anietieakpan/waqitiapp-sub002/internal/store"
)

// Stores holds one keyed aggregate store per metric family. Each store is
// touched only by its family's handlers and the sweep jobs.
type Stores struct {
	Endpoints    *store.Store // api: endpoint+method
	Clients      *store.Store // api: clientId
	Quotas       *store.Store // api: clientId quota usage
	Services     *store.Store // availability: serviceId
	Dependencies *store.Store // availability: dependency name
	Databases    *store.Store // database: database or database+table
	Pools        *store.Store // database: connection pool name
	ErrorsByKind *store.Store // errors: service+errorType
	Incidents    *store.Store // incident: serviceId
	Queues       *store.Store // queue: topic/queue name
	Consumers    *store.Store // queue: consumer group
	Brokers      *store.Store // queue: broker id
}

// NewStores creates the family stores and seeds the configured known
// entities so scheduled sweeps cover them before their first event.
func NewStores(cfg *config.Config) *Stores {
	s := &Stores{
		Endpoints:    store.New("api_endpoints", cfg.API.BufferSize),
		Clients:      store.New("api_clients", cfg.API.BufferSize),
		Quotas:       store.New("api_quotas", cfg.API.BufferSize),
		Services:     store.New("availability_services", cfg.Availability.BufferSize),
		Dependencies: store.New("availability_dependencies", cfg.Availability.BufferSize),
		Databases:    store.New("database_targets", cfg.Database.BufferSize),
		Pools:        store.New("database_pools", cfg.Database.BufferSize),
		ErrorsByKind: store.New("error_kinds", cfg.Errors.BufferSize),
		Incidents:    store.New("incident_services", cfg.Incidents.BufferSize),
		Queues:       store.New("queue_topics", cfg.Queue.BufferSize),
		Consumers:    store.New("queue_consumers", cfg.Queue.BufferSize),
		Brokers:      store.New("queue_brokers", cfg.Queue.BufferSize),
	}

	for _, svc := range cfg.Seeds.Services {
		s.Services.GetOrCreate(svc)
	}
	for _, ep := range cfg.Seeds.Endpoints {
		s.Endpoints.GetOrCreate(ep)
	}
	for _, db := range cfg.Seeds.Databases {
		s.Databases.GetOrCreate(db)
	}

	return s
}

// All returns every family store, for sweep jobs.
func (s *Stores) All() []*store.Store {
	return []*store.Store{
		s.Endpoints, s.Clients, s.Quotas,
		s.Services, s.Dependencies,
		s.Databases, s.Pools,
		s.ErrorsByKind,
		s.Incidents,
		s.Queues, s.Consumers, s.Brokers,
	}
}

// Deps wires the handler set to its collaborators. Stores, emitter and
// config are constructor-injected; nothing here is global state.
type Deps struct {
	Stores  *Stores
	Alerts  *alert.Emitter
	Metrics metrics.Sink
	Repo    repo.Store
	Cfg     *config.Config
}

// Routes builds the full event-type routing table across all six
// families.
func Routes(d *Deps) map[string]dispatch.HandlerFunc {
	routes := make(map[string]dispatch.HandlerFunc)
	for _, family := range []map[string]dispatch.HandlerFunc{
		d.apiRoutes(),
		d.availabilityRoutes(),
		d.databaseRoutes(),
		d.errorRoutes(),
		d.incidentRoutes(),
		d.queueRoutes(),
	} {
		for t, h := range family {
			routes[t] = h
		}
	}
	return routes
}

// observe is the shared handler template: mutate the key's aggregate,
// snapshot it, evaluate, emit. Every family handler reduces to this flow
// with its own key extractor, updater and decision function.
func (d *Deps) observe(ctx context.Context, s *store.Store, key string,
	update func(*store.Rolling), decide func(store.Snapshot) []evaluate.Decision) {

	agg := s.GetOrCreate(key)
	update(agg)
	snap := agg.Snapshot()

	for _, decision := range decide(snap) {
		if !decision.ShouldAlert {
			continue
		}
		// MarkDegraded decides the winner when two updates for the same
		// key race past the threshold together.
		if decision.Hysteresis && !agg.MarkDegraded() {
			continue
		}
		d.Alerts.Emit(ctx, decision, key)
	}
}

// tags builds an alert context map, skipping empty values.
func tags(pairs ...string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			m[pairs[i]] = pairs[i+1]
		}
	}
	return m
}

// noDecisions is the decide function for pure bookkeeping updates.
func noDecisions(store.Snapshot) []evaluate.Decision { return nil }

// requireField returns a non-retryable validation error when a mandatory
// payload field is empty.
func requireField(ev *event.Envelope, field string) (string, error) {
	v := ev.String(field, "")
	if v == "" {
		return "", &dispatch.ValidationError{Field: field, Reason: "missing"}
	}
	return v, nil
}
