package repo

import (
	"context"
	"encoding/json"
	"time"
)

// Incident is the persisted record for incident-management events.
type Incident struct {
	ID          string
	Service     string
	Severity    string
	Status      string
	Title       string
	CreatedAt   time.Time
	ResolvedAt  time.Time
	Escalations int
}

// Report is a periodic aggregate summary persisted by the report job.
type Report struct {
	ID          string
	Family      string
	Entity      string
	Payload     json.RawMessage
	GeneratedAt time.Time
}

// Store is the persistence collaborator. Implementations are opaque
// save/find-by-time-range stores; the aggregation engine never depends on
// their internals.
type Store interface {
	SaveIncident(ctx context.Context, inc *Incident) error
	FindIncidents(ctx context.Context, start, end time.Time) ([]Incident, error)
	SaveReport(ctx context.Context, rep *Report) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Noop is the store used when persistence is disabled. All operations
// succeed and find returns nothing.
type Noop struct{}

func (Noop) SaveIncident(context.Context, *Incident) error { return nil }

func (Noop) FindIncidents(context.Context, time.Time, time.Time) ([]Incident, error) {
	return nil, nil
}

func (Noop) SaveReport(context.Context, *Report) error { return nil }

func (Noop) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (Noop) Close() error { return nil }
