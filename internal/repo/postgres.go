package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// Postgres implements Store on a PostgreSQL connection pool.
type Postgres struct {
	db *sql.DB
}

// Config for the database connection pool.
type Config struct {
	DSN            string
	MaxConnections int
	MaxIdleConns   int
	ConnMaxLife    time.Duration
}

// NewPostgres opens the pool and ensures the schema exists.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLife)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("Monitoring repository connected to PostgreSQL")
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS monitoring_incidents (
	id           TEXT PRIMARY KEY,
	service      TEXT NOT NULL,
	severity     TEXT NOT NULL,
	status       TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	resolved_at  TIMESTAMPTZ,
	escalations  INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS monitoring_incidents_created_idx
	ON monitoring_incidents (created_at);

CREATE TABLE IF NOT EXISTS monitoring_reports (
	id           TEXT PRIMARY KEY,
	family       TEXT NOT NULL,
	entity       TEXT NOT NULL,
	payload      JSONB NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS monitoring_reports_generated_idx
	ON monitoring_reports (generated_at);`

	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// SaveIncident upserts an incident record.
func (p *Postgres) SaveIncident(ctx context.Context, inc *Incident) error {
	const q = `
INSERT INTO monitoring_incidents
	(id, service, severity, status, title, created_at, resolved_at, escalations)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '0001-01-01T00:00:00Z'::timestamptz), $8)
ON CONFLICT (id) DO UPDATE SET
	severity = EXCLUDED.severity,
	status = EXCLUDED.status,
	resolved_at = EXCLUDED.resolved_at,
	escalations = EXCLUDED.escalations`

	_, err := p.db.ExecContext(ctx, q,
		inc.ID, inc.Service, inc.Severity, inc.Status, inc.Title,
		inc.CreatedAt, inc.ResolvedAt, inc.Escalations)
	if err != nil {
		return fmt.Errorf("failed to save incident %s: %w", inc.ID, err)
	}
	return nil
}

// FindIncidents returns incidents created inside [start, end].
func (p *Postgres) FindIncidents(ctx context.Context, start, end time.Time) ([]Incident, error) {
	const q = `
SELECT id, service, severity, status, title, created_at,
	COALESCE(resolved_at, '0001-01-01T00:00:00Z'::timestamptz), escalations
FROM monitoring_incidents
WHERE created_at BETWEEN $1 AND $2
ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, q, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		if err := rows.Scan(&inc.ID, &inc.Service, &inc.Severity, &inc.Status,
			&inc.Title, &inc.CreatedAt, &inc.ResolvedAt, &inc.Escalations); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// SaveReport stores one generated report.
func (p *Postgres) SaveReport(ctx context.Context, rep *Report) error {
	const q = `
INSERT INTO monitoring_reports (id, family, entity, payload, generated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

	_, err := p.db.ExecContext(ctx, q,
		rep.ID, rep.Family, rep.Entity, []byte(rep.Payload), rep.GeneratedAt)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", rep.ID, err)
	}
	return nil
}

// DeleteBefore removes incidents and reports older than cutoff.
func (p *Postgres) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM monitoring_incidents WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old incidents: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = p.db.ExecContext(ctx,
		`DELETE FROM monitoring_reports WHERE generated_at < $1`, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to delete old reports: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
