package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"encroachwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/encroachwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			lat DOUBLE PRECISION,
			lon DOUBLE PRECISION,
			geofence_id TEXT,
			in_geofence BOOLEAN NOT NULL,
			threat_probability DOUBLE PRECISION NOT NULL,
			text_threat DOUBLE PRECISION NOT NULL,
			severity_environmental DOUBLE PRECISION NOT NULL,
			severity_legal DOUBLE PRECISION NOT NULL,
			severity_operational DOUBLE PRECISION NOT NULL,
			severity_overall DOUBLE PRECISION NOT NULL,
			sources JSONB NOT NULL,
			raw_event_ids JSONB NOT NULL,
			features JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_ts ON incidents(ts)`,
		`CREATE TABLE IF NOT EXISTS cases (
			id BIGSERIAL PRIMARY KEY,
			incident_id TEXT NOT NULL REFERENCES incidents(id),
			status TEXT NOT NULL,
			assigned_to TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_incident ON cases(incident_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveIncidents(ctx context.Context, incidents []model.Incident) error {
	if s.db == nil || len(incidents) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET `+incidentUpsert)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, inc := range incidents {
		args, err := incidentArgs(inc)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStore) ListIncidents(ctx context.Context, limit int) ([]model.Incident, error) {
	return queryIncidents(ctx, s.db,
		`SELECT `+incidentColumns+` FROM incidents ORDER BY ts DESC, id LIMIT $1`, clampLimit(limit))
}

func (s *postgresStore) GetIncident(ctx context.Context, id string) (model.Incident, error) {
	var r incidentRow
	err := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id).Scan(r.dest()...)
	if err != nil {
		return model.Incident{}, notFound(err)
	}
	return r.incident()
}

func (s *postgresStore) CreateCase(ctx context.Context, incidentID string, status model.CaseStatus, assignedTo string) (model.Case, error) {
	var exists string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM incidents WHERE id = $1`, incidentID).Scan(&exists); err != nil {
		return model.Case{}, notFound(err)
	}
	now := s.nowUTC()
	ts := formatTime(now)
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO cases (incident_id, status, assigned_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		incidentID, string(status), assignedTo, ts, ts).Scan(&id)
	if err != nil {
		return model.Case{}, err
	}
	return model.Case{
		ID:         id,
		IncidentID: incidentID,
		Status:     status,
		AssignedTo: assignedTo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *postgresStore) UpdateCaseStatus(ctx context.Context, id int64, status model.CaseStatus, assignedTo string) (model.Case, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx,
		`UPDATE cases SET status = $1, assigned_to = COALESCE(NULLIF($2, ''), assigned_to), updated_at = $3
		WHERE id = $4 RETURNING `+caseColumns,
		string(status), assignedTo, formatTime(s.nowUTC()), id))
	if err != nil {
		return model.Case{}, notFound(err)
	}
	return c, nil
}

func (s *postgresStore) ListCases(ctx context.Context, limit int) ([]model.Case, error) {
	return queryCases(ctx, s.db, `SELECT `+caseColumns+` FROM cases ORDER BY id DESC LIMIT $1`, clampLimit(limit))
}
