package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"encroachwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:case_manager.db?_pragma=busy_timeout(5000)"
	}
	if dir := filepath.Dir(sqliteFilePath(dsn)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between the pipeline and the API.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

// sqliteFilePath returns the database file named by dsn, or "" for in-memory databases.
func sqliteFilePath(dsn string) string {
	path, query, _ := strings.Cut(dsn, "?")
	path = strings.TrimPrefix(path, "file:")
	if path == "" || path == ":memory:" || strings.Contains(query, "mode=memory") {
		return ""
	}
	return path
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			lat REAL,
			lon REAL,
			geofence_id TEXT,
			in_geofence INTEGER NOT NULL,
			threat_probability REAL NOT NULL,
			text_threat REAL NOT NULL,
			severity_environmental REAL NOT NULL,
			severity_legal REAL NOT NULL,
			severity_operational REAL NOT NULL,
			severity_overall REAL NOT NULL,
			sources TEXT NOT NULL,
			raw_event_ids TEXT NOT NULL,
			features TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_ts ON incidents(ts)`,
		`CREATE TABLE IF NOT EXISTS cases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_to TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
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

func (s *sqliteStore) SaveIncidents(ctx context.Context, incidents []model.Incident) error {
	if s.db == nil || len(incidents) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET `+incidentUpsert)
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

func (s *sqliteStore) ListIncidents(ctx context.Context, limit int) ([]model.Incident, error) {
	return queryIncidents(ctx, s.db,
		`SELECT `+incidentColumns+` FROM incidents ORDER BY ts DESC, id LIMIT ?`, clampLimit(limit))
}

func (s *sqliteStore) GetIncident(ctx context.Context, id string) (model.Incident, error) {
	var r incidentRow
	err := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id).Scan(r.dest()...)
	if err != nil {
		return model.Incident{}, notFound(err)
	}
	return r.incident()
}

func (s *sqliteStore) CreateCase(ctx context.Context, incidentID string, status model.CaseStatus, assignedTo string) (model.Case, error) {
	var exists string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM incidents WHERE id = ?`, incidentID).Scan(&exists); err != nil {
		return model.Case{}, notFound(err)
	}
	now := s.nowUTC()
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cases (incident_id, status, assigned_to, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		incidentID, string(status), assignedTo, ts, ts)
	if err != nil {
		return model.Case{}, err
	}
	id, err := res.LastInsertId()
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

func (s *sqliteStore) UpdateCaseStatus(ctx context.Context, id int64, status model.CaseStatus, assignedTo string) (model.Case, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET status = ?, assigned_to = CASE WHEN ? = '' THEN assigned_to ELSE ? END, updated_at = ? WHERE id = ?`,
		string(status), assignedTo, assignedTo, formatTime(s.nowUTC()), id)
	if err != nil {
		return model.Case{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Case{}, ErrNotFound
	}
	c, err := scanCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id))
	return c, notFound(err)
}

func (s *sqliteStore) ListCases(ctx context.Context, limit int) ([]model.Case, error) {
	return queryCases(ctx, s.db, `SELECT `+caseColumns+` FROM cases ORDER BY id DESC LIMIT ?`, clampLimit(limit))
}
