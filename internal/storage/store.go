package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"encroachwatch/internal/config"
	"encroachwatch/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store persists scored incidents and the cases opened against them.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveIncidents(ctx context.Context, incidents []model.Incident) error
	ListIncidents(ctx context.Context, limit int) ([]model.Incident, error)
	GetIncident(ctx context.Context, id string) (model.Incident, error)
	CreateCase(ctx context.Context, incidentID string, status model.CaseStatus, assignedTo string) (model.Case, error)
	UpdateCaseStatus(ctx context.Context, id int64, status model.CaseStatus, assignedTo string) (model.Case, error)
	ListCases(ctx context.Context, limit int) ([]model.Case, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// ValidStatus reports whether status is one the case workflow knows about.
func ValidStatus(status model.CaseStatus) bool {
	switch status {
	case model.CaseOpen, model.CaseEscalated, model.CaseClosed:
		return true
	}
	return false
}

const defaultLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}

type baseStore struct {
	db  *sql.DB
	now func() time.Time
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) nowUTC() time.Time {
	if b.now != nil {
		return b.now().UTC()
	}
	return time.Now().UTC()
}

// timeLayout keeps a fixed-width fraction so text timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// incidentRow mirrors one incidents table row.
type incidentRow struct {
	id          string
	ts          string
	lat, lon    sql.NullFloat64
	geofenceID  sql.NullString
	inGeofence  bool
	threat      float64
	textThreat  float64
	env         float64
	legal       float64
	operational float64
	overall     float64
	sources     string
	rawIDs      string
	features    string
}

func (r *incidentRow) dest() []any {
	return []any{
		&r.id, &r.ts, &r.lat, &r.lon, &r.geofenceID, &r.inGeofence,
		&r.threat, &r.textThreat, &r.env, &r.legal, &r.operational, &r.overall,
		&r.sources, &r.rawIDs, &r.features,
	}
}

func (r *incidentRow) incident() (model.Incident, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.ts)
	if err != nil {
		return model.Incident{}, err
	}
	inc := model.Incident{
		ID:                r.id,
		Timestamp:         ts,
		InGeofence:        r.inGeofence,
		ThreatProbability: r.threat,
		TextThreat:        r.textThreat,
		Features:          model.NewFeatures(),
		Severity: model.Severity{
			Environmental: r.env,
			Legal:         r.legal,
			Operational:   r.operational,
			Overall:       r.overall,
		},
	}
	if r.lat.Valid && r.lon.Valid {
		inc.Lat = model.Float(r.lat.Float64)
		inc.Lon = model.Float(r.lon.Float64)
	}
	if r.geofenceID.Valid {
		inc.GeofenceID = model.String(r.geofenceID.String)
	}
	if r.sources != "" {
		if err := json.Unmarshal([]byte(r.sources), &inc.Sources); err != nil {
			return model.Incident{}, err
		}
	}
	if r.rawIDs != "" {
		if err := json.Unmarshal([]byte(r.rawIDs), &inc.RawEventIDs); err != nil {
			return model.Incident{}, err
		}
	}
	if r.features != "" {
		if err := json.Unmarshal([]byte(r.features), &inc.Features); err != nil {
			return model.Incident{}, err
		}
	}
	return inc, nil
}

func incidentArgs(inc model.Incident) ([]any, error) {
	var lat, lon sql.NullFloat64
	if inc.Lat != nil && inc.Lon != nil {
		lat = sql.NullFloat64{Float64: *inc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: *inc.Lon, Valid: true}
	}
	var gf sql.NullString
	if inc.GeofenceID != nil {
		gf = sql.NullString{String: *inc.GeofenceID, Valid: true}
	}
	sources := inc.Sources
	if sources == nil {
		sources = []string{}
	}
	rawIDs := inc.RawEventIDs
	if rawIDs == nil {
		rawIDs = []string{}
	}
	encoded := make([]string, 0, 3)
	for _, v := range []any{sources, rawIDs, inc.Features} {
		text, err := encodeJSON(v)
		if err != nil {
			return nil, fmt.Errorf("incident %s: encode: %w", inc.ID, err)
		}
		encoded = append(encoded, text)
	}
	return []any{
		inc.ID,
		formatTime(inc.Timestamp),
		lat,
		lon,
		gf,
		inc.InGeofence,
		inc.ThreatProbability,
		inc.TextThreat,
		inc.Severity.Environmental,
		inc.Severity.Legal,
		inc.Severity.Operational,
		inc.Severity.Overall,
		encoded[0],
		encoded[1],
		encoded[2],
	}, nil
}

const incidentColumns = `id, ts, lat, lon, geofence_id, in_geofence, threat_probability, text_threat,
	severity_environmental, severity_legal, severity_operational, severity_overall,
	sources, raw_event_ids, features`

const incidentUpsert = `ts = excluded.ts, lat = excluded.lat, lon = excluded.lon,
	geofence_id = excluded.geofence_id, in_geofence = excluded.in_geofence,
	threat_probability = excluded.threat_probability, text_threat = excluded.text_threat,
	severity_environmental = excluded.severity_environmental, severity_legal = excluded.severity_legal,
	severity_operational = excluded.severity_operational, severity_overall = excluded.severity_overall,
	sources = excluded.sources, raw_event_ids = excluded.raw_event_ids, features = excluded.features`

const caseColumns = `id, incident_id, status, assigned_to, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(row scanner) (model.Case, error) {
	var (
		c                model.Case
		status           string
		created, updated string
	)
	if err := row.Scan(&c.ID, &c.IncidentID, &status, &c.AssignedTo, &created, &updated); err != nil {
		return model.Case{}, err
	}
	c.Status = model.CaseStatus(status)
	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return model.Case{}, err
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return model.Case{}, err
	}
	return c, nil
}

func queryIncidents(ctx context.Context, db *sql.DB, query string, args ...any) ([]model.Incident, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Incident, 0)
	for rows.Next() {
		var r incidentRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, err
		}
		inc, err := r.incident()
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func queryCases(ctx context.Context, db *sql.DB, query string, args ...any) ([]model.Case, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
