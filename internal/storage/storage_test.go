package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"encroachwatch/internal/config"
	"encroachwatch/internal/model"
)

func sampleIncident(id string, ts time.Time, overall float64) model.Incident {
	f := model.NewFeatures()
	f.Set(string(model.ImgEdgeStrength), 0.42)
	f.Set("social_source", "twitter")
	return model.Incident{
		ID:                id,
		Timestamp:         ts,
		Lat:               model.Float(37.34),
		Lon:               model.Float(-122.01),
		InGeofence:        true,
		GeofenceID:        model.String("sample_conservation_area"),
		ThreatProbability: 0.7,
		TextThreat:        0.5,
		Features:          f,
		Sources:           []string{"img", "gps"},
		RawEventIDs:       []string{"img_1", "gps_1"},
		Severity:          model.Severity{Environmental: 0.6, Legal: 0.9, Operational: 0.55, Overall: overall},
	}
}

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "cases.db") + "?_pragma=busy_timeout(5000)"
	store, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestNewStoreDisabledAndUnknown(t *testing.T) {
	store, err := NewStore(config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, store)

	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "mysql"})
	assert.Error(t, err)
}

func TestSQLiteIncidentRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	unlocated := sampleIncident("fused_b", t0.Add(90*time.Second+500*time.Millisecond), 0.4)
	unlocated.Lat, unlocated.Lon, unlocated.GeofenceID = nil, nil, nil
	unlocated.InGeofence = false

	require.NoError(t, store.SaveIncidents(ctx, []model.Incident{sampleIncident("fused_a", t0, 0.85), unlocated}))

	got, err := store.GetIncident(ctx, "fused_a")
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(t0))
	require.NotNil(t, got.Lat)
	assert.Equal(t, 37.34, *got.Lat)
	assert.Equal(t, "sample_conservation_area", got.Destination())
	assert.True(t, got.InGeofence)
	assert.Equal(t, []string{"img", "gps"}, got.Sources)
	assert.Equal(t, []string{"img_1", "gps_1"}, got.RawEventIDs)
	assert.Equal(t, 0.85, got.Severity.Overall)
	v, ok := got.Features.Get(model.ImgEdgeStrength)
	require.True(t, ok)
	assert.Equal(t, 0.42, v)
	assert.Equal(t, "twitter", got.Features.Extra["social_source"])

	list, err := store.ListIncidents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "fused_b", list[0].ID, "newest first")
	assert.Nil(t, list[0].Lat)
	assert.Nil(t, list[0].GeofenceID)

	_, err = store.GetIncident(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteSaveIncidentsUpserts(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveIncidents(ctx, []model.Incident{sampleIncident("fused_a", t0, 0.5)}))
	require.NoError(t, store.SaveIncidents(ctx, []model.Incident{sampleIncident("fused_a", t0, 0.9)}))

	list, err := store.ListIncidents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0.9, list[0].Severity.Overall)
}

func TestSQLiteCreatesDatabaseDirectory(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	store, err := NewStore(config.DefaultConfig().Storage)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(context.Background()))

	_, err = os.Stat(filepath.Join("artifacts", "case_manager.db"))
	assert.NoError(t, err)
}

func TestSQLiteFilePath(t *testing.T) {
	cases := map[string]string{
		"file:artifacts/case_manager.db?_pragma=busy_timeout(5000)": "artifacts/case_manager.db",
		"/var/lib/ew/cases.db":               "/var/lib/ew/cases.db",
		"cases.db":                           "cases.db",
		":memory:":                           "",
		"file::memory:?cache=shared":         "",
		"file:shared.db?mode=memory&cache=1": "",
	}
	for dsn, want := range cases {
		assert.Equal(t, want, sqliteFilePath(dsn), dsn)
	}
}

func TestSQLiteSaveIncidentsRejectsUnencodableFeatures(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	good := sampleIncident("fused_a", time.Now(), 0.5)
	bad := sampleIncident("fused_b", time.Now(), 0.5)
	bad.Features.Set("callback", make(chan int))

	err := store.SaveIncidents(ctx, []model.Incident{good, bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fused_b")

	list, err := store.ListIncidents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list, "failed batch is rolled back")
}

func TestSQLiteCases(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	require.NoError(t, store.SaveIncidents(ctx, []model.Incident{sampleIncident("fused_a", time.Now(), 0.9)}))

	_, err := store.CreateCase(ctx, "missing", model.CaseOpen, "")
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := store.CreateCase(ctx, "fused_a", model.CaseEscalated, "")
	require.NoError(t, err)
	second, err := store.CreateCase(ctx, "fused_a", model.CaseOpen, "ranger-1")
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	updated, err := store.UpdateCaseStatus(ctx, second.ID, model.CaseClosed, "")
	require.NoError(t, err)
	assert.Equal(t, model.CaseClosed, updated.Status)
	assert.Equal(t, "ranger-1", updated.AssignedTo, "empty assignee keeps the current one")

	updated, err = store.UpdateCaseStatus(ctx, first.ID, model.CaseOpen, "ranger-2")
	require.NoError(t, err)
	assert.Equal(t, "ranger-2", updated.AssignedTo)

	_, err = store.UpdateCaseStatus(ctx, 999, model.CaseClosed, "")
	assert.ErrorIs(t, err, ErrNotFound)

	cases, err := store.ListCases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, second.ID, cases[0].ID)
	assert.Equal(t, "fused_a", cases[1].IncidentID)
}

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(model.CaseOpen))
	assert.True(t, ValidStatus(model.CaseEscalated))
	assert.True(t, ValidStatus(model.CaseClosed))
	assert.False(t, ValidStatus("pending"))
}

func newMockPostgres(t *testing.T) (*postgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	fixed := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	return &postgresStore{baseStore{db: db, now: func() time.Time { return fixed }}}, mock
}

func TestPostgresInit(t *testing.T) {
	store, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS incidents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_incidents_ts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cases").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_cases_incident").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveIncidents(t *testing.T) {
	store, mock := newMockPostgres(t)
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO incidents .* ON CONFLICT \\(id\\) DO UPDATE")
	prep.ExpectExec().
		WithArgs("fused_a", "2025-01-01T12:00:00.000000000Z", 37.34, -122.01, "sample_conservation_area", true,
			0.7, 0.5, 0.6, 0.9, 0.55, 0.85, `["img","gps"]`, `["img_1","gps_1"]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveIncidents(context.Background(), []model.Incident{sampleIncident("fused_a", t0, 0.85)}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveIncidentsRollsBack(t *testing.T) {
	store, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO incidents").ExpectExec().WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := store.SaveIncidents(context.Background(), []model.Incident{sampleIncident("fused_a", time.Now(), 0.1)})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveIncidentsEncodeFailureRollsBack(t *testing.T) {
	store, mock := newMockPostgres(t)
	bad := sampleIncident("fused_a", time.Now(), 0.1)
	bad.Features.Set("callback", make(chan int))
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO incidents")
	mock.ExpectRollback()

	err := store.SaveIncidents(context.Background(), []model.Incident{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListIncidents(t *testing.T) {
	store, mock := newMockPostgres(t)
	cols := []string{"id", "ts", "lat", "lon", "geofence_id", "in_geofence", "threat_probability", "text_threat",
		"severity_environmental", "severity_legal", "severity_operational", "severity_overall",
		"sources", "raw_event_ids", "features"}
	rows := sqlmock.NewRows(cols).
		AddRow("fused_a", "2025-01-01T12:00:00Z", nil, nil, nil, false, 0.3, 0.0, 0.5, 0.3, 0.15, 0.335,
			`["img"]`, `["img_1"]`, `{"img_edge_strength":0.2}`)
	mock.ExpectQuery("SELECT .* FROM incidents ORDER BY ts DESC").WithArgs(defaultLimit).WillReturnRows(rows)

	list, err := store.ListIncidents(context.Background(), -1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Lat)
	assert.Equal(t, "unknown", list[0].Destination())
	v, ok := list[0].Features.Get(model.ImgEdgeStrength)
	require.True(t, ok)
	assert.Equal(t, 0.2, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateCase(t *testing.T) {
	store, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM incidents WHERE id = $1`)).
		WithArgs("fused_a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("fused_a"))
	mock.ExpectQuery("INSERT INTO cases .* RETURNING id").
		WithArgs("fused_a", "escalated", "", "2025-02-01T08:00:00.000000000Z", "2025-02-01T08:00:00.000000000Z").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	c, err := store.CreateCase(context.Background(), "fused_a", model.CaseEscalated, "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.ID)
	assert.Equal(t, model.CaseEscalated, c.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateCaseUnknownIncident(t *testing.T) {
	store, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT id FROM incidents").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := store.CreateCase(context.Background(), "nope", model.CaseOpen, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateCaseStatus(t *testing.T) {
	store, mock := newMockPostgres(t)
	cols := []string{"id", "incident_id", "status", "assigned_to", "created_at", "updated_at"}
	mock.ExpectQuery("UPDATE cases SET .* RETURNING").
		WithArgs("closed", "ranger-1", "2025-02-01T08:00:00.000000000Z", int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(7), "fused_a", "closed", "ranger-1", "2025-01-31T08:00:00Z", "2025-02-01T08:00:00Z"))
	mock.ExpectQuery("UPDATE cases SET").WillReturnError(sql.ErrNoRows)

	c, err := store.UpdateCaseStatus(context.Background(), 7, model.CaseClosed, "ranger-1")
	require.NoError(t, err)
	assert.Equal(t, model.CaseClosed, c.Status)
	assert.Equal(t, "ranger-1", c.AssignedTo)
	assert.True(t, c.UpdatedAt.After(c.CreatedAt))

	_, err = store.UpdateCaseStatus(context.Background(), 8, model.CaseClosed, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
