package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"encroachwatch/internal/config"
	"encroachwatch/internal/metrics"
	"encroachwatch/internal/pipeline"
)

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Ingest = config.IngestConfig{
		SatelliteDir: filepath.Join(dir, "data", "satellite"),
		AerialDir:    filepath.Join(dir, "data", "aerial"),
		GroundCSV:    filepath.Join(dir, "data", "ground", "ground_sensors.csv"),
		SocialCSV:    filepath.Join(dir, "data", "social", "sample_social.csv"),
		GPSCSV:       filepath.Join(dir, "data", "gps", "gps_events.csv"),
		Timezone:     "UTC",
	}
	cfg.Artifacts = config.ArtifactsConfig{
		ModelsDir:      filepath.Join(dir, "artifacts", "models"),
		PredictionsDir: filepath.Join(dir, "artifacts", "predictions"),
		EvidenceLedger: filepath.Join(dir, "artifacts", "evidence_ledger.jsonl"),
	}
	cfg.Dispatch.OutboxDir = filepath.Join(dir, "outbox")
	cfg.Dispatch.SigningKeyPath = filepath.Join(dir, ".secrets", "signing.key")
	cfg.Storage.DSN = "file:" + filepath.Join(dir, "cases.db") + "?_pragma=busy_timeout(5000)"
	cfg.NLP.TrainingCSV = ""
	return cfg
}

func newTestAPI(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig(t.TempDir())
	if mutate != nil {
		mutate(cfg)
	}
	recorder := metrics.NewRecorder()
	p, err := pipeline.Build(context.Background(), cfg, nil, recorder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return NewServer(p, recorder, nil, "test")
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newTestAPI(t, mutate).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t, nil)

	code, body := call(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, body = call(t, http.MethodGet, srv.URL+"/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "local", body["dispatch_mode"])
	assert.Equal(t, "sqlite", body["storage"])
	gf := body["geofences"].(map[string]any)
	assert.Equal(t, float64(1), gf["total_geofences"])

	code, _ = call(t, http.MethodPost, srv.URL+"/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestPipelineRunThenQuery(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Thresholds.SeverityNotifyMin = 0
	})

	code, body := call(t, http.MethodPost, srv.URL+"/api/v1/pipeline/run", `{"use_sample_data":true}`)
	require.Equal(t, http.StatusOK, code, body)
	result := body["result"].(map[string]any)
	assert.Equal(t, float64(10), result["events"])
	notified := result["notified"].([]any)
	require.NotEmpty(t, notified)

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/incidents?limit=50", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, result["incidents"], body["count"])

	id := notified[0].(string)
	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/incidents/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["incident"].(map[string]any)["id"])

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/notifications", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(len(notified)), body["count"])

	code, body = call(t, http.MethodPost, srv.URL+"/api/v1/notifications", `{"incident_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, code, body)
	n := body["notification"].(map[string]any)
	assert.Equal(t, "local_only", n["outcome"])
	assert.Equal(t, id, n["incident_id"])

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/evidence/verify", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "verified", body["status"])
	assert.Equal(t, float64(2), body["checked"])

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/analytics/severity", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, result["incidents"], body["count"])
	assert.Contains(t, body, "buckets")

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/analytics/risk", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "risk_geofences")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "encroachwatch_pipeline_runs_total")
}

func TestPipelineRunOutlivesClient(t *testing.T) {
	s := newTestAPI(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipeline/run", strings.NewReader(`{"use_sample_data":true}`)).WithContext(ctx)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	incidents, err := s.pipeline.Store().ListIncidents(context.Background(), 50)
	require.NoError(t, err)
	assert.NotEmpty(t, incidents)
}

func TestGeofenceRegistryEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	code, body := call(t, http.MethodGet, srv.URL+"/api/v1/geofences", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/geo/locate?lat=37.34&lon=-122.01", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["in_geofence"])
	assert.Equal(t, "sample_conservation_area", body["geofence_id"])
	distances := body["distances"].([]any)
	require.Len(t, distances, 1)
	assert.Greater(t, distances[0].(map[string]any)["distance_m"].(float64), 0.0)

	square := `{"id":"river_buffer","name":"River Buffer","polygon":[[0,0],[0,1],[1,1],[1,0]]}`
	code, _ = call(t, http.MethodPost, srv.URL+"/api/v1/geofences", square)
	require.Equal(t, http.StatusCreated, code)
	code, _ = call(t, http.MethodPost, srv.URL+"/api/v1/geofences", square)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = call(t, http.MethodPost, srv.URL+"/api/v1/geofences", `{"id":"line","polygon":[[0,0],[0,1]]}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/geo/locate?lat=0.5&lon=0.5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "river_buffer", body["geofence_id"])
	assert.Len(t, body["distances"].([]any), 2)

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/geofences/river_buffer", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "River Buffer", body["geofence"].(map[string]any)["name"])

	code, _ = call(t, http.MethodDelete, srv.URL+"/api/v1/geofences/river_buffer", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, http.MethodDelete, srv.URL+"/api/v1/geofences/river_buffer", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = call(t, http.MethodGet, srv.URL+"/api/v1/geofences/river_buffer", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/geo/locate?lat=0.5&lon=0.5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["in_geofence"])
	assert.NotContains(t, body, "geofence_id")

	code, _ = call(t, http.MethodGet, srv.URL+"/api/v1/geo/locate?lat=abc&lon=0", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNotifyUnknownIncident(t *testing.T) {
	srv := newTestServer(t, nil)
	code, body := call(t, http.MethodPost, srv.URL+"/api/v1/notifications", `{"incident_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["ok"])

	code, _ = call(t, http.MethodPost, srv.URL+"/api/v1/notifications", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, http.MethodPost, srv.URL+"/api/v1/notifications", `{bad`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCaseLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	code, body := call(t, http.MethodPost, srv.URL+"/api/v1/pipeline/run", `{"use_sample_data":true}`)
	require.Equal(t, http.StatusOK, code, body)

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/incidents?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	incidents := body["incidents"].([]any)
	require.Len(t, incidents, 1)
	incID := incidents[0].(map[string]any)["id"].(string)

	code, body = call(t, http.MethodPost, srv.URL+"/api/v1/cases", `{"incident_id":"`+incID+`","assigned_to":"ranger-1"}`)
	require.Equal(t, http.StatusCreated, code, body)
	c := body["case"].(map[string]any)
	assert.Equal(t, "open", c["status"])
	caseID := int64(c["id"].(float64))

	code, body = call(t, http.MethodPatch, srv.URL+"/api/v1/cases/"+itoa(caseID), `{"status":"closed"}`)
	require.Equal(t, http.StatusOK, code, body)
	c = body["case"].(map[string]any)
	assert.Equal(t, "closed", c["status"])
	assert.Equal(t, "ranger-1", c["assigned_to"])

	code, _ = call(t, http.MethodPatch, srv.URL+"/api/v1/cases/"+itoa(caseID), `{"status":"pending"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, http.MethodPatch, srv.URL+"/api/v1/cases/9999", `{"status":"closed"}`)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = call(t, http.MethodPost, srv.URL+"/api/v1/cases", `{"incident_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = call(t, http.MethodGet, srv.URL+"/api/v1/cases", "")
	require.Equal(t, http.StatusOK, code)
	assert.GreaterOrEqual(t, body["count"], float64(1))
}

func TestStoreDisabled(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Storage.Enabled = false
	})
	code, body := call(t, http.MethodGet, srv.URL+"/api/v1/incidents", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "case store disabled", body["error"])

	code, body = call(t, http.MethodGet, srv.URL+"/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "disabled", body["storage"])
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
