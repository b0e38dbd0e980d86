package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder()
	r.EventIngested("img")
	r.EventIngested("img")
	r.EventSkipped("gps", "invalid")
	r.FusedEvents(3)
	r.IncidentScored(0.7)
	r.Notification("delivered")
	r.EvidenceRecords(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.eventsIngested.WithLabelValues("img")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.eventsSkipped.WithLabelValues("gps", "invalid")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.fusedEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.incidents))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.notifications.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.evidence))
	assert.Equal(t, 1, testutil.CollectAndCount(r.severity))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.EventIngested("img")
	r.IncidentScored(1)
	r.PipelineRun(true, 1)
	assert.Nil(t, r.Registry())
	assert.NoError(t, r.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestRecorderHandlerAndTextfile(t *testing.T) {
	r := NewRecorder()
	r.PipelineRun(true, 0.25)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `encroachwatch_pipeline_runs_total{result="ok"} 1`)

	path := filepath.Join(t.TempDir(), "encroachwatch.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "encroachwatch_pipeline_run_duration_seconds"))
}
