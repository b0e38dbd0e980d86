package analytics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"encroachwatch/internal/model"
)

var now = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func incident(id string, age time.Duration, geofence string, overall float64) model.Incident {
	inc := model.Incident{ID: id, Timestamp: now.Add(-age), Severity: model.Severity{Overall: overall}}
	if geofence != "" {
		inc.GeofenceID = model.String(geofence)
		inc.InGeofence = true
	}
	return inc
}

func TestPredictGeofenceRisk(t *testing.T) {
	incs := []model.Incident{
		incident("a", time.Hour, "park", 0.5),
		incident("b", 2*time.Hour, "", 0.3),
		incident("c", 3*time.Hour, "park", 0.6),
		incident("old", 40*24*time.Hour, "park", 1),
	}
	risks := PredictGeofenceRisk(incs, now, 30*24*time.Hour)
	require.Len(t, risks, 2)
	assert.Equal(t, GeofenceRisk{GeofenceID: "park", Risk: 0.55, Count: 2}, risks[0])
	assert.Equal(t, GeofenceRisk{GeofenceID: "unknown", Risk: 0.3, Count: 1}, risks[1])
}

func TestPredictGeofenceRiskRounds(t *testing.T) {
	incs := []model.Incident{
		incident("a", 0, "park", 0.1),
		incident("b", 0, "park", 0.2),
		incident("c", 0, "park", 0.2),
	}
	risks := PredictGeofenceRisk(incs, now, time.Hour)
	require.Len(t, risks, 1)
	assert.Equal(t, 0.1667, risks[0].Risk)
}

func TestPredictGeofenceRiskEmpty(t *testing.T) {
	assert.Empty(t, PredictGeofenceRisk(nil, now, time.Hour))
}

func TestWriteRiskMap(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "predictions")
	path, err := WriteRiskMap(dir, []GeofenceRisk{{GeofenceID: "park", Risk: 0.5225, Count: 3}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, RiskMapFile), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "geofence_id,risk,count\npark,0.5225,3\n", string(data))
}

func TestSeveritySummary(t *testing.T) {
	incs := []model.Incident{
		incident("h", 0, "park", 0.8),
		incident("m", 0, "park", 0.6),
		incident("l", 0, "", 0.59),
	}
	for i := 0; i < 12; i++ {
		incs = append(incs, incident("x", 0, "", 0.1))
	}
	s := SeveritySummary(incs)
	assert.Equal(t, Buckets{High: 1, Medium: 1, Low: 13}, s.Buckets)
	assert.Equal(t, 15, s.Count)
	require.Len(t, s.Details, 10)
	assert.Equal(t, "h", s.Details[0].ID)
	assert.Nil(t, s.Details[2].GeofenceID)
}

func TestGeofenceBreaches(t *testing.T) {
	incs := []model.Incident{
		incident("a", 0, "park", 0.1),
		incident("b", 0, "park", 0.1),
		incident("c", 0, "", 0.1),
	}
	assert.Equal(t, map[string]int{"park": 2}, GeofenceBreaches(incs))
}
