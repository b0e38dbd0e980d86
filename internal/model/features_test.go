package model

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeaturesSetRoutesRecognizedNumericKeys(t *testing.T) {
	f := NewFeatures()
	f.Set("img_edge_strength", 0.4)
	f.Set("img_texture", "not-a-number")
	f.Set("twitter_sentiment", 1)

	v, ok := f.Get(ImgEdgeStrength)
	require.True(t, ok)
	assert.Equal(t, 0.4, v)

	_, ok = f.Get(ImgTexture)
	assert.False(t, ok, "non-numeric value must not land in Known")
	assert.Equal(t, "not-a-number", f.Extra["img_texture"])
	assert.Equal(t, 1, f.Extra["twitter_sentiment"])
	assert.Equal(t, 3, f.Len())
}

func TestFeaturesHasNamespace(t *testing.T) {
	f := NewFeatures()
	assert.False(t, f.HasNamespace(NamespaceAerial))
	f.Set("aerial_unknown_metric", 2.0)
	assert.True(t, f.HasNamespace(NamespaceAerial))
	f.Set("ground_sensor_pm25_z", 1.2)
	assert.True(t, f.HasNamespace(NamespaceGroundSensor))
	assert.False(t, f.HasNamespace(NamespaceImage))
}

func TestFeaturesJSONIsFlat(t *testing.T) {
	f := NewFeatures()
	f.Set("ground_sensor_noise_db_z", -0.5)
	f.Set("gps_speed", "fast")

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ground_sensor_noise_db_z":-0.5,"gps_speed":"fast"}`, string(data))

	var back Features
	require.NoError(t, json.Unmarshal(data, &back))
	v, ok := back.Get(GroundSensorNoiseDBZ)
	require.True(t, ok)
	assert.Equal(t, -0.5, v)
	assert.Equal(t, []string{"gps_speed", "ground_sensor_noise_db_z"}, back.Keys())
}

func TestIncidentDestination(t *testing.T) {
	assert.Equal(t, "unknown", Incident{}.Destination())
	assert.Equal(t, "gf1", Incident{GeofenceID: String("gf1")}.Destination())
}
