package model

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// FeatureSchemaVersion is bumped whenever a recognized key is added or renamed.
const FeatureSchemaVersion = 1

type FeatureKey string

const (
	ImgEdgeStrength        FeatureKey = "img_edge_strength"
	ImgTexture             FeatureKey = "img_texture"
	ImgMeanBrightness      FeatureKey = "img_mean_brightness"
	AerialEdgeStrength     FeatureKey = "aerial_edge_strength"
	AerialTexture          FeatureKey = "aerial_texture"
	AerialMeanBrightness   FeatureKey = "aerial_mean_brightness"
	GroundSensorPM25Z      FeatureKey = "ground_sensor_pm25_z"
	GroundSensorNoiseDBZ   FeatureKey = "ground_sensor_noise_db_z"
	GroundSensorVibrationZ FeatureKey = "ground_sensor_vibration_z"
	GroundSensorTempCZ     FeatureKey = "ground_sensor_temp_c_z"
)

// Feature namespaces, one per sensing modality.
const (
	NamespaceImage        = "img_"
	NamespaceAerial       = "aerial_"
	NamespaceGroundSensor = "ground_sensor_"
)

var recognizedKeys = map[FeatureKey]struct{}{
	ImgEdgeStrength:        {},
	ImgTexture:             {},
	ImgMeanBrightness:      {},
	AerialEdgeStrength:     {},
	AerialTexture:          {},
	AerialMeanBrightness:   {},
	GroundSensorPM25Z:      {},
	GroundSensorNoiseDBZ:   {},
	GroundSensorVibrationZ: {},
	GroundSensorTempCZ:     {},
}

// Recognized reports whether key is part of the versioned feature schema.
func Recognized(key string) bool {
	_, ok := recognizedKeys[FeatureKey(key)]
	return ok
}

// Features holds numeric values for recognized keys and everything else
// (unknown or non-numeric) in Extra. It serializes as one flat object.
type Features struct {
	Known map[FeatureKey]float64
	Extra map[string]any
}

func NewFeatures() Features {
	return Features{Known: map[FeatureKey]float64{}, Extra: map[string]any{}}
}

func (f *Features) Set(key string, value any) {
	if f.Known == nil {
		f.Known = map[FeatureKey]float64{}
	}
	if f.Extra == nil {
		f.Extra = map[string]any{}
	}
	if Recognized(key) {
		if v, ok := toFloat(value); ok {
			f.Known[FeatureKey(key)] = v
			delete(f.Extra, key)
			return
		}
	}
	delete(f.Known, FeatureKey(key))
	f.Extra[key] = value
}

func (f Features) Get(key FeatureKey) (float64, bool) {
	v, ok := f.Known[key]
	return v, ok
}

func (f Features) Len() int {
	return len(f.Known) + len(f.Extra)
}

// HasNamespace reports whether any key, recognized or not, starts with prefix.
func (f Features) HasNamespace(prefix string) bool {
	for k := range f.Known {
		if strings.HasPrefix(string(k), prefix) {
			return true
		}
	}
	for k := range f.Extra {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Keys returns all keys in sorted order.
func (f Features) Keys() []string {
	out := make([]string, 0, f.Len())
	for k := range f.Known {
		out = append(out, string(k))
	}
	for k := range f.Extra {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f Features) Flatten() map[string]any {
	out := make(map[string]any, f.Len())
	for k, v := range f.Extra {
		out[k] = v
	}
	for k, v := range f.Known {
		out[string(k)] = v
	}
	return out
}

func (f Features) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Flatten())
}

func (f *Features) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*f = NewFeatures()
	for k, v := range flat {
		f.Set(k, v)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
