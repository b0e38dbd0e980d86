package engine

import (
	"math"

	"encroachwatch/internal/model"
)

const (
	textThreatWeight = 0.25
	geofenceBonus    = 0.1
)

// ThreatWeight is the contribution ceiling of one recognized feature.
type ThreatWeight struct {
	Key    model.FeatureKey
	Weight float64
}

// DefaultThreatWeights sum to 0.75. Order is fixed so the float sum is stable.
var DefaultThreatWeights = []ThreatWeight{
	{model.ImgEdgeStrength, 0.15},
	{model.ImgTexture, 0.10},
	{model.AerialEdgeStrength, 0.15},
	{model.AerialTexture, 0.10},
	{model.GroundSensorPM25Z, 0.10},
	{model.GroundSensorNoiseDBZ, 0.10},
	{model.GroundSensorVibrationZ, 0.10},
	{model.GroundSensorTempCZ, 0.05},
}

type ThreatScorer struct {
	Weights []ThreatWeight
}

func NewThreatScorer() *ThreatScorer {
	return &ThreatScorer{Weights: DefaultThreatWeights}
}

// Probability combines squashed feature values, the text score and the
// geofence bonus, clipped to [0,1]. Missing keys contribute nothing.
func (s *ThreatScorer) Probability(f model.Features, textScore float64, inGeofence bool) float64 {
	score := 0.0
	for _, w := range s.Weights {
		if v, ok := f.Get(w.Key); ok {
			score += w.Weight * sigmoid(v)
		}
	}
	score += textThreatWeight * clip01(textScore)
	if inGeofence {
		score += geofenceBonus
	}
	return clip01(score)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clip01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}
