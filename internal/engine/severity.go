package engine

import "encroachwatch/internal/model"

var environmentalKeys = []model.FeatureKey{
	model.GroundSensorPM25Z,
	model.GroundSensorNoiseDBZ,
	model.GroundSensorVibrationZ,
	model.ImgEdgeStrength,
	model.AerialEdgeStrength,
}

const (
	legalGeofenceBonus = 0.2
	corroborationStep  = 0.2
)

// ScoreSeverity derives the four severity dimensions. Every value is in [0,1].
func ScoreSeverity(threatProb float64, f model.Features, inGeofence bool) model.Severity {
	threatProb = clip01(threatProb)

	env := 0.0
	var sum float64
	var n int
	for _, k := range environmentalKeys {
		if v, ok := f.Get(k); ok {
			sum += v
			n++
		}
	}
	if n > 0 {
		env = sigmoid(sum / float64(n))
	}

	legal := threatProb
	if inGeofence {
		legal += legalGeofenceBonus
	}

	corroboration := 0.0
	if f.HasNamespace(model.NamespaceImage) && f.HasNamespace(model.NamespaceAerial) {
		corroboration += corroborationStep
	}
	if f.HasNamespace(model.NamespaceGroundSensor) {
		corroboration += corroborationStep
	}
	operational := 0.5*threatProb + corroboration

	env, legal, operational = clip01(env), clip01(legal), clip01(operational)
	return model.Severity{
		Environmental: env,
		Legal:         legal,
		Operational:   operational,
		Overall:       clip01(0.4*env + 0.3*legal + 0.3*operational),
	}
}
