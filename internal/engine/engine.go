package engine

import (
	"log/slog"
	"sync/atomic"

	"encroachwatch/internal/config"
	"encroachwatch/internal/metrics"
	"encroachwatch/internal/model"
)

// TextThreatScorer turns free-text reports into a threat score in [0,1].
type TextThreatScorer interface {
	Score(texts []string) float64
}

type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	text    TextThreatScorer
	threat  *ThreatScorer
	cfg     atomic.Value
}

func NewEngine(cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder, text TextThreatScorer) *Engine {
	e := &Engine{
		logger:  logger,
		metrics: recorder,
		text:    text,
		threat:  NewThreatScorer(),
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Score turns one fused event into an incident.
func (e *Engine) Score(fe model.FusedEvent) model.Incident {
	textScore := 0.0
	if e.text != nil && len(fe.Texts) > 0 {
		textScore = clip01(e.text.Score(fe.Texts))
	}
	prob := e.threat.Probability(fe.Features, textScore, fe.InGeofence)
	sev := ScoreSeverity(prob, fe.Features, fe.InGeofence)

	inc := model.Incident{
		ID:                fe.ID,
		Timestamp:         fe.Timestamp,
		Lat:               fe.Lat,
		Lon:               fe.Lon,
		InGeofence:        fe.InGeofence,
		GeofenceID:        fe.GeofenceID,
		ThreatProbability: prob,
		TextThreat:        textScore,
		Features:          fe.Features,
		Sources:           fe.Sources,
		RawEventIDs:       fe.RawEventIDs,
		Severity:          sev,
	}
	e.metrics.IncidentScored(sev.Overall)
	if e.logger != nil && e.ShouldNotify(inc) {
		e.logger.Warn("incident above notify threshold",
			"incident_id", inc.ID,
			"geofence_id", inc.Destination(),
			"threat_probability", prob,
			"overall", sev.Overall,
		)
	}
	return inc
}

func (e *Engine) ScoreAll(fused []model.FusedEvent) []model.Incident {
	out := make([]model.Incident, 0, len(fused))
	for _, fe := range fused {
		out = append(out, e.Score(fe))
	}
	return out
}

func (e *Engine) ShouldNotify(inc model.Incident) bool {
	return inc.Severity.Overall >= e.config().Thresholds.SeverityNotifyMin
}

func (e *Engine) ShouldEscalate(inc model.Incident) bool {
	return inc.Severity.Overall >= e.config().Thresholds.SeverityEscalateMin
}
