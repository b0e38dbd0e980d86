// Package pipeline runs one end-to-end pass: ingest, normalize, fuse, score,
// persist, escalate, notify, record evidence and write the risk map.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"encroachwatch/internal/alerts"
	"encroachwatch/internal/analytics"
	"encroachwatch/internal/config"
	"encroachwatch/internal/dispatch"
	"encroachwatch/internal/engine"
	"encroachwatch/internal/evidence"
	"encroachwatch/internal/fusion"
	"encroachwatch/internal/geo"
	"encroachwatch/internal/ingest"
	"encroachwatch/internal/metrics"
	"encroachwatch/internal/model"
	"encroachwatch/internal/nlp"
	"encroachwatch/internal/normalize"
	"encroachwatch/internal/storage"
)

type Options struct {
	SampleData bool `json:"use_sample_data"`
}

type Result struct {
	Events           int                      `json:"events"`
	Skipped          int                      `json:"skipped"`
	Fused            int                      `json:"fused"`
	Incidents        int                      `json:"incidents"`
	Notified         []string                 `json:"notified"`
	Escalated        []string                 `json:"escalated"`
	EvidenceRecords  int                      `json:"evidence_records"`
	EvidenceSkipped  int                      `json:"evidence_skipped"`
	RiskGeofences    []analytics.GeofenceRisk `json:"risk_geofences"`
	GeofenceBreaches map[string]int           `json:"geofence_breaches"`
}

// Deps are the collaborators a pipeline needs. Store and History may be nil.
type Deps struct {
	Store      storage.Store
	Dispatcher *dispatch.Dispatcher
	Ledger     *evidence.Ledger
	Text       engine.TextThreatScorer
	History    *alerts.Store
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

type Pipeline struct {
	mu       sync.Mutex
	cfg      *config.Config
	registry *geo.Registry
	engine   *engine.Engine
	deps     Deps
	now      func() time.Time
}

func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: config is required")
	}
	if deps.Dispatcher == nil || deps.Ledger == nil {
		return nil, errors.New("pipeline: dispatcher and ledger are required")
	}
	return &Pipeline{
		cfg:      cfg,
		registry: geo.NewRegistry(cfg.Geofences),
		engine:   engine.NewEngine(cfg, deps.Logger, deps.Metrics, deps.Text),
		deps:     deps,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Build wires the default collaborators from cfg: the configured case store,
// the naive Bayes text scorer, the file key store and the dispatcher.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*Pipeline, error) {
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("storage init: %w", err)
		}
	}
	text, _, err := nlp.LoadOrTrain(cfg.Artifacts.ModelsDir, cfg.NLP.TrainingCSV)
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("text model: %w", err)
	}
	disp, err := dispatch.New(cfg.Dispatch, dispatch.NewFileKeyStore(cfg.Dispatch.SigningKeyPath), logger, recorder)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	return New(cfg, Deps{
		Store:      store,
		Dispatcher: disp,
		Ledger:     evidence.NewLedger(cfg.Artifacts.EvidenceLedger),
		Text:       text,
		History:    alerts.NewStore(0),
		Logger:     logger,
		Metrics:    recorder,
	})
}

func closeStore(store storage.Store) {
	if store != nil {
		_ = store.Close()
	}
}

func (p *Pipeline) Config() *config.Config           { return p.cfg }
func (p *Pipeline) Registry() *geo.Registry          { return p.registry }
func (p *Pipeline) Engine() *engine.Engine           { return p.engine }
func (p *Pipeline) Store() storage.Store             { return p.deps.Store }
func (p *Pipeline) Dispatcher() *dispatch.Dispatcher { return p.deps.Dispatcher }
func (p *Pipeline) Ledger() *evidence.Ledger         { return p.deps.Ledger }
func (p *Pipeline) History() *alerts.Store           { return p.deps.History }

func (p *Pipeline) Close() error {
	var errs []error
	if err := p.deps.Dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.deps.Store != nil {
		if err := p.deps.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run executes one pass. Runs are serialized.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	res, err := p.run(ctx, opts)
	p.deps.Metrics.PipelineRun(err == nil, time.Since(start).Seconds())
	if werr := p.deps.Metrics.WriteTextfile(p.cfg.Metrics.Textfile); werr != nil && p.deps.Logger != nil {
		p.deps.Logger.Warn("metrics textfile write failed", "path", p.cfg.Metrics.Textfile, "err", werr)
	}
	if err != nil {
		if p.deps.Logger != nil {
			p.deps.Logger.Error("pipeline run failed", "err", err)
		}
		return res, err
	}
	if p.deps.Logger != nil {
		p.deps.Logger.Info("pipeline run complete",
			"events", res.Events,
			"fused", res.Fused,
			"incidents", res.Incidents,
			"notified", len(res.Notified),
			"escalated", len(res.Escalated),
			"evidence_skipped", res.EvidenceSkipped,
			"duration", time.Since(start).String(),
		)
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, opts Options) (Result, error) {
	cfg := p.cfg
	res := Result{
		Notified:         []string{},
		Escalated:        []string{},
		RiskGeofences:    []analytics.GeofenceRisk{},
		GeofenceBreaches: map[string]int{},
	}
	for _, dir := range []string{cfg.Artifacts.ModelsDir, cfg.Artifacts.PredictionsDir, cfg.Dispatch.OutboxDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, err
		}
	}
	if opts.SampleData {
		if err := ingest.WriteSampleData(cfg.Ingest); err != nil {
			return res, fmt.Errorf("sample data: %w", err)
		}
	}

	raws, err := ingest.NewCollector(cfg.Ingest, p.deps.Logger).Collect(ctx)
	if err != nil {
		return res, err
	}
	events, skipped := normalize.NewNormalizer(cfg.Ingest.Timezone, p.deps.Logger, p.deps.Metrics).NormalizeAll(raws)
	res.Events, res.Skipped = len(events), skipped

	fused := fusion.NewEngine(cfg.Fusion, p.registry.List(), p.deps.Logger).Fuse(events)
	p.deps.Metrics.FusedEvents(len(fused))
	res.Fused = len(fused)

	incidents := p.engine.ScoreAll(fused)
	res.Incidents = len(incidents)
	if p.deps.Store != nil {
		if err := p.deps.Store.SaveIncidents(ctx, incidents); err != nil {
			return res, fmt.Errorf("save incidents: %w", err)
		}
	}

	for _, inc := range incidents {
		if p.engine.ShouldEscalate(inc) && p.deps.Store != nil {
			if _, err := p.deps.Store.CreateCase(ctx, inc.ID, model.CaseEscalated, ""); err != nil {
				return res, fmt.Errorf("escalate %s: %w", inc.ID, err)
			}
			res.Escalated = append(res.Escalated, inc.ID)
		}
		if p.engine.ShouldNotify(inc) {
			n, err := p.deps.Dispatcher.Notify(ctx, inc)
			if err != nil {
				return res, fmt.Errorf("notify %s: %w", inc.ID, err)
			}
			if p.deps.History != nil {
				p.deps.History.Add(n)
			}
			res.Notified = append(res.Notified, inc.ID)
		}
	}

	files := evidenceFiles(events)
	for _, inc := range incidents {
		paths := make([]string, 0)
		for _, id := range inc.RawEventIDs {
			f, ok := files[id]
			if !ok {
				continue
			}
			// Artifacts that cannot be read are skipped one by one.
			if info, err := os.Stat(f); err != nil || !info.Mode().IsRegular() {
				res.EvidenceSkipped++
				if p.deps.Logger != nil {
					p.deps.Logger.Warn("evidence artifact skipped", "incident_id", inc.ID, "file", f, "err", err)
				}
				continue
			}
			paths = append(paths, f)
		}
		recs, err := p.deps.Ledger.Append(inc.ID, paths)
		res.EvidenceRecords += len(recs)
		p.deps.Metrics.EvidenceRecords(len(recs))
		if err != nil {
			return res, fmt.Errorf("evidence %s: %w", inc.ID, err)
		}
	}

	horizon := time.Duration(cfg.Analytics.HorizonDays) * 24 * time.Hour
	res.RiskGeofences = analytics.PredictGeofenceRisk(incidents, p.now(), horizon)
	if _, err := analytics.WriteRiskMap(cfg.Artifacts.PredictionsDir, res.RiskGeofences); err != nil {
		return res, fmt.Errorf("risk map: %w", err)
	}
	res.GeofenceBreaches = analytics.GeofenceBreaches(incidents)
	return res, nil
}

// evidenceFiles maps event id to the image the event was derived from.
func evidenceFiles(events []model.Event) map[string]string {
	out := make(map[string]string)
	for _, ev := range events {
		if path, ok := ev.ImagePath(); ok {
			out[ev.ID] = path
		}
	}
	return out
}
