// Package metrics exposes pipeline counters on a private Prometheus registry.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "encroachwatch"

type Recorder struct {
	registry *prometheus.Registry

	eventsIngested *prometheus.CounterVec
	eventsSkipped  *prometheus.CounterVec
	fusedEvents    prometheus.Counter
	incidents      prometheus.Counter
	severity       prometheus.Histogram
	notifications  *prometheus.CounterVec
	evidence       prometheus.Counter
	runs           *prometheus.CounterVec
	runDuration    prometheus.Histogram
}

func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}
	r.eventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_ingested_total",
		Help:      "Raw events accepted, by source",
	}, []string{"source"})
	r.eventsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_skipped_total",
		Help:      "Raw events dropped, by source and reason",
	}, []string{"source", "reason"})
	r.fusedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fused_events_total",
		Help:      "Fused events produced",
	})
	r.incidents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "incidents_total",
		Help:      "Incidents scored",
	})
	r.severity = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "incident_overall_severity",
		Help:      "Overall severity of scored incidents",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
	})
	r.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Incident notifications, by delivery outcome",
	}, []string{"outcome"})
	r.evidence = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evidence_records_total",
		Help:      "Evidence ledger records appended",
	})
	r.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_runs_total",
		Help:      "Pipeline runs, by result",
	}, []string{"result"})
	r.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_run_duration_seconds",
		Help:      "Wall time of a pipeline run",
		Buckets:   prometheus.DefBuckets,
	})
	r.registry.MustRegister(
		r.eventsIngested,
		r.eventsSkipped,
		r.fusedEvents,
		r.incidents,
		r.severity,
		r.notifications,
		r.evidence,
		r.runs,
		r.runDuration,
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) EventIngested(source string) {
	if r == nil {
		return
	}
	r.eventsIngested.WithLabelValues(source).Inc()
}

func (r *Recorder) EventSkipped(source, reason string) {
	if r == nil {
		return
	}
	r.eventsSkipped.WithLabelValues(source, reason).Inc()
}

func (r *Recorder) FusedEvents(n int) {
	if r == nil {
		return
	}
	r.fusedEvents.Add(float64(n))
}

func (r *Recorder) IncidentScored(overall float64) {
	if r == nil {
		return
	}
	r.incidents.Inc()
	r.severity.Observe(overall)
}

func (r *Recorder) Notification(outcome string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(outcome).Inc()
}

func (r *Recorder) EvidenceRecords(n int) {
	if r == nil {
		return
	}
	r.evidence.Add(float64(n))
}

func (r *Recorder) PipelineRun(ok bool, seconds float64) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.runs.WithLabelValues(result).Inc()
	r.runDuration.Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry for node_exporter's textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
