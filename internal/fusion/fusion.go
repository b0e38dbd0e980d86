// Package fusion clusters raw events that are close in space and time into
// fused events.
//
// Located events are clustered greedily, first fit, in timestamp order:
// an event joins the first cluster (in creation order) whose centroid is
// within MaxDistanceM and whose median timestamp is within MaxTimeDelta.
// Unlocated events are then attached to the cluster with the nearest median
// timestamp, or become singletons. The result depends on input order when
// timestamps tie; ties keep the order events were supplied in.
package fusion

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"encroachwatch/internal/config"
	"encroachwatch/internal/geo"
	"encroachwatch/internal/model"
)

const textFeature = "text"

type Engine struct {
	maxDistanceM float64
	maxTimeDelta time.Duration
	geofences    []model.Geofence
	logger       *slog.Logger

	// NewID mints fused event ids.
	NewID func() string
}

func NewEngine(cfg config.FusionConfig, geofences []model.Geofence, logger *slog.Logger) *Engine {
	return &Engine{
		maxDistanceM: cfg.MaxDistanceM,
		maxTimeDelta: cfg.MaxTimeDelta(),
		geofences:    geofences,
		logger:       logger,
		NewID:        NewFusedID,
	}
}

func NewFusedID() string {
	return "fused_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type cluster struct {
	members []model.Event
}

func (c *cluster) centroid() (lat, lon float64, ok bool) {
	var n int
	for _, m := range c.members {
		if !m.Located() {
			continue
		}
		lat += *m.Lat
		lon += *m.Lon
		n++
	}
	if n == 0 {
		return 0, 0, false
	}
	return lat / float64(n), lon / float64(n), true
}

// medianTime is the upper median of all member timestamps.
func (c *cluster) medianTime() time.Time {
	times := make([]time.Time, len(c.members))
	for i, m := range c.members {
		times[i] = m.Timestamp
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times[len(times)/2]
}

func (c *cluster) earliest() time.Time {
	first := c.members[0].Timestamp
	for _, m := range c.members[1:] {
		if m.Timestamp.Before(first) {
			first = m.Timestamp
		}
	}
	return first
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Fuse clusters events and builds one fused event per cluster, in cluster
// creation order. All events must be known before calling.
func (e *Engine) Fuse(events []model.Event) []model.FusedEvent {
	var located, unlocated []model.Event
	for _, ev := range events {
		if ev.Located() {
			located = append(located, ev)
		} else {
			unlocated = append(unlocated, ev)
		}
	}
	sort.SliceStable(located, func(i, j int) bool {
		return located[i].Timestamp.Before(located[j].Timestamp)
	})

	var clusters []*cluster
	for _, ev := range located {
		placed := false
		for _, cl := range clusters {
			lat, lon, ok := cl.centroid()
			if !ok {
				continue
			}
			d := geo.Distance(*ev.Lat, *ev.Lon, lat, lon)
			dt := absDuration(ev.Timestamp.Sub(cl.medianTime()))
			if d <= e.maxDistanceM && dt <= e.maxTimeDelta {
				cl.members = append(cl.members, ev)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{members: []model.Event{ev}})
		}
	}

	for _, ev := range unlocated {
		best := -1
		var bestDT time.Duration
		for i, cl := range clusters {
			dt := absDuration(ev.Timestamp.Sub(cl.medianTime()))
			if best < 0 || dt < bestDT {
				best = i
				bestDT = dt
			}
		}
		if best >= 0 && bestDT <= e.maxTimeDelta {
			clusters[best].members = append(clusters[best].members, ev)
			continue
		}
		clusters = append(clusters, &cluster{members: []model.Event{ev}})
	}

	out := make([]model.FusedEvent, 0, len(clusters))
	for _, cl := range clusters {
		out = append(out, e.build(cl))
	}
	if e.logger != nil {
		e.logger.Debug("fusion complete",
			"events", len(events),
			"located", len(located),
			"unlocated", len(unlocated),
			"fused", len(out),
		)
	}
	return out
}

func (e *Engine) build(cl *cluster) model.FusedEvent {
	fe := model.FusedEvent{
		ID:          e.NewID(),
		Timestamp:   cl.earliest(),
		Features:    model.NewFeatures(),
		Texts:       []string{},
		Sources:     make([]string, 0, len(cl.members)),
		RawEventIDs: make([]string, 0, len(cl.members)),
	}
	if lat, lon, ok := cl.centroid(); ok {
		fe.Lat = model.Float(lat)
		fe.Lon = model.Float(lon)
		if inside, id := geo.FirstContaining(lat, lon, e.geofences); inside {
			fe.InGeofence = true
			fe.GeofenceID = model.String(id)
		}
	}
	for _, m := range cl.members {
		for _, k := range sortedKeys(m.Features) {
			v := m.Features[k]
			if k == textFeature {
				if s, ok := v.(string); ok {
					fe.Texts = append(fe.Texts, s)
					continue
				}
			}
			fe.Features.Set(m.Source+"_"+k, v)
		}
		fe.Sources = append(fe.Sources, m.Source)
		fe.RawEventIDs = append(fe.RawEventIDs, m.ID)
	}
	return fe
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
