package ingest

import (
	"math"

	"encroachwatch/internal/model"
	"encroachwatch/internal/normalize"
)

var groundMetrics = []string{"pm25", "noise_db", "vibration", "temp_c"}

type groundRow struct {
	row       Row
	timestamp string
	lat, lon  float64
	values    map[string]float64
}

// readGround converts sensor rows into <metric>_z population z-scores over
// the file. Rows without valid coordinates or with unparsable metrics are
// dropped before the statistics are computed.
func (c *Collector) readGround(path string) ([]normalize.RawEvent, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	parsed := make([]groundRow, 0, len(rows))
	for _, r := range rows {
		lat, okLat, err1 := float(r, "lat", "latitude")
		lon, okLon, err2 := float(r, "lon", "lng", "longitude")
		if err1 != nil || err2 != nil || !okLat || !okLon {
			c.warnRow(path, "missing or invalid coordinates")
			continue
		}
		gr := groundRow{row: r, timestamp: c.timestampOr(firstNonEmpty(r, "timestamp", "time", "ts")), lat: lat, lon: lon, values: map[string]float64{}}
		valid := true
		for _, m := range groundMetrics {
			v, _, err := float(r, m)
			if err != nil {
				valid = false
				break
			}
			gr.values[m] = v
		}
		if !valid {
			c.warnRow(path, "invalid metric value")
			continue
		}
		parsed = append(parsed, gr)
	}
	if len(parsed) == 0 {
		return nil, nil
	}

	type stat struct{ mu, sigma float64 }
	stats := make(map[string]stat, len(groundMetrics))
	n := float64(len(parsed))
	for _, m := range groundMetrics {
		var sum float64
		for _, gr := range parsed {
			sum += gr.values[m]
		}
		mu := sum / n
		var sq float64
		for _, gr := range parsed {
			sq += (gr.values[m] - mu) * (gr.values[m] - mu)
		}
		sigma := math.Sqrt(sq / n)
		if sigma == 0 {
			sigma = 1
		}
		stats[m] = stat{mu, sigma}
	}

	out := make([]normalize.RawEvent, 0, len(parsed))
	for _, gr := range parsed {
		feats := make(map[string]any, len(groundMetrics))
		for _, m := range groundMetrics {
			s := stats[m]
			feats[m+"_z"] = (gr.values[m] - s.mu) / s.sigma
		}
		out = append(out, normalize.RawEvent{
			ID:        NewID("gnd"),
			Source:    SourceGroundSensor,
			Timestamp: gr.timestamp,
			Lat:       model.Float(gr.lat),
			Lon:       model.Float(gr.lon),
			Features:  feats,
			Artifacts: gr.row.artifacts(),
		})
	}
	return out, nil
}

// readSocial keeps posts whose coordinates are missing or unparsable as
// unlocated events.
func (c *Collector) readSocial(path string) ([]normalize.RawEvent, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	out := make([]normalize.RawEvent, 0, len(rows))
	for _, r := range rows {
		ev := normalize.RawEvent{
			ID:        NewID("soc"),
			Source:    SourceSocial,
			Timestamp: c.timestampOr(firstNonEmpty(r, "timestamp", "time", "ts")),
			Features:  map[string]any{"text": firstNonEmpty(r, "text", "body", "message")},
			Artifacts: r.artifacts(),
		}
		if s := firstNonEmpty(r, "source", "platform"); s != "" {
			ev.Source = s
		}
		lat, okLat, err1 := float(r, "lat", "latitude")
		lon, okLon, err2 := float(r, "lon", "lng", "longitude")
		if err1 == nil && err2 == nil && okLat && okLon {
			ev.Lat, ev.Lon = model.Float(lat), model.Float(lon)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (c *Collector) readGPS(path string) ([]normalize.RawEvent, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	out := make([]normalize.RawEvent, 0, len(rows))
	for _, r := range rows {
		lat, okLat, err1 := float(r, "lat", "latitude")
		lon, okLon, err2 := float(r, "lon", "lng", "longitude")
		if err1 != nil || err2 != nil || !okLat || !okLon {
			c.warnRow(path, "missing or invalid coordinates")
			continue
		}
		out = append(out, normalize.RawEvent{
			ID:        NewID("gps"),
			Source:    SourceGPS,
			Timestamp: firstNonEmpty(r, "timestamp", "time", "ts"),
			Lat:       model.Float(lat),
			Lon:       model.Float(lon),
			Features:  map[string]any{},
			Artifacts: r.artifacts(),
		})
	}
	return out, nil
}

func (c *Collector) warnRow(path, reason string) {
	if c.logger != nil {
		c.logger.Warn("skipping csv row", "path", path, "reason", reason)
	}
}
