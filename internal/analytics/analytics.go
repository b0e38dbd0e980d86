// Package analytics aggregates stored incidents into per-geofence risk and
// severity summaries.
package analytics

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"encroachwatch/internal/model"
)

const (
	RiskMapFile = "risk_map.csv"

	HighSeverity   = 0.8
	MediumSeverity = 0.6

	summaryDetails = 10
)

type GeofenceRisk struct {
	GeofenceID string  `json:"geofence_id"`
	Risk       float64 `json:"risk"`
	Count      int     `json:"count"`
}

// PredictGeofenceRisk averages overall severity per destination geofence for
// incidents no older than horizon. Geofences appear in first-seen order.
func PredictGeofenceRisk(incidents []model.Incident, now time.Time, horizon time.Duration) []GeofenceRisk {
	cutoff := now.Add(-horizon)
	index := make(map[string]int)
	sums := make([]float64, 0)
	out := make([]GeofenceRisk, 0)
	for _, inc := range incidents {
		if inc.Timestamp.Before(cutoff) {
			continue
		}
		id := inc.Destination()
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, GeofenceRisk{GeofenceID: id})
			sums = append(sums, 0)
		}
		sums[i] += inc.Severity.Overall
		out[i].Count++
	}
	for i := range out {
		out[i].Risk = round4(sums[i] / float64(out[i].Count))
	}
	return out
}

// WriteRiskMap writes risks as CSV into dir and returns the file path.
func WriteRiskMap(dir string, risks []GeofenceRisk) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, RiskMapFile)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"geofence_id", "risk", "count"})
	for _, r := range risks {
		_ = w.Write([]string{r.GeofenceID, strconv.FormatFloat(r.Risk, 'f', -1, 64), strconv.Itoa(r.Count)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, f.Close()
}

type Buckets struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

type SeverityDetail struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	GeofenceID        *string   `json:"geofence_id"`
	Severity          float64   `json:"severity"`
	ThreatProbability float64   `json:"threat_probability"`
}

type Summary struct {
	Buckets Buckets          `json:"buckets"`
	Count   int              `json:"count"`
	Details []SeverityDetail `json:"details"`
}

// SeveritySummary buckets incidents by overall severity and keeps the first
// ten as details, in input order.
func SeveritySummary(incidents []model.Incident) Summary {
	s := Summary{Count: len(incidents), Details: make([]SeverityDetail, 0, min(len(incidents), summaryDetails))}
	for _, inc := range incidents {
		sev := inc.Severity.Overall
		switch {
		case sev >= HighSeverity:
			s.Buckets.High++
		case sev >= MediumSeverity:
			s.Buckets.Medium++
		default:
			s.Buckets.Low++
		}
		if len(s.Details) < summaryDetails {
			s.Details = append(s.Details, SeverityDetail{
				ID:                inc.ID,
				Timestamp:         inc.Timestamp,
				GeofenceID:        inc.GeofenceID,
				Severity:          sev,
				ThreatProbability: inc.ThreatProbability,
			})
		}
	}
	return s
}

// GeofenceBreaches counts incidents that fell inside each geofence.
func GeofenceBreaches(incidents []model.Incident) map[string]int {
	out := make(map[string]int)
	for _, inc := range incidents {
		if inc.InGeofence {
			out[inc.Destination()]++
		}
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
