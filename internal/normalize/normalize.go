// Package normalize validates raw records from ingestion adapters and turns
// them into events. Records that fail validation are skipped individually.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"encroachwatch/internal/metrics"
	"encroachwatch/internal/model"
)

// RawEvent is a record as produced by an ingestion adapter, before its
// timestamp is parsed and its coordinates are checked.
type RawEvent struct {
	ID        string         `json:"id" validate:"required"`
	Source    string         `json:"source" validate:"required"`
	Timestamp string         `json:"timestamp" validate:"required"`
	Lat       *float64       `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon       *float64       `json:"lon" validate:"omitempty,gte=-180,lte=180"`
	Features  map[string]any `json:"features"`
	Artifacts map[string]any `json:"artifacts"`
}

var ErrDuplicate = errors.New("duplicate event id")

type Normalizer struct {
	validate *validator.Validate
	loc      *time.Location
	dedupe   *DedupeCache
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewNormalizer parses timestamps without an offset in timezone (UTC when
// empty or unknown). One normalizer drops repeated ids for its lifetime.
func NewNormalizer(timezone string, logger *slog.Logger, recorder *metrics.Recorder) *Normalizer {
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	return &Normalizer{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		loc:      loc,
		dedupe:   NewDedupeCache(),
		logger:   logger,
		metrics:  recorder,
	}
}

func (n *Normalizer) Normalize(raw RawEvent) (model.Event, error) {
	raw.ID = strings.TrimSpace(raw.ID)
	raw.Source = strings.TrimSpace(raw.Source)
	if err := n.validate.Struct(raw); err != nil {
		return model.Event{}, describe(err)
	}
	if (raw.Lat == nil) != (raw.Lon == nil) {
		return model.Event{}, errors.New("lat and lon must be given together")
	}
	ts, err := ParseTimestamp(raw.Timestamp, n.loc)
	if err != nil {
		return model.Event{}, fmt.Errorf("parse timestamp: %w", err)
	}
	if n.dedupe.Seen(raw.Source + "|" + raw.ID) {
		return model.Event{}, ErrDuplicate
	}
	ev := model.Event{
		ID:        raw.ID,
		Source:    raw.Source,
		Timestamp: ts.UTC(),
		Lat:       raw.Lat,
		Lon:       raw.Lon,
		Features:  raw.Features,
		Artifacts: raw.Artifacts,
	}
	if ev.Features == nil {
		ev.Features = map[string]any{}
	}
	if ev.Artifacts == nil {
		ev.Artifacts = map[string]any{}
	}
	return ev, nil
}

// NormalizeAll keeps input order and logs every skipped record.
func (n *Normalizer) NormalizeAll(raws []RawEvent) ([]model.Event, int) {
	out := make([]model.Event, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		ev, err := n.Normalize(raw)
		if err != nil {
			skipped++
			reason := "invalid"
			if errors.Is(err, ErrDuplicate) {
				reason = "duplicate"
			}
			n.metrics.EventSkipped(raw.Source, reason)
			if n.logger != nil {
				n.logger.Warn("skipping raw event", "event_id", raw.ID, "source", raw.Source, "err", err)
			}
			continue
		}
		n.metrics.EventIngested(ev.Source)
		out = append(out, ev)
	}
	return out, skipped
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02",
}

// ParseTimestamp accepts ISO-8601 variants and unix seconds or milliseconds.
// Layouts without an offset are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
