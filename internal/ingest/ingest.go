// Package ingest reads the per-source inputs of one pipeline run and
// produces raw events for normalization. Sources are independent and are
// read concurrently; the result is always concatenated in a fixed order.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"encroachwatch/internal/config"
	"encroachwatch/internal/normalize"
)

// Source ids. Fused feature keys are prefixed with these.
const (
	SourceSatellite    = "img"
	SourceAerial       = "aerial"
	SourceGroundSensor = "ground_sensor"
	SourceSocial       = "social"
	SourceGPS          = "gps"
)

type Collector struct {
	cfg    config.IngestConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewCollector(cfg config.IngestConfig, logger *slog.Logger) *Collector {
	return &Collector{cfg: cfg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type source struct {
	name string
	read func(ctx context.Context) ([]normalize.RawEvent, error)
}

func (c *Collector) sources() []source {
	return []source{
		{"satellite", func(ctx context.Context) ([]normalize.RawEvent, error) {
			return c.readImages(ctx, c.cfg.SatelliteDir, SourceSatellite, "sat")
		}},
		{"aerial", func(ctx context.Context) ([]normalize.RawEvent, error) {
			return c.readImages(ctx, c.cfg.AerialDir, SourceAerial, "air")
		}},
		{"ground", func(ctx context.Context) ([]normalize.RawEvent, error) {
			return c.readGround(c.cfg.GroundCSV)
		}},
		{"social", func(ctx context.Context) ([]normalize.RawEvent, error) {
			return c.readSocial(c.cfg.SocialCSV)
		}},
		{"gps", func(ctx context.Context) ([]normalize.RawEvent, error) {
			return c.readGPS(c.cfg.GPSCSV)
		}},
		{"events", func(ctx context.Context) ([]normalize.RawEvent, error) {
			return c.readJSONL(ctx, c.cfg.EventsJSONL)
		}},
	}
}

// Collect reads every configured source. Missing inputs contribute nothing;
// any other read failure aborts the collection.
func (c *Collector) Collect(ctx context.Context) ([]normalize.RawEvent, error) {
	srcs := c.sources()
	results := make([][]normalize.RawEvent, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			evs, err := src.read(gctx)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", src.name, err)
			}
			results[i] = evs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []normalize.RawEvent
	for i, evs := range results {
		if c.logger != nil && len(evs) > 0 {
			c.logger.Info("source ingested", "source", srcs[i].name, "events", len(evs))
		}
		out = append(out, evs...)
	}
	return out, nil
}

// NewID returns prefix_<32 hex chars>.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (c *Collector) timestampOr(value string) string {
	if value != "" {
		return value
	}
	return c.now().Format(time.RFC3339)
}
