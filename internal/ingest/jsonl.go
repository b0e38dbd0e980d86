package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"encroachwatch/internal/normalize"
)

type jsonEvent struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Timestamp any            `json:"timestamp"`
	Lat       *float64       `json:"lat"`
	Lon       *float64       `json:"lon"`
	Features  map[string]any `json:"features"`
	Artifacts map[string]any `json:"artifacts"`
}

// readJSONL reads pre-built raw events, one JSON object per line. Lines that
// do not decode are skipped with a warning.
func (c *Collector) readJSONL(ctx context.Context, path string) ([]normalize.RawEvent, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []normalize.RawEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ev, err := ParseJSONBytes([]byte(line))
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("skipping undecodable event line", "path", path, "line", lineNo, "err", err)
			}
			continue
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

// ParseJSONBytes decodes one raw event. Numeric timestamps are read as unix
// seconds or milliseconds.
func ParseJSONBytes(data []byte) (normalize.RawEvent, error) {
	var obj jsonEvent
	if err := json.Unmarshal(data, &obj); err != nil {
		return normalize.RawEvent{}, err
	}
	ev := normalize.RawEvent{
		ID:        obj.ID,
		Source:    obj.Source,
		Lat:       obj.Lat,
		Lon:       obj.Lon,
		Features:  obj.Features,
		Artifacts: obj.Artifacts,
	}
	switch ts := obj.Timestamp.(type) {
	case string:
		ev.Timestamp = ts
	case float64:
		ev.Timestamp = fmt.Sprintf("%.0f", ts)
	}
	return ev, nil
}
