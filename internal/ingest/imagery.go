package ingest

import (
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"encroachwatch/internal/model"
	"encroachwatch/internal/normalize"
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// readImages emits one unlocated event per decodable image in dir, in file
// name order. Images carry no coordinates; fusion anchors them by time.
func (c *Collector) readImages(ctx context.Context, dir, source, idPrefix string) ([]normalize.RawEvent, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []normalize.RawEvent
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		feats, modTime, err := imageFileFeatures(path)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("skipping unreadable image", "path", path, "err", err)
			}
			continue
		}
		out = append(out, normalize.RawEvent{
			ID:        NewID(idPrefix),
			Source:    source,
			Timestamp: modTime.UTC().Format(time.RFC3339Nano),
			Features:  feats,
			Artifacts: map[string]any{model.ArtifactImagePath: path},
		})
	}
	return out, nil
}

func imageFileFeatures(path string) (map[string]any, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, time.Time{}, err
	}
	return ImageFeatures(img), info.ModTime(), nil
}

// ImageFeatures computes mean_brightness, texture (standard deviation) and
// edge_strength (mean response of a 3x3 Laplacian edge kernel, clamped to
// [0,1]) over the grayscale image scaled to [0,1].
func ImageFeatures(img image.Image) map[string]any {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return map[string]any{"mean_brightness": 0.0, "texture": 0.0, "edge_strength": 0.0}
	}
	gray := make([]float64, w*h)
	var sum float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// ITU-R 601 luma on 16-bit channels.
			v := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 65535
			gray[y*w+x] = v
			sum += v
		}
	}
	n := float64(w * h)
	mean := sum / n
	var sq float64
	for _, v := range gray {
		sq += (v - mean) * (v - mean)
	}
	texture := math.Sqrt(sq / n)

	var edge float64
	if w >= 3 && h >= 3 {
		var es float64
		for y := 1; y < h-1; y++ {
			for x := 1; x < w-1; x++ {
				c := 8 * gray[y*w+x]
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						if dx != 0 || dy != 0 {
							c -= gray[(y+dy)*w+x+dx]
						}
					}
				}
				es += math.Max(0, math.Min(1, c))
			}
		}
		edge = es / float64((w-2)*(h-2))
	}
	return map[string]any{
		"mean_brightness": mean,
		"texture":         texture,
		"edge_strength":   edge,
	}
}
