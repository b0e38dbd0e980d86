package ingest

import (
	"encoding/csv"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"encroachwatch/internal/config"
)

// WriteSampleData creates a small demo dataset around the default geofence.
// Existing files are left untouched.
func WriteSampleData(cfg config.IngestConfig) error {
	if err := writeCSVIfMissing(cfg.SocialCSV, [][]string{
		{"timestamp", "source", "text", "lat", "lon"},
		{"2025-01-01T12:00:00+00:00", "twitter", "Illegal dumping spotted near river", "37.34", "-122.015"},
		{"2025-01-01T12:05:00+00:00", "news", "Construction noise reported downtown", "37.345", "-122.01"},
		{"2025-01-01T13:00:00+00:00", "twitter", "Great weather for a hike today", "", ""},
	}); err != nil {
		return err
	}
	if err := writeCSVIfMissing(cfg.GroundCSV, [][]string{
		{"timestamp", "lat", "lon", "pm25", "noise_db", "vibration", "temp_c"},
		{"2025-01-01T11:58:00+00:00", "37.341", "-122.017", "12", "45", "0.2", "22"},
		{"2025-01-01T12:02:00+00:00", "37.342", "-122.016", "55", "78", "0.8", "23"},
		{"2025-01-01T12:07:00+00:00", "37.344", "-122.014", "30", "60", "0.5", "22.5"},
	}); err != nil {
		return err
	}
	if err := writeCSVIfMissing(cfg.GPSCSV, [][]string{
		{"timestamp", "lat", "lon"},
		{"2025-01-01T12:03:00+00:00", "37.3425", "-122.0155"},
		{"2025-01-01T12:06:00+00:00", "37.3460", "-122.0120"},
	}); err != nil {
		return err
	}
	for _, dir := range []string{cfg.AerialDir, cfg.SatelliteDir} {
		if dir == "" {
			continue
		}
		if err := writeSampleImage(filepath.Join(dir, "sample1.png")); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVIfMissing(path string, rows [][]string) error {
	if path == "" || exists(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeSampleImage draws a dark square on a light background.
func writeSampleImage(path string) error {
	if exists(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	light := color.RGBA{200, 200, 200, 255}
	dark := color.RGBA{90, 90, 90, 255}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if x > 20 && x < 44 && y > 20 && y < 44 {
				img.Set(x, y, dark)
			} else {
				img.Set(x, y, light)
			}
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
