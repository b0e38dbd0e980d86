package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"encroachwatch/internal/model"
)

var ErrEmpty = errors.New("config file is empty")

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Geofences  []model.Geofence `json:"geofences" yaml:"geofences"`
	Fusion     FusionConfig     `json:"fusion" yaml:"fusion"`
	Thresholds ThresholdsConfig `json:"thresholds" yaml:"thresholds"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Artifacts  ArtifactsConfig  `json:"artifacts" yaml:"artifacts"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	NLP        NLPConfig        `json:"nlp" yaml:"nlp"`
	API        APIConfig        `json:"api" yaml:"api"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Analytics  AnalyticsConfig  `json:"analytics" yaml:"analytics"`
}

type FusionConfig struct {
	MaxDistanceM  float64 `json:"max_distance_m" yaml:"max_distance_m"`
	MaxTimeDeltaS float64 `json:"max_time_delta_s" yaml:"max_time_delta_s"`
}

func (f FusionConfig) MaxTimeDelta() time.Duration {
	return time.Duration(f.MaxTimeDeltaS * float64(time.Second))
}

type ThresholdsConfig struct {
	SeverityNotifyMin   float64 `json:"severity_notify_min" yaml:"severity_notify_min"`
	SeverityEscalateMin float64 `json:"severity_escalate_min" yaml:"severity_escalate_min"`
}

type DispatchConfig struct {
	Mode           string            `json:"mode" yaml:"mode"`
	OutboxDir      string            `json:"outbox_dir" yaml:"outbox_dir"`
	SigningKeyPath string            `json:"signing_key_path" yaml:"signing_key_path"`
	WebhookURL     string            `json:"webhook_url" yaml:"webhook_url"`
	TimeoutS       float64           `json:"timeout" yaml:"timeout"`
	Retries        int               `json:"retries" yaml:"retries"`
	CABundle       string            `json:"ca_bundle" yaml:"ca_bundle"`
	ClientCert     string            `json:"client_cert" yaml:"client_cert"`
	ClientKey      string            `json:"client_key" yaml:"client_key"`
	Headers        map[string]string `json:"headers" yaml:"headers"`
	SchemaPath     string            `json:"schema_path" yaml:"schema_path"`
	Kafka          KafkaConfig       `json:"kafka" yaml:"kafka"`
}

// Timeout is the per-attempt delivery timeout; the file value is seconds.
func (d DispatchConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutS * float64(time.Second))
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

const (
	ModeLocal   = "local"
	ModeWebhook = "webhook"
	ModeKafka   = "kafka"
)

type ArtifactsConfig struct {
	ModelsDir      string `json:"models_dir" yaml:"models_dir"`
	PredictionsDir string `json:"predictions_dir" yaml:"predictions_dir"`
	EvidenceLedger string `json:"evidence_ledger" yaml:"evidence_ledger"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type IngestConfig struct {
	SatelliteDir string `json:"satellite_dir" yaml:"satellite_dir"`
	AerialDir    string `json:"aerial_dir" yaml:"aerial_dir"`
	GroundCSV    string `json:"ground_csv" yaml:"ground_csv"`
	SocialCSV    string `json:"social_csv" yaml:"social_csv"`
	GPSCSV       string `json:"gps_csv" yaml:"gps_csv"`
	EventsJSONL  string `json:"events_jsonl" yaml:"events_jsonl"`
	Timezone     string `json:"timezone" yaml:"timezone"`
}

type NLPConfig struct {
	TrainingCSV string `json:"training_csv" yaml:"training_csv"`
}

type APIConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	Textfile string `json:"textfile" yaml:"textfile"`
}

type AnalyticsConfig struct {
	HorizonDays int `json:"horizon_days" yaml:"horizon_days"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Geofences: []model.Geofence{
			{
				ID:   "sample_conservation_area",
				Name: "Sample Conservation Area",
				Polygon: [][2]float64{
					{37.3317, -122.0301},
					{37.3317, -122.0000},
					{37.3510, -122.0000},
					{37.3510, -122.0301},
				},
			},
		},
		Fusion:     FusionConfig{MaxDistanceM: 500, MaxTimeDeltaS: 600},
		Thresholds: ThresholdsConfig{SeverityNotifyMin: 0.6, SeverityEscalateMin: 0.8},
		Dispatch: DispatchConfig{
			Mode:           ModeLocal,
			OutboxDir:      "outbox",
			SigningKeyPath: filepath.Join(".secrets", "signing.key"),
			TimeoutS:       10,
			Retries:        5,
			Headers:        map[string]string{},
		},
		Artifacts: ArtifactsConfig{
			ModelsDir:      "artifacts/models",
			PredictionsDir: "artifacts/predictions",
			EvidenceLedger: "artifacts/evidence_ledger.jsonl",
		},
		Storage: StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:artifacts/case_manager.db?_pragma=busy_timeout(5000)"},
		Ingest: IngestConfig{
			SatelliteDir: "data/satellite",
			AerialDir:    "data/aerial",
			GroundCSV:    "data/ground/ground_sensors.csv",
			SocialCSV:    "data/social/sample_social.csv",
			GPSCSV:       "data/gps/gps_events.csv",
			Timezone:     "UTC",
		},
		NLP:       NLPConfig{TrainingCSV: "data/social/training_social.csv"},
		API:       APIConfig{Addr: ":8080"},
		Analytics: AnalyticsConfig{HorizonDays: 30},
	}
}

// Load reads a JSON or YAML config. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, ErrEmpty
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Fusion.MaxDistanceM <= 0 {
		cfg.Fusion.MaxDistanceM = def.Fusion.MaxDistanceM
	}
	if cfg.Fusion.MaxTimeDeltaS <= 0 {
		cfg.Fusion.MaxTimeDeltaS = def.Fusion.MaxTimeDeltaS
	}
	if cfg.Dispatch.Mode == "" {
		cfg.Dispatch.Mode = ModeLocal
	}
	cfg.Dispatch.Mode = strings.ToLower(cfg.Dispatch.Mode)
	if cfg.Dispatch.OutboxDir == "" {
		cfg.Dispatch.OutboxDir = def.Dispatch.OutboxDir
	}
	if cfg.Dispatch.SigningKeyPath == "" {
		cfg.Dispatch.SigningKeyPath = def.Dispatch.SigningKeyPath
	}
	if cfg.Dispatch.TimeoutS <= 0 {
		cfg.Dispatch.TimeoutS = def.Dispatch.TimeoutS
	}
	if cfg.Dispatch.Retries <= 0 {
		cfg.Dispatch.Retries = 1
	}
	if cfg.Artifacts.EvidenceLedger == "" {
		cfg.Artifacts.EvidenceLedger = def.Artifacts.EvidenceLedger
	}
	if cfg.Artifacts.PredictionsDir == "" {
		cfg.Artifacts.PredictionsDir = def.Artifacts.PredictionsDir
	}
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = "UTC"
	}
	if cfg.Analytics.HorizonDays <= 0 {
		cfg.Analytics.HorizonDays = def.Analytics.HorizonDays
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
}

func Validate(cfg *Config) error {
	switch cfg.Dispatch.Mode {
	case ModeLocal:
	case ModeWebhook:
		if cfg.Dispatch.WebhookURL == "" {
			return errors.New("dispatch.webhook_url required when dispatch.mode is webhook")
		}
	case ModeKafka:
		if len(cfg.Dispatch.Kafka.Brokers) == 0 || cfg.Dispatch.Kafka.Topic == "" {
			return errors.New("dispatch.kafka requires brokers and topic")
		}
	default:
		return fmt.Errorf("dispatch.mode must be local, webhook or kafka: %q", cfg.Dispatch.Mode)
	}
	if (cfg.Dispatch.ClientCert == "") != (cfg.Dispatch.ClientKey == "") {
		return errors.New("dispatch.client_cert and dispatch.client_key must be set together")
	}
	t := cfg.Thresholds
	if t.SeverityNotifyMin < 0 || t.SeverityNotifyMin > 1 || t.SeverityEscalateMin < 0 || t.SeverityEscalateMin > 1 {
		return errors.New("thresholds must be within [0,1]")
	}
	seen := make(map[string]struct{}, len(cfg.Geofences))
	for i, gf := range cfg.Geofences {
		if gf.ID == "" {
			return fmt.Errorf("geofences[%d]: id required", i)
		}
		if _, dup := seen[gf.ID]; dup {
			return fmt.Errorf("geofences[%d]: duplicate id %q", i, gf.ID)
		}
		seen[gf.ID] = struct{}{}
		for j, v := range gf.Polygon {
			if v[0] < -90 || v[0] > 90 || v[1] < -180 || v[1] > 180 {
				return fmt.Errorf("geofences[%d].polygon[%d]: coordinate out of range", i, j)
			}
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}
