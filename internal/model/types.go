package model

import "time"

type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Lat       *float64       `json:"lat"`
	Lon       *float64       `json:"lon"`
	Features  map[string]any `json:"features"`
	Artifacts map[string]any `json:"artifacts"`
}

// Located reports whether both coordinates are present.
func (e Event) Located() bool {
	return e.Lat != nil && e.Lon != nil
}

// ImagePath returns the evidence image referenced by the event, if any.
func (e Event) ImagePath() (string, bool) {
	v, ok := e.Artifacts[ArtifactImagePath]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

const ArtifactImagePath = "image_path"

type Geofence struct {
	ID      string       `json:"id" yaml:"id"`
	Name    string       `json:"name,omitempty" yaml:"name,omitempty"`
	Polygon [][2]float64 `json:"polygon" yaml:"polygon"`
}

type FusedEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Lat         *float64  `json:"lat"`
	Lon         *float64  `json:"lon"`
	InGeofence  bool      `json:"in_geofence"`
	GeofenceID  *string   `json:"geofence_id"`
	Features    Features  `json:"features"`
	Texts       []string  `json:"texts"`
	Sources     []string  `json:"sources"`
	RawEventIDs []string  `json:"raw_event_ids"`
}

type Severity struct {
	Environmental float64 `json:"environmental"`
	Legal         float64 `json:"legal"`
	Operational   float64 `json:"operational"`
	Overall       float64 `json:"overall"`
}

type Incident struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	Lat               *float64  `json:"lat"`
	Lon               *float64  `json:"lon"`
	InGeofence        bool      `json:"in_geofence"`
	GeofenceID        *string   `json:"geofence_id"`
	ThreatProbability float64   `json:"threat_probability"`
	TextThreat        float64   `json:"text_threat"`
	Features          Features  `json:"features"`
	Sources           []string  `json:"sources"`
	RawEventIDs       []string  `json:"raw_event_ids"`
	Severity          Severity  `json:"severity"`
}

// Destination is the geofence id an incident notice is routed to.
func (i Incident) Destination() string {
	if i.GeofenceID != nil && *i.GeofenceID != "" {
		return *i.GeofenceID
	}
	return "unknown"
}

type EvidenceRecord struct {
	Timestamp  string `json:"timestamp"`
	IncidentID string `json:"incident_id"`
	File       string `json:"file"`
	FileSHA256 string `json:"file_sha256"`
	PrevHash   string `json:"prev_hash"`
	ChainHash  string `json:"chain_hash"`
}

type CaseStatus string

const (
	CaseOpen      CaseStatus = "open"
	CaseEscalated CaseStatus = "escalated"
	CaseClosed    CaseStatus = "closed"
)

type Case struct {
	ID         int64      `json:"id"`
	IncidentID string     `json:"incident_id"`
	Status     CaseStatus `json:"status"`
	AssignedTo string     `json:"assigned_to"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Float returns a pointer to v, used for optional coordinates.
func Float(v float64) *float64 {
	return &v
}

// String returns a pointer to v.
func String(v string) *string {
	return &v
}
