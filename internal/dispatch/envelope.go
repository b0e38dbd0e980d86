package dispatch

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/goccy/go-json"

	"encroachwatch/internal/model"
)

const EnvelopeType = "incident.notice"

type Location struct {
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	GeofenceID *string  `json:"geofence_id"`
}

type Payload struct {
	Severity          float64  `json:"severity"`
	ThreatProbability float64  `json:"threat_probability"`
	Location          Location `json:"location"`
	Sources           []string `json:"sources"`
}

type Envelope struct {
	ID          string  `json:"id"`
	Timestamp   string  `json:"timestamp"`
	Type        string  `json:"type"`
	Destination string  `json:"destination"`
	Payload     Payload `json:"payload"`
	Signature   string  `json:"signature"`
}

// BuildEnvelope packages an incident without a signature.
func BuildEnvelope(inc model.Incident) Envelope {
	sources := inc.Sources
	if sources == nil {
		sources = []string{}
	}
	return Envelope{
		ID:          inc.ID,
		Timestamp:   inc.Timestamp.UTC().Format(time.RFC3339),
		Type:        EnvelopeType,
		Destination: inc.Destination(),
		Payload: Payload{
			Severity:          inc.Severity.Overall,
			ThreatProbability: inc.ThreatProbability,
			Location: Location{
				Lat:        inc.Lat,
				Lon:        inc.Lon,
				GeofenceID: inc.GeofenceID,
			},
			Sources: sources,
		},
	}
}

// Canonical returns the envelope without its signature as JSON with object
// keys sorted at every level and no insignificant whitespace.
func Canonical(env Envelope) ([]byte, error) {
	env.Signature = ""
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	delete(m, "signature")
	return json.Marshal(m)
}

// Sign returns base64url(HMAC-SHA256(key, Canonical(env))).
func Sign(key []byte, env Envelope) (string, error) {
	body, err := Canonical(env)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyEnvelope recomputes the signature and compares in constant time.
func VerifyEnvelope(key []byte, env Envelope) bool {
	want, err := Sign(key, env)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(env.Signature))
}
