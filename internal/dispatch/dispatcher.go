// Package dispatch signs incident notices, records them in a local outbox
// and delivers them best effort to a webhook or Kafka topic.
//
// The outbox write is the durability guarantee: Notify fails only when the
// signing key or the outbox is unusable. Remote delivery results are carried
// in Notification.Outcome and never surface as errors.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"encroachwatch/internal/config"
	"encroachwatch/internal/metrics"
	"encroachwatch/internal/model"
)

type Outcome string

const (
	OutcomeLocalOnly          Outcome = "local_only"
	OutcomeDelivered          Outcome = "delivered"
	OutcomeRetriesExhausted   Outcome = "retries_exhausted"
	OutcomeValidationRejected Outcome = "validation_rejected"
	OutcomeRejected           Outcome = "rejected"
)

// Sender delivers a signed envelope and reports how many attempts it took.
type Sender interface {
	Send(ctx context.Context, env Envelope, body []byte) (int, error)
}

type Notification struct {
	IncidentID string    `json:"incident_id"`
	Timestamp  time.Time `json:"timestamp"`
	Mode       string    `json:"mode"`
	OutboxPath string    `json:"outbox_path"`
	Outcome    Outcome   `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	Envelope   Envelope  `json:"envelope"`
}

type Dispatcher struct {
	mode      string
	outboxDir string
	keys      KeyStore
	validator *SchemaValidator
	sender    Sender
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

// New builds a dispatcher for cfg.Mode. Remote modes get a schema validator
// and a sender; local mode only writes the outbox.
func New(cfg config.DispatchConfig, keys KeyStore, logger *slog.Logger, recorder *metrics.Recorder) (*Dispatcher, error) {
	if keys == nil {
		return nil, errors.New("dispatch: key store is required")
	}
	d := &Dispatcher{
		mode:      cfg.Mode,
		outboxDir: cfg.OutboxDir,
		keys:      keys,
		logger:    logger,
		metrics:   recorder,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if d.mode == "" {
		d.mode = config.ModeLocal
	}
	var err error
	switch d.mode {
	case config.ModeLocal:
		return d, nil
	case config.ModeWebhook:
		d.sender, err = NewWebhookSender(cfg, logger)
	case config.ModeKafka:
		d.sender, err = NewKafkaSender(cfg, logger)
	default:
		return nil, fmt.Errorf("dispatch: unknown mode %q", d.mode)
	}
	if err != nil {
		return nil, err
	}
	if d.validator, err = NewSchemaValidator(cfg.SchemaPath); err != nil {
		return nil, err
	}
	return d, nil
}

// NewWithSender builds a remote-mode dispatcher around an existing sender.
func NewWithSender(mode, outboxDir string, keys KeyStore, validator *SchemaValidator, sender Sender, logger *slog.Logger, recorder *metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		mode:      mode,
		outboxDir: outboxDir,
		keys:      keys,
		validator: validator,
		sender:    sender,
		logger:    logger,
		metrics:   recorder,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Mode() string {
	return d.mode
}

// Notify signs the incident notice, appends it to the outbox and, in remote
// modes, attempts delivery. Only key or outbox failures return an error.
func (d *Dispatcher) Notify(ctx context.Context, inc model.Incident) (Notification, error) {
	n := Notification{
		IncidentID: inc.ID,
		Timestamp:  d.now(),
		Mode:       d.mode,
		Outcome:    OutcomeLocalOnly,
	}
	key, err := d.keys.Key()
	if err != nil {
		return n, fmt.Errorf("signing key: %w", err)
	}
	env := BuildEnvelope(inc)
	if env.Signature, err = Sign(key, env); err != nil {
		return n, fmt.Errorf("sign envelope: %w", err)
	}
	n.Envelope = env
	body, err := json.Marshal(env)
	if err != nil {
		return n, fmt.Errorf("encode envelope: %w", err)
	}
	if n.OutboxPath, err = d.writeOutbox(inc.ID, body); err != nil {
		return n, fmt.Errorf("outbox: %w", err)
	}

	if d.sender != nil {
		d.deliver(ctx, &n, env, body)
	}
	d.metrics.Notification(string(n.Outcome))
	if d.logger != nil {
		d.logger.Info("incident notice dispatched",
			"incident_id", inc.ID,
			"destination", env.Destination,
			"mode", d.mode,
			"outcome", n.Outcome,
			"attempts", n.Attempts,
		)
	}
	return n, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification, env Envelope, body []byte) {
	if d.validator != nil {
		if err := d.validator.ValidateJSON(body); err != nil {
			n.Outcome = OutcomeValidationRejected
			n.Error = err.Error()
			return
		}
	}
	attempts, err := d.sender.Send(ctx, env, body)
	n.Attempts = attempts
	switch {
	case err == nil:
		n.Outcome = OutcomeDelivered
	case errors.Is(err, ErrNonRetryable):
		n.Outcome = OutcomeRejected
		n.Error = err.Error()
	default:
		n.Outcome = OutcomeRetriesExhausted
		n.Error = err.Error()
	}
}

// OutboxPath is the deterministic outbox file for an incident id.
func (d *Dispatcher) OutboxPath(incidentID string) string {
	return filepath.Join(d.outboxDir, "notice_"+sanitizeID(incidentID)+".jsonl")
}

func (d *Dispatcher) writeOutbox(incidentID string, body []byte) (string, error) {
	if err := os.MkdirAll(d.outboxDir, 0o755); err != nil {
		return "", err
	}
	path := d.OutboxPath(incidentID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(append(body, '\n')); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func (d *Dispatcher) Close() error {
	if c, ok := d.sender.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func sanitizeID(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
