package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"encroachwatch/internal/config"
)

// WebhookSender POSTs envelopes over HTTPS, optionally with a private CA
// bundle and a client certificate.
type WebhookSender struct {
	url     string
	client  *http.Client
	headers map[string]string
	policy  RetryPolicy
	logger  *slog.Logger
}

func NewWebhookSender(cfg config.DispatchConfig, logger *slog.Logger) (*WebhookSender, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("webhook url is empty")
	}
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &WebhookSender{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: cfg.Timeout(), Transport: transport},
		headers: cfg.Headers,
		policy:  newRetryPolicy(cfg.Retries),
		logger:  logger,
	}, nil
}

func buildTLSConfig(cfg config.DispatchConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CABundle != "" {
		pem, err := os.ReadFile(cfg.CABundle)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s has no certificates", cfg.CABundle)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	if retryableStatus(e.Code) {
		return nil
	}
	return ErrNonRetryable
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func (w *WebhookSender) Send(ctx context.Context, env Envelope, body []byte) (int, error) {
	return w.policy.run(ctx, func() error {
		err := w.post(ctx, body)
		if err != nil && w.logger != nil {
			w.logger.Warn("webhook delivery attempt failed", "incident_id", env.ID, "err", err)
		}
		return err
	})
}

func (w *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNonRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
