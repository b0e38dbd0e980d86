package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"encroachwatch/internal/config"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes envelopes keyed by incident id, so notices for one
// incident stay on one partition.
type KafkaSender struct {
	writer messageWriter
	topic  string
	policy RetryPolicy
	logger *slog.Logger
}

func NewKafkaSender(cfg config.DispatchConfig, logger *slog.Logger) (*KafkaSender, error) {
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.Timeout(),
		// Retries are driven by the shared backoff policy instead.
		MaxAttempts: 1,
	}
	return &KafkaSender{
		writer: w,
		topic:  cfg.Kafka.Topic,
		policy: newRetryPolicy(cfg.Retries),
		logger: logger,
	}, nil
}

func (k *KafkaSender) Send(ctx context.Context, env Envelope, body []byte) (int, error) {
	msg := kafka.Message{
		Key:   []byte(env.ID),
		Value: body,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(env.Type)},
			{Key: "destination", Value: []byte(env.Destination)},
		},
	}
	return k.policy.run(ctx, func() error {
		err := k.writer.WriteMessages(ctx, msg)
		if err != nil && k.logger != nil {
			k.logger.Warn("kafka publish attempt failed", "incident_id", env.ID, "topic", k.topic, "err", err)
		}
		return err
	})
}

func (k *KafkaSender) Close() error {
	return k.writer.Close()
}
