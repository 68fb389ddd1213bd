package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// PublisherConfig configures the JetStream checkpoint publisher.
type PublisherConfig struct {
	// Stream is the JetStream stream holding checkpoint messages.
	// Default "CHECKPOINTS".
	Stream string

	// SubjectPrefix is the subject prefix; snapshots are published to
	// "<prefix>.<run-id>". Default "checkpoint".
	SubjectPrefix string

	// MaxAge bounds checkpoint retention in the stream. Default 24h.
	MaxAge time.Duration

	// Logger is the zap logger instance. Required.
	Logger *zap.Logger
}

// Publisher publishes every snapshot to NATS JetStream, so an external
// checkpoint store can be layered on the engine without the engine knowing
// about any particular storage technology.
type Publisher struct {
	js     nats.JetStreamContext
	cfg    PublisherConfig
	logger *zap.Logger
}

// NewPublisher creates a publisher over an established JetStream context and
// ensures the configured stream exists.
func NewPublisher(js nats.JetStreamContext, cfg PublisherConfig) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("jetstream context cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Stream == "" {
		cfg.Stream = "CHECKPOINTS"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "checkpoint"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	if err := ensureStream(js, cfg); err != nil {
		return nil, fmt.Errorf("failed to ensure stream %q exists: %w", cfg.Stream, err)
	}

	return &Publisher{js: js, cfg: cfg, logger: cfg.Logger}, nil
}

// ensureStream creates the checkpoint stream if it doesn't exist.
func ensureStream(js nats.JetStreamContext, cfg PublisherConfig) error {
	info, err := js.StreamInfo(cfg.Stream)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info for %q: %w", cfg.Stream, err)
		}

		cfg.Logger.Info("Creating JetStream checkpoint stream", zap.String("stream", cfg.Stream))
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{fmt.Sprintf("%s.*", cfg.SubjectPrefix)},
			Storage:  nats.FileStorage,
			MaxAge:   cfg.MaxAge,
			Replicas: 1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %q: %w", cfg.Stream, err)
		}
		return nil
	}

	cfg.Logger.Info("JetStream checkpoint stream already exists",
		zap.String("stream", cfg.Stream),
		zap.Uint64("messages", info.State.Msgs))
	return nil
}

// Checkpoint implements Hook by publishing the snapshot as JSON to the
// run's checkpoint subject.
func (p *Publisher) Checkpoint(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.cfg.SubjectPrefix, snap.RunID)
	if _, err := p.js.Publish(subject, payload, nats.Context(ctx)); err != nil {
		p.logger.Error("Failed to publish checkpoint",
			zap.String("subject", subject),
			zap.String("run_id", snap.RunID),
			zap.Int("step", snap.Step),
			zap.Error(err))
		return fmt.Errorf("checkpoint publish failed: %w", err)
	}

	p.logger.Debug("Published checkpoint",
		zap.String("subject", subject),
		zap.String("run_id", snap.RunID),
		zap.Int("step", snap.Step),
		zap.Uint64("version", snap.Version))
	return nil
}
