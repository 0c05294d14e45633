package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

const dialAttempts = 5

// Intake consumes JobRequest messages from an AMQP queue and submits them
type Intake struct {
	config config.AMQPConfig
	jobs   JobService
	policy backoff.Policy
	timer  cbackoff.Timer
	dialer func(url string) (*amqp.Connection, error)
}

// IntakeOption configures an Intake
type IntakeOption func(*Intake)

// WithDialPolicy sets the delays between broker connection attempts
func WithDialPolicy(p backoff.Policy) IntakeOption {
	return func(i *Intake) {
		i.policy = p
	}
}

// WithDialTimer replaces the timer used between broker connection attempts
func WithDialTimer(t cbackoff.Timer) IntakeOption {
	return func(i *Intake) {
		i.timer = t
	}
}

// NewIntake creates an AMQP intake
func NewIntake(cfg config.AMQPConfig, jobs JobService, opts ...IntakeOption) *Intake {
	i := &Intake{
		config: cfg,
		jobs:   jobs,
		policy: backoff.DefaultPolicy(),
		dialer: amqp.Dial,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start consumes until ctx is cancelled or the broker connection is lost
func (i *Intake) Start(ctx context.Context) error {
	conn, err := i.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(i.config.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", i.config.Queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set AMQP prefetch: %w", err)
	}

	deliveries, err := ch.Consume(i.config.Queue, "video-ingest-service", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", i.config.Queue, err)
	}

	slog.Info("Consuming job requests", "queue", i.config.Queue)
	for {
		select {
		case <-ctx.Done():
			slog.Info("AMQP intake stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("AMQP delivery channel closed")
			}
			i.handleDelivery(d)
		}
	}
}

func (i *Intake) dial(ctx context.Context) (*amqp.Connection, error) {
	var conn *amqp.Connection
	operation := func() error {
		c, err := i.dialer(i.config.URL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("Failed to connect to AMQP broker, retrying",
			"wait", wait,
			"error", err,
		)
	}

	b := cbackoff.WithContext(i.policy.WithMaxAttempts(dialAttempts), ctx)
	if err := cbackoff.RetryNotifyWithTimer(operation, b, notify, i.timer); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to connect to AMQP broker after %d attempts: %w", dialAttempts, err)
	}
	return conn, nil
}

// handleDelivery submits one message. Malformed or rejected requests are
// dropped; anything else is requeued.
func (i *Intake) handleDelivery(d amqp.Delivery) {
	err := i.submit(d.Body)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			slog.Error("Failed to ack job request", "error", err)
		}
	case ingesterr.KindOf(err) == ingesterr.KindValidation:
		slog.Warn("Dropping job request", "error", err)
		if err := d.Nack(false, false); err != nil {
			slog.Error("Failed to nack job request", "error", err)
		}
	default:
		slog.Error("Failed to submit job request, requeueing", "error", err)
		if err := d.Nack(false, true); err != nil {
			slog.Error("Failed to nack job request", "error", err)
		}
	}
}

func (i *Intake) submit(body []byte) error {
	req := JobRequest{Priority: models.PriorityNormal}
	if err := json.Unmarshal(body, &req); err != nil {
		return ingesterr.Validation("intake", "malformed job request: %v", err)
	}
	if req.VideoID == "" {
		return ingesterr.Validation("intake", "job request has no videoId")
	}

	job, err := i.jobs.Submit(req.VideoID, req.Priority, req.Metadata)
	if err != nil {
		return err
	}
	slog.Info("Submitted processing job from queue",
		"jobId", job.JobID,
		"videoId", job.VideoID,
		"priority", job.Priority.String(),
	)
	return nil
}
