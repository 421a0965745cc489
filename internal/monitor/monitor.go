package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ttn-nguyen42/retryq/internal/broker"
	errs "github.com/ttn-nguyen42/retryq/internal/errors"
	"github.com/ttn-nguyen42/retryq/internal/metrics"
	"github.com/ttn-nguyen42/retryq/internal/queue"
	"github.com/ttn-nguyen42/retryq/internal/state"
	"github.com/ttn-nguyen42/retryq/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Queue is the part of the message queue the monitor consumes.
type Queue interface {
	Receive(opts *queue.ReceiveOpts, name string) (queue.Messages, error)
	Ack(msgs queue.Messages) error
}

type Config struct {
	// DeadLetterQueue is the queue to watch.
	DeadLetterQueue string

	BatchSize         int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Diagnostic is the correlated view of a dead-lettered task.
type Diagnostic struct {
	TaskID        string           `json:"taskId"`
	Attempts      int              `json:"attempts"`
	Payload       map[string]any   `json:"payload"`
	Status        state.TaskStatus `json:"status"`
	Error         string           `json:"error"`
	DLQMessageID  uint64           `json:"dlqMessageId"`
	SentTimestamp time.Time        `json:"sentTimestamp"`
	SourceQueue   string           `json:"sourceQueue,omitempty"`

	// Found is false when the task has no stored record.
	Found bool `json:"found"`
	// DecodeError is set when the message body could not be read.
	DecodeError string `json:"decodeError,omitempty"`
}

func (d Diagnostic) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("taskId", d.TaskID),
		slog.Int("attempts", d.Attempts),
		slog.Any("payload", d.Payload),
		slog.String("status", string(d.Status)),
		slog.String("error", d.Error),
		slog.Uint64("dlqMessageId", d.DLQMessageID),
		slog.Time("sentTimestamp", d.SentTimestamp),
	}
	if len(d.SourceQueue) > 0 {
		attrs = append(attrs, slog.String("sourceQueue", d.SourceQueue))
	}
	if len(d.DecodeError) > 0 {
		attrs = append(attrs, slog.String("decodeError", d.DecodeError))
	}
	return slog.GroupValue(attrs...)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Monitor reports dead-lettered tasks. It never writes to the store.
type Monitor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	q     Queue
	store state.Store
}

func New(cfg Config, opts *Options, q Queue, st state.Store) (*Monitor, error) {
	if q == nil || st == nil {
		return nil, fmt.Errorf("queue and store are required")
	}
	if len(cfg.DeadLetterQueue) == 0 {
		return nil, fmt.Errorf("dead-letter queue is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	m := &Monitor{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metrics.Nop(),
		tracer:  otel.Tracer(telemetry.InstrumentationName + "/monitor"),
		q:       q,
		store:   st,
	}
	if opts != nil {
		if opts.Logger != nil {
			m.logger = opts.Logger
		}
		if opts.Metrics != nil {
			m.metrics = opts.Metrics
		}
	}

	return m, nil
}

// Run polls the dead-letter queue until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.
		With("dlq", m.cfg.DeadLetterQueue).
		Info("dead-letter monitor is running")

	for {
		if ctx.Err() != nil {
			m.logger.Info("dead-letter monitor is stopped")
			return nil
		}

		n, err := m.Poll(ctx)
		if err != nil {
			m.logger.
				With("err", err).
				Error("failed to poll dead-letter queue")
		}

		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// Poll handles one batch of dead-lettered messages and acknowledges them.
// A message whose record could not be read is left for redelivery.
func (m *Monitor) Poll(ctx context.Context) (int, error) {
	msgs, err := m.q.Receive(&queue.ReceiveOpts{
		Limit:             m.cfg.BatchSize,
		VisibilityTimeout: m.cfg.VisibilityTimeout,
	}, m.cfg.DeadLetterQueue)
	if err != nil {
		return 0, fmt.Errorf("failed to receive dead-lettered messages: %w", err)
	}

	for _, msg := range msgs {
		if _, err := m.OnDeadLettered(ctx, msg); err != nil {
			continue
		}

		if err := m.q.Ack(queue.Single(msg)); err != nil {
			m.logger.
				With("err", err).
				With("dlq_message_id", msg.ID).
				Warn("failed to ack dead-lettered message")
		}
	}

	return len(msgs), nil
}

// OnDeadLettered correlates a dead-lettered message with its stored task and emits a diagnostic.
// It only fails when the store could not be read.
func (m *Monitor) OnDeadLettered(ctx context.Context, msg queue.Message) (Diagnostic, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.OnDeadLettered", trace.WithAttributes(
		attribute.Int64("message.id", int64(msg.ID)),
	))
	defer span.End()

	d := Diagnostic{
		DLQMessageID:  msg.ID,
		SentTimestamp: msg.SentAt,
		SourceQueue:   msg.SourceQueue,
	}

	var body broker.TaskMessage
	if err := msg.Into(&body); err != nil {
		d.DecodeError = err.Error()
	}
	d.TaskID = body.TaskID
	d.Payload = body.Payload
	span.SetAttributes(attribute.String("task.id", d.TaskID))

	if len(d.TaskID) > 0 {
		ti, err := m.store.GetInfo(ctx, d.TaskID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
		case err != nil:
			span.RecordError(err)
			m.logger.
				With("err", err).
				With("task_id", d.TaskID).
				With("dlq_message_id", msg.ID).
				Error("failed to read dead-lettered task")
			return d, err
		default:
			d.Found = true
			d.Attempts = ti.Attempts
			d.Status = ti.Status
			d.Error = ti.Error
			if d.Payload == nil {
				d.Payload = ti.Payload
			}
		}
	}

	m.metrics.DeadLettered()
	m.logger.
		With("diagnostic", d).
		Error("task landed in dead-letter queue")

	return d, nil
}
