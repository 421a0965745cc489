package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ttn-nguyen42/retryq/internal/broker"
	errs "github.com/ttn-nguyen42/retryq/internal/errors"
	"github.com/ttn-nguyen42/retryq/internal/metrics"
	"github.com/ttn-nguyen42/retryq/internal/queue"
	"github.com/ttn-nguyen42/retryq/internal/state"
	"github.com/ttn-nguyen42/retryq/internal/telemetry"
	"github.com/ttn-nguyen42/retryq/internal/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Queue is the part of the message queue the processor consumes.
type Queue interface {
	Receive(opts *queue.ReceiveOpts, name string) (queue.Messages, error)
	Ack(msgs queue.Messages) error
	ChangeVisibility(msg queue.Message, timeout time.Duration) error
}

type Config struct {
	// Queue is the work queue to consume.
	Queue string

	BackoffBase time.Duration
	MaxBackoff  time.Duration

	// MaxRetries is the attempt count at which a failing task becomes FAILED_FINAL.
	MaxRetries int

	BatchSize         int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Queue:             "tasks",
		BackoffBase:       5 * time.Second,
		MaxBackoff:        15 * time.Minute,
		MaxRetries:        2,
		BatchSize:         10,
		VisibilityTimeout: 30 * time.Second,
		PollInterval:      time.Second,
	}
}

type Outcome int

const (
	// OutcomeCompleted means the work succeeded and the task is COMPLETED.
	OutcomeCompleted Outcome = iota
	// OutcomeSkipped means there was nothing to do: the task vanished or was already completed.
	OutcomeSkipped
	// OutcomeRetry means the task is FAILED_PENDING and redelivery was delayed.
	OutcomeRetry
	// OutcomeExhausted means the task is FAILED_FINAL.
	OutcomeExhausted
	// OutcomeFailed means the outcome could not be recorded; the queue redelivers.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetry:
		return "retry"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handled reports whether the message may be acknowledged.
func (o Outcome) Handled() bool {
	return o == OutcomeCompleted || o == OutcomeSkipped
}

type Result struct {
	Message queue.Message
	TaskID  string
	Outcome Outcome
	// Attempts is the attempt number this delivery ran as, 0 if no attempt began.
	Attempts int
	// Delay is the requested redelivery delay for OutcomeRetry.
	Delay time.Duration
	Err   error
}

// BatchItemFailure names a message of a batch that must not be acknowledged.
type BatchItemFailure struct {
	ItemIdentifier uint64
}

type BatchResponse struct {
	Results      []Result
	ItemFailures []BatchItemFailure
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Work    Work
}

type Processor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	q     Queue
	store state.Store
	work  Work
}

func New(cfg Config, opts *Options, q Queue, st state.Store) (*Processor, error) {
	if q == nil || st == nil {
		return nil, fmt.Errorf("queue and store are required")
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("max retries must be at least 1")
	}
	if cfg.BackoffBase < 0 {
		return nil, fmt.Errorf("backoff base must be greater than or equal to 0")
	}

	def := DefaultConfig()
	if len(cfg.Queue) == 0 {
		cfg.Queue = def.Queue
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	p := &Processor{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metrics.Nop(),
		tracer:  otel.Tracer(telemetry.InstrumentationName + "/processor"),
		q:       q,
		store:   st,
		work:    SimulatedWork(0.3, time.Second),
	}

	if opts != nil {
		if opts.Logger != nil {
			p.logger = opts.Logger
		}
		if opts.Metrics != nil {
			p.metrics = opts.Metrics
		}
		if opts.Work != nil {
			p.work = opts.Work
		}
	}

	return p, nil
}

// Run polls the work queue until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.
		With("queue", p.cfg.Queue).
		With("batch_size", p.cfg.BatchSize).
		Info("processor is running")

	for {
		if ctx.Err() != nil {
			p.logger.Info("processor is stopped")
			return nil
		}

		n, err := p.Poll(ctx)
		if err != nil {
			p.logger.
				With("err", err).
				Error("failed to poll work queue")
		}

		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Poll receives one batch, processes it and acknowledges every message that was handled.
// It returns the number of messages received.
func (p *Processor) Poll(ctx context.Context) (int, error) {
	msgs, err := p.q.Receive(&queue.ReceiveOpts{
		Limit:             p.cfg.BatchSize,
		VisibilityTimeout: p.cfg.VisibilityTimeout,
	}, p.cfg.Queue)
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	if len(msgs) == 0 {
		return 0, nil
	}

	resp := p.HandleBatch(ctx, msgs)

	failed := utils.NewSet[uint64]()
	for _, f := range resp.ItemFailures {
		failed.Add(f.ItemIdentifier)
	}

	for _, msg := range msgs {
		if failed.Has(msg.ID) {
			continue
		}

		if err := p.q.Ack(queue.Single(msg)); err != nil {
			p.logger.
				With("err", err).
				With("message_id", msg.ID).
				Warn("failed to ack message, it will be redelivered")
		}
	}

	return len(msgs), nil
}

// HandleBatch processes every message of a batch concurrently and reports the ones that must be redelivered.
// A fault in one message never affects the others.
func (p *Processor) HandleBatch(ctx context.Context, msgs queue.Messages) *BatchResponse {
	results := make([]Result, len(msgs))

	var wg sync.WaitGroup
	for i, msg := range msgs {
		i, msg := i, msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = Result{
						Message: msg,
						Outcome: OutcomeFailed,
						Err:     fmt.Errorf("panic while processing message: %v", r),
					}
				}
			}()

			results[i] = p.ProcessOne(ctx, msg)
		}()
	}
	wg.Wait()

	resp := &BatchResponse{
		Results:      results,
		ItemFailures: make([]BatchItemFailure, 0),
	}
	for _, r := range results {
		if r.Outcome.Handled() {
			continue
		}

		p.metrics.MessageFailed(r.Outcome.String())
		resp.ItemFailures = append(resp.ItemFailures, BatchItemFailure{
			ItemIdentifier: r.Message.ID,
		})
	}

	return resp
}

// ProcessOne drives a single delivery through the task state machine.
func (p *Processor) ProcessOne(ctx context.Context, msg queue.Message) (res Result) {
	ctx, span := p.tracer.Start(ctx, "processor.ProcessOne", trace.WithAttributes(
		attribute.String("queue", msg.Queue),
		attribute.Int64("message.id", int64(msg.ID)),
		attribute.Int("message.receive_count", msg.ReceiveCount),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("task.id", res.TaskID),
			attribute.String("outcome", res.Outcome.String()),
			attribute.Int("task.attempts", res.Attempts),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		if !res.Outcome.Handled() {
			span.SetStatus(codes.Error, res.Outcome.String())
		}
		span.End()
	}()

	res.Message = msg

	var body broker.TaskMessage
	if err := msg.Into(&body); err != nil || len(body.TaskID) == 0 {
		if err == nil {
			err = errs.NewErrValidation("taskId", "missing from message body")
		}
		p.logger.
			With("message_id", msg.ID).
			With("err", err).
			Error("failed to decode task message")
		res.Outcome = OutcomeFailed
		res.Err = err
		return
	}
	res.TaskID = body.TaskID

	logger := p.logger.
		With("task_id", body.TaskID).
		With("message_id", msg.ID)

	ti, err := p.store.BeginAttempt(ctx, body.TaskID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		logger.Warn("task not found, skipping processing")
		res.Outcome = OutcomeSkipped
		return
	case errors.Is(err, errs.ErrTerminal):
		return p.resolveTerminal(logger, res, ti)
	case err != nil:
		logger.
			With("err", err).
			Error("failed to begin attempt")
		res.Outcome = OutcomeFailed
		res.Err = err
		return
	}
	res.Attempts = ti.Attempts

	logger = logger.With("attempt", ti.Attempts)
	logger.Debug("processing task")

	workErr := p.work(ctx, ti)
	if workErr != nil && ctx.Err() != nil {
		// shutting down: leave the attempt as it is, the lease expiry redelivers the message
		logger.
			With("err", workErr).
			Warn("processing interrupted")
		res.Outcome = OutcomeFailed
		res.Err = workErr
		return
	}

	if workErr == nil {
		return p.complete(ctx, logger, res)
	}

	return p.fail(ctx, logger, res, workErr)
}

func (p *Processor) complete(ctx context.Context, logger *slog.Logger, res Result) Result {
	ti, err := p.store.Transition(ctx, res.TaskID, state.TaskStatusCompleted, "")
	if errors.Is(err, errs.ErrTerminal) {
		return p.resolveTerminal(logger, res, ti)
	}
	if err != nil {
		logger.
			With("err", err).
			Error("failed to mark task as completed")
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}

	p.metrics.Completed()
	logger.Info("task processed successfully")
	res.Outcome = OutcomeCompleted
	return res
}

func (p *Processor) fail(ctx context.Context, logger *slog.Logger, res Result, workErr error) Result {
	logger = logger.With("work_err", workErr)

	if res.Attempts >= p.cfg.MaxRetries {
		reason := fmt.Sprintf("max retries (%d) reached: %v", p.cfg.MaxRetries, workErr)

		ti, err := p.store.Transition(ctx, res.TaskID, state.TaskStatusFailedFinal, reason)
		if errors.Is(err, errs.ErrTerminal) {
			return p.resolveTerminal(logger, res, ti)
		}
		if err != nil {
			logger.
				With("err", err).
				Error("failed to mark task as failed")
			res.Outcome = OutcomeFailed
			res.Err = err
			return res
		}

		p.metrics.FailedFinal()
		logger.
			With("max_retries", p.cfg.MaxRetries).
			Warn("task reached max retries, leaving it to the dead-letter queue")
		res.Outcome = OutcomeExhausted
		res.Err = workErr
		return res
	}

	reason := fmt.Sprintf("attempt %d failed: %v", res.Attempts, workErr)
	ti, err := p.store.Transition(ctx, res.TaskID, state.TaskStatusFailedPending, reason)
	if errors.Is(err, errs.ErrTerminal) {
		return p.resolveTerminal(logger, res, ti)
	}
	if err != nil {
		logger.
			With("err", err).
			Error("failed to update task after failure")
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}

	delay := Backoff(p.cfg.BackoffBase, res.Attempts, p.cfg.MaxBackoff)
	if err := p.q.ChangeVisibility(res.Message, delay); err != nil {
		logger.
			With("err", err).
			Error("failed to change visibility timeout")
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}

	p.metrics.Retried(res.Attempts)
	logger.
		With("delay", delay).
		Info("task failed, retry scheduled")
	res.Outcome = OutcomeRetry
	res.Delay = delay
	res.Err = workErr
	return res
}

// resolveTerminal settles a delivery for a task that is already terminal.
// A completed task needs nothing more; a finally failed one stays failed so the queue dead-letters it.
func (p *Processor) resolveTerminal(logger *slog.Logger, res Result, ti *state.TaskInfo) Result {
	if ti != nil && ti.Status == state.TaskStatusCompleted {
		logger.Info("task already completed, skipping")
		res.Outcome = OutcomeSkipped
		return res
	}

	logger.Warn("task already failed for good, leaving message to the dead-letter queue")
	res.Outcome = OutcomeExhausted
	return res
}
