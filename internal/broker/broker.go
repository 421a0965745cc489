package broker

import (
	"context"
	"log/slog"

	"github.com/ttn-nguyen42/retryq/internal/metrics"
	"github.com/ttn-nguyen42/retryq/internal/queue"
	"github.com/ttn-nguyen42/retryq/internal/state"
)

type Broker interface {
	// Submit registers a task and enqueues it for processing.
	//
	// Submitting an ID that already exists is a no-op that returns ErrAlreadyExists.
	// Invalid input is rejected with ErrValidation before the store is touched.
	Submit(ctx context.Context, taskId string, payload map[string]any) (err error)

	// Get returns the stored record of a task.
	Get(ctx context.Context, id string) (t *state.TaskInfo, err error)

	// List returns a page of stored task records.
	List(ctx context.Context, page uint64, size uint64) (tasks []state.TaskInfo, err error)

	// Stats returns the message counts of a queue.
	Stats(name string) (stats *QueueStats, err error)

	// Run starts returning expired in-flight messages to their queues.
	Run() error

	// Stop stops the background reconciler.
	Stop()
}

type QueueStats struct {
	Name      string
	Pending   uint64
	InFlight  uint64
	Completed uint64
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Queue is the work queue tasks are submitted to.
	Queue string

	// Reconcile lists the queues whose expired leases are reclaimed. Defaults to Queue.
	Reconcile ReconcileOpts
}

type broker struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	q       queue.MessageQueue
	state   state.Store
	queue   string

	rec *reconciler
}

func New(opts *Options, q queue.MessageQueue, s state.Store) (Broker, error) {
	o := defaultOpts(opts)

	b := &broker{
		logger:  o.Logger,
		metrics: o.Metrics,
		q:       q,
		state:   s,
		queue:   o.Queue,
	}
	b.rec = newReconciler(o.Logger, q, o.Reconcile)

	return b, nil
}

func defaultOpts(opts *Options) *Options {
	o := &Options{
		Logger:  slog.Default(),
		Metrics: metrics.Nop(),
		Queue:   "tasks",
	}
	if opts == nil {
		o.Reconcile.Queues = []string{o.Queue}
		return o
	}

	if opts.Logger != nil {
		o.Logger = opts.Logger
	}
	if opts.Metrics != nil {
		o.Metrics = opts.Metrics
	}
	if len(opts.Queue) > 0 {
		o.Queue = opts.Queue
	}
	o.Reconcile = opts.Reconcile
	if len(o.Reconcile.Queues) == 0 {
		o.Reconcile.Queues = []string{o.Queue}
	}

	return o
}

func (b *broker) Run() error {
	b.rec.Watch()
	return nil
}

func (b *broker) Stop() {
	b.rec.Stop()
}
