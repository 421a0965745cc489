package retryq

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/ttn-nguyen42/retryq/internal/broker"
	"github.com/ttn-nguyen42/retryq/internal/metrics"
	"github.com/ttn-nguyen42/retryq/internal/monitor"
	"github.com/ttn-nguyen42/retryq/internal/processor"
	"github.com/ttn-nguyen42/retryq/internal/queue"
	"github.com/ttn-nguyen42/retryq/internal/server"
	"github.com/ttn-nguyen42/retryq/internal/state"
	"github.com/ttn-nguyen42/retryq/internal/telemetry"
	"github.com/ttn-nguyen42/retryq/internal/utils"
	"github.com/ttn-nguyen42/retryq/pkg/queues/bq"
)

type Retryq struct {
	opts *Options

	stop chan utils.Empty

	logger *slog.Logger

	br broker.Broker
	qu queue.MessageQueue
	st state.Store

	proc *processor.Processor
	mon  *monitor.Monitor
	hs   *server.Server

	shutdownTracing func(context.Context) error
}

func NewRetryq(opts *Options) *Retryq {
	o := DefaultOptions(opts)

	logger := slog.NewTextHandler(
		os.Stdout,
		&slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	)

	rq := &Retryq{
		opts:   o,
		logger: slog.New(logger),
		stop:   make(chan utils.Empty, 1),
	}
	if err := rq.init(); err != nil {
		rq.logger.
			With("err", err).
			Error("failed to initialize retryq")
		log.Fatalf("failed to initialize retryq: %v", err)
	}

	return rq
}

func (r *Retryq) init() error {
	shutdown, err := telemetry.Setup(r.opts.OtelStdout)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	r.shutdownTracing = shutdown

	if err := r.mkdir(r.opts.QueuePath); err != nil {
		return err
	}
	q, err := bq.NewQueue(&bq.Options{
		Logger: r.logger,
		Path:   r.opts.QueuePath,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	q.SetRedrivePolicy(r.opts.TaskQueue, queue.RedrivePolicy{
		DeadLetterQueue: r.opts.DeadLetterQueue,
		MaxReceiveCount: r.opts.MaxReceiveCount,
	})
	r.qu = q

	st, err := r.openStore()
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}
	r.st = st

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	r.br, err = broker.New(&broker.Options{
		Logger:  r.logger,
		Metrics: m,
		Queue:   r.opts.TaskQueue,
		Reconcile: broker.ReconcileOpts{
			Queues:   []string{r.opts.TaskQueue, r.opts.DeadLetterQueue},
			Interval: r.opts.PollInterval,
		},
	}, r.qu, r.st)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	r.proc, err = processor.New(processor.Config{
		Queue:             r.opts.TaskQueue,
		BackoffBase:       r.opts.BackoffBase,
		MaxBackoff:        r.opts.MaxBackoff,
		MaxRetries:        r.opts.MaxRetries,
		BatchSize:         r.opts.BatchSize,
		VisibilityTimeout: r.opts.VisibilityTimeout,
		PollInterval:      r.opts.PollInterval,
	}, &processor.Options{
		Logger:  r.logger,
		Metrics: m,
		Work:    processor.SimulatedWork(r.opts.FailureRate, r.opts.WorkDuration),
	}, r.qu, r.st)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	r.mon, err = monitor.New(monitor.Config{
		DeadLetterQueue:   r.opts.DeadLetterQueue,
		BatchSize:         r.opts.BatchSize,
		VisibilityTimeout: r.opts.VisibilityTimeout,
		PollInterval:      r.opts.PollInterval,
	}, &monitor.Options{
		Logger:  r.logger,
		Metrics: m,
	}, r.qu, r.st)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	r.hs = server.NewServer(&server.Options{
		Addr:     r.opts.Addr,
		Logger:   r.logger,
		Gatherer: reg,
	}, r.br)

	r.logger.
		With("queue", r.opts.TaskQueue).
		With("dlq", r.opts.DeadLetterQueue).
		With("store", r.opts.StoreDriver).
		With("max_retries", r.opts.MaxRetries).
		With("max_receive_count", r.opts.MaxReceiveCount).
		Info("retryq is initialized")

	return nil
}

func (r *Retryq) openStore() (state.Store, error) {
	if r.opts.StoreDriver == StoreDriverPostgres {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return state.NewPostgresStore(ctx, &state.PostgresOpts{
			DSN:    r.opts.DatabaseURL,
			Table:  r.opts.TasksTable,
			Logger: r.logger,
		})
	}

	if err := r.mkdir(r.opts.StatePath); err != nil {
		return nil, err
	}
	return state.NewStore(&state.StoreOpts{
		Logger: r.logger,
		Path:   r.opts.StatePath,
		Table:  r.opts.TasksTable,
	})
}

func (r *Retryq) mkdir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	r.logger.
		With("dir", dir).
		Debug("directory created")
	return nil
}

func (r *Retryq) Run() error {
	if err := r.br.Run(); err != nil {
		r.logger.
			With("err", err).
			Error("failed to run broker")
		return err
	}

	if err := r.hs.Run(); err != nil {
		r.logger.
			With("err", err).
			Error("failed to run server")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = r.proc.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = r.mon.Run(ctx)
	}()

	<-r.stop

	r.logger.Info("retryq is stopping")
	if err := r.hs.Close(); err != nil {
		r.logger.
			With("err", err).
			Error("failed to close server")
	}

	cancel()
	wg.Wait()

	r.br.Stop()

	if err := r.st.Close(); err != nil {
		r.logger.
			With("err", err).
			Error("failed to close state store")
	}

	if err := r.qu.Close(); err != nil {
		r.logger.
			With("err", err).
			Error("failed to close queue")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := r.shutdownTracing(flushCtx); err != nil {
		r.logger.
			With("err", err).
			Error("failed to flush traces")
	}

	r.logger.Info("retryq is stopped")

	return nil
}

func (r *Retryq) Close() {
	r.stop <- utils.Empty{}
}
