package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ttn-nguyen42/retryq/internal/queue"
	"github.com/ttn-nguyen42/retryq/internal/utils"
)

type ReconcileOpts struct {
	Queues   []string
	Interval time.Duration
	Limit    int
}

// reconciler periodically returns in-flight messages whose visibility lease expired
// to the pending set of their queue, which is what makes delayed redelivery happen.
type reconciler struct {
	wg *sync.WaitGroup

	stop   chan utils.Empty
	queues []string
	q      queue.MessageQueue
	dur    time.Duration
	limit  int
	logger *slog.Logger

	once sync.Once
}

func newReconciler(logger *slog.Logger, q queue.MessageQueue, opts ReconcileOpts) *reconciler {
	dur := opts.Interval
	if dur <= 0 {
		dur = time.Second
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	return &reconciler{
		q:      q,
		stop:   make(chan utils.Empty),
		queues: opts.Queues,
		dur:    dur,
		limit:  limit,
		logger: logger,
		wg:     &sync.WaitGroup{},
	}
}

func (w *reconciler) Watch() {
	w.wg.Add(1)

	timer := time.NewTimer(w.dur)
	go func() {
		defer func() {
			timer.Stop()
			w.wg.Done()
		}()

		for {
			select {
			case <-w.stop:
				return
			case <-timer.C:
				w.reconcile()
				timer.Reset(w.dur)
			}
		}
	}()
}

func (w *reconciler) reconcile() {
	for _, qu := range w.queues {
		ids, err := w.q.Reclaim(w.limit, qu)
		if err != nil {
			w.logger.
				With("err", err).
				With("queue", qu).
				Error("failed to reclaim expired messages, skipping")
			continue
		}

		if len(ids) == 0 {
			continue
		}

		w.logger.
			With("queue", qu).
			With("ids", ids).
			Debug("reclaimed expired messages")
	}
}

func (w *reconciler) Stop() {
	w.once.Do(func() {
		close(w.stop)
	})

	w.wg.Wait()
}
