// Command loadtest submits a burst of tasks to a running retryq server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ttn-nguyen42/retryq/pkg/api"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

func main() {
	var (
		endpoint    = flag.String("endpoint", "http://localhost:8080/api/v1/tasks", "task submission url")
		count       = flag.Int("count", 100, "number of tasks to submit")
		concurrency = flag.Int("concurrency", 1, "number of requests in flight")
		perSecond   = flag.Float64("rate", 0, "maximum requests per second, 0 for unlimited")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *count <= 0 || *concurrency <= 0 {
		logger.Error("count and concurrency must be positive")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	limit := rate.Inf
	if *perSecond > 0 {
		limit = rate.Limit(*perSecond)
	}

	lt := &loadtest{
		endpoint: *endpoint,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, *concurrency),
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	start := time.Now()
	lt.run(ctx, *count, *concurrency)

	logger.
		With("sent", *count).
		With("accepted", lt.accepted.Load()).
		With("failed", lt.failed.Load()).
		With("elapsed", time.Since(start).String()).
		Info("finished sending tasks")
}

type loadtest struct {
	endpoint string
	logger   *slog.Logger
	limiter  *rate.Limiter
	client   *http.Client

	accepted atomic.Int64
	failed   atomic.Int64
}

func (l *loadtest) run(ctx context.Context, count int, concurrency int) {
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := l.limiter.Wait(ctx); err != nil {
					l.failed.Add(1)
					continue
				}
				l.send(ctx, i)
			}
		}()
	}

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}
		jobs <- i
	}
	close(jobs)

	wg.Wait()
}

func (l *loadtest) send(ctx context.Context, i int) {
	taskId := uuid.NewString()
	logger := l.logger.With("task_id", taskId)

	body, err := json.Marshal(api.SubmitTaskRequest{
		TaskId: taskId,
		Payload: map[string]any{
			"foo":       "bar",
			"index":     i,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		l.failed.Add(1)
		logger.With("err", err).Error("failed to encode task")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		l.failed.Add(1)
		logger.With("err", err).Error("failed to build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		l.failed.Add(1)
		logger.With("err", err).Error("failed to send task")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		l.failed.Add(1)
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		logger.
			With("status", resp.StatusCode).
			With("message", e.Message).
			Error("task was rejected")
		return
	}

	l.accepted.Add(1)
	logger.
		With("index", i).
		With("status", resp.StatusCode).
		Info("task sent")
}
