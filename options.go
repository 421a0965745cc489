package retryq

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverBolt     = "bolt"
	StoreDriverPostgres = "postgres"
)

type Options struct {
	Addr      string
	QueuePath string
	StatePath string

	// StoreDriver selects the task state backend: bolt or postgres.
	StoreDriver string
	DatabaseURL string

	TasksTable      string
	TaskQueue       string
	DeadLetterQueue string

	BackoffBase     time.Duration
	MaxBackoff      time.Duration
	MaxRetries      int
	MaxReceiveCount int

	// FailureRate is the chance a simulated work run fails. Out of range values select the default.
	FailureRate       float64
	WorkDuration      time.Duration
	VisibilityTimeout time.Duration
	BatchSize         int
	PollInterval      time.Duration

	OtelStdout bool
}

func DefaultOptions(opts *Options) *Options {
	o := &Options{
		Addr:              ":8080",
		QueuePath:         "retryq/queue.db",
		StatePath:         "retryq/state.db",
		StoreDriver:       StoreDriverBolt,
		TasksTable:        "tasks",
		TaskQueue:         "tasks",
		BackoffBase:       5 * time.Second,
		MaxBackoff:        15 * time.Minute,
		MaxRetries:        2,
		FailureRate:       0.3,
		WorkDuration:      time.Second,
		VisibilityTimeout: 30 * time.Second,
		BatchSize:         10,
		PollInterval:      time.Second,
	}
	if opts == nil {
		opts = &Options{FailureRate: -1}
	}

	if len(opts.Addr) > 0 {
		o.Addr = opts.Addr
	}
	if len(opts.QueuePath) > 0 {
		o.QueuePath = opts.QueuePath
	}
	if len(opts.StatePath) > 0 {
		o.StatePath = opts.StatePath
	}
	if len(opts.StoreDriver) > 0 {
		o.StoreDriver = opts.StoreDriver
	}
	o.DatabaseURL = opts.DatabaseURL

	if len(opts.TasksTable) > 0 {
		o.TasksTable = opts.TasksTable
	}
	if len(opts.TaskQueue) > 0 {
		o.TaskQueue = opts.TaskQueue
	}
	o.DeadLetterQueue = o.TaskQueue + "-dlq"
	if len(opts.DeadLetterQueue) > 0 {
		o.DeadLetterQueue = opts.DeadLetterQueue
	}

	if opts.BackoffBase > 0 {
		o.BackoffBase = opts.BackoffBase
	}
	if opts.MaxBackoff > 0 {
		o.MaxBackoff = opts.MaxBackoff
	}
	if opts.MaxRetries > 0 {
		o.MaxRetries = opts.MaxRetries
	}
	o.MaxReceiveCount = o.MaxRetries + 1
	if opts.MaxReceiveCount > 0 {
		o.MaxReceiveCount = opts.MaxReceiveCount
	}

	// zero is a meaningful failure rate, so only out of range values fall back
	if opts.FailureRate >= 0 && opts.FailureRate <= 1 {
		o.FailureRate = opts.FailureRate
	}
	if opts.WorkDuration > 0 {
		o.WorkDuration = opts.WorkDuration
	}
	if opts.VisibilityTimeout > 0 {
		o.VisibilityTimeout = opts.VisibilityTimeout
	}
	if opts.BatchSize > 0 {
		o.BatchSize = opts.BatchSize
	}
	if opts.PollInterval > 0 {
		o.PollInterval = opts.PollInterval
	}
	o.OtelStdout = opts.OtelStdout

	return o
}

// LoadOptions reads options from the environment, after loading a .env file when one exists.
// Unset variables keep their defaults.
func LoadOptions() (*Options, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	o := &Options{
		Addr:            os.Getenv("ADDR"),
		QueuePath:       os.Getenv("QUEUE_PATH"),
		StatePath:       os.Getenv("STATE_PATH"),
		StoreDriver:     os.Getenv("STORE_DRIVER"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		TasksTable:      os.Getenv("TASKS_TABLE"),
		TaskQueue:       os.Getenv("TASK_QUEUE_URL"),
		DeadLetterQueue: os.Getenv("DEAD_LETTER_QUEUE"),
		FailureRate:     -1,
	}

	var err error
	if o.BackoffBase, err = envSeconds("BACKOFF_BASE_SECONDS"); err != nil {
		return nil, err
	}
	if o.MaxBackoff, err = envSeconds("MAX_BACKOFF_SECONDS"); err != nil {
		return nil, err
	}
	if o.MaxRetries, err = envInt("MAX_RETRIES"); err != nil {
		return nil, err
	}
	if o.MaxReceiveCount, err = envInt("MAX_RECEIVE_COUNT"); err != nil {
		return nil, err
	}
	if o.BatchSize, err = envInt("BATCH_SIZE"); err != nil {
		return nil, err
	}
	if o.WorkDuration, err = envDuration("WORK_DURATION"); err != nil {
		return nil, err
	}
	if o.VisibilityTimeout, err = envDuration("VISIBILITY_TIMEOUT"); err != nil {
		return nil, err
	}
	if o.PollInterval, err = envDuration("POLL_INTERVAL"); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv("FAILURE_RATE"); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 || rate > 1 {
			return nil, fmt.Errorf("FAILURE_RATE must be a number between 0 and 1, got %q", v)
		}
		o.FailureRate = rate
	}

	if v, ok := os.LookupEnv("OTEL_STDOUT"); ok {
		if o.OtelStdout, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("OTEL_STDOUT: %w", err)
		}
	}

	switch o.StoreDriver {
	case "", StoreDriverBolt:
	case StoreDriverPostgres:
		if len(o.DatabaseURL) == 0 {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", o.StoreDriver)
	}

	o = DefaultOptions(o)

	// a lower receive count dead-letters tasks whose record is still FAILED_PENDING
	if o.MaxReceiveCount < o.MaxRetries+1 {
		return nil, fmt.Errorf("MAX_RECEIVE_COUNT (%d) must be at least MAX_RETRIES + 1 (%d)",
			o.MaxReceiveCount, o.MaxRetries+1)
	}

	return o, nil
}

func envInt(key string) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || len(v) == 0 {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func envSeconds(key string) (time.Duration, error) {
	n, err := envInt(key)
	return time.Duration(n) * time.Second, err
}

func envDuration(key string) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || len(v) == 0 {
		return 0, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
