package processor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ttn-nguyen42/retryq/internal/state"
)

// Work is the unit of work run for a task. A non-nil error is a work failure.
type Work func(ctx context.Context, t *state.TaskInfo) error

var ErrSimulatedFailure = errors.New("simulated processing failure")

// SimulatedWork sleeps for dur and then fails with probability failureRate.
func SimulatedWork(failureRate float64, dur time.Duration) Work {
	return func(ctx context.Context, _ *state.TaskInfo) error {
		if dur > 0 {
			timer := time.NewTimer(dur)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}

		if rand.Float64() < failureRate {
			return ErrSimulatedFailure
		}
		return nil
	}
}
