package broker

import (
	"context"
	"fmt"

	errs "github.com/ttn-nguyen42/retryq/internal/errors"
	"github.com/ttn-nguyen42/retryq/internal/state"
	"github.com/ttn-nguyen42/retryq/internal/utils"
)

func (b *broker) Get(ctx context.Context, id string) (t *state.TaskInfo, err error) {
	if len(id) == 0 {
		return nil, errs.NewErrValidation("taskId", "required")
	}

	t, err = b.state.GetInfo(ctx, id)
	if err != nil {
		err = fmt.Errorf("failed to retrieve task info: %w", err)
		b.logger.
			With("task_id", id).
			With("err", err).
			Debug("failed to get task")
		return nil, err
	}

	return t, nil
}

func (b *broker) List(ctx context.Context, page uint64, size uint64) (tasks []state.TaskInfo, err error) {
	skip, limit := utils.ToSkipAndLimit(page, size)

	tasks, err = b.state.ListInfo(ctx, skip, limit)
	if err != nil {
		err = fmt.Errorf("failed to list task info: %w", err)
		b.logger.
			With("err", err).
			Error("failed to list tasks")
		return nil, err
	}

	return tasks, nil
}

func (b *broker) Stats(name string) (stats *QueueStats, err error) {
	if len(name) == 0 {
		return nil, errs.NewErrValidation("queue", "required")
	}

	stats = &QueueStats{Name: name}

	if stats.Pending, err = b.q.Pending(name); err != nil {
		return nil, fmt.Errorf("failed to count pending messages: %w", err)
	}

	if stats.InFlight, err = b.q.InFlight(name); err != nil {
		return nil, fmt.Errorf("failed to count in-flight messages: %w", err)
	}

	if stats.Completed, err = b.q.Completed(name); err != nil {
		return nil, fmt.Errorf("failed to count completed messages: %w", err)
	}

	return stats, nil
}
