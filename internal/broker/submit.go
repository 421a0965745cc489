package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	errs "github.com/ttn-nguyen42/retryq/internal/errors"
	"github.com/ttn-nguyen42/retryq/internal/queue"
	"github.com/ttn-nguyen42/retryq/internal/state"
)

func (b *broker) Submit(ctx context.Context, taskId string, payload map[string]any) (err error) {
	err = validateTask(taskId, payload)
	if err != nil {
		b.logger.
			With("err", err).
			With("task_id", taskId).
			Debug("unable to submit, invalid task")
		return
	}

	err = b.submitTask(ctx, taskId, payload)
	if errors.Is(err, errs.ErrAlreadyExists) {
		b.metrics.Duplicate()
		b.logger.
			With("task_id", taskId).
			Info("task already submitted")
		return
	}
	if err != nil {
		b.logger.
			With("err", err).
			With("task_id", taskId).
			With("queue", b.queue).
			Error("failed to submit task")
		return
	}

	b.metrics.Submitted()
	b.logger.
		With("queue", b.queue).
		With("task_id", taskId).
		Debug("task submitted")
	return nil
}

func validateTask(taskId string, payload map[string]any) (err error) {
	if len(strings.TrimSpace(taskId)) == 0 {
		return errs.NewErrValidation("taskId", "required")
	}

	if len(payload) == 0 {
		return errs.NewErrValidation("payload", "required")
	}

	return nil
}

func (b *broker) submitTask(ctx context.Context, taskId string, payload map[string]any) (err error) {
	ti := state.NewTaskInfo(taskId, payload)

	err = b.state.CreateInfo(ctx, ti)
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to record task info: %w", err)
	}

	msg, err := queue.NewMessage(b.queue, TaskMessage{
		TaskID:  taskId,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode task message: %w", err)
	}

	_, err = b.q.Enqueue(queue.Single(*msg))
	if err != nil {
		// the record stays SUBMITTED without a message until it is reconciled out of band
		b.logger.
			With("task_id", taskId).
			With("err", err).
			Warn("task recorded but not enqueued")
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}
