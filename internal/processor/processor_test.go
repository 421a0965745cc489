package processor_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ttn-nguyen42/retryq/internal/broker"
	errs "github.com/ttn-nguyen42/retryq/internal/errors"
	"github.com/ttn-nguyen42/retryq/internal/processor"
	"github.com/ttn-nguyen42/retryq/internal/queue"
	"github.com/ttn-nguyen42/retryq/internal/state"
)

type fakeQueue struct {
	mu sync.Mutex

	batch  queue.Messages
	acked  []uint64
	delays map[uint64]time.Duration
	visErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{delays: make(map[uint64]time.Duration)}
}

func (f *fakeQueue) Receive(_ *queue.ReceiveOpts, _ string) (queue.Messages, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.batch
	f.batch = nil
	return b, nil
}

func (f *fakeQueue) Ack(msgs queue.Messages) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acked = append(f.acked, msgs.IDs()...)
	return nil
}

func (f *fakeQueue) ChangeVisibility(msg queue.Message, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.visErr != nil {
		return f.visErr
	}
	f.delays[msg.ID] = timeout
	return nil
}

func (f *fakeQueue) delay(id uint64) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.delays[id]
	return d, ok
}

var errWork = errors.New("work failed")

func failWork(context.Context, *state.TaskInfo) error { return errWork }

func okWork(context.Context, *state.TaskInfo) error { return nil }

func testConfig() processor.Config {
	cfg := processor.DefaultConfig()
	cfg.BackoffBase = 5 * time.Second
	cfg.MaxRetries = 2
	return cfg
}

func newTestStore(t *testing.T) state.Store {
	t.Helper()

	st, err := state.NewStore(&state.StoreOpts{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	return st
}

func newProcessor(t *testing.T, q processor.Queue, st state.Store, work processor.Work) *processor.Processor {
	t.Helper()

	p, err := processor.New(testConfig(), &processor.Options{Work: work}, q, st)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func submit(t *testing.T, st state.Store, id string) {
	t.Helper()

	if err := st.CreateInfo(context.Background(), state.NewTaskInfo(id, map[string]any{"foo": "bar"})); err != nil {
		t.Fatal(err)
	}
}

func message(t *testing.T, id uint64, taskId string) queue.Message {
	t.Helper()

	body, err := json.Marshal(broker.TaskMessage{
		TaskID:  taskId,
		Payload: map[string]any{"foo": "bar"},
	})
	if err != nil {
		t.Fatal(err)
	}

	return queue.Message{ID: id, Queue: "tasks", Body: body}
}

func getTask(t *testing.T, st state.Store, id string) *state.TaskInfo {
	t.Helper()

	ti, err := st.GetInfo(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return ti
}

func TestRetryThenFinalFailure(t *testing.T) {
	ctx := context.Background()
	q := newFakeQueue()
	st := newTestStore(t)
	p := newProcessor(t, q, st, failWork)

	submit(t, st, "T1")

	t.Run("first attempt fails", func(t *testing.T) {
		res := p.ProcessOne(ctx, message(t, 1, "T1"))
		if res.Outcome != processor.OutcomeRetry {
			t.Fatalf("expected retry, got %s (%v)", res.Outcome, res.Err)
		}
		if res.Attempts != 1 {
			t.Fatalf("expected attempt 1, got %d", res.Attempts)
		}

		delay, ok := q.delay(1)
		if !ok || delay != 5*time.Second {
			t.Fatalf("expected a 5s delay to be requested, got %v (requested: %v)", delay, ok)
		}

		ti := getTask(t, st, "T1")
		if ti.Status != state.TaskStatusFailedPending || ti.Attempts != 1 {
			t.Fatalf("unexpected task: %+v", ti)
		}
		if len(ti.Error) == 0 {
			t.Fatal("expected failure reason to be recorded")
		}
	})

	t.Run("second attempt exhausts retries", func(t *testing.T) {
		res := p.ProcessOne(ctx, message(t, 2, "T1"))
		if res.Outcome != processor.OutcomeExhausted {
			t.Fatalf("expected exhausted, got %s (%v)", res.Outcome, res.Err)
		}
		if res.Outcome.Handled() {
			t.Fatal("exhausted message must be reported failed")
		}

		if _, ok := q.delay(2); ok {
			t.Fatal("no delay should be requested once retries are exhausted")
		}

		ti := getTask(t, st, "T1")
		if ti.Status != state.TaskStatusFailedFinal || ti.Attempts != 2 {
			t.Fatalf("unexpected task: %+v", ti)
		}
	})

	t.Run("redelivery of a finally failed task", func(t *testing.T) {
		res := p.ProcessOne(ctx, message(t, 3, "T1"))
		if res.Outcome != processor.OutcomeExhausted {
			t.Fatalf("expected exhausted, got %s", res.Outcome)
		}

		ti := getTask(t, st, "T1")
		if ti.Status != state.TaskStatusFailedFinal || ti.Attempts != 2 {
			t.Fatalf("terminal task was modified: %+v", ti)
		}
	})
}

func TestSuccess(t *testing.T) {
	ctx := context.Background()
	q := newFakeQueue()
	st := newTestStore(t)

	submit(t, st, "T2")

	res := newProcessor(t, q, st, okWork).ProcessOne(ctx, message(t, 1, "T2"))
	if res.Outcome != processor.OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", res.Outcome, res.Err)
	}

	ti := getTask(t, st, "T2")
	if ti.Status != state.TaskStatusCompleted || ti.Attempts != 1 || ti.Error != "" {
		t.Fatalf("unexpected task: %+v", ti)
	}

	t.Run("redelivery is a no-op", func(t *testing.T) {
		res := newProcessor(t, q, st, failWork).ProcessOne(ctx, message(t, 2, "T2"))
		if res.Outcome != processor.OutcomeSkipped {
			t.Fatalf("expected skipped, got %s", res.Outcome)
		}

		ti := getTask(t, st, "T2")
		if ti.Status != state.TaskStatusCompleted || ti.Attempts != 1 {
			t.Fatalf("terminal task was modified: %+v", ti)
		}
	})
}

func TestSuccessAfterRetryClearsError(t *testing.T) {
	ctx := context.Background()
	q := newFakeQueue()
	st := newTestStore(t)

	submit(t, st, "T3")

	if res := newProcessor(t, q, st, failWork).ProcessOne(ctx, message(t, 1, "T3")); res.Outcome != processor.OutcomeRetry {
		t.Fatalf("expected retry, got %s", res.Outcome)
	}

	if res := newProcessor(t, q, st, okWork).ProcessOne(ctx, message(t, 2, "T3")); res.Outcome != processor.OutcomeCompleted {
		t.Fatalf("expected completed, got %s", res.Outcome)
	}

	ti := getTask(t, st, "T3")
	if ti.Status != state.TaskStatusCompleted || ti.Attempts != 2 || ti.Error != "" {
		t.Fatalf("unexpected task: %+v", ti)
	}
}

func TestMissingTask(t *testing.T) {
	ctx := context.Background()
	q := newFakeQueue()
	st := newTestStore(t)

	res := newProcessor(t, q, st, failWork).ProcessOne(ctx, message(t, 1, "ghost"))
	if res.Outcome != processor.OutcomeSkipped || !res.Outcome.Handled() {
		t.Fatalf("expected handled skip, got %s", res.Outcome)
	}

	if _, err := st.GetInfo(ctx, "ghost"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected no task to be created, got %v", err)
	}

	if _, ok := q.delay(1); ok {
		t.Fatal("no delay should be requested for a missing task")
	}
}

func TestVisibilityFailure(t *testing.T) {
	ctx := context.Background()
	q := newFakeQueue()
	q.visErr = errors.New("queue unavailable")
	st := newTestStore(t)

	submit(t, st, "T4")

	res := newProcessor(t, q, st, failWork).ProcessOne(ctx, message(t, 1, "T4"))
	if res.Outcome != processor.OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}

	ti := getTask(t, st, "T4")
	if ti.Status != state.TaskStatusFailedPending {
		t.Fatalf("unexpected task: %+v", ti)
	}
}

func TestUndecodableMessage(t *testing.T) {
	q := newFakeQueue()
	st := newTestStore(t)

	for _, body := range []string{`not json`, `{"payload":{}}`} {
		msg := queue.Message{ID: 1, Queue: "tasks", Body: []byte(body)}
		res := newProcessor(t, q, st, okWork).ProcessOne(context.Background(), msg)
		if res.Outcome != processor.OutcomeFailed {
			t.Fatalf("body %q: expected failed, got %s", body, res.Outcome)
		}
	}
}

func TestHandleBatch(t *testing.T) {
	ctx := context.Background()
	q := newFakeQueue()
	st := newTestStore(t)

	submit(t, st, "ok")
	submit(t, st, "boom")
	submit(t, st, "retry")

	work := func(_ context.Context, ti *state.TaskInfo) error {
		switch ti.ID {
		case "boom":
			panic("unexpected")
		case "retry":
			return errWork
		default:
			return nil
		}
	}

	msgs := queue.Messages{
		message(t, 1, "ok"),
		message(t, 2, "boom"),
		message(t, 3, "retry"),
		message(t, 4, "missing"),
	}

	resp := newProcessor(t, q, st, work).HandleBatch(ctx, msgs)

	failed := make(map[uint64]bool)
	for _, f := range resp.ItemFailures {
		failed[f.ItemIdentifier] = true
	}

	if len(failed) != 2 || !failed[2] || !failed[3] {
		t.Fatalf("expected messages 2 and 3 to fail, got %v", resp.ItemFailures)
	}

	if ti := getTask(t, st, "ok"); ti.Status != state.TaskStatusCompleted {
		t.Fatalf("sibling of a panicking message was not completed: %+v", ti)
	}
	if ti := getTask(t, st, "retry"); ti.Status != state.TaskStatusFailedPending {
		t.Fatalf("unexpected task: %+v", ti)
	}
}

func TestPollAcksHandledMessages(t *testing.T) {
	ctx := context.Background()
	q := newFakeQueue()
	st := newTestStore(t)

	submit(t, st, "a")
	submit(t, st, "b")

	work := func(_ context.Context, ti *state.TaskInfo) error {
		if ti.ID == "b" {
			return errWork
		}
		return nil
	}

	q.batch = queue.Messages{
		message(t, 10, "a"),
		message(t, 11, "b"),
		message(t, 12, "gone"),
	}

	n, err := newProcessor(t, q, st, work).Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 messages received, got %d", n)
	}

	acked := make(map[uint64]bool)
	for _, id := range q.acked {
		acked[id] = true
	}
	if len(acked) != 2 || !acked[10] || !acked[12] || acked[11] {
		t.Fatalf("expected messages 10 and 12 to be acked, got %v", q.acked)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	st := newTestStore(t)

	cfg := testConfig()
	cfg.MaxRetries = 0
	if _, err := processor.New(cfg, nil, newFakeQueue(), st); err == nil {
		t.Fatal("expected error for zero max retries")
	}

	if _, err := processor.New(testConfig(), nil, nil, st); err == nil {
		t.Fatal("expected error for missing queue")
	}
}

// faultyStore fails every Transition while reads and attempts still go to the wrapped store.
type faultyStore struct {
	state.Store
	err error
}

func (f *faultyStore) Transition(context.Context, string, state.TaskStatus, string) (*state.TaskInfo, error) {
	return nil, f.err
}

func TestStoreFailure(t *testing.T) {
	cases := map[string]struct {
		work     processor.Work
		attempts int
	}{
		"completing":       {okWork, 0},
		"scheduling retry": {failWork, 0},
		"failing for good": {failWork, 1},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newFakeQueue()
			st := newTestStore(t)

			submit(t, st, "T7")
			for i := 0; i < c.attempts; i++ {
				if _, err := st.BeginAttempt(ctx, "T7"); err != nil {
					t.Fatal(err)
				}
			}

			faulty := &faultyStore{Store: st, err: errors.New("store unavailable")}
			p := newProcessor(t, q, faulty, c.work)

			q.batch = queue.Single(message(t, 1, "T7"))
			if _, err := p.Poll(ctx); err != nil {
				t.Fatal(err)
			}

			if len(q.acked) != 0 {
				t.Fatalf("message must not be acked when the store write failed, acked %v", q.acked)
			}
			if _, ok := q.delay(1); ok {
				t.Fatal("no delay should be requested when the store write failed")
			}

			res := p.ProcessOne(ctx, message(t, 2, "T7"))
			if res.Outcome != processor.OutcomeFailed || res.Err == nil {
				t.Fatalf("expected failed with error, got %s (%v)", res.Outcome, res.Err)
			}

			ti := getTask(t, st, "T7")
			if ti.Status != state.TaskStatusProcessing {
				t.Fatalf("expected task to stay PROCESSING, got %+v", ti)
			}
		})
	}
}
