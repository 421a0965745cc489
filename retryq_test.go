package retryq

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ttn-nguyen42/retryq/internal/state"
	"github.com/ttn-nguyen42/retryq/pkg/queues/bq"
)

func TestRunReturnsAfterShutdown(t *testing.T) {
	dir := t.TempDir()

	rq := NewRetryq(&Options{
		Addr:         "127.0.0.1:0",
		QueuePath:    filepath.Join(dir, "queue.db"),
		StatePath:    filepath.Join(dir, "state.db"),
		PollInterval: 10 * time.Millisecond,
		FailureRate:  -1,
	})

	done := make(chan error, 1)
	go func() {
		done <- rq.Run()
	}()

	time.Sleep(50 * time.Millisecond)
	rq.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	// bbolt holds a file lock until closed, so reopening proves shutdown finished
	st, err := state.NewStore(&state.StoreOpts{Path: filepath.Join(dir, "state.db")})
	if err != nil {
		t.Fatalf("state store was left open: %v", err)
	}
	st.Close()

	q, err := bq.NewQueue(&bq.Options{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatalf("queue was left open: %v", err)
	}
	q.Close()
}
