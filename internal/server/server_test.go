package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ttn-nguyen42/retryq/internal/broker"
	"github.com/ttn-nguyen42/retryq/internal/metrics"
	"github.com/ttn-nguyen42/retryq/internal/queue"
	"github.com/ttn-nguyen42/retryq/internal/server"
	"github.com/ttn-nguyen42/retryq/internal/state"
	"github.com/ttn-nguyen42/retryq/pkg/api"
	"github.com/ttn-nguyen42/retryq/pkg/queues/bq"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	ts, _ := newTestServerWithQueue(t)
	return ts
}

func newTestServerWithQueue(t *testing.T) (*httptest.Server, queue.MessageQueue) {
	t.Helper()

	dir := t.TempDir()

	q, err := bq.NewQueue(&bq.Options{Path: filepath.Join(dir, "queue.db")})
	if err != nil {
		t.Fatal(err)
	}

	st, err := state.NewStore(&state.StoreOpts{Path: filepath.Join(dir, "state.db")})
	if err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()

	br, err := broker.New(&broker.Options{
		Queue:   "tasks",
		Metrics: metrics.New(reg),
	}, q, st)
	if err != nil {
		t.Fatal(err)
	}

	s := server.NewServer(&server.Options{Gatherer: reg}, br)
	ts := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		ts.Close()
		st.Close()
		q.Close()
	})

	return ts, q
}

func post(t *testing.T, ts *httptest.Server, body string) (*http.Response, api.ErrorResponse) {
	t.Helper()

	resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var e api.ErrorResponse
	if resp.StatusCode != http.StatusAccepted {
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			t.Fatalf("failed to decode error body: %v", err)
		}
	}

	return resp, e
}

func TestSubmitTask(t *testing.T) {
	ts := newTestServer(t)

	t.Run("accepted", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json",
			bytes.NewBufferString(`{"taskId":"T1","payload":{"foo":"bar"}}`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", resp.StatusCode)
		}

		var body api.SubmitTaskResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Message != "Task accepted" || body.TaskId != "T1" {
			t.Fatalf("unexpected body: %+v", body)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		resp, e := post(t, ts, `{"taskId":"T1","payload":{"foo":"other"}}`)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d", resp.StatusCode)
		}
		if e.Message != "task already exists" {
			t.Fatalf("unexpected message: %q", e.Message)
		}
	})

	invalid := map[string]string{
		"malformed json":  `{"taskId":`,
		"missing task id": `{"payload":{"foo":"bar"}}`,
		"blank task id":   `{"taskId":"   ","payload":{"foo":"bar"}}`,
		"missing payload": `{"taskId":"T2"}`,
		"empty payload":   `{"taskId":"T2","payload":{}}`,
	}
	for name, body := range invalid {
		t.Run(name, func(t *testing.T) {
			resp, e := post(t, ts, body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if !strings.HasPrefix(e.Message, "bad request") {
				t.Fatalf("unexpected message: %q", e.Message)
			}
		})
	}
}

func TestGetTask(t *testing.T) {
	ts := newTestServer(t)

	if resp, _ := post(t, ts, `{"taskId":"T1","payload":{"foo":"bar"}}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/api/v1/tasks/T1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var task api.GetTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatal(err)
	}
	if task.TaskId != "T1" || task.Status != string(state.TaskStatusSubmitted) || task.Attempts != 0 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Payload["foo"] != "bar" {
		t.Fatalf("unexpected payload: %v", task.Payload)
	}

	missing, err := http.Get(ts.URL + "/api/v1/tasks/nope")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestListTasks(t *testing.T) {
	ts := newTestServer(t)

	for _, id := range []string{"a", "b", "c"} {
		if resp, _ := post(t, ts, `{"taskId":"`+id+`","payload":{"n":1}}`); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", resp.StatusCode)
		}
	}

	resp, err := http.Get(ts.URL + "/api/v1/tasks?page=1&size=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var list api.ListTasksResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(list.Tasks))
	}
}

func TestGetQueue(t *testing.T) {
	ts := newTestServer(t)

	if resp, _ := post(t, ts, `{"taskId":"T1","payload":{"foo":"bar"}}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/api/v1/queues/tasks")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var q api.GetQueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		t.Fatal(err)
	}
	if q.Name != "tasks" || q.Pending != 1 || q.InFlight != 0 {
		t.Fatalf("unexpected stats: %+v", q)
	}
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t)

	if resp, _ := post(t, ts, `{"taskId":"T1","payload":{"foo":"bar"}}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "retryq_tasks_submitted_total 1") {
		t.Fatalf("submitted counter missing from metrics:\n%s", buf.String())
	}
}

func TestSubmitTaskInternalError(t *testing.T) {
	ts, q := newTestServerWithQueue(t)

	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	resp, e := post(t, ts, `{"taskId":"E1","payload":{"foo":"bar"}}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if e.Message != "Internal server error" {
		t.Fatalf("unexpected message: %q", e.Message)
	}

	task, err := http.Get(ts.URL + "/api/v1/tasks/E1")
	if err != nil {
		t.Fatal(err)
	}
	defer task.Body.Close()

	var info api.GetTaskResponse
	if err := json.NewDecoder(task.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Status != string(state.TaskStatusSubmitted) {
		t.Fatalf("expected the record to stay SUBMITTED, got %+v", info)
	}
}
