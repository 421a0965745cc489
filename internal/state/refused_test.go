package state

import (
	"errors"
	"testing"

	errs "github.com/ttn-nguyen42/retryq/internal/errors"
)

func TestRefused(t *testing.T) {
	for _, status := range []TaskStatus{TaskStatusCompleted, TaskStatusFailedFinal} {
		cur := &TaskInfo{ID: "T1", Status: status}

		got, err := refused(cur, TaskStatusProcessing)
		if !errors.Is(err, errs.ErrTerminal) {
			t.Fatalf("%s: expected ErrTerminal, got %v", status, err)
		}
		if got != cur {
			t.Fatalf("%s: expected the current record back", status)
		}
	}

	// a row that appeared between the update and the read back was never counted
	for _, status := range []TaskStatus{TaskStatusSubmitted, TaskStatusProcessing, TaskStatusFailedPending} {
		cur := &TaskInfo{ID: "T1", Status: status, Attempts: 1}

		_, err := refused(cur, TaskStatusProcessing)
		if err == nil {
			t.Fatalf("%s: expected an error for an update that was not applied", status)
		}
		if errors.Is(err, errs.ErrTerminal) || errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("%s: unexpected error class: %v", status, err)
		}
	}
}
