package server

import (
	"errors"
	"net/http"

	"github.com/ggicci/httpin"
	"github.com/go-chi/chi/v5"
	errs "github.com/ttn-nguyen42/retryq/internal/errors"
	"github.com/ttn-nguyen42/retryq/internal/state"
	"github.com/ttn-nguyen42/retryq/pkg/api"
)

func toTaskInfo(t *state.TaskInfo) api.TaskInfo {
	return api.TaskInfo{
		TaskId:    t.ID,
		Status:    string(t.Status),
		Attempts:  t.Attempts,
		Payload:   t.Payload,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func getTask(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.GetTaskRequest)

		task, err := rt.br.Get(r.Context(), req.TaskId)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			fail(w, http.StatusNotFound, "task not found")
			return
		case errors.Is(err, errs.ErrValidation):
			fail(w, http.StatusBadRequest, "bad request: "+err.Error())
			return
		case err != nil:
			fail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		if err := encode(w, http.StatusOK, api.GetTaskResponse(toTaskInfo(task))); err != nil {
			rt.logger.
				With("err", err).
				Error("failed to write response")
		}
	}

	sm.
		With(httpin.NewInput(api.GetTaskRequest{})).
		Get("/api/v1/tasks/{taskId}", handler)
}

func listTasks(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.ListTasksRequest)

		tasks, err := rt.br.List(r.Context(), req.Page, req.Size)
		if err != nil {
			fail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		resp := api.ListTasksResponse{
			Tasks: make([]api.TaskInfo, 0, len(tasks)),
		}

		for i := range tasks {
			resp.Tasks = append(resp.Tasks, toTaskInfo(&tasks[i]))
		}

		if err := encode(w, http.StatusOK, resp); err != nil {
			rt.logger.
				With("err", err).
				Error("failed to write response")
		}
	}

	sm.
		With(httpin.NewInput(api.ListTasksRequest{})).
		Get("/api/v1/tasks", handler)
}
