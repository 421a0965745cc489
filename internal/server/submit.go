package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	errs "github.com/ttn-nguyen42/retryq/internal/errors"
	"github.com/ttn-nguyen42/retryq/pkg/api"
)

func submitTask(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		var req api.SubmitTaskRequest

		if err := decode(r, &req); err != nil {
			fail(w, http.StatusBadRequest, "bad request: "+err.Error())
			return
		}

		err := rt.br.Submit(r.Context(), req.TaskId, req.Payload)
		switch {
		case errors.Is(err, errs.ErrValidation):
			fail(w, http.StatusBadRequest, "bad request: "+err.Error())
			return
		case errors.Is(err, errs.ErrAlreadyExists):
			fail(w, http.StatusConflict, "task already exists")
			return
		case err != nil:
			fail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		resp := api.SubmitTaskResponse{
			Message: "Task accepted",
			TaskId:  req.TaskId,
		}

		if err := encode(w, http.StatusAccepted, resp); err != nil {
			rt.logger.
				With("err", err).
				Error("failed to write response")
		}
	}

	sm.
		Post("/api/v1/tasks", handler)
}
