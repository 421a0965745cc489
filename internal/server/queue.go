package server

import (
	"net/http"

	"github.com/ggicci/httpin"
	"github.com/go-chi/chi/v5"
	"github.com/ttn-nguyen42/retryq/pkg/api"
)

func getQueue(sm chi.Router, rt *runtime) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		req := r.
			Context().
			Value(httpin.Input).(*api.GetQueueRequest)

		stats, err := rt.br.Stats(req.Name)
		if err != nil {
			rt.logger.
				With("queue", req.Name).
				With("err", err).
				Error("failed to get queue stats")
			fail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		resp := api.GetQueueResponse{
			Name:      stats.Name,
			Pending:   stats.Pending,
			InFlight:  stats.InFlight,
			Completed: stats.Completed,
		}

		if err := encode(w, http.StatusOK, resp); err != nil {
			rt.logger.
				With("err", err).
				Error("failed to write response")
		}
	}

	sm.
		With(httpin.NewInput(api.GetQueueRequest{})).
		Get("/api/v1/queues/{name}", handler)
}
