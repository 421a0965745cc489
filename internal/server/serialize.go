package server

import (
	"encoding/json"
	"net/http"

	"github.com/ttn-nguyen42/retryq/pkg/api"
)

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()

	return json.
		NewDecoder(r.Body).
		Decode(v)
}

func encode(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	return json.
		NewEncoder(w).
		Encode(v)
}

func fail(w http.ResponseWriter, status int, message string) {
	_ = encode(w, status, api.ErrorResponse{Message: message})
}
