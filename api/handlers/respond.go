package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"berkut-incidents/core/incerr"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
)

const payloadMaxBytes = 256 * 1024

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, payloadMaxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request", Message: err.Error()})
		return false
	}
	return true
}

// writeError maps engine error kinds to status codes; anything unclassified is a 500.
func writeError(w http.ResponseWriter, logger *utils.Logger, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch incerr.KindOf(err) {
	case incerr.ErrNotFound:
		status = http.StatusNotFound
	case incerr.ErrInvalidTransition:
		status = http.StatusConflict
	case incerr.ErrValidation:
		status = http.StatusUnprocessableEntity
	case incerr.ErrRuleEvaluation:
		status = http.StatusBadRequest
	default:
		if errors.Is(err, store.ErrConflict) {
			status = http.StatusConflict
		}
	}
	if status == http.StatusInternalServerError {
		logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorBody{Error: "server error"})
		return
	}
	body := errorBody{Error: err.Error()}
	var typed *incerr.Error
	if errors.As(err, &typed) {
		body = errorBody{Error: typed.Kind.Error(), Message: typed.Message}
	}
	writeJSON(w, status, body)
}
