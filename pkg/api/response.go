package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openfroyo/provisioner/pkg/engine"
)

type errorBody struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Class   string                 `json:"class,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeEngineError maps an engine error to a status code.
func writeEngineError(w http.ResponseWriter, err error) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusFor(ee), errorBody{
		Error:   ee.Message,
		Code:    ee.Code,
		Class:   string(ee.Class),
		Details: ee.Details,
	})
}

func statusFor(ee *engine.EngineError) int {
	switch ee.Code {
	case engine.ErrCodeValidation, engine.ErrCodeInvalidConfiguration:
		return http.StatusUnprocessableEntity
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeConflict:
		return http.StatusConflict
	case engine.ErrCodePolicyDenied:
		return http.StatusForbidden
	case engine.ErrCodeDispatchFailure, engine.ErrCodePersistenceFailure:
		return http.StatusServiceUnavailable
	}
	switch ee.Class {
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassThrottled:
		return http.StatusTooManyRequests
	case engine.ErrorClassTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
