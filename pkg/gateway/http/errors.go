package http

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrUnknownDevice    = errors.New("unknown device")
	ErrUnknownTask      = errors.New("unknown task")
	ErrUnknownProfile   = errors.New("unknown profile")
	ErrInvalidBody      = errors.New("invalid request body")
)

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
