package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Klingon-tech/orignode/internal/bridge"
	"github.com/Klingon-tech/orignode/internal/engine"
)

// Response statuses.
const (
	StatusOK       = "ok"
	StatusHealthy  = "healthy"
	StatusInactive = "inactive"
	StatusError    = "error"
)

// Response wraps every API reply.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func okResponse(data any) Response {
	return Response{Status: StatusOK, Timestamp: time.Now().UTC(), Data: data}
}

func errorResponse(msg string) Response {
	return Response{Status: StatusError, Timestamp: time.Now().UTC(), Error: msg}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine and bridge errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code, status := http.StatusInternalServerError, StatusError
	var initErr *bridge.InitializationTimeout
	switch {
	case engine.IsUnavailable(err):
		code, status = http.StatusServiceUnavailable, StatusInactive
	case errors.As(err, &initErr):
		code, status = http.StatusServiceUnavailable, StatusInactive
	case errors.Is(err, bridge.ErrCallTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrWalletNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrWalletExists):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidPassphrase):
		code = http.StatusUnauthorized
	case errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInvalidTransaction),
		errors.Is(err, engine.ErrInvalidAddress):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, Response{Status: status, Timestamp: time.Now().UTC(), Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse(msg))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}
