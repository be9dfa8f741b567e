package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

var errBadRequest = errors.New("tenantlock: bad request")

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }
func (e *requestError) Unwrap() error { return errBadRequest }

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case tlerrors.IsBusy(err):
		return http.StatusConflict
	case errors.Is(err, tlerrors.ErrInvalidKey),
		errors.Is(err, tlerrors.ErrInvalidRequester),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, tlerrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, tlerrors.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: code < 400, Message: message, Data: data})
}

func writeError(log *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= 500 {
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		)
	}
	writeJSON(w, code, err.Error(), nil)
}
