// Package transport contains the HTTP router, middleware chain, and request
// handlers for the rfiflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:            http.StatusBadRequest,
	model.ErrUnauthorized:          http.StatusUnauthorized,
	model.ErrForbidden:             http.StatusForbidden,
	model.ErrNotFound:              http.StatusNotFound,
	model.ErrConflict:              http.StatusConflict,
	model.ErrIllegalTransition:     http.StatusConflict,
	model.ErrValidationFailed:      http.StatusUnprocessableEntity,
	model.ErrUnknownState:          http.StatusBadRequest,
	model.ErrPersistence:           http.StatusInternalServerError,
	model.ErrValidationUnavailable: http.StatusServiceUnavailable,
	model.ErrInternalError:         http.StatusInternalServerError,
}

type successResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorResponse struct {
	Success bool                 `json:"success"`
	Error   *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteData writes data inside the success envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, successResponse{Success: true, Data: data})
}

// WriteError writes err inside the failure envelope with the HTTP status for
// its code. Errors that are not an *ErrorEnvelope become a generic 500 so
// infrastructure detail never reaches the client. Server-side failures are
// logged with the request's identity fields.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	out := *ee
	if r != nil {
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil && out.TraceID == "" {
			out.TraceID = rctx.TraceID
		}
		if status >= http.StatusInternalServerError {
			observability.RequestLogger(r.Context(), zap.NewNop()).Error("request failed",
				zap.String("code", ee.Code),
				zap.Int("status", status),
				zap.Error(err),
			)
		}
	}

	WriteJSON(w, status, errorResponse{Success: false, Error: &out})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewForbiddenError(msg))
}
