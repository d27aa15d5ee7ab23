// Package handlers implements the HTTP handlers of the skill protocol API.
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/Liozhang/wishub-skill/api"
	"github.com/Liozhang/wishub-skill/types"
)

// WriteJSON writes one JSON response body.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ErrorBodyOf projects a structured error onto the wire. Internal causes
// never cross the boundary.
func ErrorBodyOf(e *types.Error) *api.ErrorBody {
	return &api.ErrorBody{Code: string(e.Code), Details: e.Details}
}

// DecodeJSONBody decodes a request body into dst, answering the error
// envelope itself on failure.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) bool {
	if r.Body == nil {
		writeEnvelopeError(w, types.NewError(types.ErrValidationFailed, "request body is empty"), logger)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeEnvelopeError(w,
			types.NewError(types.ErrValidationFailed, "invalid JSON body").
				WithCause(err).WithHTTPStatus(http.StatusBadRequest),
			logger)
		return false
	}
	return true
}

// writeEnvelopeError answers with the generic error envelope. Endpoints
// with richer error shapes build those themselves.
func writeEnvelopeError(w http.ResponseWriter, e *types.Error, logger *zap.Logger) {
	if logger != nil {
		logger.Warn("request failed",
			zap.String("code", string(e.Code)),
			zap.String("message", e.Message),
			zap.Error(e.Cause))
	}
	WriteJSON(w, types.StatusOf(e), map[string]any{
		"status":  api.StatusError,
		"message": e.Message,
		"error":   ErrorBodyOf(e),
	})
}
