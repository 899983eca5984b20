package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/arranger-ai/arranger/internal/core"
)

// Responses are enveloped: {"data": ...} on success, {"error": {code,
// message, details}} on failure. DomainError categories pick the status.

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Code: "INTERNAL", Message: err.Error()}

	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		status = statusForCategory(domErr.Category)
		body = errorBody{Code: domErr.Code, Message: domErr.Message, Details: domErr.Details}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

func statusForCategory(cat core.ErrorCategory) int {
	switch cat {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity
	case core.ErrCatNotFound:
		return http.StatusNotFound
	case core.ErrCatConflict:
		return http.StatusConflict
	case core.ErrCatUnavailable:
		return http.StatusServiceUnavailable
	case core.ErrCatExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst. An empty body leaves
// dst zero-valued so all-optional requests need no payload.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return core.NewValidationFailed("malformed request body").WithCause(err)
	}
	return nil
}
