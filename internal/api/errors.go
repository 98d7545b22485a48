package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/game-data-manager/internal/errors"
)

// ErrorBody is the error object of an API error response.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// respondError sends an error response for err. Internal errors keep
// their cause out of the response.
func respondError(w http.ResponseWriter, err error) {
	catErr := apperrors.Categorize(err)
	status := apperrors.GetHTTPStatusCode(err)

	body := ErrorBody{Code: catErr.Code, Message: catErr.Message, Details: catErr.Details}
	if status >= http.StatusInternalServerError {
		body.Message = "An internal error occurred"
		body.Details = nil
		if rw, ok := w.(*responseWriter); ok {
			rw.err = err
		}
	}

	respondJSON(w, status, ErrorResponse{Error: body})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body. An empty body leaves v as is.
func parseJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperrors.NewInvalidParameterError("body", err.Error())
	}
	return nil
}
