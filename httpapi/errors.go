package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openframebox/queuehub"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response with the status text as its error field.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{
		StatusCode: status,
		Message:    message,
		Error:      http.StatusText(status),
	})
}

// statusFor maps a queue error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queuehub.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queuehub.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, queuehub.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, queuehub.ErrConnectivity),
		errors.Is(err, queuehub.ErrProviderClosed),
		errors.Is(err, queuehub.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, queuehub.ErrProviderRejected):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrAuthUnavailable):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
