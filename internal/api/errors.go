package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nareg23/firecrawl/internal/scrape"
)

// APIErrorResponse is the JSON error envelope returned by every endpoint.
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

// APIError carries the error kind alongside the human-readable message so
// clients can branch without parsing text.
type APIError struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// statusForKind maps transportable error kinds to HTTP status codes.
func statusForKind(kind string) int {
	switch kind {
	case scrape.KindLedgerUnavailable, scrape.KindWorkerQueueUnavailable:
		return http.StatusServiceUnavailable
	case scrape.KindScrapeTimeout, scrape.KindScrapeTimeoutInQueue:
		return http.StatusRequestTimeout
	case scrape.KindResultNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSONError writes an error envelope with the given status.
func WriteJSONError(w http.ResponseWriter, statusCode int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIErrorResponse{
		Error: APIError{
			Message: message,
			Kind:    kind,
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteError translates any error into the envelope. Transportable errors
// keep their kind and status mapping; everything else is a 500.
func WriteError(w http.ResponseWriter, err error) {
	var te *scrape.TransportableError
	if errors.As(err, &te) {
		WriteJSONError(w, statusForKind(te.Kind), te.Message, te.Kind)
		return
	}
	WriteJSONError(w, http.StatusInternalServerError, err.Error(), scrape.KindUnknown)
}

// WriteErrorBadRequest writes a 400 Bad Request JSON error.
func WriteErrorBadRequest(w http.ResponseWriter, message string) {
	WriteJSONError(w, http.StatusBadRequest, message, "INVALID_REQUEST")
}

// WriteErrorUnauthorized writes a 401 Unauthorized JSON error.
func WriteErrorUnauthorized(w http.ResponseWriter, message string) {
	WriteJSONError(w, http.StatusUnauthorized, message, "UNAUTHORIZED")
}
