package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/tallyops/tally/pkg/errs"
)

// ErrorResponse is the JSON body written for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		// Headers are already sent; an encode failure here is unrecoverable.
		_ = json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes err as a JSON error body, mapping classified billing
// errors to an HTTP status. Unclassified errors become a 500.
func WriteError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	if kind, ok := errs.KindOf(err); ok {
		resp.Kind = kind.String()
		status = statusForKind(kind)
	}
	WriteJSON(w, status, resp)
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState, errs.KindConflict, errs.KindExhaustedRetries:
		return http.StatusConflict
	case errs.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
