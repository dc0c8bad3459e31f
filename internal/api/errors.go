package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// Error is the provisioning API error body.
type Error struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError classifies err and writes it with its status code.
func writeError(w http.ResponseWriter, err error) {
	name, code := ngsi.Classify(err)
	writeJSON(w, code, Error{Name: name, Message: ngsi.Sanitize(err.Error())})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, Error{Name: "BadRequest", Message: message})
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusInternalServerError, Error{Name: "InternalServerError", Message: message})
}
