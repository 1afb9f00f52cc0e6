package transporthttp

import (
	"encoding/json"
	"net/http"

	"example.com/tlsreporting/internal/apierror"
)

// WriteError writes the error envelope with the status of the error kind.
func WriteError(w http.ResponseWriter, e *apierror.Error) {
	writeJSON(w, e.Kind.Status(), e.Envelope())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
