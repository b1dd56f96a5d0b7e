package adminapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/voxbridge/callmedia/pkg/apperr"
)

// envelope is the standard response wrapper for every admin endpoint:
// { "data": ..., "error": ... }.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

const maxRequestBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		log.Printf("[adminapi] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		log.Printf("[adminapi] failed to encode error response: %v", err)
	}
}

// writeAppErr maps err to the status code its apperr.Kind names and writes
// it as a JSON error body.
func writeAppErr(w http.ResponseWriter, err error) {
	writeError(w, apperr.HTTPStatus(apperr.KindOf(err)), err.Error())
}

func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return "invalid request body: " + err.Error()
	}
	return ""
}
