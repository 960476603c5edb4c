// Package httputil holds the JSON response helpers used by the admin API.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/banshee-data/scenegrid/internal/blockstore"
	"github.com/banshee-data/scenegrid/internal/monitoring"
)

var logger = monitoring.Component("http")

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Printf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a 200 JSON response.
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteStoreError maps a block store error to a status code: 404 for
// unknown records, 409 for refused writes, 500 otherwise.
func WriteStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, blockstore.ErrNotFound):
		status = http.StatusNotFound
	case blockstore.IsConflict(err):
		status = http.StatusConflict
	}
	WriteJSONError(w, status, err.Error())
}
