package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/subconscious-network/noosphere/core/errs"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSONBody(w, v)
}

func writeJSONBody(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a core error's Kind onto an HTTP status, matching
// the Sync Protocol's client-observable status code contract
// (StatusConflict for stale counterpart tips, StatusForbidden for
// unauthorized callers, StatusBadRequest for malformed input).
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.Conflict:
		status = http.StatusConflict
	case errs.Authorization:
		status = http.StatusForbidden
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.MissingBlock, errs.MissingHistory:
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
