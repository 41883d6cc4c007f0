package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/inventory"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/projects"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// jsonResponse writes a JSON response with the given status code.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("encoding response", "error", err)
		}
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a JSON request body into the given target.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(target)
}

// serviceError maps an error from the project or inventory service to a
// response.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, projects.ErrNotFound),
		errors.Is(err, projects.ErrEntryNotFound),
		errors.Is(err, store.ErrNotFound):
		jsonError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalid):
		jsonError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrClosed):
		jsonError(w, http.StatusServiceUnavailable, "workspace changed, retry")
	default:
		slog.Error("request failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
	}
}
