package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/service/deploy"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service and repository errors to status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, deploy.ErrDeploymentInProgress):
		writeError(w, http.StatusConflict, "deployment already in progress")
	case errors.Is(err, deploy.ErrProjectArchived):
		writeError(w, http.StatusConflict, "project is archived")
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
