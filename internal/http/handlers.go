package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/ws"
)

type deployResponse struct {
	DeploymentID string    `json:"deployment_id"`
	ProjectID    string    `json:"project_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type deploymentResponse struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Status      string     `json:"status"`
	RuntimeType string     `json:"runtime_type,omitempty"`
	Port        *int       `json:"port,omitempty"`
	URL         *string    `json:"url,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toDeploymentResponse(d domain.Deployment) deploymentResponse {
	return deploymentResponse{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		Status:      string(d.Status),
		RuntimeType: string(d.RuntimeType),
		Port:        d.Port,
		URL:         d.URL,
		Error:       d.Error,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
	}
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	projectID := chi.URLParam(req, "projectID")
	handle, err := r.deployments.Deploy(req.Context(), projectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.Header().Set("Location", "/projects/"+projectID+"/deployments/"+handle.DeploymentID)
	writeJSON(w, http.StatusAccepted, deployResponse{
		DeploymentID: handle.DeploymentID,
		ProjectID:    handle.ProjectID,
		Status:       string(handle.Status),
		CreatedAt:    handle.CreatedAt,
	})
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	deployments, err := r.deployments.History(req.Context(), chi.URLParam(req, "projectID"), limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	out := make([]deploymentResponse, 0, len(deployments))
	for _, d := range deployments {
		out = append(out, toDeploymentResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": out})
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	d, err := r.deployments.Get(req.Context(), chi.URLParam(req, "projectID"), chi.URLParam(req, "deploymentID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentResponse(*d))
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request) {
	d, err := r.deployments.Get(req.Context(), chi.URLParam(req, "projectID"), chi.URLParam(req, "deploymentID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": d.ID,
		"status":        string(d.Status),
		"logs":          d.Logs,
	})
}

// handleLive streams a project's deployment events over a websocket.
func (r *Router) handleLive(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live streaming disabled")
		return
	}
	projectID := chi.URLParam(req, "projectID")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "project_id", projectID, "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	defer client.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	// Inbound frames are ignored; a read error means the peer went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = ws.Serve(ctx, r.hub, projectID, client, ws.ServeOptions{
		Heartbeat: r.heartbeat,
		Once:      onceParam(req),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("websocket stream ended", "project_id", projectID, "error", err)
	}
}

// handleEvents is the server-sent events variant of handleLive.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	projectID := chi.URLParam(req, "projectID")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client, err := ws.NewSSEClient(w, flusher, r.logger)
	if err != nil {
		r.logger.Warn("open event stream", "project_id", projectID, "error", err)
		return
	}
	defer client.Close()

	err = ws.Serve(req.Context(), r.hub, projectID, client, ws.ServeOptions{
		Heartbeat: r.heartbeat,
		Once:      onceParam(req),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("event stream ended", "project_id", projectID, "error", err)
	}
}

func onceParam(req *http.Request) bool {
	once, _ := strconv.ParseBool(req.URL.Query().Get("once"))
	return once
}
