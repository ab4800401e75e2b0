package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// audit logs every request and records request metrics under the matched
// route pattern.
func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		r.metrics.observe(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
			"ip", req.RemoteAddr,
		}
		if reqID := middleware.GetReqID(req.Context()); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if projectID := chi.URLParamFromCtx(req.Context(), "projectID"); projectID != "" {
			fields = append(fields, "project_id", projectID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	})
}

// requireToken enforces the static API token when one is configured. Browser
// websocket and event-stream clients may pass it as ?token=.
func (r *Router) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.apiToken == "" {
			next.ServeHTTP(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-API-Token"))
		if token == "" {
			token = strings.TrimSpace(req.URL.Query().Get("token"))
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.apiToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api token")
			return
		}
		next.ServeHTTP(w, req)
	})
}
