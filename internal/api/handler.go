// Package api provides the HTTP API handlers and routing for the pipeline
// controller.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"modelchain/internal/apperrors"
	"modelchain/internal/health"
	"modelchain/internal/job"
	"modelchain/internal/notify"
	"net/http"
	"strconv"
)

// maxRequestBodySize limits request body to 64KB; commands and renames are tiny
const maxRequestBodySize = 64 << 10

// ownerHeader carries the id of the calling user. Authentication happens
// upstream; this service only checks ownership.
const ownerHeader = "X-Owner-Id"

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    *job.Service
	health *health.Checker
	hub    *notify.Hub
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker, hub *notify.Hub) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
		hub:    hub,
	}
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	owner, jobID, ok := h.identify(w, r)
	if !ok {
		return
	}

	status, err := h.svc.Get(r.Context(), owner, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// SetCommand handles POST /v1/jobs/{jobId}/command
func (h *Handler) SetCommand(w http.ResponseWriter, r *http.Request) {
	owner, jobID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req job.CommandRequest
	if !h.decode(w, r, &req) {
		return
	}

	status, err := h.svc.SetCommand(r.Context(), owner, jobID, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, status)
}

// UpdateJob handles PATCH /v1/jobs/{jobId}
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	owner, jobID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req job.UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	status, err := h.svc.Update(r.Context(), owner, jobID, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}. Deletion is asynchronous.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	owner, jobID, ok := h.identify(w, r)
	if !ok {
		return
	}

	if err := h.svc.RequestDelete(r.Context(), owner, jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Notifications handles GET /v1/ws, the owner's notification stream.
// Browsers cannot set headers on websocket requests, so the owner may also
// be given as the ownerId query parameter.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get(ownerHeader)
	if raw == "" {
		raw = r.URL.Query().Get("ownerId")
	}
	owner, err := parseID(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Owner ID is required")
		return
	}
	h.hub.Serve(w, r, owner)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic, even when degraded.
// Returns 503 if dependencies (store, tool runner) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// identify reads the caller and the job id, answering 400 when either is
// missing or malformed.
func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (owner, jobID int64, ok bool) {
	jobID, err := parseID(r.PathValue("jobId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return 0, 0, false
	}
	owner, err = parseID(r.Header.Get(ownerHeader))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ownerHeader+" header is required")
		return 0, 0, false
	}
	return owner, jobID, true
}

// decode reads a JSON body into dst, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("id must be positive")
	}
	return id, nil
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
// Structured errors also report the offending field or resource.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	body := map[string]string{"error": err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		if appErr.Field != "" {
			body["field"] = appErr.Field
		}
		if appErr.Resource != "" {
			body["resource"] = appErr.Resource
		}
	}
	h.writeJSON(w, status, body)
}
