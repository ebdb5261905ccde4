package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rechargekit/automation/internal/platform/httpx"
	"github.com/rechargekit/automation/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// WebhookHandlers receives signed status callbacks from the queue service.
// Signature enforcement is mounted as group middleware by the router.
type WebhookHandlers struct {
	reconciler services.ReconcilerService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(reconciler services.ReconcilerService) *WebhookHandlers {
	return &WebhookHandlers{reconciler: reconciler}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/queue", h.queueStatus)
}

type queueStatusRequest struct {
	JobID    string         `json:"job_id"`
	OrderRef string         `json:"order_ref"`
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
	Message  string         `json:"message"`
	Error    string         `json:"error"`
	Result   map[string]any `json:"result"`
	PlayerID string         `json:"player_id"`
}

type queueStatusResponse struct {
	OrderID string `json:"order_id"`
	State   string `json:"state"`
	Applied bool   `json:"applied"`
}

func (h *WebhookHandlers) queueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciler_unavailable", "reconciler unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	var payload queueStatusRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(payload.JobID) == "" && strings.TrimSpace(payload.OrderRef) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "job_id or order_ref is required", http.StatusBadRequest))
		return
	}

	if !isTerminalStatus(payload.Status) {
		progress, err := h.reconciler.ApplyProgress(ctx, services.ProgressUpdate{
			Source:   services.UpdateSourceWebhook,
			Handle:   payload.JobID,
			OrderID:  payload.OrderRef,
			Progress: payload.Progress,
			Message:  payload.Message,
		})
		if err != nil {
			writeReconcileError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, queueStatusResponse{
			OrderID: progress.OrderID,
			State:   string(progress.State),
			Applied: progress.Applied,
		})
		return
	}

	result, err := h.reconciler.ApplyUpdate(ctx, services.StatusUpdate{
		Source:   services.UpdateSourceWebhook,
		Handle:   payload.JobID,
		OrderID:  payload.OrderRef,
		Status:   payload.Status,
		Error:    payload.Error,
		Result:   payload.Result,
		PlayerID: payload.PlayerID,
	})
	if err != nil {
		writeReconcileError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, queueStatusResponse{
		OrderID: result.OrderID,
		State:   string(result.State),
		Applied: result.Applied,
	})
}

func isTerminalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "complete", "success", "failed", "failure", "error":
		return true
	}
	return false
}

func writeReconcileError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrReconcileUnknown):
		httpx.WriteError(ctx, w, httpx.NewError("job_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrAutomationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
