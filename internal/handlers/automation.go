package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rechargekit/automation/internal/platform/httpx"
	"github.com/rechargekit/automation/internal/services"
)

// AutomationHandlers exposes the operator-facing automation endpoints.
type AutomationHandlers struct {
	automation  services.AutomationService
	diagnostics services.DiagnosticsService
}

// NewAutomationHandlers constructs a new AutomationHandlers instance.
func NewAutomationHandlers(automation services.AutomationService, diagnostics services.DiagnosticsService) *AutomationHandlers {
	return &AutomationHandlers{
		automation:  automation,
		diagnostics: diagnostics,
	}
}

// Routes registers the /orders automation endpoints.
func (h *AutomationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{orderID}/automation", h.getJob)
	r.Get("/{orderID}/automation:diagnose", h.diagnose)
	r.Post("/{orderID}/automation:trigger", h.trigger)
	r.Post("/{orderID}/automation:retry", h.retry)
	r.Post("/{orderID}/automation:cancel", h.cancel)
}

type triggerResponse struct {
	Triggered bool                       `json:"triggered"`
	Reason    string                     `json:"reason,omitempty"`
	Job       services.AutomationJobView `json:"job"`
}

func (h *AutomationHandlers) trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.automation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("automation_unavailable", "automation service unavailable", http.StatusServiceUnavailable))
		return
	}

	result, err := h.automation.Trigger(ctx, orderIDParam(r))
	if err != nil {
		writeAutomationError(ctx, w, err)
		return
	}

	status := http.StatusAccepted
	if !result.Triggered {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, triggerResponse{
		Triggered: result.Triggered,
		Reason:    result.Reason,
		Job:       result.Job,
	})
}

func (h *AutomationHandlers) retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.automation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("automation_unavailable", "automation service unavailable", http.StatusServiceUnavailable))
		return
	}

	view, err := h.automation.Retry(ctx, orderIDParam(r))
	if err != nil {
		writeAutomationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *AutomationHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.automation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("automation_unavailable", "automation service unavailable", http.StatusServiceUnavailable))
		return
	}

	view, err := h.automation.Cancel(ctx, orderIDParam(r))
	if err != nil {
		writeAutomationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *AutomationHandlers) getJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.automation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("automation_unavailable", "automation service unavailable", http.StatusServiceUnavailable))
		return
	}

	view, err := h.automation.GetJob(ctx, orderIDParam(r))
	if err != nil {
		writeAutomationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *AutomationHandlers) diagnose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.diagnostics == nil {
		httpx.WriteError(ctx, w, httpx.NewError("diagnostics_unavailable", "diagnostics service unavailable", http.StatusServiceUnavailable))
		return
	}

	report, err := h.diagnostics.Inspect(ctx, orderIDParam(r))
	if err != nil {
		writeAutomationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

func orderIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "orderID"))
}

func writeAutomationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrAutomationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_eligible", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrMissingIdentifier):
		httpx.WriteError(ctx, w, httpx.NewError("player_identifier_missing", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrNoStock):
		httpx.WriteError(ctx, w, httpx.NewError("license_out_of_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRemoteTransport), errors.Is(err, services.ErrRemoteRejected):
		httpx.WriteError(ctx, w, httpx.NewError("queue_service_error", err.Error(), http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
