package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rechargekit/automation/internal/services"
)

type stubAutomationService struct {
	triggerResult services.TriggerResult
	triggerErr    error
	view          services.AutomationJobView
	viewErr       error
	lastOrderID   string
}

func (s *stubAutomationService) Trigger(_ context.Context, orderID string) (services.TriggerResult, error) {
	s.lastOrderID = orderID
	return s.triggerResult, s.triggerErr
}

func (s *stubAutomationService) Retry(_ context.Context, orderID string) (services.AutomationJobView, error) {
	s.lastOrderID = orderID
	return s.view, s.viewErr
}

func (s *stubAutomationService) Cancel(_ context.Context, orderID string) (services.AutomationJobView, error) {
	s.lastOrderID = orderID
	return s.view, s.viewErr
}

func (s *stubAutomationService) GetJob(_ context.Context, orderID string) (services.AutomationJobView, error) {
	s.lastOrderID = orderID
	return s.view, s.viewErr
}

type stubDiagnosticsService struct {
	report services.DiagnosticsReport
	err    error
}

func (s *stubDiagnosticsService) Inspect(context.Context, string) (services.DiagnosticsReport, error) {
	return s.report, s.err
}

func newAutomationRouter(automation services.AutomationService, diagnostics services.DiagnosticsService) http.Handler {
	h := NewAutomationHandlers(automation, diagnostics)
	return NewRouter(WithOrderRoutes(h.Routes))
}

func TestTriggerEndpointAccepted(t *testing.T) {
	stub := &stubAutomationService{
		triggerResult: services.TriggerResult{
			Triggered: true,
			Job:       services.AutomationJobView{OrderID: "order-1", State: "processing", Handles: []string{"job-1"}},
		},
	}
	router := newAutomationRouter(stub, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/order-1/automation:trigger", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if stub.lastOrderID != "order-1" {
		t.Fatalf("order id not forwarded: %q", stub.lastOrderID)
	}
	var body struct {
		Triggered bool                       `json:"triggered"`
		Job       services.AutomationJobView `json:"job"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if !body.Triggered || body.Job.State != "processing" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestTriggerEndpointNoOp(t *testing.T) {
	stub := &stubAutomationService{
		triggerResult: services.TriggerResult{
			Reason: "already_handled",
			Job:    services.AutomationJobView{OrderID: "order-1", State: "completed"},
		},
	}
	router := newAutomationRouter(stub, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/order-1/automation:trigger", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Triggered bool   `json:"triggered"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if body.Triggered || body.Reason != "already_handled" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestTriggerEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		{services.ErrNotEligible, http.StatusUnprocessableEntity, "order_not_eligible"},
		{services.ErrMissingIdentifier, http.StatusUnprocessableEntity, "player_identifier_missing"},
		{services.ErrNoStock, http.StatusConflict, "license_out_of_stock"},
		{services.ErrRemoteTransport, http.StatusBadGateway, "queue_service_error"},
		{services.ErrRemoteRejected, http.StatusBadGateway, "queue_service_error"},
		{services.ErrAutomationInvalidInput, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			stub := &stubAutomationService{triggerErr: fmt.Errorf("%w: detail", tc.err)}
			router := newAutomationRouter(stub, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/order-1/automation:trigger", nil)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("parse body: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestGetJobEndpoint(t *testing.T) {
	stub := &stubAutomationService{
		view: services.AutomationJobView{OrderID: "order-1", State: "none"},
	}
	router := newAutomationRouter(stub, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/order-1/automation", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var view services.AutomationJobView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if view.State != "none" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestCancelEndpointInvalidTransition(t *testing.T) {
	stub := &stubAutomationService{viewErr: fmt.Errorf("%w: cannot cancel from none", services.ErrInvalidTransition)}
	router := newAutomationRouter(stub, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/order-1/automation:cancel", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestDiagnoseEndpoint(t *testing.T) {
	diagnostics := &stubDiagnosticsService{
		report: services.DiagnosticsReport{
			OrderID:     "order-1",
			State:       "none",
			CanAutomate: false,
			Findings: []services.DiagnosticsFinding{
				{Check: "license_stock", Severity: services.DiagnosticsSeverityError, Message: "no codes"},
			},
		},
	}
	router := newAutomationRouter(&stubAutomationService{}, diagnostics)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/order-1/automation:diagnose", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var report services.DiagnosticsReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if report.CanAutomate || len(report.Findings) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestAutomationServiceUnavailable(t *testing.T) {
	router := newAutomationRouter(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/order-1/automation:trigger", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
