package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rechargekit/automation/internal/platform/auth"
	"github.com/rechargekit/automation/internal/services"
)

const webhookSecret = "shared-test-secret"

type recordingReconciler struct {
	updates   []services.StatusUpdate
	progress  []services.ProgressUpdate
	result    services.ReconcileResult
	updateErr error
}

func (r *recordingReconciler) ApplyUpdate(_ context.Context, update services.StatusUpdate) (services.ReconcileResult, error) {
	if r.updateErr != nil {
		return services.ReconcileResult{}, r.updateErr
	}
	r.updates = append(r.updates, update)
	return r.result, nil
}

func (r *recordingReconciler) ApplyProgress(_ context.Context, update services.ProgressUpdate) (services.ReconcileResult, error) {
	r.progress = append(r.progress, update)
	return r.result, nil
}

func newWebhookRouter(t *testing.T, reconciler services.ReconcilerService, now time.Time) http.Handler {
	t.Helper()
	validator := auth.NewHMACValidator(webhookSecret, auth.NewInMemoryNonceStore(),
		auth.WithHMACClock(func() time.Time { return now }),
	)
	h := NewWebhookHandlers(reconciler)
	return NewRouter(
		WithWebhookRoutes(h.Routes),
		WithWebhookMiddlewares(validator.RequireHMAC()),
	)
}

func signedRequest(t *testing.T, payload any, now time.Time, nonce string) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	timestamp := strconv.FormatInt(now.Unix(), 10)
	canonical := auth.BuildCanonicalString(http.MethodPost, "/api/v1/webhooks/queue", body, timestamp, nonce)
	signature := base64.StdEncoding.EncodeToString(auth.ComputeHMAC([]byte(webhookSecret), canonical))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/queue", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	req.Header.Set("X-Signature-Timestamp", timestamp)
	req.Header.Set("X-Signature-Nonce", nonce)
	return req
}

func TestWebhookAppliesTerminalUpdate(t *testing.T) {
	now := time.Now().UTC()
	reconciler := &recordingReconciler{
		result: services.ReconcileResult{OrderID: "order-1", State: "completed", Applied: true},
	}
	router := newWebhookRouter(t, reconciler, now)

	req := signedRequest(t, map[string]any{
		"job_id": "job-1",
		"status": "completed",
		"result": map[string]any{"balance": "25.00"},
	}, now, "nonce-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(reconciler.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(reconciler.updates))
	}
	update := reconciler.updates[0]
	if update.Handle != "job-1" || update.Status != "completed" || update.Source != services.UpdateSourceWebhook {
		t.Fatalf("unexpected update %+v", update)
	}

	var ack queueStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if ack.OrderID != "order-1" || !ack.Applied {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestWebhookRoutesProgressUpdates(t *testing.T) {
	now := time.Now().UTC()
	reconciler := &recordingReconciler{
		result: services.ReconcileResult{OrderID: "order-1", State: "processing", Applied: true},
	}
	router := newWebhookRouter(t, reconciler, now)

	// The payload carries only the remote handle; the ack must name the
	// order the update resolved to.
	req := signedRequest(t, map[string]any{
		"job_id":   "job-1",
		"status":   "processing",
		"progress": 55,
		"message":  "redeeming",
	}, now, "nonce-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(reconciler.updates) != 0 || len(reconciler.progress) != 1 {
		t.Fatalf("expected progress routing, got updates=%d progress=%d", len(reconciler.updates), len(reconciler.progress))
	}
	if reconciler.progress[0].Progress != 55 {
		t.Fatalf("unexpected progress %+v", reconciler.progress[0])
	}

	var ack queueStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if ack.OrderID != "order-1" || !ack.Applied || ack.State != "processing" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestWebhookRejectsUnsignedRequest(t *testing.T) {
	now := time.Now().UTC()
	reconciler := &recordingReconciler{}
	router := newWebhookRouter(t, reconciler, now)

	body := []byte(`{"job_id":"job-1","status":"completed"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/queue", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(reconciler.updates) != 0 {
		t.Fatal("unsigned request must not reach the reconciler")
	}
}

func TestWebhookRejectsReplayedNonce(t *testing.T) {
	now := time.Now().UTC()
	reconciler := &recordingReconciler{result: services.ReconcileResult{OrderID: "order-1", Applied: true}}
	router := newWebhookRouter(t, reconciler, now)

	payload := map[string]any{"job_id": "job-1", "status": "completed"}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedRequest(t, payload, now, "nonce-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, signedRequest(t, payload, now, "nonce-1"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", rr.Code)
	}
	if len(reconciler.updates) != 1 {
		t.Fatalf("replay must not re-apply, got %d updates", len(reconciler.updates))
	}
}

func TestWebhookTamperedBodyRejected(t *testing.T) {
	now := time.Now().UTC()
	reconciler := &recordingReconciler{}
	router := newWebhookRouter(t, reconciler, now)

	req := signedRequest(t, map[string]any{"job_id": "job-1", "status": "completed"}, now, "nonce-1")
	req.Body = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"job_id":"job-1","status":"failed"}`))).Body

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered body, got %d", rr.Code)
	}
}

func TestWebhookUnknownJobReturnsNotFound(t *testing.T) {
	now := time.Now().UTC()
	reconciler := &recordingReconciler{
		updateErr: fmt.Errorf("%w: handle %q", services.ErrReconcileUnknown, "ghost"),
	}
	router := newWebhookRouter(t, reconciler, now)

	req := signedRequest(t, map[string]any{"job_id": "ghost", "status": "completed"}, now, "nonce-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestWebhookRejectsEmptyIdentifiers(t *testing.T) {
	now := time.Now().UTC()
	reconciler := &recordingReconciler{}
	router := newWebhookRouter(t, reconciler, now)

	req := signedRequest(t, map[string]any{"status": "completed"}, now, "nonce-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
