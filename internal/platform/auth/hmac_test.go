package auth

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "unit-test-secret"

func signedRequest(t *testing.T, body []byte, timestamp time.Time, nonce string) *http.Request {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "/webhooks/queue", bytes.NewReader(body))
	ts := timestamp.UTC().Format(time.RFC3339)
	canonical := BuildCanonicalString(http.MethodPost, "/webhooks/queue", body, ts, nonce)
	sig := ComputeHMAC([]byte(testSecret), canonical)

	r.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))
	r.Header.Set("X-Signature-Timestamp", ts)
	r.Header.Set("X-Signature-Nonce", nonce)
	return r
}

func passThrough(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireHMACAcceptsValidSignature(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	validator := NewHMACValidator(testSecret, NewInMemoryNonceStore(), WithHMACClock(func() time.Time { return now }))

	called := false
	handler := validator.RequireHMAC()(passThrough(&called))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, []byte(`{"job_id":"rq_1"}`), now, "nonce-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !called {
		t.Fatal("expected inner handler to run")
	}
}

func TestRequireHMACRejectsTamperedBody(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	validator := NewHMACValidator(testSecret, NewInMemoryNonceStore(), WithHMACClock(func() time.Time { return now }))

	called := false
	handler := validator.RequireHMAC()(passThrough(&called))

	r := signedRequest(t, []byte(`{"job_id":"rq_1"}`), now, "nonce-1")
	r.Body = httptest.NewRequest(http.MethodPost, "/webhooks/queue", bytes.NewReader([]byte(`{"job_id":"rq_2"}`))).Body

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Fatal("inner handler must not run on mismatch")
	}
}

func TestRequireHMACRejectsReplayedNonce(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	validator := NewHMACValidator(testSecret, NewInMemoryNonceStore(), WithHMACClock(func() time.Time { return now }))

	called := false
	handler := validator.RequireHMAC()(passThrough(&called))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signedRequest(t, []byte(`{}`), now, "nonce-replay"))
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signedRequest(t, []byte(`{}`), now, "nonce-replay"))
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("replayed nonce should be rejected, got %d", second.Code)
	}
}

func TestRequireHMACRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	validator := NewHMACValidator(testSecret, NewInMemoryNonceStore(), WithHMACClock(func() time.Time { return now }))

	called := false
	handler := validator.RequireHMAC()(passThrough(&called))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, []byte(`{}`), now.Add(-time.Hour), "nonce-old"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", rec.Code)
	}
}
