package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, "test-key")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestSubmitJob(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/jobs" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("missing bearer token, got %q", got)
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Fatal("submission missing idempotency key")
		}
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.OrderRef != "order-1" || req.PlayerID != "player77" || len(req.Codes) != 1 {
			t.Fatalf("unexpected payload %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-42"})
	})

	handle, err := client.SubmitJob(context.Background(), SubmitRequest{
		OrderRef: "order-1",
		PlayerID: "player77",
		Codes:    []string{"CODE-1"},
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if handle != "job-42" {
		t.Fatalf("unexpected handle %q", handle)
	}
}

func TestSubmitBatchReturnsHandlePerCode(t *testing.T) {
	var key string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/batch" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		key = r.Header.Get("Idempotency-Key")
		json.NewEncoder(w).Encode(map[string][]string{"job_ids": {"job-1", "job-2", "job-3"}})
	})
	WithIdempotencyKeyGenerator(func() string { return "attempt-7" })(client)

	handles, err := client.SubmitBatch(context.Background(), SubmitRequest{
		OrderRef: "order-1",
		PlayerID: "player77",
		Codes:    []string{"A", "B", "C"},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(handles) != 3 || handles[2] != "job-3" {
		t.Fatalf("unexpected handles %v", handles)
	}
	if key != "attempt-7" {
		t.Fatalf("unexpected idempotency key %q", key)
	}
}

func TestSubmitBatchHandleCountMismatchIsTransport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{"job_ids": {"job-1"}})
	})

	_, err := client.SubmitBatch(context.Background(), SubmitRequest{
		OrderRef: "order-1",
		Codes:    []string{"A", "B"},
	})
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestServerErrorIsTransport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := client.SubmitJob(context.Background(), SubmitRequest{OrderRef: "o", Codes: []string{"C"}})
	if !IsTransport(err) || IsRejection(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestTimeoutIsTransport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	client.httpClient.Timeout = 20 * time.Millisecond

	_, err := client.SubmitJob(context.Background(), SubmitRequest{OrderRef: "o", Codes: []string{"C"}})
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestClientErrorIsRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"code": "invalid_player", "message": "player id unknown"})
	})

	_, err := client.SubmitJob(context.Background(), SubmitRequest{OrderRef: "o", Codes: []string{"C"}})
	if !IsRejection(err) || IsTransport(err) {
		t.Fatalf("expected rejection error, got %v", err)
	}
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Code != "invalid_player" {
		t.Fatalf("rejection envelope not decoded: %v", err)
	}
}

func TestJobStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/job-42" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(JobState{
			Handle:   "job-42",
			OrderRef: "order-1",
			Status:   JobStatusProcessing,
			Progress: 40,
		})
	})

	state, err := client.JobStatus(context.Background(), "job-42")
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if state.Status != JobStatusProcessing || state.Progress != 40 {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestJobStatusUnknownHandle(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"code": "not_found", "message": "no such job"})
	})

	_, err := client.JobStatus(context.Background(), "job-zz")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found rejection, got %v", err)
	}
}

func TestPendingItems(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/queue/pending" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"items": []PendingItem{
			{Handle: "job-1", OrderRef: "order-1", Status: JobStatusPending},
		}})
	})

	items, err := client.PendingItems(context.Background())
	if err != nil {
		t.Fatalf("PendingItems: %v", err)
	}
	if len(items) != 1 || items[0].Handle != "job-1" {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestCancelJob(t *testing.T) {
	var cancelled bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/jobs/job-42/cancel" {
			cancelled = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
		t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
	})

	if err := client.CancelJob(context.Background(), "job-42"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if !cancelled {
		t.Fatal("cancel endpoint not hit")
	}
}
