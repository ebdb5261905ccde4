package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rechargekit/automation/internal/services"
)

type stubReconciler struct {
	mu       sync.Mutex
	updates  []services.StatusUpdate
	progress []services.ProgressUpdate
	err      error
}

func (r *stubReconciler) ApplyUpdate(_ context.Context, update services.StatusUpdate) (services.ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return services.ReconcileResult{}, r.err
	}
	r.updates = append(r.updates, update)
	return services.ReconcileResult{OrderID: update.OrderID, Applied: true}, nil
}

func (r *stubReconciler) ApplyProgress(_ context.Context, update services.ProgressUpdate) (services.ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, update)
	return services.ReconcileResult{OrderID: update.OrderID, Applied: true}, nil
}

func (r *stubReconciler) appliedUpdates() []services.StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]services.StatusUpdate(nil), r.updates...)
}

func newListener(t *testing.T, reconciler services.ReconcilerService) *Listener {
	t.Helper()
	listener, err := NewListener(ListenerDeps{
		Subscription: nopSubscription{},
		Reconciler:   reconciler,
	})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	return listener
}

type nopSubscription struct{}

func (nopSubscription) Receive(context.Context, func(context.Context, *pubsub.Message)) error {
	return nil
}

func payload(t *testing.T, msg message) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestHandleCompletedEvent(t *testing.T) {
	reconciler := &stubReconciler{}
	listener := newListener(t, reconciler)

	data := payload(t, message{JobID: "job-1", OrderRef: "order-1", Result: map[string]any{"balance": "10"}})
	if !listener.handle(context.Background(), EventJobCompleted, data) {
		t.Fatal("completed event must ack")
	}

	updates := reconciler.appliedUpdates()
	if len(updates) != 1 {
		t.Fatalf("expected one update, got %d", len(updates))
	}
	update := updates[0]
	if update.Status != "completed" || update.Handle != "job-1" || update.Source != services.UpdateSourceStream {
		t.Fatalf("unexpected update %+v", update)
	}
}

func TestHandleFailedEventCarriesError(t *testing.T) {
	reconciler := &stubReconciler{}
	listener := newListener(t, reconciler)

	data := payload(t, message{JobID: "job-1", Error: "invalid player id"})
	if !listener.handle(context.Background(), EventJobFailed, data) {
		t.Fatal("failed event must ack")
	}
	updates := reconciler.appliedUpdates()
	if len(updates) != 1 || updates[0].Status != "failed" || updates[0].Error != "invalid player id" {
		t.Fatalf("unexpected updates %+v", updates)
	}
}

func TestHandleProgressEvents(t *testing.T) {
	reconciler := &stubReconciler{}
	listener := newListener(t, reconciler)

	if !listener.handle(context.Background(), EventJobStarted, payload(t, message{JobID: "job-1"})) {
		t.Fatal("started event must ack")
	}
	if !listener.handle(context.Background(), EventJobLog, payload(t, message{JobID: "job-1", Progress: 60, Message: "redeeming"})) {
		t.Fatal("log event must ack")
	}

	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	if len(reconciler.progress) != 2 {
		t.Fatalf("expected two progress updates, got %d", len(reconciler.progress))
	}
	if reconciler.progress[0].Progress != 1 {
		t.Fatalf("started event should nudge progress, got %d", reconciler.progress[0].Progress)
	}
	if reconciler.progress[1].Progress != 60 || reconciler.progress[1].Message != "redeeming" {
		t.Fatalf("unexpected log update %+v", reconciler.progress[1])
	}
}

func TestHandleUnknownJobIsAcked(t *testing.T) {
	reconciler := &stubReconciler{err: services.ErrReconcileUnknown}
	listener := newListener(t, reconciler)

	if !listener.handle(context.Background(), EventJobCompleted, payload(t, message{JobID: "foreign"})) {
		t.Fatal("unknown job must ack, the stream carries other deployments' jobs")
	}
}

func TestHandleTransientFailureIsNacked(t *testing.T) {
	reconciler := &stubReconciler{err: errors.New("firestore unavailable")}
	listener := newListener(t, reconciler)

	if listener.handle(context.Background(), EventJobCompleted, payload(t, message{JobID: "job-1"})) {
		t.Fatal("transient failure must nack for redelivery")
	}
}

func TestHandleMalformedPayloadIsAcked(t *testing.T) {
	reconciler := &stubReconciler{}
	listener := newListener(t, reconciler)

	if !listener.handle(context.Background(), EventJobCompleted, []byte("not json")) {
		t.Fatal("malformed payload must ack")
	}
	if len(reconciler.appliedUpdates()) != 0 {
		t.Fatal("malformed payload must not reach the reconciler")
	}
}

func TestHandleIgnoresUnknownEvent(t *testing.T) {
	reconciler := &stubReconciler{}
	listener := newListener(t, reconciler)

	if !listener.handle(context.Background(), "maintenance-window", payload(t, message{})) {
		t.Fatal("unknown events must ack")
	}
	if len(reconciler.appliedUpdates()) != 0 {
		t.Fatal("unknown events must not reach the reconciler")
	}
}

func TestRunReceivesFromSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "queue-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	sub, err := client.CreateSubscription(ctx, "automation", pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	reconciler := &stubReconciler{}
	listener, err := NewListener(ListenerDeps{Subscription: sub, Reconciler: reconciler})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- listener.Run(ctx)
	}()

	data := payload(t, message{JobID: "job-1", OrderRef: "order-1"})
	topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: map[string]string{"event": EventJobCompleted}})

	deadline := time.After(5 * time.Second)
	for len(reconciler.appliedUpdates()) == 0 {
		select {
		case <-deadline:
			t.Fatal("update never reached the reconciler")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
