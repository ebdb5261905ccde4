package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rechargekit/automation/internal/services"
)

func TestPubSubAutomationPublisherPublishesEvent(t *testing.T) {
	ctx := context.Background()
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

	topic, err := client.CreateTopic(ctx, "automation-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubAutomationPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubAutomationPublisher: %v", err)
	}

	event := services.AutomationEvent{
		Type:     "automation.job_completed",
		OrderID:  "order-1",
		State:    "completed",
		Handles:  []string{"job-1"},
		Result:   map[string]any{"balance": "50.00"},
		Occurred: time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishAutomationEvent(ctx, event); err != nil {
		t.Fatalf("PublishAutomationEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.AutomationEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Type != event.Type || payload.OrderID != event.OrderID {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["event"]; attr != "automation.job_completed" {
		t.Fatalf("expected event attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "order-1" {
		t.Fatalf("expected order attribute, got %q", attr)
	}
}

func TestPubSubAutomationPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubAutomationPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
