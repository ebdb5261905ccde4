package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/rechargekit/automation/internal/services"
)

// Event attribute values emitted by the remote queue service.
const (
	EventJobStarted     = "job-started"
	EventJobLog         = "job-log"
	EventJobCompleted   = "job-completed"
	EventJobFailed      = "job-failed"
	EventQueueItemAdded = "queue-item-added"
)

// message is the JSON payload carried on every stream event.
type message struct {
	JobID    string         `json:"job_id"`
	OrderRef string         `json:"order_ref"`
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
	Message  string         `json:"message"`
	Error    string         `json:"error"`
	Result   map[string]any `json:"result"`
	PlayerID string         `json:"player_id"`
}

// subscriptionReceiver is the part of *pubsub.Subscription the listener uses.
type subscriptionReceiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// ListenerDeps bundles the collaborators required to construct the listener.
type ListenerDeps struct {
	Subscription subscriptionReceiver
	Reconciler   services.ReconcilerService
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// Listener consumes the queue service's event stream and feeds terminal
// updates into the reconciler. Progress events are applied best-effort;
// updates for unknown jobs are dropped after logging, since the stream also
// carries events for orders this deployment never submitted.
type Listener struct {
	subscription subscriptionReceiver
	reconciler   services.ReconcilerService
	logger       func(context.Context, string, map[string]any)
}

// NewListener wires dependencies into a stream listener.
func NewListener(deps ListenerDeps) (*Listener, error) {
	if deps.Subscription == nil {
		return nil, errors.New("stream listener: subscription is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("stream listener: reconciler is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Listener{
		subscription: deps.Subscription,
		reconciler:   deps.Reconciler,
		logger:       logger,
	}, nil
}

// Run blocks receiving messages until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	err := l.subscription.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		if l.handle(msgCtx, msg.Attributes["event"], msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stream listener: receive: %w", err)
	}
	return nil
}

// handle processes one event and reports whether the message should be
// acked. Only transient reconcile failures return false; malformed and
// unknown events are acked so the subscription does not wedge on them.
func (l *Listener) handle(ctx context.Context, event string, data []byte) bool {
	event = strings.TrimSpace(event)

	var payload message
	if err := json.Unmarshal(data, &payload); err != nil {
		l.logger(ctx, "stream_malformed_payload", map[string]any{
			"event": event,
			"error": err.Error(),
		})
		return true
	}

	switch event {
	case EventJobCompleted, EventJobFailed:
		return l.applyTerminal(ctx, event, payload)
	case EventJobStarted, EventJobLog:
		l.applyProgress(ctx, event, payload)
		return true
	case EventQueueItemAdded:
		l.logger(ctx, "stream_queue_item_added", map[string]any{
			"handle":    payload.JobID,
			"order_ref": payload.OrderRef,
		})
		return true
	default:
		l.logger(ctx, "stream_event_ignored", map[string]any{"event": event})
		return true
	}
}

func (l *Listener) applyTerminal(ctx context.Context, event string, payload message) bool {
	status := payload.Status
	if status == "" {
		if event == EventJobCompleted {
			status = "completed"
		} else {
			status = "failed"
		}
	}

	result, err := l.reconciler.ApplyUpdate(ctx, services.StatusUpdate{
		Source:   services.UpdateSourceStream,
		Handle:   payload.JobID,
		OrderID:  payload.OrderRef,
		Status:   status,
		Error:    payload.Error,
		Result:   payload.Result,
		PlayerID: payload.PlayerID,
	})
	if err != nil {
		if errors.Is(err, services.ErrReconcileUnknown) || errors.Is(err, services.ErrAutomationInvalidInput) {
			l.logger(ctx, "stream_update_dropped", map[string]any{
				"event":  event,
				"handle": payload.JobID,
				"error":  err.Error(),
			})
			return true
		}
		l.logger(ctx, "stream_update_failed", map[string]any{
			"event":  event,
			"handle": payload.JobID,
			"error":  err.Error(),
		})
		return false
	}

	l.logger(ctx, "stream_update_applied", map[string]any{
		"event":    event,
		"order_id": result.OrderID,
		"state":    string(result.State),
		"applied":  result.Applied,
	})
	return true
}

func (l *Listener) applyProgress(ctx context.Context, event string, payload message) {
	update := services.ProgressUpdate{
		Source:   services.UpdateSourceStream,
		Handle:   payload.JobID,
		OrderID:  payload.OrderRef,
		Progress: payload.Progress,
		Message:  payload.Message,
	}
	if event == EventJobStarted && update.Progress <= 0 {
		update.Progress = 1
	}
	if _, err := l.reconciler.ApplyProgress(ctx, update); err != nil {
		l.logger(ctx, "stream_progress_dropped", map[string]any{
			"event":  event,
			"handle": payload.JobID,
			"error":  err.Error(),
		})
	}
}
