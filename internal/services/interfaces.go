package services

import (
	"context"
	"time"

	domain "github.com/rechargekit/automation/internal/domain"
	"github.com/rechargekit/automation/internal/queue"
)

// AutomationService owns the per-order automation state machine: trigger,
// retry and cancel transitions plus read access to the job record.
type AutomationService interface {
	Trigger(ctx context.Context, orderID string) (TriggerResult, error)
	Retry(ctx context.Context, orderID string) (AutomationJobView, error)
	Cancel(ctx context.Context, orderID string) (AutomationJobView, error)
	GetJob(ctx context.Context, orderID string) (AutomationJobView, error)
}

// TriggerResult reports the outcome of a trigger attempt. Triggered is false
// for the silent no-op cases: the order already has an active or finished
// job.
type TriggerResult struct {
	Job       AutomationJobView
	Triggered bool
	Reason    string
}

// AutomationJobView is the read model handed to transport layers.
type AutomationJobView struct {
	OrderID     string         `json:"order_id"`
	Kind        domain.JobKind `json:"kind,omitempty"`
	State       string         `json:"state"`
	Handles     []string       `json:"handles,omitempty"`
	PlayerID    string         `json:"player_id,omitempty"`
	Progress    int            `json:"progress"`
	LastError   string         `json:"last_error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Attempt     int            `json:"attempt"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ReconcilerService applies remote status updates to order automation
// records. All three delivery channels call the same entry points.
type ReconcilerService interface {
	ApplyUpdate(ctx context.Context, update StatusUpdate) (ReconcileResult, error)
	ApplyProgress(ctx context.Context, update ProgressUpdate) (ReconcileResult, error)
}

// StatusUpdate is one terminal report from any channel. Either Handle or
// OrderID must be set; when both are present the handle is verified against
// the resolved record.
type StatusUpdate struct {
	Source   string
	Handle   string
	OrderID  string
	Status   string
	Error    string
	Result   map[string]any
	PlayerID string
}

// ReconcileResult describes what the update did. Applied is false when the
// record already sits in a terminal state and the update was dropped.
type ReconcileResult struct {
	OrderID string
	State   domain.AutomationState
	Applied bool
}

// ProgressUpdate adjusts informational fields without a state transition.
type ProgressUpdate struct {
	Source   string
	Handle   string
	OrderID  string
	Progress int
	Message  string
}

// DiagnosticsService explains why an order can or cannot be automated.
type DiagnosticsService interface {
	Inspect(ctx context.Context, orderID string) (DiagnosticsReport, error)
}

// DiagnosticsSeverity classifies one finding.
type DiagnosticsSeverity string

const (
	DiagnosticsSeverityError   DiagnosticsSeverity = "error"
	DiagnosticsSeverityWarning DiagnosticsSeverity = "warning"
	DiagnosticsSeverityInfo    DiagnosticsSeverity = "info"
)

// DiagnosticsFinding is one check outcome.
type DiagnosticsFinding struct {
	Check    string              `json:"check"`
	Severity DiagnosticsSeverity `json:"severity"`
	Message  string              `json:"message"`
}

// DiagnosticsReport aggregates the findings for one order.
type DiagnosticsReport struct {
	OrderID     string               `json:"order_id"`
	State       string               `json:"state"`
	CanAutomate bool                 `json:"can_automate"`
	Findings    []DiagnosticsFinding `json:"findings"`
}

// QueueSubmitter abstracts the remote worker client so tests can substitute
// stubs.
type QueueSubmitter interface {
	SubmitJob(ctx context.Context, req queue.SubmitRequest) (string, error)
	SubmitBatch(ctx context.Context, req queue.SubmitRequest) ([]string, error)
	JobStatus(ctx context.Context, handle string) (queue.JobState, error)
	PendingItems(ctx context.Context) ([]queue.PendingItem, error)
	CancelJob(ctx context.Context, handle string) error
}

// AutomationEvent is a lifecycle notification published on the event topic.
type AutomationEvent struct {
	Type     string         `json:"type"`
	OrderID  string         `json:"order_id"`
	State    string         `json:"state"`
	Handles  []string       `json:"handles,omitempty"`
	Error    string         `json:"error,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Occurred time.Time      `json:"occurred_at"`
}

// AutomationEventPublisher fans lifecycle events out to interested systems.
type AutomationEventPublisher interface {
	PublishAutomationEvent(ctx context.Context, event AutomationEvent) (string, error)
}
