package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/rechargekit/automation/internal/domain"
	"github.com/rechargekit/automation/internal/repositories"
)

// Update channel names used in logs and events.
const (
	UpdateSourceWebhook = "webhook"
	UpdateSourceStream  = "stream"
	UpdateSourcePoll    = "poll"
)

const (
	eventJobCompleted = "automation.job_completed"
	eventJobFailed    = "automation.job_failed"
)

// ReconcilerDeps bundles the collaborators required to construct the
// reconciler.
type ReconcilerDeps struct {
	Automation repositories.AutomationRepository
	Events     AutomationEventPublisher
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// reconciler serialises status updates per order. Webhook, stream and poll
// deliveries all run through ApplyUpdate; the per-order mutex plus the
// repository's compare-and-set guard make concurrent duplicates collapse to
// one transition. The first terminal update wins: a different terminal
// status arriving later is dropped.
type reconciler struct {
	automation repositories.AutomationRepository
	events     AutomationEventPublisher
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler wires dependencies into a concrete ReconcilerService.
func NewReconciler(deps ReconcilerDeps) (ReconcilerService, error) {
	if deps.Automation == nil {
		return nil, errors.New("reconciler: automation repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &reconciler{
		automation: deps.Automation,
		events:     deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (r *reconciler) ApplyUpdate(ctx context.Context, update StatusUpdate) (ReconcileResult, error) {
	target, err := targetState(update.Status)
	if err != nil {
		return ReconcileResult{}, err
	}

	job, err := r.resolve(ctx, update.OrderID, update.Handle)
	if err != nil {
		return ReconcileResult{}, err
	}

	lock := r.orderLock(job.OrderID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; another channel may have finished the job
	// between resolution and acquisition.
	job, err = r.automation.FindJob(ctx, job.OrderID)
	if err != nil {
		return ReconcileResult{}, r.mapResolveError(err, update)
	}

	if job.State.IsTerminal() || job.State == domain.AutomationStateNone {
		r.logger(ctx, "reconcile_noop", map[string]any{
			"order_id": job.OrderID,
			"source":   update.Source,
			"state":    stateString(job.State),
			"status":   update.Status,
		})
		if job.State.IsTerminal() {
			r.evictLock(job.OrderID)
		}
		return ReconcileResult{OrderID: job.OrderID, State: job.State, Applied: false}, nil
	}

	now := r.clock()
	next := job
	next.State = target
	next.CompletedAt = &now
	if target == domain.AutomationStateCompleted {
		next.Progress = 100
		next.Result = update.Result
		next.LastError = ""
	} else {
		next.LastError = failureText(update.Error)
	}

	saved, err := r.automation.SaveJob(ctx, repositories.SaveJobRequest{
		Job: next,
		ExpectedStates: []domain.AutomationState{
			domain.AutomationStatePending,
			domain.AutomationStateProcessing,
		},
		Now: now,
	})
	if err != nil {
		if isStateConflict(err) {
			// Lost the race to another terminal update.
			current, findErr := r.automation.FindJob(ctx, job.OrderID)
			if findErr != nil {
				current = job
			}
			if current.State.IsTerminal() {
				r.evictLock(job.OrderID)
			}
			return ReconcileResult{OrderID: job.OrderID, State: current.State, Applied: false}, nil
		}
		return ReconcileResult{}, err
	}

	r.afterTerminal(ctx, saved, update, now)
	r.evictLock(saved.OrderID)
	return ReconcileResult{OrderID: saved.OrderID, State: saved.State, Applied: true}, nil
}

// ApplyProgress reports the resolved order in its result so callers can ack
// with the order the update actually landed on, not whatever reference the
// sender happened to supply.
func (r *reconciler) ApplyProgress(ctx context.Context, update ProgressUpdate) (ReconcileResult, error) {
	job, err := r.resolve(ctx, update.OrderID, update.Handle)
	if err != nil {
		return ReconcileResult{}, err
	}

	lock := r.orderLock(job.OrderID)
	lock.Lock()
	defer lock.Unlock()

	job, err = r.automation.FindJob(ctx, job.OrderID)
	if err != nil {
		return ReconcileResult{}, r.mapResolveError(err, StatusUpdate{OrderID: update.OrderID, Handle: update.Handle})
	}
	if !job.State.IsActive() {
		if job.State.IsTerminal() {
			r.evictLock(job.OrderID)
		}
		return ReconcileResult{OrderID: job.OrderID, State: job.State, Applied: false}, nil
	}
	if update.Progress <= job.Progress {
		return ReconcileResult{OrderID: job.OrderID, State: job.State, Applied: false}, nil
	}

	next := job
	next.Progress = update.Progress
	if _, err := r.automation.SaveJob(ctx, repositories.SaveJobRequest{
		Job:            next,
		ExpectedStates: []domain.AutomationState{job.State},
		Now:            r.clock(),
	}); err != nil {
		if isStateConflict(err) {
			return ReconcileResult{OrderID: job.OrderID, State: job.State, Applied: false}, nil
		}
		return ReconcileResult{}, err
	}
	return ReconcileResult{OrderID: job.OrderID, State: job.State, Applied: true}, nil
}

// afterTerminal runs the downstream side effects exactly once, on the update
// that won the transition.
func (r *reconciler) afterTerminal(ctx context.Context, job domain.AutomationJob, update StatusUpdate, now time.Time) {
	comment := domain.OrderComment{Author: "automation", CreatedAt: now}
	eventType := eventJobCompleted
	if job.State == domain.AutomationStateCompleted {
		comment.Text = "top-up delivered"
		if err := r.automation.UpdateOrderStatus(ctx, job.OrderID, domain.OrderStatusCompleted, now); err != nil {
			r.logger(ctx, "reconcile_order_status_failed", map[string]any{"order_id": job.OrderID, "error": err.Error()})
		}
	} else {
		eventType = eventJobFailed
		comment.Text = "top-up failed: " + job.LastError
	}

	if err := r.automation.AppendOrderComment(ctx, job.OrderID, comment); err != nil {
		r.logger(ctx, "reconcile_comment_failed", map[string]any{"order_id": job.OrderID, "error": err.Error()})
	}

	r.logger(ctx, "reconcile_applied", map[string]any{
		"order_id": job.OrderID,
		"state":    string(job.State),
		"source":   update.Source,
	})

	if r.events != nil {
		if _, err := r.events.PublishAutomationEvent(ctx, AutomationEvent{
			Type:     eventType,
			OrderID:  job.OrderID,
			State:    string(job.State),
			Handles:  job.Handles,
			Error:    job.LastError,
			Result:   job.Result,
			Occurred: now,
		}); err != nil {
			r.logger(ctx, "reconcile_event_publish_failed", map[string]any{"order_id": job.OrderID, "error": err.Error()})
		}
	}
}

// resolve locates the automation record by order reference or remote handle.
func (r *reconciler) resolve(ctx context.Context, orderID, handle string) (domain.AutomationJob, error) {
	orderID = strings.TrimSpace(orderID)
	handle = strings.TrimSpace(handle)
	if orderID == "" && handle == "" {
		return domain.AutomationJob{}, fmt.Errorf("%w: update carries neither order nor handle", ErrReconcileUnknown)
	}

	if orderID != "" {
		job, err := r.automation.FindJob(ctx, orderID)
		if err != nil {
			return domain.AutomationJob{}, r.mapResolveError(err, StatusUpdate{OrderID: orderID, Handle: handle})
		}
		if handle != "" && len(job.Handles) > 0 && !job.HasHandle(handle) {
			return domain.AutomationJob{}, fmt.Errorf("%w: handle %s does not belong to order %s", ErrReconcileUnknown, handle, orderID)
		}
		return job, nil
	}

	job, err := r.automation.FindJobByHandle(ctx, handle)
	if err != nil {
		return domain.AutomationJob{}, r.mapResolveError(err, StatusUpdate{Handle: handle})
	}
	return job, nil
}

func (r *reconciler) mapResolveError(err error, update StatusUpdate) error {
	var autoErr *repositories.AutomationError
	if errors.As(err, &autoErr) {
		switch autoErr.Code {
		case repositories.AutomationErrorOrderNotFound, repositories.AutomationErrorJobNotFound:
			return fmt.Errorf("%w: order=%q handle=%q", ErrReconcileUnknown, update.OrderID, update.Handle)
		}
	}
	return err
}

func (r *reconciler) orderLock(orderID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[orderID] = lock
	}
	return lock
}

// evictLock drops an order's serialisation mutex once the job is terminal.
// A late caller re-creating the entry is harmless: the repository's
// compare-and-set refuses any transition out of a terminal state.
func (r *reconciler) evictLock(orderID string) {
	r.mu.Lock()
	delete(r.locks, orderID)
	r.mu.Unlock()
}

func targetState(status string) (domain.AutomationState, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "complete", "success":
		return domain.AutomationStateCompleted, nil
	case "failed", "failure", "error":
		return domain.AutomationStateFailed, nil
	default:
		return "", fmt.Errorf("%w: status %q is not terminal", ErrAutomationInvalidInput, status)
	}
}

func failureText(detail string) string {
	if trimmed := strings.TrimSpace(detail); trimmed != "" {
		return trimmed
	}
	return "remote job failed without detail"
}
