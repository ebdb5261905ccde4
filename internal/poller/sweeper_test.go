package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/rechargekit/automation/internal/domain"
	"github.com/rechargekit/automation/internal/queue"
	"github.com/rechargekit/automation/internal/repositories"
	"github.com/rechargekit/automation/internal/repositories/memory"
	"github.com/rechargekit/automation/internal/services"
)

var sweepNow = time.Date(2026, 4, 10, 10, 0, 0, 0, time.UTC)

type pollQueue struct {
	mu         sync.Mutex
	statuses   map[string]queue.JobState
	statusErrs map[string]error
	pending    []queue.PendingItem
	pendingErr error
	calls      []string
}

func (q *pollQueue) SubmitJob(context.Context, queue.SubmitRequest) (string, error) {
	return "", errors.New("not used")
}

func (q *pollQueue) SubmitBatch(context.Context, queue.SubmitRequest) ([]string, error) {
	return nil, errors.New("not used")
}

func (q *pollQueue) JobStatus(_ context.Context, handle string) (queue.JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, handle)
	if err, ok := q.statusErrs[handle]; ok {
		return queue.JobState{}, err
	}
	state, ok := q.statuses[handle]
	if !ok {
		return queue.JobState{}, &queue.RejectionError{Op: "status", StatusCode: 404, Message: "unknown job"}
	}
	return state, nil
}

func (q *pollQueue) PendingItems(context.Context) ([]queue.PendingItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending, q.pendingErr
}

func (q *pollQueue) CancelJob(context.Context, string) error { return nil }

func (q *pollQueue) statusCalls() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.calls...)
}

type sweepFixture struct {
	automation *memory.AutomationRepository
	queue      *pollQueue
	sweeper    *Sweeper
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	f := &sweepFixture{
		automation: memory.NewAutomationRepository(),
		queue: &pollQueue{
			statuses:   make(map[string]queue.JobState),
			statusErrs: make(map[string]error),
		},
	}
	reconciler, err := services.NewReconciler(services.ReconcilerDeps{
		Automation: f.automation,
		Clock:      func() time.Time { return sweepNow },
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	sweeper, err := NewSweeper(SweeperDeps{
		Automation: f.automation,
		Queue:      f.queue,
		Reconciler: reconciler,
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	f.sweeper = sweeper
	return f
}

func (f *sweepFixture) seedJob(t *testing.T, orderID string, state domain.AutomationState, handles ...string) {
	t.Helper()
	f.automation.SeedOrder(domain.Order{ID: orderID, Status: domain.OrderStatusProcessing})
	job := domain.AutomationJob{
		OrderID: orderID,
		Kind:    domain.JobKindSingle,
		State:   state,
		Handles: handles,
		Attempt: 1,
	}
	if _, err := f.automation.SaveJob(context.Background(), repositories.SaveJobRequest{Job: job, Now: sweepNow}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
}

func (f *sweepFixture) jobState(t *testing.T, orderID string) domain.AutomationJob {
	t.Helper()
	job, err := f.automation.FindJob(context.Background(), orderID)
	if err != nil {
		t.Fatalf("FindJob: %v", err)
	}
	return job
}

func TestSweepCompletesFinishedJob(t *testing.T) {
	f := newSweepFixture(t)
	f.seedJob(t, "order-1", domain.AutomationStateProcessing, "job-1")
	f.queue.statuses["job-1"] = queue.JobState{
		Handle: "job-1",
		Status: queue.JobStatusCompleted,
		Result: map[string]any{"balance": "25.00"},
	}

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	job := f.jobState(t, "order-1")
	if job.State != domain.AutomationStateCompleted || job.Progress != 100 {
		t.Fatalf("job not completed: %+v", job)
	}
	order, _ := f.automation.FindOrder(context.Background(), "order-1")
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("order not advanced: %q", order.Status)
	}
}

func TestSweepFailsCrashedJob(t *testing.T) {
	f := newSweepFixture(t)
	f.seedJob(t, "order-1", domain.AutomationStateProcessing, "job-1")
	f.queue.statuses["job-1"] = queue.JobState{
		Handle:  "job-1",
		Status:  queue.JobStatusFailed,
		Message: "worker crashed",
	}

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	job := f.jobState(t, "order-1")
	if job.State != domain.AutomationStateFailed || job.LastError != "worker crashed" {
		t.Fatalf("job not failed: %+v", job)
	}
}

func TestSweepFailsVanishedJob(t *testing.T) {
	f := newSweepFixture(t)
	f.seedJob(t, "order-1", domain.AutomationStateProcessing, "job-1")
	// No remote status seeded: the handle 404s.

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	job := f.jobState(t, "order-1")
	if job.State != domain.AutomationStateFailed {
		t.Fatalf("vanished job should fail, got %+v", job)
	}
}

func TestSweepSkipsHandlesStillQueued(t *testing.T) {
	f := newSweepFixture(t)
	f.seedJob(t, "order-1", domain.AutomationStateProcessing, "job-1")
	f.queue.pending = []queue.PendingItem{{Handle: "job-1", Status: queue.JobStatusPending}}

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if calls := f.queue.statusCalls(); len(calls) != 0 {
		t.Fatalf("queued handle must not be polled, got %v", calls)
	}
	if job := f.jobState(t, "order-1"); job.State != domain.AutomationStateProcessing {
		t.Fatalf("state must be untouched, got %q", job.State)
	}
}

func TestSweepRecordsProgress(t *testing.T) {
	f := newSweepFixture(t)
	f.seedJob(t, "order-1", domain.AutomationStateProcessing, "job-1")
	f.queue.statuses["job-1"] = queue.JobState{
		Handle:   "job-1",
		Status:   queue.JobStatusProcessing,
		Progress: 45,
	}

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	job := f.jobState(t, "order-1")
	if job.State != domain.AutomationStateProcessing || job.Progress != 45 {
		t.Fatalf("progress not applied: %+v", job)
	}
}

func TestSweepBatchCompletesOnlyWhenAllDone(t *testing.T) {
	f := newSweepFixture(t)
	f.seedJob(t, "order-1", domain.AutomationStateProcessing, "job-1", "job-2", "job-3")
	f.queue.statuses["job-1"] = queue.JobState{Handle: "job-1", Status: queue.JobStatusCompleted}
	f.queue.statuses["job-2"] = queue.JobState{Handle: "job-2", Status: queue.JobStatusCompleted}
	f.queue.statuses["job-3"] = queue.JobState{Handle: "job-3", Status: queue.JobStatusProcessing, Progress: 30}

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	job := f.jobState(t, "order-1")
	if job.State != domain.AutomationStateProcessing {
		t.Fatalf("partial batch must stay processing, got %q", job.State)
	}
	if job.Progress != (100+100+30)/3 {
		t.Fatalf("unexpected aggregate progress %d", job.Progress)
	}

	f.queue.statuses["job-3"] = queue.JobState{Handle: "job-3", Status: queue.JobStatusCompleted}
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if job := f.jobState(t, "order-1"); job.State != domain.AutomationStateCompleted {
		t.Fatalf("full batch should complete, got %q", job.State)
	}
}

func TestSweepBatchAnyFailureFails(t *testing.T) {
	f := newSweepFixture(t)
	f.seedJob(t, "order-1", domain.AutomationStateProcessing, "job-1", "job-2")
	f.queue.statuses["job-1"] = queue.JobState{Handle: "job-1", Status: queue.JobStatusCompleted}
	f.queue.statuses["job-2"] = queue.JobState{Handle: "job-2", Status: queue.JobStatusFailed, Message: "code already redeemed"}

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	job := f.jobState(t, "order-1")
	if job.State != domain.AutomationStateFailed || job.LastError != "code already redeemed" {
		t.Fatalf("batch failure not applied: %+v", job)
	}
}

func TestSweepIsolatesPerOrderFailures(t *testing.T) {
	f := newSweepFixture(t)
	f.seedJob(t, "order-1", domain.AutomationStateProcessing, "job-1")
	f.seedJob(t, "order-2", domain.AutomationStateProcessing, "job-2")
	f.queue.statusErrs["job-1"] = &queue.TransportError{Op: "status", Err: errors.New("timeout")}
	f.queue.statuses["job-2"] = queue.JobState{Handle: "job-2", Status: queue.JobStatusCompleted}

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if job := f.jobState(t, "order-1"); job.State != domain.AutomationStateProcessing {
		t.Fatalf("unreachable status must leave order-1 untouched, got %q", job.State)
	}
	if job := f.jobState(t, "order-2"); job.State != domain.AutomationStateCompleted {
		t.Fatalf("order-2 must still complete, got %q", job.State)
	}
}

func TestSweepNoActiveJobsDoesNothing(t *testing.T) {
	f := newSweepFixture(t)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if calls := f.queue.statusCalls(); len(calls) != 0 {
		t.Fatalf("no calls expected, got %v", calls)
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	f := newSweepFixture(t)
	sweeper, err := NewSweeper(SweeperDeps{
		Automation: f.automation,
		Queue:      f.queue,
		Reconciler: mustReconciler(t, f.automation),
		Schedule:   "not a schedule",
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if err := sweeper.Start(); err == nil {
		_ = sweeper.Stop(context.Background())
		t.Fatal("expected schedule parse error")
	}
}

func mustReconciler(t *testing.T, automation repositories.AutomationRepository) services.ReconcilerService {
	t.Helper()
	reconciler, err := services.NewReconciler(services.ReconcilerDeps{Automation: automation})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return reconciler
}
