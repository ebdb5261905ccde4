package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rechargekit/automation/internal/queue"
	"github.com/rechargekit/automation/internal/repositories"
	"github.com/rechargekit/automation/internal/services"
)

const defaultSchedule = "@every 5m"

// SweeperDeps bundles the collaborators required to construct the sweeper.
type SweeperDeps struct {
	Automation repositories.AutomationRepository
	Queue      services.QueueSubmitter
	Reconciler services.ReconcilerService
	// Schedule is a cron expression or @every duration. Defaults to every
	// five minutes.
	Schedule string
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Sweeper is the safety net behind the webhook and stream channels: on a
// schedule it polls the queue service for every active job and feeds the
// answers through the reconciler. A missed webhook therefore delays an order
// by at most one sweep interval.
type Sweeper struct {
	automation repositories.AutomationRepository
	queue      services.QueueSubmitter
	reconciler services.ReconcilerService
	schedule   string
	logger     func(context.Context, string, map[string]any)

	cron *cron.Cron
}

// NewSweeper wires dependencies into a sweeper.
func NewSweeper(deps SweeperDeps) (*Sweeper, error) {
	if deps.Automation == nil {
		return nil, errors.New("poll sweeper: automation repository is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("poll sweeper: queue client is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("poll sweeper: reconciler is required")
	}
	schedule := strings.TrimSpace(deps.Schedule)
	if schedule == "" {
		schedule = defaultSchedule
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Sweeper{
		automation: deps.Automation,
		queue:      deps.Queue,
		reconciler: deps.Reconciler,
		schedule:   schedule,
		logger:     logger,
	}, nil
}

// Start registers the sweep on the cron schedule and begins running it.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return errors.New("poll sweeper: already started")
	}
	runner := cron.New()
	if _, err := runner.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger(ctx, "poll_sweep_failed", map[string]any{"error": err.Error()})
		}
	}); err != nil {
		return fmt.Errorf("poll sweeper: schedule %q: %w", s.schedule, err)
	}
	runner.Start()
	s.cron = runner
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	s.cron = nil
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one reconciliation pass over all active jobs. Failures on one
// order never stop the pass; they are logged and the sweep moves on.
func (s *Sweeper) Sweep(ctx context.Context) error {
	jobs, err := s.automation.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("poll sweep: list active jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	// One listing serves the whole pass; handles still waiting in the remote
	// queue are skipped without a per-handle status call.
	queued := make(map[string]bool)
	items, err := s.queue.PendingItems(ctx)
	if err != nil {
		s.logger(ctx, "poll_pending_listing_failed", map[string]any{"error": err.Error()})
	} else {
		for _, item := range items {
			queued[item.Handle] = true
		}
	}

	for _, job := range jobs {
		if err := s.sweepJob(ctx, job.OrderID, job.Handles, queued); err != nil {
			s.logger(ctx, "poll_job_sweep_failed", map[string]any{
				"order_id": job.OrderID,
				"error":    err.Error(),
			})
		}
	}
	return nil
}

// sweepJob folds the remote status of every handle into one verdict for the
// order: any failure fails the job, completion requires every handle done.
func (s *Sweeper) sweepJob(ctx context.Context, orderID string, handles []string, queued map[string]bool) error {
	if len(handles) == 0 {
		return nil
	}

	completed := 0
	progressTotal := 0
	var lastResult map[string]any
	for _, handle := range handles {
		if queued[handle] {
			continue
		}

		state, err := s.queue.JobStatus(ctx, handle)
		if err != nil {
			if queue.IsNotFound(err) {
				_, applyErr := s.reconciler.ApplyUpdate(ctx, services.StatusUpdate{
					Source:  services.UpdateSourcePoll,
					Handle:  handle,
					OrderID: orderID,
					Status:  "failed",
					Error:   fmt.Sprintf("remote job %s no longer exists", handle),
				})
				return applyErr
			}
			return fmt.Errorf("status of %s: %w", handle, err)
		}

		switch state.Status {
		case queue.JobStatusFailed:
			_, applyErr := s.reconciler.ApplyUpdate(ctx, services.StatusUpdate{
				Source:  services.UpdateSourcePoll,
				Handle:  handle,
				OrderID: orderID,
				Status:  "failed",
				Error:   state.Message,
				Result:  state.Result,
			})
			return applyErr
		case queue.JobStatusCompleted:
			completed++
			progressTotal += 100
			if state.Result != nil {
				lastResult = state.Result
			}
		default:
			progressTotal += state.Progress
		}
	}

	if completed == len(handles) {
		_, err := s.reconciler.ApplyUpdate(ctx, services.StatusUpdate{
			Source:  services.UpdateSourcePoll,
			OrderID: orderID,
			Status:  "completed",
			Result:  lastResult,
		})
		return err
	}

	_, err := s.reconciler.ApplyProgress(ctx, services.ProgressUpdate{
		Source:   services.UpdateSourcePoll,
		OrderID:  orderID,
		Progress: progressTotal / len(handles),
	})
	return err
}
