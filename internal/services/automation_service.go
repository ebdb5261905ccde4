package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/rechargekit/automation/internal/domain"
	"github.com/rechargekit/automation/internal/queue"
	"github.com/rechargekit/automation/internal/repositories"
)

const (
	eventJobSubmitted = "automation.job_submitted"
	eventJobCancelled = "automation.job_cancelled"
	eventJobReset     = "automation.job_reset"

	reasonAlreadyHandled = "already_handled"
)

// AutomationServiceDeps bundles the collaborators required to construct the
// automation service.
type AutomationServiceDeps struct {
	Automation  repositories.AutomationRepository
	Licenses    repositories.LicenseRepository
	Queue       QueueSubmitter
	Eligibility *EligibilityEvaluator
	Identifier  *PlayerIdentifierExtractor
	Events      AutomationEventPublisher
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type automationService struct {
	automation  repositories.AutomationRepository
	licenses    repositories.LicenseRepository
	queue       QueueSubmitter
	eligibility *EligibilityEvaluator
	identifier  *PlayerIdentifierExtractor
	events      AutomationEventPublisher
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewAutomationService wires dependencies into a concrete AutomationService.
func NewAutomationService(deps AutomationServiceDeps) (AutomationService, error) {
	if deps.Automation == nil {
		return nil, errors.New("automation service: automation repository is required")
	}
	if deps.Licenses == nil {
		return nil, errors.New("automation service: license repository is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("automation service: queue submitter is required")
	}
	if deps.Eligibility == nil {
		return nil, errors.New("automation service: eligibility evaluator is required")
	}
	if deps.Identifier == nil {
		return nil, errors.New("automation service: identifier extractor is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &automationService{
		automation:  deps.Automation,
		licenses:    deps.Licenses,
		queue:       deps.Queue,
		eligibility: deps.Eligibility,
		identifier:  deps.Identifier,
		events:      deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Trigger runs the full submission path for one order: eligibility,
// identifier extraction, code claim, remote submission, then the transition
// to processing. The pending record acts as the double-submission guard:
// only the caller that wins the compare-and-set create proceeds to claim
// codes.
func (s *automationService) Trigger(ctx context.Context, orderID string) (TriggerResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return TriggerResult{}, fmt.Errorf("%w: order id is required", ErrAutomationInvalidInput)
	}

	order, err := s.automation.FindOrder(ctx, orderID)
	if err != nil {
		return TriggerResult{}, s.mapRepositoryError(err)
	}

	previous, err := s.automation.FindJob(ctx, orderID)
	switch {
	case err == nil:
		if previous.State != domain.AutomationStateNone {
			return TriggerResult{Job: jobView(previous), Reason: reasonAlreadyHandled}, nil
		}
	case isJobNotFound(err):
		// First trigger for this order.
	default:
		return TriggerResult{}, s.mapRepositoryError(err)
	}

	lines := s.eligibility.EligibleItems(ctx, order)
	if len(lines) == 0 {
		if len(s.eligibility.EnabledLines(order)) == 0 {
			return TriggerResult{}, fmt.Errorf("%w: order %s has no enabled line items", ErrNotEligible, orderID)
		}
		return TriggerResult{}, fmt.Errorf("%w: no claimable codes for order %s", ErrNoStock, orderID)
	}
	line := lines[0]

	playerID, source, found := s.identifier.Extract(order)
	if !found {
		return TriggerResult{}, fmt.Errorf("%w: order %s", ErrMissingIdentifier, orderID)
	}

	now := s.clock()
	pending := domain.AutomationJob{
		OrderID:   orderID,
		Kind:      line.Kind,
		State:     domain.AutomationStatePending,
		PlayerID:  playerID,
		Attempt:   previous.Attempt + 1,
		CreatedAt: previous.CreatedAt,
	}
	if _, err := s.automation.SaveJob(ctx, repositories.SaveJobRequest{
		Job:            pending,
		ExpectedStates: []domain.AutomationState{domain.AutomationStateNone},
		Now:            now,
	}); err != nil {
		if isStateConflict(err) {
			// A concurrent trigger won the create.
			current, findErr := s.automation.FindJob(ctx, orderID)
			if findErr != nil {
				current = pending
			}
			return TriggerResult{Job: jobView(current), Reason: reasonAlreadyHandled}, nil
		}
		return TriggerResult{}, s.mapRepositoryError(err)
	}

	// The claim runs in its own short transaction; the remote call below
	// happens only after it commits. A submission failure compensates with
	// an explicit release, never a rollback.
	codes, licenseIDs, groupID, err := s.claimCodes(ctx, line, orderID, now)
	if err != nil {
		s.resetRecord(ctx, pending, domain.AutomationStatePending, "trigger_claim_failed")
		return TriggerResult{}, err
	}

	handles, err := s.submit(ctx, order, line, playerID, codes)
	if err != nil {
		s.releaseClaims(ctx, orderID, licenseIDs, groupID)
		if queue.IsTransport(err) {
			s.resetRecord(ctx, pending, domain.AutomationStatePending, "trigger_submit_transport")
			return TriggerResult{}, fmt.Errorf("%w: %v", ErrRemoteTransport, err)
		}

		failed := pending
		failed.State = domain.AutomationStateFailed
		failed.LastError = err.Error()
		completedAt := s.clock()
		failed.CompletedAt = &completedAt
		if _, saveErr := s.automation.SaveJob(ctx, repositories.SaveJobRequest{
			Job:            failed,
			ExpectedStates: []domain.AutomationState{domain.AutomationStatePending},
			Now:            completedAt,
		}); saveErr != nil {
			s.logger(ctx, "trigger_mark_failed_error", map[string]any{"order_id": orderID, "error": saveErr.Error()})
		}
		return TriggerResult{}, fmt.Errorf("%w: %v", ErrRemoteRejected, err)
	}

	processing := pending
	processing.State = domain.AutomationStateProcessing
	processing.Handles = handles
	processing.LicenseIDs = licenseIDs
	processing.GroupID = groupID
	saved, err := s.automation.SaveJob(ctx, repositories.SaveJobRequest{
		Job:            processing,
		ExpectedStates: []domain.AutomationState{domain.AutomationStatePending},
		Now:            s.clock(),
	})
	if err != nil {
		return TriggerResult{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "automation_triggered", map[string]any{
		"order_id":          orderID,
		"kind":              string(line.Kind),
		"handles":           handles,
		"identifier_source": source,
		"attempt":           saved.Attempt,
	})
	s.publish(ctx, AutomationEvent{
		Type:     eventJobSubmitted,
		OrderID:  orderID,
		State:    string(saved.State),
		Handles:  handles,
		Occurred: s.clock(),
	})

	return TriggerResult{Job: jobView(saved), Triggered: true}, nil
}

// Retry releases any codes held by the aborted attempt and clears the record
// back to none so a fresh trigger can run. Allowed from failed and from a
// stuck pending or processing.
func (s *automationService) Retry(ctx context.Context, orderID string) (AutomationJobView, error) {
	job, err := s.findJobStrict(ctx, orderID)
	if err != nil {
		return AutomationJobView{}, err
	}
	if job.State == domain.AutomationStateNone || job.State == domain.AutomationStateCompleted {
		return AutomationJobView{}, fmt.Errorf("%w: cannot retry from %q", ErrInvalidTransition, stateString(job.State))
	}

	now := s.clock()
	if err := s.licenses.Release(ctx, repositories.LicenseReleaseRequest{
		LicenseIDs: job.LicenseIDs,
		GroupID:    job.GroupID,
		OrderRef:   job.OrderID,
		Now:        now,
	}); err != nil {
		return AutomationJobView{}, fmt.Errorf("retry order %s: release codes: %w", orderID, err)
	}

	cleared, err := s.clearRecord(ctx, job, now)
	if err != nil {
		return AutomationJobView{}, err
	}
	s.logger(ctx, "automation_retry", map[string]any{"order_id": orderID, "from_state": string(job.State)})
	s.publish(ctx, AutomationEvent{
		Type:     eventJobReset,
		OrderID:  job.OrderID,
		State:    stateString(cleared.State),
		Occurred: now,
	})
	return jobView(cleared), nil
}

// Cancel asks the remote worker to stop and clears local state regardless of
// whether the remote acknowledges, so an unreachable worker cannot wedge the
// order.
func (s *automationService) Cancel(ctx context.Context, orderID string) (AutomationJobView, error) {
	job, err := s.findJobStrict(ctx, orderID)
	if err != nil {
		return AutomationJobView{}, err
	}
	if !job.State.IsActive() {
		return AutomationJobView{}, fmt.Errorf("%w: cannot cancel from %q", ErrInvalidTransition, stateString(job.State))
	}

	for _, handle := range job.Handles {
		if err := s.queue.CancelJob(ctx, handle); err != nil {
			s.logger(ctx, "automation_cancel_remote_failed", map[string]any{
				"order_id": orderID,
				"handle":   handle,
				"error":    err.Error(),
			})
		}
	}

	now := s.clock()
	if err := s.licenses.Release(ctx, repositories.LicenseReleaseRequest{
		LicenseIDs: job.LicenseIDs,
		GroupID:    job.GroupID,
		OrderRef:   job.OrderID,
		Now:        now,
	}); err != nil {
		return AutomationJobView{}, fmt.Errorf("cancel order %s: release codes: %w", orderID, err)
	}

	cleared, err := s.clearRecord(ctx, job, now)
	if err != nil {
		return AutomationJobView{}, err
	}

	if err := s.automation.AppendOrderComment(ctx, orderID, domain.OrderComment{
		Author:    "automation",
		Text:      "top-up automation cancelled by operator",
		CreatedAt: now,
	}); err != nil {
		s.logger(ctx, "automation_comment_failed", map[string]any{"order_id": orderID, "error": err.Error()})
	}

	s.logger(ctx, "automation_cancelled", map[string]any{"order_id": orderID, "handles": job.Handles})
	s.publish(ctx, AutomationEvent{
		Type:     eventJobCancelled,
		OrderID:  orderID,
		State:    stateString(cleared.State),
		Handles:  job.Handles,
		Occurred: now,
	})
	return jobView(cleared), nil
}

// GetJob returns the automation record view; an order with no record reads
// as state none.
func (s *automationService) GetJob(ctx context.Context, orderID string) (AutomationJobView, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return AutomationJobView{}, fmt.Errorf("%w: order id is required", ErrAutomationInvalidInput)
	}
	job, err := s.automation.FindJob(ctx, orderID)
	if err != nil {
		if isJobNotFound(err) {
			return AutomationJobView{OrderID: orderID, State: stateString(domain.AutomationStateNone)}, nil
		}
		return AutomationJobView{}, s.mapRepositoryError(err)
	}
	return jobView(job), nil
}

func (s *automationService) claimCodes(ctx context.Context, line EligibleLine, orderID string, now time.Time) (codes, licenseIDs []string, groupID string, err error) {
	req := repositories.LicenseClaimRequest{
		ProductID: line.ProductID,
		OrderRef:  orderID,
		Now:       now,
	}
	if line.Kind == domain.JobKindGroup {
		group, claimErr := s.licenses.ClaimGroup(ctx, req)
		if claimErr != nil {
			return nil, nil, "", s.mapLicenseError(claimErr)
		}
		ids := make([]string, len(group.Licenses))
		for i, member := range group.Licenses {
			ids[i] = member.ID
		}
		return group.Codes(), ids, group.ID, nil
	}

	license, claimErr := s.licenses.ClaimSingle(ctx, req)
	if claimErr != nil {
		return nil, nil, "", s.mapLicenseError(claimErr)
	}
	return []string{license.Code}, []string{license.ID}, "", nil
}

func (s *automationService) submit(ctx context.Context, order domain.Order, line EligibleLine, playerID string, codes []string) ([]string, error) {
	req := queue.SubmitRequest{
		OrderRef: order.ID,
		PlayerID: playerID,
		Codes:    codes,
		Metadata: map[string]string{
			"order_number": order.Number,
			"product":      line.ProductID,
		},
	}
	if line.Kind == domain.JobKindGroup {
		return s.queue.SubmitBatch(ctx, req)
	}
	handle, err := s.queue.SubmitJob(ctx, req)
	if err != nil {
		return nil, err
	}
	return []string{handle}, nil
}

func (s *automationService) releaseClaims(ctx context.Context, orderID string, licenseIDs []string, groupID string) {
	if len(licenseIDs) == 0 && groupID == "" {
		return
	}
	if err := s.licenses.Release(ctx, repositories.LicenseReleaseRequest{
		LicenseIDs: licenseIDs,
		GroupID:    groupID,
		OrderRef:   orderID,
		Now:        s.clock(),
	}); err != nil {
		s.logger(ctx, "automation_release_failed", map[string]any{
			"order_id": orderID,
			"licenses": licenseIDs,
			"error":    err.Error(),
		})
	}
}

// resetRecord pushes a record back to none after a failed trigger step so
// the order stays triggerable.
func (s *automationService) resetRecord(ctx context.Context, job domain.AutomationJob, from domain.AutomationState, reason string) {
	reset := job
	reset.State = domain.AutomationStateNone
	reset.Handles = nil
	reset.LicenseIDs = nil
	reset.GroupID = ""
	if _, err := s.automation.SaveJob(ctx, repositories.SaveJobRequest{
		Job:            reset,
		ExpectedStates: []domain.AutomationState{from},
		Now:            s.clock(),
	}); err != nil {
		s.logger(ctx, "automation_reset_failed", map[string]any{
			"order_id": job.OrderID,
			"reason":   reason,
			"error":    err.Error(),
		})
	}
}

func (s *automationService) clearRecord(ctx context.Context, job domain.AutomationJob, now time.Time) (domain.AutomationJob, error) {
	cleared := domain.AutomationJob{
		OrderID:   job.OrderID,
		Kind:      job.Kind,
		State:     domain.AutomationStateNone,
		Attempt:   job.Attempt,
		CreatedAt: job.CreatedAt,
	}
	saved, err := s.automation.SaveJob(ctx, repositories.SaveJobRequest{
		Job:            cleared,
		ExpectedStates: []domain.AutomationState{job.State},
		Now:            now,
	})
	if err != nil {
		return domain.AutomationJob{}, s.mapRepositoryError(err)
	}
	return saved, nil
}

func (s *automationService) findJobStrict(ctx context.Context, orderID string) (domain.AutomationJob, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.AutomationJob{}, fmt.Errorf("%w: order id is required", ErrAutomationInvalidInput)
	}
	job, err := s.automation.FindJob(ctx, orderID)
	if err != nil {
		if isJobNotFound(err) {
			return domain.AutomationJob{}, fmt.Errorf("%w: order %s has no automation record", ErrInvalidTransition, orderID)
		}
		return domain.AutomationJob{}, s.mapRepositoryError(err)
	}
	return job, nil
}

func (s *automationService) publish(ctx context.Context, event AutomationEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishAutomationEvent(ctx, event); err != nil {
		s.logger(ctx, "automation_event_publish_failed", map[string]any{
			"type":     event.Type,
			"order_id": event.OrderID,
			"error":    err.Error(),
		})
	}
}

func (s *automationService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var autoErr *repositories.AutomationError
	if errors.As(err, &autoErr) {
		switch autoErr.Code {
		case repositories.AutomationErrorOrderNotFound:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, autoErr.Message)
		case repositories.AutomationErrorStateConflict:
			return fmt.Errorf("%w: %s", ErrInvalidTransition, autoErr.Message)
		}
	}
	return err
}

func (s *automationService) mapLicenseError(err error) error {
	if err == nil {
		return nil
	}
	var licErr *repositories.LicenseError
	if errors.As(err, &licErr) && licErr.Code == repositories.LicenseErrorNoStock {
		return fmt.Errorf("%w: %s", ErrNoStock, licErr.Message)
	}
	return err
}

func isJobNotFound(err error) bool {
	var autoErr *repositories.AutomationError
	return errors.As(err, &autoErr) && autoErr.Code == repositories.AutomationErrorJobNotFound
}

func isStateConflict(err error) bool {
	var autoErr *repositories.AutomationError
	return errors.As(err, &autoErr) && autoErr.Code == repositories.AutomationErrorStateConflict
}

func stateString(state domain.AutomationState) string {
	if state == domain.AutomationStateNone {
		return "none"
	}
	return string(state)
}

func jobView(job domain.AutomationJob) AutomationJobView {
	return AutomationJobView{
		OrderID:     job.OrderID,
		Kind:        job.Kind,
		State:       stateString(job.State),
		Handles:     job.Handles,
		PlayerID:    job.PlayerID,
		Progress:    job.Progress,
		LastError:   job.LastError,
		Result:      job.Result,
		Attempt:     job.Attempt,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
	}
}
