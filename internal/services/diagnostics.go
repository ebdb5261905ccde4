package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/rechargekit/automation/internal/domain"
	"github.com/rechargekit/automation/internal/repositories"
)

// Diagnostic check names.
const (
	CheckOrderState  = "order_state"
	CheckEligibility = "eligibility"
	CheckIdentifier  = "player_identifier"
	CheckStock       = "license_stock"
	CheckQueue       = "queue_service"
)

// DiagnosticsDeps bundles the collaborators required to construct the
// diagnostics engine.
type DiagnosticsDeps struct {
	Automation  repositories.AutomationRepository
	Eligibility *EligibilityEvaluator
	Identifier  *PlayerIdentifierExtractor
	Queue       QueueSubmitter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// diagnosticsEngine answers "why didn't this order automate" by running the
// exact evaluator functions the trigger path uses. It mutates nothing: stock
// is probed with counts and the queue with a read-only listing.
type diagnosticsEngine struct {
	automation  repositories.AutomationRepository
	eligibility *EligibilityEvaluator
	identifier  *PlayerIdentifierExtractor
	queue       QueueSubmitter
	logger      func(context.Context, string, map[string]any)
}

// NewDiagnosticsEngine wires dependencies into a concrete DiagnosticsService.
func NewDiagnosticsEngine(deps DiagnosticsDeps) (DiagnosticsService, error) {
	if deps.Automation == nil {
		return nil, errors.New("diagnostics: automation repository is required")
	}
	if deps.Eligibility == nil {
		return nil, errors.New("diagnostics: eligibility evaluator is required")
	}
	if deps.Identifier == nil {
		return nil, errors.New("diagnostics: identifier extractor is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &diagnosticsEngine{
		automation:  deps.Automation,
		eligibility: deps.Eligibility,
		identifier:  deps.Identifier,
		queue:       deps.Queue,
		logger:      logger,
	}, nil
}

func (d *diagnosticsEngine) Inspect(ctx context.Context, orderID string) (DiagnosticsReport, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return DiagnosticsReport{}, fmt.Errorf("%w: order id is required", ErrAutomationInvalidInput)
	}

	order, err := d.automation.FindOrder(ctx, orderID)
	if err != nil {
		var autoErr *repositories.AutomationError
		if errors.As(err, &autoErr) && autoErr.Code == repositories.AutomationErrorOrderNotFound {
			return DiagnosticsReport{}, fmt.Errorf("%w: %s", ErrOrderNotFound, autoErr.Message)
		}
		return DiagnosticsReport{}, err
	}

	report := DiagnosticsReport{OrderID: orderID}
	state := domain.AutomationStateNone
	if job, err := d.automation.FindJob(ctx, orderID); err == nil {
		state = job.State
	}
	report.State = stateString(state)
	report.Findings = append(report.Findings, d.stateFinding(state))

	enabled := d.eligibility.EnabledLines(order)
	if len(enabled) == 0 {
		report.Findings = append(report.Findings, DiagnosticsFinding{
			Check:    CheckEligibility,
			Severity: DiagnosticsSeverityError,
			Message:  "no line item is automation-enabled",
		})
	} else {
		report.Findings = append(report.Findings, DiagnosticsFinding{
			Check:    CheckEligibility,
			Severity: DiagnosticsSeverityInfo,
			Message:  fmt.Sprintf("%d automation-enabled line item(s)", len(enabled)),
		})
		report.Findings = append(report.Findings, d.stockFindings(ctx, enabled)...)
	}

	if id, source, found := d.identifier.Extract(order); found {
		report.Findings = append(report.Findings, DiagnosticsFinding{
			Check:    CheckIdentifier,
			Severity: DiagnosticsSeverityInfo,
			Message:  fmt.Sprintf("player identifier %q found via %s", id, source),
		})
	} else {
		report.Findings = append(report.Findings, DiagnosticsFinding{
			Check:    CheckIdentifier,
			Severity: DiagnosticsSeverityError,
			Message:  "no player identifier found on the order",
		})
	}

	report.Findings = append(report.Findings, d.queueFinding(ctx))

	report.CanAutomate = state == domain.AutomationStateNone
	for _, finding := range report.Findings {
		if finding.Severity == DiagnosticsSeverityError {
			report.CanAutomate = false
		}
	}
	return report, nil
}

func (d *diagnosticsEngine) stateFinding(state domain.AutomationState) DiagnosticsFinding {
	if state == domain.AutomationStateNone {
		return DiagnosticsFinding{
			Check:    CheckOrderState,
			Severity: DiagnosticsSeverityInfo,
			Message:  "order has no automation record and can be triggered",
		}
	}
	severity := DiagnosticsSeverityWarning
	if state.IsTerminal() {
		severity = DiagnosticsSeverityInfo
	}
	return DiagnosticsFinding{
		Check:    CheckOrderState,
		Severity: severity,
		Message:  fmt.Sprintf("automation record is %s; trigger is a no-op", stateString(state)),
	}
}

func (d *diagnosticsEngine) stockFindings(ctx context.Context, lines []EligibleLine) []DiagnosticsFinding {
	findings := make([]DiagnosticsFinding, 0, len(lines))
	for _, line := range lines {
		count, err := d.eligibility.StockAvailable(ctx, line.ProductID, line.Kind)
		if err != nil {
			findings = append(findings, DiagnosticsFinding{
				Check:    CheckStock,
				Severity: DiagnosticsSeverityError,
				Message:  fmt.Sprintf("stock lookup for %s failed: %v", line.ProductID, err),
			})
			continue
		}
		required := d.eligibility.RequiredStock(line.Kind)
		if count < required {
			findings = append(findings, DiagnosticsFinding{
				Check:    CheckStock,
				Severity: DiagnosticsSeverityError,
				Message:  fmt.Sprintf("product %s needs %d unused code(s), %d available", line.ProductID, required, count),
			})
			continue
		}
		findings = append(findings, DiagnosticsFinding{
			Check:    CheckStock,
			Severity: DiagnosticsSeverityInfo,
			Message:  fmt.Sprintf("product %s has %d unused code(s)", line.ProductID, count),
		})
	}
	return findings
}

func (d *diagnosticsEngine) queueFinding(ctx context.Context) DiagnosticsFinding {
	if d.queue == nil {
		return DiagnosticsFinding{
			Check:    CheckQueue,
			Severity: DiagnosticsSeverityWarning,
			Message:  "queue client not configured",
		}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := d.queue.PendingItems(probeCtx); err != nil {
		return DiagnosticsFinding{
			Check:    CheckQueue,
			Severity: DiagnosticsSeverityError,
			Message:  fmt.Sprintf("queue service unreachable: %v", err),
		}
	}
	return DiagnosticsFinding{
		Check:    CheckQueue,
		Severity: DiagnosticsSeverityInfo,
		Message:  "queue service reachable",
	}
}
