package services

import (
	"context"
	"errors"
	"strings"

	domain "github.com/rechargekit/automation/internal/domain"
	"github.com/rechargekit/automation/internal/repositories"
)

// EligibilityConfig is the injected enablement source of truth shared by the
// trigger path and the diagnostics engine.
type EligibilityConfig struct {
	// EnabledProducts lists product IDs automation may handle.
	EnabledProducts []string
	// GroupProducts lists the subset delivered as fixed-size code bundles.
	GroupProducts []string
	// GroupSize is the number of codes per bundle.
	GroupSize int
}

// EligibleLine is one qualifying order line.
type EligibleLine struct {
	Item      domain.LineItem
	ProductID string
	Kind      domain.JobKind
}

// EligibilityEvaluator selects the order lines that are automation-enabled
// and have license stock. It never errors for "nothing qualifies"; callers
// distinguish outcomes by emptiness.
type EligibilityEvaluator struct {
	enabled   map[string]bool
	grouped   map[string]bool
	groupSize int
	licenses  repositories.LicenseRepository
	logger    func(context.Context, string, map[string]any)
}

// EligibilityEvaluatorDeps bundles the evaluator's collaborators.
type EligibilityEvaluatorDeps struct {
	Config   EligibilityConfig
	Licenses repositories.LicenseRepository
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewEligibilityEvaluator builds the evaluator from configuration.
func NewEligibilityEvaluator(deps EligibilityEvaluatorDeps) (*EligibilityEvaluator, error) {
	if deps.Licenses == nil {
		return nil, errors.New("eligibility evaluator: license repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	groupSize := deps.Config.GroupSize
	if groupSize <= 0 {
		groupSize = 1
	}
	return &EligibilityEvaluator{
		enabled:   toSet(deps.Config.EnabledProducts),
		grouped:   toSet(deps.Config.GroupProducts),
		groupSize: groupSize,
		licenses:  deps.Licenses,
		logger:    logger,
	}, nil
}

// EnabledLines returns the lines whose effective product is in the
// enablement set, ignoring stock. Diagnostics uses this to separate "not
// enabled" from "no stock".
func (e *EligibilityEvaluator) EnabledLines(order domain.Order) []EligibleLine {
	var lines []EligibleLine
	for _, item := range order.Items {
		productID := item.EffectiveProductID()
		if productID == "" || !e.enabled[productID] {
			continue
		}
		lines = append(lines, EligibleLine{
			Item:      item,
			ProductID: productID,
			Kind:      e.kindFor(productID),
		})
	}
	return lines
}

// EligibleItems returns the enabled lines that also have claimable stock.
// Stock is probed with a count, not a claim.
func (e *EligibilityEvaluator) EligibleItems(ctx context.Context, order domain.Order) []EligibleLine {
	var eligible []EligibleLine
	for _, line := range e.EnabledLines(order) {
		count, err := e.licenses.CountAvailable(ctx, line.ProductID, line.Kind)
		if err != nil {
			e.logger(ctx, "eligibility_stock_probe_failed", map[string]any{
				"order_id": order.ID,
				"product":  line.ProductID,
				"error":    err.Error(),
			})
			continue
		}
		if count < e.requiredStock(line.Kind) {
			continue
		}
		eligible = append(eligible, line)
	}
	return eligible
}

// StockAvailable reports the claimable code count for a product, counted
// the way a claim of the given kind would look for stock.
func (e *EligibilityEvaluator) StockAvailable(ctx context.Context, productID string, kind domain.JobKind) (int, error) {
	return e.licenses.CountAvailable(ctx, productID, kind)
}

// RequiredStock returns how many unused codes one job of the given kind
// consumes.
func (e *EligibilityEvaluator) RequiredStock(kind domain.JobKind) int {
	return e.requiredStock(kind)
}

func (e *EligibilityEvaluator) kindFor(productID string) domain.JobKind {
	if e.grouped[productID] {
		return domain.JobKindGroup
	}
	return domain.JobKindSingle
}

func (e *EligibilityEvaluator) requiredStock(kind domain.JobKind) int {
	if kind == domain.JobKindGroup {
		return e.groupSize
	}
	return 1
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = true
		}
	}
	return set
}
