package services

import (
	"context"
	"testing"

	domain "github.com/rechargekit/automation/internal/domain"
	"github.com/rechargekit/automation/internal/repositories/memory"
)

func newEvaluator(t *testing.T, cfg EligibilityConfig, licenses *memory.LicenseRepository) *EligibilityEvaluator {
	t.Helper()
	evaluator, err := NewEligibilityEvaluator(EligibilityEvaluatorDeps{
		Config:   cfg,
		Licenses: licenses,
	})
	if err != nil {
		t.Fatalf("NewEligibilityEvaluator: %v", err)
	}
	return evaluator
}

func TestEnabledLinesFiltersByProductSet(t *testing.T) {
	evaluator := newEvaluator(t, EligibilityConfig{
		EnabledProducts: []string{"prod-1"},
	}, memory.NewLicenseRepository())

	order := domain.Order{Items: []domain.LineItem{
		{ID: "a", ProductID: "prod-1", Quantity: 1},
		{ID: "b", ProductID: "prod-2", Quantity: 1},
	}}
	lines := evaluator.EnabledLines(order)
	if len(lines) != 1 || lines[0].ProductID != "prod-1" {
		t.Fatalf("unexpected lines %+v", lines)
	}
	if lines[0].Kind != domain.JobKindSingle {
		t.Fatalf("expected single kind, got %s", lines[0].Kind)
	}
}

func TestEnabledLinesVariationFallsBackToParent(t *testing.T) {
	evaluator := newEvaluator(t, EligibilityConfig{
		EnabledProducts: []string{"parent-1"},
	}, memory.NewLicenseRepository())

	order := domain.Order{Items: []domain.LineItem{
		{ID: "a", ProductID: "variation-9", ParentProductID: "parent-1", Quantity: 1},
	}}
	lines := evaluator.EnabledLines(order)
	if len(lines) != 1 || lines[0].ProductID != "parent-1" {
		t.Fatalf("variation must resolve to parent, got %+v", lines)
	}
}

func TestEnabledLinesGroupKind(t *testing.T) {
	evaluator := newEvaluator(t, EligibilityConfig{
		EnabledProducts: []string{"bundle-1"},
		GroupProducts:   []string{"bundle-1"},
		GroupSize:       3,
	}, memory.NewLicenseRepository())

	lines := evaluator.EnabledLines(domain.Order{Items: []domain.LineItem{
		{ID: "a", ProductID: "bundle-1", Quantity: 1},
	}})
	if len(lines) != 1 || lines[0].Kind != domain.JobKindGroup {
		t.Fatalf("expected group kind, got %+v", lines)
	}
	if evaluator.RequiredStock(domain.JobKindGroup) != 3 {
		t.Fatalf("group size not honoured")
	}
}

func TestEligibleItemsRequiresStock(t *testing.T) {
	licenses := memory.NewLicenseRepository()
	licenses.SeedLicense(domain.License{ID: "lic-1", Code: "C1", ProductScope: []string{"prod-1"}})

	evaluator := newEvaluator(t, EligibilityConfig{
		EnabledProducts: []string{"prod-1", "prod-2"},
	}, licenses)

	order := domain.Order{Items: []domain.LineItem{
		{ID: "a", ProductID: "prod-1", Quantity: 1},
		{ID: "b", ProductID: "prod-2", Quantity: 1},
	}}
	eligible := evaluator.EligibleItems(context.Background(), order)
	if len(eligible) != 1 || eligible[0].ProductID != "prod-1" {
		t.Fatalf("only the stocked product qualifies, got %+v", eligible)
	}
}

func TestEligibleItemsEmptyWithoutError(t *testing.T) {
	evaluator := newEvaluator(t, EligibilityConfig{
		EnabledProducts: []string{"prod-1"},
	}, memory.NewLicenseRepository())

	eligible := evaluator.EligibleItems(context.Background(), domain.Order{Items: []domain.LineItem{
		{ID: "a", ProductID: "prod-1", Quantity: 1},
	}})
	if len(eligible) != 0 {
		t.Fatalf("expected empty result, got %+v", eligible)
	}
}
