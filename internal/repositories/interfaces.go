package repositories

import (
	"context"
	"time"

	domain "github.com/rechargekit/automation/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Licenses() LicenseRepository
	Automation() AutomationRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// LicenseRepository manages the redemption code inventory with transactional
// claim guarantees. A claimed code is bound to an order reference and can only
// be released by the same reference. CountAvailable applies the same
// predicate the matching claim uses: single counts loose codes only, group
// counts codes inside fully claimable bundles.
type LicenseRepository interface {
	ClaimSingle(ctx context.Context, req LicenseClaimRequest) (domain.License, error)
	ClaimGroup(ctx context.Context, req LicenseClaimRequest) (domain.LicenseGroup, error)
	Release(ctx context.Context, req LicenseReleaseRequest) error
	CountAvailable(ctx context.Context, productID string, kind domain.JobKind) (int, error)
	FindLicense(ctx context.Context, licenseID string) (domain.License, error)
}

// LicenseClaimRequest identifies which codes to claim and for whom.
type LicenseClaimRequest struct {
	ProductID string
	OrderRef  string
	Now       time.Time
}

// LicenseReleaseRequest returns previously claimed codes to the pool. GroupID
// is set when the codes were claimed as a bundle.
type LicenseReleaseRequest struct {
	LicenseIDs []string
	GroupID    string
	OrderRef   string
	Now        time.Time
}

// AutomationRepository persists orders and their embedded automation job
// records. SaveJob is the single mutation path for job state and enforces
// compare-and-set semantics through ExpectedStates.
type AutomationRepository interface {
	FindOrder(ctx context.Context, orderID string) (domain.Order, error)
	FindJob(ctx context.Context, orderID string) (domain.AutomationJob, error)
	FindJobByHandle(ctx context.Context, handle string) (domain.AutomationJob, error)
	ListActiveJobs(ctx context.Context) ([]domain.AutomationJob, error)
	SaveJob(ctx context.Context, req SaveJobRequest) (domain.AutomationJob, error)
	AppendOrderComment(ctx context.Context, orderID string, comment domain.OrderComment) error
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, now time.Time) error
}

// SaveJobRequest carries a full job snapshot plus the states the stored
// record must currently be in for the write to apply. A nil ExpectedStates
// slice skips the check; an empty non-nil slice only matches a missing
// record.
type SaveJobRequest struct {
	Job            domain.AutomationJob
	ExpectedStates []domain.AutomationState
	Now            time.Time
}

// StateMatches reports whether the stored state satisfies the request guard.
func (r SaveJobRequest) StateMatches(current domain.AutomationState) bool {
	if r.ExpectedStates == nil {
		return true
	}
	for _, s := range r.ExpectedStates {
		if s == current {
			return true
		}
	}
	return false
}
