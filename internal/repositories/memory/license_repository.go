package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	domain "github.com/rechargekit/automation/internal/domain"
	"github.com/rechargekit/automation/internal/repositories"
)

// LicenseRepository is a mutex-guarded in-memory implementation used by tests
// and the local development target. Claim semantics match the Firestore
// implementation: a claim either binds every requested code to the order or
// changes nothing.
type LicenseRepository struct {
	mu       sync.Mutex
	licenses map[string]*domain.License
	groups   map[string]*groupRecord
}

type groupRecord struct {
	name      string
	size      int
	status    domain.LicenseStatus
	orderRef  string
	memberIDs []string
}

func NewLicenseRepository() *LicenseRepository {
	return &LicenseRepository{
		licenses: make(map[string]*domain.License),
		groups:   make(map[string]*groupRecord),
	}
}

// SeedLicense loads a code into the pool. Existing entries are replaced.
func (r *LicenseRepository) SeedLicense(license domain.License) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if license.Status == "" {
		license.Status = domain.LicenseStatusUnused
	}
	copied := license
	r.licenses[license.ID] = &copied
}

// SeedGroup loads a bundle and its member codes into the pool.
func (r *LicenseRepository) SeedGroup(group domain.LicenseGroup) {
	r.mu.Lock()
	memberIDs := make([]string, len(group.Licenses))
	for i, member := range group.Licenses {
		member.GroupID = group.ID
		if member.Status == "" {
			member.Status = domain.LicenseStatusUnused
		}
		copied := member
		r.licenses[member.ID] = &copied
		memberIDs[i] = member.ID
	}
	r.groups[group.ID] = &groupRecord{
		name:      group.Name,
		size:      group.Size,
		status:    domain.LicenseStatusUnused,
		memberIDs: memberIDs,
	}
	r.mu.Unlock()
}

func (r *LicenseRepository) ClaimSingle(_ context.Context, req repositories.LicenseClaimRequest) (domain.License, error) {
	productID := strings.TrimSpace(req.ProductID)
	orderRef := strings.TrimSpace(req.OrderRef)
	if productID == "" || orderRef == "" {
		return domain.License{}, errors.New("license claim: product id and order ref are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.sortedLicenseIDs() {
		license := r.licenses[id]
		if license.Status != domain.LicenseStatusUnused || license.GroupID != "" {
			continue
		}
		if !license.InScope(productID) {
			continue
		}
		license.Status = domain.LicenseStatusUsed
		license.OrderRef = orderRef
		license.UpdatedAt = req.Now
		return *license, nil
	}
	return domain.License{}, repositories.NewLicenseError(repositories.LicenseErrorNoStock, fmt.Sprintf("no unused code for product %s", productID), nil)
}

func (r *LicenseRepository) ClaimGroup(_ context.Context, req repositories.LicenseClaimRequest) (domain.LicenseGroup, error) {
	productID := strings.TrimSpace(req.ProductID)
	orderRef := strings.TrimSpace(req.OrderRef)
	if productID == "" || orderRef == "" {
		return domain.LicenseGroup{}, errors.New("license claim: product id and order ref are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, groupID := range r.sortedGroupIDs() {
		group := r.groups[groupID]
		if group.status != domain.LicenseStatusUnused {
			continue
		}
		members, ok := r.claimableMembers(group, productID)
		if !ok {
			continue
		}

		claimed := make([]domain.License, len(members))
		for i, member := range members {
			member.Status = domain.LicenseStatusUsed
			member.OrderRef = orderRef
			member.UpdatedAt = req.Now
			claimed[i] = *member
		}
		group.status = domain.LicenseStatusUsed
		group.orderRef = orderRef

		return domain.LicenseGroup{
			ID:       groupID,
			Name:     group.name,
			Size:     group.size,
			Licenses: claimed,
		}, nil
	}
	return domain.LicenseGroup{}, repositories.NewLicenseError(repositories.LicenseErrorNoStock, fmt.Sprintf("no unused code group for product %s", productID), nil)
}

func (r *LicenseRepository) Release(_ context.Context, req repositories.LicenseReleaseRequest) error {
	orderRef := strings.TrimSpace(req.OrderRef)
	if orderRef == "" {
		return errors.New("license release: order ref is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range req.LicenseIDs {
		license, ok := r.licenses[id]
		if !ok {
			return repositories.NewLicenseError(repositories.LicenseErrorNotFound, fmt.Sprintf("license %s not found", id), nil)
		}
		if license.Status == domain.LicenseStatusUnused {
			continue
		}
		if !strings.EqualFold(license.OrderRef, orderRef) {
			return repositories.NewLicenseError(repositories.LicenseErrorInvalidState, fmt.Sprintf("license %s is held by another order", id), nil)
		}
		license.Status = domain.LicenseStatusUnused
		license.OrderRef = ""
		license.UpdatedAt = req.Now
	}

	if groupID := strings.TrimSpace(req.GroupID); groupID != "" {
		group, ok := r.groups[groupID]
		if !ok {
			return repositories.NewLicenseError(repositories.LicenseErrorNotFound, fmt.Sprintf("license group %s not found", groupID), nil)
		}
		if group.status == domain.LicenseStatusUsed && !strings.EqualFold(group.orderRef, orderRef) {
			return repositories.NewLicenseError(repositories.LicenseErrorInvalidState, fmt.Sprintf("license group %s is held by another order", groupID), nil)
		}
		group.status = domain.LicenseStatusUnused
		group.orderRef = ""
	}
	return nil
}

// CountAvailable mirrors the claim predicates so stock probes agree with what
// a claim would actually find.
func (r *LicenseRepository) CountAvailable(_ context.Context, productID string, kind domain.JobKind) (int, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, errors.New("license count: product id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	if kind == domain.JobKindGroup {
		for _, group := range r.groups {
			if group.status != domain.LicenseStatusUnused {
				continue
			}
			if members, ok := r.claimableMembers(group, productID); ok {
				count += len(members)
			}
		}
		return count, nil
	}

	for _, license := range r.licenses {
		if license.Status == domain.LicenseStatusUnused && license.GroupID == "" && license.InScope(productID) {
			count++
		}
	}
	return count, nil
}

func (r *LicenseRepository) FindLicense(_ context.Context, licenseID string) (domain.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	license, ok := r.licenses[strings.TrimSpace(licenseID)]
	if !ok {
		return domain.License{}, repositories.NewLicenseError(repositories.LicenseErrorNotFound, fmt.Sprintf("license %s not found", licenseID), nil)
	}
	found := *license
	found.Code = ""
	return found, nil
}

func (r *LicenseRepository) claimableMembers(group *groupRecord, productID string) ([]*domain.License, bool) {
	members := make([]*domain.License, 0, len(group.memberIDs))
	for _, id := range group.memberIDs {
		member, ok := r.licenses[id]
		if !ok || member.Status != domain.LicenseStatusUnused || !member.InScope(productID) {
			return nil, false
		}
		members = append(members, member)
	}
	return members, true
}

func (r *LicenseRepository) sortedLicenseIDs() []string {
	ids := make([]string, 0, len(r.licenses))
	for id := range r.licenses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *LicenseRepository) sortedGroupIDs() []string {
	ids := make([]string, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
