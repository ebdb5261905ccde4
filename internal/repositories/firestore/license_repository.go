package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/rechargekit/automation/internal/domain"
	pfirestore "github.com/rechargekit/automation/internal/platform/firestore"
	"github.com/rechargekit/automation/internal/repositories"
)

const (
	licensesCollection      = "licenses"
	licenseGroupsCollection = "licenseGroups"

	licenseStatusUnused = "unused"
	licenseStatusUsed   = "used"

	// claimCandidateLimit bounds how many unused codes a claim transaction
	// reads. Concurrent claimants spread across the candidate window instead
	// of all contending on the first document.
	claimCandidateLimit = 8
)

type LicenseRepository struct {
	provider *pfirestore.Provider
	licenses *pfirestore.Collection[licenseDocument]
	groups   *pfirestore.Collection[licenseGroupDocument]
	cipher   *CodeCipher
}

func NewLicenseRepository(provider *pfirestore.Provider, cipher *CodeCipher) (*LicenseRepository, error) {
	if provider == nil {
		return nil, errors.New("license repository requires firestore provider")
	}
	if cipher == nil {
		return nil, errors.New("license repository requires code cipher")
	}
	return &LicenseRepository{
		provider: provider,
		licenses: pfirestore.NewCollection[licenseDocument](provider, licensesCollection),
		groups:   pfirestore.NewCollection[licenseGroupDocument](provider, licenseGroupsCollection),
		cipher:   cipher,
	}, nil
}

func (r *LicenseRepository) ClaimSingle(ctx context.Context, req repositories.LicenseClaimRequest) (domain.License, error) {
	if r == nil || r.provider == nil {
		return domain.License{}, errors.New("license repository not initialised")
	}
	productID := strings.TrimSpace(req.ProductID)
	orderRef := strings.TrimSpace(req.OrderRef)
	if productID == "" {
		return domain.License{}, errors.New("license claim: product id is required")
	}
	if orderRef == "" {
		return domain.License{}, errors.New("license claim: order ref is required")
	}

	now := req.Now.UTC()
	var claimed domain.License
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		coll, err := r.licenses.Ref(ctx)
		if err != nil {
			return err
		}
		snaps, err := candidateSnaps(tx, singleUnusedQueries(coll.Query, productID))
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			return repositories.NewLicenseError(repositories.LicenseErrorNoStock, fmt.Sprintf("no unused code for product %s", productID), nil)
		}
		snap := snaps[0]
		var doc licenseDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode %s: %w", snap.Ref.ID, err)
		}

		doc.Status = licenseStatusUsed
		doc.OrderRef = orderRef
		doc.UsedAt = &now
		doc.UpdatedAt = now
		if err := tx.Set(snap.Ref, doc); err != nil {
			return err
		}

		claimed, err = r.toDomainLicense(snap.Ref.ID, doc, true)
		return err
	})
	if err != nil {
		return domain.License{}, wrapLicenseError("licenses.claimSingle", err)
	}
	return claimed, nil
}

func (r *LicenseRepository) ClaimGroup(ctx context.Context, req repositories.LicenseClaimRequest) (domain.LicenseGroup, error) {
	if r == nil || r.provider == nil {
		return domain.LicenseGroup{}, errors.New("license repository not initialised")
	}
	productID := strings.TrimSpace(req.ProductID)
	orderRef := strings.TrimSpace(req.OrderRef)
	if productID == "" {
		return domain.LicenseGroup{}, errors.New("license claim: product id is required")
	}
	if orderRef == "" {
		return domain.LicenseGroup{}, errors.New("license claim: order ref is required")
	}

	now := req.Now.UTC()
	var claimed domain.LicenseGroup
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		groupColl, err := r.groups.Ref(ctx)
		if err != nil {
			return err
		}
		snaps, err := candidateSnaps(tx, groupUnusedQueries(groupColl.Query, productID))
		if err != nil {
			return err
		}

		// A group whose doc still says unused can carry an already-used
		// member after a partial manual release. Such a group is not
		// claimable; skip it and keep scanning.
		for _, groupSnap := range snaps {
			var groupDoc licenseGroupDocument
			if err := groupSnap.DataTo(&groupDoc); err != nil {
				return fmt.Errorf("decode group %s: %w", groupSnap.Ref.ID, err)
			}

			memberRefs, memberDocs, ok, err := r.readClaimableMembers(ctx, tx, groupDoc)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			licenses := make([]domain.License, 0, len(memberRefs))
			for i, ref := range memberRefs {
				doc := memberDocs[i]
				doc.Status = licenseStatusUsed
				doc.OrderRef = orderRef
				doc.UsedAt = &now
				doc.UpdatedAt = now
				if err := tx.Set(ref, doc); err != nil {
					return err
				}
				decoded, err := r.toDomainLicense(ref.ID, doc, true)
				if err != nil {
					return err
				}
				licenses = append(licenses, decoded)
			}

			groupDoc.Status = licenseStatusUsed
			groupDoc.OrderRef = orderRef
			groupDoc.UpdatedAt = now
			if err := tx.Set(groupSnap.Ref, groupDoc); err != nil {
				return err
			}

			claimed = domain.LicenseGroup{
				ID:       groupSnap.Ref.ID,
				Name:     groupDoc.Name,
				Size:     groupDoc.Size,
				Licenses: licenses,
			}
			return nil
		}
		return repositories.NewLicenseError(repositories.LicenseErrorNoStock, fmt.Sprintf("no unused code group for product %s", productID), nil)
	})
	if err != nil {
		return domain.LicenseGroup{}, wrapLicenseError("licenses.claimGroup", err)
	}
	return claimed, nil
}

func (r *LicenseRepository) Release(ctx context.Context, req repositories.LicenseReleaseRequest) error {
	if r == nil || r.provider == nil {
		return errors.New("license repository not initialised")
	}
	orderRef := strings.TrimSpace(req.OrderRef)
	if orderRef == "" {
		return errors.New("license release: order ref is required")
	}
	if len(req.LicenseIDs) == 0 {
		return nil
	}

	now := req.Now.UTC()
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, licenseID := range req.LicenseIDs {
			ref, err := r.licenses.Doc(ctx, licenseID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewLicenseError(repositories.LicenseErrorNotFound, fmt.Sprintf("license %s not found", licenseID), err)
				}
				return err
			}
			var doc licenseDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode license %s: %w", licenseID, err)
			}
			if doc.Status == licenseStatusUnused {
				continue
			}
			if !strings.EqualFold(doc.OrderRef, orderRef) {
				return repositories.NewLicenseError(repositories.LicenseErrorInvalidState, fmt.Sprintf("license %s is held by another order", licenseID), nil)
			}
			doc.Status = licenseStatusUnused
			doc.OrderRef = ""
			doc.UsedAt = nil
			doc.UpdatedAt = now
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
		}

		if groupID := strings.TrimSpace(req.GroupID); groupID != "" {
			ref, err := r.groups.Doc(ctx, groupID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewLicenseError(repositories.LicenseErrorNotFound, fmt.Sprintf("license group %s not found", groupID), err)
				}
				return err
			}
			var doc licenseGroupDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode license group %s: %w", groupID, err)
			}
			if doc.Status == licenseStatusUsed && !strings.EqualFold(doc.OrderRef, orderRef) {
				return repositories.NewLicenseError(repositories.LicenseErrorInvalidState, fmt.Sprintf("license group %s is held by another order", groupID), nil)
			}
			doc.Status = licenseStatusUnused
			doc.OrderRef = ""
			doc.UpdatedAt = now
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapLicenseError("licenses.release", err)
	}
	return nil
}

// readClaimableMembers fetches a group's member documents inside the
// transaction. ok is false when a member is missing or no longer unused.
func (r *LicenseRepository) readClaimableMembers(ctx context.Context, tx *firestore.Transaction, groupDoc licenseGroupDocument) ([]*firestore.DocumentRef, []licenseDocument, bool, error) {
	refs := make([]*firestore.DocumentRef, 0, len(groupDoc.LicenseRefs))
	docs := make([]licenseDocument, 0, len(groupDoc.LicenseRefs))
	for _, licenseID := range groupDoc.LicenseRefs {
		ref, err := r.licenses.Doc(ctx, licenseID)
		if err != nil {
			return nil, nil, false, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, nil, false, nil
			}
			return nil, nil, false, err
		}
		var doc licenseDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, nil, false, fmt.Errorf("decode license %s: %w", licenseID, err)
		}
		if doc.Status != licenseStatusUnused {
			return nil, nil, false, nil
		}
		refs = append(refs, ref)
		docs = append(docs, doc)
	}
	return refs, docs, true, nil
}

// CountAvailable mirrors the claim predicates so stock probes agree with what
// a claim would actually find.
func (r *LicenseRepository) CountAvailable(ctx context.Context, productID string, kind domain.JobKind) (int, error) {
	if r == nil || r.licenses == nil {
		return 0, errors.New("license repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, errors.New("license count: product id is required")
	}

	if kind == domain.JobKindGroup {
		return r.countGroupCodes(ctx, productID)
	}

	coll, err := r.licenses.Ref(ctx)
	if err != nil {
		return 0, wrapLicenseError("licenses.countAvailable", err)
	}

	total := 0
	seen := make(map[string]bool)
	for _, query := range singleUnusedQueries(coll.Query, productID) {
		iter := query.Select().Documents(ctx)
		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				iter.Stop()
				return 0, wrapLicenseError("licenses.countAvailable", err)
			}
			if seen[snap.Ref.ID] {
				continue
			}
			seen[snap.Ref.ID] = true
			total++
		}
		iter.Stop()
	}
	return total, nil
}

// countGroupCodes sums the member codes of bundles whose members are all
// still unused.
func (r *LicenseRepository) countGroupCodes(ctx context.Context, productID string) (int, error) {
	groupColl, err := r.groups.Ref(ctx)
	if err != nil {
		return 0, wrapLicenseError("licenses.countGroupCodes", err)
	}

	total := 0
	seen := make(map[string]bool)
	for _, query := range groupUnusedQueries(groupColl.Query, productID) {
		iter := query.Documents(ctx)
		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				iter.Stop()
				return 0, wrapLicenseError("licenses.countGroupCodes", err)
			}
			if seen[snap.Ref.ID] {
				continue
			}
			seen[snap.Ref.ID] = true

			var groupDoc licenseGroupDocument
			if err := snap.DataTo(&groupDoc); err != nil {
				iter.Stop()
				return 0, fmt.Errorf("decode group %s: %w", snap.Ref.ID, err)
			}
			claimable, err := r.groupFullyUnused(ctx, groupDoc)
			if err != nil {
				iter.Stop()
				return 0, wrapLicenseError("licenses.countGroupCodes", err)
			}
			if claimable {
				total += len(groupDoc.LicenseRefs)
			}
		}
		iter.Stop()
	}
	return total, nil
}

func (r *LicenseRepository) groupFullyUnused(ctx context.Context, groupDoc licenseGroupDocument) (bool, error) {
	for _, licenseID := range groupDoc.LicenseRefs {
		doc, err := r.licenses.Get(ctx, licenseID)
		if err != nil {
			if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
				return false, nil
			}
			return false, err
		}
		if doc.Data.Status != licenseStatusUnused {
			return false, nil
		}
	}
	return true, nil
}

func (r *LicenseRepository) FindLicense(ctx context.Context, licenseID string) (domain.License, error) {
	if r == nil || r.licenses == nil {
		return domain.License{}, errors.New("license repository not initialised")
	}
	licenseID = strings.TrimSpace(licenseID)
	if licenseID == "" {
		return domain.License{}, errors.New("license find: id is required")
	}

	doc, err := r.licenses.Get(ctx, licenseID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.License{}, repositories.NewLicenseError(repositories.LicenseErrorNotFound, fmt.Sprintf("license %s not found", licenseID), err)
		}
		return domain.License{}, wrapLicenseError("licenses.find", err)
	}
	// Secret values stay sealed outside the claim path.
	return r.toDomainLicense(doc.ID, doc.Data, false)
}

// Helper structures ---------------------------------------------------------

type licenseDocument struct {
	Code      string     `firestore:"code"`
	Status    string     `firestore:"status"`
	GroupRef  string     `firestore:"groupRef"`
	Scopes    []string   `firestore:"scopes,omitempty"`
	Unscoped  bool       `firestore:"unscoped"`
	OrderRef  string     `firestore:"orderRef,omitempty"`
	UsedAt    *time.Time `firestore:"usedAt,omitempty"`
	CreatedAt time.Time  `firestore:"createdAt"`
	UpdatedAt time.Time  `firestore:"updatedAt"`
}

type licenseGroupDocument struct {
	Name        string    `firestore:"name"`
	Size        int       `firestore:"size"`
	Status      string    `firestore:"status"`
	Scopes      []string  `firestore:"scopes,omitempty"`
	Unscoped    bool      `firestore:"unscoped"`
	LicenseRefs []string  `firestore:"licenseRefs"`
	OrderRef    string    `firestore:"orderRef,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func (r *LicenseRepository) toDomainLicense(id string, doc licenseDocument, includeCode bool) (domain.License, error) {
	license := domain.License{
		ID:           id,
		Status:       domain.LicenseStatus(doc.Status),
		GroupID:      strings.TrimSpace(doc.GroupRef),
		ProductScope: doc.Scopes,
		OrderRef:     strings.TrimSpace(doc.OrderRef),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if includeCode {
		code, err := r.cipher.Decrypt(doc.Code)
		if err != nil {
			return domain.License{}, repositories.NewLicenseError(repositories.LicenseErrorCipher, fmt.Sprintf("license %s code unreadable", id), err)
		}
		license.Code = code
	}
	return license, nil
}

// singleUnusedQueries returns the candidate queries for loose codes. The
// groupRef equality keeps bundle members out of single claims and counts;
// it requires groupRef to be written on every document, so the field tag
// carries no omitempty. Firestore cannot express the scoped-or-unscoped
// disjunction in one filter.
func singleUnusedQueries(base firestore.Query, productID string) []firestore.Query {
	unused := base.Where("status", "==", licenseStatusUnused).Where("groupRef", "==", "")
	return []firestore.Query{
		unused.Where("scopes", "array-contains", productID),
		unused.Where("unscoped", "==", true),
	}
}

// groupUnusedQueries returns the candidate queries for unclaimed bundles.
func groupUnusedQueries(base firestore.Query, productID string) []firestore.Query {
	unused := base.Where("status", "==", licenseStatusUnused)
	return []firestore.Query{
		unused.Where("scopes", "array-contains", productID),
		unused.Where("unscoped", "==", true),
	}
}

// candidateSnaps collects candidate documents across the queries inside the
// transaction, de-duplicated by document id.
func candidateSnaps(tx *firestore.Transaction, queries []firestore.Query) ([]*firestore.DocumentSnapshot, error) {
	var snaps []*firestore.DocumentSnapshot
	seen := make(map[string]bool)
	for _, query := range queries {
		iter := tx.Documents(query.Limit(claimCandidateLimit))
		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, err
			}
			if seen[snap.Ref.ID] {
				continue
			}
			seen[snap.Ref.ID] = true
			snaps = append(snaps, snap)
		}
		iter.Stop()
	}
	return snaps, nil
}

func wrapLicenseError(op string, err error) error {
	if err == nil {
		return nil
	}
	var licErr *repositories.LicenseError
	if errors.As(err, &licErr) {
		if licErr.Op == "" {
			licErr.Op = op
		}
		return licErr
	}
	return pfirestore.WrapError(op, err)
}
