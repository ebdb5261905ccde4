package domain

import (
	"strings"
	"time"
)

// OrderStatus mirrors the commerce platform's order lifecycle. The automation
// core only reads it; transitions are owned by the commerce system.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusFailed     OrderStatus = "failed"
)

// AutomationState tracks the per-order automation job lifecycle.
type AutomationState string

const (
	// AutomationStateNone means no job has been submitted for the order.
	AutomationStateNone       AutomationState = ""
	AutomationStatePending    AutomationState = "pending"
	AutomationStateProcessing AutomationState = "processing"
	AutomationStateCompleted  AutomationState = "completed"
	AutomationStateFailed     AutomationState = "failed"
)

// IsTerminal reports whether the state ends the current job attempt.
func (s AutomationState) IsTerminal() bool {
	return s == AutomationStateCompleted || s == AutomationStateFailed
}

// IsActive reports whether a remote job may still be running for the order.
func (s AutomationState) IsActive() bool {
	return s == AutomationStatePending || s == AutomationStateProcessing
}

// JobKind distinguishes single-code jobs from fixed-size batch jobs.
type JobKind string

const (
	JobKindSingle JobKind = "single"
	JobKindGroup  JobKind = "group"
)

// Order is the commerce platform's view of a transaction, reduced to the
// fields the automation core reads. The metadata map is the only part the
// core writes back.
type Order struct {
	ID              string
	Number          string
	Status          OrderStatus
	Items           []LineItem
	Metadata        map[string]string
	BillingMetadata map[string]string
	CustomerNote    string
	Comments        []OrderComment
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderComment is one entry in the order's comment history.
type OrderComment struct {
	Author    string
	Text      string
	CreatedAt time.Time
}

// LineItem is one purchased product line. Quantity is always 1 by cart
// policy; it is carried for completeness.
type LineItem struct {
	ID              string
	ProductID       string
	ParentProductID string
	Name            string
	Quantity        int
	Metadata        map[string]string
}

// EffectiveProductID resolves the product used for enablement and stock
// lookups. A variation falls back to its parent product.
func (li LineItem) EffectiveProductID() string {
	if parent := strings.TrimSpace(li.ParentProductID); parent != "" {
		return parent
	}
	return strings.TrimSpace(li.ProductID)
}

// AutomationJob is the per-order automation record. It is created by the
// trigger path, mutated only by state-machine transitions, and persisted in
// the order's metadata. Records are never deleted; retry resets the fields
// and bumps Attempt.
type AutomationJob struct {
	OrderID     string
	Kind        JobKind
	State       AutomationState
	Handles     []string
	LicenseIDs  []string
	GroupID     string
	PlayerID    string
	Progress    int
	LastError   string
	Result      map[string]any
	Attempt     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// HasHandle reports whether the job holds the given remote handle.
func (j AutomationJob) HasHandle(handle string) bool {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return false
	}
	for _, h := range j.Handles {
		if h == handle {
			return true
		}
	}
	return false
}

// LicenseStatus marks whether a redemption code has been consumed.
type LicenseStatus string

const (
	LicenseStatusUnused LicenseStatus = "unused"
	LicenseStatusUsed   LicenseStatus = "used"
)

// License is a single redemption code. Code carries the decrypted secret
// value and is only populated on claim reads.
type License struct {
	ID           string
	Code         string
	Status       LicenseStatus
	GroupID      string
	ProductScope []string
	OrderRef     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InScope reports whether the license may be claimed for the given product.
// An empty scope means the code is unscoped and matches any product.
func (l License) InScope(productID string) bool {
	if len(l.ProductScope) == 0 {
		return true
	}
	productID = strings.TrimSpace(productID)
	for _, p := range l.ProductScope {
		if strings.TrimSpace(p) == productID {
			return true
		}
	}
	return false
}

// LicenseGroup is a named, fixed-size bundle of codes redeemed as one unit.
type LicenseGroup struct {
	ID       string
	Name     string
	Size     int
	Licenses []License
}

// Codes returns the member secret values in group order.
func (g LicenseGroup) Codes() []string {
	codes := make([]string, len(g.Licenses))
	for i, l := range g.Licenses {
		codes[i] = l.Code
	}
	return codes
}
