package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/rechargekit/automation/internal/domain"
	"github.com/rechargekit/automation/internal/repositories"
)

// AutomationRepository is an in-memory order and job store mirroring the
// Firestore compare-and-set semantics of SaveJob.
type AutomationRepository struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	jobs   map[string]*domain.AutomationJob
}

func NewAutomationRepository() *AutomationRepository {
	return &AutomationRepository{
		orders: make(map[string]*domain.Order),
		jobs:   make(map[string]*domain.AutomationJob),
	}
}

// SeedOrder loads an order. Existing entries are replaced.
func (r *AutomationRepository) SeedOrder(order domain.Order) {
	r.mu.Lock()
	copied := order
	r.orders[order.ID] = &copied
	r.mu.Unlock()
}

func (r *AutomationRepository) FindOrder(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, repositories.NewAutomationError(repositories.AutomationErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), nil)
	}
	return *order, nil
}

func (r *AutomationRepository) FindJob(_ context.Context, orderID string) (domain.AutomationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orderID = strings.TrimSpace(orderID)
	if _, ok := r.orders[orderID]; !ok {
		return domain.AutomationJob{}, repositories.NewAutomationError(repositories.AutomationErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), nil)
	}
	job, ok := r.jobs[orderID]
	if !ok {
		return domain.AutomationJob{}, repositories.NewAutomationError(repositories.AutomationErrorJobNotFound, fmt.Sprintf("order %s has no automation record", orderID), nil)
	}
	return cloneJob(*job), nil
}

func (r *AutomationRepository) FindJobByHandle(_ context.Context, handle string) (domain.AutomationJob, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return domain.AutomationJob{}, errors.New("automation find by handle: handle is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, orderID := range r.sortedJobOrderIDs() {
		job := r.jobs[orderID]
		if job.HasHandle(handle) {
			return cloneJob(*job), nil
		}
	}
	return domain.AutomationJob{}, repositories.NewAutomationError(repositories.AutomationErrorJobNotFound, fmt.Sprintf("no automation record holds handle %s", handle), nil)
}

func (r *AutomationRepository) ListActiveJobs(_ context.Context) ([]domain.AutomationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []domain.AutomationJob
	for _, orderID := range r.sortedJobOrderIDs() {
		job := r.jobs[orderID]
		if job.State.IsActive() {
			active = append(active, cloneJob(*job))
		}
	}
	return active, nil
}

func (r *AutomationRepository) SaveJob(_ context.Context, req repositories.SaveJobRequest) (domain.AutomationJob, error) {
	orderID := strings.TrimSpace(req.Job.OrderID)
	if orderID == "" {
		return domain.AutomationJob{}, errors.New("automation save: order id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[orderID]; !ok {
		return domain.AutomationJob{}, repositories.NewAutomationError(repositories.AutomationErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), nil)
	}

	current := domain.AutomationStateNone
	if existing, ok := r.jobs[orderID]; ok {
		current = existing.State
	}
	if !req.StateMatches(current) {
		label := string(current)
		if current == domain.AutomationStateNone {
			label = "none"
		}
		return domain.AutomationJob{}, repositories.NewAutomationError(repositories.AutomationErrorStateConflict, fmt.Sprintf("order %s automation is %q", orderID, label), nil)
	}

	job := cloneJob(req.Job)
	job.UpdatedAt = req.Now
	if job.CreatedAt.IsZero() {
		job.CreatedAt = req.Now
	}
	stored := job
	r.jobs[orderID] = &stored
	return cloneJob(stored), nil
}

func (r *AutomationRepository) AppendOrderComment(_ context.Context, orderID string, comment domain.OrderComment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return repositories.NewAutomationError(repositories.AutomationErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), nil)
	}
	order.Comments = append(order.Comments, comment)
	order.UpdatedAt = comment.CreatedAt
	return nil
}

func (r *AutomationRepository) UpdateOrderStatus(_ context.Context, orderID string, status domain.OrderStatus, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return repositories.NewAutomationError(repositories.AutomationErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), nil)
	}
	order.Status = status
	order.UpdatedAt = now
	return nil
}

func (r *AutomationRepository) sortedJobOrderIDs() []string {
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneJob(job domain.AutomationJob) domain.AutomationJob {
	copied := job
	copied.Handles = append([]string(nil), job.Handles...)
	copied.LicenseIDs = append([]string(nil), job.LicenseIDs...)
	if job.Result != nil {
		result := make(map[string]any, len(job.Result))
		for k, v := range job.Result {
			result[k] = v
		}
		copied.Result = result
	}
	return copied
}
