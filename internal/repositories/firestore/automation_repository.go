package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/rechargekit/automation/internal/domain"
	pfirestore "github.com/rechargekit/automation/internal/platform/firestore"
	"github.com/rechargekit/automation/internal/repositories"
)

const ordersCollection = "orders"

type AutomationRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

func NewAutomationRepository(provider *pfirestore.Provider) (*AutomationRepository, error) {
	if provider == nil {
		return nil, errors.New("automation repository requires firestore provider")
	}
	return &AutomationRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

func (r *AutomationRepository) FindOrder(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.getOrder(ctx, orderID, "orders.find")
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *AutomationRepository) FindJob(ctx context.Context, orderID string) (domain.AutomationJob, error) {
	doc, err := r.getOrder(ctx, orderID, "orders.findJob")
	if err != nil {
		return domain.AutomationJob{}, err
	}
	if doc.Data.Automation == nil {
		return domain.AutomationJob{}, repositories.NewAutomationError(repositories.AutomationErrorJobNotFound, fmt.Sprintf("order %s has no automation record", orderID), nil)
	}
	return doc.Data.Automation.toDomain(doc.ID), nil
}

func (r *AutomationRepository) FindJobByHandle(ctx context.Context, handle string) (domain.AutomationJob, error) {
	if r == nil || r.orders == nil {
		return domain.AutomationJob{}, errors.New("automation repository not initialised")
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return domain.AutomationJob{}, errors.New("automation find by handle: handle is required")
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("automation.handles", "array-contains", handle).Limit(1)
	})
	if err != nil {
		return domain.AutomationJob{}, wrapAutomationError("orders.findJobByHandle", err)
	}
	if len(docs) == 0 || docs[0].Data.Automation == nil {
		return domain.AutomationJob{}, repositories.NewAutomationError(repositories.AutomationErrorJobNotFound, fmt.Sprintf("no automation record holds handle %s", handle), nil)
	}
	return docs[0].Data.Automation.toDomain(docs[0].ID), nil
}

func (r *AutomationRepository) ListActiveJobs(ctx context.Context) ([]domain.AutomationJob, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("automation repository not initialised")
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("automation.state", "in", []string{
			string(domain.AutomationStatePending),
			string(domain.AutomationStateProcessing),
		})
	})
	if err != nil {
		return nil, wrapAutomationError("orders.listActiveJobs", err)
	}

	jobs := make([]domain.AutomationJob, 0, len(docs))
	for _, doc := range docs {
		if doc.Data.Automation == nil {
			continue
		}
		jobs = append(jobs, doc.Data.Automation.toDomain(doc.ID))
	}
	return jobs, nil
}

func (r *AutomationRepository) SaveJob(ctx context.Context, req repositories.SaveJobRequest) (domain.AutomationJob, error) {
	if r == nil || r.provider == nil {
		return domain.AutomationJob{}, errors.New("automation repository not initialised")
	}
	orderID := strings.TrimSpace(req.Job.OrderID)
	if orderID == "" {
		return domain.AutomationJob{}, errors.New("automation save: order id is required")
	}

	now := req.Now.UTC()
	var saved domain.AutomationJob
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Doc(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewAutomationError(repositories.AutomationErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), err)
			}
			return err
		}
		var order orderDocument
		if err := snap.DataTo(&order); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		current := domain.AutomationStateNone
		if order.Automation != nil {
			current = domain.AutomationState(order.Automation.State)
		}
		if !req.StateMatches(current) {
			return repositories.NewAutomationError(repositories.AutomationErrorStateConflict, fmt.Sprintf("order %s automation is %q", orderID, stateLabel(current)), nil)
		}

		job := req.Job
		job.UpdatedAt = now
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		record := newAutomationDocument(job)

		if err := tx.Update(ref, []firestore.Update{
			{Path: "automation", Value: record},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		saved = record.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.AutomationJob{}, wrapAutomationError("orders.saveJob", err)
	}
	return saved, nil
}

func (r *AutomationRepository) AppendOrderComment(ctx context.Context, orderID string, comment domain.OrderComment) error {
	if r == nil || r.orders == nil {
		return errors.New("automation repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("automation comment: order id is required")
	}

	ref, err := r.orders.Doc(ctx, orderID)
	if err != nil {
		return wrapAutomationError("orders.appendComment", err)
	}
	entry := orderCommentDocument{
		Author:    strings.TrimSpace(comment.Author),
		Text:      comment.Text,
		CreatedAt: comment.CreatedAt.UTC(),
	}
	if _, err := ref.Update(ctx, []firestore.Update{
		{Path: "comments", Value: firestore.ArrayUnion(entry)},
		{Path: "updatedAt", Value: entry.CreatedAt},
	}); err != nil {
		if status.Code(err) == codes.NotFound {
			return repositories.NewAutomationError(repositories.AutomationErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), err)
		}
		return wrapAutomationError("orders.appendComment", err)
	}
	return nil
}

func (r *AutomationRepository) UpdateOrderStatus(ctx context.Context, orderID string, orderStatus domain.OrderStatus, now time.Time) error {
	if r == nil || r.orders == nil {
		return errors.New("automation repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("automation status: order id is required")
	}

	ref, err := r.orders.Doc(ctx, orderID)
	if err != nil {
		return wrapAutomationError("orders.updateStatus", err)
	}
	if _, err := ref.Update(ctx, []firestore.Update{
		{Path: "status", Value: string(orderStatus)},
		{Path: "updatedAt", Value: now.UTC()},
	}); err != nil {
		if status.Code(err) == codes.NotFound {
			return repositories.NewAutomationError(repositories.AutomationErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), err)
		}
		return wrapAutomationError("orders.updateStatus", err)
	}
	return nil
}

func (r *AutomationRepository) getOrder(ctx context.Context, orderID, op string) (pfirestore.Document[orderDocument], error) {
	if r == nil || r.orders == nil {
		return pfirestore.Document[orderDocument]{}, errors.New("automation repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return pfirestore.Document[orderDocument]{}, errors.New("automation: order id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return pfirestore.Document[orderDocument]{}, repositories.NewAutomationError(repositories.AutomationErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), err)
		}
		return pfirestore.Document[orderDocument]{}, wrapAutomationError(op, err)
	}
	return doc, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	Number          string                 `firestore:"number"`
	Status          string                 `firestore:"status"`
	Items           []orderItemDocument    `firestore:"items"`
	Metadata        map[string]string      `firestore:"metadata,omitempty"`
	BillingMetadata map[string]string      `firestore:"billingMetadata,omitempty"`
	CustomerNote    string                 `firestore:"customerNote,omitempty"`
	Comments        []orderCommentDocument `firestore:"comments,omitempty"`
	Automation      *automationDocument    `firestore:"automation,omitempty"`
	CreatedAt       time.Time              `firestore:"createdAt"`
	UpdatedAt       time.Time              `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ID         string            `firestore:"id"`
	ProductRef string            `firestore:"productRef"`
	ParentRef  string            `firestore:"parentRef,omitempty"`
	Name       string            `firestore:"name"`
	Quantity   int               `firestore:"qty"`
	Metadata   map[string]string `firestore:"metadata,omitempty"`
}

type orderCommentDocument struct {
	Author    string    `firestore:"author"`
	Text      string    `firestore:"text"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type automationDocument struct {
	Kind        string         `firestore:"kind"`
	State       string         `firestore:"state"`
	Handles     []string       `firestore:"handles,omitempty"`
	LicenseRefs []string       `firestore:"licenseRefs,omitempty"`
	GroupRef    string         `firestore:"groupRef,omitempty"`
	PlayerID    string         `firestore:"playerId,omitempty"`
	Progress    int            `firestore:"progress"`
	LastError   string         `firestore:"lastError,omitempty"`
	Result      map[string]any `firestore:"result,omitempty"`
	Attempt     int            `firestore:"attempt"`
	CreatedAt   time.Time      `firestore:"createdAt"`
	UpdatedAt   time.Time      `firestore:"updatedAt"`
	CompletedAt *time.Time     `firestore:"completedAt,omitempty"`
}

func newAutomationDocument(job domain.AutomationJob) *automationDocument {
	return &automationDocument{
		Kind:        string(job.Kind),
		State:       string(job.State),
		Handles:     job.Handles,
		LicenseRefs: job.LicenseIDs,
		GroupRef:    strings.TrimSpace(job.GroupID),
		PlayerID:    strings.TrimSpace(job.PlayerID),
		Progress:    job.Progress,
		LastError:   job.LastError,
		Result:      job.Result,
		Attempt:     job.Attempt,
		CreatedAt:   job.CreatedAt.UTC(),
		UpdatedAt:   job.UpdatedAt.UTC(),
		CompletedAt: job.CompletedAt,
	}
}

func (d *automationDocument) toDomain(orderID string) domain.AutomationJob {
	return domain.AutomationJob{
		OrderID:     orderID,
		Kind:        domain.JobKind(d.Kind),
		State:       domain.AutomationState(d.State),
		Handles:     d.Handles,
		LicenseIDs:  d.LicenseRefs,
		GroupID:     d.GroupRef,
		PlayerID:    d.PlayerID,
		Progress:    d.Progress,
		LastError:   d.LastError,
		Result:      d.Result,
		Attempt:     d.Attempt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		CompletedAt: d.CompletedAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.LineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.LineItem{
			ID:              item.ID,
			ProductID:       item.ProductRef,
			ParentProductID: item.ParentRef,
			Name:            item.Name,
			Quantity:        item.Quantity,
			Metadata:        item.Metadata,
		}
	}
	comments := make([]domain.OrderComment, len(d.Comments))
	for i, comment := range d.Comments {
		comments[i] = domain.OrderComment{
			Author:    comment.Author,
			Text:      comment.Text,
			CreatedAt: comment.CreatedAt,
		}
	}
	return domain.Order{
		ID:              id,
		Number:          d.Number,
		Status:          domain.OrderStatus(d.Status),
		Items:           items,
		Metadata:        d.Metadata,
		BillingMetadata: d.BillingMetadata,
		CustomerNote:    d.CustomerNote,
		Comments:        comments,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func stateLabel(state domain.AutomationState) string {
	if state == domain.AutomationStateNone {
		return "none"
	}
	return string(state)
}

func wrapAutomationError(op string, err error) error {
	if err == nil {
		return nil
	}
	var autoErr *repositories.AutomationError
	if errors.As(err, &autoErr) {
		if autoErr.Op == "" {
			autoErr.Op = op
		}
		return autoErr
	}
	return pfirestore.WrapError(op, err)
}
