package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/port"
)

type CreateRequestCommand struct {
	Reason   string
	Duration string
	Details  domain.RequesterDetails
	Items    []LineQuantity
}

// Create validates the role specific fields, checks every line against the
// current availability snapshot and stores a PendingApproval request. The
// snapshot check is advisory; Approve re-checks the ledger under lock.
func (s *FulfillmentService) Create(ctx context.Context, actor domain.Actor, cmd CreateRequestCommand) (*domain.Request, error) {
	ctx, op := s.begin(ctx, "create", "", actor)

	req, err := s.create(ctx, actor, cmd)
	if err != nil {
		s.end(op, "", nil, err)
		return nil, err
	}

	op.requestID = req.ID
	s.emit(domain.RequestEvent{
		ID:         uuid.New().String(),
		Type:       domain.EventRequestCreated,
		RequestID:  req.ID,
		ActorID:    actor.ID,
		Status:     req.Status,
		Lines:      append([]domain.RequestLine(nil), req.Lines...),
		OccurredAt: req.CreatedAt,
	})
	s.end(op, req.Status, nil, nil)
	return req, nil
}

func (s *FulfillmentService) create(ctx context.Context, actor domain.Actor, cmd CreateRequestCommand) (*domain.Request, error) {
	componentsOnly, err := validateRequester(actor, cmd)
	if err != nil {
		return nil, err
	}

	lines, err := mergeLines(cmd.Items)
	if err != nil {
		return nil, err
	}

	for _, line := range lines {
		item, err := s.db.GetStockItem(ctx, line.ItemID)
		if err != nil {
			return nil, fmt.Errorf("load stock item %s: %w", line.ItemID, err)
		}
		if item == nil {
			return nil, fmt.Errorf("stock item %s: %w", line.ItemID, domain.ErrNotFound)
		}
		if componentsOnly && item.Kind != domain.ItemKindComponent {
			return nil, fmt.Errorf("%s may only request components, %s is %s: %w",
				actor.Role, item.ID, item.Kind, domain.ErrInvalidRequest)
		}

		available, err := s.availableSnapshot(ctx, item)
		if err != nil {
			return nil, err
		}
		if available < line.Quantity {
			return nil, fmt.Errorf("item %s: requested %d, available %d: %w",
				item.ID, line.Quantity, available, domain.ErrInsufficientStock)
		}
	}

	now := s.now()
	req := domain.Request{
		ID:        uuid.New().String(),
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Reason:    strings.TrimSpace(cmd.Reason),
		Duration:  cmd.Duration,
		Details:   cmd.Details,
		Lines:     lines,
		Status:    domain.StatusPendingApproval,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.db.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return &req, nil
}

// validateRequester reports whether the actor is limited to components.
func validateRequester(actor domain.Actor, cmd CreateRequestCommand) (bool, error) {
	switch actor.Role {
	case domain.RoleStudent:
		d := cmd.Details
		if d.StudentName == "" || d.StudentID == "" || d.Department == "" ||
			strings.TrimSpace(cmd.Reason) == "" || d.PickupDate == nil || len(cmd.Items) == 0 {
			return false, fmt.Errorf("missing required student fields: %w", domain.ErrInvalidRequest)
		}
		return true, nil
	case domain.RoleLecturer, domain.RoleARA:
		if strings.TrimSpace(cmd.Reason) == "" || len(cmd.Items) == 0 {
			return false, fmt.Errorf("missing required fields for %s: %w", actor.Role, domain.ErrInvalidRequest)
		}
		return false, nil
	default:
		return false, fmt.Errorf("%s cannot submit requests: %w", actor.Role, domain.ErrForbidden)
	}
}

func mergeLines(items []LineQuantity) ([]domain.RequestLine, error) {
	index := make(map[string]int, len(items))
	lines := make([]domain.RequestLine, 0, len(items))
	for _, it := range items {
		if it.ItemID == "" || it.Quantity <= 0 {
			return nil, fmt.Errorf("line %q quantity %d: %w", it.ItemID, it.Quantity, domain.ErrInvalidRequest)
		}
		if i, ok := index[it.ItemID]; ok {
			lines[i].Quantity += it.Quantity
			continue
		}
		index[it.ItemID] = len(lines)
		lines = append(lines, domain.RequestLine{ItemID: it.ItemID, Quantity: it.Quantity})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("request has no lines: %w", domain.ErrInvalidRequest)
	}
	return lines, nil
}

// availableSnapshot prefers the cached count and seeds it from the row on a miss.
func (s *FulfillmentService) availableSnapshot(ctx context.Context, item *domain.StockItem) (int, error) {
	available, ok, err := s.cache.GetAvailable(ctx, item.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("item_id", item.ID).Msg("stock snapshot unavailable, using ledger row")
		return item.Available, nil
	}
	if ok {
		return available, nil
	}
	if err := s.cache.SetAvailable(ctx, snapshotOf(*item)); err != nil {
		s.logger.Warn().Err(err).Str("item_id", item.ID).Msg("failed to seed stock snapshot")
	}
	return item.Available, nil
}

func (s *FulfillmentService) Get(ctx context.Context, requestID string) (*domain.Request, error) {
	req, err := s.db.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("request %s: %w", requestID, domain.ErrNotFound)
	}
	return req, nil
}

// ListPending returns requests awaiting a department head decision.
func (s *FulfillmentService) ListPending(ctx context.Context, actor domain.Actor) ([]domain.Request, error) {
	if !actor.Is(domain.RoleDepartmentHead) {
		return nil, fmt.Errorf("list pending requires %s: %w", domain.RoleDepartmentHead, domain.ErrForbidden)
	}
	approved := false
	return s.db.ListRequests(ctx, port.RequestFilter{
		Approved: &approved,
		Statuses: []domain.RequestStatus{domain.StatusPendingApproval},
	})
}

// ListApproved returns every approved request regardless of its later stage.
func (s *FulfillmentService) ListApproved(ctx context.Context, actor domain.Actor) ([]domain.Request, error) {
	if !actor.Is(domain.RoleStoreManager, domain.RoleDepartmentHead) {
		return nil, fmt.Errorf("list approved requires %s or %s: %w",
			domain.RoleStoreManager, domain.RoleDepartmentHead, domain.ErrForbidden)
	}
	approved := true
	return s.db.ListRequests(ctx, port.RequestFilter{Approved: &approved})
}

func (s *FulfillmentService) GetStockItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	item, err := s.db.GetStockItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("get stock item: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("stock item %s: %w", itemID, domain.ErrNotFound)
	}
	return item, nil
}

// PutStockItem seeds or replaces a ledger row and its snapshot.
func (s *FulfillmentService) PutStockItem(ctx context.Context, actor domain.Actor, item domain.StockItem) error {
	if !actor.Is(domain.RoleStoreManager) {
		return fmt.Errorf("stock administration requires %s: %w", domain.RoleStoreManager, domain.ErrForbidden)
	}
	if item.ID == "" {
		return fmt.Errorf("stock item id is required: %w", domain.ErrInvalidRequest)
	}
	if item.Kind != domain.ItemKindComponent && item.Kind != domain.ItemKindEquipment {
		return fmt.Errorf("stock item kind %q: %w", item.Kind, domain.ErrInvalidRequest)
	}
	if err := item.Validate(); err != nil {
		return errors.Join(domain.ErrInvalidRequest, err)
	}
	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if err := s.db.PutStockItem(ctx, item); err != nil {
		return fmt.Errorf("put stock item: %w", err)
	}

	stored, err := s.db.GetStockItem(ctx, item.ID)
	if err != nil || stored == nil {
		s.logger.Warn().Err(err).Str("item_id", item.ID).Msg("failed to read back stock item")
		return nil
	}
	if err := s.cache.SetAvailable(ctx, snapshotOf(*stored)); err != nil {
		s.logger.Warn().Err(err).Str("item_id", item.ID).Msg("failed to refresh stock snapshot")
	}
	return nil
}
