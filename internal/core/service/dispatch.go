package service

import (
	"context"
	"fmt"

	"github.com/rl1809/lab-store/internal/core/domain"
)

// DispatchBackorder describes a line that is still short after a dispatch.
type DispatchBackorder struct {
	ItemID      string `json:"item_id"`
	Requested   int    `json:"requested"`
	Dispatched  int    `json:"dispatched"`
	Backordered int    `json:"backordered"`
}

type DispatchResult struct {
	RequestID       string               `json:"request_id"`
	Status          domain.RequestStatus `json:"status"`
	DispatchedLines []LineQuantity       `json:"dispatched_lines"`
	Backordered     []DispatchBackorder  `json:"backordered"`
	LineErrors      []domain.LineError   `json:"-"`
}

// Dispatch issues every allocated quantity of an approved request. A line
// whose ledger row cannot cover the issue is skipped whole; if no line moves
// at all the unit is aborted with ErrNoAllocatedStock.
func (s *FulfillmentService) Dispatch(ctx context.Context, requestID string, actor domain.Actor) (*DispatchResult, error) {
	ctx, op := s.begin(ctx, "dispatch", requestID, actor)

	if !actor.Is(domain.RoleStoreManager) {
		err := fmt.Errorf("dispatch requires %s: %w", domain.RoleStoreManager, domain.ErrForbidden)
		s.end(op, "", nil, err)
		return nil, err
	}

	var (
		dispatched  []LineQuantity
		backordered []DispatchBackorder
		lineErrs    []domain.LineError
	)
	res, err := s.runUnit(ctx, requestID, func(u *unit) error {
		req := u.req
		if err := checkDispatchable(req); err != nil {
			return err
		}

		for i := range req.Lines {
			line := &req.Lines[i]
			toDispatch := min(line.Allocated, line.Quantity-line.Dispatched)

			if toDispatch > 0 {
				item, ok := u.item(line.ItemID)
				if !ok {
					lineErrs = append(lineErrs, domain.LineError{ItemID: line.ItemID, Err: domain.ErrNotFound})
				} else if err := item.Issue(toDispatch); err != nil {
					lineErrs = append(lineErrs, domain.LineError{ItemID: line.ItemID, Err: err})
				} else {
					u.touch(line.ItemID)
					line.Dispatched += toDispatch
					line.Allocated -= toDispatch
					dispatched = append(dispatched, LineQuantity{ItemID: line.ItemID, Quantity: toDispatch})
				}
			}

			if line.Dispatched < line.Quantity {
				backordered = append(backordered, DispatchBackorder{
					ItemID:      line.ItemID,
					Requested:   line.Quantity,
					Dispatched:  line.Dispatched,
					Backordered: line.Quantity - line.Dispatched,
				})
			}
		}

		if len(dispatched) == 0 {
			return fmt.Errorf("request %s: %w", req.ID, domain.ErrNoAllocatedStock)
		}

		now := s.now()
		if req.DispatchedAt == nil {
			req.DispatchedAt = &now
		}
		req.Dispatched = req.FullyDispatched()
		return s.advance(req)
	})
	if err != nil {
		s.end(op, "", nil, err)
		return nil, err
	}

	units := 0
	for _, b := range backordered {
		units += b.Backordered
	}
	s.metrics.Backordered.WithLabelValues(op.name).Add(float64(units))
	s.afterCommit(ctx, res, domain.EventRequestDispatched, actor)
	s.end(op, res.req.Status, lineErrs, nil)

	return &DispatchResult{
		RequestID:       res.req.ID,
		Status:          res.req.Status,
		DispatchedLines: dispatched,
		Backordered:     backordered,
		LineErrors:      lineErrs,
	}, nil
}

func checkDispatchable(req *domain.Request) error {
	switch req.Status {
	case domain.StatusApproved, domain.StatusPartiallyAllocated, domain.StatusAllocated, domain.StatusPartiallyDispatched:
		return nil
	case domain.StatusPendingApproval:
		return fmt.Errorf("request %s: %w", req.ID, domain.ErrNotApproved)
	case domain.StatusCompleted, domain.StatusCancelled:
		return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrRequestClosed)
	default:
		return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrAlreadyDispatched)
	}
}
