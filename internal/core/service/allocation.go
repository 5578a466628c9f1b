package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/lab-store/internal/core/domain"
)

// LineQuantity is an item and a quantity, used for inputs and per-line results.
type LineQuantity struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// AllocationBackorder describes a line that could not be fully reserved.
type AllocationBackorder struct {
	ItemID      string `json:"item_id"`
	Requested   int    `json:"requested"`
	Allocated   int    `json:"allocated"`
	Backordered int    `json:"backordered"`
}

type ApproveResult struct {
	RequestID   string                `json:"request_id"`
	Status      domain.RequestStatus  `json:"status"`
	Backordered []AllocationBackorder `json:"backordered"`
	LineErrors  []domain.LineError    `json:"-"`
}

type AllocateResult struct {
	RequestID   string                `json:"request_id"`
	Status      domain.RequestStatus  `json:"status"`
	Allocated   []LineQuantity        `json:"allocated"`
	Backordered []AllocationBackorder `json:"backordered"`
	LineErrors  []domain.LineError    `json:"-"`
}

type allocation struct {
	allocated   []LineQuantity
	backordered []AllocationBackorder
	lineErrs    []domain.LineError
}

// allocateLines reserves what each line still lacks, greedily and per line.
// A short item never stops the other lines.
func allocateLines(u *unit) allocation {
	var out allocation
	for i := range u.req.Lines {
		line := &u.req.Lines[i]
		remaining := line.Unallocated()
		if remaining <= 0 {
			continue
		}

		got := 0
		if item, ok := u.item(line.ItemID); ok {
			got = item.Reserve(remaining)
			if got > 0 {
				u.touch(line.ItemID)
				line.Allocated += got
				out.allocated = append(out.allocated, LineQuantity{ItemID: line.ItemID, Quantity: got})
			}
		} else {
			out.lineErrs = append(out.lineErrs, domain.LineError{ItemID: line.ItemID, Err: domain.ErrNotFound})
		}

		if got < remaining {
			out.backordered = append(out.backordered, AllocationBackorder{
				ItemID:      line.ItemID,
				Requested:   line.Quantity,
				Allocated:   line.Allocated + line.Dispatched,
				Backordered: line.Unallocated(),
			})
		}
	}
	return out
}

func (a allocation) backorderedUnits() int {
	n := 0
	for _, b := range a.backordered {
		n += b.Backordered
	}
	return n
}

// Approve marks a pending request approved and reserves as much of every
// line as the ledger can give. It runs once per request.
func (s *FulfillmentService) Approve(ctx context.Context, requestID string, actor domain.Actor) (*ApproveResult, error) {
	ctx, op := s.begin(ctx, "approve", requestID, actor)

	if !actor.Is(domain.RoleDepartmentHead) {
		err := fmt.Errorf("approve requires %s: %w", domain.RoleDepartmentHead, domain.ErrForbidden)
		s.end(op, "", nil, err)
		return nil, err
	}

	key := approvalKeyPrefix + requestID
	claimed, err := s.cache.SetIdempotency(ctx, key)
	if err != nil {
		err = fmt.Errorf("idempotency check failed: %w", err)
		s.end(op, "", nil, err)
		return nil, err
	}
	if !claimed {
		// The key can outlive a crashed attempt, so the row decides.
		existing, err := s.db.GetRequest(ctx, requestID)
		if err == nil && existing != nil && existing.Approved {
			err := fmt.Errorf("request %s: %w", requestID, domain.ErrAlreadyApproved)
			s.end(op, existing.Status, nil, err)
			return nil, err
		}
	}

	var alloc allocation
	res, err := s.runUnit(ctx, requestID, func(u *unit) error {
		req := u.req
		if req.Status.Terminal() {
			return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrRequestClosed)
		}
		if req.Approved {
			return fmt.Errorf("request %s: %w", req.ID, domain.ErrAlreadyApproved)
		}

		now := s.now()
		expires := now.Add(s.allocationHold)
		req.Approved = true
		req.ApprovedBy = actor.ID
		req.ApprovedAt = &now
		req.AllocationExpiresAt = &expires

		alloc = allocateLines(u)
		return s.advance(req)
	})
	if err != nil {
		if claimed && !errors.Is(err, domain.ErrAlreadyApproved) {
			if clearErr := s.cache.ClearIdempotency(context.WithoutCancel(ctx), key); clearErr != nil {
				s.logger.Warn().Err(clearErr).Str("request_id", requestID).Msg("failed to clear approval key")
			}
		}
		s.end(op, "", nil, err)
		return nil, err
	}

	s.metrics.Backordered.WithLabelValues(op.name).Add(float64(alloc.backorderedUnits()))
	s.afterCommit(ctx, res, domain.EventRequestApproved, actor)
	s.end(op, res.req.Status, alloc.lineErrs, nil)

	return &ApproveResult{
		RequestID:   res.req.ID,
		Status:      res.req.Status,
		Backordered: alloc.backordered,
		LineErrors:  alloc.lineErrs,
	}, nil
}

// Allocate retries the reservation of backordered quantities of an approved
// request that is not fully allocated yet. Without progress nothing is written.
func (s *FulfillmentService) Allocate(ctx context.Context, requestID string, actor domain.Actor) (*AllocateResult, error) {
	ctx, op := s.begin(ctx, "allocate", requestID, actor)

	if !actor.Is(domain.RoleStoreManager) {
		err := fmt.Errorf("allocate requires %s: %w", domain.RoleStoreManager, domain.ErrForbidden)
		s.end(op, "", nil, err)
		return nil, err
	}

	var (
		alloc  allocation
		status domain.RequestStatus
	)
	res, err := s.runUnit(ctx, requestID, func(u *unit) error {
		req := u.req
		status = req.Status
		switch req.Status {
		case domain.StatusApproved, domain.StatusPartiallyAllocated, domain.StatusPartiallyDispatched:
		case domain.StatusPendingApproval:
			return fmt.Errorf("request %s: %w", req.ID, domain.ErrNotApproved)
		case domain.StatusCompleted, domain.StatusCancelled:
			return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrRequestClosed)
		default:
			return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrInvalidTransition)
		}

		alloc = allocateLines(u)
		if len(alloc.allocated) == 0 {
			return errNothingToCommit
		}
		if err := s.advance(req); err != nil {
			return err
		}
		status = req.Status
		return nil
	})
	if errors.Is(err, errNothingToCommit) {
		s.end(op, status, alloc.lineErrs, nil)
		return &AllocateResult{
			RequestID:   requestID,
			Status:      status,
			Backordered: alloc.backordered,
			LineErrors:  alloc.lineErrs,
		}, nil
	}
	if err != nil {
		s.end(op, "", nil, err)
		return nil, err
	}

	s.metrics.Backordered.WithLabelValues(op.name).Add(float64(alloc.backorderedUnits()))
	s.afterCommit(ctx, res, domain.EventRequestAllocated, actor)
	s.end(op, res.req.Status, alloc.lineErrs, nil)

	return &AllocateResult{
		RequestID:   res.req.ID,
		Status:      res.req.Status,
		Allocated:   alloc.allocated,
		Backordered: alloc.backordered,
		LineErrors:  alloc.lineErrs,
	}, nil
}
