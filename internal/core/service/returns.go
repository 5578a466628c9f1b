package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/lab-store/internal/core/domain"
)

type OutstandingLine struct {
	ItemID      string `json:"item_id"`
	Dispatched  int    `json:"dispatched"`
	Returned    int    `json:"returned"`
	Outstanding int    `json:"outstanding"`
}

type ReturnResult struct {
	RequestID     string               `json:"request_id"`
	Status        domain.RequestStatus `json:"status"`
	ReturnedLines []LineQuantity       `json:"returned_lines"`
	Outstanding   []OutstandingLine    `json:"outstanding"`
	LineErrors    []domain.LineError   `json:"-"`
}

// Return puts dispatched stock back into the ledger. With items == nil
// everything outstanding is returned; otherwise only the listed quantities,
// each clamped to what the line still has out and to the ledger headroom.
// Lines fail independently; the unit aborts only if nothing came back.
func (s *FulfillmentService) Return(ctx context.Context, requestID string, actor domain.Actor, items []LineQuantity, note string) (*ReturnResult, error) {
	ctx, op := s.begin(ctx, "return", requestID, actor)

	if !actor.Is(domain.RoleStoreManager) {
		err := fmt.Errorf("return requires %s: %w", domain.RoleStoreManager, domain.ErrForbidden)
		s.end(op, "", nil, err)
		return nil, err
	}

	var (
		returned    []LineQuantity
		outstanding []OutstandingLine
		lineErrs    []domain.LineError
	)
	res, err := s.runUnit(ctx, requestID, func(u *unit) error {
		req := u.req
		if req.Status.Terminal() {
			return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrRequestClosed)
		}
		if req.Outstanding() == 0 {
			return fmt.Errorf("request %s: %w", req.ID, domain.ErrNothingToReturn)
		}

		wanted, order, inputErrs := wantedQuantities(req, items)
		lineErrs = append(lineErrs, inputErrs...)

		for i := range req.Lines {
			line := &req.Lines[i]
			remaining := line.Outstanding()

			want := remaining
			if wanted != nil {
				w, listed := wanted[line.ItemID]
				if !listed || w <= 0 {
					continue
				}
				want = w
			}

			if remaining == 0 {
				if wanted != nil {
					lineErrs = append(lineErrs, domain.LineError{ItemID: line.ItemID, Err: domain.ErrNothingToReturn})
				}
				continue
			}

			toReturn := min(want, remaining)
			if wanted != nil {
				wanted[line.ItemID] -= toReturn
			}

			item, ok := u.item(line.ItemID)
			if !ok {
				lineErrs = append(lineErrs, domain.LineError{ItemID: line.ItemID, Err: domain.ErrNotFound})
				continue
			}

			effective := item.Restock(toReturn)
			if effective <= 0 {
				lineErrs = append(lineErrs, domain.LineError{ItemID: line.ItemID, Err: domain.ErrCannotExceedTotal})
				continue
			}

			u.touch(line.ItemID)
			line.Returned += effective
			returned = append(returned, LineQuantity{ItemID: line.ItemID, Quantity: effective})
		}

		for _, id := range order {
			if !lineOf(req, id) {
				lineErrs = append(lineErrs, domain.LineError{
					ItemID: id,
					Err:    fmt.Errorf("item is not part of the request: %w", domain.ErrNotFound),
				})
			}
		}

		if len(returned) == 0 {
			if len(lineErrs) == 0 {
				return fmt.Errorf("request %s: %w", req.ID, domain.ErrNoValidReturnQuantities)
			}
			// Line failures are reported as text so the abort is classified
			// only as a no-effect error.
			errs := make([]error, 0, len(lineErrs))
			for _, le := range lineErrs {
				errs = append(errs, le)
			}
			return fmt.Errorf("request %s: %w: %v", req.ID, domain.ErrNoValidReturnQuantities, errors.Join(errs...))
		}

		now := s.now()
		req.ReturnedAt = &now
		if note != "" {
			req.ReturnNote = note
		}

		if req.FullyReturned() {
			lineErrs = append(lineErrs, releaseLeftovers(u)...)
			req.Returned = true
		}

		for _, line := range req.Lines {
			if line.Outstanding() > 0 {
				outstanding = append(outstanding, OutstandingLine{
					ItemID:      line.ItemID,
					Dispatched:  line.Dispatched,
					Returned:    line.Returned,
					Outstanding: line.Outstanding(),
				})
			}
		}

		return s.advance(req)
	})
	if err != nil {
		s.end(op, "", nil, err)
		return nil, err
	}

	s.afterCommit(ctx, res, domain.EventRequestReturned, actor)
	s.end(op, res.req.Status, lineErrs, nil)

	return &ReturnResult{
		RequestID:     res.req.ID,
		Status:        res.req.Status,
		ReturnedLines: returned,
		Outstanding:   outstanding,
		LineErrors:    lineErrs,
	}, nil
}

// wantedQuantities folds the explicit return list per item. A nil map means
// "return everything outstanding". order keeps first-seen item ids.
func wantedQuantities(req *domain.Request, items []LineQuantity) (map[string]int, []string, []domain.LineError) {
	if items == nil {
		return nil, nil, nil
	}

	var errs []domain.LineError
	wanted := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			errs = append(errs, domain.LineError{
				ItemID: it.ItemID,
				Err:    fmt.Errorf("quantity %d: %w", it.Quantity, domain.ErrInvalidRequest),
			})
			continue
		}
		if _, seen := wanted[it.ItemID]; !seen {
			order = append(order, it.ItemID)
		}
		wanted[it.ItemID] += it.Quantity
	}
	return wanted, order, errs
}

func lineOf(req *domain.Request, itemID string) bool {
	for _, l := range req.Lines {
		if l.ItemID == itemID {
			return true
		}
	}
	return false
}

// releaseLeftovers gives back reservations still held by a request that is
// about to complete, so a terminal request holds no stock.
func releaseLeftovers(u *unit) []domain.LineError {
	var errs []domain.LineError
	for i := range u.req.Lines {
		line := &u.req.Lines[i]
		if line.Allocated == 0 {
			continue
		}
		item, ok := u.item(line.ItemID)
		if !ok {
			errs = append(errs, domain.LineError{ItemID: line.ItemID, Err: domain.ErrNotFound})
			continue
		}
		if err := item.Release(line.Allocated); err != nil {
			errs = append(errs, domain.LineError{ItemID: line.ItemID, Err: err})
			continue
		}
		u.touch(line.ItemID)
		line.Allocated = 0
	}
	return errs
}
