package domain

import (
	"fmt"
	"time"
)

type ItemKind string

const (
	ItemKindComponent ItemKind = "component"
	ItemKindEquipment ItemKind = "equipment"
)

// StockItem is the ledger row of one SKU. Total - Available - Reserved is the
// quantity currently out with requesters.
type StockItem struct {
	ID        string
	Name      string
	Model     string
	Kind      ItemKind
	Total     int
	Available int
	Reserved  int
	Version   int // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Out returns the dispatched quantity that has not come back yet.
func (s *StockItem) Out() int {
	return s.Total - s.Available - s.Reserved
}

// Reserve moves up to n units from available to reserved and returns the
// amount actually reserved. It never fails for short stock.
func (s *StockItem) Reserve(n int) int {
	if n <= 0 || s.Available <= 0 {
		return 0
	}
	got := min(n, s.Available)
	s.Available -= got
	s.Reserved += got
	return got
}

// Release moves n reserved units back to available.
func (s *StockItem) Release(n int) error {
	if n < 0 || n > s.Reserved {
		return fmt.Errorf("release %d from %s (reserved %d): %w", n, s.ID, s.Reserved, ErrInvariantViolation)
	}
	s.Reserved -= n
	s.Available += n
	return nil
}

// Issue hands n reserved units to a requester. Available and Total are untouched.
func (s *StockItem) Issue(n int) error {
	if n < 0 || n > s.Reserved {
		return fmt.Errorf("issue %d from %s (reserved %d): %w", n, s.ID, s.Reserved, ErrInvariantViolation)
	}
	s.Reserved -= n
	return nil
}

// Restock puts up to n units back into available, clamped to the quantity
// that is actually out, and returns the effective amount.
func (s *StockItem) Restock(n int) int {
	headroom := s.Out()
	if n <= 0 || headroom <= 0 {
		return 0
	}
	effective := min(n, headroom)
	s.Available += effective
	return effective
}

// Validate checks available + reserved <= total with no negative counter.
func (s *StockItem) Validate() error {
	if s.Total < 0 || s.Available < 0 || s.Reserved < 0 {
		return fmt.Errorf("stock item %s has a negative counter: %w", s.ID, ErrInvariantViolation)
	}
	if s.Available+s.Reserved > s.Total {
		return fmt.Errorf("stock item %s: available %d + reserved %d exceeds total %d: %w",
			s.ID, s.Available, s.Reserved, s.Total, ErrInvariantViolation)
	}
	return nil
}
