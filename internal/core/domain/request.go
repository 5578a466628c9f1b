package domain

import (
	"fmt"
	"time"
)

type RequestStatus string

const (
	StatusPendingApproval     RequestStatus = "PendingApproval"
	StatusApproved            RequestStatus = "Approved"
	StatusPartiallyAllocated  RequestStatus = "PartiallyAllocated"
	StatusAllocated           RequestStatus = "Allocated"
	StatusPartiallyDispatched RequestStatus = "PartiallyDispatched"
	StatusDispatched          RequestStatus = "Dispatched"
	StatusPartiallyReturned   RequestStatus = "PartiallyReturned"
	StatusCompleted           RequestStatus = "Completed"
	// StatusCancelled is reserved for administrative use; no engine
	// operation produces it.
	StatusCancelled RequestStatus = "Cancelled"
)

var statusRank = map[RequestStatus]int{
	StatusPendingApproval:     0,
	StatusApproved:            1,
	StatusPartiallyAllocated:  2,
	StatusAllocated:           3,
	StatusPartiallyDispatched: 4,
	StatusDispatched:          5,
	StatusPartiallyReturned:   6,
	StatusCompleted:           7,
}

func (s RequestStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusCancelled
}

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RequestLine is one item of a request with its cumulative quantities.
type RequestLine struct {
	ItemID     string `json:"item_id"`
	Quantity   int    `json:"quantity"`
	Allocated  int    `json:"allocated"`
	Dispatched int    `json:"dispatched"`
	Returned   int    `json:"returned"`
}

// Unallocated is what still needs a reservation before it can be dispatched.
func (l RequestLine) Unallocated() int {
	return max(l.Quantity-l.Allocated-l.Dispatched, 0)
}

// Outstanding is what the requester still holds.
func (l RequestLine) Outstanding() int {
	return max(l.Dispatched-l.Returned, 0)
}

func (l RequestLine) Validate() error {
	switch {
	case l.Quantity <= 0 || l.Allocated < 0 || l.Dispatched < 0 || l.Returned < 0:
		return fmt.Errorf("line %s has a non-positive quantity or negative counter: %w", l.ItemID, ErrInvariantViolation)
	case l.Dispatched > l.Quantity:
		return fmt.Errorf("line %s dispatched %d of %d: %w", l.ItemID, l.Dispatched, l.Quantity, ErrInvariantViolation)
	case l.Returned > l.Dispatched:
		return fmt.Errorf("line %s returned %d of %d dispatched: %w", l.ItemID, l.Returned, l.Dispatched, ErrInvariantViolation)
	case l.Allocated+l.Dispatched > l.Quantity:
		return fmt.Errorf("line %s allocated %d + dispatched %d exceeds %d: %w",
			l.ItemID, l.Allocated, l.Dispatched, l.Quantity, ErrInvariantViolation)
	}
	return nil
}

// RequesterDetails holds the role specific fields captured at creation.
type RequesterDetails struct {
	StudentName string     `json:"student_name,omitempty"`
	StudentID   string     `json:"student_id,omitempty"`
	Department  string     `json:"department,omitempty"`
	CourseCode  string     `json:"course_code,omitempty"`
	CourseName  string     `json:"course_name,omitempty"`
	Instructor  string     `json:"instructor,omitempty"`
	PickupDate  *time.Time `json:"pickup_date,omitempty"`
}

// Request is the aggregate root. Lines are owned and keep their order.
type Request struct {
	ID                  string
	ActorID             string
	ActorRole           Role
	Reason              string
	Duration            string
	Details             RequesterDetails
	Lines               []RequestLine
	Status              RequestStatus
	Approved            bool
	ApprovedBy          string
	ApprovedAt          *time.Time
	AllocationExpiresAt *time.Time
	Dispatched          bool
	DispatchedAt        *time.Time
	Returned            bool
	ReturnedAt          *time.Time
	ReturnNote          string
	Version             int // optimistic locking
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ItemIDs returns the distinct items referenced by the lines, in line order.
func (r *Request) ItemIDs() []string {
	seen := make(map[string]bool, len(r.Lines))
	ids := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		if !seen[l.ItemID] {
			seen[l.ItemID] = true
			ids = append(ids, l.ItemID)
		}
	}
	return ids
}

func (r *Request) Outstanding() int {
	total := 0
	for _, l := range r.Lines {
		total += l.Outstanding()
	}
	return total
}

// FullyDispatched reports whether every line reached its requested quantity.
func (r *Request) FullyDispatched() bool {
	for _, l := range r.Lines {
		if l.Dispatched < l.Quantity {
			return false
		}
	}
	return true
}

// FullyReturned reports whether everything dispatched has come back.
func (r *Request) FullyReturned() bool {
	for _, l := range r.Lines {
		if l.Returned < l.Dispatched {
			return false
		}
	}
	return true
}

// Validate checks the line invariants and that the aggregate carries a known
// status.
func (r *Request) Validate() error {
	if len(r.Lines) == 0 {
		return fmt.Errorf("request %s has no lines: %w", r.ID, ErrInvariantViolation)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("request %s has unknown status %q: %w", r.ID, r.Status, ErrInvariantViolation)
	}
	for _, l := range r.Lines {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("request %s: %w", r.ID, err)
		}
	}
	return nil
}

// Advance moves the request to next. Status only moves forward and terminal
// states are final.
func (r *Request) Advance(next RequestStatus, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%s is %s: %w", r.ID, r.Status, ErrRequestClosed)
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return fmt.Errorf("%s -> %s: %w", r.Status, next, ErrInvalidTransition)
	}
	if nextRank < statusRank[r.Status] {
		return fmt.Errorf("%s -> %s: %w", r.Status, next, ErrInvalidTransition)
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// DeriveStatus computes the status from line quantities alone.
func DeriveStatus(approved bool, lines []RequestLine) RequestStatus {
	var anyAllocated, anyDispatched, anyReturned bool
	allAllocated, allDispatched, allReturned := true, true, true
	for _, l := range lines {
		anyAllocated = anyAllocated || l.Allocated > 0
		anyDispatched = anyDispatched || l.Dispatched > 0
		anyReturned = anyReturned || l.Returned > 0
		if l.Allocated+l.Dispatched < l.Quantity {
			allAllocated = false
		}
		if l.Dispatched < l.Quantity {
			allDispatched = false
		}
		if l.Returned < l.Dispatched {
			allReturned = false
		}
	}

	switch {
	case anyReturned && allReturned:
		return StatusCompleted
	case anyReturned:
		return StatusPartiallyReturned
	case anyDispatched && allDispatched:
		return StatusDispatched
	case anyDispatched:
		return StatusPartiallyDispatched
	case !approved:
		return StatusPendingApproval
	case allAllocated:
		return StatusAllocated
	case anyAllocated:
		return StatusPartiallyAllocated
	default:
		return StatusApproved
	}
}
