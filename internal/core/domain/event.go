package domain

import "time"

type EventType string

const (
	EventRequestCreated    EventType = "request.created"
	EventRequestApproved   EventType = "request.approved"
	EventRequestAllocated  EventType = "request.allocated"
	EventRequestDispatched EventType = "request.dispatched"
	EventRequestReturned   EventType = "request.returned"
)

// RequestEvent is emitted after a request change has been committed.
type RequestEvent struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"type"`
	RequestID  string        `json:"request_id"`
	ActorID    string        `json:"actor_id"`
	Status     RequestStatus `json:"status"`
	Lines      []RequestLine `json:"lines"`
	OccurredAt time.Time     `json:"occurred_at"`
}
