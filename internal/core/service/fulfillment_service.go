package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/platform/metrics"
	"github.com/rl1809/lab-store/internal/port"
)

const (
	approvalKeyPrefix     = "approval:"
	defaultAllocationHold = 48 * time.Hour
	defaultEventQueueSize = 1000
)

// errNothingToCommit rolls a unit back without reporting a failure.
var errNothingToCommit = errors.New("nothing to commit")

type Options struct {
	AllocationHold time.Duration
	EventQueueSize int
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// FulfillmentService runs the allocation, dispatch and return engines. Each
// operation is one unit of work over the request row and the ledger rows of
// the items it references.
type FulfillmentService struct {
	db             port.DatabaseRepository
	cache          port.CacheRepository
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	events         chan domain.RequestEvent
	eventsMu       sync.RWMutex
	eventsClosed   bool
	allocationHold time.Duration
	now            func() time.Time
}

func NewFulfillmentService(db port.DatabaseRepository, cache port.CacheRepository, opts Options) *FulfillmentService {
	if opts.AllocationHold <= 0 {
		opts.AllocationHold = defaultAllocationHold
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = defaultEventQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &FulfillmentService{
		db:             db,
		cache:          cache,
		logger:         opts.Logger.With().Str("component", "fulfillment").Logger(),
		metrics:        opts.Metrics,
		tracer:         otel.Tracer("github.com/rl1809/lab-store/internal/core/service"),
		events:         make(chan domain.RequestEvent, opts.EventQueueSize),
		allocationHold: opts.AllocationHold,
		now:            opts.Now,
	}
}

// Events is drained by the publish workers.
func (s *FulfillmentService) Events() <-chan domain.RequestEvent {
	return s.events
}

// Close stops accepting events and closes the queue. Events emitted by
// operations still in flight afterwards are dropped.
func (s *FulfillmentService) Close() {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.eventsClosed {
		return
	}
	s.eventsClosed = true
	close(s.events)
}

// unit is the working set of one transaction: the locked request and the
// locked ledger rows of its items. Missing items are simply absent.
type unit struct {
	req   *domain.Request
	items map[string]*domain.StockItem
	dirty map[string]bool
}

func (u *unit) item(id string) (*domain.StockItem, bool) {
	item, ok := u.items[id]
	return item, ok
}

func (u *unit) touch(id string) {
	u.dirty[id] = true
}

type committed struct {
	req   domain.Request
	items []domain.StockItem
}

// runUnit locks the request, then its items in id order, hands them to fn
// and writes back every touched row. Nothing is written unless fn succeeds
// and all rows still satisfy their invariants.
func (s *FulfillmentService) runUnit(ctx context.Context, requestID string, fn func(u *unit) error) (*committed, error) {
	var out *committed

	err := s.db.WithinTx(ctx, func(tx port.Tx) error {
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return fmt.Errorf("load request: %w", err)
		}
		if req == nil {
			return fmt.Errorf("request %s: %w", requestID, domain.ErrNotFound)
		}

		ids := req.ItemIDs()
		sort.Strings(ids)

		u := &unit{
			req:   req,
			items: make(map[string]*domain.StockItem, len(ids)),
			dirty: make(map[string]bool, len(ids)),
		}
		for _, id := range ids {
			item, err := tx.GetStockItemForUpdate(ctx, id)
			if err != nil {
				return fmt.Errorf("load stock item %s: %w", id, err)
			}
			if item != nil {
				u.items[id] = item
			}
		}

		if err := fn(u); err != nil {
			return err
		}

		res := &committed{}
		for _, id := range ids {
			if !u.dirty[id] {
				continue
			}
			item := u.items[id]
			if err := item.Validate(); err != nil {
				return err
			}
			item.UpdatedAt = s.now()
			if err := tx.UpdateStockItem(ctx, *item); err != nil {
				return fmt.Errorf("update stock item %s: %w", id, err)
			}
			item.Version++
			res.items = append(res.items, *item)
		}

		if err := req.Validate(); err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		req.Version++

		res.req = *req
		res.req.Lines = append([]domain.RequestLine(nil), req.Lines...)
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// advance recomputes the status from the lines and moves the request forward.
func (s *FulfillmentService) advance(req *domain.Request) error {
	return req.Advance(domain.DeriveStatus(req.Approved, req.Lines), s.now())
}

// afterCommit refreshes the availability snapshot and queues the event.
// Failures here never undo the committed unit.
func (s *FulfillmentService) afterCommit(ctx context.Context, res *committed, eventType domain.EventType, actor domain.Actor) {
	if len(res.items) > 0 {
		snapshots := make([]port.StockSnapshot, 0, len(res.items))
		for _, item := range res.items {
			snapshots = append(snapshots, snapshotOf(item))
		}
		if err := s.cache.SetAvailable(ctx, snapshots...); err != nil {
			s.logger.Warn().Err(err).Str("request_id", res.req.ID).Msg("failed to refresh stock snapshot")
		}
	}

	s.emit(domain.RequestEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		RequestID:  res.req.ID,
		ActorID:    actor.ID,
		Status:     res.req.Status,
		Lines:      append([]domain.RequestLine(nil), res.req.Lines...),
		OccurredAt: s.now(),
	})
}

func snapshotOf(item domain.StockItem) port.StockSnapshot {
	return port.StockSnapshot{ItemID: item.ID, Available: item.Available, Version: item.Version}
}

func (s *FulfillmentService) emit(event domain.RequestEvent) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		s.metrics.EventsDropped.Inc()
		s.logger.Warn().Str("request_id", event.RequestID).Str("event", string(event.Type)).Msg("event queue closed, dropping event")
		return
	}

	select {
	case s.events <- event:
	default:
		s.metrics.EventsDropped.Inc()
		s.logger.Warn().Str("request_id", event.RequestID).Str("event", string(event.Type)).Msg("event queue full, dropping event")
	}
}

// operation carries the bookkeeping shared by every engine call.
type operation struct {
	name      string
	requestID string
	actor     domain.Actor
	start     time.Time
	span      trace.Span
}

func (s *FulfillmentService) begin(ctx context.Context, name, requestID string, actor domain.Actor) (context.Context, *operation) {
	ctx, span := s.tracer.Start(ctx, "fulfillment."+name, trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("actor.id", actor.ID),
		attribute.String("actor.role", string(actor.Role)),
	))
	return ctx, &operation{name: name, requestID: requestID, actor: actor, start: time.Now(), span: span}
}

func (s *FulfillmentService) end(op *operation, status domain.RequestStatus, lineErrs []domain.LineError, err error) {
	defer op.span.End()

	outcome := outcomeOf(err)
	s.metrics.ObserveOperation(op.name, outcome, time.Since(op.start))
	if len(lineErrs) > 0 {
		s.metrics.LineErrors.WithLabelValues(op.name).Add(float64(len(lineErrs)))
	}
	op.span.SetAttributes(attribute.String("outcome", outcome))

	if err != nil {
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
		ev := s.logger.Info()
		if outcome == "error" {
			ev = s.logger.Error()
		}
		ev.Err(err).
			Str("operation", op.name).
			Str("request_id", op.requestID).
			Str("actor_id", op.actor.ID).
			Str("outcome", outcome).
			Msg("operation aborted")
		return
	}

	op.span.SetAttributes(attribute.String("request.status", string(status)))
	for _, le := range lineErrs {
		s.logger.Warn().Err(le.Err).
			Str("operation", op.name).
			Str("request_id", op.requestID).
			Str("item_id", le.ItemID).
			Msg("line skipped")
	}
	s.logger.Info().
		Str("operation", op.name).
		Str("request_id", op.requestID).
		Str("actor_id", op.actor.ID).
		Str("status", string(status)).
		Int("line_errors", len(lineErrs)).
		Dur("elapsed", time.Since(op.start)).
		Msg("operation committed")
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNoEffect), errors.Is(err, domain.ErrNothingToReturn):
		return "no_effect"
	case errors.Is(err, domain.ErrAlreadyApproved),
		errors.Is(err, domain.ErrAlreadyDispatched),
		errors.Is(err, domain.ErrNotApproved),
		errors.Is(err, domain.ErrRequestClosed),
		errors.Is(err, domain.ErrInvalidTransition):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInsufficientStock):
		return "rejected"
	default:
		return "error"
	}
}
