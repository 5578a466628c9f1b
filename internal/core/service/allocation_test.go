package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rl1809/lab-store/internal/core/domain"
)

func TestApprove_PartialAllocation(t *testing.T) {
	f := newFixture(t, 10)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)
	f.seedRequest(t, "req-1", line("scope", 8))

	res, err := f.svc.Approve(context.Background(), "req-1", deptHead)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Status != domain.StatusPartiallyAllocated {
		t.Errorf("expected PartiallyAllocated, got %s", res.Status)
	}
	want := AllocationBackorder{ItemID: "scope", Requested: 8, Allocated: 5, Backordered: 3}
	if len(res.Backordered) != 1 || res.Backordered[0] != want {
		t.Errorf("expected backorder %+v, got %+v", want, res.Backordered)
	}
	assertLedger(t, f.item(t, "scope"), 0, 5)

	req := f.request(t, "req-1")
	if !req.Approved || req.ApprovedBy != deptHead.ID || req.ApprovedAt == nil {
		t.Errorf("approval fields not set: %+v", req)
	}
	if req.AllocationExpiresAt == nil || !req.AllocationExpiresAt.Equal(fixedTime.Add(defaultAllocationHold)) {
		t.Errorf("unexpected allocation expiry %v", req.AllocationExpiresAt)
	}
	if req.Lines[0].Allocated != 5 {
		t.Errorf("expected 5 allocated, got %d", req.Lines[0].Allocated)
	}
}

func TestApprove_FullAllocationAcrossLines(t *testing.T) {
	f := newFixture(t, 10)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)
	f.putItem(t, "resistor", domain.ItemKindComponent, 100, 100, 0)
	f.seedRequest(t, "req-1", line("scope", 2), line("resistor", 40))

	res, err := f.svc.Approve(context.Background(), "req-1", deptHead)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusAllocated || len(res.Backordered) != 0 {
		t.Errorf("expected Allocated without backorders, got %s %+v", res.Status, res.Backordered)
	}
	assertLedger(t, f.item(t, "scope"), 3, 2)
	assertLedger(t, f.item(t, "resistor"), 60, 40)
}

func TestApprove_NothingOnShelf(t *testing.T) {
	f := newFixture(t, 10)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 0, 5)
	f.seedRequest(t, "req-1", line("scope", 2))

	res, err := f.svc.Approve(context.Background(), "req-1", deptHead)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusApproved {
		t.Errorf("expected Approved, got %s", res.Status)
	}
	if len(res.Backordered) != 1 || res.Backordered[0].Backordered != 2 {
		t.Errorf("expected the whole line backordered, got %+v", res.Backordered)
	}
}

func TestApprove_MissingItemIsLineError(t *testing.T) {
	f := newFixture(t, 10)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)
	f.seedRequest(t, "req-1", line("scope", 1), line("ghost", 1))

	res, err := f.svc.Approve(context.Background(), "req-1", deptHead)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.LineErrors) != 1 || res.LineErrors[0].ItemID != "ghost" || !errors.Is(res.LineErrors[0], domain.ErrNotFound) {
		t.Errorf("expected a not found line error for ghost, got %+v", res.LineErrors)
	}
	if res.Status != domain.StatusPartiallyAllocated {
		t.Errorf("expected PartiallyAllocated, got %s", res.Status)
	}
}

func TestApprove_Idempotent(t *testing.T) {
	f := newFixture(t, 10)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)
	f.seedRequest(t, "req-1", line("scope", 3))
	ctx := context.Background()

	if _, err := f.svc.Approve(ctx, "req-1", deptHead); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err := f.svc.Approve(ctx, "req-1", deptHead)
	if !errors.Is(err, domain.ErrAlreadyApproved) {
		t.Errorf("expected ErrAlreadyApproved, got %v", err)
	}
	assertLedger(t, f.item(t, "scope"), 2, 3)
}

func TestApprove_ConcurrentSameRequest(t *testing.T) {
	f := newFixture(t, 100)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)
	f.seedRequest(t, "req-1", line("scope", 3))

	var successCount, alreadyCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Approve(context.Background(), "req-1", deptHead)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrAlreadyApproved):
				alreadyCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != 1 || alreadyCount.Load() != 19 {
		t.Errorf("expected 1 success and 19 duplicates, got %d and %d", successCount.Load(), alreadyCount.Load())
	}
	assertLedger(t, f.item(t, "scope"), 2, 3)
}

func TestApprove_ConcurrentRequestsNeverOverAllocate(t *testing.T) {
	f := newFixture(t, 100)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)

	const requests = 4
	for i := 0; i < requests; i++ {
		f.seedRequest(t, fmt.Sprintf("req-%d", i), line("scope", 2))
	}

	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.svc.Approve(context.Background(), id, deptHead); err != nil {
				t.Errorf("approve %s: %v", id, err)
			}
		}(fmt.Sprintf("req-%d", i))
	}
	wg.Wait()

	allocated := 0
	for i := 0; i < requests; i++ {
		allocated += f.request(t, fmt.Sprintf("req-%d", i)).Lines[0].Allocated
	}
	if allocated != 5 {
		t.Errorf("expected exactly 5 units allocated across requests, got %d", allocated)
	}
	assertLedger(t, f.item(t, "scope"), 0, 5)
}

func TestApprove_StaleKeyDoesNotBlock(t *testing.T) {
	f := newFixture(t, 10)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)
	f.seedRequest(t, "req-1", line("scope", 1))

	// Left behind by an attempt that crashed before committing.
	f.cache.SetIdempotency(context.Background(), approvalKeyPrefix+"req-1")

	res, err := f.svc.Approve(context.Background(), "req-1", deptHead)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusAllocated {
		t.Errorf("expected Allocated, got %s", res.Status)
	}
}

func TestApprove_ClearsKeyOnFailure(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.svc.Approve(context.Background(), "missing", deptHead)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.cache.hasKey(approvalKeyPrefix + "missing") {
		t.Error("expected approval key to be cleared after a failed approve")
	}
}

func TestAllocate_RetryAfterRestock(t *testing.T) {
	f := newFixture(t, 10)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)
	f.seedRequest(t, "req-1", line("scope", 8))
	ctx := context.Background()

	if _, err := f.svc.Approve(ctx, "req-1", deptHead); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Three more scopes arrive.
	f.putItem(t, "scope", domain.ItemKindEquipment, 8, 3, 5)

	res, err := f.svc.Allocate(ctx, "req-1", storeMgr)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if res.Status != domain.StatusAllocated {
		t.Errorf("expected Allocated, got %s", res.Status)
	}
	if len(res.Allocated) != 1 || res.Allocated[0] != (LineQuantity{ItemID: "scope", Quantity: 3}) {
		t.Errorf("expected 3 newly allocated, got %+v", res.Allocated)
	}
	assertLedger(t, f.item(t, "scope"), 0, 8)

	if _, err := f.svc.Allocate(ctx, "req-1", storeMgr); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on a fully allocated request, got %v", err)
	}
}

func TestAllocate_NoProgressWritesNothing(t *testing.T) {
	f := newFixture(t, 10)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)
	f.seedRequest(t, "req-1", line("scope", 8))
	ctx := context.Background()

	if _, err := f.svc.Approve(ctx, "req-1", deptHead); err != nil {
		t.Fatalf("approve: %v", err)
	}
	before := f.request(t, "req-1")

	res, err := f.svc.Allocate(ctx, "req-1", storeMgr)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(res.Allocated) != 0 || res.Status != domain.StatusPartiallyAllocated {
		t.Errorf("expected no progress, got %+v", res)
	}
	if len(res.Backordered) != 1 || res.Backordered[0].Backordered != 3 {
		t.Errorf("expected 3 still backordered, got %+v", res.Backordered)
	}
	if after := f.request(t, "req-1"); after.Version != before.Version {
		t.Errorf("request was rewritten: version %d -> %d", before.Version, after.Version)
	}
}

func TestAllocate_RequiresApproval(t *testing.T) {
	f := newFixture(t, 10)
	f.putItem(t, "scope", domain.ItemKindEquipment, 5, 5, 0)
	f.seedRequest(t, "req-1", line("scope", 1))

	if _, err := f.svc.Allocate(context.Background(), "req-1", storeMgr); !errors.Is(err, domain.ErrNotApproved) {
		t.Errorf("expected ErrNotApproved, got %v", err)
	}
}
