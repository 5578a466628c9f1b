package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/port"
)

// MemoryAdapter keeps the ledger and requests in process. Rows read for
// update are locked until the transaction ends, and writes are staged and
// applied only on commit, which mirrors the MySQL adapter.
type MemoryAdapter struct {
	mu       sync.Mutex
	requests map[string]domain.Request
	items    map[string]domain.StockItem
	rowLocks map[string]chan struct{}
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		requests: make(map[string]domain.Request),
		items:    make(map[string]domain.StockItem),
		rowLocks: make(map[string]chan struct{}),
	}
}

func (m *MemoryAdapter) lockRow(ctx context.Context, key string) error {
	m.mu.Lock()
	ch, ok := m.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.rowLocks[key] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (m *MemoryAdapter) unlockRow(key string) {
	m.mu.Lock()
	ch := m.rowLocks[key]
	m.mu.Unlock()
	<-ch
}

type memoryTx struct {
	m        *MemoryAdapter
	held     map[string]bool
	requests map[string]domain.Request
	items    map[string]domain.StockItem
}

func (m *MemoryAdapter) WithinTx(ctx context.Context, fn func(tx port.Tx) error) error {
	tx := &memoryTx{
		m:        m,
		held:     make(map[string]bool),
		requests: make(map[string]domain.Request),
		items:    make(map[string]domain.StockItem),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return tx.commit()
}

func (t *memoryTx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.m.lockRow(ctx, key); err != nil {
		return err
	}
	t.held[key] = true
	return nil
}

func (t *memoryTx) release() {
	for key := range t.held {
		t.m.unlockRow(key)
	}
	t.held = nil
}

func (t *memoryTx) commit() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for id, req := range t.requests {
		if cur, ok := t.m.requests[id]; !ok || cur.Version != req.Version {
			return ErrOptimisticLock
		}
	}
	for id, item := range t.items {
		if cur, ok := t.m.items[id]; !ok || cur.Version != item.Version {
			return ErrOptimisticLock
		}
	}

	for id, req := range t.requests {
		req.Version++
		t.m.requests[id] = req
	}
	for id, item := range t.items {
		item.Version++
		t.m.items[id] = item
	}
	return nil
}

func (t *memoryTx) GetRequestForUpdate(ctx context.Context, id string) (*domain.Request, error) {
	if err := t.lock(ctx, "request:"+id); err != nil {
		return nil, err
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	req, ok := t.m.requests[id]
	if !ok {
		return nil, nil
	}
	return cloneRequest(req), nil
}

func (t *memoryTx) GetStockItemForUpdate(ctx context.Context, id string) (*domain.StockItem, error) {
	if err := t.lock(ctx, "item:"+id); err != nil {
		return nil, err
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	item, ok := t.m.items[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (t *memoryTx) UpdateRequest(ctx context.Context, req domain.Request) error {
	if err := t.lock(ctx, "request:"+req.ID); err != nil {
		return err
	}
	staged := *cloneRequest(req)
	t.requests[req.ID] = staged
	return nil
}

func (t *memoryTx) UpdateStockItem(ctx context.Context, item domain.StockItem) error {
	if err := t.lock(ctx, "item:"+item.ID); err != nil {
		return err
	}
	t.items[item.ID] = item
	return nil
}

func (m *MemoryAdapter) CreateRequest(ctx context.Context, req domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	m.requests[req.ID] = *cloneRequest(req)
	return nil
}

func (m *MemoryAdapter) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	return cloneRequest(req), nil
}

func (m *MemoryAdapter) ListRequests(ctx context.Context, filter port.RequestFilter) ([]domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Request
	for _, req := range m.requests {
		if filter.Approved != nil && req.Approved != *filter.Approved {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, req.Status) {
			continue
		}
		out = append(out, *cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryAdapter) GetStockItem(ctx context.Context, id string) (*domain.StockItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryAdapter) PutStockItem(ctx context.Context, item domain.StockItem) error {
	if err := m.lockRow(ctx, "item:"+item.ID); err != nil {
		return err
	}
	defer m.unlockRow("item:" + item.ID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.items[item.ID]; ok {
		item.Version = cur.Version + 1
		item.CreatedAt = cur.CreatedAt
	} else {
		item.Version = 0
	}
	m.items[item.ID] = item
	return nil
}

func cloneRequest(req domain.Request) *domain.Request {
	req.Lines = append([]domain.RequestLine(nil), req.Lines...)
	return &req
}
