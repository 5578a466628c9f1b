package port

import (
	"context"

	"github.com/rl1809/lab-store/internal/core/domain"
)

// Tx is one unit of work. Rows read through it stay locked until the
// surrounding WithinTx returns.
type Tx interface {
	// GetRequestForUpdate locks and returns a request, nil if it does not exist
	GetRequestForUpdate(ctx context.Context, id string) (*domain.Request, error)

	// GetStockItemForUpdate locks and returns a stock item, nil if it does not exist
	GetStockItemForUpdate(ctx context.Context, id string) (*domain.StockItem, error)

	// UpdateRequest writes the aggregate with a version check
	UpdateRequest(ctx context.Context, req domain.Request) error

	// UpdateStockItem writes the ledger row with a version check
	UpdateStockItem(ctx context.Context, item domain.StockItem) error
}

type RequestFilter struct {
	Approved *bool
	Statuses []domain.RequestStatus
}

type DatabaseRepository interface {
	// WithinTx commits when fn returns nil and rolls back otherwise
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// CreateRequest persists a new request aggregate
	CreateRequest(ctx context.Context, req domain.Request) error

	// GetRequest reads a request without locking, nil if missing
	GetRequest(ctx context.Context, id string) (*domain.Request, error)

	// ListRequests returns requests matching the filter, oldest first
	ListRequests(ctx context.Context, filter RequestFilter) ([]domain.Request, error)

	// GetStockItem reads a ledger row without locking, nil if missing
	GetStockItem(ctx context.Context, id string) (*domain.StockItem, error)

	// PutStockItem inserts or replaces a ledger row
	PutStockItem(ctx context.Context, item domain.StockItem) error
}
