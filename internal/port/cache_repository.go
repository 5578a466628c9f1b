package port

import "context"

// StockSnapshot is the cached availability of one item at a ledger version.
type StockSnapshot struct {
	ItemID    string
	Available int
	Version   int
}

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency removes a key so an aborted operation can be retried
	ClearIdempotency(ctx context.Context, key string) error

	// SetAvailable stores snapshots, ignoring any older than the cached version
	SetAvailable(ctx context.Context, snapshots ...StockSnapshot) error

	// GetAvailable reads the snapshot, ok is false on a cache miss
	GetAvailable(ctx context.Context, itemID string) (available int, ok bool, err error)
}
