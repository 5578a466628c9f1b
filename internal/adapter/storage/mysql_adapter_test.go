package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/port"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/labstore?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := NewMySQLAdapter(db).Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

func seedItem(t *testing.T, ctx context.Context, db *sql.DB, id string, total, available int) {
	t.Helper()
	db.ExecContext(ctx, `DELETE FROM stock_items WHERE id = ?`, id)

	now := time.Now().UTC().Truncate(time.Microsecond)
	err := NewMySQLAdapter(db).PutStockItem(ctx, domain.StockItem{
		ID: id, Name: id, Kind: domain.ItemKindComponent,
		Total: total, Available: available, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestPutStockItem_UpsertBumpsVersion(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	seedItem(t, ctx, db, "put-test-item", 10, 10)

	item, err := adapter.GetStockItem(ctx, "put-test-item")
	if err != nil {
		t.Fatalf("GetStockItem failed: %v", err)
	}
	if item == nil || item.Version != 0 || item.Available != 10 {
		t.Fatalf("unexpected item after insert: %+v", item)
	}

	item.Available = 7
	if err := adapter.PutStockItem(ctx, *item); err != nil {
		t.Fatalf("PutStockItem failed: %v", err)
	}

	item, _ = adapter.GetStockItem(ctx, "put-test-item")
	if item.Version != 1 || item.Available != 7 {
		t.Errorf("expected version 1 and available 7, got %+v", item)
	}
}

func TestGetStockItem_NotFound(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	item, err := NewMySQLAdapter(db).GetStockItem(context.Background(), "nonexistent-item")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item != nil {
		t.Error("expected nil for nonexistent item")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	pickup := now.Add(24 * time.Hour)
	req := domain.Request{
		ID:        "test-request-" + now.Format("20060102150405.000000"),
		ActorID:   "s-1",
		ActorRole: domain.RoleStudent,
		Reason:    "capstone",
		Details:   domain.RequesterDetails{StudentName: "A", StudentID: "1", Department: "EE", PickupDate: &pickup},
		Lines:     []domain.RequestLine{{ItemID: "resistor", Quantity: 4}},
		Status:    domain.StatusPendingApproval,
		CreatedAt: now,
		UpdatedAt: now,
	}
	defer db.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, req.ID)

	if err := adapter.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	got, err := adapter.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected request, got nil")
	}
	if got.Lines[0].Quantity != 4 || got.Details.StudentName != "A" || got.ApprovedAt != nil {
		t.Errorf("unexpected request: %+v", got)
	}

	pending := false
	list, err := adapter.ListRequests(ctx, port.RequestFilter{
		Approved: &pending,
		Statuses: []domain.RequestStatus{domain.StatusPendingApproval},
	})
	if err != nil {
		t.Fatalf("ListRequests failed: %v", err)
	}
	found := false
	for _, r := range list {
		found = found || r.ID == req.ID
	}
	if !found {
		t.Error("expected created request in pending list")
	}
}

func TestWithinTx_OptimisticLock(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	seedItem(t, ctx, db, "lock-test-item", 100, 100)

	err := adapter.WithinTx(ctx, func(tx port.Tx) error {
		item, err := tx.GetStockItemForUpdate(ctx, "lock-test-item")
		if err != nil {
			return err
		}
		item.Reserve(10)
		return tx.UpdateStockItem(ctx, *item)
	})
	if err != nil {
		t.Fatalf("WithinTx failed: %v", err)
	}

	item, _ := adapter.GetStockItem(ctx, "lock-test-item")
	if item.Version != 1 || item.Available != 90 || item.Reserved != 10 {
		t.Errorf("unexpected item after update: %+v", item)
	}

	stale := *item
	stale.Version = 0
	err = adapter.WithinTx(ctx, func(tx port.Tx) error {
		return tx.UpdateStockItem(ctx, stale)
	})
	if !errors.Is(err, ErrOptimisticLock) {
		t.Errorf("expected ErrOptimisticLock, got: %v", err)
	}
}

func TestWithinTx_RollbackOnError(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	seedItem(t, ctx, db, "rollback-test-item", 5, 5)

	boom := errors.New("boom")
	err := adapter.WithinTx(ctx, func(tx port.Tx) error {
		item, err := tx.GetStockItemForUpdate(ctx, "rollback-test-item")
		if err != nil {
			return err
		}
		item.Reserve(5)
		if err := tx.UpdateStockItem(ctx, *item); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	item, _ := adapter.GetStockItem(ctx, "rollback-test-item")
	if item.Available != 5 || item.Reserved != 0 {
		t.Errorf("expected untouched row, got %+v", item)
	}
}
