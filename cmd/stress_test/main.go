package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/lab-store/internal/adapter/storage"
	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/core/service"
	"github.com/rl1809/lab-store/internal/platform/logging"
	"github.com/rl1809/lab-store/internal/platform/metrics"
	"github.com/rl1809/lab-store/internal/port"
)

const (
	initialStock  = 20
	totalRequests = 50
)

var (
	lecturer = domain.Actor{ID: "stress-lecturer", Role: domain.RoleLecturer}
	deptHead = domain.Actor{ID: "stress-head", Role: domain.RoleDepartmentHead}
	storeMgr = domain.Actor{ID: "stress-manager", Role: domain.RoleStoreManager}
)

func main() {
	dsn := flag.String("mysql", "", "MySQL DSN; the in-memory store is used when empty")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address, used with -mysql")
	flag.Parse()

	ctx := context.Background()
	logger := logging.New("lab-store-stress", "warn", true)

	db, cache, err := openStore(ctx, *dsn, *redisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	svc := service.NewFulfillmentService(db, cache, service.Options{
		EventQueueSize: totalRequests * 4,
		Logger:         logger,
		Metrics:        metrics.New(prometheus.NewRegistry()),
	})
	defer svc.Close()

	// Drain the event queue in background
	go func() {
		for range svc.Events() {
		}
	}()

	itemID := fmt.Sprintf("stress-kit-%d", time.Now().UnixNano())
	if err := svc.PutStockItem(ctx, storeMgr, domain.StockItem{
		ID: itemID, Name: "Stress kit", Kind: domain.ItemKindComponent,
		Total: initialStock, Available: initialStock,
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed stock")
	}

	ids := make([]string, 0, totalRequests)
	for i := 0; i < totalRequests; i++ {
		req, err := svc.Create(ctx, lecturer, service.CreateRequestCommand{
			Reason: fmt.Sprintf("stress %d", i),
			Items:  []service.LineQuantity{{ItemID: itemID, Quantity: 1}},
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create request")
		}
		ids = append(ids, req.ID)
	}

	var allocated, backordered, duplicates, failed atomic.Int32

	// Every request is approved twice concurrently.
	var wg sync.WaitGroup
	start := time.Now()
	for _, id := range ids {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(requestID string) {
				defer wg.Done()

				res, err := svc.Approve(ctx, requestID, deptHead)
				switch {
				case errors.Is(err, domain.ErrAlreadyApproved):
					duplicates.Add(1)
				case err != nil:
					failed.Add(1)
					logger.Error().Err(err).Str("request_id", requestID).Msg("approve failed")
				case len(res.Backordered) > 0:
					backordered.Add(1)
				default:
					allocated.Add(1)
				}
			}(id)
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	item, err := db.GetStockItem(ctx, itemID)
	if err != nil || item == nil {
		logger.Fatal().Err(err).Msg("failed to read ledger")
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Requests:         %d (approved twice each)\n", totalRequests)
	fmt.Printf("Allocated:        %d\n", allocated.Load())
	fmt.Printf("Backordered:      %d\n", backordered.Load())
	fmt.Printf("Duplicate Claims: %d\n", duplicates.Load())
	fmt.Printf("Errors:           %d\n", failed.Load())
	fmt.Printf("Ledger:           available=%d reserved=%d total=%d\n", item.Available, item.Reserved, item.Total)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	pass := true
	if allocated.Load() != initialStock || backordered.Load() != totalRequests-initialStock {
		fmt.Printf("FAIL: expected %d allocated/%d backordered, got %d/%d\n",
			initialStock, totalRequests-initialStock, allocated.Load(), backordered.Load())
		pass = false
	}
	if duplicates.Load() != totalRequests {
		fmt.Printf("FAIL: expected %d duplicate approvals, got %d\n", totalRequests, duplicates.Load())
		pass = false
	}
	if item.Available != 0 || item.Reserved != initialStock {
		fmt.Printf("FAIL: expected available=0 reserved=%d\n", initialStock)
		pass = false
	}
	if !pass {
		os.Exit(1)
	}
	fmt.Println("PASS: no over-allocation and one approval per request")
}

func openStore(ctx context.Context, dsn, redisAddr string) (port.DatabaseRepository, port.CacheRepository, error) {
	if dsn == "" {
		return storage.NewMemoryAdapter(), storage.NewMemoryCache(), nil
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(50)
	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		return nil, nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return mysqlAdapter, storage.NewRedisAdapter(rdb), nil
}
