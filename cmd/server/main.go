package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/lab-store/internal/adapter/handler"
	"github.com/rl1809/lab-store/internal/adapter/messaging"
	"github.com/rl1809/lab-store/internal/adapter/storage"
	"github.com/rl1809/lab-store/internal/config"
	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/core/service"
	"github.com/rl1809/lab-store/internal/platform/logging"
	"github.com/rl1809/lab-store/internal/platform/metrics"
	"github.com/rl1809/lab-store/internal/platform/tracing"
	"github.com/rl1809/lab-store/internal/port"
)

const (
	shutdownTimeout = 5 * time.Second
	publishTimeout  = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(config.ServiceName, cfg.Log.Level, cfg.Log.Pretty)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.InitTracerProvider(ctx, config.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	db, cache, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := service.NewFulfillmentService(db, cache, service.Options{
		AllocationHold: cfg.Fulfillment.AllocationHold,
		EventQueueSize: cfg.Fulfillment.EventQueueSize,
		Logger:         logger,
		Metrics:        m,
	})

	var publisher port.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err = messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: config.ServiceName,
		}, tp)
		if err != nil {
			return err
		}
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing events to kafka")
	} else {
		publisher = messaging.NewLogPublisher(logger)
	}

	// Publish workers drain the event queue until the service closes it.
	var workers errgroup.Group
	for i := 0; i < cfg.Fulfillment.PublishWorkers; i++ {
		id := i
		workers.Go(func() error {
			workerLoop(id, svc.Events(), publisher, m, logger)
			return nil
		})
	}
	logger.Info().Int("workers", cfg.Fulfillment.PublishWorkers).Msg("started publish workers")

	grpcServer := grpc.NewServer()
	handler.RegisterFulfillmentServer(grpcServer, handler.NewGRPCHandler(svc, logger))

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.NewHTTPHandler(svc, logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		logger.Info().Str("addr", cfg.GRPC.Addr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP shutdown")
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics shutdown")
		}
		grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()

	svc.Close()
	workers.Wait()
	logger.Info().Msg("publish workers stopped")

	if cerr := publisher.Close(); cerr != nil {
		logger.Error().Err(cerr).Msg("failed to close publisher")
	}
	return err
}

// openStore connects the configured ledger store and its cache.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (port.DatabaseRepository, port.CacheRepository, func(), error) {
	if cfg.Store.Driver == config.StoreMemory {
		logger.Warn().Msg("using the in-memory store; state is lost on restart")
		return storage.NewMemoryAdapter(), storage.NewMemoryCache(), func() {}, nil
	}

	db, err := sql.Open("mysql", cfg.Store.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("ping mysql: %w", err)
	}
	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	logger.Info().Msg("connected to mysql")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		db.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Msg("connected to redis")

	closeFn := func() {
		rdb.Close()
		db.Close()
		logger.Info().Msg("connections closed")
	}
	return mysqlAdapter, storage.NewRedisAdapter(rdb), closeFn, nil
}

func workerLoop(id int, queue <-chan domain.RequestEvent, publisher port.EventPublisher, m *metrics.Metrics, logger zerolog.Logger) {
	log := logger.With().Int("worker", id).Logger()
	for event := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)

		if err := publisher.Publish(ctx, event); err != nil {
			m.EventsPublished.WithLabelValues("error").Inc()
			log.Error().Err(err).
				Str("event_id", event.ID).
				Str("request_id", event.RequestID).
				Msg("failed to publish event")
		} else {
			m.EventsPublished.WithLabelValues("ok").Inc()
			log.Debug().Str("event_id", event.ID).Str("event", string(event.Type)).Msg("published event")
		}

		cancel()
	}
}
