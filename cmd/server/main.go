package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-saga/internal/adapter/broker"
	"github.com/rl1809/stock-saga/internal/adapter/handler"
	"github.com/rl1809/stock-saga/internal/adapter/payment"
	"github.com/rl1809/stock-saga/internal/adapter/storage"
	"github.com/rl1809/stock-saga/internal/config"
	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/core/service"
	"github.com/rl1809/stock-saga/internal/logger"
	"github.com/rl1809/stock-saga/internal/port"
)

// storeBackend is what the services need from a store, plus provisioning.
type storeBackend interface {
	port.Store
	port.StockProvisioner
}

func main() {
	if err := run(); err != nil {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		l.Fatal().Err(err).Msg("server failed")
	}
}

// run wires the services and blocks until shutdown. Resources opened before
// a failure are closed on the way out.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn().Err(err).Msg("close resource")
			}
		}
		log.Info().Msg("connections closed")
	}()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	closers = append(closers, closeStore)

	if err := seedStock(ctx, store, cfg.Store); err != nil {
		return fmt.Errorf("seed stock: %w", err)
	}

	guard, closeGuard, err := openGuard(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	closers = append(closers, closeGuard)

	dispatcher, subscriber, closeBroker, err := openBroker(cfg, log)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	closers = append(closers, closeBroker)

	outbox := service.NewOutboxPublisher(store, dispatcher, service.OutboxConfig{
		MaxRetries:      cfg.Outbox.MaxRetries,
		InitialDelay:    cfg.Outbox.InitialDelay,
		DispatchTimeout: cfg.Outbox.DispatchTimeout,
	}, log.With().Str("component", "outbox").Logger())

	stock := service.NewStockService(store, guard, outbox, service.StockConfig{
		LockWait:        cfg.Stock.LockWait,
		LockLease:       cfg.Stock.LockLease,
		IdempotencyTTL:  cfg.Stock.IdempotencyTTL,
		ConflictRetries: cfg.Stock.ConflictRetries,
	}, log.With().Str("component", "stock").Logger())

	payments := payment.NewSimulated(cfg.Order.PaymentFailureRate, log.With().Str("component", "payment").Logger())
	saga := service.NewOrderSaga(store, stock, outbox, payments, guard, service.SagaConfig{
		LockWait:  cfg.Stock.LockWait,
		LockLease: service.DefaultSagaConfig().LockLease,
	}, log.With().Str("component", "saga").Logger())

	scheduler := service.NewRetryScheduler(store, outbox, guard, service.SchedulerConfig{
		Interval:     cfg.Outbox.RetryInterval,
		InitialDelay: cfg.Outbox.RetryInitialDelay,
		BatchSize:    cfg.Outbox.RetryBatchSize,
	}, log.With().Str("component", "scheduler").Logger())

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.LoggingInterceptor(log)))
	handler.NewGRPCHandler(stock, log).Register(grpcServer)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler.NewHTTPHandler(stock, saga, outbox, log).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return err
		}
		log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Broker.Kind != "none" {
		g.Go(func() error { return scheduler.Run(gctx) })
	} else {
		log.Warn().Msg("no broker configured, outbox messages stay pending")
	}

	if subscriber != nil {
		consumer := service.NewEventConsumer(stock, outbox, store, subscriber, log.With().Str("component", "consumer").Logger())
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown")
		}
		log.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info().Msg("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storeBackend, func() error, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn().Msg("using in-memory store, state is lost on restart")
		return storage.NewMemoryAdapter(), func() error { return nil }, nil
	}

	db, err := sql.Open("mysql", cfg.Store.MySQLDSN)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := storage.ApplySchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info().Msg("connected to mysql")
	return storage.NewMySQLAdapter(db), db.Close, nil
}

func seedStock(ctx context.Context, store port.StockProvisioner, cfg config.StoreConfig) error {
	seeds, err := cfg.Seeds()
	if err != nil {
		return err
	}
	for skuID, qty := range seeds {
		if err := store.SeedStock(ctx, domain.Stock{SkuID: skuID, TotalStock: qty, AvailableStock: qty}); err != nil {
			return err
		}
	}
	return nil
}

func openGuard(ctx context.Context, cfg *config.Config, log zerolog.Logger) (port.ConcurrencyGuard, func() error, error) {
	if !cfg.Redis.Enabled {
		log.Warn().Msg("redis disabled, locks and idempotency keys are process-local")
		return storage.NewLocalGuard(), func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	log.Info().Msg("connected to redis")
	return storage.NewRedisGuard(rdb), rdb.Close, nil
}

func openBroker(cfg *config.Config, log zerolog.Logger) (port.Dispatcher, port.Subscriber, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Broker.Kind {
	case "rabbitmq":
		mq, err := broker.DialRabbitMQ(cfg.Broker.AMQPURL, log.With().Str("component", "rabbitmq").Logger())
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Msg("connected to rabbitmq")
		return mq, mq, mq.Close, nil
	case "kafka":
		k := broker.NewKafka(cfg.Broker.KafkaBrokers, cfg.Broker.KafkaGroupID, log.With().Str("component", "kafka").Logger())
		return k, k, k.Close, nil
	case "memory":
		mem := broker.NewMemory()
		return mem, mem, noop, nil
	default:
		return broker.Disabled{}, nil, noop, nil
	}
}
