package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/shopflow/libs/config"
	"github.com/md-rashed-zaman/shopflow/libs/db"
	"github.com/md-rashed-zaman/shopflow/libs/dlock"
	"github.com/md-rashed-zaman/shopflow/libs/httpx"
	"github.com/md-rashed-zaman/shopflow/libs/idempotency"
	"github.com/md-rashed-zaman/shopflow/libs/kafkax"
	"github.com/md-rashed-zaman/shopflow/libs/lease"
	"github.com/md-rashed-zaman/shopflow/libs/metrics"
	otelx "github.com/md-rashed-zaman/shopflow/libs/otel"
	"github.com/md-rashed-zaman/shopflow/libs/outbox"
	"github.com/md-rashed-zaman/shopflow/libs/ratelimit"
	"github.com/md-rashed-zaman/shopflow/libs/redisx"
	"github.com/md-rashed-zaman/shopflow/libs/runtime"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/consumer"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/handlers"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/inventory"
	"github.com/md-rashed-zaman/shopflow/services/inventory-service/internal/storage"
)

func main() {
	_ = config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "inventory-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	if err := run(ctx, service, port, logger); err != nil {
		logger.Error("inventory service stopped", "err", err)
		stop()
		panic(err)
	}
}

func run(ctx context.Context, service, port string, logger *slog.Logger) error {
	var checks []runtime.ReadyCheck

	var store storage.Store
	switch driver := config.String("STORAGE_DRIVER", "postgres"); driver {
	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return err
		}
		pool, err := db.Open(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("db connection failed: %w", err)
		}
		defer pool.Close()
		if err := storage.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = storage.NewPostgres(pool)
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	case "memory":
		logger.Warn("using in-memory storage; state is lost on restart")
		store = storage.NewMemory()
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", driver)
	}

	deps := inventory.Deps{Store: store, Logger: logger}
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb, err := redisx.Open(ctx, redisx.Config{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer rdb.Close()
		leases := lease.NewRedis(rdb, service)
		deps.Guard = idempotency.NewGuard(leases, logger)
		deps.Mutex = dlock.New(leases, dlock.Options{Logger: logger})
		deps.Limiter = ratelimit.New(rdb, ratelimit.Config{
			Limit:    config.Int("RATE_LIMIT", 60),
			Window:   config.Duration("RATE_WINDOW", time.Minute),
			Prefix:   service + ":rl",
			FailOpen: config.Bool("RATE_LIMIT_FAIL_OPEN", false),
		}, logger)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
	} else {
		logger.Warn("REDIS_ADDR not set; idempotency, locking and rate limiting are disabled")
	}

	svc := inventory.NewService(deps, inventory.Config{
		IdempotencyTTL: config.Duration("IDEMPOTENCY_TTL", 24*time.Hour),
		LockWait:       config.Duration("LOCK_WAIT_TIMEOUT", 3*time.Second),
		LockLease:      config.Duration("LOCK_LEASE_TIMEOUT", 10*time.Second),
	})

	brokers := config.String("KAFKA_BROKERS", "")
	var publisher outbox.Publisher
	switch driver := config.String("BROKER_DRIVER", "kafka"); driver {
	case "kafka":
		publisher = outbox.NewKafkaPublisher(brokers)
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	case "nats":
		nc, err := nats.Connect(config.String("NATS_URL", nats.DefaultURL), nats.Name(service))
		if err != nil {
			return fmt.Errorf("nats connection failed: %w", err)
		}
		defer nc.Close()
		js, err := outbox.NewNATSPublisher(nc)
		if err != nil {
			return err
		}
		err = js.EnsureStream(ctx, outbox.NATSStream{
			Name:       config.String("NATS_STREAM", "INVENTORY"),
			Subjects:   []string{config.String("NATS_SUBJECTS", "inventory.>")},
			Duplicates: config.Duration("NATS_DUPLICATE_WINDOW", 2*time.Minute),
		})
		if err != nil {
			return err
		}
		publisher = js
		checks = append(checks, runtime.ReadyCheck{Name: "nats", Check: func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}})
	default:
		return fmt.Errorf("unknown BROKER_DRIVER %q", driver)
	}
	defer publisher.Close()

	relay := outbox.NewRelay(store.Outbox(), publisher, logger, outbox.RelayConfig{
		PollEvery:  config.Duration("OUTBOX_POLL_INTERVAL", time.Second),
		BatchSize:  config.Int("OUTBOX_BATCH_SIZE", 50),
		MaxRetries: config.Int("OUTBOX_MAX_RETRIES", 5),
		ClaimTTL:   config.Duration("OUTBOX_CLAIM_TTL", 30*time.Second),
	})
	sweeper := outbox.NewSweeper(store.Outbox(), logger, outbox.SweeperConfig{
		Retention:  config.Duration("OUTBOX_RETENTION", 7*24*time.Hour),
		SweepEvery: config.Duration("OUTBOX_SWEEP_INTERVAL", time.Hour),
	})

	reg := metrics.NewRegistry()
	metrics.Register(reg)

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", metrics.Handler(reg))
	handlers.NewStockHandler(svc, logger).Routes(mux)
	handlers.NewOutboxHandler(store.Outbox(), relay.Config().MaxRetries, logger).Routes(mux)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(config.Duration("HTTP_HANDLER_TIMEOUT", 15*time.Second)),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(httpHandler, "inventory"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if strings.TrimSpace(brokers) != "" {
		c := consumer.New(logger, svc, consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
		})
		g.Go(func() error { return c.Run(gctx) })
	} else {
		logger.Warn("KAFKA_BROKERS not set; order events are not consumed")
	}
	g.Go(func() error { return runtime.ServeHTTP(gctx, logger, srv, 10*time.Second) })
	return g.Wait()
}
