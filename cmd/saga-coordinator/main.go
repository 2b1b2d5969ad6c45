package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jcmexdev/saga-outbox/internal/config"
	"github.com/jcmexdev/saga-outbox/internal/coordinator"
	"github.com/jcmexdev/saga-outbox/internal/coordinator/sagalog"
	sagalogsqlite "github.com/jcmexdev/saga-outbox/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/saga-outbox/internal/httpx"
	"github.com/jcmexdev/saga-outbox/internal/messaging"
	"github.com/jcmexdev/saga-outbox/internal/orders"
	"github.com/jcmexdev/saga-outbox/internal/outbox"
	"github.com/jcmexdev/saga-outbox/internal/outbox/memory"
	outboxsqlite "github.com/jcmexdev/saga-outbox/internal/outbox/sqlite"
	"github.com/jcmexdev/saga-outbox/internal/pkg/telemetry"
	"github.com/jcmexdev/saga-outbox/internal/saga"
	"github.com/jcmexdev/saga-outbox/internal/saga/redisstore"
	"github.com/jcmexdev/saga-outbox/internal/transport/grpcsink"
	"github.com/jcmexdev/saga-outbox/internal/transport/membus"
	"github.com/jcmexdev/saga-outbox/internal/transport/rabbitmq"
	"github.com/jcmexdev/saga-outbox/internal/transport/redisstream"
)

const instanceTTL = 7 * 24 * time.Hour

type outboxStore interface {
	outbox.Repository
	outbox.Lister
	outbox.Purger
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.InitLogger(cfg.Service.Level(), cfg.Service.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("coordinator stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	shutdown, err := telemetry.SetupTracer(ctx, cfg.Service.Name, cfg.Service.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	store, journal, err := openStorage(cfg, &closers)
	if err != nil {
		return err
	}

	var instances saga.InstanceStore = saga.NewMemoryStore()
	if cfg.Service.RedisAddr != "" {
		rs := redisstore.NewFromAddr(cfg.Service.RedisAddr, cfg.Service.Name, instanceTTL)
		closers = append(closers, rs)
		instances = rs
	}

	codec := messaging.NewCodec()
	if err := orders.RegisterMessages(codec); err != nil {
		return err
	}

	svc := orders.Services{
		Inventory: orders.NewInventory(map[string]int{"prod_1": 15, "prod_2": 10, "prod_3": 0}, logger),
		Payments:  orders.NewPayments(logger),
		Shipping:  orders.NewShipping(logger),
	}
	orch, err := coordinator.NewOrchestrator(orders.NewPlan(svc, 0),
		coordinator.WithJournal(journal),
		coordinator.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	registry := saga.NewRegistry()
	defer registry.Close()
	if err := registry.Register(orders.NewDefinition(orch, svc, cfg.Service.Name)); err != nil {
		return err
	}

	emitter, err := outbox.NewEmitter(store, codec, logger)
	if err != nil {
		return err
	}
	dispatcher, err := saga.NewDispatcher(registry, instances, emitter,
		saga.WithJournal(journal),
		saga.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(cfg.Service, codec, dispatcher, logger, &closers)
	if err != nil {
		return err
	}

	processor, err := outbox.NewProcessor(store, publisher, cfg.Outbox, outbox.WithLogger(logger))
	if err != nil {
		return err
	}
	driver, err := outbox.NewDriver(processor, cfg.Outbox, logger)
	if err != nil {
		return err
	}

	purgeCfg := cfg.Outbox
	purgeCfg.Interval = cfg.Service.PurgeInterval
	purger, err := outbox.NewTaskDriver(func(ctx context.Context) error {
		n, err := store.PurgeExpired(ctx, time.Now().UTC())
		if n > 0 {
			logger.InfoContext(ctx, "purged published outbox entries", "count", n)
		}
		return err
	}, purgeCfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           httpx.NewRouter(httpx.NewHandler(codec, dispatcher, store, journal)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer := grpcsink.NewGRPCServer(grpcsink.NewServer(codec, dispatcher, logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx) })
	g.Go(func() error { return purger.Run(gctx) })
	g.Go(func() error {
		logger.Info("http server running", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Service.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.Service.GRPCAddr, err)
		}
		logger.Info("grpc event sink running", "addr", cfg.Service.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		driver.Stop()
		purger.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStorage(cfg config.Config, closers *[]io.Closer) (outboxStore, sagalog.Repository, error) {
	svc := cfg.Service
	if svc.SQLitePath == "" {
		return memory.New(memory.WithClaimLease(cfg.Outbox.ClaimLease)), sagalog.NewMemoryRepository(), nil
	}
	store, err := outboxsqlite.Open(svc.SQLitePath, outboxsqlite.WithClaimLease(cfg.Outbox.ClaimLease))
	if err != nil {
		return nil, nil, err
	}
	*closers = append(*closers, store)

	journal, err := sagalogsqlite.Open(svc.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	*closers = append(*closers, journal)
	return store, journal, nil
}

func newPublisher(
	svc config.ServiceConfig,
	codec *messaging.Codec,
	dispatcher *saga.Dispatcher,
	logger *slog.Logger,
	closers *[]io.Closer,
) (outbox.Publisher, error) {
	switch svc.Publisher {
	case config.PublisherRabbitMQ:
		p, err := rabbitmq.Dial(svc.RabbitMQURL, rabbitmq.WithExchange(svc.RabbitExchange))
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, p)
		return p, nil
	case config.PublisherRedis:
		p, err := redisstream.NewFromAddr(svc.RedisAddr, svc.RedisStream, 0)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, p)
		return p, nil
	case config.PublisherGRPC:
		p, err := grpcsink.Dial(svc.GRPCSinkAddr, svc.Name)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, p)
		return p, nil
	default:
		bus := membus.New(logger, membus.WithHistory(svc.BusHistory))
		bus.Subscribe(membus.Wildcard, membus.Loopback(codec, dispatcher, svc.Name))
		return bus, nil
	}
}
