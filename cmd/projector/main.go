package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/ariefcatur/go-storefront-checkout/internal/projector"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	name := cfg.ServiceName + "-projector"
	logger, err := logx.New(cfg.LogLevel, name)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &projector.Service{
		Orders: &orders.Repo{DB: db},
		Cache:  redisx.NewOrderCache(rdb, logger),
		Dedup:  redisx.NewDeduper(rdb, name),
		Log:    logger,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, orders.Topics, cfg.ProjectorWorkers, logger)
	logger.Info("projector consumer started",
		zap.String("group", cfg.ProjectorGroup),
		zap.Strings("topics", orders.Topics),
		zap.Int("workers", cfg.ProjectorWorkers))

	// Start returns once ctx is cancelled and every worker has drained.
	if err := cons.Start(ctx, svc.HandleOrderEvent); err != nil {
		logger.Error("consumer exit", zap.Error(err))
	}
	logger.Info("projector stopped")
}
