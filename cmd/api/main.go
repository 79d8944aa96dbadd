package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-storefront-checkout/internal/audit"
	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	"github.com/ariefcatur/go-storefront-checkout/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/payments"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logx.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := redisx.NewOrderCache(rdb, logger)

	// Kafka producer outlives the HTTP server so in-flight requests can emit.
	prodCtx, stopProd := context.WithCancel(context.Background())
	defer stopProd()
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(prodCtx)
	events := orders.NewEmitter(prod, cfg.ServiceName, logger)

	archive, closeArchive := openArchive(ctx, cfg, logger)
	defer closeArchive()

	svc := orders.NewService(store, events, logger, orders.WithCache(cache))
	rec := orders.NewReconciler(store, events, logger, orders.WithCache(cache))

	hc := &http.Client{Timeout: cfg.GatewayTimeout}
	tokens := redisx.NewTokenCache(rdb, logger)
	pay := payments.NewService(svc, rec, archive, logger,
		payments.Options{Currency: cfg.DefaultCurrency, Timeout: cfg.GatewayTimeout},
		payments.NewCardGateway(cfg.Stripe, hc),
		payments.NewWalletGateway("bkash", orders.MethodBkash, cfg.Bkash, hc, tokens),
		payments.NewWalletGateway("nagad", orders.MethodNagad, cfg.Nagad, hc, tokens),
	)

	router := httpx.NewRouter(logger)
	(&httpx.OrdersHandler{Orders: svc, Log: logger}).Register(router)
	(&httpx.PaymentsHandler{Payments: pay, Log: logger}).Register(router)
	(&httpx.AdminHandler{Orders: svc, Reconciler: rec, Archive: archive, Token: cfg.AdminToken, Log: logger}).Register(router)
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is empty, admin routes are disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	err = g.Wait()

	prod.Close()      // stop accepting, flush buffered events
	prod.WaitClosed() // drain
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (orders.Store, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return orders.NewMemStore(), func() {}, nil
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return &orders.Repo{DB: db}, db.Close, nil
}

// openArchive connects the gateway audit archive. Mongo is optional; without
// it exchanges are only logged.
func openArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (audit.Archive, func()) {
	if cfg.Mongo.URI == "" {
		return audit.Nop{}, func() {}
	}
	m, err := audit.NewMongoArchive(ctx, cfg.Mongo)
	if err != nil {
		logger.Warn("gateway audit archive unavailable", zap.Error(err))
		return audit.Nop{}, func() {}
	}
	return m, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(cctx)
	}
}
