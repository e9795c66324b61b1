package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"market-orchestrator/internal/auth"
	"market-orchestrator/internal/config"
	"market-orchestrator/internal/database"
	"market-orchestrator/internal/fees"
	"market-orchestrator/internal/idempotency"
	"market-orchestrator/internal/infrastructure/carrier"
	"market-orchestrator/internal/infrastructure/notify"
	"market-orchestrator/internal/infrastructure/payment"
	"market-orchestrator/internal/logger"
	"market-orchestrator/internal/refund"
	"market-orchestrator/internal/resilience"
	"market-orchestrator/internal/server"
	"market-orchestrator/internal/service"
	"market-orchestrator/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db.DB()); err != nil {
		return err
	}

	processor, verifier, err := paymentStack(cfg, log)
	if err != nil {
		return err
	}
	shipping, err := carrierClient(cfg, log)
	if err != nil {
		return err
	}
	publisher, closePublisher, err := publisherFor(cfg, log)
	if err != nil {
		return err
	}
	defer closePublisher()

	stores := service.NewStores(db.DB())
	keys := idempotency.NewPostgresStore(db.DB())
	runner := resilience.NewRunner(log)

	checkout := service.NewCheckoutService(stores, fees.NewCalculator(cfg.Fees.PlatformPct, cfg.Fees.SellerPct),
		processor, runner, cfg.Timeouts, cfg.QuoteTTL, cfg.DefaultCurrency, log)
	webhook := service.NewWebhookService(stores, log)
	orders := service.NewOrderService(stores, processor, shipping, runner, cfg.Timeouts, log)
	bids := service.NewBidService(stores, log)
	refunds := service.NewRefundService(stores, refund.NewPolicy(cfg.RefundWindow), processor, runner, cfg.Timeouts, log)
	auctions := service.NewAuctionService(stores, log)

	var wg sync.WaitGroup
	start := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	start(worker.NewReconciliationWorker(stores.Transactions, processor, webhook, orders, runner,
		cfg.ReconcileInterval, cfg.ReconcileStuckAfter, cfg.Timeouts.Payment, log, worker.WithPurger(keys)).Run)
	start(worker.NewOutboxRelay(stores.Tx, stores.Outbox, publisher, cfg.OutboxEvery, log).Run)
	start(worker.NewAuctionCloser(auctions, cfg.AuctionCloseEvery, log).Run)

	srv := server.New(server.Deps{
		Config:   cfg,
		DB:       db,
		Auth:     auth.NewAuthenticator(cfg.JWTSecret, cfg.AdminUserIDs),
		Verifier: verifier,
		Keys:     keys,
		Logger:   log,
		Checkout: checkout,
		Webhook:  webhook,
		Orders:   orders,
		Bids:     bids,
		Refunds:  refunds,
	}).HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("server.shutting_down", zap.String("hint", "press Ctrl+C again to force"))
	stop()

	// allow 5 seconds for in-flight requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.forced_shutdown", zap.Error(err))
	}
	wg.Wait()
	log.Info("server.exited")
	return nil
}

func paymentStack(cfg *config.Config, log *zap.Logger) (payment.Processor, payment.EventVerifier, error) {
	if cfg.Stripe.SecretKey == "" {
		if !cfg.Local() {
			return nil, nil, errors.New("STRIPE_SECRET_KEY is required outside local")
		}
		log.Warn("payment.mock_gateway", zap.String("reason", "STRIPE_SECRET_KEY not set"))
		return payment.NewMockGateway(), payment.UnsignedVerifier{}, nil
	}
	processor, err := payment.NewStripeProcessor(cfg.Stripe.SecretKey, log)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Stripe.WebhookSecret == "" {
		return nil, nil, errors.New("STRIPE_WEBHOOK_SECRET is required with STRIPE_SECRET_KEY")
	}
	return processor, payment.NewStripeVerifier(cfg.Stripe.WebhookSecret), nil
}

func carrierClient(cfg *config.Config, log *zap.Logger) (carrier.Carrier, error) {
	if cfg.Carrier.BaseURL == "" {
		log.Warn("carrier.mock", zap.String("reason", "CARRIER_BASE_URL not set"))
		return carrier.NewMockCarrier(), nil
	}
	client, err := carrier.NewHTTPClient(cfg.Carrier.BaseURL, cfg.Carrier.APIKey,
		carrier.WithLogger(log),
		carrier.WithRateLimit(cfg.Carrier.RPS),
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func publisherFor(cfg *config.Config, log *zap.Logger) (notify.Publisher, func(), error) {
	if cfg.RabbitMQURL == "" {
		return notify.NewLogPublisher(log), func() {}, nil
	}
	p, err := notify.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.NotifyQueue, log)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}
