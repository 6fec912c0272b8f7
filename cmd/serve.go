package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"petshop-service/catalog"
	"petshop-service/config"
	"petshop-service/consumers"
	"petshop-service/controllers"
	"petshop-service/database"
	"petshop-service/idempotency"
	"petshop-service/middlewares"
	"petshop-service/orders"
	"petshop-service/payment"
	"petshop-service/rabbitmq"
	"petshop-service/users"
)

const (
	shutdownTimeout     = 15 * time.Second
	gatewayRetryBackoff = 200 * time.Millisecond
	idempotencyTTL      = 24 * time.Hour
)

func serveCmd() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the order event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", true, "apply the schema before serving")
	return cmd
}

func runServe(ctx context.Context, autoMigrate bool) error {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.Open(cfg)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer db.Close()

	if autoMigrate {
		if err := database.Migrate(ctx, db, cfg.DBDriver); err != nil {
			return err
		}
	}

	gw, err := buildGateway(cfg)
	if err != nil {
		return err
	}

	var events orders.EventPublisher
	var rmq *rabbitmq.RabbitMQ
	if cfg.RabbitMQURL != "" {
		rmq, err = rabbitmq.NewRabbitMQ(cfg)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		defer rmq.Close()
		if err := rmq.SetupQueues(); err != nil {
			return fmt.Errorf("failed to setup RabbitMQ queues: %w", err)
		}
		events = rmq
	} else {
		log.Printf("RABBITMQ_URL not set; order events and payment checks are disabled")
	}

	cat := catalog.NewService(db)
	orderSvc := orders.NewService(db, cat, gw, events, orders.Options{
		Currency:          cfg.PaymentCurrency,
		GatewayTimeout:    cfg.GatewayTimeout,
		PaymentCheckDelay: cfg.PaymentCheckDelay,
	})

	if rmq != nil {
		ch, err := rmq.ConsumerChannel(10)
		if err != nil {
			return err
		}
		defer ch.Close()
		consumer := consumers.NewOrderConsumer(orderSvc, cfg.GatewayTimeout*time.Duration(max(cfg.GatewayRetries, 1)+1))
		go func() {
			if err := consumer.Start(ctx, ch, rmq.Topology()); err != nil {
				log.Printf("Order consumer stopped: %v", err)
			}
		}()
	}

	var idem middlewares.IdempotencyStore
	if cfg.IdempotencyDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.IdempotencyDBPath), 0o755); err != nil {
			return fmt.Errorf("create idempotency directory: %w", err)
		}
		store, err := idempotency.New(cfg.IdempotencyDBPath, idempotencyTTL)
		if err != nil {
			return err
		}
		defer store.Close()
		go purgeIdempotencyKeys(ctx, store)
		idem = store
	}

	limiter := middlewares.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	router := controllers.SetupRouter(controllers.Deps{
		JWTSecret:   cfg.JWTSecret,
		TokenTTL:    cfg.JWTTTL,
		Users:       users.NewStore(db),
		Catalog:     cat,
		Orders:      orderSvc,
		Idempotency: idem,
		RateLimiter: limiter,
		Ping:        pinger(db),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Petshop service starting on %s (payments: %s)", cfg.HTTPAddr, cfg.PaymentProvider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildGateway(cfg *config.Config) (payment.Gateway, error) {
	var gw payment.Gateway
	switch cfg.PaymentProvider {
	case "stripe":
		gw = payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	case "sandbox":
		log.Printf("Using the sandbox payment gateway; no real charges will be made")
		gw = payment.NewSandboxGateway(cfg.StripeWebhookSecret)
	default:
		return nil, fmt.Errorf("unsupported PAYMENT_PROVIDER %q", cfg.PaymentProvider)
	}
	return payment.WithRetry(gw, cfg.GatewayRetries, gatewayRetryBackoff), nil
}

func purgeIdempotencyKeys(ctx context.Context, store *idempotency.Store) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.Purge()
			if err != nil {
				log.Printf("Failed to purge idempotency keys: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Purged %d expired idempotency keys", n)
			}
		}
	}
}

func pinger(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}
}
