package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pixelpost/payment-orchestrator/internal/api"
	"github.com/pixelpost/payment-orchestrator/internal/config"
	"github.com/pixelpost/payment-orchestrator/internal/events"
	"github.com/pixelpost/payment-orchestrator/internal/interfaces"
	"github.com/pixelpost/payment-orchestrator/internal/locker"
	"github.com/pixelpost/payment-orchestrator/internal/provider"
	"github.com/pixelpost/payment-orchestrator/internal/reference"
	"github.com/pixelpost/payment-orchestrator/internal/repository"
	"github.com/pixelpost/payment-orchestrator/internal/service"
	"github.com/pixelpost/payment-orchestrator/internal/telemetry"
	"github.com/pixelpost/payment-orchestrator/internal/webhook"
)

func main() {
	cfg := config.Load()

	if err := telemetry.InitTelemetry("payment-orchestrator", cfg.JaegerEndpoint); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Payment Orchestrator")

	// Randomness is load-bearing for reference generation; refusing to
	// start is the only safe response if it is unavailable.
	refs, err := reference.New()
	if err != nil {
		telemetry.Logger.Fatal("Randomness source unavailable", zap.Error(err))
	}

	// Connect to PostgreSQL; fall back to the in-memory store for local
	// development when no database is configured.
	var repo interfaces.TransactionRepository
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		pg := repository.NewTransactionRepository(db)
		if err := pg.InitDB(); err != nil {
			telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
		}
		repo = pg
	} else {
		telemetry.Logger.Warn("DATABASE_URL not set; transactions are stored in memory only")
		repo = repository.NewMemory()
	}

	// Per-reference locking: Redis across instances, in-process otherwise.
	var refLocker interfaces.ReferenceLocker
	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		refLocker = locker.NewRedisLocker(redisClient)
	} else {
		telemetry.Logger.Warn("REDIS_URL not set; per-reference locks are process-local only")
		refLocker = locker.NewMemoryLocker()
	}

	// Event fan-out. Both backends are optional.
	var kafkaWriter *kafka.Writer
	if cfg.KafkaBrokers != "" {
		kafkaWriter = &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers),
			Topic:    events.TopicStateChanged,
			Balancer: &kafka.LeastBytes{},
		}
		defer kafkaWriter.Close()
	}
	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
	}
	publisher := events.NewPublisher(kafkaWriter, nc, telemetry.Logger)

	paystack := provider.NewPaystack(provider.PaystackConfig{
		BaseURL:   cfg.PaystackBaseURL,
		SecretKey: cfg.PaystackSecretKey,
		Timeout:   cfg.ProviderTimeout,
		Logger:    telemetry.Logger,
	})
	paypal := provider.NewPayPal(provider.PayPalConfig{
		Mode:         cfg.PayPalMode,
		ClientID:     cfg.PayPalClientID,
		ClientSecret: cfg.PayPalSecret,
		Timeout:      cfg.ProviderTimeout,
		Logger:       telemetry.Logger,
	})

	verifier := webhook.New(cfg.PaystackWebhookSecret, telemetry.Logger)

	orchestrator := service.NewOrchestrator(
		repo, refLocker, publisher, verifier, refs, paystack, paypal, telemetry.Logger)

	r := api.NewRouter(orchestrator)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		telemetry.Logger.Info("Payment Orchestrator starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
