package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Komala-2k/Payment-wallet-week2/internal/auth"
	"github.com/Komala-2k/Payment-wallet-week2/internal/config"
	"github.com/Komala-2k/Payment-wallet-week2/internal/directory"
	"github.com/Komala-2k/Payment-wallet-week2/internal/events/kafka"
	interfaces "github.com/Komala-2k/Payment-wallet-week2/internal/interfaces"
	"github.com/Komala-2k/Payment-wallet-week2/internal/ledger"
	"github.com/Komala-2k/Payment-wallet-week2/internal/logger"
	"github.com/Komala-2k/Payment-wallet-week2/internal/money"
	"github.com/Komala-2k/Payment-wallet-week2/internal/observability"
	"github.com/Komala-2k/Payment-wallet-week2/internal/server"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage/memory"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage/postgres"
	redisstore "github.com/Komala-2k/Payment-wallet-week2/internal/storage/redis"
)

const serviceName = "digital-wallet"

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(log)
	if err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, log, observability.TracingConfig{
		ServiceName: serviceName,
		Stdout:      cfg.TracingStdout,
	})
	if err != nil {
		log.Fatal("Failed to init tracing", "error", err)
	}

	store, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open store", "backend", cfg.StoreBackend, "error", err)
	}
	log.Info("Store ready", "backend", cfg.StoreBackend)

	conv := money.NewConverter(cfg.CurrencyScale)
	opts := []ledger.Option{ledger.WithLogger(log), ledger.WithConverter(conv)}

	var publisher *kafka.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		opts = append(opts, ledger.WithPublisher(publisher))
		log.Info("Publishing events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	ledgerService := ledger.NewLedger(store, ledger.Config{
		MinAmount:          cfg.MinAmount,
		MaxMemoLength:      cfg.MaxMemoLength,
		OperationTimeout:   cfg.OperationTimeout,
		MaxConflictRetries: cfg.MaxConflictRetries,
		RetryBaseDelay:     cfg.RetryBaseDelay,
	}, opts...)
	query := ledger.NewQuery(store, cfg.HistoryLimit, log)
	dir := directory.NewService(store, cfg.AliasDomain, log)
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)

	srv := server.NewServer(cfg.HTTPAddr, server.RouterConfig{
		Handler:     server.NewHandler(ledgerService, query, dir, tokens, conv, log),
		Tokens:      tokens,
		Log:         log,
		ServiceName: serviceName,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("Server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Warn("Kafka close", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		log.Warn("Store close", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown", "error", err)
	}
}

func openBackend(ctx context.Context, cfg config.Config) (interfaces.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.BackendRedis:
		return redisstore.Connect(ctx, cfg.RedisAddr)
	default:
		return memory.NewMemoryStore(), nil
	}
}
