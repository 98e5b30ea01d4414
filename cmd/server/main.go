package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rentescrow/internal/audit"
	"rentescrow/internal/booking"
	"rentescrow/internal/config"
	"rentescrow/internal/escrow"
	"rentescrow/internal/idempotency"
	"rentescrow/internal/lock"
	"rentescrow/internal/network"
	"rentescrow/internal/payment"
	"rentescrow/internal/server"
	"rentescrow/internal/settlement"
	"rentescrow/internal/storage"
	"rentescrow/internal/wallet"
)

// chainProvider is a wallet provider the process owns.
type chainProvider interface {
	wallet.Provider
	Ping(ctx context.Context) error
	Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	provider, err := dialProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wallet provider: %w", err)
	}
	defer provider.Close()

	checks := map[string]server.HealthCheck{"rpc": provider.Ping}

	var (
		store    idempotency.Store
		recorder audit.Recorder = audit.NewMemoryRecorder()
		locker   lock.Locker    = lock.NewMemoryLocker()
	)

	switch {
	case cfg.Storage.PostgresDSN != "":
		pool, err := storage.NewPostgresPool(ctx, cfg.Storage.PostgresDSN, cfg.Storage.PostgresMaxConns, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		checks["database"] = pool.Ping

		pgStore, err := idempotency.NewPostgresStore(ctx, pool)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		store = pgStore
		go idempotency.RunPurger(ctx, pgStore, time.Hour, logger)

		if recorder, err = audit.NewPostgresRecorder(ctx, pool); err != nil {
			return fmt.Errorf("audit recorder: %w", err)
		}
	case cfg.Service.IdempotencyStorePath != "":
		if store, err = idempotency.NewFileStore(cfg.Service.IdempotencyStorePath); err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
	default:
		store = idempotency.NewMemoryStore()
	}

	if cfg.Storage.RedisURL != "" {
		rdb, err := storage.NewRedisClient(ctx, cfg.Storage.RedisURL, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		locker = lock.NewRedisLocker(rdb, cfg.Storage.LockPrefix)
	}

	escrows, err := escrow.NewClient(provider, escrow.Options{
		GasBufferPercent: cfg.Chain.GasBufferPercent,
		PollInterval:     cfg.Chain.ReceiptPollInterval,
	})
	if err != nil {
		return fmt.Errorf("escrow client: %w", err)
	}

	metrics := server.NewMetrics()
	settler := settlement.NewRetrier(
		settlement.NewHTTPValidator(cfg.Settlement.BaseURL, cfg.Settlement.Timeout),
		settlement.RetryPolicy{MaxAttempts: cfg.Settlement.MaxAttempts, RetryDelay: cfg.Settlement.RetryDelay},
		logger,
		metrics.SettlementAttempt,
	)

	orchestrator := payment.NewOrchestrator(payment.Deps{
		Wallet:     wallet.NewGateway(provider),
		Guard:      network.NewGuard(provider),
		Contracts:  escrows,
		Settlement: settler,
		Network:    cfg.Chain.Network(),
		Logger:     logger,
		Observer:   payment.Observers{metrics, server.NewAuditObserver(recorder, logger)},
	})

	apiServer := server.NewServer(server.Deps{
		Config:    cfg,
		Payments:  orchestrator,
		Contracts: escrows,
		Bookings:  booking.NewHTTPClient(cfg.Booking.BaseURL, cfg.Booking.Timeout),
		Store:     store,
		Locker:    locker,
		Audit:     recorder,
		Metrics:   metrics,
		Logger:    logger,
		Checks:    checks,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func dialProvider(ctx context.Context, cfg *config.Config) (chainProvider, error) {
	if cfg.Wallet.Mode == "keyed" {
		return wallet.NewKeyedProvider(ctx, wallet.KeyedConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Wallet.PrivateKey,
		})
	}
	return wallet.DialRPCProvider(ctx, cfg.Wallet.RPCURL)
}
