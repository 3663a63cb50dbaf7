package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/blastoff/crash-engine/internal/bus"
	"github.com/blastoff/crash-engine/internal/chain"
	"github.com/blastoff/crash-engine/internal/engine"
	"github.com/blastoff/crash-engine/internal/fairness"
	"github.com/blastoff/crash-engine/internal/handler"
	"github.com/blastoff/crash-engine/internal/health"
	"github.com/blastoff/crash-engine/internal/indexer"
	"github.com/blastoff/crash-engine/internal/infra"
	"github.com/blastoff/crash-engine/internal/ledger"
	"github.com/blastoff/crash-engine/internal/payout"
	"github.com/blastoff/crash-engine/internal/repository"
	"github.com/blastoff/crash-engine/internal/solvency"
	"github.com/blastoff/crash-engine/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil && err != context.Canceled {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load config
	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	// Connect to Postgres and apply migrations
	pool, err := infra.NewPostgresPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to postgres")

	if err := infra.RunMigrations(cfg.DSN(), logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Chain clients: one signing as the hot wallet, optionally one as house
	node, err := chain.Dial(ctx, cfg.ChainRPCURL, cfg.HotWalletKey)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer node.Close()

	var house chain.Client
	if cfg.HouseWalletKey != "" {
		houseNode, err := chain.Dial(ctx, cfg.ChainRPCURL, cfg.HouseWalletKey)
		if err != nil {
			return fmt.Errorf("dial chain (house): %w", err)
		}
		defer houseNode.Close()
		house = houseNode
	}

	// Repositories
	accountRepo := repository.NewAccountRepository()
	entryRepo := repository.NewEntryRepository()
	roundRepo := repository.NewRoundRepository()
	betRepo := repository.NewBetRepository()
	depositRepo := repository.NewDepositRepository()
	payoutRepo := repository.NewPayoutRepository()
	outboxRepo := repository.NewOutboxRepository()

	// Metrics
	registry := prometheus.NewRegistry()
	metrics := infra.NewMetrics(registry)

	// Core collaborators
	ledgerEngine := ledger.NewEngine(pool, accountRepo, entryRepo, depositRepo, outboxRepo, logger)
	eventBus := bus.New(cfg.ResyncWindow(), metrics, logger)

	fairnessParams := fairness.Params{
		HouseEdgeDivisor: cfg.HouseEdgeDivisor,
		MaxCrash:         cfg.MaxCrash,
	}
	seeds := fairness.NewSeedSource(fairnessParams, cfg.ClientSeed)

	gate := solvency.NewGate(solvency.Policy{
		MaxLiabilityRatio:  cfg.MaxLiabilityRatio,
		EmergencyThreshold: cfg.EmergencyThreshold,
		MinReserve:         cfg.MinReserve(),
		LiabilityCapPPM:    cfg.LiabilityCapPPM,
	}, logger)

	store := engine.NewStore(pool, roundRepo, betRepo, outboxRepo)
	gameEngine := engine.New(engine.Config{
		Fairness:        fairnessParams,
		BettingDuration: cfg.BettingDuration(),
		CashoutDuration: cfg.CashoutDuration(),
		CashoutBuffer:   cfg.CashoutBuffer(),
		BetCooldown:     time.Duration(cfg.BetCooldownMS) * time.Millisecond,
		RequestTimeout:  cfg.RequestTimeoutDuration(),
		MaxBetsPerRound: cfg.MaxBetsPerRound,
		MinBet:          cfg.MinBet(),
		MaxBet:          cfg.MaxBet(),
	}, seeds, ledgerEngine, store, gate, eventBus, metrics, logger)

	depositIndexer := indexer.New(indexer.Config{
		HotWalletAddress: cfg.HotWalletAddress,
		Confirmations:    cfg.Confirmations,
		ReorgBuffer:      cfg.ReorgBuffer,
		ScanBatch:        cfg.ScanBatch,
		GenesisBlock:     cfg.GenesisBlock,
		ScanInterval:     cfg.ScanInterval(),
	}, node, ledgerEngine, pool, depositRepo, eventBus, metrics, logger)

	dispatcher := payout.New(payout.Config{
		HotWalletAddress:   cfg.HotWalletAddress,
		HouseWalletAddress: cfg.HouseWalletAddress,
		MinReserve:         cfg.MinReserve(),
		Interval:           cfg.PayoutInterval(),
		MaxAttempts:        cfg.PayoutMaxAttempts,
	}, node, house, ledgerEngine, pool, payoutRepo, gate, eventBus, metrics, logger)

	checker := health.NewChecker(pool, accountRepo, entryRepo, gate, depositIndexer,
		cfg.IndexerLagCeiling, 30*time.Second, logger)

	// Seed the reserve reading before the first bet can arrive.
	dispatcher.RefreshReserves(ctx)

	// Outbox publishing to Kafka
	producer := infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEnabled, logger)
	defer producer.Close()
	poller := infra.NewOutboxPoller(pool, producer, logger)
	poller.Start(ctx)

	// HTTP surface
	wsHandler := ws.NewHandler(gameEngine, ledgerEngine, eventBus, logger, nil)
	router := handler.NewRouter(handler.RouterDeps{
		Game:       handler.NewGameHandler(gameEngine, fairnessParams),
		Wallet:     handler.NewWalletHandler(ledgerEngine, dispatcher),
		WS:         wsHandler,
		Pool:       pool,
		Chain:      node,
		Gate:       gate,
		Checker:    checker,
		Registry:   registry,
		Logger:     logger,
		CORSOrigin: cfg.CORSAllowedOrigins,
	})

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gameEngine.Run(gctx) })
	g.Go(func() error { return depositIndexer.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return checker.Run(gctx) })
	g.Go(func() error {
		logger.Info("crash server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
