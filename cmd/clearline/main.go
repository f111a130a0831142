package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/clearline-hq/clearline/internal/auth"
	"github.com/clearline-hq/clearline/internal/chain/ethereum"
	"github.com/clearline-hq/clearline/internal/config"
	"github.com/clearline-hq/clearline/internal/consensus"
	"github.com/clearline-hq/clearline/internal/custody"
	"github.com/clearline-hq/clearline/internal/engine"
	"github.com/clearline-hq/clearline/internal/evaluator"
	"github.com/clearline-hq/clearline/internal/model"
	"github.com/clearline-hq/clearline/internal/reconcile"
	"github.com/clearline-hq/clearline/internal/reputation"
	"github.com/clearline-hq/clearline/internal/risk"
	"github.com/clearline-hq/clearline/internal/server"
	"github.com/clearline-hq/clearline/internal/settlement"
	"github.com/clearline-hq/clearline/internal/storage"
	"github.com/clearline-hq/clearline/internal/store"
	"github.com/clearline-hq/clearline/internal/store/memory"
	"github.com/clearline-hq/clearline/internal/telemetry"
	"github.com/clearline-hq/clearline/internal/treasury"
	"github.com/clearline-hq/clearline/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CLEARLINE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("clearline starting", "version", version, "port", cfg.Port, "rail", cfg.Rail)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Pick the store backend. Postgres when DATABASE_URL is set, in-memory
	// otherwise.
	var st store.Store
	var ping func(ctx context.Context) error
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		st = db
		ping = db.Ping
		logger.Info("store: postgres")
	} else {
		st = memory.New()
		logger.Warn("store: in-memory (no DATABASE_URL, not for production)")
	}

	// Ensure the treasury pool exists so the allocator has a position to
	// manage. Funding it is an operational step.
	if _, err := st.LoadPosition(ctx, cfg.PoolID); errors.Is(err, store.ErrNotFound) {
		if err := st.SavePosition(ctx, model.TreasuryPosition{
			PoolID:             cfg.PoolID,
			TargetReserveRatio: cfg.TargetReserveRatio,
			MinReserveRatio:    cfg.MinReserveRatio,
		}); err != nil {
			return fmt.Errorf("seed treasury pool: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load treasury pool: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	keyring := auth.NewKeyring(cfg.APIKeyHashes, cfg.Operators)

	// Settlement rail.
	var rail settlement.Client
	if cfg.Rail == "ethereum" {
		ethClient, err := ethereum.NewClient(ctx, ethereum.Config{
			RPCURL:        cfg.EthRPCURL,
			PrivateKeyHex: cfg.EthPrivateKey,
			ChainID:       cfg.EthChainID,
			GasLimit:      cfg.EthGasLimit,
		})
		if err != nil {
			return fmt.Errorf("ethereum: %w", err)
		}
		rail = ethClient
		logger.Info("rail: ethereum", "rpc", cfg.EthRPCURL)
	} else {
		rail = settlement.NewSimClient(0)
		logger.Warn("rail: simulated (not for production)")
	}

	// Velocity tracker: Redis when configured, in-memory otherwise.
	var velocity risk.VelocityTracker
	if cfg.RedisURL != "" {
		tracker, err := risk.NewRedisTracker(ctx, cfg.RedisURL, time.Hour)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer tracker.Close()
		velocity = tracker
		logger.Info("velocity tracker: redis")
	} else {
		velocity = risk.NewMemoryTracker(time.Hour)
		logger.Info("velocity tracker: in-memory")
	}

	// AI risk scorer (optional).
	var scorer risk.Scorer
	if cfg.RiskAIURL != "" {
		scorer = risk.NewHTTPScorer(cfg.RiskAIURL, cfg.RiskAIKey, cfg.RiskAIBudget)
		logger.Info("risk scorer: http", "url", cfg.RiskAIURL)
	} else {
		logger.Info("risk scorer: disabled, rule-based signals only")
	}

	// Custody drift checks (optional).
	var custodyClient custody.Client
	if cfg.CustodyURL != "" {
		custodyClient = custody.NewHTTPClient(cfg.CustodyURL, cfg.CustodyAPIKey, 5*time.Second)
	}

	riskCfg := risk.DefaultConfig()
	riskCfg.AIBudget = cfg.RiskAIBudget
	riskAgg := risk.NewAggregator(scorer, velocity, nil, riskCfg, logger)
	evaluators := []evaluator.Evaluator{
		evaluator.NewIdentityEvaluator(cfg.SupportedCurrencies),
		evaluator.NewLiquidityEvaluator(custodyClient, logger),
		riskAgg,
		evaluator.NewFeasibilityEvaluator(rail, decimal.Zero, decimal.Zero),
	}
	cons, err := consensus.New(evaluators, consensus.Config{
		EvaluatorTimeout: cfg.EvaluatorTimeout,
		Quorum:           cfg.Quorum,
	}, logger)
	if err != nil {
		return fmt.Errorf("consensus: %w", err)
	}

	// Yield source.
	var yield treasury.YieldClient
	if cfg.YieldAPIURL != "" {
		yield = treasury.NewHTTPYieldClient(cfg.YieldAPIURL, cfg.YieldAPIKey, cfg.WithdrawTimeout)
		logger.Info("yield source: http", "url", cfg.YieldAPIURL)
	} else {
		yield = treasury.NewSimYieldClient(decimal.Zero, 0.04)
		logger.Warn("yield source: simulated (not for production)")
	}
	allocator := treasury.NewAllocator(st, yield, treasury.Config{
		WithdrawTimeout: cfg.WithdrawTimeout,
	}, logger)

	// Reconciliation queue: RabbitMQ when configured, in-process otherwise.
	var queue reconcile.Queue
	if cfg.AMQPURL != "" {
		rq, err := reconcile.NewRabbitQueue(reconcile.RabbitConfig{URL: cfg.AMQPURL})
		if err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}
		defer rq.Close()
		queue = rq
		logger.Info("reconcile queue: rabbitmq")
	} else {
		mq := reconcile.NewMemoryQueue(256)
		defer mq.Close()
		queue = mq
		logger.Info("reconcile queue: in-process")
	}

	settlementCfg := settlement.DefaultConfig()
	settlementCfg.MaxAttempts = cfg.SettlementMaxAttempts
	settlementCfg.ConfirmWithin = cfg.SettlementConfirmWithin
	executor := settlement.NewExecutor(st, rail, allocator, queue, settlementCfg, logger)

	outcomes := reputation.NewUpdater(st, reputation.Config{
		CreditCeiling: decimal.NewFromInt(cfg.CreditCeiling),
	}, logger)

	reconciler := settlement.NewReconciler(st, rail, allocator, queue, outcomes, settlement.ReconcilerConfig{
		PollInterval: cfg.ReconcilePollInterval,
		MaxAge:       cfg.ReconcileMaxAge,
	}, logger)

	pipeline := engine.NewPipeline(st, cons, allocator, executor, outcomes, riskAgg, engine.Config{
		PoolID: cfg.PoolID,
	}, logger)

	handlers := server.NewHandlers(server.HandlersDeps{
		Store:               st,
		Processor:           pipeline,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Ping:                ping,
		Logger:              logger,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	srv := server.New(server.Config{
		Handlers:     handlers,
		JWTMgr:       jwtMgr,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Reconciler worker: sweeps orphaned submissions, then consumes the
	// queue until shutdown.
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		if err := reconciler.Run(ctx); err != nil {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting HTTP first so no new settlements
	// start, then let the reconciler drain.
	slog.Info("clearline shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	select {
	case <-reconcilerDone:
	case <-time.After(10 * time.Second):
		slog.Warn("reconciler did not drain in time")
	}

	return nil
}
