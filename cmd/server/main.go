package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"isarelay/internal/chain"
	"isarelay/internal/config"
	"isarelay/internal/escrow"
	"isarelay/internal/events"
	"isarelay/internal/idempotency"
	"isarelay/internal/ledger"
	"isarelay/internal/server"
	"isarelay/internal/targets"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeStore()

	eventLog, closeLog, err := openEventLog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	defer closeLog()

	router, err := buildRouter(cfg.File.Targets)
	if err != nil {
		return fmt.Errorf("targets: %w", err)
	}

	mem := ledger.NewMemory()
	registry := escrow.NewRegistry()
	executor := escrow.NewExecutor(registry, mem, router, eventLog, logger)

	deps := server.Deps{
		Executor: executor,
		Balances: mem,
		Events:   eventLog,
		Store:    store,
		Logger:   logger,
	}

	if cfg.Chain.RPCURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
		client, err := chain.Dial(dialCtx, chain.Config{RPCURL: cfg.Chain.RPCURL})
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()
		logger.Info("chain connected", zap.String("chain_id", client.ChainID().String()))
		deps.RPC = client
		deps.Syncer = chain.NewSyncer(client, mem, registry, logger)
	}

	logger.Info("relay configured",
		zap.String("creator", cfg.CreatorAddress().Hex()),
		zap.String("events_backend", cfg.File.Events.Backend),
		zap.Int("targets", len(cfg.File.Targets)),
		zap.Bool("dev_deposits", cfg.Service.DevDeposits),
	)

	apiServer := server.NewServer(cfg, deps)
	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level

	var opts []zap.Option
	if cfg.File != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), rotated, level)
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}
	return zcfg.Build(opts...)
}

func openStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	svc := cfg.Service
	switch {
	case svc.IdempotencyPostgresDSN != "":
		pg, err := idempotency.NewPostgresStore(ctx, svc.IdempotencyPostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case svc.IdempotencyRedisAddr != "":
		rs, err := idempotency.NewRedisStore(ctx, idempotency.RedisConfig{Addr: svc.IdempotencyRedisAddr})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	case svc.IdempotencyLevelDBPath != "":
		ls, err := idempotency.NewLevelDBStore(svc.IdempotencyLevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		return ls, func() { _ = ls.Close() }, nil
	}
	fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}

func openEventLog(ctx context.Context, cfg *config.AppConfig) (events.Log, func(), error) {
	ev := cfg.File.Events
	switch ev.Backend {
	case config.BackendFile:
		log, err := events.NewFileLog(ev.Path)
		return log, func() {}, err
	case config.BackendSQLite:
		log, err := events.OpenSQLiteLog(ev.Path)
		if err != nil {
			return nil, nil, err
		}
		return log, func() { _ = log.Close() }, nil
	case config.BackendPostgres:
		log, err := events.NewPostgresLog(ctx, ev.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return log, log.Close, nil
	default:
		return events.NewMemoryLog(), func() {}, nil
	}
}

func buildRouter(cfgs []config.TargetConfig) (*targets.Router, error) {
	router := targets.NewRouter()
	for _, tc := range cfgs {
		addr := common.HexToAddress(tc.Address)
		switch tc.Kind {
		case "sink":
			sink := targets.Sink{}
			if tc.Limit != "" {
				limit, err := uint256.FromDecimal(tc.Limit)
				if err != nil {
					return nil, fmt.Errorf("sink %s limit: %w", addr.Hex(), err)
				}
				sink.Limit = limit
			}
			router.Register(addr, sink)
		case "reverter":
			router.Register(addr, targets.Reverter{Reason: tc.Reason})
		case "payout":
			router.Register(addr, targets.Payout{})
		default:
			return nil, fmt.Errorf("unknown target kind %q", tc.Kind)
		}
	}
	return router, nil
}
