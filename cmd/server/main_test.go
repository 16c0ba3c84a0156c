package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"isarelay/internal/config"
	"isarelay/internal/escrow"
	"isarelay/internal/events"
	"isarelay/internal/idempotency"
)

func TestBuildRouter(t *testing.T) {
	reverter := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	router, err := buildRouter([]config.TargetConfig{
		{Address: "0x00000000000000000000000000000000000000f0", Kind: "sink", Limit: "10"},
		{Address: reverter.Hex(), Kind: "reverter", Reason: "closed"},
		{Address: "0x00000000000000000000000000000000000000f2", Kind: "payout"},
	})
	require.NoError(t, err)

	_, err = router.Invoke(context.Background(), escrow.Call{To: reverter})
	var rev *escrow.RevertError
	require.ErrorAs(t, err, &rev)
	require.Equal(t, "closed", escrow.DecodeRevertReason(rev.Data))

	_, err = buildRouter([]config.TargetConfig{{Address: reverter.Hex(), Kind: "sink", Limit: "ten"}})
	require.Error(t, err)
}

func TestOpenEventLogBackends(t *testing.T) {
	cfg := &config.AppConfig{}
	log, closeLog, err := openEventLog(context.Background(), cfg)
	require.NoError(t, err)
	closeLog()
	require.IsType(t, &events.MemoryLog{}, log)

	cfg.File.Events.Backend = config.BackendSQLite
	cfg.File.Events.Path = t.TempDir() + "/events.db"
	log, closeLog, err = openEventLog(context.Background(), cfg)
	require.NoError(t, err)
	defer closeLog()
	require.IsType(t, &events.SQLiteLog{}, log)
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "loud"})
	require.Error(t, err)

	logger, err := newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, err := newLogger(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)
	logger.Info("hello", zap.String("component", "test"))
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"msg":"hello"`)
}

func TestOpenStorePrefersLevelDB(t *testing.T) {
	cfg := &config.AppConfig{}
	cfg.Service.IdempotencyLevelDBPath = filepath.Join(t.TempDir(), "idem")
	store, closeStore, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeStore()
	require.IsType(t, &idempotency.LevelDBStore{}, store)

	cfg = &config.AppConfig{}
	cfg.Service.IdempotencyStorePath = filepath.Join(t.TempDir(), "idem.json")
	store, closeStore, err = openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeStore()
	require.IsType(t, &idempotency.FileStore{}, store)
}
