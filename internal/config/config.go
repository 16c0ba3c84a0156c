package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// FileConfig models the relay configuration file, JSON or YAML.
type FileConfig struct {
	// Creator is the identity every escrow address is derived under.
	Creator string `json:"creator" yaml:"creator"`
	Chain   struct {
		ChainID int64  `json:"chainId" yaml:"chainId"`
		RPCURL  string `json:"rpcUrl" yaml:"rpcUrl"`
	} `json:"chain" yaml:"chain"`
	Secrets struct {
		RelayerHMACSecret string `json:"relayerHmacSecret" yaml:"relayerHmacSecret"`
	} `json:"secrets" yaml:"secrets"`
	Targets []TargetConfig `json:"targets" yaml:"targets"`
	Events  struct {
		Backend     string `json:"backend" yaml:"backend"`
		Path        string `json:"path" yaml:"path"`
		PostgresDSN string `json:"postgresDsn" yaml:"postgresDsn"`
	} `json:"events" yaml:"events"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs" yaml:"rpcTimeoutMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds" yaml:"idempotencyWindowSeconds"`
	} `json:"timeouts" yaml:"timeouts"`
}

// TargetConfig registers a built-in target at an address.
type TargetConfig struct {
	Address string `json:"address" yaml:"address"`
	// Kind is one of sink, reverter, payout.
	Kind   string `json:"kind" yaml:"kind"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	// Limit caps what a sink pulls, as a decimal string.
	Limit string `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// AppConfig ties together the file and the environment-derived values.
type AppConfig struct {
	File    FileConfig
	Service ServiceConfig
	Chain   ChainConfig
	Log     LogConfig
}

type ServiceConfig struct {
	HTTPPort               int
	HMACClockSkew          time.Duration
	IdempotencyWindow      time.Duration
	IdempotencyStorePath   string
	IdempotencyPostgresDSN string
	IdempotencyRedisAddr   string
	IdempotencyLevelDBPath string
	DLQPath                string
	// DevDeposits enables the deposit endpoint that mints into the local ledger.
	DevDeposits bool
}

type ChainConfig struct {
	RPCURL     string
	RPCTimeout time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
	// File, when set, receives a rotated copy of the log stream.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

const (
	defaultConfigPath = "./isarelay.json"
	defaultEventsPath = "isarelay-events.jsonl"
)

// Event log backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var ErrNoCreator = errors.New("creator address is required")

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	path, explicit := os.LookupEnv("ISA_CONFIG_PATH")
	if !explicit || path == "" {
		path = defaultConfigPath
	}

	fileCfg, err := loadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		fileCfg, err = &FileConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	fileCfg.Creator = envOr("ISA_CREATOR", fileCfg.Creator)
	fileCfg.Secrets.RelayerHMACSecret = envOr("RELAYER_HMAC_SECRET", fileCfg.Secrets.RelayerHMACSecret)
	fileCfg.Events.Backend = envOr("EVENTS_BACKEND", fileCfg.Events.Backend)
	fileCfg.Events.Path = envOr("EVENTS_PATH", fileCfg.Events.Path)
	fileCfg.Events.PostgresDSN = envOr("EVENTS_POSTGRES_DSN", fileCfg.Events.PostgresDSN)
	if err := normalize(fileCfg); err != nil {
		return nil, err
	}

	window := fileCfg.Timeouts.IdempotencyWindowSecs
	if window <= 0 {
		window = 3600
	}
	rpcTimeout := fileCfg.Timeouts.RPCTimeoutMs
	if rpcTimeout <= 0 {
		rpcTimeout = 5000
	}

	serviceCfg := ServiceConfig{
		HTTPPort:               envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:          time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:      time.Duration(window) * time.Second,
		IdempotencyStorePath:   envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "isarelay-idem.json")),
		IdempotencyPostgresDSN: envOr("IDEMPOTENCY_POSTGRES_DSN", ""),
		IdempotencyRedisAddr:   envOr("IDEMPOTENCY_REDIS_ADDR", ""),
		IdempotencyLevelDBPath: envOr("IDEMPOTENCY_LEVELDB_PATH", ""),
		DLQPath:                envOr("DLQ_PATH", filepath.Join(os.TempDir(), "isarelay-dlq")),
		DevDeposits:            envOr("DEV_DEPOSITS", "false") == "true",
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", fileCfg.Chain.RPCURL),
		RPCTimeout: time.Duration(rpcTimeout) * time.Millisecond,
	}

	logCfg := LogConfig{
		Level:       envOr("LOG_LEVEL", "info"),
		Development: envOr("LOG_DEVELOPMENT", "false") == "true",
		File:        envOr("LOG_FILE", ""),
		MaxSizeMB:   envOrInt("LOG_MAX_SIZE_MB", 100),
		MaxBackups:  envOrInt("LOG_MAX_BACKUPS", 5),
	}

	return &AppConfig{
		File:    *fileCfg,
		Service: serviceCfg,
		Chain:   chainCfg,
		Log:     logCfg,
	}, nil
}

// CreatorAddress returns the parsed creator identity.
func (c *AppConfig) CreatorAddress() common.Address {
	return common.HexToAddress(c.File.Creator)
}

func normalize(cfg *FileConfig) error {
	if !common.IsHexAddress(cfg.Creator) {
		return ErrNoCreator
	}
	switch cfg.Events.Backend {
	case "":
		cfg.Events.Backend = BackendMemory
	case BackendMemory, BackendFile, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
	if (cfg.Events.Backend == BackendFile || cfg.Events.Backend == BackendSQLite) && cfg.Events.Path == "" {
		cfg.Events.Path = filepath.Join(os.TempDir(), defaultEventsPath)
	}
	if cfg.Events.Backend == BackendPostgres && cfg.Events.PostgresDSN == "" {
		return fmt.Errorf("events backend postgres needs a dsn")
	}
	for i, t := range cfg.Targets {
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("target %d: invalid address %q", i, t.Address)
		}
		switch t.Kind {
		case "sink", "reverter", "payout":
		default:
			return fmt.Errorf("target %d: unknown kind %q", i, t.Kind)
		}
	}
	return nil
}

func loadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cfg)
	default:
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
