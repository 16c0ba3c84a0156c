package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const creatorHex = "0x000000000000000000000000000000000000c0de"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "relay.json", `{
  "creator": "`+creatorHex+`",
  "secrets": {"relayerHmacSecret": "s3cret"},
  "targets": [{"address": "0x00000000000000000000000000000000000000f1", "kind": "sink"}],
  "timeouts": {"idempotencyWindowSeconds": 30}
}`)
	t.Setenv("ISA_CONFIG_PATH", path)
	t.Setenv("API_HTTP_PORT", "8088")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CreatorAddress() != common.HexToAddress(creatorHex) {
		t.Fatalf("unexpected creator %s", cfg.CreatorAddress().Hex())
	}
	if cfg.File.Secrets.RelayerHMACSecret != "s3cret" {
		t.Fatalf("secret not loaded")
	}
	if cfg.File.Events.Backend != BackendMemory {
		t.Fatalf("expected memory backend by default, got %q", cfg.File.Events.Backend)
	}
	if cfg.Service.HTTPPort != 8088 {
		t.Fatalf("expected env port override, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Service.IdempotencyWindow != 30*time.Second {
		t.Fatalf("unexpected idempotency window %s", cfg.Service.IdempotencyWindow)
	}
	if len(cfg.File.Targets) != 1 || cfg.File.Targets[0].Kind != "sink" {
		t.Fatalf("unexpected targets %+v", cfg.File.Targets)
	}
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
creator: "0x0000000000000000000000000000000000000001"
events:
  backend: sqlite
  path: /tmp/events.db
targets:
  - address: "0x00000000000000000000000000000000000000f2"
    kind: reverter
    reason: "always"
`)
	t.Setenv("ISA_CONFIG_PATH", path)
	t.Setenv("ISA_CREATOR", creatorHex)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.File.Creator != creatorHex {
		t.Fatalf("env creator should win, got %s", cfg.File.Creator)
	}
	if cfg.File.Events.Backend != BackendSQLite || cfg.File.Events.Path != "/tmp/events.db" {
		t.Fatalf("unexpected events config %+v", cfg.File.Events)
	}
	if cfg.File.Targets[0].Reason != "always" {
		t.Fatalf("unexpected target %+v", cfg.File.Targets[0])
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"no creator":   `{}`,
		"bad backend":  `{"creator": "` + creatorHex + `", "events": {"backend": "kafka"}}`,
		"bad target":   `{"creator": "` + creatorHex + `", "targets": [{"address": "nope", "kind": "sink"}]}`,
		"bad kind":     `{"creator": "` + creatorHex + `", "targets": [{"address": "` + creatorHex + `", "kind": "bridge"}]}`,
		"postgres dsn": `{"creator": "` + creatorHex + `", "events": {"backend": "postgres"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("ISA_CONFIG_PATH", writeFile(t, "relay.json", body))
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("ISA_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
