package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transactor.yaml")
	raw := []byte(`
listen: ":9000"
storage:
  driver: sqlite
  sqliteDir: /tmp/ws
session:
  sendQueueSize: 16
  pingInterval: 30s
pipeline:
  maxTriggerDepth: 4
auth:
  tokens:
    - token: t1
      workspace: ws1
      account: alice
      role: GUEST
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TRANSACTOR_LISTEN", ":9100")
	t.Setenv("TRANSACTOR_CACHE_TTL", "5m")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9100" {
		t.Fatalf("env should override file, got %s", cfg.Listen)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLiteDir != "/tmp/ws" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if cfg.Session.SendQueueSize != 16 || cfg.Session.PingInterval != 30*time.Second {
		t.Fatalf("session: %+v", cfg.Session)
	}
	if cfg.Session.HangTimeout != 5*time.Minute {
		t.Fatalf("defaults should survive partial file, got %v", cfg.Session.HangTimeout)
	}
	if cfg.Pipeline.MaxTriggerDepth != 4 || cfg.Pipeline.CacheTTL != 5*time.Minute {
		t.Fatalf("pipeline: %+v", cfg.Pipeline)
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0].Role != "GUEST" {
		t.Fatalf("auth: %+v", cfg.Auth)
	}
}

func TestEnvErrors(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"TRANSACTOR_SEND_QUEUE_SIZE": "many",
		"TRANSACTOR_HANG_TIMEOUT":    "soon",
	}
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err == nil {
		t.Fatalf("expected parse errors")
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "mongo"
	cfg.Queue.Driver = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := Default()
	cfg.Auth.Tokens = []TokenGrant{{Token: "a"}}
	cp := cfg.Clone()
	cp.Auth.Tokens[0].Token = "b"
	if cfg.Auth.Tokens[0].Token != "a" {
		t.Fatalf("clone shares token slice")
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Storage.PostgresDSN = "postgres://user:pw@db/transactor"
	cfg.Blob.S3.SecretAccessKey = "secret"
	cfg.Auth.Tokens = []TokenGrant{{Token: "t1", Account: "alice"}}

	red := cfg.Redacted()
	if red.Storage.PostgresDSN != "***" || red.Blob.S3.SecretAccessKey != "***" || red.Auth.Tokens[0].Token != "***" {
		t.Fatalf("secrets not masked: %+v", red)
	}
	if red.Auth.Tokens[0].Account != "alice" {
		t.Fatalf("account should be kept")
	}
	if cfg.Auth.Tokens[0].Token != "t1" || cfg.Storage.PostgresDSN == "***" {
		t.Fatalf("redaction changed the source config")
	}
	if Default().Redacted().Blob.S3.SecretAccessKey != "" {
		t.Fatalf("empty values should stay empty")
	}
}
