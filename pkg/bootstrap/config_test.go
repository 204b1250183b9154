package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	data := []byte(`
nodeId: n1
raftAddr: "127.0.0.1:9521"
mgmtAddr: "127.0.0.1:9601"
mgmtProto: http
gatewayAddr: "127.0.0.1:9701"
gatewayOrigins: ["https://app.example.com"]
discoveryKind: static
seeds: "127.0.0.1:7946,127.0.0.1:7947"
bootstrap: true
tickInterval: 25ms
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AERON_NODE_ID", "n2")
	t.Setenv("AERON_GATEWAY_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "n2" {
		t.Fatalf("NodeID = %q, want env override n2", cfg.NodeID)
	}
	if cfg.RaftAddr != "127.0.0.1:9521" {
		t.Fatalf("RaftAddr = %q", cfg.RaftAddr)
	}
	if cfg.TickInterval.Std() != 25*time.Millisecond {
		t.Fatalf("TickInterval = %v, want 25ms", cfg.TickInterval.Std())
	}
	if len(cfg.GatewayOrigins) != 2 || cfg.GatewayOrigins[1] != "https://b.example.com" {
		t.Fatalf("GatewayOrigins = %v", cfg.GatewayOrigins)
	}
	if !cfg.Bootstrap {
		t.Fatal("Bootstrap should be true")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty config must not validate")
	}
	cfg = Config{NodeID: "n1", Service: nil}
	if err := cfg.Validate(); err == nil {
		t.Fatal("nil Service must not validate")
	}
}
