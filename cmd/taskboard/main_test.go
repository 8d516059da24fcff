package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/taskboard/internal/httpapi"
)

func parseServerConfig(t *testing.T, args ...string) (serverConfig, error) {
	t.Helper()
	cmd := newRootCmd()
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return loadServerConfig(cmd)
}

func TestServerConfigDefaults(t *testing.T) {
	cfg, err := parseServerConfig(t)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.StoreDSN != "memory://" || cfg.Broadcast != "local" || !cfg.SiblingBroadcast {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("expected 10s shutdown timeout, got %s", cfg.ShutdownTimeout)
	}
}

func TestServerConfigReadsEnvironment(t *testing.T) {
	t.Setenv("TASKBOARD_ADDR", ":9999")
	t.Setenv("TASKBOARD_STORE_DSN", "sqlite:///tmp/board.db")
	t.Setenv("TASKBOARD_SIBLING_BROADCAST", "false")
	cfg, err := parseServerConfig(t)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.StoreDSN != "sqlite:///tmp/board.db" || cfg.SiblingBroadcast {
		t.Fatalf("expected environment to apply, got %+v", cfg)
	}
}

func TestServerConfigFlagsBeatEnvironment(t *testing.T) {
	t.Setenv("TASKBOARD_ADDR", ":9999")
	cfg, err := parseServerConfig(t, "--addr", ":7000")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("expected flag to win, got %s", cfg.Addr)
	}
}

func TestServerConfigReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskboard.yaml")
	content := "addr: \":6000\"\nbroadcast: redis\nredis-addr: \"127.0.0.1:6379\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := parseServerConfig(t, "--config", path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":6000" || cfg.Broadcast != "redis" || cfg.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("expected config file values, got %+v", cfg)
	}
}

func TestServerConfigValidatesBroadcast(t *testing.T) {
	if _, err := parseServerConfig(t, "--broadcast", "redis"); err == nil {
		t.Fatalf("expected redis without address to fail")
	}
	if _, err := parseServerConfig(t, "--broadcast", "kafka"); err == nil {
		t.Fatalf("expected unknown broadcast mode to fail")
	}
}

func TestBuildBroadcaster(t *testing.T) {
	logger := logrus.New()
	local, err := buildBroadcaster(serverConfig{Broadcast: "local"}, logger)
	if err != nil {
		t.Fatalf("build local broadcaster: %v", err)
	}
	if _, ok := local.(*httpapi.LocalBroadcaster); !ok {
		t.Fatalf("expected local broadcaster, got %T", local)
	}

	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	remote, err := buildBroadcaster(serverConfig{Broadcast: "redis", RedisAddr: m.Addr()}, logger)
	if err != nil {
		t.Fatalf("build redis broadcaster: %v", err)
	}
	defer remote.Close()
	if _, ok := remote.(*httpapi.RedisBroadcaster); !ok {
		t.Fatalf("expected redis broadcaster, got %T", remote)
	}
}
