package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type serverConfig struct {
	Addr             string
	StoreDSN         string
	JWTSecret        string
	Broadcast        string
	RedisAddr        string
	RedisChannel     string
	SiblingBroadcast bool
	MaxFrameBytes    int64
	SendBuffer       int
	ShutdownTimeout  time.Duration
	LogLevel         string
	LogFormat        string
	LogFile          string
}

func bindServerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("config", "", "optional YAML config file")
	flags.String("addr", ":8080", "listen address")
	flags.String("store-dsn", "memory://", "task table DSN (memory://, sqlite:///path, postgres://...)")
	flags.String("jwt-secret", "dev-secret", "HS256 secret for identity tokens")
	flags.String("broadcast", "local", "broadcast mode: local or redis")
	flags.String("redis-addr", "", "redis host:port or redis:// URL for --broadcast=redis")
	flags.String("redis-channel", "taskboard:events", "redis pub/sub channel")
	flags.Bool("sibling-broadcast", true, "emit task:moved for siblings shifted by a move or delete")
	flags.Int64("max-frame-bytes", 1<<20, "largest accepted websocket frame")
	flags.Int("send-buffer", 256, "queued frames per connection before it is dropped")
	flags.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown limit")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-file", "", "rotate logs into this file instead of stderr")
}

// newViper layers flags over TASKBOARD_* environment variables over the
// optional config file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func loadServerConfig(cmd *cobra.Command) (serverConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return serverConfig{}, err
	}
	cfg := serverConfig{
		Addr:             strings.TrimSpace(v.GetString("addr")),
		StoreDSN:         strings.TrimSpace(v.GetString("store-dsn")),
		JWTSecret:        v.GetString("jwt-secret"),
		Broadcast:        strings.ToLower(strings.TrimSpace(v.GetString("broadcast"))),
		RedisAddr:        strings.TrimSpace(v.GetString("redis-addr")),
		RedisChannel:     strings.TrimSpace(v.GetString("redis-channel")),
		SiblingBroadcast: v.GetBool("sibling-broadcast"),
		MaxFrameBytes:    v.GetInt64("max-frame-bytes"),
		SendBuffer:       v.GetInt("send-buffer"),
		ShutdownTimeout:  v.GetDuration("shutdown-timeout"),
		LogLevel:         v.GetString("log-level"),
		LogFormat:        v.GetString("log-format"),
		LogFile:          strings.TrimSpace(v.GetString("log-file")),
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.StoreDSN == "" {
		cfg.StoreDSN = "memory://"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	switch cfg.Broadcast {
	case "", "local":
		cfg.Broadcast = "local"
	case "redis":
		if cfg.RedisAddr == "" {
			return serverConfig{}, fmt.Errorf("redis-addr is required when broadcast=redis")
		}
	default:
		return serverConfig{}, fmt.Errorf("unsupported broadcast mode: %s", cfg.Broadcast)
	}
	return cfg, nil
}
