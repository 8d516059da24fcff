package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type clientConfig struct {
	ServerURL      string
	CachePath      string
	TokenFile      string
	ProbeAddr      string
	ProbeInterval  time.Duration
	ProbeJitter    float64
	ProbeTimeout   time.Duration
	CommandTimeout time.Duration
	LogLevel       string
	LogFormat      string
	LogFile        string
}

func bindClientFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "optional YAML config file")
	flags.String("server-url", "ws://127.0.0.1:8080/v1/ws", "taskboard websocket endpoint")
	flags.String("cache", "", "local cache path (default ~/.taskboard/cache.db)")
	flags.String("token-file", "", "identity token file (default ~/.taskboard/token)")
	flags.String("probe-addr", "", "host:port probed for reachability (default: the server's)")
	flags.Duration("probe-interval", 5*time.Second, "reachability probe interval")
	flags.Float64("probe-jitter", 0.2, "probe interval jitter ratio (0.0-1.0)")
	flags.Duration("probe-timeout", 2*time.Second, "reachability probe timeout")
	flags.Duration("timeout", 10*time.Second, "how long one-shot commands wait for the server")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-file", "", "rotate logs into this file instead of stderr")
}

func loadClientConfig(cmd *cobra.Command) (clientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return clientConfig{}, err
	}
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return clientConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := clientConfig{
		ServerURL:      strings.TrimSpace(v.GetString("server-url")),
		CachePath:      strings.TrimSpace(v.GetString("cache")),
		TokenFile:      strings.TrimSpace(v.GetString("token-file")),
		ProbeAddr:      strings.TrimSpace(v.GetString("probe-addr")),
		ProbeInterval:  v.GetDuration("probe-interval"),
		ProbeJitter:    v.GetFloat64("probe-jitter"),
		ProbeTimeout:   v.GetDuration("probe-timeout"),
		CommandTimeout: v.GetDuration("timeout"),
		LogLevel:       v.GetString("log-level"),
		LogFormat:      v.GetString("log-format"),
		LogFile:        strings.TrimSpace(v.GetString("log-file")),
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "ws://127.0.0.1:8080/v1/ws"
	}
	if cfg.CachePath == "" || cfg.TokenFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return clientConfig{}, fmt.Errorf("resolve home directory: %w", err)
		}
		if cfg.CachePath == "" {
			cfg.CachePath = filepath.Join(home, ".taskboard", "cache.db")
		}
		if cfg.TokenFile == "" {
			cfg.TokenFile = filepath.Join(home, ".taskboard", "token")
		}
	}
	if cfg.ProbeAddr == "" {
		addr, err := probeAddrFromURL(cfg.ServerURL)
		if err != nil {
			return clientConfig{}, err
		}
		cfg.ProbeAddr = addr
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	return cfg, nil
}

func probeAddrFromURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", raw, err)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", raw)
	}
	port := parsed.Port()
	if port == "" {
		switch parsed.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(parsed.Hostname(), port), nil
}
