package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/taskboard/internal/board"
	"github.com/agentworkforce/taskboard/internal/httpapi"
	"github.com/agentworkforce/taskboard/internal/logging"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskboard",
		Short:         "Authoritative task board server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServerConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	bindServerFlags(cmd)
	return cmd
}

func serve(ctx context.Context, cfg serverConfig) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "dev-secret" {
		logger.Warn("using the development JWT secret; set TASKBOARD_JWT_SECRET in production")
	}

	table, err := board.BuildTaskTableFromDSN(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize task table: %w", err)
	}
	store := board.NewStoreWithOptions(board.StoreOptions{Table: table, Logger: logger})
	defer store.Close()

	broadcaster, err := buildBroadcaster(cfg, logger)
	if err != nil {
		return err
	}
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:               cfg.JWTSecret,
		MaxFrameBytes:           cfg.MaxFrameBytes,
		SendBuffer:              cfg.SendBuffer,
		DisableSiblingBroadcast: !cfg.SiblingBroadcast,
		Broadcaster:             broadcaster,
		Logger:                  logger,
	})
	if err := server.Start(ctx); err != nil {
		_ = broadcaster.Close()
		return fmt.Errorf("failed to start broadcaster: %w", err)
	}
	defer server.Close()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"addr": cfg.Addr, "store": board.RedactDSN(cfg.StoreDSN), "broadcast": cfg.Broadcast}).Info("taskboard listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Websocket sessions are hijacked and not covered by Shutdown.
	_ = server.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildBroadcaster(cfg serverConfig, logger log.FieldLogger) (httpapi.Broadcaster, error) {
	if cfg.Broadcast != "redis" {
		return httpapi.NewLocalBroadcaster(), nil
	}
	b, err := httpapi.NewRedisBroadcaster(httpapi.RedisBroadcasterOptions{
		Addr:    cfg.RedisAddr,
		Channel: cfg.RedisChannel,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis broadcaster: %w", err)
	}
	return b, nil
}
