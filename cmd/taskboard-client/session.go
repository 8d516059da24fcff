package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentworkforce/taskboard/internal/clientsync"
	"github.com/agentworkforce/taskboard/internal/localcache"
)

// syncSession wires the cache, engine, connection manager and client for one
// process.
type syncSession struct {
	cache   *localcache.Cache
	engine  *clientsync.Engine
	manager *clientsync.Manager
	client  *clientsync.Client
	logger  log.FieldLogger
}

func openSyncSession(cfg clientConfig, logger log.FieldLogger, reconnect bool) (*syncSession, error) {
	cache, err := localcache.Open(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	engine := clientsync.NewEngine(clientsync.EngineOptions{Cache: cache, Logger: logger})
	manager, err := clientsync.NewManager(clientsync.ManagerOptions{
		Engine:           engine,
		Queue:            cache,
		Dialer:           clientsync.NewWebsocketDialer(cfg.ServerURL, nil),
		Logger:           logger,
		DisableReconnect: !reconnect,
		OnStateChange: func(state clientsync.State) {
			logger.WithField("state", state.String()).Info("connection state changed")
		},
		OnServerError: func(message string) {
			logger.Warnf("server rejected a request: %s", message)
		},
	})
	if err != nil {
		_ = engine.Close()
		_ = cache.Close()
		return nil, err
	}
	return &syncSession{
		cache:   cache,
		engine:  engine,
		manager: manager,
		client:  clientsync.NewClient(engine, manager),
		logger:  logger,
	}, nil
}

// SetIdentity restores the owner's cached board before logging in so the
// board is usable while the server is unreachable.
func (s *syncSession) SetIdentity(ctx context.Context, token string) error {
	owner, err := clientsync.OwnerFromToken(token)
	if err != nil {
		return err
	}
	if s.engine.Owner() != owner {
		// End the previous owner's session first so none of its events land
		// on the restored board.
		if s.manager.Owner() != "" {
			s.manager.Logout()
		}
		s.engine.SetOwner(owner)
		entries, err := s.cache.LoadAllForOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("restore cached board: %w", err)
		}
		s.engine.Restore(entries)
		s.logger.WithFields(log.Fields{"owner": owner, "tasks": len(entries)}).Info("restored cached board")
	}
	return s.manager.SetIdentity(ctx, token)
}

func (s *syncSession) Logout() {
	s.manager.Logout()
}

// loginFromFile reads the token file once.
func (s *syncSession) loginFromFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: token file %s not found", clientsync.ErrNoIdentity, path)
		}
		return err
	}
	err = s.SetIdentity(ctx, strings.TrimSpace(string(raw)))
	if err != nil && !errors.Is(err, clientsync.ErrTransport) {
		return err
	}
	if err != nil {
		s.logger.WithError(err).Warn("server unreachable, working offline")
	}
	return nil
}

// drain waits until the queue is empty or ctx ends. Mutations still queued
// stay in the cache for the next run.
func (s *syncSession) drain(ctx context.Context) int {
	for {
		pending, err := s.manager.Pending(ctx)
		if err != nil || pending == 0 || s.manager.State() != clientsync.StateConnected {
			return pending
		}
		select {
		case <-ctx.Done():
			return pending
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *syncSession) Close() error {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.manager.Close()
	if err := s.engine.Flush(flushCtx); err != nil && !errors.Is(err, clientsync.ErrClosed) {
		s.logger.WithError(err).Warn("flushing local cache failed")
	}
	_ = s.engine.Close()
	return s.cache.Close()
}
