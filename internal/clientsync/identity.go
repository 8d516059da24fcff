package clientsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

// OwnerFromToken reads the owner id from the token's userId claim, falling
// back to sub. The signature is not checked here; the server does that.
func OwnerFromToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoIdentity
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse identity token: %w", err)
	}
	for _, key := range []string{"userId", "sub"} {
		if owner, ok := claims[key].(string); ok && strings.TrimSpace(owner) != "" {
			return strings.TrimSpace(owner), nil
		}
	}
	return "", fmt.Errorf("%w: token carries no userId or sub claim", ErrNoIdentity)
}

// IdentityTarget receives identity transitions.
type IdentityTarget interface {
	SetIdentity(ctx context.Context, token string) error
	Logout()
}

// IdentityWatcher follows a token file: creating or rewriting it logs the
// target in, removing or renaming it away logs the target out.
type IdentityWatcher struct {
	path   string
	target IdentityTarget
	logger logrus.FieldLogger

	current string
}

func NewIdentityWatcher(path string, target IdentityTarget, logger logrus.FieldLogger) *IdentityWatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IdentityWatcher{path: filepath.Clean(path), target: target, logger: logger}
}

// Run applies the current file contents, then follows changes until ctx ends.
func (w *IdentityWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create identity watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so atomic replacements of the file are seen.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.reload(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.reload(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("identity watcher error")
		}
	}
}

func (w *IdentityWatcher) reload(ctx context.Context) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.WithError(err).Warn("reading identity file failed")
			return
		}
		raw = nil
	}
	token := strings.TrimSpace(string(raw))
	if token == w.current {
		return
	}
	w.current = token
	if token == "" {
		w.logger.Info("identity removed, logging out")
		w.target.Logout()
		return
	}
	if err := w.target.SetIdentity(ctx, token); err != nil {
		w.logger.WithError(err).Warn("applying identity failed")
	}
}
