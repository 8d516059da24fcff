package clientsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v4"
)

func TestOwnerFromToken(t *testing.T) {
	cases := []struct {
		name    string
		claims  jwt.MapClaims
		want    string
		wantErr bool
	}{
		{name: "user id claim", claims: jwt.MapClaims{"userId": "u1", "sub": "other"}, want: "u1"},
		{name: "subject fallback", claims: jwt.MapClaims{"sub": "u2"}, want: "u2"},
		{name: "blank user id falls back", claims: jwt.MapClaims{"userId": "  ", "sub": "u3"}, want: "u3"},
		{name: "no owner claim", claims: jwt.MapClaims{"email": "a@b"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := OwnerFromToken(testToken(t, tc.claims))
			if tc.wantErr {
				if !errors.Is(err, ErrNoIdentity) {
					t.Fatalf("expected ErrNoIdentity, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected owner %q, got %q", tc.want, got)
			}
		})
	}
}

func TestOwnerFromTokenRejectsGarbage(t *testing.T) {
	if _, err := OwnerFromToken(""); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity for empty token, got %v", err)
	}
	if _, err := OwnerFromToken("not-a-jwt"); err == nil {
		t.Fatalf("expected malformed token to fail")
	}
}

type recordingTarget struct {
	mu      sync.Mutex
	tokens  []string
	logouts int
}

func (r *recordingTarget) SetIdentity(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)
	return nil
}

func (r *recordingTarget) Logout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logouts++
}

func (r *recordingTarget) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens), r.logouts
}

func (r *recordingTarget) lastToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tokens) == 0 {
		return ""
	}
	return r.tokens[len(r.tokens)-1]
}

func TestIdentityWatcherFollowsTokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	first := testToken(t, jwt.MapClaims{"userId": "u1"})
	if err := os.WriteFile(path, []byte(first+"\n"), 0o600); err != nil {
		t.Fatalf("write token failed: %v", err)
	}

	target := &recordingTarget{}
	watcher := NewIdentityWatcher(path, target, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("watcher returned error: %v", err)
		}
	}()

	eventually(t, "initial identity", func() bool { return target.lastToken() == first })

	second := testToken(t, jwt.MapClaims{"userId": "u2"})
	if err := os.WriteFile(path, []byte(second), 0o600); err != nil {
		t.Fatalf("rewrite token failed: %v", err)
	}
	eventually(t, "rotated identity", func() bool { return target.lastToken() == second })

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove token failed: %v", err)
	}
	eventually(t, "logout", func() bool {
		_, logouts := target.counts()
		return logouts == 1
	})
}

func TestIdentityWatcherIgnoresUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	token := testToken(t, jwt.MapClaims{"userId": "u1"})
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		t.Fatalf("write token failed: %v", err)
	}
	target := &recordingTarget{}
	watcher := NewIdentityWatcher(path, target, testLogger())
	watcher.reload(context.Background())
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		t.Fatalf("rewrite token failed: %v", err)
	}
	watcher.reload(context.Background())
	if calls, _ := target.counts(); calls != 1 {
		t.Fatalf("expected one identity call, got %d", calls)
	}
}
