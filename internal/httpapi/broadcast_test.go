package httpapi

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/agentworkforce/taskboard/internal/board"
	"github.com/agentworkforce/taskboard/internal/protocol"
)

type capturedFrames struct {
	mu     sync.Mutex
	owners []string
	frames []string
}

func (c *capturedFrames) deliver(ownerID string, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners = append(c.owners, ownerID)
	c.frames = append(c.frames, string(frame))
}

func (c *capturedFrames) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestLocalBroadcasterStopsWithContext(t *testing.T) {
	b := NewLocalBroadcaster()
	captured := &capturedFrames{}
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Subscribe(ctx, captured.deliver); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := b.Publish(context.Background(), "u1", []byte(`{"event":"task:deleted","data":{"id":"t1"}}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if captured.len() != 1 || captured.owners[0] != "u1" {
		t.Fatalf("expected synchronous delivery, got %+v", captured.owners)
	}
	cancel()
	eventuallyTrue(t, "unsubscribe", func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.deliver == nil
	})
	_ = b.Publish(context.Background(), "u1", []byte(`{}`))
	if captured.len() != 1 {
		t.Fatalf("expected no delivery after unsubscribe")
	}
}

func TestRedisBroadcasterRoundTrip(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()

	b, err := NewRedisBroadcaster(RedisBroadcasterOptions{Addr: m.Addr(), Channel: "test:events", Logger: nullLogger()})
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	defer b.Close()
	captured := &capturedFrames{}
	if err := b.Subscribe(context.Background(), captured.deliver); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	frame := `{"event":"task:deleted","data":{"id":"t1"}}`
	if err := b.Publish(context.Background(), "u1", []byte(frame)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	eventuallyTrue(t, "redis delivery", func() bool { return captured.len() == 1 })
	captured.mu.Lock()
	defer captured.mu.Unlock()
	if captured.owners[0] != "u1" || captured.frames[0] != frame {
		t.Fatalf("expected frame to survive the envelope, got %q for %q", captured.frames[0], captured.owners[0])
	}
}

func TestNewRedisBroadcasterRequiresAddress(t *testing.T) {
	if _, err := NewRedisBroadcaster(RedisBroadcasterOptions{}); err == nil {
		t.Fatalf("expected missing address to fail")
	}
}

func TestRedisBroadcasterFansOutAcrossInstances(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()

	// Both instances share one task table, as they would with postgres.
	store := board.NewStore()
	urls := make([]string, 2)
	for i := range urls {
		b, err := NewRedisBroadcaster(RedisBroadcasterOptions{Addr: m.Addr(), Logger: nullLogger()})
		if err != nil {
			t.Fatalf("new broadcaster: %v", err)
		}
		urls[i] = startHTTPServer(t, newTestServerWithStore(t, store, ServerConfig{Broadcaster: b}))
	}
	left := dialTestClient(t, urls[0], "u1")
	right := dialTestClient(t, urls[1], "u1")

	left.send(t, &protocol.Add{ID: "t1", Title: "shared"})
	for _, c := range []*testClient{left, right} {
		added := c.expect(t, protocol.EventAdded).(*protocol.Added)
		if added.Task.ID != "t1" {
			t.Fatalf("unexpected added task: %+v", added.Task)
		}
	}
	right.send(t, &protocol.Move{ID: "t1", ToColumn: board.ColumnDone, ToPosition: 0})
	for _, c := range []*testClient{left, right} {
		moved := c.expect(t, protocol.EventMoved).(*protocol.Moved)
		if moved.Task.Column != board.ColumnDone {
			t.Fatalf("unexpected moved task: %+v", moved.Task)
		}
	}
	left.expectSilence(t)
}

func TestPublishFailureFallsBackToLocalDelivery(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	b, err := NewRedisBroadcaster(RedisBroadcasterOptions{Addr: m.Addr(), Logger: nullLogger()})
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	url := startHTTPServer(t, newTestServer(t, ServerConfig{Broadcaster: b}))
	c := dialTestClient(t, url, "u1")
	m.Close()

	start := time.Now()
	c.send(t, &protocol.Add{ID: "t1", Title: "offline redis"})
	added := c.expect(t, protocol.EventAdded).(*protocol.Added)
	if added.Task.ID != "t1" {
		t.Fatalf("unexpected added task: %+v", added.Task)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("fallback took too long")
	}
}

func nullLogger() logrus.FieldLogger {
	logger, _ := logtest.NewNullLogger()
	return logger
}
