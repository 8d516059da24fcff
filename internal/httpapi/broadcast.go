package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DeliverFunc hands an encoded frame to every local connection of ownerID.
type DeliverFunc func(ownerID string, frame []byte)

// Broadcaster fans authoritative results out to all connections of an owner,
// possibly across server instances.
type Broadcaster interface {
	// Subscribe installs deliver and returns once events published after it
	// returns are guaranteed to reach deliver. Delivery stops when ctx ends.
	Subscribe(ctx context.Context, deliver DeliverFunc) error
	Publish(ctx context.Context, ownerID string, frame []byte) error
	Close() error
}

// LocalBroadcaster delivers in-process only.
type LocalBroadcaster struct {
	mu      sync.RWMutex
	deliver DeliverFunc
}

func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{}
}

func (b *LocalBroadcaster) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.deliver = nil
		b.mu.Unlock()
	}()
	return nil
}

func (b *LocalBroadcaster) Publish(_ context.Context, ownerID string, frame []byte) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver != nil {
		deliver(ownerID, frame)
	}
	return nil
}

func (b *LocalBroadcaster) Close() error {
	b.mu.Lock()
	b.deliver = nil
	b.mu.Unlock()
	return nil
}

const DefaultRedisChannel = "taskboard:events"

type redisEnvelope struct {
	OwnerID string          `json:"ownerId"`
	Frame   json.RawMessage `json:"frame"`
}

// RedisBroadcaster publishes frames on one pub/sub channel so every server
// instance sharing the task table can deliver them to its own connections.
type RedisBroadcaster struct {
	client     *redis.Client
	ownsClient bool
	channel    string
	logger     logrus.FieldLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

type RedisBroadcasterOptions struct {
	// Addr is host:port or a redis:// URL.
	Addr     string
	Password string
	DB       int
	// Client overrides Addr, Password and DB; it is not closed by Close.
	Client  *redis.Client
	Channel string
	Logger  logrus.FieldLogger
}

func NewRedisBroadcaster(opts RedisBroadcasterOptions) (*RedisBroadcaster, error) {
	client := opts.Client
	owns := false
	if client == nil {
		addr := strings.TrimSpace(opts.Addr)
		if addr == "" {
			return nil, errors.New("redis address is required")
		}
		redisOpts, err := redis.ParseURL(addr)
		if err != nil {
			redisOpts = &redis.Options{Addr: addr, Password: opts.Password, DB: opts.DB}
		}
		client = redis.NewClient(redisOpts)
		owns = true
	}
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisBroadcaster{client: client, ownsClient: owns, channel: channel, logger: logger}, nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Receive blocks until the server confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	done := make(chan struct{})
	b.mu.Lock()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.pubsub = pubsub
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env redisEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.WithError(err).Error("unable to parse broadcast")
					continue
				}
				if env.OwnerID == "" || len(env.Frame) == 0 {
					continue
				}
				deliver(env.OwnerID, env.Frame)
			}
		}
	}()
	return nil
}

func (b *RedisBroadcaster) Publish(ctx context.Context, ownerID string, frame []byte) error {
	payload, err := json.Marshal(redisEnvelope{OwnerID: ownerID, Frame: frame})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()
	var errs []error
	if pubsub != nil {
		select {
		case <-done:
		default:
			errs = append(errs, pubsub.Close())
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
		}
	}
	if b.ownsClient {
		errs = append(errs, b.client.Close())
	}
	return errors.Join(errs...)
}
