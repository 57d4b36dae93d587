package dist

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Errors
var (
	ErrNotFound       = errors.New("key not found")
	ErrNoTick         = errors.New("no tick cached for symbol")
	ErrCommandTimeout = errors.New("timed out waiting for command result")
)

const defaultDialTimeout = 5 * time.Second

// Store is the minimal key-value + pub/sub surface the distribution layer
// needs. Production uses Redis; tests use an in-memory fake.
type Store interface {
	// SetEx writes a value with a TTL.
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get reads a value; ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Publish sends a payload on a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a push subscription on a channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases the store.
	Close() error
}

// Subscription is one open pub/sub stream.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Keys derives every key and channel name in the shared contract. Tick keys
// and channels are fixed names readable by any consumer; command and health
// keys are namespaced by prefix so multiple relay deployments can share one
// Redis.
type Keys struct {
	Prefix string
}

// Tick returns the cache key for a symbol's current tick.
func (k Keys) Tick(symbol string) string { return "stock:realtime:" + symbol }

// TickChannel returns the pub/sub channel for a symbol's ticks.
func (k Keys) TickChannel(symbol string) string { return "stock_updates:" + symbol }

// CommandChannel returns the shared command request channel.
func (k Keys) CommandChannel() string { return k.Prefix + ":commands" }

// Result returns the result key for a command id.
func (k Keys) Result(commandID string) string {
	return k.Prefix + ":command_result:" + commandID
}

// Health returns the relay health key.
func (k Keys) Health() string { return k.Prefix + ":health" }

// StoreConfig configures the Redis-backed store.
type StoreConfig struct {
	Addrs    []string
	Password string
	DB       int
}

// redisStore backs Store with a go-redis universal client, so single-node,
// Sentinel, and Cluster deployments all work from config.
type redisStore struct {
	client goredis.UniversalClient
}

// NewRedisStore connects and pings the store.
func NewRedisStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: defaultDialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &redisStore{client: client}, nil
}

func (s *redisStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *redisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *redisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 100)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return &redisSubscription{sub: sub, out: out}, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	sub *goredis.PubSub
	out chan []byte
}

func (r *redisSubscription) Messages() <-chan []byte { return r.out }
func (r *redisSubscription) Close() error            { return r.sub.Close() }
