package dist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/tick-relay/internal/model"
)

// Liveness classifies the relay from the age of its health record.
type Liveness string

const (
	LivenessAlive Liveness = "alive"
	LivenessStale Liveness = "stale"
	LivenessDead  Liveness = "dead"
)

// ClientConfig configures the serving-side client.
type ClientConfig struct {
	PollInterval   time.Duration // Command result poll cadence
	CommandTimeout time.Duration // Default command wait
	ReconnectWait  time.Duration // Longer wait for reconnect commands
	HealthCadence  time.Duration // Relay's expected health write interval
}

// DefaultClientConfig returns sensible defaults matching the relay side.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PollInterval:   500 * time.Millisecond,
		CommandTimeout: 30 * time.Second,
		ReconnectWait:  45 * time.Second,
		HealthCadence:  20 * time.Second,
	}
}

// Client is the serving process's view of the distribution layer: point
// reads, push subscriptions, command round-trips, and health. Everything it
// returns is eventually stale by contract and every wait is time-bounded.
type Client struct {
	store  Store
	keys   Keys
	cfg    ClientConfig
	logger *slog.Logger
}

// NewClient creates a serving-side client.
func NewClient(store Store, keys Keys, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, keys: keys, cfg: cfg, logger: logger}
}

// GetTick reads the current cached tick for a symbol. ErrNoTick when the
// cache has nothing (never subscribed, expired, or relay down).
func (c *Client) GetTick(ctx context.Context, symbol string) (model.CachedTick, error) {
	data, err := c.store.Get(ctx, c.keys.Tick(symbol))
	if errors.Is(err, ErrNotFound) {
		return model.CachedTick{}, ErrNoTick
	}
	if err != nil {
		return model.CachedTick{}, fmt.Errorf("read tick %s: %w", symbol, err)
	}

	var tick model.CachedTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return model.CachedTick{}, fmt.Errorf("decode tick %s: %w", symbol, err)
	}
	return tick, nil
}

// SubscribeTicks streams pushed ticks for a symbol into handler until the
// context ends. Undecodable payloads are skipped.
func (c *Client) SubscribeTicks(ctx context.Context, symbol string, handler func(model.CachedTick)) error {
	sub, err := c.store.Subscribe(ctx, c.keys.TickChannel(symbol))
	if err != nil {
		return fmt.Errorf("subscribe ticks %s: %w", symbol, err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var tick model.CachedTick
			if err := json.Unmarshal(payload, &tick); err != nil {
				c.logger.Warn("undecodable tick push", "symbol", symbol, "error", err)
				continue
			}
			handler(tick)
		}
	}
}

// SendCommand publishes a command and polls for its result. A zero timeout
// selects the default for the command type; reconnects wait longer because
// the relay may be mid-backoff. This is a degraded RPC substitute over the
// shared store, not a low-latency path.
func (c *Client) SendCommand(ctx context.Context, cmd model.Command, timeout time.Duration) (model.CommandResult, error) {
	if timeout == 0 {
		timeout = c.cfg.CommandTimeout
		if cmd.Type == model.CommandReconnect {
			timeout = c.cfg.ReconnectWait
		}
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return model.CommandResult{}, fmt.Errorf("marshal command: %w", err)
	}
	if err := c.store.Publish(ctx, c.keys.CommandChannel(), payload); err != nil {
		return model.CommandResult{}, fmt.Errorf("publish command: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		data, err := c.store.Get(ctx, c.keys.Result(cmd.CommandID))
		if err == nil {
			var result model.CommandResult
			if err := json.Unmarshal(data, &result); err != nil {
				return model.CommandResult{}, fmt.Errorf("decode command result: %w", err)
			}
			return result, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.CommandResult{}, fmt.Errorf("poll command result: %w", err)
		}

		if time.Now().After(deadline) {
			return model.CommandResult{}, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, cmd.CommandID, timeout)
		}

		select {
		case <-ctx.Done():
			return model.CommandResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health reads the relay's health record and classifies liveness purely
// from elapsed time since the last write: alive within two write cadences,
// dead beyond four and a half, stale in between. A missing key is dead.
func (c *Client) Health(ctx context.Context) (Liveness, model.HealthRecord, error) {
	data, err := c.store.Get(ctx, c.keys.Health())
	if errors.Is(err, ErrNotFound) {
		return LivenessDead, model.HealthRecord{}, nil
	}
	if err != nil {
		return LivenessDead, model.HealthRecord{}, fmt.Errorf("read health: %w", err)
	}

	var record model.HealthRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return LivenessDead, model.HealthRecord{}, fmt.Errorf("decode health: %w", err)
	}

	return c.classify(time.Since(record.WrittenAt)), record, nil
}

func (c *Client) classify(age time.Duration) Liveness {
	switch {
	case age <= 2*c.cfg.HealthCadence:
		return LivenessAlive
	case age <= time.Duration(4.5*float64(c.cfg.HealthCadence)):
		return LivenessStale
	default:
		return LivenessDead
	}
}
