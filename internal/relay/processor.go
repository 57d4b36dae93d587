package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rickgao/tick-relay/internal/connection"
	"github.com/rickgao/tick-relay/internal/model"
)

const publishTimeout = 5 * time.Second

// processMessage is the worker-side tick path: extract the symbol, cache
// and publish through Redis, fan out to in-process subscribers, and bump
// the subscription's counters. Workers never mutate registry state beyond
// those counters.
func (s *Service) processMessage(msg connection.InboundMessage) error {
	var head struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(msg.Body, &head); err != nil {
		return fmt.Errorf("decode tick body: %w", err)
	}
	symbol := head.Code
	if symbol == "" {
		// Vendor payloads without a code fall back to the subscribed topic.
		topic, ok := s.registry.TopicOf(msg.SubscriptionID)
		if !ok {
			return fmt.Errorf("tick without symbol on unknown subscription %s", msg.SubscriptionID)
		}
		symbol = topic
	}

	tick := model.Tick{
		Symbol:     symbol,
		Payload:    msg.Body,
		ReceivedAt: msg.ReceivedAt,
	}

	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, publishTimeout)
	defer cancel()

	err := s.publisher.PublishTick(ctx, tick)

	s.mux.Dispatch(symbol, tick)
	s.registry.RecordMessage(msg.SubscriptionID)

	return err
}

// Execute handles one cross-process command. Subscribe and unsubscribe are
// idempotent; repeating either reports success.
func (s *Service) Execute(ctx context.Context, cmd model.Command) model.CommandResult {
	switch cmd.Type {
	case model.CommandSubscribe:
		if cmd.Topic == "" {
			return model.CommandResult{Message: "subscribe requires a topic"}
		}
		id := s.registry.RequestSubscribe(cmd.Topic)
		return model.CommandResult{
			Success: true,
			Message: fmt.Sprintf("subscribed to %s (%s)", cmd.Topic, id),
		}

	case model.CommandUnsubscribe:
		if cmd.Topic == "" {
			return model.CommandResult{Message: "unsubscribe requires a topic"}
		}
		s.registry.RequestUnsubscribe(cmd.Topic)
		return model.CommandResult{
			Success: true,
			Message: fmt.Sprintf("unsubscribed from %s", cmd.Topic),
		}

	case model.CommandGetSubscriptions:
		snapshot := s.registry.Snapshot()
		data, err := json.Marshal(snapshot)
		if err != nil {
			return model.CommandResult{Message: fmt.Sprintf("encode subscriptions: %v", err)}
		}
		return model.CommandResult{
			Success:       true,
			Message:       fmt.Sprintf("%d subscriptions", len(snapshot)),
			Subscriptions: data,
		}

	case model.CommandReconnect:
		s.manager.ForceReconnect()
		return model.CommandResult{Success: true, Message: "reconnect requested"}

	default:
		return model.CommandResult{Message: fmt.Sprintf("unknown command type %q", cmd.Type)}
	}
}
