package mux

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/tick-relay/internal/model"
)

// Upstream is the connection surface the multiplexer drives. One mux serves
// one credential set; running a single relay per credential set is a
// deployment convention, not an enforced lease.
type Upstream interface {
	// SubscribeTopic realizes an upstream subscription for the topic.
	SubscribeTopic(topic string) error

	// UnsubscribeTopic tears down the topic's upstream subscription.
	UnsubscribeTopic(topic string) error

	// IdleClose is called when no topics remain at all.
	IdleClose()
}

// Subscriber receives ticks for topics it joined. A Deliver error removes
// the subscriber.
type Subscriber interface {
	ID() string
	Deliver(tick model.Tick) error
}

// subscriberFunc adapts a function to the Subscriber interface.
type subscriberFunc struct {
	id string
	fn func(model.Tick) error
}

func (s subscriberFunc) ID() string                    { return s.id }
func (s subscriberFunc) Deliver(tick model.Tick) error { return s.fn(tick) }

// SubscriberFunc wraps a delivery function as a Subscriber.
func SubscriberFunc(id string, fn func(model.Tick) error) Subscriber {
	return subscriberFunc{id: id, fn: fn}
}

// Stats is a multiplexer snapshot.
type Stats struct {
	Topics         int
	Subscribers    int
	Delivered      uint64
	DeliveryErrors uint64
}

// Mux fans ticks out to downstream subscribers over shared upstream
// subscriptions. All mutations serialize through one mutex.
type Mux struct {
	upstream Upstream
	logger   *slog.Logger

	delivered      atomic.Uint64
	deliveryErrors atomic.Uint64

	mu      sync.Mutex
	topics  map[string]map[string]Subscriber // topic -> client id -> subscriber
	clients map[string]map[string]struct{}   // client id -> topics
}

// New creates a multiplexer over the given upstream.
func New(upstream Upstream, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		upstream: upstream,
		logger:   logger,
		topics:   make(map[string]map[string]Subscriber),
		clients:  make(map[string]map[string]struct{}),
	}
}

// AddSubscriber joins a client to a topic. The first subscriber for a topic
// issues the upstream subscribe before registering; if that fails, nothing
// is registered.
func (m *Mux) AddSubscriber(clientID, topic string, sub Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[topic]; !ok {
		if err := m.upstream.SubscribeTopic(topic); err != nil {
			return fmt.Errorf("upstream subscribe %s: %w", topic, err)
		}
		m.topics[topic] = make(map[string]Subscriber)
	}

	m.topics[topic][clientID] = sub

	if _, ok := m.clients[clientID]; !ok {
		m.clients[clientID] = make(map[string]struct{})
	}
	m.clients[clientID][topic] = struct{}{}

	m.logger.Debug("subscriber added",
		"client", clientID,
		"topic", topic,
		"topic_subscribers", len(m.topics[topic]),
	)
	return nil
}

// RemoveSubscriber removes a client from the given topics, or from all of
// its topics when none are named. Emptied topics are torn down upstream,
// and the upstream is idle-closed when no topics remain at all.
func (m *Mux) RemoveSubscriber(clientID string, topics ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(topics) == 0 {
		for topic := range m.clients[clientID] {
			topics = append(topics, topic)
		}
	}
	for _, topic := range topics {
		m.removeLocked(clientID, topic)
	}
}

// removeLocked drops one (client, topic) membership. Caller holds m.mu.
func (m *Mux) removeLocked(clientID, topic string) {
	subs, ok := m.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[clientID]; !ok {
		return
	}
	delete(subs, clientID)

	if set, ok := m.clients[clientID]; ok {
		delete(set, topic)
		if len(set) == 0 {
			delete(m.clients, clientID)
		}
	}

	if len(subs) == 0 {
		delete(m.topics, topic)
		if err := m.upstream.UnsubscribeTopic(topic); err != nil {
			m.logger.Warn("upstream unsubscribe failed", "topic", topic, "error", err)
		}
		if len(m.topics) == 0 {
			m.logger.Info("no topics remain, closing idle upstream")
			m.upstream.IdleClose()
		}
	}
}

// Dispatch delivers a tick to every subscriber of the topic. Delivery runs
// on a snapshot; any subscriber whose Deliver fails is removed before
// Dispatch returns, including upstream teardown if that emptied the topic.
func (m *Mux) Dispatch(topic string, tick model.Tick) {
	m.mu.Lock()
	subs := m.topics[topic]
	snapshot := make(map[string]Subscriber, len(subs))
	for id, s := range subs {
		snapshot[id] = s
	}
	m.mu.Unlock()

	var failed []string
	for clientID, sub := range snapshot {
		if err := sub.Deliver(tick); err != nil {
			m.deliveryErrors.Add(1)
			m.logger.Warn("delivery failed, removing subscriber",
				"client", clientID,
				"topic", topic,
				"error", err,
			)
			failed = append(failed, clientID)
			continue
		}
		m.delivered.Add(1)
	}

	if len(failed) > 0 {
		m.mu.Lock()
		for _, clientID := range failed {
			m.removeLocked(clientID, topic)
		}
		m.mu.Unlock()
	}
}

// HasTopic reports whether the topic currently has an upstream subscription.
func (m *Mux) HasTopic(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topic]
	return ok
}

// Stats returns a snapshot.
func (m *Mux) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := 0
	for _, set := range m.topics {
		subs += len(set)
	}
	return Stats{
		Topics:         len(m.topics),
		Subscribers:    subs,
		Delivered:      m.delivered.Load(),
		DeliveryErrors: m.deliveryErrors.Load(),
	}
}
