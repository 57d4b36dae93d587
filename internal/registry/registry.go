package registry

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/tick-relay/internal/connection"
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusFailed       Status = "failed"
	StatusUnsubscribed Status = "unsubscribed"
)

// Subscription is the local record of interest in a topic.
type Subscription struct {
	Topic         string
	ID            string
	Destination   string
	Status        Status
	CreatedAt     time.Time
	ActivatedAt   time.Time
	LastMessageAt time.Time
	MessageCount  uint64
	ErrorCount    int
	Metadata      map[string]string
}

// RequestKind distinguishes realization work items.
type RequestKind string

const (
	KindSubscribe   RequestKind = "subscribe"
	KindUnsubscribe RequestKind = "unsubscribe"
)

// Request is one realization work item for the owner loop.
type Request struct {
	Kind        RequestKind
	ID          string
	Topic       string
	Destination string
}

// Config holds registry settings.
type Config struct {
	DestinationPrefix string        // Prepended to topics to form destinations
	AckTimeout        time.Duration // Pending older than this goes Failed
	IdleWindow        time.Duration // Active silence beyond this is flagged
	QueueSize         int           // Realization queue capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DestinationPrefix: "/topic/",
		AckTimeout:        30 * time.Second,
		IdleWindow:        300 * time.Second,
		QueueSize:         1000,
	}
}

// Stats is a registry snapshot.
type Stats struct {
	Active       int
	Pending      int
	Failed       int
	SuccessRate  float64 // Percent of non-pending subscriptions that are Active
	QueueDepth   int
	TotalCreated uint64
}

// Registry owns subscription records and their lifecycle.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	queue chan Request

	mu           sync.RWMutex
	byID         map[string]*Subscription
	byTopic      map[string]string // topic -> id, non-terminal entries only
	totalCreated uint64
}

// New creates a registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan Request, cfg.QueueSize),
		byID:    make(map[string]*Subscription),
		byTopic: make(map[string]string),
	}
}

// RequestSubscribe registers interest in a topic. Idempotent: a topic with a
// Pending or Active subscription returns the existing id without queueing
// new work.
func (r *Registry) RequestSubscribe(topic string) string {
	r.mu.Lock()

	if id, ok := r.byTopic[topic]; ok {
		r.mu.Unlock()
		return id
	}

	id := deriveID(topic)
	sub := &Subscription{
		Topic:       topic,
		ID:          id,
		Destination: r.cfg.DestinationPrefix + topic,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		Metadata:    map[string]string{},
	}
	r.byID[id] = sub
	r.byTopic[topic] = id
	r.totalCreated++
	r.mu.Unlock()

	r.enqueue(Request{
		Kind:        KindSubscribe,
		ID:          id,
		Topic:       topic,
		Destination: sub.Destination,
	})

	r.logger.Debug("subscription requested", "topic", topic, "id", id)
	return id
}

// RequestUnsubscribe queues teardown by topic or id. Absent subscriptions
// are a no-op, so repeated unsubscribes succeed.
func (r *Registry) RequestUnsubscribe(topicOrID string) {
	r.mu.Lock()
	id, ok := r.byTopic[topicOrID]
	if !ok {
		if _, exists := r.byID[topicOrID]; exists {
			id, ok = topicOrID, true
		}
	}
	var topic string
	if ok {
		topic = r.byID[id].Topic
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("unsubscribe for absent subscription", "key", topicOrID)
		return
	}

	r.enqueue(Request{Kind: KindUnsubscribe, ID: id, Topic: topic})
	r.logger.Debug("unsubscribe requested", "topic", topic, "id", id)
}

// Realizations returns the work queue consumed by the owner loop.
func (r *Registry) Realizations() <-chan Request {
	return r.queue
}

// MarkActive transitions a Pending subscription to Active. Called only by
// the connection owner when the subscription is realized upstream.
func (r *Registry) MarkActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok || sub.Status != StatusPending {
		return
	}
	sub.Status = StatusActive
	sub.ActivatedAt = time.Now()
}

// MarkFailed transitions a subscription to Failed and frees its topic so a
// later subscribe can retry.
func (r *Registry) MarkFailed(id string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok || sub.Status == StatusFailed {
		return
	}
	sub.Status = StatusFailed
	sub.ErrorCount++
	delete(r.byTopic, sub.Topic)

	r.logger.Warn("subscription failed", "topic", sub.Topic, "id", id, "reason", reason)
}

// Remove deletes a subscription after teardown completes.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return
	}
	sub.Status = StatusUnsubscribed
	delete(r.byID, id)
	if r.byTopic[sub.Topic] == id {
		delete(r.byTopic, sub.Topic)
	}
}

// RecordMessage bumps traffic counters for the subscription a MESSAGE frame
// arrived on.
func (r *Registry) RecordMessage(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.byID[id]; ok {
		sub.MessageCount++
		sub.LastMessageAt = time.Now()
	}
}

// TopicOf resolves a subscription id back to its topic.
func (r *Registry) TopicOf(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sub, ok := r.byID[id]; ok {
		return sub.Topic, true
	}
	return "", false
}

// MonitorPass ages subscriptions: Pending past the ack timeout goes Failed;
// Active subscriptions with a long silent stretch are only flagged, since
// silence is not necessarily an error. Returns the number timed out.
func (r *Registry) MonitorPass(now time.Time) int {
	type timeout struct{ id, topic string }
	var timedOut []timeout

	r.mu.Lock()
	for id, sub := range r.byID {
		switch sub.Status {
		case StatusPending:
			if now.Sub(sub.CreatedAt) > r.cfg.AckTimeout {
				timedOut = append(timedOut, timeout{id, sub.Topic})
			}
		case StatusActive:
			last := sub.LastMessageAt
			if last.IsZero() {
				last = sub.ActivatedAt
			}
			if now.Sub(last) > r.cfg.IdleWindow {
				r.logger.Warn("subscription idle",
					"topic", sub.Topic,
					"id", id,
					"since", last,
				)
			}
		}
	}
	r.mu.Unlock()

	for _, to := range timedOut {
		r.MarkFailed(to.id, "ack timeout")
	}
	return len(timedOut)
}

// Restorable lists Active subscriptions for replay after a reconnect.
// Pending entries are included too: their SUBSCRIBE may have been lost with
// the old socket.
func (r *Registry) Restorable() []connection.RestoreEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []connection.RestoreEntry
	for _, sub := range r.byID {
		if sub.Status == StatusActive || sub.Status == StatusPending {
			out = append(out, connection.RestoreEntry{
				ID:          sub.ID,
				Destination: sub.Destination,
			})
		}
	}
	return out
}

// ActiveTopics lists topics with an Active subscription.
func (r *Registry) ActiveTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, sub := range r.byID {
		if sub.Status == StatusActive {
			out = append(out, sub.Topic)
		}
	}
	return out
}

// Snapshot copies all current subscription records.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		out = append(out, *sub)
	}
	return out
}

// Stats returns aggregate counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{QueueDepth: len(r.queue), TotalCreated: r.totalCreated}
	for _, sub := range r.byID {
		switch sub.Status {
		case StatusActive:
			s.Active++
		case StatusPending:
			s.Pending++
		case StatusFailed:
			s.Failed++
		}
	}
	if s.Active+s.Failed == 0 {
		s.SuccessRate = 100.0
	} else {
		s.SuccessRate = float64(s.Active) / float64(s.Active+s.Failed) * 100.0
	}
	return s
}

func (r *Registry) enqueue(req Request) {
	select {
	case r.queue <- req:
	default:
		r.logger.Warn("realization queue full, dropping request",
			"kind", req.Kind,
			"topic", req.Topic,
		)
	}
}

var idSeq atomic.Uint64

// deriveID builds a subscription id from the topic hash, current millis, and
// a process-wide sequence so ids stay unique within one millisecond.
func deriveID(topic string) string {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return fmt.Sprintf("sub_%08x_%d_%d", h.Sum32(), time.Now().UnixMilli(), idSeq.Add(1))
}
