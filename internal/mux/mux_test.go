package mux

import (
	"errors"
	"sync"
	"testing"

	"github.com/rickgao/tick-relay/internal/model"
)

// fakeUpstream records subscribe/unsubscribe calls.
type fakeUpstream struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	idleClosed   int
	subscribeErr error
}

func (f *fakeUpstream) SubscribeTopic(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeUpstream) UnsubscribeTopic(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func (f *fakeUpstream) IdleClose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleClosed++
}

func (f *fakeUpstream) counts() (subs, unsubs, idles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed), len(f.unsubscribed), f.idleClosed
}

func okSubscriber(id string) Subscriber {
	return SubscriberFunc(id, func(model.Tick) error { return nil })
}

func tick(symbol string) model.Tick {
	return model.Tick{Symbol: symbol, Payload: []byte(`{}`)}
}

// checkInvariant asserts that a topic has an upstream subscription iff its
// subscriber set is non-empty.
func checkInvariant(t *testing.T, m *Mux, up *fakeUpstream, topic string, wantSubscribers int) {
	t.Helper()
	if has := m.HasTopic(topic); has != (wantSubscribers > 0) {
		t.Errorf("topic %s present=%v with %d subscribers", topic, has, wantSubscribers)
	}
}

func TestRefCounting(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil)

	if err := m.AddSubscriber("c1", "A005930", okSubscriber("c1")); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	checkInvariant(t, m, up, "A005930", 1)

	if err := m.AddSubscriber("c2", "A005930", okSubscriber("c2")); err != nil {
		t.Fatalf("add c2: %v", err)
	}
	checkInvariant(t, m, up, "A005930", 2)

	// One upstream subscribe despite two subscribers.
	if subs, _, _ := up.counts(); subs != 1 {
		t.Errorf("upstream subscribes = %d, want 1", subs)
	}

	m.RemoveSubscriber("c1", "A005930")
	checkInvariant(t, m, up, "A005930", 1)
	if _, unsubs, _ := up.counts(); unsubs != 0 {
		t.Errorf("premature upstream unsubscribe")
	}

	m.RemoveSubscriber("c2", "A005930")
	checkInvariant(t, m, up, "A005930", 0)
	if _, unsubs, _ := up.counts(); unsubs != 1 {
		t.Errorf("upstream unsubscribes = %d, want 1", unsubs)
	}
}

func TestIdleCloseWhenNoTopicsRemain(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil)

	m.AddSubscriber("c1", "T1", okSubscriber("c1"))
	m.AddSubscriber("c1", "T2", okSubscriber("c1"))

	m.RemoveSubscriber("c1", "T1")
	if _, _, idles := up.counts(); idles != 0 {
		t.Error("idle close fired with a topic still live")
	}

	m.RemoveSubscriber("c1", "T2")
	if _, _, idles := up.counts(); idles != 1 {
		t.Errorf("idle closes = %d, want 1", idles)
	}
}

func TestRemoveSubscriberAllTopics(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil)

	m.AddSubscriber("c1", "T1", okSubscriber("c1"))
	m.AddSubscriber("c1", "T2", okSubscriber("c1"))
	m.AddSubscriber("c2", "T1", okSubscriber("c2"))

	// No topics named: drop every membership for the client.
	m.RemoveSubscriber("c1")

	checkInvariant(t, m, up, "T1", 1) // c2 keeps T1 alive
	checkInvariant(t, m, up, "T2", 0)

	stats := m.Stats()
	if stats.Topics != 1 || stats.Subscribers != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSubscribeFailureRegistersNothing(t *testing.T) {
	up := &fakeUpstream{subscribeErr: errors.New("not connected")}
	m := New(up, nil)

	if err := m.AddSubscriber("c1", "T1", okSubscriber("c1")); err == nil {
		t.Fatal("expected error")
	}
	if m.HasTopic("T1") {
		t.Error("failed subscribe left the topic registered")
	}
	if stats := m.Stats(); stats.Subscribers != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDispatch(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil)

	var mu sync.Mutex
	var got []string
	deliver := func(id string) Subscriber {
		return SubscriberFunc(id, func(tk model.Tick) error {
			mu.Lock()
			got = append(got, id+":"+tk.Symbol)
			mu.Unlock()
			return nil
		})
	}

	m.AddSubscriber("c1", "A005930", deliver("c1"))
	m.AddSubscriber("c2", "A005930", deliver("c2"))
	m.AddSubscriber("c3", "A000660", deliver("c3"))

	m.Dispatch("A005930", tick("A005930"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("deliveries = %v, want 2 for A005930 only", got)
	}
	for _, g := range got {
		if g != "c1:A005930" && g != "c2:A005930" {
			t.Errorf("unexpected delivery %s", g)
		}
	}
}

func TestFailingSubscriberRemovedSamePass(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil)

	bad := SubscriberFunc("bad", func(model.Tick) error {
		return errors.New("consumer gone")
	})
	m.AddSubscriber("bad", "T1", bad)

	m.Dispatch("T1", tick("T1"))

	// Removal happened inside the dispatch pass: the topic emptied, so the
	// upstream subscription is gone too.
	checkInvariant(t, m, up, "T1", 0)
	if _, unsubs, _ := up.counts(); unsubs != 1 {
		t.Errorf("upstream unsubscribes = %d, want 1", unsubs)
	}
	if stats := m.Stats(); stats.DeliveryErrors != 1 {
		t.Errorf("delivery errors = %d, want 1", stats.DeliveryErrors)
	}

	// Later dispatches are a no-op, not a panic.
	m.Dispatch("T1", tick("T1"))
}

func TestFailingSubscriberDoesNotAffectOthers(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil)

	var delivered int
	var mu sync.Mutex
	good := SubscriberFunc("good", func(model.Tick) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	bad := SubscriberFunc("bad", func(model.Tick) error {
		return errors.New("boom")
	})

	m.AddSubscriber("good", "T1", good)
	m.AddSubscriber("bad", "T1", bad)

	m.Dispatch("T1", tick("T1"))
	m.Dispatch("T1", tick("T1"))

	mu.Lock()
	defer mu.Unlock()
	if delivered != 2 {
		t.Errorf("good subscriber deliveries = %d, want 2", delivered)
	}
	checkInvariant(t, m, up, "T1", 1)
}
