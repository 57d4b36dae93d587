package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/tick-relay/internal/connection"
)

func msg(body string) connection.InboundMessage {
	return connection.InboundMessage{
		SubscriptionID: "sub_1",
		Body:           []byte(body),
		ReceivedAt:     time.Now(),
	}
}

// collectProcessor records processed bodies.
type collectProcessor struct {
	mu     sync.Mutex
	bodies []string
	block  chan struct{} // non-nil: wait before processing
}

func (c *collectProcessor) Process(m connection.InboundMessage) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.bodies = append(c.bodies, string(m.Body))
	c.mu.Unlock()
	return nil
}

func (c *collectProcessor) collected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.bodies))
	copy(out, c.bodies)
	return out
}

func TestPoolProcessesMessages(t *testing.T) {
	proc := &collectProcessor{}
	p := New(Config{Workers: 2, QueueSize: 10}, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	for i := 0; i < 10; i++ {
		p.Dispatch(msg("m"))
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Processed == 10 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.Stats().Processed; got != 10 {
		t.Errorf("processed = %d, want 10", got)
	}
	if got := len(proc.collected()); got != 10 {
		t.Errorf("collected = %d, want 10", got)
	}
}

func TestWorkerOfferDropsOldestNeverBlocks(t *testing.T) {
	w := &worker{queue: make(chan connection.InboundMessage, 3)}

	// No consumer running: offering beyond capacity must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			w.offer(msg(string(rune('0' + i))))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("offer blocked the producer")
	}

	if dropped := w.dropped.Load(); dropped != 7 {
		t.Errorf("dropped = %d, want 7", dropped)
	}

	// Newest three messages survive, oldest were evicted.
	var kept []string
	for len(w.queue) > 0 {
		m := <-w.queue
		kept = append(kept, string(m.Body))
	}
	want := []string{"7", "8", "9"}
	if len(kept) != len(want) {
		t.Fatalf("kept %v, want %v", kept, want)
	}
	for i := range want {
		if kept[i] != want[i] {
			t.Errorf("kept[%d] = %s, want %s", i, kept[i], want[i])
		}
	}
}

func TestProcessorErrorCountedWorkerSurvives(t *testing.T) {
	var n int
	var mu sync.Mutex
	proc := ProcessorFunc(func(m connection.InboundMessage) error {
		mu.Lock()
		n++
		cur := n
		mu.Unlock()
		if cur == 1 {
			return errors.New("bad payload")
		}
		return nil
	})

	p := New(Config{Workers: 1, QueueSize: 10}, proc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	p.Dispatch(msg("a"))
	p.Dispatch(msg("b"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Processed == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := p.Stats()
	if stats.Processed != 2 {
		t.Errorf("processed = %d, want 2 (worker died?)", stats.Processed)
	}
	if stats.Errors != 1 {
		t.Errorf("errors = %d, want 1", stats.Errors)
	}
}

func TestProcessorPanicRecovered(t *testing.T) {
	var mu sync.Mutex
	var calls int
	proc := ProcessorFunc(func(m connection.InboundMessage) error {
		mu.Lock()
		calls++
		cur := calls
		mu.Unlock()
		if cur == 1 {
			panic("corrupt frame")
		}
		return nil
	})

	p := New(Config{Workers: 1, QueueSize: 10}, proc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	p.Dispatch(msg("panics"))
	p.Dispatch(msg("fine"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		c := calls
		mu.Unlock()
		if c == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (worker should survive the panic)", calls)
	}
	if errs := p.Stats().Errors; errs != 1 {
		t.Errorf("errors = %d, want 1", errs)
	}
}

func TestErrorRate(t *testing.T) {
	s := Stats{Processed: 200, Errors: 10}
	if rate := s.ErrorRate(); rate != 5.0 {
		t.Errorf("error rate = %v, want 5", rate)
	}
	if rate := (Stats{}).ErrorRate(); rate != 0 {
		t.Errorf("empty error rate = %v, want 0", rate)
	}
}

func TestBridgeForwardsAndNeverBlocks(t *testing.T) {
	proc := &collectProcessor{}
	p := New(Config{Workers: 1, QueueSize: 100}, proc, nil)
	b := NewBridge(4, p, nil)

	// Pool not started: the bridge queue fills, the producer must not block.
	for i := 0; i < 100; i++ {
		b.Offer(msg("x"))
	}
	if dropped := b.Stats().Dropped; dropped == 0 {
		t.Error("expected drops with no consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	b.Start(ctx)
	defer b.Stop(context.Background())
	defer p.Stop(context.Background())

	b.Offer(msg("after-start"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, body := range proc.collected() {
			if body == "after-start" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bridge never forwarded to the pool")
}
