package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/model"
)

func change(id, typ, tenant string) model.StateChange {
	return model.StateChange{
		ID:          id,
		Type:        typ,
		TenantID:    tenant,
		ExecutionID: "exec-1",
		From:        "active",
		To:          "completed",
		Actor:       model.SystemActor,
		OccurredAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMemoryBus_deliversInOrder(t *testing.T) {
	bus := NewMemoryBus(4, nil, zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(10)
	unsubscribe := bus.Subscribe("test", func(_ context.Context, c model.StateChange) {
		mu.Lock()
		got = append(got, c.ID)
		mu.Unlock()
		wg.Done()
	})
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		if err := bus.Publish(context.Background(), change(id, model.EventTaskStateChanged, "t1")); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("delivered = %d, want 10", len(got))
	}
	for i, id := range got {
		if want := string(rune('a' + i)); id != want {
			t.Errorf("got[%d] = %q, want %q", i, id, want)
		}
	}
}

func TestMemoryBus_fanOut(t *testing.T) {
	bus := NewMemoryBus(1, nil, zap.NewNop())
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	for _, name := range []string{"one", "two"} {
		bus.Subscribe(name, func(context.Context, model.StateChange) { wg.Done() })
	}

	if err := bus.Publish(context.Background(), change("c1", model.EventTriggerFired, "t1")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	wg.Wait()
}

func TestMemoryBus_publishDoesNotWaitForSlowHandler(t *testing.T) {
	bus := NewMemoryBus(1, nil, zap.NewNop())
	defer bus.Close()

	block := make(chan struct{})
	var delivered sync.WaitGroup
	delivered.Add(50)
	bus.Subscribe("slow", func(context.Context, model.StateChange) {
		<-block
		delivered.Done()
	})

	done := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 50 && err == nil; i++ {
			err = bus.Publish(context.Background(), change("c", model.EventTaskStateChanged, "t1"))
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish() waited on a blocked handler")
	}
	close(block)
	delivered.Wait()
}

func TestMemoryBus_handlerPublishesToOwnBus(t *testing.T) {
	bus := NewMemoryBus(1, nil, zap.NewNop())
	defer bus.Close()

	// Every change fans out into two more until depth 6: 127 deliveries
	// through a handler that publishes into the bus it is draining.
	const want = 127
	var wg sync.WaitGroup
	wg.Add(want)
	bus.Subscribe("recursive", func(ctx context.Context, c model.StateChange) {
		defer wg.Done()
		if len(c.ID) < 7 {
			_ = bus.Publish(ctx,
				change(c.ID+"a", model.EventTaskStateChanged, "t1"),
				change(c.ID+"b", model.EventTaskStateChanged, "t1"),
			)
		}
	})

	if err := bus.Publish(context.Background(), change("r", model.EventTaskStateChanged, "t1")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recursive publishing stalled the bus")
	}
}

func TestMemoryBus_publishWithCancelledContext(t *testing.T) {
	bus := NewMemoryBus(1, nil, zap.NewNop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, change("c", model.EventTaskStateChanged, "t1")); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish() error = %v, want context canceled", err)
	}
}

func TestMemoryBus_unsubscribeDrainsMailbox(t *testing.T) {
	bus := NewMemoryBus(1, nil, zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	got := 0
	unsubscribe := bus.Subscribe("drain", func(context.Context, model.StateChange) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got++
		mu.Unlock()
	})
	for i := 0; i < 20; i++ {
		_ = bus.Publish(context.Background(), change("c", model.EventTaskStateChanged, "t1"))
	}
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	if got != 20 {
		t.Errorf("delivered before unsubscribe returned = %d, want 20", got)
	}
}

func TestMemoryBus_handlerPanicIsContained(t *testing.T) {
	bus := NewMemoryBus(2, nil, zap.NewNop())
	defer bus.Close()

	done := make(chan struct{})
	calls := 0
	bus.Subscribe("flaky", func(context.Context, model.StateChange) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		close(done)
	})

	ctx := context.Background()
	_ = bus.Publish(ctx, change("c1", model.EventTaskStateChanged, "t1"))
	_ = bus.Publish(ctx, change("c2", model.EventTaskStateChanged, "t1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second change was not delivered after a handler panic")
	}
}

func TestMemoryBus_closedIgnoresPublish(t *testing.T) {
	bus := NewMemoryBus(1, nil, zap.NewNop())
	bus.Close()
	bus.Close()

	if err := bus.Publish(context.Background(), change("c1", model.EventTaskOverdue, "t1")); err != nil {
		t.Errorf("Publish() after Close error = %v, want nil", err)
	}
	unsubscribe := bus.Subscribe("late", func(context.Context, model.StateChange) {})
	unsubscribe()
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, ...model.StateChange) error { return f.err }

func TestMulti(t *testing.T) {
	rec := &Recorder{}
	m := Multi{rec, nil, failingPublisher{err: errors.New("down")}, Nop{}}

	err := m.Publish(context.Background(), change("c1", model.EventExecutionStateChanged, "t1"))
	if err == nil || err.Error() != "down" {
		t.Errorf("Publish() error = %v, want down", err)
	}
	if n := len(rec.Changes()); n != 1 {
		t.Errorf("recorded = %d, want 1 despite the failing publisher", n)
	}
	if n := len(rec.OfType(model.EventTaskOverdue)); n != 0 {
		t.Errorf("OfType(task.overdue) = %d, want 0", n)
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisPublisher_publishesPerTenantChannel(t *testing.T) {
	_, client := newTestRedis(t)
	pub := NewRedisPublisher(client, "acme", nil)
	ctx := context.Background()

	sub := client.Subscribe(ctx, pub.Channel("t1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Receive(subscription) error = %v", err)
	}

	err := pub.Publish(ctx,
		change("c1", model.EventTaskStateChanged, "t1"),
		change("c2", model.EventTaskStateChanged, "t2"),
	)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Channel != "acme:t1" {
			t.Errorf("channel = %q, want acme:t1", msg.Channel)
		}
		var got model.StateChange
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if got.ID != "c1" || got.To != "completed" {
			t.Errorf("payload = %+v, want c1 -> completed", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received on tenant channel")
	}
}

func TestRedisPublisher_defaultPrefixAndHealth(t *testing.T) {
	mr, client := newTestRedis(t)
	pub := NewRedisPublisher(client, "", nil)

	if got := pub.Channel("t9"); got != "complyflow:t9" {
		t.Errorf("Channel() = %q, want complyflow:t9", got)
	}
	if err := pub.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	mr.Close()
	if err := pub.Publish(context.Background(), change("c1", model.EventTriggerFired, "t9")); err == nil {
		t.Error("Publish() with redis down should fail")
	}
}
