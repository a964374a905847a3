package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEventEmitterDeliversAfterEmitReturns(t *testing.T) {
	emitter := NewEventEmitter[string, int](nil)

	var lock sync.Mutex
	calls := 0
	emitter.On("tick", NewListener(func(int) {
		lock.Lock()
		calls++
		lock.Unlock()
	}))

	// An inline delivery would deadlock on lock.
	lock.Lock()
	emitter.Emit("tick", 1)
	observed := calls
	lock.Unlock()

	if observed != 0 {
		t.Fatalf("expected no inline delivery, got %d calls", observed)
	}
	emitter.Flush()

	lock.Lock()
	defer lock.Unlock()
	if calls != 1 {
		t.Fatalf("expected one call after flush, got %d", calls)
	}
}

func TestEventEmitterOrderAndCatchAll(t *testing.T) {
	emitter := NewEventEmitter[string, int](nil)

	var order []string
	emitter.On("a", NewListener(func(int) { order = append(order, "a1") }))
	emitter.OnAny(NewListener(func(int) { order = append(order, "any") }))
	emitter.On("a", NewListener(func(int) { order = append(order, "a2") }))
	emitter.On("b", NewListener(func(int) { order = append(order, "b") }))

	emitter.Emit("a", 1)
	emitter.Emit("b", 2)
	emitter.Flush()

	expected := []string{"a1", "any", "a2", "any", "b"}
	if len(order) != len(expected) {
		t.Fatalf("unexpected delivery order %v", order)
	}
	for index := range expected {
		if order[index] != expected[index] {
			t.Fatalf("unexpected delivery order %v", order)
		}
	}
}

func TestEventEmitterIsolatesPanickingListener(t *testing.T) {
	emitter := NewEventEmitter[string, int](nil)
	panics := 0
	emitter.onPanic = func(interface{}) { panics++ }

	first, third := 0, 0
	emitter.On("x", NewListener(func(int) { first++ }))
	emitter.On("x", NewListener(func(int) { panic("listener failure") }))
	emitter.On("x", NewListener(func(int) { third++ }))

	emitter.Emit("x", 1)
	emitter.Emit("x", 2)
	emitter.Flush()

	if first != 2 || third != 2 {
		t.Fatalf("expected surviving listeners to run twice, got first=%d third=%d", first, third)
	}
	if panics != 2 {
		t.Fatalf("expected two recorded panics, got %d", panics)
	}
}

func TestEventEmitterOffVariants(t *testing.T) {
	emitter := NewEventEmitter[string, int](nil)

	counts := map[string]int{}
	shared := NewListener(func(int) { counts["shared"]++ })
	other := NewListener(func(int) { counts["other"]++ })

	emitter.On("a", shared)
	emitter.On("b", shared)
	emitter.OnAny(shared)
	emitter.On("a", other)

	emitter.Off("a", shared)
	emitter.Emit("a", 1)
	emitter.Flush()
	if counts["shared"] != 1 || counts["other"] != 1 {
		t.Fatalf("Off(event, listener) should remove only that pairing, got %v", counts)
	}

	emitter.OffListener(shared)
	emitter.Emit("b", 1)
	emitter.Emit("a", 1)
	emitter.Flush()
	if counts["shared"] != 1 || counts["other"] != 2 {
		t.Fatalf("OffListener should remove every registration of listener, got %v", counts)
	}

	emitter.OffAll()
	if emitter.ListenerCount() != 0 {
		t.Fatalf("expected no listeners after OffAll, got %d", emitter.ListenerCount())
	}
	emitter.Emit("a", 1)
	emitter.Flush()
	if counts["other"] != 2 {
		t.Fatalf("expected no deliveries after OffAll, got %v", counts)
	}
}

func TestEventEmitterIgnoresInvalidListener(t *testing.T) {
	emitter := NewEventEmitter[string, int](nil)
	emitter.On("a", nil)
	emitter.OnAny(&Listener[int]{})
	if emitter.ListenerCount() != 0 {
		t.Fatalf("expected invalid listeners to be ignored")
	}
}

func TestWaiterResolvesOnceForMatchingEvent(t *testing.T) {
	emitter := NewEventEmitter[string, int](nil)
	waiter := emitter.Once("done")

	emitter.Emit("other", 1)
	emitter.Emit("done", 2)
	emitter.Emit("done", 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := waiter.Wait(ctx)
	if err != nil || value != 2 {
		t.Fatalf("expected first matching payload 2, got %d (%v)", value, err)
	}

	emitter.lock.Lock()
	remaining := len(emitter.waiters)
	emitter.lock.Unlock()
	if remaining != 0 {
		t.Fatalf("expected resolved waiter to deregister, %d remain", remaining)
	}
}

func TestWaiterCancelledByContext(t *testing.T) {
	emitter := NewEventEmitter[string, int](nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := emitter.NextAny(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	emitter.lock.Lock()
	remaining := len(emitter.waiters)
	emitter.lock.Unlock()
	if remaining != 0 {
		t.Fatalf("expected abandoned waiter to deregister, %d remain", remaining)
	}

	// Emitting after abandonment must not block or panic.
	emitter.Emit("late", 1)
}

func TestWaiterCancelBeforeEmission(t *testing.T) {
	emitter := NewEventEmitter[string, int](nil)
	waiter := emitter.Once("a")
	waiter.Cancel()
	waiter.Cancel()
	emitter.Emit("a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := waiter.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancelled waiter not to resolve, got %v", err)
	}
}

func TestNextWaitsForNamedEvent(t *testing.T) {
	emitter := NewEventEmitter[string, int](nil)
	result := make(chan int, 1)
	go func() {
		value, _ := emitter.Next(context.Background(), "ready")
		result <- value
	}()

	waitFor(t, "waiter registration", func() bool {
		emitter.lock.Lock()
		defer emitter.lock.Unlock()
		return len(emitter.waiters) == 1
	})
	emitter.Emit("ready", 7)

	select {
	case value := <-result:
		if value != 7 {
			t.Fatalf("expected 7, got %d", value)
		}
	case <-time.After(testWait):
		t.Fatalf("Next did not resolve")
	}
}
