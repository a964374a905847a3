package realtime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Listener wraps a callback so it has an identity that can later be passed to Off.
type Listener[T any] struct {
	fn func(T)
}

// NewListener returns a Listener invoking fn.
func NewListener[T any](fn func(T)) *Listener[T] {
	return &Listener[T]{fn: fn}
}

func (listener *Listener[T]) valid() bool {
	return listener != nil && listener.fn != nil
}

type registration[E comparable, T any] struct {
	event    E
	any      bool
	listener *Listener[T]
}

type emission[T any] struct {
	payload   T
	listeners []*Listener[T]
}

// EventEmitter keeps listeners keyed by event and delivers emissions to them
// from a dedicated goroutine, in registration order. Delivery never happens
// inside the Emit call, so a caller can register and then act without racing
// the first emission.
type EventEmitter[E comparable, T any] struct {
	lock          sync.Mutex
	registrations []registration[E, T]
	waiters       []*Waiter[E, T]
	queue         []emission[T]
	draining      bool
	idle          *sync.Cond

	logger  *zap.Logger
	onPanic func(recovered interface{})
}

// NewEventEmitter returns an empty emitter. A nil logger discards listener failures.
func NewEventEmitter[E comparable, T any](logger *zap.Logger) *EventEmitter[E, T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := &EventEmitter[E, T]{logger: logger}
	emitter.idle = sync.NewCond(&emitter.lock)
	return emitter
}

// On registers listener for event.
func (emitter *EventEmitter[E, T]) On(event E, listener *Listener[T]) {
	if !listener.valid() {
		return
	}
	emitter.lock.Lock()
	emitter.registrations = append(emitter.registrations, registration[E, T]{event: event, listener: listener})
	emitter.lock.Unlock()
}

// OnAny registers listener for every event.
func (emitter *EventEmitter[E, T]) OnAny(listener *Listener[T]) {
	if !listener.valid() {
		return
	}
	emitter.lock.Lock()
	emitter.registrations = append(emitter.registrations, registration[E, T]{any: true, listener: listener})
	emitter.lock.Unlock()
}

// Off removes the registration of listener for event.
func (emitter *EventEmitter[E, T]) Off(event E, listener *Listener[T]) {
	emitter.remove(func(entry registration[E, T]) bool {
		return !entry.any && entry.event == event && entry.listener == listener
	})
}

// OffListener removes listener from every event, including catch-all registrations.
func (emitter *EventEmitter[E, T]) OffListener(listener *Listener[T]) {
	emitter.remove(func(entry registration[E, T]) bool {
		return entry.listener == listener
	})
}

// OffAll removes every listener. Pending waiters are not affected.
func (emitter *EventEmitter[E, T]) OffAll() {
	emitter.lock.Lock()
	emitter.registrations = nil
	emitter.lock.Unlock()
}

func (emitter *EventEmitter[E, T]) remove(match func(registration[E, T]) bool) {
	emitter.lock.Lock()
	defer emitter.lock.Unlock()

	kept := emitter.registrations[:0]
	for _, entry := range emitter.registrations {
		if !match(entry) {
			kept = append(kept, entry)
		}
	}
	for index := len(kept); index < len(emitter.registrations); index++ {
		emitter.registrations[index] = registration[E, T]{}
	}
	emitter.registrations = kept
}

// ListenerCount returns the number of registrations.
func (emitter *EventEmitter[E, T]) ListenerCount() int {
	emitter.lock.Lock()
	defer emitter.lock.Unlock()
	return len(emitter.registrations)
}

// Emit schedules delivery of payload to the listeners currently registered for
// event and to catch-all listeners. Matching waiters are resolved immediately.
func (emitter *EventEmitter[E, T]) Emit(event E, payload T) {
	emitter.lock.Lock()
	defer emitter.lock.Unlock()

	var listeners []*Listener[T]
	for _, entry := range emitter.registrations {
		if entry.any || entry.event == event {
			listeners = append(listeners, entry.listener)
		}
	}

	if len(emitter.waiters) > 0 {
		pending := emitter.waiters[:0]
		for _, waiter := range emitter.waiters {
			if waiter.matches(event) {
				waiter.result <- payload
				continue
			}
			pending = append(pending, waiter)
		}
		for index := len(pending); index < len(emitter.waiters); index++ {
			emitter.waiters[index] = nil
		}
		emitter.waiters = pending
	}

	if len(listeners) == 0 {
		return
	}

	emitter.queue = append(emitter.queue, emission[T]{payload: payload, listeners: listeners})
	if !emitter.draining {
		emitter.draining = true
		go emitter.drain()
	}
}

func (emitter *EventEmitter[E, T]) drain() {
	for {
		emitter.lock.Lock()
		if len(emitter.queue) == 0 {
			emitter.draining = false
			emitter.idle.Broadcast()
			emitter.lock.Unlock()
			return
		}
		next := emitter.queue[0]
		emitter.queue[0] = emission[T]{}
		emitter.queue = emitter.queue[1:]
		emitter.lock.Unlock()

		for _, listener := range next.listeners {
			emitter.invoke(listener, next.payload)
		}
	}
}

func (emitter *EventEmitter[E, T]) invoke(listener *Listener[T], payload T) {
	defer func() {
		if recovered := recover(); recovered != nil {
			emitter.logger.Error("event listener panicked", zap.String("panic", fmt.Sprint(recovered)))
			if emitter.onPanic != nil {
				emitter.onPanic(recovered)
			}
		}
	}()
	listener.fn(payload)
}

// Flush blocks until every scheduled emission has been delivered.
func (emitter *EventEmitter[E, T]) Flush() {
	emitter.lock.Lock()
	for emitter.draining {
		emitter.idle.Wait()
	}
	emitter.lock.Unlock()
}

// Waiter is a single-shot subscription resolved by the next matching emission.
type Waiter[E comparable, T any] struct {
	emitter *EventEmitter[E, T]
	event   E
	any     bool
	result  chan T
}

func (waiter *Waiter[E, T]) matches(event E) bool {
	return waiter.any || waiter.event == event
}

// Once returns a waiter for the next emission of event.
func (emitter *EventEmitter[E, T]) Once(event E) *Waiter[E, T] {
	return emitter.addWaiter(&Waiter[E, T]{event: event})
}

// OnceAny returns a waiter for the next emission of any event.
func (emitter *EventEmitter[E, T]) OnceAny() *Waiter[E, T] {
	return emitter.addWaiter(&Waiter[E, T]{any: true})
}

func (emitter *EventEmitter[E, T]) addWaiter(waiter *Waiter[E, T]) *Waiter[E, T] {
	waiter.emitter = emitter
	waiter.result = make(chan T, 1)
	emitter.lock.Lock()
	emitter.waiters = append(emitter.waiters, waiter)
	emitter.lock.Unlock()
	return waiter
}

// Wait blocks until the waiter resolves or ctx is done. An abandoned wait
// deregisters the waiter.
func (waiter *Waiter[E, T]) Wait(ctx context.Context) (T, error) {
	select {
	case payload := <-waiter.result:
		return payload, nil
	case <-ctx.Done():
		waiter.Cancel()
		select {
		case payload := <-waiter.result:
			return payload, nil
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel deregisters the waiter if it has not resolved yet.
func (waiter *Waiter[E, T]) Cancel() {
	emitter := waiter.emitter
	emitter.lock.Lock()
	defer emitter.lock.Unlock()
	for index, candidate := range emitter.waiters {
		if candidate == waiter {
			emitter.waiters = append(emitter.waiters[:index], emitter.waiters[index+1:]...)
			return
		}
	}
}

// NextAny waits for the next emission of any event.
func (emitter *EventEmitter[E, T]) NextAny(ctx context.Context) (T, error) {
	return emitter.OnceAny().Wait(ctx)
}

// Next waits for the next emission of event.
func (emitter *EventEmitter[E, T]) Next(ctx context.Context, event E) (T, error) {
	return emitter.Once(event).Wait(ctx)
}
