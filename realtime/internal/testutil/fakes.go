// Package testutil holds deterministic fakes shared by the realtime tests.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Counter is a deterministic integer counter for tests.
type Counter struct {
	lock  sync.Mutex
	value int
}

// Next increments and returns counter value.
func (counter *Counter) Next() int {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	counter.value++
	return counter.value
}

// Value returns the current counter value.
func (counter *Counter) Value() int {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	return counter.value
}

// Transport is an in-memory frame transport. Frames pushed with Push are
// returned by Receive in order; frames written with Send are recorded.
type Transport struct {
	inbound chan []byte
	closed  chan struct{}

	lock      sync.Mutex
	sent      [][]byte
	sentCond  *sync.Cond
	isClosed  bool
	sendError error

	// OnSend, when set, is called with every frame after it is recorded.
	OnSend func(frame []byte)
}

// NewTransport returns an open transport.
func NewTransport() *Transport {
	transport := &Transport{
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
	transport.sentCond = sync.NewCond(&transport.lock)
	return transport
}

// Send records frame.
func (transport *Transport) Send(_ context.Context, frame []byte) error {
	transport.lock.Lock()
	if transport.isClosed {
		transport.lock.Unlock()
		return io.ErrClosedPipe
	}
	if transport.sendError != nil {
		err := transport.sendError
		transport.lock.Unlock()
		return err
	}
	transport.sent = append(transport.sent, append([]byte(nil), frame...))
	transport.sentCond.Broadcast()
	hook := transport.OnSend
	transport.lock.Unlock()

	if hook != nil {
		hook(frame)
	}
	return nil
}

// Receive returns the next pushed frame, or io.EOF once closed.
func (transport *Transport) Receive() ([]byte, error) {
	select {
	case frame := <-transport.inbound:
		return frame, nil
	case <-transport.closed:
		return nil, io.EOF
	}
}

// Close closes the transport. It is safe to call more than once.
func (transport *Transport) Close() error {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	if !transport.isClosed {
		transport.isClosed = true
		close(transport.closed)
		transport.sentCond.Broadcast()
	}
	return nil
}

// Closed reports whether Close was called.
func (transport *Transport) Closed() bool {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.isClosed
}

// FailSends makes every later Send return err.
func (transport *Transport) FailSends(err error) {
	transport.lock.Lock()
	transport.sendError = err
	transport.lock.Unlock()
}

// Push queues a raw inbound frame.
func (transport *Transport) Push(frame []byte) {
	select {
	case transport.inbound <- frame:
	case <-transport.closed:
	}
}

// PushJSON queues value encoded as JSON.
func (transport *Transport) PushJSON(value interface{}) error {
	frame, err := json.Marshal(value)
	if err != nil {
		return err
	}
	transport.Push(frame)
	return nil
}

// Sent returns a copy of the recorded frames.
func (transport *Transport) Sent() [][]byte {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	frames := make([][]byte, len(transport.sent))
	copy(frames, transport.sent)
	return frames
}

// WaitSent waits until at least count frames were sent or timeout elapses.
func (transport *Transport) WaitSent(count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		transport.lock.Lock()
		transport.sentCond.Broadcast()
		transport.lock.Unlock()
	})
	defer timer.Stop()

	transport.lock.Lock()
	defer transport.lock.Unlock()
	for len(transport.sent) < count {
		if time.Now().After(deadline) {
			return false
		}
		transport.sentCond.Wait()
	}
	return true
}
