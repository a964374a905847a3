package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Thejuampi/realtime-client-go/realtime/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

const testWait = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDialer hands out in-memory transports and records every dial.
type fakeDialer struct {
	dials testutil.Counter

	lock       sync.Mutex
	transports []*testutil.Transport
	dialErr    error
	gate       chan struct{}
	onDial     func(transport *testutil.Transport)
	dialed     chan *testutil.Transport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *testutil.Transport, 16)}
}

func (dialer *fakeDialer) Dial(ctx context.Context, uri string) (Transport, error) {
	dialer.dials.Next()

	dialer.lock.Lock()
	gate := dialer.gate
	dialErr := dialer.dialErr
	onDial := dialer.onDial
	dialer.lock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	transport := testutil.NewTransport()
	if onDial != nil {
		onDial(transport)
	}
	dialer.lock.Lock()
	dialer.transports = append(dialer.transports, transport)
	dialer.lock.Unlock()
	dialer.dialed <- transport
	return transport, nil
}

func (dialer *fakeDialer) waitDial(t *testing.T) *testutil.Transport {
	t.Helper()
	select {
	case transport := <-dialer.dialed:
		return transport
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for a dial")
		return nil
	}
}

func newTestClient(t *testing.T, dialer Dialer, timeout time.Duration) *Realtime {
	t.Helper()
	if timeout == 0 {
		timeout = time.Second
	}
	client, err := NewRealtime(ClientOptions{
		Key:                    "app.key:secret",
		RealtimeHost:           "localhost",
		Port:                   8080,
		NoTLS:                  true,
		RealtimeRequestTimeout: timeout,
		Dialer:                 dialer,
		Registerer:             prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewRealtime failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		_ = client.Close(ctx)
		flushClient(client)
	})
	return client
}

// flushClient drains every emitter of client so no delivery goroutine outlives a test.
func flushClient(client *Realtime) {
	client.connection.internal.Flush()
	client.connection.EventEmitter.Flush()
	for _, channel := range client.channels.snapshot() {
		channel.EventEmitter.Flush()
		channel.internal.Flush()
		channel.messages.Flush()
	}
}

// answerControlFrames makes transport acknowledge ATTACH and DETACH frames the
// way the service does.
func answerControlFrames(transport *testutil.Transport) {
	transport.OnSend = func(frame []byte) {
		message, err := decodeProtocolMessage(frame)
		if err != nil {
			return
		}
		switch message.Action {
		case ActionAttach:
			_ = transport.PushJSON(&ProtocolMessage{Action: ActionAttached, Channel: message.Channel})
		case ActionDetach:
			_ = transport.PushJSON(&ProtocolMessage{Action: ActionDetached, Channel: message.Channel})
		}
	}
}

// connectedClient returns a connected client and its transport. When answer is
// true the transport acknowledges attach and detach requests.
func connectedClient(t *testing.T, timeout time.Duration, answer bool) (*Realtime, *testutil.Transport) {
	t.Helper()
	dialer := newFakeDialer()
	dialer.onDial = func(transport *testutil.Transport) {
		if answer {
			answerControlFrames(transport)
		}
		_ = transport.PushJSON(&ProtocolMessage{
			Action:       ActionConnected,
			ConnectionID: "connection-1",
			ConnectionDetails: &ConnectionDetails{
				ClientID:      "client-1",
				ConnectionKey: "key-1",
			},
		})
	}
	client := newTestClient(t, dialer, timeout)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return client, dialer.waitDial(t)
}

func push(t *testing.T, transport *testutil.Transport, message *ProtocolMessage) {
	t.Helper()
	if err := transport.PushJSON(message); err != nil {
		t.Fatalf("push failed: %v", err)
	}
}

func sentMessages(t *testing.T, transport *testutil.Transport) []*ProtocolMessage {
	t.Helper()
	frames := transport.Sent()
	messages := make([]*ProtocolMessage, 0, len(frames))
	for _, frame := range frames {
		message, err := decodeProtocolMessage(frame)
		if err != nil {
			t.Fatalf("sent frame %q is not a protocol message: %v", frame, err)
		}
		messages = append(messages, message)
	}
	return messages
}

func countSent(t *testing.T, transport *testutil.Transport, action Action) int {
	t.Helper()
	count := 0
	for _, message := range sentMessages(t, transport) {
		if message.Action == action {
			count++
		}
	}
	return count
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitChannelState(t *testing.T, channel *Channel, state ChannelState) {
	t.Helper()
	waitFor(t, "channel state "+string(state), func() bool { return channel.State() == state })
}

func waitConnectionState(t *testing.T, connection *Connection, state ConnectionState) {
	t.Helper()
	waitFor(t, "connection state "+string(state), func() bool { return connection.State() == state })
}

func attachChannel(t *testing.T, client *Realtime, name string) *Channel {
	t.Helper()
	channel := client.Channel(name)
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	if err := channel.Attach(ctx); err != nil {
		t.Fatalf("attach %s failed: %v", name, err)
	}
	return channel
}

// changeRecorder collects state changes delivered to a listener.
type changeRecorder struct {
	lock    sync.Mutex
	changes []ChannelStateChange
}

func (recorder *changeRecorder) listener() *Listener[ChannelStateChange] {
	return NewListener(func(change ChannelStateChange) {
		recorder.lock.Lock()
		recorder.changes = append(recorder.changes, change)
		recorder.lock.Unlock()
	})
}

func (recorder *changeRecorder) snapshot() []ChannelStateChange {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	return append([]ChannelStateChange(nil), recorder.changes...)
}

func rawMessages(t *testing.T, values ...interface{}) []json.RawMessage {
	t.Helper()
	raws := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		raws = append(raws, raw)
	}
	return raws
}

func promCount(collector prometheus.Collector) float64 {
	return promtestutil.ToFloat64(collector)
}
