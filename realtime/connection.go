package realtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ConnectionState is the lifecycle state of the transport connection.
type ConnectionState string

// Connection states. Initialized, Disconnected, Closed and Failed are resting
// states; Connecting and Closing each have at most one operation in flight.
const (
	ConnectionStateInitialized  ConnectionState = "initialized"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateClosing      ConnectionState = "closing"
	ConnectionStateClosed       ConnectionState = "closed"
	ConnectionStateFailed       ConnectionState = "failed"
)

// ConnectionStateChange is emitted on every connection state transition.
type ConnectionStateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	Reason   *ErrorInfo
}

// connectResult is the single completion handle shared by every caller
// joining one connect attempt. It resolves exactly once.
type connectResult struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newConnectResult() *connectResult {
	return &connectResult{done: make(chan struct{})}
}

func (result *connectResult) resolve(err error) bool {
	resolved := false
	result.once.Do(func() {
		result.err = err
		close(result.done)
		resolved = true
	})
	return resolved
}

func (result *connectResult) wait(ctx context.Context) error {
	select {
	case <-result.done:
		return result.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connection owns the transport and its read loop.
type Connection struct {
	*EventEmitter[ConnectionState, ConnectionStateChange]

	client   *Realtime
	logger   *zap.Logger
	metrics  *clientMetrics
	internal *EventEmitter[ConnectionState, ConnectionStateChange]

	lock       sync.Mutex
	state      ConnectionState
	reason     *ErrorInfo
	pending    *connectResult
	transport  Transport
	loopDone   chan struct{}
	generation uint64
	id         string
	key        string
	details    *ConnectionDetails
}

func newConnection(client *Realtime) *Connection {
	logger := client.logger.With(zap.String("component", "connection"))
	connection := &Connection{
		EventEmitter: NewEventEmitter[ConnectionState, ConnectionStateChange](logger),
		client:       client,
		logger:       logger,
		metrics:      client.metrics,
		internal:     NewEventEmitter[ConnectionState, ConnectionStateChange](logger),
		state:        ConnectionStateInitialized,
	}
	connection.EventEmitter.onPanic = client.metrics.listenerPanicked
	connection.internal.onPanic = client.metrics.listenerPanicked
	return connection
}

// State returns the current connection state.
func (connection *Connection) State() ConnectionState {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.state
}

// Reason returns the error behind the last transition, if any.
func (connection *Connection) Reason() *ErrorInfo {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.reason
}

// ID returns the connection id assigned by the service.
func (connection *Connection) ID() string {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.id
}

// Key returns the connection key assigned by the service.
func (connection *Connection) Key() string {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.key
}

// Details returns the connection details sent with CONNECTED.
func (connection *Connection) Details() *ConnectionDetails {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.details
}

func (connection *Connection) stateAndGeneration() (ConnectionState, uint64) {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.state, connection.generation
}

// stateAndPending returns the state and, while connecting, the attempt in flight.
func (connection *Connection) stateAndPending() (ConnectionState, *connectResult) {
	connection.lock.Lock()
	defer connection.lock.Unlock()
	return connection.state, connection.pending
}

// setStateLocked records a transition and schedules its broadcast. Emitters
// never call listeners inline, so this is safe with the lock held and keeps
// broadcasts in transition order.
func (connection *Connection) setStateLocked(state ConnectionState, reason *ErrorInfo) {
	if state == connection.state {
		return
	}
	change := ConnectionStateChange{Previous: connection.state, Current: state, Reason: reason}
	connection.state = state
	connection.reason = reason
	if state == ConnectionStateConnected {
		connection.generation++
	}

	connection.metrics.connectionStates.WithLabelValues(string(state)).Inc()
	connection.logger.Debug("connection state changed",
		zap.String("previous", string(change.Previous)),
		zap.String("current", string(state)))

	connection.internal.Emit(state, change)
	connection.EventEmitter.Emit(state, change)
}

// Connect opens the transport and waits for the CONNECTED handshake. Concurrent
// callers join the attempt in flight and observe its single outcome.
func (connection *Connection) Connect(ctx context.Context) error {
	connection.lock.Lock()

	switch connection.state {
	case ConnectionStateConnected:
		connection.lock.Unlock()
		return nil

	case ConnectionStateConnecting:
		pending := connection.pending
		connection.lock.Unlock()
		if pending == nil {
			connection.logger.Error("connection state is connecting but no connect attempt is pending")
			return NewError(InvalidStateError, "connection is connecting without a pending attempt")
		}
		return pending.wait(ctx)

	case ConnectionStateClosing, ConnectionStateClosed:
		connection.lock.Unlock()
		return NewError(ConnectionClosedError, "connection has been closed")

	case ConnectionStateFailed:
		reason := connection.reason
		connection.lock.Unlock()
		if reason != nil {
			return reason
		}
		return NewError(ConnectionError, "connection has failed")
	}

	pending := newConnectResult()
	connection.pending = pending
	connection.setStateLocked(ConnectionStateConnecting, nil)
	connection.lock.Unlock()

	go connection.run(pending)

	return pending.wait(ctx)
}

func (connection *Connection) run(pending *connectResult) {
	ctx, cancel := context.WithTimeout(context.Background(), connection.client.options.RealtimeRequestTimeout)
	defer cancel()

	uri, err := connection.client.connectionURL(ctx)
	if err != nil {
		connection.connectFailed(pending, err)
		return
	}

	transport, err := connection.client.options.Dialer.Dial(ctx, uri)
	if err != nil {
		connection.connectFailed(pending, err)
		return
	}

	connection.lock.Lock()
	if connection.pending != pending || connection.state != ConnectionStateConnecting {
		connection.lock.Unlock()
		connection.logger.Debug("discarding transport opened after the connect attempt ended")
		_ = transport.Close()
		return
	}
	connection.transport = transport
	done := make(chan struct{})
	connection.loopDone = done
	connection.lock.Unlock()

	connection.readLoop(transport, done)
}

func (connection *Connection) connectFailed(pending *connectResult, err error) {
	reason := asErrorInfo(ConnectionError, err)

	connection.lock.Lock()
	if connection.pending != pending {
		connection.lock.Unlock()
		return
	}
	connection.pending = nil
	connection.setStateLocked(ConnectionStateDisconnected, reason)
	connection.lock.Unlock()

	connection.logger.Warn("connect attempt failed", zap.Error(reason))
	pending.resolve(reason)
}

func (connection *Connection) readLoop(transport Transport, done chan struct{}) {
	defer close(done)

	for {
		frame, err := transport.Receive()
		if err != nil {
			connection.transportFailed(transport, err)
			return
		}

		message, err := decodeProtocolMessage(frame)
		if err != nil {
			connection.logger.Warn("discarding undecodable frame", zap.Error(err))
			connection.metrics.inconsistencies.WithLabelValues("undecodable").Inc()
			continue
		}

		connection.metrics.framesReceived.WithLabelValues(message.Action.String()).Inc()
		connection.dispatch(transport, message)
	}
}

func (connection *Connection) transportFailed(transport Transport, err error) {
	connection.lock.Lock()
	if connection.transport != transport {
		connection.lock.Unlock()
		return
	}
	connection.transport = nil

	switch connection.state {
	case ConnectionStateClosing, ConnectionStateClosed, ConnectionStateFailed:
		connection.lock.Unlock()
		return
	}

	reason := NewError(DisconnectedError, err)
	pending := connection.pending
	connection.pending = nil
	connection.setStateLocked(ConnectionStateDisconnected, reason)
	connection.lock.Unlock()

	connection.logger.Warn("transport failed", zap.Error(err))
	if pending != nil {
		pending.resolve(reason)
	}
	_ = transport.Close()
}

func (connection *Connection) dispatch(transport Transport, message *ProtocolMessage) {
	switch {
	case message.Action == ActionConnected:
		connection.onConnected(message)

	case message.Action == ActionError && message.Channel == "":
		connection.onError(transport, message)

	case message.Action == ActionDisconnected:
		connection.onDisconnected(transport, message)

	case message.Action == ActionHeartbeat || message.Action == ActionClosed:
		connection.logger.Debug("connection frame", zap.Stringer("action", message.Action))

	case message.channelScoped():
		connection.client.channels.route(message)

	default:
		connection.logger.Debug("ignoring unhandled action", zap.Stringer("action", message.Action))
	}
}

func (connection *Connection) onConnected(message *ProtocolMessage) {
	connection.lock.Lock()
	connection.id = message.ConnectionID
	if message.ConnectionDetails != nil {
		connection.details = message.ConnectionDetails
		connection.key = message.ConnectionDetails.ConnectionKey
	}

	pending := connection.pending
	if pending == nil {
		connection.lock.Unlock()
		connection.logger.Warn("CONNECTED received but no connect attempt is pending")
		connection.metrics.inconsistencies.WithLabelValues("unsolicited_connected").Inc()
		return
	}
	connection.pending = nil
	connection.setStateLocked(ConnectionStateConnected, nil)
	connection.lock.Unlock()

	pending.resolve(nil)
}

// onError handles a connection scoped ERROR. A fatal error fails the pending
// connect attempt; with no attempt pending the connection still moves to Failed.
func (connection *Connection) onError(transport Transport, message *ProtocolMessage) {
	if message.Error == nil || message.Error.NonFatal {
		connection.logger.Warn("non-fatal connection error", zap.Error(message.Error))
		return
	}
	reason := protocolError(AuthenticationError, message.Error)

	connection.lock.Lock()
	if connection.transport != transport {
		connection.lock.Unlock()
		connection.logger.Debug("fatal ERROR from a retired transport", zap.Error(reason))
		return
	}
	connection.transport = nil
	pending := connection.pending
	connection.pending = nil
	connection.setStateLocked(ConnectionStateFailed, reason)
	connection.lock.Unlock()

	if pending != nil {
		pending.resolve(reason)
	} else {
		connection.logger.Warn("fatal ERROR received with no connect attempt pending", zap.Error(reason))
	}
	_ = transport.Close()
}

func (connection *Connection) onDisconnected(transport Transport, message *ProtocolMessage) {
	reason := NewError(DisconnectedError, "disconnected by service")
	if message.Error != nil {
		reason = protocolError(DisconnectedError, message.Error)
	}

	connection.lock.Lock()
	if connection.transport != transport {
		connection.lock.Unlock()
		return
	}
	connection.transport = nil
	pending := connection.pending
	connection.pending = nil
	connection.setStateLocked(ConnectionStateDisconnected, reason)
	connection.lock.Unlock()

	if pending != nil {
		pending.resolve(reason)
	}
	_ = transport.Close()
}

// Close moves the connection to Closed, closing the transport when one is live.
// A closed connection cannot be reconnected.
func (connection *Connection) Close(ctx context.Context) error {
	connection.lock.Lock()
	if connection.state == ConnectionStateClosed {
		connection.lock.Unlock()
		connection.logger.Warn("Close called on a closed connection")
		return nil
	}
	connection.setStateLocked(ConnectionStateClosing, nil)
	transport := connection.transport
	connection.transport = nil
	pending := connection.pending
	connection.pending = nil
	done := connection.loopDone
	connection.lock.Unlock()

	if transport != nil {
		if err := connection.write(ctx, transport, &ProtocolMessage{Action: ActionClose}); err != nil {
			connection.logger.Debug("CLOSE frame not delivered", zap.Error(err))
		}
		if err := transport.Close(); err != nil {
			connection.logger.Debug("transport close failed", zap.Error(err))
		}
	} else {
		connection.logger.Warn("Close called with no live transport")
	}

	if pending != nil {
		pending.resolve(NewError(ConnectionClosedError, "connection closed before connect completed"))
	}

	connection.lock.Lock()
	connection.setStateLocked(ConnectionStateClosed, nil)
	connection.lock.Unlock()

	if transport != nil && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Send writes a protocol message over the live transport.
func (connection *Connection) Send(ctx context.Context, message *ProtocolMessage) error {
	connection.lock.Lock()
	transport := connection.transport
	connection.lock.Unlock()

	if transport == nil {
		return NewError(DisconnectedError, "no live transport")
	}
	return connection.write(ctx, transport, message)
}

func (connection *Connection) write(ctx context.Context, transport Transport, message *ProtocolMessage) error {
	frame, err := encodeProtocolMessage(message)
	if err != nil {
		return err
	}
	if err := transport.Send(ctx, frame); err != nil {
		return asErrorInfo(ConnectionError, err)
	}
	connection.metrics.framesSent.WithLabelValues(message.Action.String()).Inc()
	return nil
}

func asErrorInfo(kind int, err error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return NewError(kind, err)
}
