package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a message oriented duplex connection to the service.
type Transport interface {
	// Send writes one text frame.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until the next frame arrives or the transport is closed.
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, uri string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, uri string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, uri string) (Transport, error) { return f(ctx, uri) }

// WebsocketDialer opens gorilla websocket transports.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWebsocketDialer returns a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	dialer := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		dialer.HandshakeTimeout = handshakeTimeout
	}
	return &WebsocketDialer{Dialer: &dialer}
}

// Dial performs the websocket handshake against uri.
func (dialer *WebsocketDialer) Dial(ctx context.Context, uri string) (Transport, error) {
	wsDialer := dialer.Dialer
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}

	conn, response, err := wsDialer.DialContext(ctx, uri, dialer.Header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, NewError(ConnectionError, err)
	}
	return &websocketTransport{conn: conn}, nil
}

type websocketTransport struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (transport *websocketTransport) Send(ctx context.Context, frame []byte) error {
	transport.writeLock.Lock()
	defer transport.writeLock.Unlock()

	deadline := time.Time{}
	if ctxDeadline, hasDeadline := ctx.Deadline(); hasDeadline {
		deadline = ctxDeadline
	}
	if err := transport.conn.SetWriteDeadline(deadline); err != nil {
		return NewError(ConnectionError, err)
	}
	if err := transport.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return NewError(ConnectionError, err)
	}
	return nil
}

func (transport *websocketTransport) Receive() ([]byte, error) {
	for {
		messageType, frame, err := transport.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return frame, nil
		}
	}
}

func (transport *websocketTransport) Close() error {
	transport.closeOnce.Do(func() {
		transport.writeLock.Lock()
		_ = transport.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		transport.writeLock.Unlock()
		transport.closeErr = transport.conn.Close()
	})
	return transport.closeErr
}
