package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			if err := conn.WriteMessage(messageType, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketTransportRoundTrip(t *testing.T) {
	uri := newEchoServer(t)
	dialer := NewWebsocketDialer(time.Second)

	transport, err := dialer.Dial(context.Background(), uri)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := transport.Send(ctx, []byte(`{"action":0}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	frame, err := transport.Receive()
	if err != nil || string(frame) != `{"action":0}` {
		t.Fatalf("unexpected echo %q (%v)", frame, err)
	}

	if err := transport.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	_ = transport.Close()
	if _, err := transport.Receive(); err == nil {
		t.Fatalf("expected receive on a closed transport to fail")
	}
	if err := transport.Send(context.Background(), []byte("late")); !IsKind(err, ConnectionError) {
		t.Fatalf("expected send on a closed transport to fail, got %v", err)
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	uri := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	dialer := &WebsocketDialer{}
	if _, err := dialer.Dial(context.Background(), uri); !IsKind(err, ConnectionError) {
		t.Fatalf("expected connection error, got %v", err)
	}
}
