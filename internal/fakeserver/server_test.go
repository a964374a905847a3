package fakeserver

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startServer(t *testing.T, options Options) (*Server, string) {
	t.Helper()
	server := New(options)
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
	})
	return server, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dial(t *testing.T, uri string) *websocket.Conn {
	t.Helper()
	conn, response, err := websocket.DefaultDialer.Dial(uri, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	_ = response.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestConnectedOnOpen(t *testing.T) {
	server, uri := startServer(t, Options{})
	conn := dial(t, uri+"/?key=app.key:secret&clientId=robot")

	frame := readFrame(t, conn)
	if frame.Action != ActionConnected || frame.ConnectionID != "conn-1" {
		t.Fatalf("unexpected first frame %+v", frame)
	}
	if frame.ConnectionDetails == nil || frame.ConnectionDetails.ClientID != "robot" {
		t.Fatalf("expected client id in connection details, got %+v", frame.ConnectionDetails)
	}
	if server.Accepted() != 1 {
		t.Fatalf("expected one accepted connection")
	}
}

func TestRejectsUnknownKey(t *testing.T) {
	_, uri := startServer(t, Options{Keys: []string{"good"}})
	conn := dial(t, uri+"/?key=bad")

	frame := readFrame(t, conn)
	if frame.Action != ActionError || frame.Error == nil || frame.Error.Code != 40160 || frame.Error.NonFatal {
		t.Fatalf("expected fatal 40160 error, got %+v", frame)
	}
}

func TestAttachDetach(t *testing.T) {
	server, uri := startServer(t, Options{})
	conn := dial(t, uri+"/?key=k")
	readFrame(t, conn)

	writeFrame(t, conn, Frame{Action: ActionAttach, Channel: "orders"})
	attached := readFrame(t, conn)
	if attached.Action != ActionAttached || attached.Channel != "orders" || attached.ChannelSerial != "orders:1" {
		t.Fatalf("unexpected attached frame %+v", attached)
	}
	if attached.Flags&FlagResumed != 0 {
		t.Fatalf("a fresh attach must not be resumed")
	}

	writeFrame(t, conn, Frame{Action: ActionAttach, Channel: "orders", Flags: FlagAttachResume, ChannelSerial: "orders:1"})
	resumed := readFrame(t, conn)
	if resumed.Flags&FlagResumed == 0 {
		t.Fatalf("expected resumed flag, got %+v", resumed)
	}

	writeFrame(t, conn, Frame{Action: ActionDetach, Channel: "orders"})
	if detached := readFrame(t, conn); detached.Action != ActionDetached || detached.Channel != "orders" {
		t.Fatalf("unexpected detached frame %+v", detached)
	}
	if server.CountFrames(ActionAttach) != 2 || server.CountFrames(ActionDetach) != 1 {
		t.Fatalf("unexpected recorded frames %+v", server.Frames())
	}
}

func TestSilentChannelIsNotAcknowledged(t *testing.T) {
	_, uri := startServer(t, Options{SilentChannels: []string{"quiet"}})
	conn := dial(t, uri+"/?key=k")
	readFrame(t, conn)

	writeFrame(t, conn, Frame{Action: ActionAttach, Channel: "quiet"})
	writeFrame(t, conn, Frame{Action: ActionHeartbeat})
	if frame := readFrame(t, conn); frame.Action != ActionHeartbeat {
		t.Fatalf("expected only the heartbeat reply, got %+v", frame)
	}
}

func TestPublishReachesAttachedConnections(t *testing.T) {
	server, uri := startServer(t, Options{})
	attachedConn := dial(t, uri+"/?key=k")
	otherConn := dial(t, uri+"/?key=k")
	readFrame(t, attachedConn)
	readFrame(t, otherConn)

	writeFrame(t, attachedConn, Frame{Action: ActionAttach, Channel: "orders"})
	readFrame(t, attachedConn)

	if reached := server.Publish("orders", Message{Name: "a", Data: "1"}, Message{Name: "b", Data: "2"}); reached != 1 {
		t.Fatalf("expected one connection reached, got %d", reached)
	}
	frame := readFrame(t, attachedConn)
	if frame.Action != ActionMessage || frame.Channel != "orders" || len(frame.Messages) != 2 {
		t.Fatalf("unexpected message frame %+v", frame)
	}
	if frame.ID == "" || frame.ChannelSerial != "orders:2" {
		t.Fatalf("expected id and serial on message frame, got %+v", frame)
	}
}

func TestCloseHandshake(t *testing.T) {
	_, uri := startServer(t, Options{})
	conn := dial(t, uri+"/?key=k")
	readFrame(t, conn)

	writeFrame(t, conn, Frame{Action: ActionClose})
	if frame := readFrame(t, conn); frame.Action != ActionClosed {
		t.Fatalf("expected CLOSED, got %+v", frame)
	}
}

func TestBroadcastAndDrop(t *testing.T) {
	server, uri := startServer(t, Options{})
	conn := dial(t, uri+"/?key=k")
	readFrame(t, conn)

	server.Broadcast(Frame{Action: ActionDisconnected})
	if frame := readFrame(t, conn); frame.Action != ActionDisconnected {
		t.Fatalf("expected broadcast frame, got %+v", frame)
	}

	server.DropConnections()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected dropped connection to fail reads")
	}
}
