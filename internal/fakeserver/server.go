// Package fakeserver is a deterministic realtime-protocol responder served
// over WebSocket. It acknowledges connections, attaches and detaches the way
// the service does and lets tests publish messages and inject frames.
package fakeserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options configures a Server.
type Options struct {
	// Keys lists accepted API keys. Empty accepts any non-empty key.
	Keys []string
	// SilentChannels are never acknowledged, for timeout tests.
	SilentChannels []string
	Logger         *zap.Logger
}

// Server answers realtime connections. It implements http.Handler.
type Server struct {
	logger   *zap.Logger
	keys     map[string]bool
	silent   map[string]bool
	upgrader websocket.Upgrader

	lock     sync.Mutex
	sessions map[*session]struct{}
	serials  map[string]int
	accepted int
	frames   []Frame
	closed   bool
}

// New returns a server for options.
func New(options Options) *Server {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		logger:   logger,
		keys:     make(map[string]bool),
		silent:   make(map[string]bool),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[*session]struct{}),
		serials:  make(map[string]int),
	}
	for _, key := range options.Keys {
		server.keys[key] = true
	}
	for _, channel := range options.SilentChannels {
		server.silent[channel] = true
	}
	return server
}

type session struct {
	id       string
	conn     *websocket.Conn
	logger   *zap.Logger
	writeMu  sync.Mutex
	attached map[string]bool
}

func (session *session) write(frame *Frame) error {
	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	_ = session.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return session.conn.WriteJSON(frame)
}

// ServeHTTP upgrades the request and serves one connection until it closes.
func (server *Server) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := server.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		server.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	query := request.URL.Query()
	key := query.Get("key")

	server.lock.Lock()
	if server.closed {
		server.lock.Unlock()
		return
	}
	server.accepted++
	id := "conn-" + strconv.Itoa(server.accepted)
	current := &session{
		id:       id,
		conn:     conn,
		logger:   server.logger.With(zap.String("connection", id)),
		attached: make(map[string]bool),
	}
	server.sessions[current] = struct{}{}
	server.lock.Unlock()

	defer func() {
		server.lock.Lock()
		delete(server.sessions, current)
		server.lock.Unlock()
	}()

	if !server.acceptKey(key) {
		current.logger.Info("rejecting key")
		_ = current.write(&Frame{
			Action: ActionError,
			Error:  &ErrorBody{Message: "invalid key", StatusCode: 401, Code: 40160},
		})
		return
	}

	current.logger.Info("connected", zap.String("clientId", query.Get("clientId")))
	if err := current.write(&Frame{
		Action:       ActionConnected,
		ConnectionID: id,
		ConnectionDetails: &ConnectionDetails{
			ClientID:           query.Get("clientId"),
			ConnectionKey:      id + "!key",
			MaxMessageSize:     65536,
			MaxIdleInterval:    15000,
			ConnectionStateTTL: 120000,
		},
	}); err != nil {
		return
	}

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			current.logger.Debug("connection ended", zap.Error(err))
			return
		}
		server.record(frame)
		if done := server.handle(current, &frame); done {
			return
		}
	}
}

func (server *Server) acceptKey(key string) bool {
	if key == "" {
		return false
	}
	if len(server.keys) == 0 {
		return true
	}
	return server.keys[key]
}

func (server *Server) record(frame Frame) {
	server.lock.Lock()
	server.frames = append(server.frames, frame)
	server.lock.Unlock()
}

func (server *Server) nextSerial(channel string) string {
	server.lock.Lock()
	defer server.lock.Unlock()
	server.serials[channel]++
	return channel + ":" + strconv.Itoa(server.serials[channel])
}

// handle answers one inbound frame and reports whether the connection is done.
func (server *Server) handle(current *session, frame *Frame) bool {
	silent := server.silent[frame.Channel]

	switch frame.Action {
	case ActionHeartbeat:
		_ = current.write(&Frame{Action: ActionHeartbeat})

	case ActionAttach:
		if silent {
			current.logger.Debug("ignoring attach", zap.String("channel", frame.Channel))
			return false
		}
		flags := FlagPublish | FlagSubscribe
		if frame.Flags&FlagAttachResume != 0 {
			flags |= FlagResumed
		}
		server.lock.Lock()
		current.attached[frame.Channel] = true
		server.lock.Unlock()
		_ = current.write(&Frame{
			Action:        ActionAttached,
			Channel:       frame.Channel,
			ChannelSerial: server.nextSerial(frame.Channel),
			Flags:         flags,
		})

	case ActionDetach:
		if silent {
			current.logger.Debug("ignoring detach", zap.String("channel", frame.Channel))
			return false
		}
		server.lock.Lock()
		delete(current.attached, frame.Channel)
		server.lock.Unlock()
		_ = current.write(&Frame{Action: ActionDetached, Channel: frame.Channel})

	case ActionMessage:
		server.fanout(frame.Channel, frame.Messages, current.id)
		_ = current.write(&Frame{Action: ActionAck})

	case ActionClose:
		_ = current.write(&Frame{Action: ActionClosed})
		return true

	default:
		current.logger.Debug("ignoring frame", zap.Int("action", frame.Action))
	}
	return false
}

// Publish sends messages on channel to every connection attached to it and
// returns the number of connections reached.
func (server *Server) Publish(channel string, messages ...Message) int {
	raws := make([]json.RawMessage, 0, len(messages))
	for _, message := range messages {
		raw, err := json.Marshal(message)
		if err != nil {
			server.logger.Warn("unencodable message", zap.Error(err))
			continue
		}
		raws = append(raws, raw)
	}
	return server.fanout(channel, raws, "")
}

func (server *Server) fanout(channel string, messages []json.RawMessage, connectionID string) int {
	var targets []*session
	server.lock.Lock()
	for current := range server.sessions {
		if current.attached[channel] {
			targets = append(targets, current)
		}
	}
	server.lock.Unlock()

	frame := &Frame{
		Action:        ActionMessage,
		ID:            server.nextSerial("msg"),
		Channel:       channel,
		ChannelSerial: server.nextSerial(channel),
		ConnectionID:  connectionID,
		Timestamp:     time.Now().UnixMilli(),
		Messages:      messages,
	}
	reached := 0
	for _, target := range targets {
		if err := target.write(frame); err == nil {
			reached++
		}
	}
	return reached
}

// Broadcast writes frame to every open connection.
func (server *Server) Broadcast(frame Frame) {
	for _, current := range server.snapshot() {
		_ = current.write(&frame)
	}
}

// DropConnections closes every connection without a closing handshake.
func (server *Server) DropConnections() {
	for _, current := range server.snapshot() {
		_ = current.conn.Close()
	}
}

// Frames returns the frames received so far.
func (server *Server) Frames() []Frame {
	server.lock.Lock()
	defer server.lock.Unlock()
	return append([]Frame(nil), server.frames...)
}

// CountFrames returns how many received frames had action.
func (server *Server) CountFrames(action int) int {
	count := 0
	for _, frame := range server.Frames() {
		if frame.Action == action {
			count++
		}
	}
	return count
}

// Accepted returns the number of connections accepted.
func (server *Server) Accepted() int {
	server.lock.Lock()
	defer server.lock.Unlock()
	return server.accepted
}

// Close drops every connection and rejects new ones.
func (server *Server) Close() {
	server.lock.Lock()
	server.closed = true
	server.lock.Unlock()
	server.DropConnections()
}

func (server *Server) snapshot() []*session {
	server.lock.Lock()
	defer server.lock.Unlock()
	sessions := make([]*session, 0, len(server.sessions))
	for current := range server.sessions {
		sessions = append(sessions, current)
	}
	return sessions
}
