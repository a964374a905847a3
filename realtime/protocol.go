package realtime

import (
	"encoding/json"
	"strconv"
)

// Action is the protocol message action code.
type Action int

// Protocol actions. CONNECTED and ERROR are handled by the connection, the
// channel scoped actions are routed to the owning channel.
const (
	ActionHeartbeat    Action = 0
	ActionAck          Action = 1
	ActionNack         Action = 2
	ActionConnect      Action = 3
	ActionConnected    Action = 4
	ActionDisconnect   Action = 5
	ActionDisconnected Action = 6
	ActionClose        Action = 7
	ActionClosed       Action = 8
	ActionError        Action = 9
	ActionAttach       Action = 10
	ActionAttached     Action = 11
	ActionDetach       Action = 12
	ActionDetached     Action = 13
	ActionPresence     Action = 14
	ActionMessage      Action = 15
	ActionSync         Action = 16
	ActionAuth         Action = 17
)

var actionNames = map[Action]string{
	ActionHeartbeat:    "heartbeat",
	ActionAck:          "ack",
	ActionNack:         "nack",
	ActionConnect:      "connect",
	ActionConnected:    "connected",
	ActionDisconnect:   "disconnect",
	ActionDisconnected: "disconnected",
	ActionClose:        "close",
	ActionClosed:       "closed",
	ActionError:        "error",
	ActionAttach:       "attach",
	ActionAttached:     "attached",
	ActionDetach:       "detach",
	ActionDetached:     "detached",
	ActionPresence:     "presence",
	ActionMessage:      "message",
	ActionSync:         "sync",
	ActionAuth:         "auth",
}

func (action Action) String() string {
	if name, ok := actionNames[action]; ok {
		return name
	}
	return "action(" + strconv.Itoa(int(action)) + ")"
}

// Flag is a bit in the protocol message flags field.
type Flag int

// Channel attach state flags occupy the low bits, channel mode flags start at bit 16.
const (
	FlagHasPresence       Flag = 1 << 0
	FlagHasBacklog        Flag = 1 << 1
	FlagResumed           Flag = 1 << 2
	FlagTransient         Flag = 1 << 4
	FlagAttachResume      Flag = 1 << 5
	FlagPresence          Flag = 1 << 16
	FlagPublish           Flag = 1 << 17
	FlagSubscribe         Flag = 1 << 18
	FlagPresenceSubscribe Flag = 1 << 19
)

// Has reports whether every bit of flag is set.
func (flags Flag) Has(flag Flag) bool {
	return flag != 0 && flags&flag == flag
}

// With returns flags with the given bits set.
func (flags Flag) With(flag ...Flag) Flag {
	for _, bit := range flag {
		flags |= bit
	}
	return flags
}

// ConnectionDetails is sent by the service with CONNECTED.
type ConnectionDetails struct {
	ClientID           string `json:"clientId,omitempty"`
	ConnectionKey      string `json:"connectionKey,omitempty"`
	MaxMessageSize     int    `json:"maxMessageSize,omitempty"`
	MaxIdleInterval    int64  `json:"maxIdleInterval,omitempty"`
	ConnectionStateTTL int64  `json:"connectionStateTtl,omitempty"`
}

// ProtocolMessage is a single frame exchanged with the service.
type ProtocolMessage struct {
	Action            Action             `json:"action"`
	ID                string             `json:"id,omitempty"`
	Channel           string             `json:"channel,omitempty"`
	ChannelSerial     string             `json:"channelSerial,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty"`
	Flags             Flag               `json:"flags,omitempty"`
	Timestamp         int64              `json:"timestamp,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty"`
	Messages          []json.RawMessage  `json:"messages,omitempty"`
}

// HasFlag reports whether the message carries flag.
func (message *ProtocolMessage) HasFlag(flag Flag) bool {
	return message != nil && message.Flags.Has(flag)
}

func (message *ProtocolMessage) channelScoped() bool {
	switch message.Action {
	case ActionAttached, ActionDetached, ActionMessage, ActionPresence, ActionSync:
		return true
	case ActionError:
		return message.Channel != ""
	}
	return false
}

func decodeProtocolMessage(frame []byte) (*ProtocolMessage, error) {
	message := &ProtocolMessage{}
	if err := json.Unmarshal(frame, message); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return message, nil
}

func encodeProtocolMessage(message *ProtocolMessage) ([]byte, error) {
	frame, err := json.Marshal(message)
	if err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return frame, nil
}
