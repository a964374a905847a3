package fakeserver

import "encoding/json"

// Wire actions understood by the server.
const (
	ActionHeartbeat    = 0
	ActionAck          = 1
	ActionConnected    = 4
	ActionDisconnected = 6
	ActionClose        = 7
	ActionClosed       = 8
	ActionError        = 9
	ActionAttach       = 10
	ActionAttached     = 11
	ActionDetach       = 12
	ActionDetached     = 13
	ActionMessage      = 15
)

// Wire flags.
const (
	FlagResumed      = 1 << 2
	FlagAttachResume = 1 << 5
	FlagPublish      = 1 << 17
	FlagSubscribe    = 1 << 18
)

// ErrorBody is the error member of a frame.
type ErrorBody struct {
	Message    string `json:"message,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Code       int    `json:"code,omitempty"`
	NonFatal   bool   `json:"nonfatal,omitempty"`
}

// ConnectionDetails is sent with CONNECTED.
type ConnectionDetails struct {
	ClientID           string `json:"clientId,omitempty"`
	ConnectionKey      string `json:"connectionKey,omitempty"`
	MaxMessageSize     int    `json:"maxMessageSize,omitempty"`
	MaxIdleInterval    int64  `json:"maxIdleInterval,omitempty"`
	ConnectionStateTTL int64  `json:"connectionStateTtl,omitempty"`
}

// Frame is one protocol message.
type Frame struct {
	Action            int                `json:"action"`
	ID                string             `json:"id,omitempty"`
	Channel           string             `json:"channel,omitempty"`
	ChannelSerial     string             `json:"channelSerial,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty"`
	Flags             int                `json:"flags,omitempty"`
	Timestamp         int64              `json:"timestamp,omitempty"`
	Error             *ErrorBody         `json:"error,omitempty"`
	Messages          []json.RawMessage  `json:"messages,omitempty"`
}

// Message is a data message published by the server.
type Message struct {
	Name     string      `json:"name,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Encoding string      `json:"encoding,omitempty"`
	ClientID string      `json:"clientId,omitempty"`
}
