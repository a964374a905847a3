package realtime

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// Message is a decoded data message delivered to channel subscribers.
type Message struct {
	ID           string                 `json:"id,omitempty"`
	ClientID     string                 `json:"clientId,omitempty"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	Name         string                 `json:"name,omitempty"`
	Data         interface{}            `json:"data,omitempty"`
	Encoding     string                 `json:"encoding,omitempty"`
	Timestamp    int64                  `json:"timestamp,omitempty"`
	Extras       map[string]interface{} `json:"extras,omitempty"`
}

// MessageDecoder turns the encoded message array of a MESSAGE frame into messages.
type MessageDecoder interface {
	DecodeMessages(protocolMessage *ProtocolMessage) ([]*Message, error)
}

// MessageDecoderFunc adapts a function to MessageDecoder.
type MessageDecoderFunc func(protocolMessage *ProtocolMessage) ([]*Message, error)

func (f MessageDecoderFunc) DecodeMessages(protocolMessage *ProtocolMessage) ([]*Message, error) {
	return f(protocolMessage)
}

// DefaultDecoder unwinds the utf-8, base64 and json encodings. Unknown
// encodings are left on the message for the caller to handle.
type DefaultDecoder struct{}

// DecodeMessages decodes every entry and fills id, connection id and
// timestamp from the enclosing protocol message when absent.
func (DefaultDecoder) DecodeMessages(protocolMessage *ProtocolMessage) ([]*Message, error) {
	messages := make([]*Message, 0, len(protocolMessage.Messages))
	for index, raw := range protocolMessage.Messages {
		message := &Message{}
		if err := json.Unmarshal(raw, message); err != nil {
			return nil, NewError(ProtocolError, err)
		}
		if err := decodeData(message); err != nil {
			return nil, err
		}
		if message.ID == "" && protocolMessage.ID != "" {
			message.ID = protocolMessage.ID + ":" + strconv.Itoa(index)
		}
		if message.ConnectionID == "" {
			message.ConnectionID = protocolMessage.ConnectionID
		}
		if message.Timestamp == 0 {
			message.Timestamp = protocolMessage.Timestamp
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func decodeData(message *Message) error {
	if message.Encoding == "" {
		return nil
	}

	steps := strings.Split(message.Encoding, "/")
	data := message.Data
	applied := len(steps)
	for applied > 0 {
		step := steps[applied-1]
		switch step {
		case "utf-8":
			if bytes, ok := data.([]byte); ok {
				data = string(bytes)
			}
		case "base64":
			text, ok := data.(string)
			if !ok {
				return NewError(ProtocolError, "base64 encoded data is not a string")
			}
			decoded, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				return NewError(ProtocolError, err)
			}
			data = decoded
		case "json":
			var source []byte
			switch value := data.(type) {
			case string:
				source = []byte(value)
			case []byte:
				source = value
			default:
				return NewError(ProtocolError, "json encoded data is not text")
			}
			var decoded interface{}
			if err := json.Unmarshal(source, &decoded); err != nil {
				return NewError(ProtocolError, err)
			}
			data = decoded
		default:
			message.Data = data
			message.Encoding = strings.Join(steps[:applied], "/")
			return nil
		}
		applied--
	}

	message.Data = data
	message.Encoding = ""
	return nil
}
