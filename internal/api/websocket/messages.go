package websocket

import (
	"time"

	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeProcessStatus MessageType = "process_status"
	MessageTypeCommandResult MessageType = "command_result"
	MessageTypeAuthSuccess   MessageType = "auth_success"
	MessageTypeAuthFailed    MessageType = "auth_failed"
	MessageTypeError         MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// clientMessage is what clients may send: an auth handshake or a command.
type clientMessage struct {
	Type    string                 `json:"type"`
	Token   string                 `json:"token,omitempty"`
	ID      string                 `json:"id,omitempty"`
	Command string                 `json:"command,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	TagName string                 `json:"tag_name,omitempty"`
	Value   interface{}            `json:"value,omitempty"`
}

type CommandResultData struct {
	ID       string           `json:"id,omitempty"`
	Command  string           `json:"command"`
	Response kneader.Response `json:"response"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewStatusMessage(st kneader.Status) Message {
	return NewMessage(MessageTypeProcessStatus, st)
}

func NewErrorMessage(reason string) Message {
	return NewMessage(MessageTypeError, map[string]string{"reason": reason})
}
