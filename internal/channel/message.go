package channel

import (
	"encoding/json"

	"github.com/game-data-manager/internal/models"
)

// MessageType is the type field of every channel message.
type MessageType string

const (
	TypeConnect         MessageType = "connect"
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
	TypeCommand         MessageType = "command"
	TypeCommandResponse MessageType = "commandResponse"
	TypeSettingsChanged MessageType = "settingsChanged"
	TypeLogHistory      MessageType = "logHistory"
	TypeScannerValue    MessageType = "scannerValue"
	TypeScannerValues   MessageType = "scannerValues"
	TypeDebug           MessageType = "debug"
	TypeDisconnect      MessageType = "disconnect"
	TypeRequest         MessageType = "request"
	TypeRequestResponse MessageType = "requestResponse"
)

// fanOutTypes are scanner messages copied to the session's watchers.
var fanOutTypes = map[MessageType]bool{
	TypeScannerValue:    true,
	TypeScannerValues:   true,
	TypeLogHistory:      true,
	TypeDebug:           true,
	TypeSettingsChanged: true,
}

// Message is the JSON envelope exchanged over the channel.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Role      models.Role `json:"role,omitempty"`
	Username  string      `json:"username,omitempty"`
	Password  string      `json:"password,omitempty"`
	// ID correlates a command or request with its response.
	ID string `json:"id,omitempty"`
	// Name is the command or request name.
	Name  string          `json:"name,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func encodeData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
