// Package events contains event contract definitions for WebSocket
// communication between the KeyGate backend and the admin listing view.
package events

import (
	"time"

	"keygate/pkg/contracts/domain"
)

// MessageType defines the type of WebSocket message.
type MessageType string

const (
	// Key record lifecycle messages, mirrored from store change notifications.
	MessageTypeKeyUpdated MessageType = "key:updated"
	MessageTypeKeyRemoved MessageType = "key:removed"

	// Connection messages
	MessageTypeConnect    MessageType = "connect"
	MessageTypeDisconnect MessageType = "disconnect"
	MessageTypeError      MessageType = "error"
)

// Message is the envelope for all WebSocket messages sent to admin clients.
type Message struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// KeyEvent carries one record change. Clients must apply it idempotently:
// re-applying the same record is a no-op, and deliveries may arrive
// duplicated or out of order.
type KeyEvent struct {
	Code    string                `json:"code"`
	Key     *domain.ActivationKey `json:"key,omitempty"`
	Removed bool                  `json:"removed,omitempty"`
}
