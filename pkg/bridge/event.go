package bridge

import (
	"encoding/json"
	"time"
)

// EventType names a lifecycle or application event emitted by a Client.
type EventType string

// Events a Client emits on its Events channel.
const (
	EventQR            EventType = "qr"                   // credential challenge
	EventAuthenticated EventType = "authenticated"        // credential accepted
	EventReady         EventType = "ready"                // fully connected
	EventSession       EventType = "session"              // new credential blob to persist
	EventSessionSaved  EventType = "remote_session_saved" // bridge confirmed a remote save
	EventDisconnected  EventType = "disconnected"
	EventAuthFailure   EventType = "auth_failure"
	EventError         EventType = "error"
	EventMessage       EventType = "message"
)

// StatusConnected is the live status reported by a healthy bridge.
const StatusConnected = "CONNECTED"

// Event is one lifecycle or message notification.
type Event struct {
	Err     error
	Message *Message
	Type    EventType
	QR      string
	Reason  string
	Session json.RawMessage
}

// Message is an incoming chat message.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`   // chat id; groups end in "@g.us"
	Author    string `json:"author"` // sender inside a group, empty for direct chats
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	HasQuoted bool   `json:"has_quoted"`
}

// Time returns the message timestamp.
func (m *Message) Time() time.Time {
	return time.Unix(m.Timestamp, 0).UTC()
}

// SenderID returns the author for group messages and the chat otherwise.
func (m *Message) SenderID() string {
	if m.Author != "" {
		return m.Author
	}
	return m.From
}

// Quoted is the message a Message replied to.
type Quoted struct {
	ID   string `json:"message_id"`
	Text string `json:"text"`
}

// frame is the JSON envelope exchanged with the bridge.
type frame struct {
	Payload   *Message        `json:"payload,omitempty"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Session   json.RawMessage `json:"session,omitempty"`
	Code      string          `json:"code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Status    string          `json:"status,omitempty"`
	To        string          `json:"to,omitempty"`
	Text      string          `json:"text,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
}
