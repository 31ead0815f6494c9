package models

// Event types delivered on room subscriptions.
const (
	EventMessage = "message"
	EventTyping  = "typing"
)

// Event is the envelope received on a room subscription.
type Event struct {
	Type    string       `json:"type"`
	RoomID  int64        `json:"roomId"`
	Message *Message     `json:"message,omitempty"`
	Typing  *TypingEvent `json:"typing,omitempty"`
}

// TypingEvent signals that a user started or stopped typing in a room.
type TypingEvent struct {
	User   string `json:"user"`
	Active bool   `json:"active"`
}
