package models

import (
	"strings"
	"time"
)

// DeliveryState tracks a message from local submit to confirmation.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Reaction is an emoji reaction aggregated by the backend.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// Message represents a chat message. ID is assigned by the backend and is
// zero for entries that have not been persisted yet. ClientID is generated
// locally on send and echoed back by the backend so the local copy and the
// broadcast copy can be matched up.
type Message struct {
	ID        int64         `json:"id,omitempty"`
	ClientID  string        `json:"clientId,omitempty"`
	RoomID    int64         `json:"roomId"`
	Sender    string        `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	Reactions []Reaction    `json:"reactions,omitempty"`
	Own       bool          `json:"-"`
	Delivery  DeliveryState `json:"-"`
}

// Outgoing is the payload published on the chat submission channel.
type Outgoing struct {
	RoomID   int64  `json:"roomId"`
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// Valid reports whether the payload is worth sending.
func (o Outgoing) Valid() bool {
	return o.RoomID != 0 && strings.TrimSpace(o.Content) != ""
}
