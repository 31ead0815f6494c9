package models

// Room represents a chat room as listed by the backend.
type Room struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	Online      bool     `json:"online"`
}
