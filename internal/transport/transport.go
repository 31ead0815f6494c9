// Package transport maintains the live realtime connection to the chat
// backend and multiplexes room subscriptions over it. The wire subprotocol
// is hidden behind the Transport interface so implementations can be
// swapped (WebSocket JSON envelopes, AMQP).
package transport

import (
	"context"
	"fmt"

	"chat-client/internal/models"
)

// Handler receives events for a subscribed room.
type Handler func(models.Event)

// Transport is the realtime capability the rest of the client programs
// against.
//
// Connect is idempotent: while a connection for the same session is live,
// or an attempt is in flight, callers share it instead of opening a second
// one. SubscribeRoom registers a per-room handler and returns an
// unsubscribe capability; subscribing while disconnected is a no-op that
// returns a capability that does nothing. Publish never blocks on a dead
// connection: it reports false and the caller falls back to REST.
// Subscriptions do not survive a reconnect; the owning layer watches
// Reconnects and subscribes again.
type Transport interface {
	Connect(ctx context.Context, sess models.Session) error
	SubscribeRoom(roomID int64, h Handler) func()
	Publish(out models.Outgoing) bool
	PublishTyping(roomID int64, ev models.TypingEvent) bool
	Disconnect()
	Connected() bool
	Reconnects() <-chan struct{}
}

// ConnectionError means the handshake was rejected or timed out. Callers
// treat it like an authentication failure and return to the login flow.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
