// Package roomstate merges REST history, subscription pushes and
// optimistic local sends into one ordered message view per room.
//
// Ordering is by arrival, except that a history batch is prepended before
// any live messages already present. Deduplication of the server echo
// against the optimistic local entry is by client id when the backend
// echoes one; otherwise a fallback heuristic matches an own message with
// the same sender and content within matchWindow of the local timestamp.
package roomstate

import (
	"time"

	"chat-client/internal/models"
)

// matchWindow bounds the content-based fallback match between an
// optimistic entry and a server echo that carries no client id.
const matchWindow = 5 * time.Second

// RoomState holds the ordered messages for a single room. It is not
// safe for concurrent use; the owning controller serializes access.
type RoomState struct {
	messages []models.Message
}

// New returns an empty RoomState.
func New() *RoomState {
	return &RoomState{}
}

// Messages returns a copy of the current ordered view.
func (s *RoomState) Messages() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the view.
func (s *RoomState) Len() int {
	return len(s.messages)
}

// ApplyHistory merges a history batch. History always precedes live
// traffic, so the batch lands before whatever is already present. Entries
// already in the view (matched by server id) are not duplicated, and a
// batch entry echoing the client id of an optimistic entry replaces it in
// place. That happens when a room is refetched after a reconnect while a
// send is still awaiting its echo.
func (s *RoomState) ApplyHistory(batch []models.Message) {
	seenID := make(map[int64]bool, len(s.messages))
	byClientID := make(map[string]int, len(s.messages))
	for i, m := range s.messages {
		if m.ID != 0 {
			seenID[m.ID] = true
		}
		if m.ClientID != "" {
			byClientID[m.ClientID] = i
		}
	}

	merged := make([]models.Message, 0, len(batch)+len(s.messages))
	for _, m := range batch {
		if m.ID != 0 && seenID[m.ID] {
			continue
		}
		m.Delivery = models.DeliverySent
		if m.ClientID != "" {
			if i, ok := byClientID[m.ClientID]; ok {
				m.Own = s.messages[i].Own
				s.messages[i] = m
				continue
			}
		}
		merged = append(merged, m)
	}
	s.messages = append(merged, s.messages...)
}

// ApplyLocalSend appends an optimistic entry in pending state.
func (s *RoomState) ApplyLocalSend(msg models.Message) {
	msg.Own = true
	msg.Delivery = models.DeliveryPending
	s.messages = append(s.messages, msg)
}

// ApplyPush merges a subscription push. A push matching an existing entry
// (by client id, server id, or the content heuristic) replaces it instead
// of duplicating; otherwise the push is appended in arrival order.
func (s *RoomState) ApplyPush(msg models.Message) {
	if i := s.match(msg); i >= 0 {
		own := s.messages[i].Own
		msg.Own = own
		msg.Delivery = models.DeliverySent
		if msg.ClientID == "" {
			msg.ClientID = s.messages[i].ClientID
		}
		s.messages[i] = msg
		return
	}
	msg.Delivery = models.DeliverySent
	s.messages = append(s.messages, msg)
}

// Confirm marks the optimistic entry for clientID as persisted, adopting
// the server-assigned identity. Used when the REST fallback returns.
func (s *RoomState) Confirm(clientID string, saved models.Message) {
	for i := range s.messages {
		if s.messages[i].ClientID == clientID {
			saved.ClientID = clientID
			saved.Own = true
			saved.Delivery = models.DeliverySent
			s.messages[i] = saved
			return
		}
	}
	saved.ClientID = clientID
	saved.Own = true
	saved.Delivery = models.DeliverySent
	s.messages = append(s.messages, saved)
}

// Fail marks the optimistic entry for clientID as failed. The entry stays
// in the view so the user can retry.
func (s *RoomState) Fail(clientID string) {
	for i := range s.messages {
		if s.messages[i].ClientID == clientID {
			s.messages[i].Delivery = models.DeliveryFailed
			return
		}
	}
}

func (s *RoomState) match(msg models.Message) int {
	if msg.ClientID != "" {
		for i := range s.messages {
			if s.messages[i].ClientID == msg.ClientID {
				return i
			}
		}
		return -1
	}
	if msg.ID != 0 {
		for i := range s.messages {
			if s.messages[i].ID == msg.ID {
				return i
			}
		}
	}
	// fallback heuristic for backends that do not echo the client id,
	// scanning newest first
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if !m.Own || m.Content != msg.Content || m.Sender != msg.Sender {
			continue
		}
		if m.Delivery == models.DeliveryFailed {
			continue
		}
		delta := msg.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if msg.CreatedAt.IsZero() || m.CreatedAt.IsZero() || delta <= matchWindow {
			return i
		}
	}
	return -1
}
