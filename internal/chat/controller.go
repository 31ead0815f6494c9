// Package chat owns the per-session wiring: it feeds credentials to the
// transport, routes incoming events and REST history into per-room state,
// and runs outgoing sends with optimistic echo and REST fallback.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/rest"
	"chat-client/internal/roomstate"
	"chat-client/internal/session"
	"chat-client/internal/transport"
	"chat-client/internal/typing"
)

// SendError means the transport publish and the REST fallback both
// failed. The entry stays in the view as failed; the user may retry.
type SendError struct {
	RoomID   int64
	ClientID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to room %d failed: %v", e.RoomID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// API is the subset of the REST client the controller needs.
type API interface {
	Me(ctx context.Context) (string, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
	History(ctx context.Context, roomID int64, limit int) ([]models.Message, error)
	SendMessage(ctx context.Context, roomID int64, content, clientID string) (models.Message, error)
}

// Sessions is the subset of the session store the controller needs.
type Sessions interface {
	Current() models.Session
	Logout() error
}

// Controller is the session-scoped owner of the transport connection and
// all room state.
type Controller struct {
	api          API
	transport    transport.Transport
	sessions     Sessions
	historyLimit int
	onUpdate     func()
	typing       *typing.Debouncer

	mu          sync.Mutex
	rooms       []models.Room
	active      int64
	states      map[int64]*roomstate.RoomState
	typists     map[string]bool
	unsubscribe func()
	historyGen  int

	done      chan struct{}
	stopOnce  sync.Once
	watchOnce sync.Once
}

// New builds a Controller. settle is the typing debounce window.
func New(api API, tr transport.Transport, sessions Sessions, historyLimit int, settle time.Duration, onUpdate func()) *Controller {
	c := &Controller{
		api:          api,
		transport:    tr,
		sessions:     sessions,
		historyLimit: historyLimit,
		onUpdate:     onUpdate,
		states:       make(map[int64]*roomstate.RoomState),
		typists:      make(map[string]bool),
		done:         make(chan struct{}),
	}
	c.typing = typing.NewDebouncer(settle, c.sendTypingSignal)
	return c
}

// Start validates the session against the backend and opens the realtime
// connection. A rejected token clears the session and reports AuthError;
// a failed handshake is returned as ConnectionError and the client runs
// degraded until the transport reconnects.
func (c *Controller) Start(ctx context.Context) error {
	sess := c.sessions.Current()
	if !sess.Authenticated() {
		return &session.AuthError{Op: "start", Err: errors.New("no session")}
	}

	if _, err := c.api.Me(ctx); err != nil {
		if rest.IsAuthFailure(err) {
			_ = c.sessions.Logout()
			return &session.AuthError{Op: "validate session", Err: err}
		}
		log.Printf("session validation deferred: %v", err)
	}

	// the watcher runs even when the handshake failed: the transport
	// retries in the background and the watcher reopens the active room
	// once a connection lands
	err := c.transport.Connect(ctx, sess)
	c.watchOnce.Do(func() { go c.watchReconnects() })
	return err
}

// Rooms refreshes the room list. When the backend is unreachable the
// cached list is kept, or the client falls back to a default General
// room, like the original UI.
func (c *Controller) Rooms(ctx context.Context) []models.Room {
	rooms, err := c.api.ListRooms(ctx)
	if err != nil || len(rooms) == 0 {
		if err != nil {
			log.Printf("list rooms failed: %v", err)
		}
		c.mu.Lock()
		cached := append([]models.Room(nil), c.rooms...)
		c.mu.Unlock()
		if len(cached) > 0 {
			return cached
		}
		rooms = []models.Room{{ID: 1, Name: "General"}}
	}
	c.mu.Lock()
	c.rooms = rooms
	c.mu.Unlock()
	return rooms
}

// OpenRoom makes roomID the active room: any in-flight history fetch for
// the previous room is invalidated, its subscription released, typing
// state reset. History is awaited and applied before the subscription is
// registered, so history always precedes live traffic.
func (c *Controller) OpenRoom(ctx context.Context, roomID int64) error {
	c.typing.Stop()

	c.mu.Lock()
	c.historyGen++
	gen := c.historyGen
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.active = roomID
	c.typists = make(map[string]bool)
	if c.states[roomID] == nil {
		c.states[roomID] = roomstate.New()
	}
	c.mu.Unlock()

	msgs, histErr := c.api.History(ctx, roomID, c.historyLimit)

	c.mu.Lock()
	if gen != c.historyGen {
		// superseded by a later OpenRoom; drop the result
		c.mu.Unlock()
		return nil
	}
	if histErr == nil {
		c.markOwn(msgs)
		c.states[roomID].ApplyHistory(msgs)
	}
	c.unsubscribe = c.transport.SubscribeRoom(roomID, c.handleEvent)
	c.mu.Unlock()

	c.update()
	return histErr
}

// Send submits text to the active room. The optimistic entry is inserted
// synchronously before any network activity; on a dead transport the REST
// fallback runs exactly once and settles the entry to sent or failed.
func (c *Controller) Send(ctx context.Context, text string) error {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil
	}

	c.mu.Lock()
	roomID := c.active
	if roomID == 0 {
		c.mu.Unlock()
		return errors.New("no active room")
	}
	clientID := uuid.NewString()
	msg := models.Message{
		ClientID:  clientID,
		RoomID:    roomID,
		Sender:    c.sessions.Current().DisplayName,
		Content:   content,
		CreatedAt: time.Now(),
	}
	c.states[roomID].ApplyLocalSend(msg)
	c.mu.Unlock()

	c.update()
	c.typing.Stop()

	if c.transport.Publish(models.Outgoing{RoomID: roomID, Content: content, ClientID: clientID}) {
		// stays pending until the broadcast echo confirms it
		return nil
	}
	return c.fallbackSend(ctx, roomID, content, clientID)
}

// Retry re-runs delivery for a previously failed entry in the active room.
func (c *Controller) Retry(ctx context.Context, clientID string) error {
	c.mu.Lock()
	roomID := c.active
	st := c.states[roomID]
	var content string
	if st != nil {
		for _, m := range st.Messages() {
			if m.ClientID == clientID && m.Delivery == models.DeliveryFailed {
				content = m.Content
				break
			}
		}
	}
	c.mu.Unlock()
	if content == "" {
		return errors.New("no failed message to retry")
	}

	if c.transport.Publish(models.Outgoing{RoomID: roomID, Content: content, ClientID: clientID}) {
		return nil
	}
	return c.fallbackSend(ctx, roomID, content, clientID)
}

func (c *Controller) fallbackSend(ctx context.Context, roomID int64, content, clientID string) error {
	saved, err := c.api.SendMessage(ctx, roomID, content, clientID)

	c.mu.Lock()
	st := c.states[roomID]
	if st != nil {
		if err != nil {
			st.Fail(clientID)
		} else {
			st.Confirm(clientID, saved)
		}
	}
	c.mu.Unlock()
	c.update()

	if err != nil {
		return &SendError{RoomID: roomID, ClientID: clientID, Err: err}
	}
	return nil
}

// Keystroke feeds the typing debouncer; the debouncer decides whether a
// typing signal actually goes out.
func (c *Controller) Keystroke() {
	c.typing.Keystroke()
}

// Messages returns the ordered view for a room.
func (c *Controller) Messages(roomID int64) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[roomID]
	if st == nil {
		return nil
	}
	return st.Messages()
}

// TypingUsers lists users currently typing in the active room.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]string, 0, len(c.typists))
	for u := range c.typists {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Connected reports whether the realtime transport is live.
func (c *Controller) Connected() bool {
	return c.transport.Connected()
}

// Logout tears the connection down and then clears the session. The
// disconnect must complete before the credential leaves storage.
func (c *Controller) Logout() error {
	c.typing.Stop()

	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.active = 0
	c.states = make(map[int64]*roomstate.RoomState)
	c.typists = make(map[string]bool)
	c.mu.Unlock()

	c.transport.Disconnect()
	c.stopOnce.Do(func() { close(c.done) })
	return c.sessions.Logout()
}

func (c *Controller) handleEvent(ev models.Event) {
	switch ev.Type {
	case models.EventMessage:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		c.mu.Lock()
		if msg.Sender == c.sessions.Current().DisplayName {
			msg.Own = true
		}
		st := c.states[msg.RoomID]
		if st == nil {
			st = roomstate.New()
			c.states[msg.RoomID] = st
		}
		st.ApplyPush(msg)
		for i := range c.rooms {
			if c.rooms[i].ID == msg.RoomID {
				last := msg
				c.rooms[i].LastMessage = &last
			}
		}
		c.mu.Unlock()
	case models.EventTyping:
		if ev.Typing == nil {
			return
		}
		c.mu.Lock()
		if ev.RoomID == c.active && ev.Typing.User != c.sessions.Current().DisplayName {
			if ev.Typing.Active {
				c.typists[ev.Typing.User] = true
			} else {
				delete(c.typists, ev.Typing.User)
			}
		}
		c.mu.Unlock()
	default:
		return
	}
	c.update()
}

func (c *Controller) sendTypingSignal(active bool) {
	c.mu.Lock()
	roomID := c.active
	c.mu.Unlock()
	if roomID == 0 {
		return
	}
	user := c.sessions.Current().DisplayName
	c.transport.PublishTyping(roomID, models.TypingEvent{User: user, Active: active})
}

func (c *Controller) watchReconnects() {
	for {
		select {
		case <-c.done:
			return
		case <-c.transport.Reconnects():
			observability.IncTransportEvent("controller", "resubscribe")
			c.mu.Lock()
			roomID := c.active
			c.mu.Unlock()
			if roomID == 0 {
				continue
			}
			// the transport does not restore room subscriptions, and the
			// outage may have dropped messages, so reopen from history
			if err := c.OpenRoom(context.Background(), roomID); err != nil {
				log.Printf("resubscribe room %d: %v", roomID, err)
			}
		}
	}
}

func (c *Controller) markOwn(msgs []models.Message) {
	name := c.sessions.Current().DisplayName
	for i := range msgs {
		if msgs[i].Sender == name {
			msgs[i].Own = true
		}
	}
}

func (c *Controller) update() {
	if c.onUpdate != nil {
		c.onUpdate()
	}
}
