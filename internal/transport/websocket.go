package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

const wsTransport = "ws"

// outFrame is the envelope written to the backend.
type outFrame struct {
	Type    string              `json:"type"`
	RoomID  int64               `json:"roomId,omitempty"`
	Message *models.Outgoing    `json:"message,omitempty"`
	Typing  *models.TypingEvent `json:"typing,omitempty"`
}

// WSClient is the WebSocket implementation of Transport.
type WSClient struct {
	url            string
	handshake      time.Duration
	reconnectDelay time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	sess       models.Session
	closed     bool
	connecting chan struct{}
	connectErr error
	retrying   bool
	nextSub    int
	handlers   map[int64]map[int]Handler

	writeMu    sync.Mutex
	reconnects chan struct{}
}

// NewWSClient builds a WebSocket transport for the given URL.
func NewWSClient(url string, handshake, reconnectDelay time.Duration) *WSClient {
	return &WSClient{
		url:            url,
		handshake:      handshake,
		reconnectDelay: reconnectDelay,
		reconnects:     make(chan struct{}, 1),
	}
}

var _ Transport = (*WSClient)(nil)

// Connect opens the connection, authenticating the handshake with the
// session token. Concurrent callers share a single attempt and observe the
// same outcome. Connecting with a different token while a connection is
// live tears the old one down first. A failed handshake that is not an
// auth rejection schedules background retries; Reconnects signals when one
// of them lands.
func (c *WSClient) Connect(ctx context.Context, sess models.Session) error {
	c.mu.Lock()
	if c.conn != nil && c.sess.Token == sess.Token {
		c.mu.Unlock()
		return nil
	}
	if ch := c.connecting; ch != nil {
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return &ConnectionError{Reason: "handshake cancelled", Err: ctx.Err()}
		}
		c.mu.Lock()
		err := c.connectErr
		connected := c.conn != nil
		c.mu.Unlock()
		if connected {
			return nil
		}
		return err
	}

	stale := c.conn
	c.conn = nil
	if stale != nil {
		c.handlers = nil
	}
	ch := make(chan struct{})
	c.connecting = ch
	c.sess = sess
	c.closed = false
	c.mu.Unlock()

	if stale != nil {
		stale.Close()
		observability.DecActive(wsTransport)
		observability.IncTransportEvent(wsTransport, "disconnect")
	}

	conn, err := c.dial(ctx, sess)

	c.mu.Lock()
	c.connecting = nil
	c.connectErr = err
	if err == nil {
		c.conn = conn
		c.handlers = make(map[int64]map[int]Handler)
	}
	c.mu.Unlock()
	close(ch)

	if err != nil {
		var connErr *ConnectionError
		if !(errors.As(err, &connErr) && connErr.Reason == "handshake rejected") {
			go c.reconnectLoop()
		}
		return err
	}
	observability.IncActive(wsTransport)
	observability.IncTransportEvent(wsTransport, "connect")
	go c.readPump(conn)
	return nil
}

func (c *WSClient) dial(ctx context.Context, sess models.Session) (*websocket.Conn, error) {
	ctx, span := otel.Tracer("chat-client/transport").Start(ctx, "ws.handshake")
	defer span.End()

	dialer := websocket.Dialer{HandshakeTimeout: c.handshake}
	header := http.Header{}
	if sess.Token != "" {
		header.Set("Authorization", "Bearer "+sess.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		reason := "handshake failed"
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			reason = "handshake rejected"
		}
		return nil, &ConnectionError{Reason: reason, Err: err}
	}
	return conn, nil
}

// SubscribeRoom registers h for events in roomID on the current
// connection. While disconnected it returns a capability that does
// nothing; callers subscribe again after a reconnect.
func (c *WSClient) SubscribeRoom(roomID int64, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return func() {}
	}
	if c.handlers[roomID] == nil {
		c.handlers[roomID] = make(map[int]Handler)
	}
	c.nextSub++
	id := c.nextSub
	c.handlers[roomID][id] = h
	observability.IncTransportEvent(wsTransport, "subscribe")

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if subs, ok := c.handlers[roomID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(c.handlers, roomID)
			}
		}
	}
}

// Publish writes a message to the chat submission channel. It reports
// false when the payload is empty, no connection is live or the write
// fails; the caller is responsible for the REST fallback, so no retry
// happens here.
func (c *WSClient) Publish(out models.Outgoing) bool {
	if !out.Valid() {
		return false
	}
	return c.write(outFrame{Type: "send", RoomID: out.RoomID, Message: &out})
}

// PublishTyping signals a typing state change for a room.
func (c *WSClient) PublishTyping(roomID int64, ev models.TypingEvent) bool {
	return c.write(outFrame{Type: "typing", RoomID: roomID, Typing: &ev})
}

func (c *WSClient) write(frame outFrame) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		observability.IncTransportEvent(wsTransport, "publish_drop")
		return false
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		log.Printf("websocket write error: %v", err)
		observability.IncTransportEvent(wsTransport, "publish_error")
		return false
	}
	observability.IncTransportEvent(wsTransport, "publish")
	return true
}

// Disconnect tears the connection down and invalidates all outstanding
// subscriptions. Safe to call when already disconnected.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.handlers = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()
	observability.DecActive(wsTransport)
	observability.IncTransportEvent(wsTransport, "disconnect")
}

// Connected reports whether a connection is currently live.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Reconnects delivers a notification after each successful reconnection.
// Room subscriptions are not restored automatically; the owning layer
// redoes SubscribeRoom when it observes one.
func (c *WSClient) Reconnects() <-chan struct{} {
	return c.reconnects
}

func (c *WSClient) readPump(conn *websocket.Conn) {
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			c.handleLoss(conn, err)
			return
		}
		observability.IncTransportEvent(wsTransport, "event")
		c.dispatch(ev)
	}
}

func (c *WSClient) dispatch(ev models.Event) {
	c.mu.Lock()
	var hs []Handler
	for _, h := range c.handlers[ev.RoomID] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *WSClient) handleLoss(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// a newer connection already replaced this one
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.handlers = nil
	closed := c.closed
	c.mu.Unlock()

	observability.DecActive(wsTransport)
	observability.IncTransportEvent(wsTransport, "disconnect")
	if closed {
		return
	}
	log.Printf("websocket connection lost: %v", err)
	go c.reconnectLoop()
}

func (c *WSClient) reconnectLoop() {
	c.mu.Lock()
	if c.retrying {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.retrying = false
		c.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.reconnectDelay
	b.Multiplier = 1.5
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		time.Sleep(b.NextBackOff())

		c.mu.Lock()
		if c.closed || c.conn != nil || c.connecting != nil {
			c.mu.Unlock()
			return
		}
		sess := c.sess
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.handshake)
		conn, err := c.dial(ctx, sess)
		cancel()
		if err != nil {
			log.Printf("reconnect attempt failed: %v", err)
			continue
		}

		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.handlers = make(map[int64]map[int]Handler)
		c.mu.Unlock()

		observability.IncActive(wsTransport)
		observability.IncReconnect(wsTransport)
		go c.readPump(conn)

		select {
		case c.reconnects <- struct{}{}:
		default:
		}
		return
	}
}
