// Package amqp implements the transport capability over a RabbitMQ topic
// exchange: room subscriptions bind exclusive queues to per-room routing
// keys, and outgoing messages are published on a fixed submission key.
// Broker authentication travels in the AMQP URL, not the session token.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/transport"
)

const (
	amqpTransport = "amqp"

	submitKey = "chat.submit"
	typingKey = "chat.typing"
)

func roomKey(roomID int64) string {
	return fmt.Sprintf("room.%d", roomID)
}

// Client is the AMQP implementation of transport.Transport.
type Client struct {
	url            string
	exchange       string
	reconnectDelay time.Duration

	mu         sync.Mutex
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	closed     bool
	connecting chan struct{}
	connectErr error
	retrying   bool
	nextSub    int
	consumers  map[int]string // sub id -> consumer tag

	reconnects chan struct{}
}

// NewClient builds an AMQP transport for the given broker URL and exchange.
func NewClient(url, exchange string, reconnectDelay time.Duration) *Client {
	return &Client{
		url:            url,
		exchange:       exchange,
		reconnectDelay: reconnectDelay,
		reconnects:     make(chan struct{}, 1),
	}
}

var _ transport.Transport = (*Client)(nil)

// Connect dials the broker and declares the exchange. Concurrent callers
// share a single attempt. A failed dial schedules background retries;
// Reconnects signals when one of them lands.
func (c *Client) Connect(ctx context.Context, sess models.Session) error {
	c.mu.Lock()
	if c.ch != nil {
		c.mu.Unlock()
		return nil
	}
	if ch := c.connecting; ch != nil {
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return &transport.ConnectionError{Reason: "handshake cancelled", Err: ctx.Err()}
		}
		c.mu.Lock()
		err := c.connectErr
		connected := c.ch != nil
		c.mu.Unlock()
		if connected {
			return nil
		}
		return err
	}

	pending := make(chan struct{})
	c.connecting = pending
	c.closed = false
	c.mu.Unlock()

	conn, ch, err := c.dial()

	c.mu.Lock()
	c.connecting = nil
	c.connectErr = err
	if err == nil {
		c.conn = conn
		c.ch = ch
		c.consumers = make(map[int]string)
	}
	c.mu.Unlock()
	close(pending)

	if err != nil {
		// the broker may simply not be up yet; keep trying in the
		// background so the client heals without a restart
		go c.reconnectLoop()
		return err
	}
	observability.IncActive(amqpTransport)
	observability.IncTransportEvent(amqpTransport, "connect")
	go c.watchClose(conn)
	return nil
}

func (c *Client) dial() (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return nil, nil, &transport.ConnectionError{Reason: "broker dial failed", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, &transport.ConnectionError{Reason: "open channel failed", Err: err}
	}

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, &transport.ConnectionError{Reason: "declare exchange failed", Err: err}
	}
	return conn, ch, nil
}

// SubscribeRoom binds an exclusive queue to the room's routing key and
// consumes it, feeding decoded events to h.
func (c *Client) SubscribeRoom(roomID int64, h transport.Handler) func() {
	c.mu.Lock()
	ch := c.ch
	if ch == nil {
		c.mu.Unlock()
		return func() {}
	}
	c.nextSub++
	id := c.nextSub
	c.mu.Unlock()

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		log.Printf("amqp queue declare failed: %v", err)
		return func() {}
	}
	if err := ch.QueueBind(queue.Name, roomKey(roomID), c.exchange, false, nil); err != nil {
		log.Printf("amqp queue bind failed: %v", err)
		return func() {}
	}

	tag := fmt.Sprintf("chat-client-%d", id)
	deliveries, err := ch.Consume(queue.Name, tag, true, true, false, false, nil)
	if err != nil {
		log.Printf("amqp consume failed: %v", err)
		return func() {}
	}

	c.mu.Lock()
	if c.consumers == nil {
		c.mu.Unlock()
		_ = ch.Cancel(tag, false)
		return func() {}
	}
	c.consumers[id] = tag
	c.mu.Unlock()
	observability.IncTransportEvent(amqpTransport, "subscribe")

	go func() {
		for d := range deliveries {
			var ev models.Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				log.Printf("amqp event decode failed: %v", err)
				continue
			}
			if ev.RoomID == 0 {
				ev.RoomID = roomID
			}
			observability.IncTransportEvent(amqpTransport, "event")
			h(ev)
		}
	}()

	return func() {
		c.mu.Lock()
		tag, ok := c.consumers[id]
		if ok {
			delete(c.consumers, id)
		}
		ch := c.ch
		c.mu.Unlock()
		if ok && ch != nil {
			if err := ch.Cancel(tag, false); err != nil {
				log.Printf("amqp cancel consumer failed: %v", err)
			}
		}
	}
}

// Publish sends a message on the submission key. Reports false when the
// payload is empty or the channel is down; the caller falls back to REST.
func (c *Client) Publish(out models.Outgoing) bool {
	if !out.Valid() {
		return false
	}
	body, err := json.Marshal(out)
	if err != nil {
		return false
	}
	return c.publish(submitKey, body)
}

// PublishTyping signals a typing state change for a room.
func (c *Client) PublishTyping(roomID int64, ev models.TypingEvent) bool {
	body, err := json.Marshal(models.Event{Type: models.EventTyping, RoomID: roomID, Typing: &ev})
	if err != nil {
		return false
	}
	return c.publish(typingKey, body)
}

func (c *Client) publish(key string, body []byte) bool {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		observability.IncTransportEvent(amqpTransport, "publish_drop")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ch.PublishWithContext(ctx, c.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		log.Printf("amqp publish failed: %v", err)
		observability.IncTransportEvent(amqpTransport, "publish_error")
		return false
	}
	observability.IncTransportEvent(amqpTransport, "publish")
	return true
}

// Disconnect closes the channel and connection and drops all consumers.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	ch := c.ch
	c.conn = nil
	c.ch = nil
	c.consumers = nil
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
		observability.DecActive(amqpTransport)
		observability.IncTransportEvent(amqpTransport, "disconnect")
	}
}

// Connected reports whether the channel is currently usable.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

// Reconnects delivers a notification after each successful reconnection.
func (c *Client) Reconnects() <-chan struct{} {
	return c.reconnects
}

func (c *Client) watchClose(conn *amqp091.Connection) {
	err := <-conn.NotifyClose(make(chan *amqp091.Error, 1))

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ch = nil
	c.consumers = nil
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	observability.DecActive(amqpTransport)
	observability.IncTransportEvent(amqpTransport, "disconnect")
	log.Printf("amqp connection lost: %v", err)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
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
		if c.closed || c.ch != nil || c.connecting != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, ch, err := c.dial()
		if err != nil {
			log.Printf("amqp reconnect attempt failed: %v", err)
			continue
		}

		c.mu.Lock()
		if c.closed || c.ch != nil {
			c.mu.Unlock()
			ch.Close()
			conn.Close()
			return
		}
		c.conn = conn
		c.ch = ch
		c.consumers = make(map[int]string)
		c.mu.Unlock()

		observability.IncActive(amqpTransport)
		observability.IncReconnect(amqpTransport)
		go c.watchClose(conn)

		select {
		case c.reconnects <- struct{}{}:
		default:
		}
		return
	}
}
