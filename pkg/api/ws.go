package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// listenTimeout bounds how long a LISTEN command may block when a client
// subscribes to a new channel. Without it a stalled connection would
// block the client's read loop indefinitely.
const listenTimeout = 10 * time.Second

// ClientMessage is the inbound WebSocket protocol: subscribe,
// unsubscribe and ping.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// serverMessage is the outbound control protocol. Event payloads bypass
// it and go out raw.
type serverMessage struct {
	Type         string `json:"type"`
	Channel      string `json:"channel,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// ChannelListener starts and stops cross-pod LISTENs as clients come and
// go. Nil when running single-process; local events still fan out.
type ChannelListener interface {
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
}

// ConnectionManager manages WebSocket connections and their channel
// subscriptions. Each pod has one instance; it implements
// events.Broadcaster so drained events fan out to subscribed clients.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*wsConnection
	// channels maps channel → connection id → connection.
	channels map[string]map[string]*wsConnection

	listenerMu sync.RWMutex
	listener   ChannelListener

	writeTimeout time.Duration
}

// wsConnection is a single WebSocket client. subscriptions is touched
// only by the goroutine that owns the connection's read loop.
type wsConnection struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		conns:        make(map[string]*wsConnection),
		channels:     make(map[string]map[string]*wsConnection),
		writeTimeout: writeTimeout,
	}
}

// SetListener wires the cross-pod LISTEN/UNLISTEN hook. Called once at
// startup after both sides exist.
func (m *ConnectionManager) SetListener(l ChannelListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

func (m *ConnectionManager) currentListener() ChannelListener {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	return m.listener
}

// HandleConnection owns one WebSocket connection's lifecycle. Blocks
// until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConnection{
		id:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
	defer m.drop(c)

	m.sendControl(c, serverMessage{Type: "connection.established", ConnectionID: c.id})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.id, "error", err)
			continue
		}

		switch msg.Action {
		case "subscribe":
			m.handleSubscribe(c, msg.Channel)
		case "unsubscribe":
			if msg.Channel == "" {
				m.sendControl(c, serverMessage{Type: "error", Message: "channel is required for unsubscribe"})
				continue
			}
			m.unsubscribe(c, msg.Channel)
		case "ping":
			m.sendControl(c, serverMessage{Type: "pong"})
		}
	}
}

// Broadcast sends an event payload to every connection subscribed to the
// channel. Implements events.Broadcaster.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.mu.RLock()
	targets := make([]*wsConnection, 0, len(m.channels[channel]))
	for _, c := range m.channels[channel] {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if err := m.write(c, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.id, "error", err)
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleSubscribe(c *wsConnection, channel string) {
	if channel == "" {
		m.sendControl(c, serverMessage{Type: "error", Message: "channel is required for subscribe"})
		return
	}
	if err := m.subscribe(c, channel); err != nil {
		m.sendControl(c, serverMessage{
			Type:    "subscription.error",
			Channel: channel,
			Message: "failed to subscribe to channel",
		})
		return
	}
	m.sendControl(c, serverMessage{Type: "subscription.confirmed", Channel: channel})
}

// subscribe registers the connection for a channel, issuing LISTEN when
// it is the channel's first subscriber. LISTEN completes before
// subscribe returns so no confirmed subscription precedes an active
// listen.
func (m *ConnectionManager) subscribe(c *wsConnection, channel string) error {
	m.mu.Lock()
	subs, exists := m.channels[channel]
	if !exists {
		subs = make(map[string]*wsConnection)
		m.channels[channel] = subs
	}
	subs[c.id] = c
	m.mu.Unlock()

	if !exists {
		if l := m.currentListener(); l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Listen(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.mu.Lock()
				delete(m.channels, channel)
				m.mu.Unlock()
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// unsubscribe removes the connection from a channel and stops LISTEN
// when the last subscriber leaves. The UNLISTEN goroutine re-checks the
// channel set so a rapid unsubscribe/resubscribe cycle cannot drop an
// active listen.
func (m *ConnectionManager) unsubscribe(c *wsConnection, channel string) {
	m.mu.Lock()
	last := false
	if subs, ok := m.channels[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.channels, channel)
			last = true
		}
	}
	m.mu.Unlock()
	delete(c.subscriptions, channel)

	if !last {
		return
	}
	l := m.currentListener()
	if l == nil {
		return
	}
	go func() {
		m.mu.RLock()
		_, resubscribed := m.channels[channel]
		m.mu.RUnlock()
		if resubscribed {
			return
		}
		if err := l.Unlisten(context.Background(), channel); err != nil {
			slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
		}
	}()
}

// drop removes a closed connection and all of its subscriptions.
func (m *ConnectionManager) drop(c *wsConnection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendControl(c *wsConnection, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.id, "error", err)
		return
	}
	if err := m.write(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.id, "error", err)
	}
}

func (m *ConnectionManager) write(c *wsConnection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
