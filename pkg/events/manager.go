package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nicebuild/jarvis/pkg/models"
)

// ConnectionManager manages WebSocket connections and their task
// subscriptions. One instance per process.
type ConnectionManager struct {
	bus *Bus

	connections map[string]*Connection
	mu          sync.RWMutex

	writeTimeout time.Duration
	logger       *slog.Logger
}

// Connection is a single WebSocket client.
//
// subscriptions is only touched by the goroutine running the read loop
// (HandleConnection and its deferred cleanup), so it needs no lock.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]func() // task id -> bus cancel
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewConnectionManager(bus *Bus, writeTimeout time.Duration, logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		bus:          bus,
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "ws"),
	}
}

// progressMessage is the wire form of a progress event.
type progressMessage struct {
	Type string `json:"type"`
	models.ProgressEvent
}

// HandleConnection runs a client's lifecycle after upgrade. Blocks
// until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]func()),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          MsgConnectionEstablished,
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("invalid websocket message", "connection_id", connID, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.TaskID == "" {
			m.sendJSON(c, map[string]string{"type": MsgError, "message": "task_id is required for subscribe"})
			return
		}
		if _, dup := c.subscriptions[msg.TaskID]; dup {
			return
		}
		history, ch, cancel := m.bus.Subscribe(msg.TaskID)
		c.subscriptions[msg.TaskID] = cancel

		m.sendJSON(c, map[string]string{
			"type":    MsgSubscriptionConfirmed,
			"task_id": msg.TaskID,
		})
		// Catch-up before live events so the client sees every state
		// transition in order.
		for _, ev := range history {
			m.sendJSON(c, progressMessage{Type: MsgTaskProgress, ProgressEvent: ev})
		}
		go m.pump(c, msg.TaskID, ch)

	case "unsubscribe":
		if msg.TaskID == "" {
			m.sendJSON(c, map[string]string{"type": MsgError, "message": "task_id is required for unsubscribe"})
			return
		}
		if cancel, ok := c.subscriptions[msg.TaskID]; ok {
			delete(c.subscriptions, msg.TaskID)
			cancel()
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": MsgPong})
	}
}

// pump forwards live events for one subscription until the topic
// closes or the connection goes away.
func (m *ConnectionManager) pump(c *Connection, taskID string, ch <-chan models.ProgressEvent) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				m.sendJSON(c, map[string]string{
					"type":    MsgSubscriptionClosed,
					"task_id": taskID,
				})
				return
			}
			m.sendJSON(c, progressMessage{Type: MsgTaskProgress, ProgressEvent: ev})
		}
	}
}

// ActiveConnections returns the count of connected clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	for taskID, cancel := range c.subscriptions {
		delete(c.subscriptions, taskID)
		cancel()
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("marshal websocket message", "connection_id", c.ID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.Conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		m.logger.Warn("websocket send failed", "connection_id", c.ID, "error", err)
	}
}
