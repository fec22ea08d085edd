package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/metrics"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// clientFrame is one inbound JSON message on the subscription socket.
type clientFrame struct {
	Op     string            `json:"op"`
	Action *types.TurnAction `json:"action,omitempty"`
	Chat   *chatFrame        `json:"chat,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

type chatFrame struct {
	Content    string         `json:"content"`
	Type       types.ChatType `json:"type"`
	Recipients []types.UserID `json:"recipients,omitempty"`
	EntityID   types.EntityID `json:"entityId,omitempty"`
}

// eventBatch is the outbound framing: every delivery is a batch, even a
// batch of one.
type eventBatch struct {
	Events []types.GameEvent `json:"events"`
}

// Client is one user's subscription connection to a room's event stream.
// It satisfies events.Subscriber: batches arrive in room order on Deliver
// and are forwarded through the send channel to the write pump.
type Client struct {
	conn wsConnection
	hub  *Hub

	userID        types.UserID
	interactionID types.InteractionID
	connID        types.ConnectionID
	isDM          bool

	mu     sync.RWMutex
	closed bool

	send        chan []byte
	unsubscribe func()
	closeOnce   sync.Once
}

func newClient(conn wsConnection, hub *Hub, interactionID types.InteractionID, userID types.UserID, connID types.ConnectionID, isDM bool) *Client {
	return &Client{
		conn:          conn,
		hub:           hub,
		userID:        userID,
		interactionID: interactionID,
		connID:        connID,
		isDM:          isDM,
		send:          make(chan []byte, sendBufferSize),
	}
}

// UserID satisfies events.Subscriber.
func (c *Client) UserID() types.UserID { return c.userID }

// IsDM satisfies events.Subscriber.
func (c *Client) IsDM() bool { return c.isDM }

// Deliver satisfies events.Subscriber. Called from the subscription's
// dispatch goroutine; a full send buffer drops the batch rather than
// blocking the dispatcher.
func (c *Client) Deliver(batch []types.GameEvent) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data, err := json.Marshal(eventBatch{Events: batch})
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal event batch", zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// Send channel closed under us during disconnect.
			logging.Warn(context.Background(), "Recovered from send on closed client",
				zap.String("userId", string(c.userID)))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send buffer full - dropping batch",
			zap.String("userId", string(c.userID)),
			zap.String("interactionId", string(c.interactionID)))
	}
}

// Disconnect closes the send channel once, which drains the write pump and
// closes the socket.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump consumes inbound frames until the socket drops, routing each to
// the hub. Exiting tears the whole connection down.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleClientGone(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "Failed to decode client frame",
				zap.String("userId", string(c.userID)), zap.Error(err))
			continue
		}

		c.route(frame)
	}
}

// route forwards one frame to the hub, containing panics so a poisoned
// frame drops the room into a pause instead of killing the process.
func (c *Client) route(frame clientFrame) {
	ctx := context.Background()
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, "Panic handling client frame",
				zap.String("userId", string(c.userID)),
				zap.String("interactionId", string(c.interactionID)),
				zap.String("op", frame.Op),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			if r, ok := c.hub.rooms.GetRoomByInteractionID(c.interactionID); ok {
				_ = r.Pause(ctx, "internal error")
			}
		}
	}()
	c.hub.routeFrame(ctx, c, frame)
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "Error writing to client",
				zap.String("userId", string(c.userID)), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// sendDirect bypasses the broadcaster for connection-scoped events such as
// the initial full sync and per-request errors.
func (c *Client) sendDirect(events ...types.GameEvent) {
	for i := range events {
		events[i].InteractionID = c.interactionID
		if events[i].Timestamp == 0 {
			events[i].Timestamp = time.Now().UnixMilli()
		}
	}
	c.Deliver(events)
}
