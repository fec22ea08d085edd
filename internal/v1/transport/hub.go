package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/auth"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/chat"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/connection"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/events"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/metrics"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/ratelimit"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/room"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// Hub owns the subscription surface: it upgrades authenticated requests to
// WebSocket connections, wires each connection into the broadcaster, and
// routes inbound frames to the owning room.
type Hub struct {
	rooms       *room.Manager
	connections *connection.Handler
	broadcaster *events.Broadcaster
	validator   auth.TokenValidator
	rateLimiter *ratelimit.RateLimiter

	allowedOrigins []string

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub wires the subscription surface to its collaborators.
func NewHub(rooms *room.Manager, conns *connection.Handler, bc *events.Broadcaster, validator auth.TokenValidator, rl *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		rooms:          rooms,
		connections:    conns,
		broadcaster:    bc,
		validator:      validator,
		rateLimiter:    rl,
		allowedOrigins: allowedOrigins,
		clients:        make(map[*Client]struct{}),
	}
}

// ServeWs handles GET /ws/rooms/:interactionId: rate limit, credential
// resolution, origin check, upgrade, and then the subscription itself.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocketIP(c) {
		return
	}

	token, fromProtocolHeader := extractWsToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}
	identity, err := h.validator.Resolve(token)
	if err != nil {
		logging.Warn(c.Request.Context(), "WS token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), identity.UserID); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	origin := c.GetHeader("Origin")
	if origin != "" && !auth.OriginAllowed(origin, h.allowedOrigins) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	interactionID := types.InteractionID(c.Param("interactionId"))
	r, ok := h.rooms.GetRoomByInteractionID(interactionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no room for this interaction"})
		return
	}
	userID := types.UserID(identity.UserID)
	if _, seated := r.GetParticipant(userID); !seated {
		c.JSON(http.StatusForbidden, gin.H{"error": "join the room before subscribing"})
		return
	}

	conn, err := h.upgrade(c, fromProtocolHeader)
	if err != nil {
		return
	}

	h.handleConnection(c.Request.Context(), conn, r, interactionID, userID)
}

func (h *Hub) handleConnection(ctx context.Context, conn wsConnection, r *room.Room, interactionID types.InteractionID, userID types.UserID) {
	connID := types.ConnectionID(uuid.NewString())
	client := newClient(conn, h, interactionID, userID, connID, r.IsUserDM(userID))

	// The full sync goes out before the subscription opens, so the client
	// never sees a partial delta it has no base state for.
	state := r.State()
	fullSync := types.StateDelta{
		Timestamp: state.Timestamp,
		FullSync:  true,
		State:     state,
	}
	client.sendDirect(types.GameEvent{
		Type:  types.EventStateDelta,
		Delta: &fullSync,
	})

	client.unsubscribe = h.broadcaster.Subscribe(interactionID, client)
	h.connections.Register(ctx, interactionID, userID, connID)

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()

	logging.Info(ctx, "Subscription opened",
		zap.String("interactionId", string(interactionID)),
		zap.String("userId", string(userID)),
		zap.String("connectionId", string(connID)))
}

// routeFrame dispatches one inbound frame from a subscription connection.
func (h *Hub) routeFrame(ctx context.Context, c *Client, frame clientFrame) {
	switch frame.Op {
	case "heartbeat":
		h.connections.UpdateHeartbeat(c.interactionID, c.userID)

	case "takeTurn":
		if frame.Action == nil {
			c.sendDirect(errorEvent(types.KindInvalidArgument, "takeTurn requires an action"))
			return
		}
		r, ok := h.rooms.GetRoomByInteractionID(c.interactionID)
		if !ok {
			c.sendDirect(errorEvent(types.KindNotFound, "no room for this interaction"))
			return
		}
		action := *frame.Action
		action.InteractionID = c.interactionID
		if ok, result, _ := r.ProcessTurnAction(ctx, action); !ok {
			c.sendDirect(errorEvent(types.KindInvalidArgument, strings.Join(result.Errors, "; ")))
		}

	case "sendChatMessage":
		if frame.Chat == nil {
			c.sendDirect(errorEvent(types.KindInvalidArgument, "sendChatMessage requires a chat payload"))
			return
		}
		r, ok := h.rooms.GetRoomByInteractionID(c.interactionID)
		if !ok {
			c.sendDirect(errorEvent(types.KindNotFound, "no room for this interaction"))
			return
		}
		_, err := r.SendChatMessage(ctx, chat.SendInput{
			UserID:     c.userID,
			EntityID:   frame.Chat.EntityID,
			Content:    frame.Chat.Content,
			Type:       frame.Chat.Type,
			Recipients: frame.Chat.Recipients,
		})
		if err != nil {
			c.sendDirect(errorEvent(types.KindOf(err), err.Error()))
		}

	case "leaveRoom":
		if err := h.rooms.LeaveRoom(ctx, c.interactionID, c.userID); err != nil {
			c.sendDirect(errorEvent(types.KindOf(err), err.Error()))
			return
		}
		h.connections.Forget(c.interactionID, c.userID)
		c.Disconnect()

	default:
		c.sendDirect(errorEvent(types.KindInvalidArgument, fmt.Sprintf("unknown op %q", frame.Op)))
	}
}

// handleClientGone runs when a read pump exits: the session transitions to
// disconnected (reconnect budget and DM grace apply), the subscription
// closes, and the seat stays for a reconnect.
func (h *Hub) handleClientGone(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.Disconnect()
	h.connections.Disconnect(context.Background(), c.interactionID, c.userID, "connection closed")
}

// Shutdown notifies all subscribers to reconnect elsewhere and closes their
// connections.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.sendDirect(types.GameEvent{
			Type:   types.EventError,
			Code:   "SERVER_SHUTDOWN",
			Reason: "server is shutting down, reconnect shortly",
		})
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.Disconnect()
	}

	logging.Info(ctx, "Subscription surface drained", zap.Int("connections", len(clients)))
}

// --- helpers ---

// extractWsToken pulls the credential from the Sec-WebSocket-Protocol
// header (browser clients cannot set Authorization on upgrades) or the
// token query parameter.
func extractWsToken(c *gin.Context) (token string, fromProtocolHeader bool) {
	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "" || p == "access_token" {
				continue
			}
			return p, true
		}
	}
	return c.Query("token"), false
}

func (h *Hub) upgrade(c *gin.Context, fromProtocolHeader bool) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || auth.OriginAllowed(origin, h.allowedOrigins)
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if fromProtocolHeader {
		responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

func errorEvent(kind types.ErrorKind, reason string) types.GameEvent {
	return types.GameEvent{
		Type:      types.EventError,
		Code:      string(kind),
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	}
}
