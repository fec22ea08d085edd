package transport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/auth"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/chat"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// identityKey is the gin context key carrying the resolved auth.Identity.
const identityKey = "identity"

// API is the request/response surface. Every operation the subscription
// socket accepts is also available here.
type API struct {
	hub *Hub
}

// NewAPI creates the REST handler set on top of the hub's collaborators.
func NewAPI(hub *Hub) *API {
	return &API{hub: hub}
}

// AuthMiddleware resolves the bearer credential and parks the identity in
// the request context. Requests without a valid credential stop here.
func AuthMiddleware(validator auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		identity, err := validator.Resolve(token)
		if err != nil {
			logging.Warn(c.Request.Context(), "Token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(identityKey, identity)
		c.Set(string(logging.UserIDKey), identity.UserID)
		c.Next()
	}
}

func identityFrom(c *gin.Context) *auth.Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(*auth.Identity)
	return id
}

// writeError maps a typed error onto its HTTP status.
func writeError(c *gin.Context, err error) {
	kind := types.KindOf(err)
	c.JSON(types.HTTPStatus(kind), gin.H{
		"error": err.Error(),
		"code":  string(kind),
	})
}

type joinRequest struct {
	EntityID   types.EntityID   `json:"entityId" binding:"required"`
	EntityType types.EntityType `json:"entityType" binding:"required"`
	IsDM       bool             `json:"isDM"`
}

// Join handles POST /rooms/:interactionId/join.
func (a *API) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identity := identityFrom(c)
	interactionID := types.InteractionID(c.Param("interactionId"))
	connID := types.ConnectionID(uuid.NewString())

	r, state, err := a.hub.rooms.JoinRoom(c.Request.Context(), interactionID,
		types.UserID(identity.UserID), req.EntityID, req.EntityType, connID, req.IsDM)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"roomId":           r.ID,
		"gameState":        state,
		"participantCount": r.ParticipantCount(),
	})
}

// Leave handles POST /rooms/:interactionId/leave.
func (a *API) Leave(c *gin.Context) {
	identity := identityFrom(c)
	interactionID := types.InteractionID(c.Param("interactionId"))

	if err := a.hub.rooms.LeaveRoom(c.Request.Context(), interactionID, types.UserID(identity.UserID)); err != nil {
		writeError(c, err)
		return
	}
	a.hub.connections.Forget(interactionID, types.UserID(identity.UserID))

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "left room"})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Pause handles POST /rooms/:interactionId/pause. DM only.
func (a *API) Pause(c *gin.Context) {
	interactionID := types.InteractionID(c.Param("interactionId"))
	if !a.requireDM(c, interactionID) {
		return
	}

	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "paused by DM"
	}

	if err := a.hub.rooms.PauseRoom(c.Request.Context(), interactionID, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Resume handles POST /rooms/:interactionId/resume. DM only.
func (a *API) Resume(c *gin.Context) {
	interactionID := types.InteractionID(c.Param("interactionId"))
	if !a.requireDM(c, interactionID) {
		return
	}

	if err := a.hub.rooms.ResumeRoom(c.Request.Context(), interactionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// TakeTurn handles POST /rooms/:interactionId/actions.
func (a *API) TakeTurn(c *gin.Context) {
	var action types.TurnAction
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	interactionID := types.InteractionID(c.Param("interactionId"))
	action.InteractionID = interactionID

	r, ok := a.hub.rooms.GetRoomByInteractionID(interactionID)
	if !ok {
		writeError(c, types.NewError(types.KindNotFound, "no room for this interaction"))
		return
	}

	// The acting entity must belong to the caller.
	identity := identityFrom(c)
	if p, seated := r.GetParticipant(types.UserID(identity.UserID)); !seated || p.EntityID != action.EntityID {
		writeError(c, types.NewError(types.KindForbidden, "entity does not belong to caller"))
		return
	}

	ok, result, state := r.ProcessTurnAction(c.Request.Context(), action)
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"result":  result,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"result":    result,
		"gameState": state,
	})
}

// SkipTurn handles POST /rooms/:interactionId/skip-turn. DM only.
func (a *API) SkipTurn(c *gin.Context) {
	interactionID := types.InteractionID(c.Param("interactionId"))
	if !a.requireDM(c, interactionID) {
		return
	}

	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	r, _ := a.hub.rooms.GetRoomByInteractionID(interactionID)
	if err := r.SkipTurn(c.Request.Context(), types.TurnRecordSkipped, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type backtrackRequest struct {
	TurnNumber int    `json:"turnNumber" binding:"required"`
	Reason     string `json:"reason"`
}

// Backtrack handles POST /rooms/:interactionId/backtrack. DM only.
func (a *API) Backtrack(c *gin.Context) {
	interactionID := types.InteractionID(c.Param("interactionId"))
	if !a.requireDM(c, interactionID) {
		return
	}

	var req backtrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, _ := a.hub.rooms.GetRoomByInteractionID(interactionID)
	if err := r.BacktrackTurn(c.Request.Context(), req.TurnNumber, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetState handles GET /rooms/:interactionId/state.
func (a *API) GetState(c *gin.Context) {
	interactionID := types.InteractionID(c.Param("interactionId"))
	r, ok := a.hub.rooms.GetRoomByInteractionID(interactionID)
	if !ok {
		writeError(c, types.NewError(types.KindNotFound, "no room for this interaction"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"gameState": r.State()})
}

type chatRequest struct {
	Content    string         `json:"content" binding:"required"`
	Type       types.ChatType `json:"type" binding:"required"`
	Recipients []types.UserID `json:"recipients,omitempty"`
	EntityID   types.EntityID `json:"entityId,omitempty"`
}

// SendChat handles POST /rooms/:interactionId/chat.
func (a *API) SendChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	interactionID := types.InteractionID(c.Param("interactionId"))
	r, ok := a.hub.rooms.GetRoomByInteractionID(interactionID)
	if !ok {
		writeError(c, types.NewError(types.KindNotFound, "no room for this interaction"))
		return
	}

	identity := identityFrom(c)
	msg, err := r.SendChatMessage(c.Request.Context(), chat.SendInput{
		UserID:     types.UserID(identity.UserID),
		EntityID:   req.EntityID,
		Content:    req.Content,
		Type:       req.Type,
		Recipients: req.Recipients,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

// GetChatHistory handles GET /rooms/:interactionId/chat.
func (a *API) GetChatHistory(c *gin.Context) {
	interactionID := types.InteractionID(c.Param("interactionId"))
	r, ok := a.hub.rooms.GetRoomByInteractionID(interactionID)
	if !ok {
		writeError(c, types.NewError(types.KindNotFound, "no room for this interaction"))
		return
	}

	identity := identityFrom(c)
	channel := types.ChatType(c.Query("channel"))
	limit := 0
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	messages := r.ChatHistory(types.UserID(identity.UserID), channel, limit)
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (a *API) requireDM(c *gin.Context, interactionID types.InteractionID) bool {
	r, ok := a.hub.rooms.GetRoomByInteractionID(interactionID)
	if !ok {
		writeError(c, types.NewError(types.KindNotFound, "no room for this interaction"))
		return false
	}
	identity := identityFrom(c)
	if !r.IsUserDM(types.UserID(identity.UserID)) {
		writeError(c, types.NewError(types.KindForbidden, "this operation is restricted to the DM"))
		return false
	}
	return true
}
