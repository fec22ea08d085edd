// Package connection tracks per-user session liveness independently of the
// transport: registrations, heartbeats, the reconnect budget, and the DM
// grace window. The transport tells this handler about socket events; this
// handler tells the room what they mean.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/events"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/room"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

const (
	// DefaultHeartbeatInterval is the watchdog scan period.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultConnectionTimeout marks a session disconnected when no
	// heartbeat arrives within it.
	DefaultConnectionTimeout = 60 * time.Second
	// DefaultDMGrace is how long a room survives its DM vanishing before
	// it pauses.
	DefaultDMGrace = 120 * time.Second
	// DefaultMaxReconnectAttempts evicts a user who keeps dropping.
	DefaultMaxReconnectAttempts = 5
)

// SessionState is one user's place in the connection state machine.
type SessionState string

const (
	StateConnected    SessionState = "connected"
	StateDisconnected SessionState = "disconnected"
	StateEvicted      SessionState = "evicted"
)

// Session is a copy of one user's connection record.
type Session struct {
	UserID            types.UserID
	ConnectionID      types.ConnectionID
	InteractionID     types.InteractionID
	State             SessionState
	LastSeen          time.Time
	ReconnectAttempts int
	DisconnectReason  string
}

type session struct {
	Session
}

// Handler owns the session table and the DM grace timers.
type Handler struct {
	mu       sync.RWMutex
	sessions map[types.InteractionID]map[types.UserID]*session
	dmGrace  map[types.InteractionID]*time.Timer
	// pausedByDM remembers which DM's absence paused a room, so only that
	// DM's return resumes it.
	pausedByDM map[types.InteractionID]types.UserID

	rooms       *room.Manager
	broadcaster *events.Broadcaster

	heartbeatInterval    time.Duration
	connectionTimeout    time.Duration
	dmGraceWindow        time.Duration
	maxReconnectAttempts int
}

// Options configures a Handler. Zero values select defaults.
type Options struct {
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	DMGraceWindow        time.Duration
	MaxReconnectAttempts int
}

// NewHandler wires the session tracker to the room directory.
func NewHandler(rooms *room.Manager, bc *events.Broadcaster, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.DMGraceWindow <= 0 {
		opts.DMGraceWindow = DefaultDMGrace
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return &Handler{
		sessions:             make(map[types.InteractionID]map[types.UserID]*session),
		dmGrace:              make(map[types.InteractionID]*time.Timer),
		pausedByDM:           make(map[types.InteractionID]types.UserID),
		rooms:                rooms,
		broadcaster:          bc,
		heartbeatInterval:    opts.HeartbeatInterval,
		connectionTimeout:    opts.ConnectionTimeout,
		dmGraceWindow:        opts.DMGraceWindow,
		maxReconnectAttempts: opts.MaxReconnectAttempts,
	}
}

// Register records a live connection for the user. A register over a
// disconnected session is a reconnect: timers clear, the room resumes if
// this DM's absence paused it, and the user is sent a full-sync delta
// before any further partial delta. The reconnect counter is NOT reset
// here; a flapping connection keeps burning its budget until a heartbeat
// proves the session stable.
func (h *Handler) Register(ctx context.Context, interactionID types.InteractionID, userID types.UserID, connID types.ConnectionID) {
	h.mu.Lock()
	users, ok := h.sessions[interactionID]
	if !ok {
		users = make(map[types.UserID]*session)
		h.sessions[interactionID] = users
	}

	s, existed := users[userID]
	reconnect := existed && s.State == StateDisconnected
	if !existed {
		s = &session{Session{UserID: userID, InteractionID: interactionID}}
		users[userID] = s
	}
	s.ConnectionID = connID
	s.State = StateConnected
	s.LastSeen = time.Now()
	s.DisconnectReason = ""
	h.mu.Unlock()

	r, hasRoom := h.rooms.GetRoomByInteractionID(interactionID)
	if hasRoom {
		r.UpdateParticipantConnection(userID, true, connID)
	}

	if !reconnect {
		return
	}

	isDM := hasRoom && r.IsUserDM(userID)
	if isDM {
		h.clearDMGrace(interactionID)
		h.resumeIfPausedBy(ctx, interactionID, userID)
		h.broadcaster.Broadcast(interactionID, types.GameEvent{
			Type:   types.EventDMReconnected,
			UserID: userID,
		})
	} else {
		h.broadcaster.Broadcast(interactionID, types.GameEvent{
			Type:   types.EventPlayerReconnected,
			UserID: userID,
		})
	}

	if hasRoom {
		state := r.State()
		delta := types.StateDelta{
			Timestamp: state.Timestamp,
			FullSync:  true,
			State:     state,
		}
		h.broadcaster.BroadcastToUser(interactionID, userID, types.GameEvent{
			Type:  types.EventStateDelta,
			Delta: &delta,
		})
	}

	logging.Info(ctx, "User reconnected",
		zap.String("interactionId", string(interactionID)),
		zap.String("userId", string(userID)),
		zap.Bool("isDM", isDM))
}

// UpdateHeartbeat refreshes a connected session's lastSeen. A heartbeat is
// the proof the connection stabilized, so it also clears the reconnect
// counter.
func (h *Handler) UpdateHeartbeat(interactionID types.InteractionID, userID types.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.lookupLocked(interactionID, userID); ok && s.State == StateConnected {
		s.LastSeen = time.Now()
		s.ReconnectAttempts = 0
	}
}

// Disconnect transitions a session out of connected, arms the DM grace
// window when the DM dropped, and evicts users past their reconnect budget.
func (h *Handler) Disconnect(ctx context.Context, interactionID types.InteractionID, userID types.UserID, reason string) {
	h.mu.Lock()
	s, ok := h.lookupLocked(interactionID, userID)
	if !ok || s.State != StateConnected {
		h.mu.Unlock()
		return
	}
	s.State = StateDisconnected
	s.DisconnectReason = reason
	s.ReconnectAttempts++
	exhausted := s.ReconnectAttempts >= h.maxReconnectAttempts
	h.mu.Unlock()

	r, hasRoom := h.rooms.GetRoomByInteractionID(interactionID)
	if hasRoom {
		r.UpdateParticipantConnection(userID, false, "")
	}

	if exhausted {
		h.evict(ctx, interactionID, userID, reason)
		return
	}

	isDM := hasRoom && r.IsUserDM(userID)
	if isDM {
		h.broadcaster.Broadcast(interactionID, types.GameEvent{
			Type:   types.EventDMDisconnected,
			UserID: userID,
			Reason: reason,
		})
		h.armDMGrace(interactionID, userID)
	} else {
		h.broadcaster.Broadcast(interactionID, types.GameEvent{
			Type:   types.EventPlayerDisconnected,
			UserID: userID,
			Reason: reason,
		})
	}

	logging.Info(ctx, "User disconnected",
		zap.String("interactionId", string(interactionID)),
		zap.String("userId", string(userID)),
		zap.String("reason", reason),
		zap.Bool("isDM", isDM))
}

// GetSession returns a copy of the user's session record.
func (h *Handler) GetSession(interactionID types.InteractionID, userID types.UserID) (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.lookupLocked(interactionID, userID); ok {
		return s.Session, true
	}
	return Session{}, false
}

// Forget drops the session after an explicit leave.
func (h *Handler) Forget(interactionID types.InteractionID, userID types.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if users, ok := h.sessions[interactionID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(h.sessions, interactionID)
		}
	}
}

// RunWatchdog scans for stale sessions every heartbeatInterval until ctx is
// done, transitioning sessions whose heartbeat lapsed.
func (h *Handler) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

// Close stops all grace timers.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, t := range h.dmGrace {
		t.Stop()
		delete(h.dmGrace, id)
	}
}

// --- internals ---

func (h *Handler) lookupLocked(interactionID types.InteractionID, userID types.UserID) (*session, bool) {
	users, ok := h.sessions[interactionID]
	if !ok {
		return nil, false
	}
	s, ok := users[userID]
	return s, ok
}

func (h *Handler) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-h.connectionTimeout)

	type staleSession struct {
		interactionID types.InteractionID
		userID        types.UserID
	}
	var stale []staleSession

	h.mu.RLock()
	for interactionID, users := range h.sessions {
		for userID, s := range users {
			if s.State == StateConnected && s.LastSeen.Before(cutoff) {
				stale = append(stale, staleSession{interactionID, userID})
			}
		}
	}
	h.mu.RUnlock()

	for _, st := range stale {
		h.Disconnect(ctx, st.interactionID, st.userID, "heartbeat timeout")
	}
}

func (h *Handler) evict(ctx context.Context, interactionID types.InteractionID, userID types.UserID, reason string) {
	h.mu.Lock()
	if s, ok := h.lookupLocked(interactionID, userID); ok {
		s.State = StateEvicted
	}
	h.mu.Unlock()

	logging.Warn(ctx, "Evicting user after exhausted reconnect budget",
		zap.String("interactionId", string(interactionID)),
		zap.String("userId", string(userID)),
		zap.String("reason", reason))

	if err := h.rooms.LeaveRoom(ctx, interactionID, userID); err != nil {
		logging.Warn(ctx, "Eviction leave failed",
			zap.String("interactionId", string(interactionID)),
			zap.String("userId", string(userID)),
			zap.Error(err))
	}
	h.Forget(interactionID, userID)
}

func (h *Handler) armDMGrace(interactionID types.InteractionID, dmUserID types.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, armed := h.dmGrace[interactionID]; armed {
		return
	}
	h.dmGrace[interactionID] = time.AfterFunc(h.dmGraceWindow, func() {
		ctx := context.Background()
		defer recoverTimer(ctx, "dm grace", interactionID)
		h.mu.Lock()
		delete(h.dmGrace, interactionID)
		s, ok := h.lookupLocked(interactionID, dmUserID)
		stillGone := !ok || s.State != StateConnected
		if stillGone {
			h.pausedByDM[interactionID] = dmUserID
		}
		h.mu.Unlock()
		if !stillGone {
			return
		}
		if err := h.rooms.PauseRoom(ctx, interactionID, "DM disconnected - interaction paused until DM returns"); err != nil {
			logging.Warn(ctx, "DM grace pause failed",
				zap.String("interactionId", string(interactionID)),
				zap.Error(err))
		}
	})
}

// recoverTimer keeps a panicking grace-timer callback from taking the
// process down; the stack is logged for followup.
func recoverTimer(ctx context.Context, op string, interactionID types.InteractionID) {
	if rec := recover(); rec != nil {
		logging.Error(ctx, "Panic in connection timer",
			zap.String("interactionId", string(interactionID)),
			zap.String("op", op),
			zap.Any("panic", rec),
			zap.Stack("stack"))
	}
}

func (h *Handler) clearDMGrace(interactionID types.InteractionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.dmGrace[interactionID]; ok {
		t.Stop()
		delete(h.dmGrace, interactionID)
	}
}

func (h *Handler) resumeIfPausedBy(ctx context.Context, interactionID types.InteractionID, userID types.UserID) {
	h.mu.Lock()
	pausedBy, paused := h.pausedByDM[interactionID]
	if paused && pausedBy == userID {
		delete(h.pausedByDM, interactionID)
	}
	h.mu.Unlock()

	if !paused || pausedBy != userID {
		return
	}
	if err := h.rooms.ResumeRoom(ctx, interactionID); err != nil {
		logging.Warn(ctx, "Resume after DM reconnect failed",
			zap.String("interactionId", string(interactionID)),
			zap.Error(err))
	}
}
