package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/chat"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/events"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/metrics"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/persistence"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/recovery"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRooms caps concurrently hosted rooms per process.
	DefaultMaxRooms = 100
	// DefaultInactivityTimeout removes rooms nobody has touched.
	DefaultInactivityTimeout = 30 * time.Minute
	// removalGrace delays teardown of an empty room so a quick reconnect
	// finds it still warm.
	removalGrace = 30 * time.Second
)

// Stats is a point-in-time summary for health and admin surfaces.
type Stats struct {
	ActiveRooms       int `json:"activeRooms"`
	TotalParticipants int `json:"totalParticipants"`
	ConnectedClients  int `json:"connectedClients"`
}

// Manager is the directory of live rooms, keyed by interactionId and
// roomId. It owns room creation, capacity, lifecycle transitions, and the
// inactivity sweep.
type Manager struct {
	mu            sync.RWMutex
	byInteraction map[types.InteractionID]*Room
	byRoomID      map[types.RoomID]*Room
	pendingRemove map[types.InteractionID]*time.Timer
	closed        bool

	broadcaster *events.Broadcaster
	chat        *chat.Service
	store       persistence.Gateway

	maxRooms          int
	inactivityTimeout time.Duration
	opts              Options
}

// NewManager wires the room directory to its collaborators. Zero limits
// select the defaults.
func NewManager(bc *events.Broadcaster, chatSvc *chat.Service, store persistence.Gateway, maxRooms int, inactivityTimeout time.Duration, opts Options) *Manager {
	if maxRooms <= 0 {
		maxRooms = DefaultMaxRooms
	}
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	return &Manager{
		byInteraction:     make(map[types.InteractionID]*Room),
		byRoomID:          make(map[types.RoomID]*Room),
		pendingRemove:     make(map[types.InteractionID]*time.Timer),
		broadcaster:       bc,
		chat:              chatSvc,
		store:             store,
		maxRooms:          maxRooms,
		inactivityTimeout: inactivityTimeout,
		opts:              opts,
	}
}

// CreateRoom makes (or returns) the room for an interaction. When
// initialState is nil the state is loaded from the document store; a
// NotFound there seeds a fresh waiting-room state.
func (m *Manager) CreateRoom(ctx context.Context, interactionID types.InteractionID, initialState *types.GameState) (*Room, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.NewError(types.KindUnavailable, "server is shutting down")
	}
	if r, ok := m.byInteraction[interactionID]; ok {
		m.cancelRemovalLocked(interactionID)
		m.mu.Unlock()
		return r, nil
	}
	if len(m.byInteraction) >= m.maxRooms {
		m.mu.Unlock()
		metrics.GameEvents.WithLabelValues("roomCreated", "capacity_exceeded").Inc()
		return nil, types.NewError(types.KindResourceExhausted,
			fmt.Sprintf("server is at capacity (%d rooms)", m.maxRooms))
	}
	m.mu.Unlock()

	// Persistence happens outside the directory lock.
	if initialState == nil {
		loaded, err := m.store.ReadState(ctx, interactionID)
		switch {
		case err == nil:
			initialState = loaded
		case types.KindOf(err) == types.KindNotFound:
			initialState = newWaitingState(interactionID)
		default:
			return nil, err
		}
	}
	if initialState.InteractionID == "" {
		initialState.InteractionID = interactionID
	}

	r := New(types.RoomID(uuid.NewString()), initialState, m.broadcaster, m.chat, recovery.NewManager(0), m.opts)

	m.mu.Lock()
	if existing, ok := m.byInteraction[interactionID]; ok {
		// Lost the race; use the winner.
		m.mu.Unlock()
		return existing, nil
	}
	m.byInteraction[interactionID] = r
	m.byRoomID[r.ID] = r
	count := len(m.byInteraction)
	m.mu.Unlock()

	metrics.ActiveRooms.Set(float64(count))
	logging.Info(ctx, "Room created",
		zap.String("interactionId", string(interactionID)),
		zap.String("roomId", string(r.ID)))
	return r, nil
}

// GetRoomByInteractionID looks a room up by its interaction.
func (m *Manager) GetRoomByInteractionID(interactionID types.InteractionID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byInteraction[interactionID]
	return r, ok
}

// GetRoomByID looks a room up by its room id.
func (m *Manager) GetRoomByID(roomID types.RoomID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byRoomID[roomID]
	return r, ok
}

// GetAllRooms returns a snapshot of the directory.
func (m *Manager) GetAllRooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.byInteraction))
	for _, r := range m.byInteraction {
		out = append(out, r)
	}
	return out
}

// GetStats summarizes the directory for health reporting.
func (m *Manager) GetStats() Stats {
	rooms := m.GetAllRooms()
	s := Stats{ActiveRooms: len(rooms)}
	for _, r := range rooms {
		s.TotalParticipants += r.ParticipantCount()
		s.ConnectedClients += r.ConnectedCount()
	}
	return s
}

// JoinRoom creates the room if needed and seats the user in it.
func (m *Manager) JoinRoom(ctx context.Context, interactionID types.InteractionID, userID types.UserID, entityID types.EntityID, entityType types.EntityType, connID types.ConnectionID, isDM bool) (*Room, *types.GameState, error) {
	r, err := m.CreateRoom(ctx, interactionID, nil)
	if err != nil {
		return nil, nil, err
	}
	state, err := r.Join(ctx, userID, entityID, entityType, connID, isDM)
	if err != nil {
		return nil, nil, err
	}
	return r, state, nil
}

// LeaveRoom unseats the user and schedules teardown if the room emptied.
func (m *Manager) LeaveRoom(ctx context.Context, interactionID types.InteractionID, userID types.UserID) error {
	r, ok := m.GetRoomByInteractionID(interactionID)
	if !ok {
		return types.NewError(types.KindNotFound, "no room for this interaction")
	}
	if err := r.Leave(ctx, userID); err != nil {
		return err
	}
	if r.ParticipantCount() == 0 {
		m.scheduleRemoval(interactionID)
	}
	return nil
}

// PauseRoom pauses an interaction.
func (m *Manager) PauseRoom(ctx context.Context, interactionID types.InteractionID, reason string) error {
	r, ok := m.GetRoomByInteractionID(interactionID)
	if !ok {
		return types.NewError(types.KindNotFound, "no room for this interaction")
	}
	return r.Pause(ctx, reason)
}

// ResumeRoom resumes a paused interaction.
func (m *Manager) ResumeRoom(ctx context.Context, interactionID types.InteractionID) error {
	r, ok := m.GetRoomByInteractionID(interactionID)
	if !ok {
		return types.NewError(types.KindNotFound, "no room for this interaction")
	}
	return r.Resume(ctx)
}

// CompleteRoom finishes an interaction, persists the outcome, and removes
// the room.
func (m *Manager) CompleteRoom(ctx context.Context, interactionID types.InteractionID, reason string) error {
	r, ok := m.GetRoomByInteractionID(interactionID)
	if !ok {
		return types.NewError(types.KindNotFound, "no room for this interaction")
	}

	final, err := r.Complete(ctx, reason)
	if err != nil {
		return err
	}

	if err := m.store.WriteCompletion(ctx, persistence.CompletionRecord{
		InteractionID: interactionID,
		Reason:        reason,
		CompletedAt:   time.Now().UnixMilli(),
		FinalState:    final,
	}); err != nil {
		// The room is done either way; the write is retried by the gateway
		// and surfaced through metrics when it still fails.
		logging.Error(ctx, "Failed to persist completion",
			zap.String("interactionId", string(interactionID)),
			zap.Error(err))
	}

	m.removeRoom(ctx, interactionID)
	return nil
}

// CleanupInactiveRooms removes rooms idle past the threshold, persisting
// their state first. Returns how many were removed.
func (m *Manager) CleanupInactiveRooms(ctx context.Context) int {
	cutoff := time.Now().Add(-m.inactivityTimeout)

	var stale []*Room
	for _, r := range m.GetAllRooms() {
		if r.LastActivity().Before(cutoff) {
			stale = append(stale, r)
		}
	}

	for _, r := range stale {
		state := r.State()
		if err := m.store.WriteSnapshot(ctx, state); err != nil {
			logging.Error(ctx, "Failed to persist inactive room state",
				zap.String("interactionId", string(r.InteractionID)),
				zap.Error(err))
		}
		m.removeRoom(ctx, r.InteractionID)
		logging.Info(ctx, "Removed inactive room",
			zap.String("interactionId", string(r.InteractionID)))
	}
	return len(stale)
}

// RunCleanupLoop sweeps for inactive rooms until ctx is done.
func (m *Manager) RunCleanupLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactiveRooms(ctx)
		}
	}
}

// Shutdown stops accepting rooms and flushes every live state to the store
// within the deadline carried by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.pendingRemove {
		t.Stop()
		delete(m.pendingRemove, id)
	}
	m.mu.Unlock()

	for _, r := range m.GetAllRooms() {
		state := r.State()
		if err := m.store.WriteSnapshot(ctx, state); err != nil {
			logging.Error(ctx, "Failed to flush room state on shutdown",
				zap.String("interactionId", string(r.InteractionID)),
				zap.Error(err))
		}
	}
}

// --- internals ---

// scheduleRemoval arms the empty-room grace timer; a join within the grace
// cancels it.
func (m *Manager) scheduleRemoval(interactionID types.InteractionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, pending := m.pendingRemove[interactionID]; pending {
		return
	}
	m.pendingRemove[interactionID] = time.AfterFunc(removalGrace, func() {
		ctx := context.Background()
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error(ctx, "Panic in room removal timer",
					zap.String("interactionId", string(interactionID)),
					zap.Any("panic", rec),
					zap.Stack("stack"))
			}
		}()
		r, ok := m.GetRoomByInteractionID(interactionID)
		if !ok || r.ParticipantCount() > 0 {
			m.cancelRemoval(interactionID)
			return
		}
		state := r.State()
		if err := m.store.WriteSnapshot(ctx, state); err != nil {
			logging.Error(ctx, "Failed to persist empty room state",
				zap.String("interactionId", string(interactionID)),
				zap.Error(err))
		}
		m.removeRoom(ctx, interactionID)
	})
}

func (m *Manager) cancelRemoval(interactionID types.InteractionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelRemovalLocked(interactionID)
}

func (m *Manager) cancelRemovalLocked(interactionID types.InteractionID) {
	if t, ok := m.pendingRemove[interactionID]; ok {
		t.Stop()
		delete(m.pendingRemove, interactionID)
	}
}

func (m *Manager) removeRoom(ctx context.Context, interactionID types.InteractionID) {
	m.mu.Lock()
	r, ok := m.byInteraction[interactionID]
	if ok {
		delete(m.byInteraction, interactionID)
		delete(m.byRoomID, r.ID)
	}
	m.cancelRemovalLocked(interactionID)
	count := len(m.byInteraction)
	m.mu.Unlock()

	if ok {
		r.stopClock()
		metrics.ActiveRooms.Set(float64(count))
		metrics.RoomParticipants.DeleteLabelValues(string(interactionID))
		logging.Info(ctx, "Room removed",
			zap.String("interactionId", string(interactionID)))
	}
}

func newWaitingState(interactionID types.InteractionID) *types.GameState {
	return &types.GameState{
		InteractionID: interactionID,
		Status:        types.RoomStatusWaiting,
		RoundNumber:   1,
		Participants:  make(map[types.EntityID]*types.Participant),
		MapState: types.MapState{
			Width:    1,
			Height:   1,
			Entities: make(map[types.EntityID]types.EntityPlacement),
		},
		Timestamp: time.Now().UnixMilli(),
	}
}
