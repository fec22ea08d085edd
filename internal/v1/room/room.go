// Package room hosts live interactions. Each Room owns one GameState behind
// a single writer: every mutation happens under the room's write lock, and
// events are enqueued to the broadcaster before the lock releases, so the
// per-room stream observes mutations in commit order. Concurrent actions for
// the same entity resolve first-action-wins. Reads hand out deep copies,
// never pointers into the live state.
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/chat"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/events"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/game"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/metrics"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/recovery"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// DefaultTurnTimeLimit is how long an actor has before the room auto-skips.
const DefaultTurnTimeLimit = 90 * time.Second

// Participant tracks one user's presence in a room. Connection liveness
// lives here; the game-facing record lives on the GameState.
type Participant struct {
	UserID       types.UserID
	ConnectionID types.ConnectionID
	EntityID     types.EntityID
	EntityType   types.EntityType
	IsDM         bool
	IsConnected  bool
	LastActivity time.Time
}

// Room is one live interaction.
type Room struct {
	ID            types.RoomID
	InteractionID types.InteractionID

	mu           sync.RWMutex
	state        *types.GameState
	participants map[types.UserID]*Participant
	createdAt    time.Time
	lastActivity time.Time

	// actMu guards the in-flight action reservations and the entity owner
	// index. It is never held while waiting on mu, so a rejected action can
	// be answered while the winning action is still inside the writer.
	actMu    sync.Mutex
	inFlight set.Set[types.EntityID]
	owners   map[types.EntityID]types.UserID

	engine      *game.Engine
	broadcaster *events.Broadcaster
	chat        *chat.Service
	recovery    *recovery.Manager

	turnTimeLimit time.Duration
	turnTimer     *time.Timer
	turnEpoch     uint64
	actionsLeft   int
}

// Options configures a new Room. Zero values select defaults.
type Options struct {
	TurnTimeLimit time.Duration
	ActionBudget  int
	Resolver      game.DamageResolver
}

// New creates a room around an initial state. The state must already carry
// the interactionId.
func New(id types.RoomID, state *types.GameState, bc *events.Broadcaster, chatSvc *chat.Service, rec *recovery.Manager, opts Options) *Room {
	if opts.TurnTimeLimit <= 0 {
		opts.TurnTimeLimit = DefaultTurnTimeLimit
	}
	if opts.ActionBudget <= 0 {
		opts.ActionBudget = game.DefaultActionBudget
	}

	now := time.Now()
	r := &Room{
		ID:            id,
		InteractionID: state.InteractionID,
		state:         state.Clone(),
		participants:  make(map[types.UserID]*Participant),
		inFlight:      set.New[types.EntityID](),
		owners:        make(map[types.EntityID]types.UserID),
		createdAt:     now,
		lastActivity:  now,
		engine:        game.NewEngine(opts.Resolver),
		broadcaster:   bc,
		chat:          chatSvc,
		recovery:      rec,
		turnTimeLimit: opts.TurnTimeLimit,
		actionsLeft:   opts.ActionBudget,
	}
	for entityID, p := range r.state.Participants {
		r.owners[entityID] = p.UserID
	}
	r.recovery.Ring().Capture(r.state)
	if r.state.Status == types.RoomStatusActive {
		r.armTurnClockLocked()
	}
	return r
}

// State returns a deep copy of the current game state.
func (r *Room) State() *types.GameState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// Status reports the room's lifecycle status.
func (r *Room) Status() types.RoomStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status
}

// LastActivity reports the last mutation time, for inactivity sweeps.
func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// GetParticipant returns a copy of the user's presence record.
func (r *Room) GetParticipant(userID types.UserID) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// ParticipantCount reports how many users are present (connected or not).
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// ConnectedCount reports how many users currently hold a live connection.
func (r *Room) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.participants {
		if p.IsConnected {
			n++
		}
	}
	return n
}

// Join adds a user to the room, creating the game-side participant record
// if the loaded state does not already carry one, and appending the entity
// to the initiative order when combat is underway.
func (r *Room) Join(ctx context.Context, userID types.UserID, entityID types.EntityID, entityType types.EntityType, connID types.ConnectionID, isDM bool) (*types.GameState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == types.RoomStatusCompleted {
		return nil, types.NewError(types.KindFailedPrecondition, "interaction is completed")
	}

	if existing, ok := r.participants[userID]; ok {
		// Same user, new connection: takeover, not a second seat.
		existing.ConnectionID = connID
		existing.IsConnected = true
		existing.LastActivity = time.Now()
	} else {
		r.participants[userID] = &Participant{
			UserID:       userID,
			ConnectionID: connID,
			EntityID:     entityID,
			EntityType:   entityType,
			IsDM:         isDM,
			IsConnected:  true,
			LastActivity: time.Now(),
		}
	}
	r.setOwner(entityID, userID)

	var deltas []types.StateDelta
	initiativeChanged := false
	if _, ok := r.state.Participants[entityID]; !ok {
		next := r.state.Clone()
		p := &types.Participant{
			EntityID:   entityID,
			EntityType: entityType,
			UserID:     userID,
			IsDM:       isDM,
			TurnStatus: types.TurnStatusWaiting,
		}
		next.Participants[entityID] = p
		next.MapState.Entities[entityID] = types.EntityPlacement{Position: p.Position}
		next.Timestamp = r.state.Timestamp + 1

		pc := *p
		deltas = append(deltas, types.StateDelta{
			Type:        types.DeltaParticipant,
			Timestamp:   next.Timestamp,
			Participant: &pc,
		})

		if next.Status == types.RoomStatusActive && !inInitiative(next, entityID) {
			next = game.AddToInitiative(next, types.InitiativeEntry{EntityID: entityID})
			// The rebuild can shift the current actor's index; the delta
			// carries it so folded views track the live one.
			idx := next.CurrentTurnIndex
			deltas = append(deltas, types.StateDelta{
				Type:             types.DeltaInitiative,
				Timestamp:        next.Timestamp,
				InitiativeOrder:  append([]types.InitiativeEntry(nil), next.InitiativeOrder...),
				CurrentTurnIndex: &idx,
			})
			initiativeChanged = true
		}

		r.commitLocked(next)
	}

	r.lastActivity = time.Now()
	stateCopy := r.state.Clone()
	metrics.RoomParticipants.WithLabelValues(string(r.InteractionID)).Set(float64(len(r.participants)))

	r.emit(types.GameEvent{
		Type:     types.EventParticipantJoined,
		EntityID: entityID,
		UserID:   userID,
	})
	for _, d := range deltas {
		r.emitDelta(d)
	}
	if initiativeChanged {
		r.emit(types.GameEvent{Type: types.EventInitiativeUpdated, EntityID: entityID})
	}

	logging.Info(ctx, "Participant joined room",
		zap.String("interactionId", string(r.InteractionID)),
		zap.String("userId", string(userID)),
		zap.String("entityId", string(entityID)))
	return stateCopy, nil
}

// Leave removes a user and their entity, rebuilding initiative when combat
// is underway.
func (r *Room) Leave(ctx context.Context, userID types.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return types.NewError(types.KindNotFound, "user is not in this room")
	}
	entityID := p.EntityID
	delete(r.participants, userID)
	r.clearOwner(entityID)

	var deltas []types.StateDelta
	initiativeChanged := false
	if _, exists := r.state.Participants[entityID]; exists {
		next := r.state.Clone()
		delete(next.Participants, entityID)
		delete(next.MapState.Entities, entityID)
		next.Timestamp = r.state.Timestamp + 1
		deltas = append(deltas, types.StateDelta{
			Type:      types.DeltaParticipant,
			Timestamp: next.Timestamp,
			Removed:   entityID,
		})

		if inInitiative(next, entityID) {
			next = game.RebuildInitiative(next)
			idx := next.CurrentTurnIndex
			deltas = append(deltas, types.StateDelta{
				Type:             types.DeltaInitiative,
				Timestamp:        next.Timestamp,
				InitiativeOrder:  append([]types.InitiativeEntry(nil), next.InitiativeOrder...),
				CurrentTurnIndex: &idx,
			})
			initiativeChanged = true
		}

		r.commitLocked(next)
	}

	r.lastActivity = time.Now()
	metrics.RoomParticipants.WithLabelValues(string(r.InteractionID)).Set(float64(len(r.participants)))

	r.emit(types.GameEvent{
		Type:     types.EventParticipantLeft,
		EntityID: entityID,
		UserID:   userID,
	})
	for _, d := range deltas {
		r.emitDelta(d)
	}
	if initiativeChanged {
		r.emit(types.GameEvent{Type: types.EventInitiativeUpdated, EntityID: entityID})
	}

	logging.Info(ctx, "Participant left room",
		zap.String("interactionId", string(r.InteractionID)),
		zap.String("userId", string(userID)))
	return nil
}

// UpdateParticipantConnection flips a user's liveness without removing the
// seat, used by the connection handler's disconnect and reconnect paths.
func (r *Room) UpdateParticipantConnection(userID types.UserID, isConnected bool, connID types.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return false
	}
	p.IsConnected = isConnected
	p.LastActivity = time.Now()
	if connID != "" {
		p.ConnectionID = connID
	}
	r.lastActivity = time.Now()
	return true
}

// ProcessTurnAction validates and applies one action. When two actions for
// the same entity arrive together, the first reservation proceeds and the
// late one is rejected back to its originator with an addressed ERROR. On
// success exactly one StateDelta event per delta is emitted, in commit
// order; on failure nothing is emitted and the validation result explains
// why.
func (r *Room) ProcessTurnAction(ctx context.Context, action types.TurnAction) (ok bool, result types.ValidationResult, state *types.GameState) {
	start := time.Now()
	defer func() {
		metrics.ActionProcessingDuration.WithLabelValues(string(action.Type)).Observe(time.Since(start).Seconds())
	}()
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, "Panic while processing action",
				zap.String("interactionId", string(r.InteractionID)),
				zap.String("entityId", string(action.EntityID)),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			_ = r.Pause(ctx, "internal error")
			ok, result, state = false, types.Invalid("internal error"), nil
		}
	}()

	owner, free := r.reserveAction(action.EntityID)
	if !free {
		r.rejectConflict(ctx, action, owner)
		return false, types.Invalid("another action for this entity is already in flight"), nil
	}
	defer r.releaseAction(action.EntityID)

	var failure *recovery.Outcome
	var applyErr error
	ok, result, state = func() (bool, types.ValidationResult, *types.GameState) {
		r.mu.Lock()
		defer r.mu.Unlock()

		// Corruption of the live state must surface here, before engine
		// validation can mistake it for an ordinary invalid action.
		if out, sound := r.recovery.ValidateState(ctx, r.state); !sound {
			failure = &out
			return false, types.Invalid("game state failed validation; recovery engaged"), nil
		}

		res := r.engine.Validate(r.state, action)
		if !res.Valid {
			return false, res, nil
		}

		next, deltas, err := r.engine.Apply(r.state, action)
		if err != nil {
			applyErr = err
			return false, types.Invalid(err.Error()), nil
		}

		if out, sound := r.recovery.ValidateState(ctx, next); !sound {
			failure = &out
			return false, types.Invalid("action produced an inconsistent state"), nil
		}

		turnClosed := action.Type == types.ActionEnd
		if !turnClosed {
			r.actionsLeft--
			if r.actionsLeft <= 0 {
				// Budget exhausted: the turn closes itself.
				advanced, record := game.AdvanceTurn(next.Clone(), types.TurnRecordCompleted)
				next = advanced
				deltas = append(deltas, game.TurnDelta(next, record))
				turnClosed = true
			}
		}

		r.commitLocked(next)
		if turnClosed {
			r.actionsLeft = game.DefaultActionBudget
			r.armTurnClockLocked()
		}

		for _, d := range deltas {
			r.emitDelta(d)
		}
		if turnClosed {
			r.emit(types.GameEvent{Type: types.EventTurnCompleted, EntityID: action.EntityID})
			if nextActor, hasNext := r.state.CurrentActor(); hasNext {
				r.emit(types.GameEvent{Type: types.EventTurnStarted, EntityID: nextActor.EntityID})
			}
		}

		return true, res, r.state.Clone()
	}()

	// Recovery re-enters the room through Pause/UpdateGameState/Resume, so
	// it runs after the writer lock is released.
	if applyErr != nil {
		r.handleFailure(ctx, "action:"+string(r.InteractionID), applyErr)
	}
	if failure != nil {
		r.applyRecovery(ctx, *failure)
	}
	return ok, result, state
}

// SkipTurn advances past the current actor, recording the given status.
func (r *Room) SkipTurn(ctx context.Context, status types.TurnRecordStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != types.RoomStatusActive {
		return types.NewError(types.KindFailedPrecondition, "interaction is not active")
	}
	current, ok := r.state.CurrentActor()
	if !ok {
		return types.NewError(types.KindFailedPrecondition, "initiative order is empty")
	}

	next, record := game.AdvanceTurn(r.state.Clone(), status)
	delta := game.TurnDelta(next, record)

	r.commitLocked(next)
	r.actionsLeft = game.DefaultActionBudget
	r.armTurnClockLocked()

	r.emitDelta(delta)
	r.emit(types.GameEvent{
		Type:     types.EventTurnSkipped,
		EntityID: current.EntityID,
		Reason:   reason,
	})
	if nextActor, hasNext := r.state.CurrentActor(); hasNext {
		r.emit(types.GameEvent{Type: types.EventTurnStarted, EntityID: nextActor.EntityID})
	}

	logging.Info(ctx, "Turn skipped",
		zap.String("interactionId", string(r.InteractionID)),
		zap.String("entityId", string(current.EntityID)),
		zap.String("reason", reason))
	return nil
}

// BacktrackTurn rewinds the interaction to replay turnNumber (1-based in
// the turn history). History after the rewind point is discarded.
func (r *Room) BacktrackTurn(ctx context.Context, turnNumber int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != types.RoomStatusActive && r.state.Status != types.RoomStatusPaused {
		return types.NewError(types.KindFailedPrecondition, "interaction is not running")
	}
	if turnNumber < 1 || turnNumber > len(r.state.TurnHistory) {
		return types.NewError(types.KindInvalidArgument,
			fmt.Sprintf("turn %d is not in history (1..%d)", turnNumber, len(r.state.TurnHistory)))
	}

	record := r.state.TurnHistory[turnNumber-1]
	next := r.state.Clone()
	next.TurnHistory = next.TurnHistory[:turnNumber-1]
	next.RoundNumber = record.RoundNumber

	found := false
	for i, entry := range next.InitiativeOrder {
		if entry.EntityID == record.EntityID {
			next.CurrentTurnIndex = i
			found = true
			break
		}
	}
	if !found {
		return types.NewError(types.KindFailedPrecondition,
			fmt.Sprintf("entity %q of turn %d is no longer in initiative", record.EntityID, turnNumber))
	}

	for _, p := range next.Participants {
		p.TurnStatus = types.TurnStatusWaiting
	}
	if p, ok := next.Participants[record.EntityID]; ok {
		p.TurnStatus = types.TurnStatusActive
	}
	next.Timestamp = r.state.Timestamp + 1

	idx := next.CurrentTurnIndex
	round := next.RoundNumber
	delta := types.StateDelta{
		Type:             types.DeltaTurn,
		Timestamp:        next.Timestamp,
		CurrentTurnIndex: &idx,
		RoundNumber:      &round,
		TurnStatuses:     game.TurnStatuses(next),
	}

	r.commitLocked(next)
	r.actionsLeft = game.DefaultActionBudget
	r.armTurnClockLocked()

	r.emitDelta(delta)
	r.emit(types.GameEvent{
		Type:     types.EventTurnBacktracked,
		EntityID: record.EntityID,
		Reason:   reason,
	})

	logging.Info(ctx, "Turn backtracked",
		zap.String("interactionId", string(r.InteractionID)),
		zap.Int("turnNumber", turnNumber),
		zap.String("reason", reason))
	return nil
}

// Pause freezes the room. The turn clock stops; a later Resume re-arms it.
func (r *Room) Pause(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state.Status {
	case types.RoomStatusCompleted:
		return types.NewError(types.KindFailedPrecondition, "interaction is completed")
	case types.RoomStatusPaused:
		return nil
	}

	next := r.state.Clone()
	next.Status = types.RoomStatusPaused
	next.Timestamp = r.state.Timestamp + 1
	delta := types.StateDelta{
		Type:      types.DeltaTurn,
		Timestamp: next.Timestamp,
		Status:    types.RoomStatusPaused,
	}

	r.commitLocked(next)
	r.stopTurnClockLocked()

	r.emitDelta(delta)
	r.emit(types.GameEvent{Type: types.EventInteractionPaused, Reason: reason})

	logging.Info(ctx, "Interaction paused",
		zap.String("interactionId", string(r.InteractionID)),
		zap.String("reason", reason))
	return nil
}

// Resume reactivates a paused room and restarts the turn clock.
func (r *Room) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != types.RoomStatusPaused {
		return types.NewError(types.KindFailedPrecondition, "interaction is not paused")
	}

	next := r.state.Clone()
	next.Status = types.RoomStatusActive
	next.Timestamp = r.state.Timestamp + 1
	delta := types.StateDelta{
		Type:      types.DeltaTurn,
		Timestamp: next.Timestamp,
		Status:    types.RoomStatusActive,
	}

	r.commitLocked(next)
	r.armTurnClockLocked()

	r.emitDelta(delta)
	r.emit(types.GameEvent{Type: types.EventInteractionResumed})

	logging.Info(ctx, "Interaction resumed",
		zap.String("interactionId", string(r.InteractionID)))
	return nil
}

// Complete ends the interaction. The final state is returned for the
// caller to persist; further mutations are refused.
func (r *Room) Complete(ctx context.Context, reason string) (*types.GameState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == types.RoomStatusCompleted {
		return nil, types.NewError(types.KindFailedPrecondition, "interaction is already completed")
	}

	next := r.state.Clone()
	next.Status = types.RoomStatusCompleted
	next.Timestamp = r.state.Timestamp + 1
	delta := types.StateDelta{
		Type:      types.DeltaTurn,
		Timestamp: next.Timestamp,
		Status:    types.RoomStatusCompleted,
	}

	r.commitLocked(next)
	r.stopTurnClockLocked()
	final := r.state.Clone()

	r.emitDelta(delta)

	logging.Info(ctx, "Interaction completed",
		zap.String("interactionId", string(r.InteractionID)),
		zap.String("reason", reason))
	return final, nil
}

// UpdateGameState replaces the live state wholesale. Reserved for recovery
// rollback; refused once the interaction has completed, and refused when
// the replacement itself violates the core invariants.
func (r *Room) UpdateGameState(ctx context.Context, newState *types.GameState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == types.RoomStatusCompleted {
		return types.NewError(types.KindFailedPrecondition, "interaction is completed")
	}
	if violations := game.CheckInvariants(newState); len(violations) > 0 {
		return types.NewError(types.KindInvalidArgument, "replacement state is invalid: "+violations[0])
	}

	r.state = newState.Clone()
	if r.state.Timestamp <= 0 {
		r.state.Timestamp = time.Now().UnixMilli()
	}
	r.lastActivity = time.Now()
	r.actionsLeft = game.DefaultActionBudget
	r.reseedOwners()
	if r.state.Status == types.RoomStatusActive {
		r.armTurnClockLocked()
	} else {
		r.stopTurnClockLocked()
	}
	stateCopy := r.state.Clone()

	// Everyone resyncs from scratch after a rollback.
	r.emitDelta(types.StateDelta{
		Type:      types.DeltaTurn,
		Timestamp: stateCopy.Timestamp,
		FullSync:  true,
		State:     stateCopy,
	})

	logging.Warn(ctx, "Game state replaced",
		zap.String("interactionId", string(r.InteractionID)))
	return nil
}

// SendChatMessage validates and appends a chat message, emitting exactly
// one CHAT_MESSAGE event on success.
func (r *Room) SendChatMessage(ctx context.Context, in chat.SendInput) (*types.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == types.RoomStatusCompleted {
		return nil, types.NewError(types.KindFailedPrecondition, "interaction is completed")
	}

	msg, err := r.chat.PrepareMessage(ctx, r.state, in)
	if err != nil {
		return nil, err
	}

	next, delta := chat.Append(r.state, msg)
	r.commitLocked(next)

	r.emit(types.GameEvent{
		Type:    types.EventChatMessage,
		UserID:  msg.UserID,
		Message: msg,
		Delta:   &delta,
	})
	return msg, nil
}

// ChatHistory returns the visible chat log for userID, newest first.
func (r *Room) ChatHistory(userID types.UserID, channel types.ChatType, limit int) []types.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return chat.History(r.state, userID, channel, limit)
}

// IsUserDM reports whether the user holds the DM seat.
func (r *Room) IsUserDM(userID types.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[userID]
	return ok && p.IsDM
}

// stopClock halts the turn clock when the room leaves the directory.
func (r *Room) stopClock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTurnClockLocked()
}

// --- internals ---

// commitLocked installs next as the live state, captures a snapshot, and
// bumps activity. Callers hold the write lock.
func (r *Room) commitLocked(next *types.GameState) {
	r.state = next
	r.lastActivity = time.Now()
	r.recovery.Ring().Capture(next)
}

// reserveAction claims the entity's action slot. When another action for
// the same entity is already in flight it refuses and returns the entity's
// controlling user so the rejection can be addressed to them.
func (r *Room) reserveAction(entityID types.EntityID) (types.UserID, bool) {
	r.actMu.Lock()
	defer r.actMu.Unlock()
	if r.inFlight.Has(entityID) {
		return r.owners[entityID], false
	}
	r.inFlight.Insert(entityID)
	return "", true
}

func (r *Room) releaseAction(entityID types.EntityID) {
	r.actMu.Lock()
	r.inFlight.Delete(entityID)
	r.actMu.Unlock()
}

func (r *Room) setOwner(entityID types.EntityID, userID types.UserID) {
	r.actMu.Lock()
	r.owners[entityID] = userID
	r.actMu.Unlock()
}

func (r *Room) clearOwner(entityID types.EntityID) {
	r.actMu.Lock()
	delete(r.owners, entityID)
	r.actMu.Unlock()
}

// reseedOwners rebuilds the entity owner index from the live state after a
// wholesale replacement. Caller holds the write lock.
func (r *Room) reseedOwners() {
	r.actMu.Lock()
	r.owners = make(map[types.EntityID]types.UserID, len(r.state.Participants))
	for entityID, p := range r.state.Participants {
		r.owners[entityID] = p.UserID
	}
	r.actMu.Unlock()
}

// rejectConflict resolves a concurrent submission first-action-wins: the
// in-flight action proceeds untouched and the late one is refused, with an
// ERROR addressed to its entity's controlling user.
func (r *Room) rejectConflict(ctx context.Context, action types.TurnAction, owner types.UserID) {
	err := types.NewError(types.KindConflict,
		fmt.Sprintf("entity %q already has an action in flight", action.EntityID))
	out := r.recovery.Decide(ctx, "action:"+string(r.InteractionID), err)

	ev := types.GameEvent{
		Type:     types.EventError,
		Code:     "ACTION_REJECTED",
		Reason:   err.Error(),
		Details:  string(out.Strategy),
		EntityID: action.EntityID,
	}
	if owner != "" {
		r.broadcaster.BroadcastToUser(r.InteractionID, owner, ev)
	} else {
		r.emit(ev)
	}

	logging.Warn(ctx, "Concurrent action rejected",
		zap.String("interactionId", string(r.InteractionID)),
		zap.String("entityId", string(action.EntityID)),
		zap.String("actionType", string(action.Type)))
}

// armTurnClockLocked (re)arms the auto-skip deadline for the current turn.
// The epoch guard keeps a stale timer from skipping a newer turn.
func (r *Room) armTurnClockLocked() {
	r.stopTurnClockLocked()
	r.turnEpoch++
	epoch := r.turnEpoch
	r.turnTimer = time.AfterFunc(r.turnTimeLimit, func() {
		r.onTurnDeadline(epoch)
	})
}

func (r *Room) stopTurnClockLocked() {
	if r.turnTimer != nil {
		r.turnTimer.Stop()
		r.turnTimer = nil
	}
	r.turnEpoch++
}

func (r *Room) onTurnDeadline(epoch uint64) {
	ctx := context.Background()
	defer r.recoverTimer(ctx, "turn clock")

	r.mu.RLock()
	stale := epoch != r.turnEpoch || r.state.Status != types.RoomStatusActive
	r.mu.RUnlock()
	if stale {
		return
	}

	if err := r.SkipTurn(ctx, types.TurnRecordTimeout, "turn time limit exceeded"); err != nil {
		logging.Warn(ctx, "Turn clock skip failed",
			zap.String("interactionId", string(r.InteractionID)),
			zap.Error(err))
	}
}

// recoverTimer keeps a panicking timer callback from taking the process
// down: the stack is logged and the room pauses for DM attention.
func (r *Room) recoverTimer(ctx context.Context, op string) {
	rec := recover()
	if rec == nil {
		return
	}
	logging.Error(ctx, "Panic in room timer",
		zap.String("interactionId", string(r.InteractionID)),
		zap.String("op", op),
		zap.Any("panic", rec),
		zap.Stack("stack"))
	_ = r.Pause(ctx, "internal error")
}

// handleFailure routes an internal error through recovery and applies the
// decided strategy.
func (r *Room) handleFailure(ctx context.Context, opKey string, err error) {
	out := r.recovery.Decide(ctx, opKey, err)
	r.applyRecovery(ctx, out)
}

func (r *Room) applyRecovery(ctx context.Context, out recovery.Outcome) {
	switch out.Strategy {
	case recovery.StrategyRollbackToSnapshot:
		if out.Restored != nil {
			_ = r.Pause(ctx, "recovering from "+string(out.Class))
			if err := r.UpdateGameState(ctx, out.Restored); err == nil {
				_ = r.Resume(ctx)
			}
		}
	case recovery.StrategyPauseAndNotify, recovery.StrategyDMResolution:
		_ = r.Pause(ctx, out.Reason)
		r.emit(types.GameEvent{Type: types.EventError, Code: string(out.Class), Reason: out.Reason})
	case recovery.StrategyForceComplete:
		_, _ = r.Complete(ctx, out.Reason)
	}
	// First-action-wins needs no room-level action: the losing caller was
	// already answered.
}

func (r *Room) emit(ev types.GameEvent) {
	r.broadcaster.Broadcast(r.InteractionID, ev)
}

func (r *Room) emitDelta(d types.StateDelta) {
	dc := d
	r.emit(types.GameEvent{
		Type:      types.EventStateDelta,
		Timestamp: d.Timestamp,
		Delta:     &dc,
	})
}

func inInitiative(state *types.GameState, entityID types.EntityID) bool {
	for _, e := range state.InitiativeOrder {
		if e.EntityID == entityID {
			return true
		}
	}
	return false
}
