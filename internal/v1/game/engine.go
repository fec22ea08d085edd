// Package game implements the stateless validation and transition rules for
// a room's GameState. All functions are pure: inputs are never mutated, and
// the same inputs always produce the same outputs. The room's single writer
// owns the only live state; everything here works on clones.
package game

import (
	"fmt"
	"sort"
	"time"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
)

// DefaultActionBudget is the number of non-end actions an actor may take in
// one turn before the room auto-advances.
const DefaultActionBudget = 3

// Engine validates and applies turn actions.
type Engine struct {
	resolver DamageResolver
}

// NewEngine creates an engine with the given damage resolver. A nil
// resolver falls back to the declared-damage resolver.
func NewEngine(resolver DamageResolver) *Engine {
	if resolver == nil {
		resolver = &DeclaredDamageResolver{}
	}
	return &Engine{resolver: resolver}
}

// Validate checks a TurnAction against the current state without applying
// it. All failures are collected so the caller sees every problem at once.
func (e *Engine) Validate(state *types.GameState, action types.TurnAction) types.ValidationResult {
	var errs []string

	if state.Status != types.RoomStatusActive {
		return types.Invalid(fmt.Sprintf("interaction is %s, not active", state.Status))
	}

	actor, ok := state.Participants[action.EntityID]
	if !ok {
		return types.Invalid(fmt.Sprintf("unknown entity %q", action.EntityID))
	}

	current, ok := state.CurrentActor()
	if !ok {
		return types.Invalid("initiative order is empty")
	}
	if current.EntityID != action.EntityID {
		if action.Type == types.ActionInteract && action.Parameters.OutOfTurn {
			// Reactions are modeled but not enabled.
			return types.Invalid("out-of-turn reactions are not enabled")
		}
		return types.Invalid("not your turn")
	}

	if action.Type != types.ActionEnd && !hasAction(actor, action.Type) {
		errs = append(errs, fmt.Sprintf("action %q is not available to %s", action.Type, actor.EntityID))
	}

	switch action.Type {
	case types.ActionMove:
		errs = append(errs, validateMove(state, actor, action)...)
	case types.ActionAttack, types.ActionCast:
		errs = append(errs, validateTarget(state, action)...)
		if action.Parameters.Damage < 0 {
			errs = append(errs, "damage cannot be negative")
		}
		if action.Parameters.SaveDC < 0 {
			errs = append(errs, "save DC cannot be negative")
		}
	case types.ActionUseItem:
		errs = append(errs, validateItem(actor, action)...)
	case types.ActionInteract, types.ActionEnd:
		// No additional inputs to check.
	default:
		errs = append(errs, fmt.Sprintf("unknown action type %q", action.Type))
	}

	if len(errs) > 0 {
		return types.Invalid(errs...)
	}
	return types.ValidResult()
}

// Apply computes the post-action state and the deltas describing the change.
// The action must already have passed Validate. For `end` actions the turn
// record is produced as part of the turn delta.
func (e *Engine) Apply(state *types.GameState, action types.TurnAction) (*types.GameState, []types.StateDelta, error) {
	next := state.Clone()
	next.Timestamp = nextTimestamp(state.Timestamp)

	actor := next.Participants[action.EntityID]
	if actor == nil {
		return nil, nil, fmt.Errorf("apply: unknown entity %q", action.EntityID)
	}

	var deltas []types.StateDelta

	switch action.Type {
	case types.ActionMove:
		actor.Position = *action.Position
		pl := next.MapState.Entities[actor.EntityID]
		pl.Position = *action.Position
		next.MapState.Entities[actor.EntityID] = pl
		deltas = append(deltas, types.StateDelta{
			Type:            types.DeltaMap,
			Timestamp:       next.Timestamp,
			EntityPositions: map[types.EntityID]types.Position{actor.EntityID: *action.Position},
		})

	case types.ActionAttack, types.ActionCast:
		target := next.Participants[action.TargetID]
		damage := e.resolver.Resolve(state, action)
		target.CurrentHP = clamp(target.CurrentHP-damage, 0, target.MaxHP)
		tc := *target
		deltas = append(deltas, types.StateDelta{
			Type:        types.DeltaParticipant,
			Timestamp:   next.Timestamp,
			Participant: &tc,
		})

	case types.ActionUseItem:
		for i := range actor.Inventory.Items {
			if actor.Inventory.Items[i].ItemID == action.ItemID {
				actor.Inventory.Items[i].Quantity--
				if actor.Inventory.Items[i].Quantity <= 0 {
					actor.Inventory.Items = append(actor.Inventory.Items[:i], actor.Inventory.Items[i+1:]...)
				}
				break
			}
		}
		ac := *actor
		deltas = append(deltas, types.StateDelta{
			Type:        types.DeltaParticipant,
			Timestamp:   next.Timestamp,
			Participant: &ac,
		})

	case types.ActionInteract:
		ac := *actor
		deltas = append(deltas, types.StateDelta{
			Type:        types.DeltaParticipant,
			Timestamp:   next.Timestamp,
			Participant: &ac,
		})

	case types.ActionEnd:
		advanced, record := AdvanceTurn(next, types.TurnRecordCompleted)
		next = advanced
		deltas = append(deltas, TurnDelta(next, record))

	default:
		return nil, nil, fmt.Errorf("apply: unknown action type %q", action.Type)
	}

	return next, deltas, nil
}

// TurnDelta builds the turn delta for a state that just advanced: index,
// round, the closing record, and every participant's turn status, so a
// client folding deltas lands on the same statuses the server holds.
func TurnDelta(state *types.GameState, record types.TurnRecord) types.StateDelta {
	idx := state.CurrentTurnIndex
	round := state.RoundNumber
	return types.StateDelta{
		Type:             types.DeltaTurn,
		Timestamp:        state.Timestamp,
		CurrentTurnIndex: &idx,
		RoundNumber:      &round,
		TurnRecord:       &record,
		TurnStatuses:     TurnStatuses(state),
	}
}

// TurnStatuses snapshots every participant's turn status.
func TurnStatuses(state *types.GameState) map[types.EntityID]types.TurnStatus {
	out := make(map[types.EntityID]types.TurnStatus, len(state.Participants))
	for id, p := range state.Participants {
		out[id] = p.TurnStatus
	}
	return out
}

// AdvanceTurn closes the current turn with the given status and activates
// the next actor, wrapping the index and incrementing the round at the end
// of the order. The input is mutated; callers pass a clone they own.
func AdvanceTurn(state *types.GameState, status types.TurnRecordStatus) (*types.GameState, types.TurnRecord) {
	now := time.Now().UnixMilli()
	current, _ := state.CurrentActor()

	record := types.TurnRecord{
		EntityID:    current.EntityID,
		TurnNumber:  len(state.TurnHistory) + 1,
		RoundNumber: state.RoundNumber,
		StartTime:   state.Timestamp,
		EndTime:     now,
		Status:      status,
	}
	state.TurnHistory = append(state.TurnHistory, record)

	if p, ok := state.Participants[current.EntityID]; ok {
		switch status {
		case types.TurnRecordCompleted:
			p.TurnStatus = types.TurnStatusCompleted
		default:
			p.TurnStatus = types.TurnStatusSkipped
		}
	}

	state.CurrentTurnIndex++
	if state.CurrentTurnIndex >= len(state.InitiativeOrder) {
		state.CurrentTurnIndex = 0
		state.RoundNumber++
	}

	if next, ok := state.CurrentActor(); ok {
		if p, exists := state.Participants[next.EntityID]; exists {
			p.TurnStatus = types.TurnStatusActive
		}
	}

	state.Timestamp = nextTimestamp(state.Timestamp)
	return state, record
}

// RebuildInitiative re-sorts the order deterministically (initiative
// descending, entityId ascending on ties) after participants join or leave,
// preserving the current actor's slot by identity.
func RebuildInitiative(state *types.GameState) *types.GameState {
	next := state.Clone()

	var currentEntity types.EntityID
	if cur, ok := next.CurrentActor(); ok {
		currentEntity = cur.EntityID
	}

	order := make([]types.InitiativeEntry, 0, len(next.Participants))
	for _, entry := range next.InitiativeOrder {
		if _, exists := next.Participants[entry.EntityID]; exists {
			order = append(order, entry)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].Initiative != order[j].Initiative {
			return order[i].Initiative > order[j].Initiative
		}
		return order[i].EntityID < order[j].EntityID
	})

	next.InitiativeOrder = order

	if currentEntity != "" {
		for i, entry := range order {
			if entry.EntityID == currentEntity {
				next.CurrentTurnIndex = i
				break
			}
		}
	}
	if next.CurrentTurnIndex >= len(order) {
		next.CurrentTurnIndex = 0
	}

	next.Timestamp = nextTimestamp(state.Timestamp)
	return next
}

// AddToInitiative inserts an entry and re-sorts.
func AddToInitiative(state *types.GameState, entry types.InitiativeEntry) *types.GameState {
	next := state.Clone()
	next.InitiativeOrder = append(next.InitiativeOrder, entry)
	return RebuildInitiative(next)
}

// --- helpers ---

func hasAction(p *types.Participant, t types.ActionType) bool {
	for _, a := range p.AvailableActions {
		if a == string(t) {
			return true
		}
	}
	return false
}

func validateMove(state *types.GameState, actor *types.Participant, action types.TurnAction) []string {
	if action.Position == nil {
		return []string{"move requires a target position"}
	}
	dest := *action.Position

	var errs []string
	if dest.X < 0 || dest.Y < 0 || dest.X >= state.MapState.Width || dest.Y >= state.MapState.Height {
		errs = append(errs, fmt.Sprintf("position (%d,%d) is out of bounds", dest.X, dest.Y))
		return errs
	}

	// Chebyshev distance: a diagonal step counts as 1.
	dist := chebyshev(actor.Position, dest)
	if dist > actor.Speed {
		errs = append(errs, fmt.Sprintf("distance %d exceeds speed %d", dist, actor.Speed))
	}

	if isObstacle(state, dest) {
		errs = append(errs, fmt.Sprintf("position (%d,%d) is blocked", dest.X, dest.Y))
	} else if !pathClear(state, actor.Position, dest) {
		errs = append(errs, "path is blocked")
	}

	return errs
}

func validateTarget(state *types.GameState, action types.TurnAction) []string {
	if action.TargetID == "" {
		return []string{fmt.Sprintf("%s requires a target", action.Type)}
	}
	if _, ok := state.Participants[action.TargetID]; !ok {
		return []string{fmt.Sprintf("unknown target %q", action.TargetID)}
	}
	return nil
}

func validateItem(actor *types.Participant, action types.TurnAction) []string {
	if action.ItemID == "" {
		return []string{"useItem requires an item"}
	}
	for _, item := range actor.Inventory.Items {
		if item.ItemID == action.ItemID {
			if item.Quantity <= 0 {
				return []string{fmt.Sprintf("item %q is depleted", action.ItemID)}
			}
			return nil
		}
	}
	return []string{fmt.Sprintf("item %q is not in inventory", action.ItemID)}
}

func chebyshev(a, b types.Position) int {
	dx := abs(a.X - b.X)
	dy := abs(a.Y - b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

func isObstacle(state *types.GameState, pos types.Position) bool {
	for _, o := range state.MapState.Obstacles {
		if o == pos {
			return true
		}
	}
	return false
}

// pathClear walks the straight Chebyshev line from a to b, stepping one
// square at a time toward the destination, and rejects paths crossing an
// obstacle. Movement around obstacles is up to the client to plan as
// multiple moves.
func pathClear(state *types.GameState, from, to types.Position) bool {
	cur := from
	for cur != to {
		cur.X += sign(to.X - cur.X)
		cur.Y += sign(to.Y - cur.Y)
		if cur != to && isObstacle(state, cur) {
			return false
		}
	}
	return true
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	default:
		return 0
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func nextTimestamp(prev int64) int64 {
	now := time.Now().UnixMilli()
	if now <= prev {
		return prev + 1
	}
	return now
}
