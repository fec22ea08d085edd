package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
)

// newCombatState builds a two-combatant active state on a 10x10 map with
// hero acting first.
func newCombatState() *types.GameState {
	hero := &types.Participant{
		EntityID:         "hero",
		EntityType:       types.EntityTypePlayerCharacter,
		UserID:           "user-hero",
		CurrentHP:        20,
		MaxHP:            20,
		Speed:            6,
		Position:         types.Position{X: 1, Y: 1},
		AvailableActions: []string{"move", "attack", "cast", "useItem", "interact"},
		Inventory: types.Inventory{
			Items: []types.Item{{ItemID: "potion", Name: "Healing Potion", Quantity: 2}},
		},
		TurnStatus: types.TurnStatusActive,
	}
	goblin := &types.Participant{
		EntityID:         "goblin",
		EntityType:       types.EntityTypeMonster,
		CurrentHP:        7,
		MaxHP:            7,
		Speed:            6,
		Position:         types.Position{X: 4, Y: 4},
		AvailableActions: []string{"move", "attack"},
		TurnStatus:       types.TurnStatusWaiting,
	}
	return &types.GameState{
		InteractionID: "int-1",
		Status:        types.RoomStatusActive,
		InitiativeOrder: []types.InitiativeEntry{
			{EntityID: "hero", Initiative: 18},
			{EntityID: "goblin", Initiative: 11},
		},
		CurrentTurnIndex: 0,
		RoundNumber:      1,
		Participants: map[types.EntityID]*types.Participant{
			"hero":   hero,
			"goblin": goblin,
		},
		MapState: types.MapState{
			Width:  10,
			Height: 10,
			Entities: map[types.EntityID]types.EntityPlacement{
				"hero":   {Position: hero.Position},
				"goblin": {Position: goblin.Position},
			},
		},
		Timestamp: 1000,
	}
}

func TestValidate_RejectsWhenNotActive(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()
	state.Status = types.RoomStatusPaused

	result := e.Validate(state, types.TurnAction{EntityID: "hero", Type: types.ActionEnd})

	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors[0], "paused")
}

func TestValidate_RejectsOutOfTurnActor(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()

	result := e.Validate(state, types.TurnAction{EntityID: "goblin", Type: types.ActionMove, Position: &types.Position{X: 5, Y: 4}})

	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors[0], "not your turn")
}

func TestValidate_RejectsOutOfTurnReaction(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()

	result := e.Validate(state, types.TurnAction{
		EntityID:   "goblin",
		Type:       types.ActionInteract,
		Parameters: types.ActionParameters{OutOfTurn: true},
	})

	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors[0], "reactions are not enabled")
}

func TestValidate_RejectsUnavailableAction(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()
	state.Participants["hero"].AvailableActions = []string{"move"}

	result := e.Validate(state, types.TurnAction{EntityID: "hero", Type: types.ActionAttack, TargetID: "goblin"})

	assert.False(t, result.Valid)
}

func TestValidate_EndAlwaysAvailable(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()
	state.Participants["hero"].AvailableActions = nil

	result := e.Validate(state, types.TurnAction{EntityID: "hero", Type: types.ActionEnd})

	assert.True(t, result.Valid)
}

func TestValidate_Move(t *testing.T) {
	e := NewEngine(nil)

	tests := []struct {
		name      string
		dest      types.Position
		obstacles []types.Position
		wantValid bool
		wantErr   string
	}{
		{name: "within speed", dest: types.Position{X: 4, Y: 4}, wantValid: true},
		{name: "diagonal counts as one", dest: types.Position{X: 7, Y: 7}, wantValid: true},
		{name: "beyond speed", dest: types.Position{X: 8, Y: 1}, wantValid: false, wantErr: "exceeds speed"},
		{name: "out of bounds", dest: types.Position{X: 11, Y: 1}, wantValid: false, wantErr: "out of bounds"},
		{name: "destination blocked", dest: types.Position{X: 3, Y: 3}, obstacles: []types.Position{{X: 3, Y: 3}}, wantValid: false, wantErr: "blocked"},
		{name: "path blocked", dest: types.Position{X: 4, Y: 4}, obstacles: []types.Position{{X: 2, Y: 2}, {X: 3, Y: 3}}, wantValid: false, wantErr: "path is blocked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newCombatState()
			state.MapState.Obstacles = tt.obstacles
			// Keep goblin off the tested squares.
			delete(state.MapState.Entities, "goblin")

			dest := tt.dest
			result := e.Validate(state, types.TurnAction{EntityID: "hero", Type: types.ActionMove, Position: &dest})

			assert.Equal(t, tt.wantValid, result.Valid)
			if tt.wantErr != "" {
				require.NotEmpty(t, result.Errors)
				assert.Contains(t, result.Errors[0], tt.wantErr)
			}
		})
	}
}

func TestApply_MoveUpdatesPositionAndMap(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()
	dest := types.Position{X: 3, Y: 2}

	next, deltas, err := e.Apply(state, types.TurnAction{EntityID: "hero", Type: types.ActionMove, Position: &dest})

	require.NoError(t, err)
	assert.Equal(t, dest, next.Participants["hero"].Position)
	assert.Equal(t, dest, next.MapState.Entities["hero"].Position)
	require.Len(t, deltas, 1)
	assert.Equal(t, types.DeltaMap, deltas[0].Type)
	assert.Equal(t, dest, deltas[0].EntityPositions["hero"])

	// Input untouched.
	assert.Equal(t, types.Position{X: 1, Y: 1}, state.Participants["hero"].Position)
}

func TestApply_AttackClampsDamage(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()

	next, deltas, err := e.Apply(state, types.TurnAction{
		EntityID:   "hero",
		Type:       types.ActionAttack,
		TargetID:   "goblin",
		Parameters: types.ActionParameters{Damage: 50},
	})

	require.NoError(t, err)
	assert.Equal(t, 0, next.Participants["goblin"].CurrentHP)
	require.Len(t, deltas, 1)
	assert.Equal(t, types.DeltaParticipant, deltas[0].Type)
	assert.Equal(t, 0, deltas[0].Participant.CurrentHP)
}

func TestApply_UseItemDecrementsAndRemoves(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()

	next, _, err := e.Apply(state, types.TurnAction{EntityID: "hero", Type: types.ActionUseItem, ItemID: "potion"})
	require.NoError(t, err)
	assert.Equal(t, 1, next.Participants["hero"].Inventory.Items[0].Quantity)

	next2, _, err := e.Apply(next, types.TurnAction{EntityID: "hero", Type: types.ActionUseItem, ItemID: "potion"})
	require.NoError(t, err)
	assert.Empty(t, next2.Participants["hero"].Inventory.Items)
}

func TestApply_EndAdvancesTurn(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()

	next, deltas, err := e.Apply(state, types.TurnAction{EntityID: "hero", Type: types.ActionEnd})

	require.NoError(t, err)
	assert.Equal(t, 1, next.CurrentTurnIndex)
	assert.Equal(t, 1, next.RoundNumber)
	require.Len(t, next.TurnHistory, 1)
	assert.Equal(t, types.EntityID("hero"), next.TurnHistory[0].EntityID)
	assert.Equal(t, types.TurnRecordCompleted, next.TurnHistory[0].Status)
	assert.Equal(t, types.TurnStatusActive, next.Participants["goblin"].TurnStatus)

	require.Len(t, deltas, 1)
	assert.Equal(t, types.DeltaTurn, deltas[0].Type)
	assert.Equal(t, 1, *deltas[0].CurrentTurnIndex)
}

func TestApply_EndDeltaFoldsToSameState(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()

	next, deltas, err := e.Apply(state, types.TurnAction{EntityID: "hero", Type: types.ActionEnd})
	require.NoError(t, err)
	require.Len(t, deltas, 1)

	// The turn delta carries every participant's status, so a folded view
	// tracks the server's status flips, not just the index.
	assert.Equal(t, types.TurnStatusCompleted, deltas[0].TurnStatuses["hero"])
	assert.Equal(t, types.TurnStatusActive, deltas[0].TurnStatuses["goblin"])

	folded := state.Clone()
	for _, d := range deltas {
		folded = types.ApplyDelta(folded, d)
	}
	assert.Equal(t, next, folded)
}

func TestAdvanceTurn_WrapsAndIncrementsRound(t *testing.T) {
	state := newCombatState()
	state.CurrentTurnIndex = 1 // goblin acting, last in order

	next, record := AdvanceTurn(state.Clone(), types.TurnRecordTimeout)

	assert.Equal(t, 0, next.CurrentTurnIndex)
	assert.Equal(t, 2, next.RoundNumber)
	assert.Equal(t, types.TurnRecordTimeout, record.Status)
	assert.Equal(t, types.EntityID("goblin"), record.EntityID)
	assert.Equal(t, types.TurnStatusActive, next.Participants["hero"].TurnStatus)
}

func TestApply_TimestampsAreMonotonic(t *testing.T) {
	e := NewEngine(nil)
	state := newCombatState()
	state.Timestamp = 1 << 62 // far future, forces the prev+1 path

	next, _, err := e.Apply(state, types.TurnAction{EntityID: "hero", Type: types.ActionEnd})

	require.NoError(t, err)
	assert.Greater(t, next.Timestamp, state.Timestamp)
}

func TestRebuildInitiative_SortsAndPreservesCurrentActor(t *testing.T) {
	state := newCombatState()
	state.CurrentTurnIndex = 1 // goblin acting
	state.Participants["wolf"] = &types.Participant{
		EntityID: "wolf", EntityType: types.EntityTypeMonster, CurrentHP: 5, MaxHP: 5,
	}
	state.InitiativeOrder = append(state.InitiativeOrder, types.InitiativeEntry{EntityID: "wolf", Initiative: 15})

	next := RebuildInitiative(state)

	require.Len(t, next.InitiativeOrder, 3)
	assert.Equal(t, types.EntityID("hero"), next.InitiativeOrder[0].EntityID)
	assert.Equal(t, types.EntityID("wolf"), next.InitiativeOrder[1].EntityID)
	assert.Equal(t, types.EntityID("goblin"), next.InitiativeOrder[2].EntityID)
	// Goblin stays the current actor even though its index shifted.
	assert.Equal(t, 2, next.CurrentTurnIndex)
}

func TestRebuildInitiative_DropsDepartedEntities(t *testing.T) {
	state := newCombatState()
	delete(state.Participants, "goblin")

	next := RebuildInitiative(state)

	require.Len(t, next.InitiativeOrder, 1)
	assert.Equal(t, types.EntityID("hero"), next.InitiativeOrder[0].EntityID)
	assert.Equal(t, 0, next.CurrentTurnIndex)
}

func TestRebuildInitiative_TieBreaksByEntityID(t *testing.T) {
	state := newCombatState()
	state.InitiativeOrder[0].Initiative = 11 // ties goblin

	next := RebuildInitiative(state)

	assert.Equal(t, types.EntityID("goblin"), next.InitiativeOrder[0].EntityID)
	assert.Equal(t, types.EntityID("hero"), next.InitiativeOrder[1].EntityID)
}

func TestCheckInvariants(t *testing.T) {
	t.Run("healthy state has none", func(t *testing.T) {
		assert.Nil(t, CheckInvariants(newCombatState()))
	})

	t.Run("turn index out of range", func(t *testing.T) {
		state := newCombatState()
		state.CurrentTurnIndex = 7
		violations := CheckInvariants(state)
		require.NotEmpty(t, violations)
		assert.Contains(t, violations[0], "currentTurnIndex")
	})

	t.Run("initiative entry without participant", func(t *testing.T) {
		state := newCombatState()
		delete(state.Participants, "goblin")
		assert.NotEmpty(t, CheckInvariants(state))
	})

	t.Run("hp outside range", func(t *testing.T) {
		state := newCombatState()
		state.Participants["hero"].CurrentHP = 99
		assert.NotEmpty(t, CheckInvariants(state))
	})

	t.Run("entity on obstacle", func(t *testing.T) {
		state := newCombatState()
		state.MapState.Obstacles = []types.Position{{X: 1, Y: 1}}
		assert.NotEmpty(t, CheckInvariants(state))
	})

	t.Run("round below one", func(t *testing.T) {
		state := newCombatState()
		state.RoundNumber = 0
		assert.NotEmpty(t, CheckInvariants(state))
	})
}
