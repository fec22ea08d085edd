package game

import "github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"

// DamageResolver computes the damage of an attack or cast. Damage math is
// delegated; the engine clamps whatever comes back to the target's HP range.
type DamageResolver interface {
	Resolve(state *types.GameState, action types.TurnAction) int
}

// DeclaredDamageResolver trusts the damage declared on the action. This is
// the default until a rules service is wired in.
type DeclaredDamageResolver struct{}

func (r *DeclaredDamageResolver) Resolve(_ *types.GameState, action types.TurnAction) int {
	if action.Parameters.Damage < 0 {
		return 0
	}
	return action.Parameters.Damage
}
