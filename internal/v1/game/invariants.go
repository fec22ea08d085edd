package game

import (
	"fmt"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
)

// CheckInvariants reports every violated core invariant of a GameState.
// A healthy state returns nil. Error Recovery treats a non-empty result as
// state corruption.
func CheckInvariants(state *types.GameState) []string {
	var violations []string

	if state.Status == types.RoomStatusActive {
		if state.CurrentTurnIndex < 0 || state.CurrentTurnIndex >= len(state.InitiativeOrder) {
			violations = append(violations, fmt.Sprintf("currentTurnIndex %d out of range [0,%d)", state.CurrentTurnIndex, len(state.InitiativeOrder)))
		}
	}

	for _, entry := range state.InitiativeOrder {
		if _, ok := state.Participants[entry.EntityID]; !ok {
			violations = append(violations, fmt.Sprintf("initiative entry %q has no participant", entry.EntityID))
		}
	}

	for id, p := range state.Participants {
		if p.CurrentHP < 0 || p.CurrentHP > p.MaxHP {
			violations = append(violations, fmt.Sprintf("participant %q HP %d outside [0,%d]", id, p.CurrentHP, p.MaxHP))
		}
	}

	for id, pl := range state.MapState.Entities {
		pos := pl.Position
		if pos.X < 0 || pos.Y < 0 || pos.X >= state.MapState.Width || pos.Y >= state.MapState.Height {
			violations = append(violations, fmt.Sprintf("entity %q at (%d,%d) is out of bounds", id, pos.X, pos.Y))
		}
		if isObstacle(state, pos) {
			violations = append(violations, fmt.Sprintf("entity %q at (%d,%d) is on an obstacle", id, pos.X, pos.Y))
		}
	}

	if state.RoundNumber < 1 {
		violations = append(violations, fmt.Sprintf("roundNumber %d < 1", state.RoundNumber))
	}

	return violations
}
