package types

// DeltaType discriminates the minimal-change variants.
type DeltaType string

const (
	DeltaParticipant DeltaType = "participant"
	DeltaTurn        DeltaType = "turn"
	DeltaMap         DeltaType = "map"
	DeltaInitiative  DeltaType = "initiative"
	DeltaChat        DeltaType = "chat"
)

// StateDelta describes a minimal change to a GameState. Exactly the fields
// for its Type are set; FullSync deltas carry the whole state instead and
// are used on reconnect.
type StateDelta struct {
	Type      DeltaType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	// participant
	Participant *Participant `json:"participant,omitempty"`
	Removed     EntityID     `json:"removedEntityId,omitempty"`

	// turn
	CurrentTurnIndex *int                    `json:"currentTurnIndex,omitempty"`
	RoundNumber      *int                    `json:"roundNumber,omitempty"`
	TurnRecord       *TurnRecord             `json:"turnRecord,omitempty"`
	Status           RoomStatus              `json:"status,omitempty"`
	TurnStatuses     map[EntityID]TurnStatus `json:"turnStatuses,omitempty"`

	// map
	EntityPositions map[EntityID]Position `json:"entityPositions,omitempty"`

	// initiative
	InitiativeOrder []InitiativeEntry `json:"initiativeOrder,omitempty"`

	// chat
	Message *ChatMessage `json:"message,omitempty"`

	// reconnect
	FullSync bool       `json:"fullSync,omitempty"`
	State    *GameState `json:"state,omitempty"`
}

// ApplyDelta folds a delta into prev and returns the resulting state.
// prev is not mutated. Applying every delta a room emits, in order,
// reproduces the room's current state.
func ApplyDelta(prev *GameState, d StateDelta) *GameState {
	if d.FullSync && d.State != nil {
		return d.State.Clone()
	}

	next := prev.Clone()
	next.Timestamp = d.Timestamp

	switch d.Type {
	case DeltaParticipant:
		if d.Removed != "" {
			delete(next.Participants, d.Removed)
			delete(next.MapState.Entities, d.Removed)
		} else if d.Participant != nil {
			p := *d.Participant
			next.Participants[p.EntityID] = &p
			next.MapState.Entities[p.EntityID] = EntityPlacement{Position: p.Position}
		}
	case DeltaTurn:
		if d.CurrentTurnIndex != nil {
			next.CurrentTurnIndex = *d.CurrentTurnIndex
		}
		if d.RoundNumber != nil {
			next.RoundNumber = *d.RoundNumber
		}
		if d.TurnRecord != nil {
			next.TurnHistory = append(next.TurnHistory, *d.TurnRecord)
		}
		if d.Status != "" {
			next.Status = d.Status
		}
		for id, ts := range d.TurnStatuses {
			if p, ok := next.Participants[id]; ok {
				p.TurnStatus = ts
			}
		}
	case DeltaMap:
		for id, pos := range d.EntityPositions {
			pl := next.MapState.Entities[id]
			pl.Position = pos
			next.MapState.Entities[id] = pl
			if p, ok := next.Participants[id]; ok {
				p.Position = pos
			}
		}
	case DeltaInitiative:
		next.InitiativeOrder = append([]InitiativeEntry(nil), d.InitiativeOrder...)
		if d.CurrentTurnIndex != nil {
			next.CurrentTurnIndex = *d.CurrentTurnIndex
		}
	case DeltaChat:
		if d.Message != nil {
			next.ChatLog = append(next.ChatLog, *d.Message)
		}
	}

	return next
}
