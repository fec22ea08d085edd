package types

// --- Core Domain Types ---

// InteractionID identifies the logical session a room hosts.
type InteractionID string

// RoomID is the server-local identifier for a live room.
type RoomID string

// UserID is the resolved identity of an authenticated user.
type UserID string

// EntityID identifies an actor (character, npc, monster) within a room.
type EntityID string

// ConnectionID identifies a single websocket connection.
type ConnectionID string

// EntityType classifies the actor behind an entity.
type EntityType string

const (
	EntityTypePlayerCharacter EntityType = "playerCharacter"
	EntityTypeNPC             EntityType = "npc"
	EntityTypeMonster         EntityType = "monster"
)

// RoomStatus is the lifecycle state of an interaction.
type RoomStatus string

const (
	RoomStatusWaiting   RoomStatus = "waiting"
	RoomStatusActive    RoomStatus = "active"
	RoomStatusPaused    RoomStatus = "paused"
	RoomStatusCompleted RoomStatus = "completed"
)

// TurnStatus tracks where a participant is in the current round.
type TurnStatus string

const (
	TurnStatusWaiting   TurnStatus = "waiting"
	TurnStatusActive    TurnStatus = "active"
	TurnStatusCompleted TurnStatus = "completed"
	TurnStatusSkipped   TurnStatus = "skipped"
)

// Position is a map coordinate. Both components are >= 0.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Inventory holds a participant's items and equipment.
type Inventory struct {
	Items    []Item            `json:"items"`
	Equipped map[string]string `json:"equipped"` // slot -> itemId
	Capacity int               `json:"capacity"`
}

// Item is a carried object with a quantity.
type Item struct {
	ItemID   string `json:"itemId"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Participant is a distinguished actor within a room.
// UserID is empty for NPC/monster tokens driven by the DM.
type Participant struct {
	EntityID         EntityID   `json:"entityId"`
	EntityType       EntityType `json:"entityType"`
	UserID           UserID     `json:"userId,omitempty"`
	IsDM             bool       `json:"isDM,omitempty"`
	CurrentHP        int        `json:"currentHP"`
	MaxHP            int        `json:"maxHP"`
	Speed            int        `json:"speed"`
	Position         Position   `json:"position"`
	Conditions       []string   `json:"conditions"`
	Inventory        Inventory  `json:"inventory"`
	AvailableActions []string   `json:"availableActions"`
	TurnStatus       TurnStatus `json:"turnStatus"`
}

// InitiativeEntry is one slot in the turn order.
type InitiativeEntry struct {
	EntityID   EntityID   `json:"entityId"`
	EntityType EntityType `json:"entityType"`
	Initiative int        `json:"initiative"`
	UserID     UserID     `json:"userId,omitempty"`
}

// EntityPlacement is an entity's location on the map.
type EntityPlacement struct {
	Position Position `json:"position"`
	Facing   string   `json:"facing,omitempty"`
}

// MapState is the spatial state of the room.
type MapState struct {
	Width     int                          `json:"width"`
	Height    int                          `json:"height"`
	Entities  map[EntityID]EntityPlacement `json:"entities"`
	Obstacles []Position                   `json:"obstacles"`
	Terrain   []Position                   `json:"terrain,omitempty"`
}

// TurnRecordStatus says how a turn closed.
type TurnRecordStatus string

const (
	TurnRecordCompleted TurnRecordStatus = "completed"
	TurnRecordSkipped   TurnRecordStatus = "skipped"
	TurnRecordTimeout   TurnRecordStatus = "timeout"
)

// TurnRecord is a closed turn appended to the history.
type TurnRecord struct {
	EntityID    EntityID         `json:"entityId"`
	TurnNumber  int              `json:"turnNumber"`
	RoundNumber int              `json:"roundNumber"`
	Actions     []TurnAction     `json:"actions"`
	StartTime   int64            `json:"startTime"`
	EndTime     int64            `json:"endTime"`
	Status      TurnRecordStatus `json:"status"`
}

// GameState is the room's authoritative record.
type GameState struct {
	InteractionID    InteractionID             `json:"interactionId"`
	Status           RoomStatus                `json:"status"`
	InitiativeOrder  []InitiativeEntry         `json:"initiativeOrder"`
	CurrentTurnIndex int                       `json:"currentTurnIndex"`
	RoundNumber      int                       `json:"roundNumber"`
	Participants     map[EntityID]*Participant `json:"participants"`
	MapState         MapState                  `json:"mapState"`
	TurnHistory      []TurnRecord              `json:"turnHistory"`
	ChatLog          []ChatMessage             `json:"chatLog"`
	Timestamp        int64                     `json:"timestamp"`
}

// CurrentActor returns the initiative entry whose turn it is, or false when
// the order is empty or the index is out of range.
func (s *GameState) CurrentActor() (InitiativeEntry, bool) {
	if s.CurrentTurnIndex < 0 || s.CurrentTurnIndex >= len(s.InitiativeOrder) {
		return InitiativeEntry{}, false
	}
	return s.InitiativeOrder[s.CurrentTurnIndex], true
}

// Clone produces a deep copy. Readers outside the room writer always see
// clones, never the live state.
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	cp := *s

	cp.InitiativeOrder = append([]InitiativeEntry(nil), s.InitiativeOrder...)
	cp.TurnHistory = append([]TurnRecord(nil), s.TurnHistory...)
	cp.ChatLog = append([]ChatMessage(nil), s.ChatLog...)

	cp.Participants = make(map[EntityID]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		pc := *p
		pc.Conditions = append([]string(nil), p.Conditions...)
		pc.AvailableActions = append([]string(nil), p.AvailableActions...)
		pc.Inventory.Items = append([]Item(nil), p.Inventory.Items...)
		pc.Inventory.Equipped = make(map[string]string, len(p.Inventory.Equipped))
		for k, v := range p.Inventory.Equipped {
			pc.Inventory.Equipped[k] = v
		}
		cp.Participants[id] = &pc
	}

	cp.MapState.Entities = make(map[EntityID]EntityPlacement, len(s.MapState.Entities))
	for id, pl := range s.MapState.Entities {
		cp.MapState.Entities[id] = pl
	}
	cp.MapState.Obstacles = append([]Position(nil), s.MapState.Obstacles...)
	cp.MapState.Terrain = append([]Position(nil), s.MapState.Terrain...)

	return &cp
}

// Snapshot is an immutable copy of GameState tagged with its capture time.
type Snapshot struct {
	State      *GameState `json:"state"`
	CapturedAt int64      `json:"capturedAt"`
}
