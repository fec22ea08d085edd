package types

// EventType tags every event on the subscription stream.
type EventType string

const (
	EventParticipantJoined  EventType = "PARTICIPANT_JOINED"
	EventParticipantLeft    EventType = "PARTICIPANT_LEFT"
	EventTurnStarted        EventType = "TURN_STARTED"
	EventTurnCompleted      EventType = "TURN_COMPLETED"
	EventTurnSkipped        EventType = "TURN_SKIPPED"
	EventTurnBacktracked    EventType = "TURN_BACKTRACKED"
	EventStateDelta         EventType = "STATE_DELTA"
	EventChatMessage        EventType = "CHAT_MESSAGE"
	EventInitiativeUpdated  EventType = "INITIATIVE_UPDATED"
	EventInteractionPaused  EventType = "INTERACTION_PAUSED"
	EventInteractionResumed EventType = "INTERACTION_RESUMED"
	EventPlayerDisconnected EventType = "PLAYER_DISCONNECTED"
	EventPlayerReconnected  EventType = "PLAYER_RECONNECTED"
	EventDMDisconnected     EventType = "DM_DISCONNECTED"
	EventDMReconnected      EventType = "DM_RECONNECTED"
	EventError              EventType = "ERROR"
)

// GameEvent is one element of a room's event stream.
type GameEvent struct {
	Type          EventType     `json:"type"`
	InteractionID InteractionID `json:"interactionId"`
	Timestamp     int64         `json:"timestamp"`

	EntityID EntityID `json:"entityId,omitempty"`
	UserID   UserID   `json:"userId,omitempty"`
	Reason   string   `json:"reason,omitempty"`

	Delta   *StateDelta  `json:"delta,omitempty"`
	Message *ChatMessage `json:"message,omitempty"`

	// ERROR events
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`

	// Addressing: when set, only this user receives the event.
	TargetUserID UserID `json:"-"`
}
