package types

// ActionType is the kind of a submitted turn action.
type ActionType string

const (
	ActionMove     ActionType = "move"
	ActionAttack   ActionType = "attack"
	ActionCast     ActionType = "cast"
	ActionUseItem  ActionType = "useItem"
	ActionInteract ActionType = "interact"
	ActionEnd      ActionType = "end"
)

// ActionParameters carries the optional, action-specific inputs.
type ActionParameters struct {
	Damage     int    `json:"damage,omitempty"`
	SaveDC     int    `json:"saveDC,omitempty"`
	SpellID    string `json:"spellId,omitempty"`
	OutOfTurn  bool   `json:"outOfTurn,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// TurnAction is a client-submitted action for the active turn.
type TurnAction struct {
	InteractionID InteractionID    `json:"interactionId"`
	EntityID      EntityID         `json:"entityId"`
	Type          ActionType       `json:"type"`
	TargetID      EntityID         `json:"targetId,omitempty"`
	ItemID        string           `json:"itemId,omitempty"`
	Position      *Position        `json:"position,omitempty"`
	Parameters    ActionParameters `json:"parameters,omitempty"`
	Timestamp     int64            `json:"timestamp,omitempty"`
}

// ValidationResult is the outcome of validating a TurnAction.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Invalid builds a failed result from one or more messages.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// ValidResult is the success value.
func ValidResult() ValidationResult {
	return ValidationResult{Valid: true}
}
