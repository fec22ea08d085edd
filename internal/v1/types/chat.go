package types

import "errors"

// ChatType scopes a message to a channel.
type ChatType string

const (
	ChatTypeParty   ChatType = "party"
	ChatTypeDM      ChatType = "dm"
	ChatTypePrivate ChatType = "private"
	ChatTypeSystem  ChatType = "system"
)

// SystemUserID is the process-level identity allowed to send system messages.
const SystemUserID UserID = "system"

// ChatMessage is one entry in a room's chat log.
type ChatMessage struct {
	ID         string   `json:"id"`
	UserID     UserID   `json:"userId"`
	EntityID   EntityID `json:"entityId,omitempty"`
	Content    string   `json:"content"`
	Type       ChatType `json:"type"`
	Recipients []UserID `json:"recipients,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// MaxChatContentLength bounds message content per the wire contract.
const MaxChatContentLength = 1000

// Validate ensures a chat message is safe to store.
func (m ChatMessage) Validate() error {
	if len(m.Content) == 0 {
		return errors.New("chat content cannot be empty")
	}
	if len(m.Content) > MaxChatContentLength {
		return errors.New("chat content cannot exceed 1000 characters")
	}
	if m.UserID == "" {
		return errors.New("user ID cannot be empty")
	}
	if m.Type == ChatTypePrivate && len(m.Recipients) == 0 {
		return errors.New("private chat requires at least one recipient")
	}
	return nil
}

// VisibleTo reports whether userID may see this message. DM visibility is
// resolved by the caller, which knows the room's DM set; this covers the
// sender/recipient rule for private messages.
func (m ChatMessage) VisibleTo(userID UserID) bool {
	switch m.Type {
	case ChatTypePrivate:
		if m.UserID == userID {
			return true
		}
		for _, r := range m.Recipients {
			if r == userID {
				return true
			}
		}
		return false
	default:
		return true
	}
}
