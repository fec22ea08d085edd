// Package chat implements channel-scoped messaging inside a room: party,
// dm, private, and system channels, a per-user rate limit, an optional
// content filter, and the ring-trimmed chat log kept on the GameState.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/metrics"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const (
	// MaxHistorySize bounds the chat log carried on a GameState.
	MaxHistorySize = 10
	// DefaultRatePeriod and DefaultRateLimit define the per-user sliding
	// window for sending messages.
	DefaultRatePeriod = time.Minute
	DefaultRateLimit  = 5
)

// Service validates, rate-limits, and filters chat messages. It never holds
// room state; the room's writer appends the returned message itself.
type Service struct {
	limiter *limiter.Limiter
	filter  *ContentFilter
}

// NewService creates a chat service. A nil rate selects the 5/min default;
// a nil store selects an in-memory one. filter may be nil to disable
// content masking.
func NewService(store limiter.Store, rate *limiter.Rate, filter *ContentFilter) *Service {
	if store == nil {
		store = memory.NewStore()
	}
	if rate == nil {
		rate = &limiter.Rate{Period: DefaultRatePeriod, Limit: DefaultRateLimit}
	}
	return &Service{
		limiter: limiter.New(store, *rate),
		filter:  filter,
	}
}

// SendInput carries one sendMessage request.
type SendInput struct {
	UserID     types.UserID
	EntityID   types.EntityID
	Content    string
	Type       types.ChatType
	Recipients []types.UserID
}

// PrepareMessage runs validation, permissions, the rate limit, and the
// content filter, and returns the message ready to append. The state is
// read-only here.
func (s *Service) PrepareMessage(ctx context.Context, state *types.GameState, in SendInput) (*types.ChatMessage, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, types.NewError(types.KindInvalidArgument, "message content is empty")
	}
	if len(content) > types.MaxChatContentLength {
		return nil, types.NewError(types.KindInvalidArgument,
			fmt.Sprintf("message exceeds %d characters", types.MaxChatContentLength))
	}

	if err := s.checkPermissions(state, in); err != nil {
		return nil, err
	}

	// System messages originate in-process and bypass the user limiter.
	if in.UserID != types.SystemUserID {
		lctx, err := s.limiter.Get(ctx, "chat:"+string(in.UserID))
		if err != nil {
			return nil, types.WrapError(types.KindInternal, "chat rate limiter failed", err)
		}
		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("chat", "user").Inc()
			return nil, types.NewError(types.KindResourceExhausted, "chat rate limit exceeded")
		}
	}

	if s.filter != nil {
		content = s.filter.Mask(content)
	}

	msg := &types.ChatMessage{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		EntityID:   in.EntityID,
		Content:    content,
		Type:       in.Type,
		Recipients: in.Recipients,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Service) checkPermissions(state *types.GameState, in SendInput) error {
	switch in.Type {
	case types.ChatTypeSystem:
		if in.UserID != types.SystemUserID {
			return types.NewError(types.KindForbidden, "only the system may send system messages")
		}
		return nil

	case types.ChatTypeDM:
		if !isDM(state, in.UserID) {
			return types.NewError(types.KindForbidden, "dm channel is restricted to the DM")
		}
		return nil

	case types.ChatTypePrivate:
		if !isParticipant(state, in.UserID) {
			return types.NewError(types.KindForbidden, "sender is not a participant")
		}
		if len(in.Recipients) == 0 {
			return types.NewError(types.KindInvalidArgument, "private message requires recipients")
		}
		for _, r := range in.Recipients {
			if !isParticipant(state, r) {
				return types.NewError(types.KindInvalidArgument,
					fmt.Sprintf("recipient %q is not a participant", r))
			}
		}
		return nil

	case types.ChatTypeParty:
		if !isParticipant(state, in.UserID) {
			return types.NewError(types.KindForbidden, "sender is not a participant")
		}
		return nil

	default:
		return types.NewError(types.KindInvalidArgument, fmt.Sprintf("unknown chat type %q", in.Type))
	}
}

// Append returns a clone of state with msg added to the chat log, trimmed to
// MaxHistorySize, plus the chat delta describing the append.
func Append(state *types.GameState, msg *types.ChatMessage) (*types.GameState, types.StateDelta) {
	next := state.Clone()
	next.ChatLog = append(next.ChatLog, *msg)
	if len(next.ChatLog) > MaxHistorySize {
		next.ChatLog = next.ChatLog[len(next.ChatLog)-MaxHistorySize:]
	}
	if msg.Timestamp > next.Timestamp {
		next.Timestamp = msg.Timestamp
	} else {
		next.Timestamp = state.Timestamp + 1
	}

	return next, types.StateDelta{
		Type:      types.DeltaChat,
		Timestamp: next.Timestamp,
		Message:   msg,
	}
}

// History returns the chat log visible to userID, newest first, optionally
// restricted to one channel and capped at limit (0 means no cap).
func History(state *types.GameState, userID types.UserID, channel types.ChatType, limit int) []types.ChatMessage {
	isUserDM := isDM(state, userID)

	out := make([]types.ChatMessage, 0, len(state.ChatLog))
	for _, msg := range state.ChatLog {
		if channel != "" && msg.Type != channel {
			continue
		}
		if !visibleInHistory(msg, userID, isUserDM) {
			continue
		}
		out = append(out, msg)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func visibleInHistory(msg types.ChatMessage, userID types.UserID, isUserDM bool) bool {
	switch msg.Type {
	case types.ChatTypePrivate:
		return msg.VisibleTo(userID)
	case types.ChatTypeDM:
		return isUserDM || msg.UserID == userID
	default:
		return true
	}
}

func isParticipant(state *types.GameState, userID types.UserID) bool {
	for _, p := range state.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func isDM(state *types.GameState, userID types.UserID) bool {
	for _, p := range state.Participants {
		if p.UserID == userID && p.IsDM {
			return true
		}
	}
	return false
}
