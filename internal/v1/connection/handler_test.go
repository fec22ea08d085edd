package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/chat"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/events"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/persistence"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/room"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
)

type memoryGateway struct {
	mu     sync.Mutex
	states map[types.InteractionID]*types.GameState
}

func (g *memoryGateway) ReadState(_ context.Context, id types.InteractionID) (*types.GameState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.states[id]; ok {
		return st.Clone(), nil
	}
	return nil, types.NewError(types.KindNotFound, "no such document")
}

func (g *memoryGateway) WriteSnapshot(_ context.Context, state *types.GameState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[state.InteractionID] = state.Clone()
	return nil
}

func (g *memoryGateway) WriteCompletion(context.Context, persistence.CompletionRecord) error {
	return nil
}

func (g *memoryGateway) Ping(context.Context) error { return nil }

type eventSink struct {
	userID types.UserID
	isDM   bool

	mu     sync.Mutex
	events []types.GameEvent
}

func (s *eventSink) UserID() types.UserID { return s.userID }
func (s *eventSink) IsDM() bool           { return s.isDM }

func (s *eventSink) Deliver(batch []types.GameEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
}

func (s *eventSink) ofType(t types.EventType) []types.GameEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.GameEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *eventSink) waitFor(t *testing.T, evType types.EventType, n int) []types.GameEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := s.ofType(evType); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	evs := s.ofType(evType)
	require.GreaterOrEqual(t, len(evs), n, "timed out waiting for %d %s events", n, evType)
	return evs
}

type connFixture struct {
	handler *Handler
	rooms   *room.Manager
	bc      *events.Broadcaster
}

const testInteraction types.InteractionID = "int-conn"

func newConnFixture(t *testing.T, opts Options) *connFixture {
	t.Helper()
	bc := events.NewBroadcaster(1, 5*time.Millisecond)
	t.Cleanup(bc.Close)

	store := &memoryGateway{states: make(map[types.InteractionID]*types.GameState)}
	rooms := room.NewManager(bc, chat.NewService(nil, nil, nil), store, 0, 0, room.Options{})
	h := NewHandler(rooms, bc, opts)
	t.Cleanup(h.Close)

	ctx := context.Background()
	_, _, err := rooms.JoinRoom(ctx, testInteraction, "user-dm", "dm-avatar", types.EntityTypeNPC, "conn-dm", true)
	require.NoError(t, err)
	_, _, err = rooms.JoinRoom(ctx, testInteraction, "user-player", "hero", types.EntityTypePlayerCharacter, "conn-p", false)
	require.NoError(t, err)
	h.Register(ctx, testInteraction, "user-dm", "conn-dm")
	h.Register(ctx, testInteraction, "user-player", "conn-p")

	return &connFixture{handler: h, rooms: rooms, bc: bc}
}

func (f *connFixture) subscribe(t *testing.T, userID types.UserID, isDM bool) *eventSink {
	t.Helper()
	sink := &eventSink{userID: userID, isDM: isDM}
	unsub := f.bc.Subscribe(testInteraction, sink)
	t.Cleanup(unsub)
	return sink
}

func TestRegister_TracksSession(t *testing.T) {
	f := newConnFixture(t, Options{})

	s, ok := f.handler.GetSession(testInteraction, "user-player")
	require.True(t, ok)
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, types.ConnectionID("conn-p"), s.ConnectionID)
	assert.Zero(t, s.ReconnectAttempts)
}

func TestDisconnect_MarksSessionAndNotifies(t *testing.T) {
	f := newConnFixture(t, Options{})
	sink := f.subscribe(t, "user-observer", false)

	f.handler.Disconnect(context.Background(), testInteraction, "user-player", "socket closed")

	s, ok := f.handler.GetSession(testInteraction, "user-player")
	require.True(t, ok)
	assert.Equal(t, StateDisconnected, s.State)
	assert.Equal(t, "socket closed", s.DisconnectReason)
	assert.Equal(t, 1, s.ReconnectAttempts)

	evs := sink.waitFor(t, types.EventPlayerDisconnected, 1)
	assert.Equal(t, types.UserID("user-player"), evs[0].UserID)

	// The seat survives; only liveness flips.
	r, _ := f.rooms.GetRoomByInteractionID(testInteraction)
	p, ok := r.GetParticipant("user-player")
	require.True(t, ok)
	assert.False(t, p.IsConnected)
}

func TestDisconnect_IgnoresAlreadyDisconnected(t *testing.T) {
	f := newConnFixture(t, Options{})
	ctx := context.Background()

	f.handler.Disconnect(ctx, testInteraction, "user-player", "drop")
	f.handler.Disconnect(ctx, testInteraction, "user-player", "drop again")

	s, _ := f.handler.GetSession(testInteraction, "user-player")
	assert.Equal(t, 1, s.ReconnectAttempts, "a second disconnect of a dead session is a no-op")
}

func TestReconnect_SendsFullSyncToThatUserOnly(t *testing.T) {
	f := newConnFixture(t, Options{})
	ctx := context.Background()

	player := f.subscribe(t, "user-player", false)
	bystander := f.subscribe(t, "user-bystander", false)

	f.handler.Disconnect(ctx, testInteraction, "user-player", "drop")
	f.handler.Register(ctx, testInteraction, "user-player", "conn-p2")

	player.waitFor(t, types.EventPlayerReconnected, 1)
	deltas := player.waitFor(t, types.EventStateDelta, 1)
	require.NotNil(t, deltas[0].Delta)
	assert.True(t, deltas[0].Delta.FullSync)
	require.NotNil(t, deltas[0].Delta.State)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bystander.ofType(types.EventStateDelta), "full sync is addressed to the reconnecting user")

	s, _ := f.handler.GetSession(testInteraction, "user-player")
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, types.ConnectionID("conn-p2"), s.ConnectionID)
}

func TestHeartbeat_ClearsReconnectBudget(t *testing.T) {
	f := newConnFixture(t, Options{})
	ctx := context.Background()

	f.handler.Disconnect(ctx, testInteraction, "user-player", "drop")
	f.handler.Register(ctx, testInteraction, "user-player", "conn-p2")

	s, _ := f.handler.GetSession(testInteraction, "user-player")
	assert.Equal(t, 1, s.ReconnectAttempts, "reconnecting alone does not clear the budget")

	f.handler.UpdateHeartbeat(testInteraction, "user-player")
	s, _ = f.handler.GetSession(testInteraction, "user-player")
	assert.Zero(t, s.ReconnectAttempts)
}

func TestEviction_AfterExhaustedReconnectBudget(t *testing.T) {
	f := newConnFixture(t, Options{MaxReconnectAttempts: 3})
	ctx := context.Background()

	// Flap without ever heartbeating: each drop burns one attempt.
	f.handler.Disconnect(ctx, testInteraction, "user-player", "flap 1")
	f.handler.Register(ctx, testInteraction, "user-player", "conn-2")
	f.handler.Disconnect(ctx, testInteraction, "user-player", "flap 2")
	f.handler.Register(ctx, testInteraction, "user-player", "conn-3")
	f.handler.Disconnect(ctx, testInteraction, "user-player", "flap 3")

	_, ok := f.handler.GetSession(testInteraction, "user-player")
	assert.False(t, ok, "evicted session is forgotten")

	r, _ := f.rooms.GetRoomByInteractionID(testInteraction)
	_, seated := r.GetParticipant("user-player")
	assert.False(t, seated, "eviction unseats the user")
}

func TestDMGrace_PausesRoomWhenDMStaysGone(t *testing.T) {
	f := newConnFixture(t, Options{DMGraceWindow: 30 * time.Millisecond})
	sink := f.subscribe(t, "user-observer", false)
	ctx := context.Background()

	f.handler.Disconnect(ctx, testInteraction, "user-dm", "dm vanished")
	sink.waitFor(t, types.EventDMDisconnected, 1)

	r, _ := f.rooms.GetRoomByInteractionID(testInteraction)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Status() != types.RoomStatusPaused {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, types.RoomStatusPaused, r.Status())
	paused := sink.waitFor(t, types.EventInteractionPaused, 1)
	assert.Equal(t, "DM disconnected - interaction paused until DM returns", paused[0].Reason)

	// The absent DM's return resumes the room.
	f.handler.Register(ctx, testInteraction, "user-dm", "conn-dm2")
	sink.waitFor(t, types.EventDMReconnected, 1)
	assert.Equal(t, types.RoomStatusActive, r.Status())
}

func TestDMGrace_ReturnWithinGraceAvoidsPause(t *testing.T) {
	f := newConnFixture(t, Options{DMGraceWindow: 80 * time.Millisecond})
	ctx := context.Background()

	f.handler.Disconnect(ctx, testInteraction, "user-dm", "blip")
	f.handler.Register(ctx, testInteraction, "user-dm", "conn-dm2")

	time.Sleep(150 * time.Millisecond)
	r, _ := f.rooms.GetRoomByInteractionID(testInteraction)
	assert.NotEqual(t, types.RoomStatusPaused, r.Status())
}

func TestPlayerDisconnectDoesNotPauseRoom(t *testing.T) {
	f := newConnFixture(t, Options{DMGraceWindow: 20 * time.Millisecond})
	ctx := context.Background()

	f.handler.Disconnect(ctx, testInteraction, "user-player", "drop")
	time.Sleep(80 * time.Millisecond)

	r, _ := f.rooms.GetRoomByInteractionID(testInteraction)
	assert.NotEqual(t, types.RoomStatusPaused, r.Status())
}

func TestSweep_DisconnectsStaleSessions(t *testing.T) {
	f := newConnFixture(t, Options{ConnectionTimeout: 20 * time.Millisecond})

	time.Sleep(40 * time.Millisecond)
	f.handler.UpdateHeartbeat(testInteraction, "user-dm")
	f.handler.sweep(context.Background())

	stale, _ := f.handler.GetSession(testInteraction, "user-player")
	assert.Equal(t, StateDisconnected, stale.State)
	assert.Equal(t, "heartbeat timeout", stale.DisconnectReason)

	fresh, _ := f.handler.GetSession(testInteraction, "user-dm")
	assert.Equal(t, StateConnected, fresh.State)
}

func TestForget(t *testing.T) {
	f := newConnFixture(t, Options{})

	f.handler.Forget(testInteraction, "user-player")
	_, ok := f.handler.GetSession(testInteraction, "user-player")
	assert.False(t, ok)
}

func TestRegister_WithoutRoomIsHarmless(t *testing.T) {
	f := newConnFixture(t, Options{})
	ctx := context.Background()

	f.handler.Register(ctx, "int-ghost", "user-x", "conn-x")
	s, ok := f.handler.GetSession("int-ghost", "user-x")
	require.True(t, ok)
	assert.Equal(t, StateConnected, s.State)

	f.handler.Disconnect(ctx, "int-ghost", "user-x", "gone")
	s, _ = f.handler.GetSession("int-ghost", "user-x")
	assert.Equal(t, StateDisconnected, s.State)
}
