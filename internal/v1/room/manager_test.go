package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/events"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/persistence"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
)

// fakeGateway is an in-memory persistence.Gateway for manager tests.
type fakeGateway struct {
	mu          sync.Mutex
	states      map[types.InteractionID]*types.GameState
	completions []persistence.CompletionRecord
	snapshots   int
	readErr     error
	pingErr     error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{states: make(map[types.InteractionID]*types.GameState)}
}

func (f *fakeGateway) ReadState(_ context.Context, id types.InteractionID) (*types.GameState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	st, ok := f.states[id]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no such document")
	}
	return st.Clone(), nil
}

func (f *fakeGateway) WriteSnapshot(_ context.Context, state *types.GameState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.InteractionID] = state.Clone()
	f.snapshots++
	return nil
}

func (f *fakeGateway) WriteCompletion(_ context.Context, record persistence.CompletionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, record)
	return nil
}

func (f *fakeGateway) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeGateway) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

func (f *fakeGateway) completionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completions)
}

type managerFixture struct {
	mgr   *Manager
	store *fakeGateway
	bc    *events.Broadcaster
}

func newManagerFixture(t *testing.T, maxRooms int, inactivity time.Duration) *managerFixture {
	t.Helper()
	bc := events.NewBroadcaster(1, 10*time.Millisecond)
	t.Cleanup(bc.Close)

	store := newFakeGateway()
	mgr := NewManager(bc, testChatService(), store, maxRooms, inactivity, Options{})
	t.Cleanup(func() {
		for _, r := range mgr.GetAllRooms() {
			r.stopClock()
		}
	})
	return &managerFixture{mgr: mgr, store: store, bc: bc}
}

func TestCreateRoom_SeedsWaitingStateWhenStoreHasNone(t *testing.T) {
	f := newManagerFixture(t, 0, 0)

	r, err := f.mgr.CreateRoom(context.Background(), "int-new", nil)
	require.NoError(t, err)

	state := r.State()
	assert.Equal(t, types.RoomStatusWaiting, state.Status)
	assert.Equal(t, types.InteractionID("int-new"), state.InteractionID)
	assert.Equal(t, 1, state.RoundNumber)
}

func TestCreateRoom_LoadsStateFromStore(t *testing.T) {
	f := newManagerFixture(t, 0, 0)
	stored := activeCombatState()
	stored.InteractionID = "int-stored"
	f.store.states["int-stored"] = stored

	r, err := f.mgr.CreateRoom(context.Background(), "int-stored", nil)
	require.NoError(t, err)
	defer r.stopClock()

	state := r.State()
	assert.Equal(t, types.RoomStatusActive, state.Status)
	assert.Contains(t, state.Participants, types.EntityID("hero"))
}

func TestCreateRoom_IsIdempotentPerInteraction(t *testing.T) {
	f := newManagerFixture(t, 0, 0)
	ctx := context.Background()

	r1, err := f.mgr.CreateRoom(ctx, "int-1", nil)
	require.NoError(t, err)
	r2, err := f.mgr.CreateRoom(ctx, "int-1", nil)
	require.NoError(t, err)

	assert.Same(t, r1, r2)
}

func TestCreateRoom_CapacityExceeded(t *testing.T) {
	f := newManagerFixture(t, 1, 0)
	ctx := context.Background()

	_, err := f.mgr.CreateRoom(ctx, "int-1", nil)
	require.NoError(t, err)

	_, err = f.mgr.CreateRoom(ctx, "int-2", nil)
	assert.Equal(t, types.KindResourceExhausted, types.KindOf(err))
}

func TestCreateRoom_StoreErrorPropagates(t *testing.T) {
	f := newManagerFixture(t, 0, 0)
	f.store.readErr = types.NewError(types.KindUnavailable, "store down")

	_, err := f.mgr.CreateRoom(context.Background(), "int-1", nil)
	assert.Equal(t, types.KindUnavailable, types.KindOf(err))
	assert.Empty(t, f.mgr.GetAllRooms())
}

func TestJoinRoomAndLookup(t *testing.T) {
	f := newManagerFixture(t, 0, 0)

	r, state, err := f.mgr.JoinRoom(context.Background(), "int-1", "user-hero", "hero", types.EntityTypePlayerCharacter, "conn-1", false)
	require.NoError(t, err)
	assert.Contains(t, state.Participants, types.EntityID("hero"))

	byInteraction, ok := f.mgr.GetRoomByInteractionID("int-1")
	require.True(t, ok)
	assert.Same(t, r, byInteraction)

	byID, ok := f.mgr.GetRoomByID(r.ID)
	require.True(t, ok)
	assert.Same(t, r, byID)
}

func TestLeaveRoom_EmptyRoomGetsRemovalGrace(t *testing.T) {
	f := newManagerFixture(t, 0, 0)
	ctx := context.Background()

	_, _, err := f.mgr.JoinRoom(ctx, "int-1", "user-hero", "hero", types.EntityTypePlayerCharacter, "conn-1", false)
	require.NoError(t, err)
	require.NoError(t, f.mgr.LeaveRoom(ctx, "int-1", "user-hero"))

	// The room survives the grace window; teardown is only scheduled.
	_, ok := f.mgr.GetRoomByInteractionID("int-1")
	assert.True(t, ok)
	f.mgr.mu.RLock()
	_, pending := f.mgr.pendingRemove["int-1"]
	f.mgr.mu.RUnlock()
	assert.True(t, pending)

	// A join within the grace cancels the teardown.
	_, _, err = f.mgr.JoinRoom(ctx, "int-1", "user-hero", "hero", types.EntityTypePlayerCharacter, "conn-2", false)
	require.NoError(t, err)
	f.mgr.mu.RLock()
	_, pending = f.mgr.pendingRemove["int-1"]
	f.mgr.mu.RUnlock()
	assert.False(t, pending)
}

func TestLeaveRoom_UnknownInteraction(t *testing.T) {
	f := newManagerFixture(t, 0, 0)
	err := f.mgr.LeaveRoom(context.Background(), "int-ghost", "user-x")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestCompleteRoom_PersistsAndRemoves(t *testing.T) {
	f := newManagerFixture(t, 0, 0)
	ctx := context.Background()

	stored := activeCombatState()
	stored.InteractionID = "int-1"
	f.store.states["int-1"] = stored
	_, _, err := f.mgr.JoinRoom(ctx, "int-1", "user-hero", "hero", types.EntityTypePlayerCharacter, "conn-1", false)
	require.NoError(t, err)

	require.NoError(t, f.mgr.CompleteRoom(ctx, "int-1", "quest finished"))

	require.Equal(t, 1, f.store.completionCount())
	f.store.mu.Lock()
	record := f.store.completions[0]
	f.store.mu.Unlock()
	assert.Equal(t, types.InteractionID("int-1"), record.InteractionID)
	assert.Equal(t, "quest finished", record.Reason)
	require.NotNil(t, record.FinalState)
	assert.Equal(t, types.RoomStatusCompleted, record.FinalState.Status)

	_, ok := f.mgr.GetRoomByInteractionID("int-1")
	assert.False(t, ok)
}

func TestPauseAndResumeRoom(t *testing.T) {
	f := newManagerFixture(t, 0, 0)
	ctx := context.Background()

	stored := activeCombatState()
	stored.InteractionID = "int-1"
	f.store.states["int-1"] = stored
	r, _, err := f.mgr.JoinRoom(ctx, "int-1", "user-dm", "dm-avatar", types.EntityTypeNPC, "conn-1", true)
	require.NoError(t, err)

	require.NoError(t, f.mgr.PauseRoom(ctx, "int-1", "dm break"))
	assert.Equal(t, types.RoomStatusPaused, r.Status())
	require.NoError(t, f.mgr.ResumeRoom(ctx, "int-1"))
	assert.Equal(t, types.RoomStatusActive, r.Status())

	assert.Equal(t, types.KindNotFound, types.KindOf(f.mgr.PauseRoom(ctx, "int-ghost", "")))
	assert.Equal(t, types.KindNotFound, types.KindOf(f.mgr.ResumeRoom(ctx, "int-ghost")))
}

func TestCleanupInactiveRooms(t *testing.T) {
	f := newManagerFixture(t, 0, time.Minute)
	ctx := context.Background()

	r, err := f.mgr.CreateRoom(ctx, "int-idle", nil)
	require.NoError(t, err)
	_, err = f.mgr.CreateRoom(ctx, "int-busy", nil)
	require.NoError(t, err)

	// Age the idle room past the threshold.
	r.mu.Lock()
	r.lastActivity = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()

	removed := f.mgr.CleanupInactiveRooms(ctx)

	assert.Equal(t, 1, removed)
	_, ok := f.mgr.GetRoomByInteractionID("int-idle")
	assert.False(t, ok)
	_, ok = f.mgr.GetRoomByInteractionID("int-busy")
	assert.True(t, ok)
	assert.Equal(t, 1, f.store.snapshotCount(), "idle state is persisted before removal")
}

func TestGetStats(t *testing.T) {
	f := newManagerFixture(t, 0, 0)
	ctx := context.Background()

	r, _, err := f.mgr.JoinRoom(ctx, "int-1", "user-a", "a", types.EntityTypePlayerCharacter, "conn-a", false)
	require.NoError(t, err)
	_, _, err = f.mgr.JoinRoom(ctx, "int-1", "user-b", "b", types.EntityTypePlayerCharacter, "conn-b", false)
	require.NoError(t, err)
	require.True(t, r.UpdateParticipantConnection("user-b", false, ""))

	stats := f.mgr.GetStats()
	assert.Equal(t, 1, stats.ActiveRooms)
	assert.Equal(t, 2, stats.TotalParticipants)
	assert.Equal(t, 1, stats.ConnectedClients)
}

func TestShutdown_FlushesAndRefusesNewRooms(t *testing.T) {
	f := newManagerFixture(t, 0, 0)
	ctx := context.Background()

	_, _, err := f.mgr.JoinRoom(ctx, "int-1", "user-a", "a", types.EntityTypePlayerCharacter, "conn-a", false)
	require.NoError(t, err)
	_, _, err = f.mgr.JoinRoom(ctx, "int-2", "user-b", "b", types.EntityTypePlayerCharacter, "conn-b", false)
	require.NoError(t, err)

	f.mgr.Shutdown(ctx)

	assert.Equal(t, 2, f.store.snapshotCount())
	_, err = f.mgr.CreateRoom(ctx, "int-3", nil)
	assert.Equal(t, types.KindUnavailable, types.KindOf(err))
}
