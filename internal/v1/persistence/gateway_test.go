package persistence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
)

// newTestClient shrinks the retry backoff so failure paths stay fast.
func newTestClient(baseURL, deployKey string) *Client {
	c := NewClient(baseURL, deployKey, time.Second)
	c.retryInterval = time.Millisecond
	return c
}

func storedState() *types.GameState {
	return &types.GameState{
		InteractionID: "int-persist",
		Status:        types.RoomStatusActive,
		RoundNumber:   3,
		Participants:  map[types.EntityID]*types.Participant{},
		MapState: types.MapState{
			Width: 5, Height: 5,
			Entities: map[types.EntityID]types.EntityPlacement{},
		},
		Timestamp: 42,
	}
}

func TestReadState(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(storedState())
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "deploy-key-123")
	state, err := c.ReadState(context.Background(), "int-persist")
	require.NoError(t, err)

	assert.Equal(t, "/api/documents/gameStates/int-persist", gotPath)
	assert.Equal(t, "Convex deploy-key-123", gotAuth)
	assert.Equal(t, 3, state.RoundNumber)
}

func TestReadState_NotFoundIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	_, err := c.ReadState(context.Background(), "int-missing")

	assert.Equal(t, types.KindNotFound, types.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "404 must not be retried")
}

func TestReadState_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(storedState())
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	state, err := c.ReadState(context.Background(), "int-persist")

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, state.RoundNumber)
}

func TestReadState_ExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	_, err := c.ReadState(context.Background(), "int-persist")

	assert.Equal(t, types.KindUnavailable, types.KindOf(err))
}

func TestWriteSnapshot(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody types.GameState
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	require.NoError(t, c.WriteSnapshot(context.Background(), storedState()))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/api/documents/gameStates/int-persist", gotPath)
	assert.Equal(t, types.InteractionID("int-persist"), gotBody.InteractionID)
	assert.Equal(t, int64(42), gotBody.Timestamp)
}

func TestWriteCompletion(t *testing.T) {
	var gotPath string
	var gotBody CompletionRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	record := CompletionRecord{
		InteractionID: "int-persist",
		Reason:        "quest finished",
		CompletedAt:   1234,
		FinalState:    storedState(),
	}
	require.NoError(t, c.WriteCompletion(context.Background(), record))

	assert.Equal(t, "/api/documents/completions/int-persist", gotPath)
	assert.Equal(t, "quest finished", gotBody.Reason)
	require.NotNil(t, gotBody.FinalState)
}

func TestQuery(t *testing.T) {
	var gotPredicate map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPredicate)
		_ = json.NewEncoder(w).Encode([]CompletionRecord{{InteractionID: "int-1"}, {InteractionID: "int-2"}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	var out []CompletionRecord
	err := c.Query(context.Background(), "completions", map[string]any{"reason": "quest finished"}, &out)

	require.NoError(t, err)
	assert.Equal(t, "quest finished", gotPredicate["reason"])
	require.Len(t, out, 2)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/version", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	assert.NoError(t, c.Ping(context.Background()))
}

func TestPing_DownStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	err := c.Ping(context.Background())
	assert.Equal(t, types.KindUnavailable, types.KindOf(err))
}

func TestCircuitBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	// An unreachable endpoint: every attempt is a transport failure the
	// breaker counts.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv.URL, "")
	ctx := context.Background()

	// Each call makes four attempts; two calls push the consecutive
	// failure count past the trip threshold.
	_, _ = c.ReadState(ctx, "int-persist")
	_, _ = c.ReadState(ctx, "int-persist")
	assert.Equal(t, gobreaker.StateOpen, c.cb.State())

	start := time.Now()
	_, err := c.ReadState(ctx, "int-persist")
	assert.Equal(t, types.KindUnavailable, types.KindOf(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "open breaker fails fast")
}
