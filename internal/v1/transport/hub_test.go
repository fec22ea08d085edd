package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
)

func wsContext(t *testing.T, target string, header http.Header) *gin.Context {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	req.Header = header
	c.Request = req
	return c
}

func TestExtractWsToken(t *testing.T) {
	// Browser clients smuggle the credential through the subprotocol list.
	c := wsContext(t, "/ws/rooms/int-1", http.Header{
		"Sec-Websocket-Protocol": []string{"access_token, tok-abc"},
	})
	token, fromHeader := extractWsToken(c)
	assert.Equal(t, "tok-abc", token)
	assert.True(t, fromHeader)

	c = wsContext(t, "/ws/rooms/int-1?token=tok-query", http.Header{})
	token, fromHeader = extractWsToken(c)
	assert.Equal(t, "tok-query", token)
	assert.False(t, fromHeader)

	c = wsContext(t, "/ws/rooms/int-1", http.Header{})
	token, _ = extractWsToken(c)
	assert.Empty(t, token)
}

// nextBatch pops one marshaled batch off the client's send channel.
func nextBatch(t *testing.T, c *Client) []types.GameEvent {
	t.Helper()
	select {
	case data := <-c.send:
		var batch eventBatch
		require.NoError(t, json.Unmarshal(data, &batch))
		return batch.Events
	case <-time.After(time.Second):
		t.Fatal("no batch delivered")
		return nil
	}
}

func TestRouteFrame_UnknownOp(t *testing.T) {
	h := NewHub(nil, nil, nil, stubValidator{}, nil, nil)
	c := newClient(nil, h, "int-hub", "user-1", "conn-1", false)

	h.routeFrame(context.Background(), c, clientFrame{Op: "teleport"})

	events := nextBatch(t, c)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventError, events[0].Type)
	assert.Equal(t, string(types.KindInvalidArgument), events[0].Code)
	assert.Contains(t, events[0].Reason, "teleport")
}

func TestRouteFrame_TakeTurnRequiresAction(t *testing.T) {
	h := NewHub(nil, nil, nil, stubValidator{}, nil, nil)
	c := newClient(nil, h, "int-hub", "user-1", "conn-1", false)

	h.routeFrame(context.Background(), c, clientFrame{Op: "takeTurn"})

	events := nextBatch(t, c)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventError, events[0].Type)
}

func TestRouteFrame_ChatRequiresPayload(t *testing.T) {
	h := NewHub(nil, nil, nil, stubValidator{}, nil, nil)
	c := newClient(nil, h, "int-hub", "user-1", "conn-1", false)

	h.routeFrame(context.Background(), c, clientFrame{Op: "sendChatMessage"})

	events := nextBatch(t, c)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventError, events[0].Type)
}

func TestClientDeliver_DropsWhenClosed(t *testing.T) {
	h := NewHub(nil, nil, nil, stubValidator{}, nil, nil)
	c := newClient(nil, h, "int-hub", "user-1", "conn-1", false)

	c.Disconnect()
	c.Deliver([]types.GameEvent{{Type: types.EventStateDelta}})

	// The send channel is closed and nothing was pushed onto it.
	_, open := <-c.send
	assert.False(t, open)
}
