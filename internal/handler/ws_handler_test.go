package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/websocket"
	"roadwatch-sync-server/pkg/jwt"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startEventStream(t *testing.T) (*websocket.Manager, string) {
	t.Helper()
	hub := websocket.NewManager(websocket.DefaultOptions(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(NewWebSocketHandler(hub, testSecret, zap.NewNop()).HandleConnection))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketHandler_RejectsMissingOrBadToken(t *testing.T) {
	_, url := startEventStream(t)

	_, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = gws.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketHandler_StreamsEvents(t *testing.T) {
	hub, url := startEventStream(t)
	token, err := jwt.GenerateToken("operator-3", time.Hour, testSecret)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := gws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Connections("operator-3") == 1 }, time.Second, 10*time.Millisecond)

	hub.Notify(domain.EventConflictDetected, domain.Conflict{ID: "c-1", RecordID: "web-1"})

	var msg websocket.Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, websocket.TypeEvent, msg.Type)
	assert.Equal(t, domain.EventConflictDetected, msg.Event)

	var c domain.Conflict
	require.NoError(t, msg.UnmarshalPayload(&c))
	assert.Equal(t, "c-1", c.ID)
}
