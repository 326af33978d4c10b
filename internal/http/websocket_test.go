package http

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"magnet-sync/internal/domain"
	"magnet-sync/internal/session"
)

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestWebsocketFeed(t *testing.T) {
	env := newEnv(t)
	env.store.Upsert(domain.DownloadRecord{ID: "a", MagnetLink: testLink, Status: domain.DownloadStatusDownloading})

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "snapshot", frame.Type)
	var snapshot []DownloadResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &snapshot))
	require.Len(t, snapshot, 1)
	require.Equal(t, "a", snapshot[0].ID)

	env.store.Update("a", domain.Patch{Progress: domain.Ref(42.0)})
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, string(session.ChangeUpdated), frame.Type)

	var ev ChangeEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &ev))
	require.Equal(t, "a", ev.ID)
	require.Equal(t, 42.0, ev.Download.Progress)

	env.store.Remove("a")
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, string(session.ChangeRemoved), frame.Type)
}

func TestWebsocketFeedClosesOnShutdown(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "snapshot", frame.Type)

	env.handler.Close()
	err = conn.ReadJSON(&frame)
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
