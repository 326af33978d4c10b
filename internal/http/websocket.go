package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSMessage is one frame on the websocket feed. Type is "snapshot", "ping" or a change kind.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// wsFeed mirrors the event stream for clients that prefer a websocket.
func (h *Handler) wsFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	changes, snapshot, unsubscribe := h.follow()
	defer unsubscribe()

	// read pump, only to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg WSMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			h.log.WithError(err).Debug("websocket write failed")
			return false
		}
		return true
	}

	if !send(WSMessage{Type: "snapshot", Payload: snapshot}) {
		return
	}

	keepAlive := time.NewTicker(h.opts.KeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-h.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-keepAlive.C:
			if !send(WSMessage{Type: "ping", Payload: gin.H{"at": time.Now().UTC().Format(time.RFC3339)}}) {
				return
			}
		case ch := <-changes:
			if !send(WSMessage{Type: string(ch.Kind), Payload: changeToEvent(ch)}) {
				return
			}
		}
	}
}
