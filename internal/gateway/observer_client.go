package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

// observerClient is one dashboard WebSocket connection. Its send channel is
// fed by the broadcast hub; delivery is best-effort and never blocks the
// publishing path.
type observerClient struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
}

func newObserverClient(conn *websocket.Conn, server *Server) *observerClient {
	c := &observerClient{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, 64),
	}
	server.Hub.Register(c.id, c.send)
	return c
}

// readPump handles subscribe/unsubscribe messages from the observer.
func (c *observerClient) readPump() {
	defer func() {
		c.server.Hub.Unregister(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxObserverMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("observer websocket read error", "observer", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("malformed observer message", "observer", c.id, "error", err)
			continue
		}
		switch msg.Type {
		case protocol.MsgSubscribe:
			c.server.Hub.Subscribe(c.id, msg.Topics...)
			c.replayFrames(msg.Topics)
		case protocol.MsgUnsubscribe:
			c.server.Hub.Unsubscribe(c.id, msg.Topics...)
		default:
			slog.Debug("unknown observer message type", "observer", c.id, "type", msg.Type)
		}
	}
}

// replayFrames pushes the cached last frame of each active stream to an
// observer that just subscribed to frames, so its view is not blank until
// the next frame lands.
func (c *observerClient) replayFrames(topics []string) {
	wantsFrames := false
	for _, t := range topics {
		if t == protocol.TopicScreenFrame || t == protocol.TopicAll {
			wantsFrames = true
			break
		}
	}
	if !wantsFrames {
		return
	}
	for _, ev := range c.server.Streams.LastFrames() {
		data, err := json.Marshal(protocol.NewUpdate(protocol.TopicScreenFrame, ev))
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			slog.Warn("observer channel full, skipping frame replay", "observer", c.id)
		}
	}
}

// writePump flushes hub events and pings to the observer.
func (c *observerClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
