package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/techSaswata/StackLane/internal/room"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum message size allowed from peer.
)

// client bridges one websocket connection and its room session: inbound
// frames become session operations, session events become outbound frames.
type client struct {
	session *room.Session
	conn    *websocket.Conn
}

// inboundFrame is the simplified JSON the frontend sends us.
type inboundFrame struct {
	Type    string `json:"type"` // "message", "typing", "edit", "unsend"
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

// contributorsFrame is sent once after connect; the list is cached on the
// session for its whole lifetime.
type contributorsFrame struct {
	Kind         string             `json:"kind"`
	Contributors []room.Contributor `json:"contributors"`
}

// readPump pumps frames from the websocket connection into the session.
func (c *client) readPump() {
	defer func() {
		c.session.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("gateway: read error: %v", err)
			}
			break
		}

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Printf("gateway: bad frame on %s: %v", c.session.ChannelKey(), err)
			continue
		}

		// Write failures are logged by the session itself; the rendered list
		// is store-derived, so a failed write simply never shows up.
		switch frame.Type {
		case "message":
			_ = c.session.Send(context.Background(), frame.Content)
		case "typing":
			c.session.NotifyTyping(context.Background())
		case "edit":
			_ = c.session.Edit(context.Background(), frame.ID, frame.Content)
		case "unsend":
			// Unsend sleeps through the fade-out delay; keep reading while
			// it runs.
			go func(id string) {
				_ = c.session.Unsend(context.Background(), id)
			}(frame.ID)
		default:
			log.Printf("gateway: unknown frame type %q", frame.Type)
		}
	}
}

// writePump streams the session's observable state to the websocket
// connection, starting with a full snapshot for initial render.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	initial := []interface{}{
		contributorsFrame{Kind: "contributors", Contributors: c.session.Contributors()},
		room.Event{Kind: room.EventMessages, Messages: c.session.Messages()},
		room.Event{Kind: room.EventPresence, Presence: c.session.Presence()},
	}
	for _, frame := range initial {
		if err := c.writeJSON(frame); err != nil {
			return
		}
	}

	for {
		select {
		case ev := <-c.session.Events():
			if err := c.writeJSON(ev); err != nil {
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

func (c *client) writeJSON(v interface{}) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}
