package hub

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
)

// client is one websocket connection. writePump is the only writer on conn;
// rooms is guarded by the hub's lock.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

type roomRequest struct {
	CompanyID string `json:"companyId"`
}

func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket closed unexpectedly", logging.Error(err))
			}
			return
		}
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.reply(EventError, map[string]string{"error": "invalid frame"})
		return
	}

	switch f.Event {
	case EventJoinCompany, EventLeaveCompany:
		room := parseRoom(f.Data)
		if room == "" {
			c.reply(EventError, map[string]string{"error": "companyId required"})
			return
		}
		if f.Event == EventJoinCompany {
			c.hub.join(c, room)
			c.reply(EventJoined, roomRequest{CompanyID: room})
			return
		}
		c.hub.leave(c, room)
		c.reply(EventLeft, roomRequest{CompanyID: room})
	default:
		c.reply(EventError, map[string]string{"error": "unknown event " + f.Event})
	}
}

// parseRoom accepts the company id as a bare JSON string or as
// {"companyId": "..."}.
func parseRoom(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var req roomRequest
	if err := json.Unmarshal(raw, &req); err == nil {
		return strings.TrimSpace(req.CompanyID)
	}
	return ""
}

func (c *client) reply(event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	msg, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
