package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/auth"
	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth handshake
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// HMI panels connect from the plant network by IP
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	logger      *zap.Logger
	remoteAddr  string
	permissions []auth.Permission
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	registered := false
	defer func() {
		if registered {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
		} else {
			close(c.send)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if c.hub.authRequired() {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
		if !c.authenticate() {
			return
		}
	} else {
		c.permissions = []auth.Permission{auth.PermOperator, auth.PermTechnician, auth.PermAdmin}
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	select {
	case c.hub.register <- c:
		registered = true
	case <-c.hub.done:
		return
	}

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr))
			}
			return
		}
		c.handleMessage(msg)
	}
}

// authenticate expects the first message to carry a token.
func (c *Client) authenticate() bool {
	var msg clientMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return false
	}

	if msg.Type != "auth" || msg.Token == "" {
		c.writeNow(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "First message must be authentication"}))
		return false
	}

	_, permissions, err := c.hub.authService.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.remoteAddr))
		c.writeNow(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "Invalid or expired token"}))
		return false
	}

	c.permissions = permissions
	c.enqueue(NewMessage(MessageTypeAuthSuccess, map[string]interface{}{"permissions": permissions}))
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr),
		zap.Any("permissions", permissions))
	return true
}

func (c *Client) handleMessage(msg clientMessage) {
	if msg.Type != "command" || msg.Command == "" {
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr),
			zap.String("type", msg.Type))
		return
	}

	if msg.Command == "write" && !c.has(auth.PermTechnician) {
		c.enqueue(NewErrorMessage("write requires technician permission"))
		return
	}

	resp := c.hub.source.Handle(context.Background(), kneader.Command{
		Command: msg.Command,
		Data:    msg.Data,
		TagName: msg.TagName,
		Value:   msg.Value,
	})
	c.enqueue(NewMessage(MessageTypeCommandResult, CommandResultData{ID: msg.ID, Command: msg.Command, Response: resp}))
}

func (c *Client) has(p auth.Permission) bool {
	for _, have := range c.permissions {
		if have == p {
			return true
		}
	}
	return false
}

// enqueue hands a reply to the write pump. Replies never block the reader.
func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	defer func() {
		// send may already be closed by the hub
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

// writeNow is used before the write pump matters, to report auth failures.
func (c *Client) writeNow(msg Message) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteJSON(msg)
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		logger:     hub.logger,
		remoteAddr: conn.RemoteAddr().String(),
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
