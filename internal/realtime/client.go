package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mychat/api/internal/util"
)

const (
	clientOutboxSize = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxFrameBytes    = 8 * 1024
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   int64
	Username string
}

// Client is one WebSocket connection. All writes go through writeLoop.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	identity Identity

	outbox    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, identity Identity) *Client {
	return &Client{
		id:       util.NewID("conn"),
		hub:      hub,
		conn:     conn,
		identity: identity,
		outbox:   make(chan []byte, clientOutboxSize),
		closeCh:  make(chan struct{}),
	}
}

// ID identifies the connection in logs.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.outbox <- payload:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the connection. Safe to call repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case payload := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// clientFrame is a request sent by the browser.
type clientFrame struct {
	Action   string `json:"action"`
	Channel  string `json:"channel"`
	Rewind   bool   `json:"rewind"`
	IsTyping bool   `json:"isTyping"`
}

type errorFrame struct {
	Name    string `json:"name"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error"`
}

type typingData struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.Remove(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("component", "realtime").Str("client", c.id).Msg("connection closed")
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "malformed frame")
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame clientFrame) {
	channel := strings.TrimSpace(frame.Channel)
	switch frame.Action {
	case "subscribe":
		if err := Authorize(channel, c.identity.UserID); err != nil {
			c.sendError(channel, "channel not allowed")
			return
		}
		c.hub.Subscribe(c, channel, frame.Rewind)
	case "unsubscribe":
		c.hub.Unsubscribe(c, channel)
	case "typing":
		if err := Authorize(channel, c.identity.UserID); err != nil {
			c.sendError(channel, "channel not allowed")
			return
		}
		event, err := NewEvent(channel, EventTyping, typingData{
			UserID:   c.identity.UserID,
			Username: c.identity.Username,
			IsTyping: frame.IsTyping,
		})
		if err != nil {
			return
		}
		event.ClientID = c.id
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		c.hub.PublishEvent(ctx, event)
	default:
		c.sendError(channel, "unknown action")
	}
}

func (c *Client) sendError(channel, message string) {
	payload, err := json.Marshal(errorFrame{Name: "error", Channel: channel, Error: message})
	if err == nil {
		c.enqueue(payload)
	}
}
