package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/pkg/apperr"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
	// readLimit bounds one inbound message; SDP offers with many candidates stay well below it.
	readLimit = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// IdentityFunc validates a token and returns the caller's identity and display name.
type IdentityFunc func(token string) (identity, name string, err error)

// Client is one participant's WebSocket connection.
type Client struct {
	coord  *Coordinator
	handle *Handle
	conn   *websocket.Conn
	logger *zap.Logger

	mu     sync.RWMutex
	send   chan WSMessage
	closed bool
	leave  sync.Once
}

// Send queues msg without blocking. It reports false when the buffer is full or the client is gone.
func (c *Client) Send(msg WSMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) sendEvent(event string, payload interface{}) {
	msg, err := NewMessage(event, payload)
	if err != nil {
		c.logger.Warn("marshal outbound message", zap.String("event", event), zap.Error(err))
		return
	}
	c.Send(msg)
}

func (c *Client) sendError(event string, err error) {
	c.sendEvent(EventError, ErrorPayload{Event: event, Message: err.Error()})
}

// shutdown leaves the session and closes the send channel, once.
func (c *Client) shutdown() {
	c.leave.Do(func() {
		if c.handle != nil {
			c.coord.Leave(c.handle)
		}
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// ServeWs upgrades the request, joins the studio named by studio_id or invite_code and runs
// the connection until it closes. token is optional; guests join without one and are never host.
func ServeWs(coord *Coordinator, validate IdentityFunc, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		studioID := c.Query("studio_id")
		inviteCode := c.Query("invite_code")
		if studioID == "" && inviteCode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "studio_id or invite_code required"})
			return
		}
		name := c.Query("name")
		var identity string
		if token := c.Query("token"); token != "" {
			id, claimed, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			identity = id
			if name == "" {
				name = claimed
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := &Client{
			coord:  coord,
			conn:   conn,
			send:   make(chan WSMessage, sendBuffer),
			logger: logger,
		}
		go client.writePump()

		res, err := coord.Join(c.Request.Context(), JoinRequest{StudioID: studioID, InviteCode: inviteCode, DisplayName: name, Identity: identity}, client)
		if err != nil {
			logger.Info("join rejected", zap.String("studio_id", studioID), zap.Error(err))
			client.sendError("", err)
			client.shutdown()
			return
		}
		client.handle = res.Handle
		client.logger = logger.With(zap.String("connection_id", res.Handle.ConnectionID))
		client.sendEvent(EventJoined, res.Payload())
		client.readPump(c.Request.Context())
	}
}

type handlerFunc func(c *Client, ctx context.Context, data json.RawMessage) error

// handlers is the dispatch table for inbound events.
var handlers = map[string]handlerFunc{
	EventStartRecording: (*Client).startRecording,
	EventStopRecording:  (*Client).stopRecording,
	EventToggleAudio:    ephemeral(EventToggleAudio),
	EventToggleVideo:    ephemeral(EventToggleVideo),
	EventChatMessage:    ephemeral(EventChatMessage),
	EventWebRTCOffer:    relay(EventWebRTCOffer),
	EventWebRTCAnswer:   relay(EventWebRTCAnswer),
	EventWebRTCICE:      relay(EventWebRTCICE),
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("websocket closed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		if msg.Event == EventLeave {
			return
		}
		h, ok := handlers[msg.Event]
		if !ok {
			c.logger.Debug("ignoring unknown event", zap.String("event", msg.Event))
			continue
		}
		if err := h(c, ctx, msg.Data); err != nil {
			c.logger.Info("event rejected", zap.String("event", msg.Event), zap.Error(err))
			c.sendError(msg.Event, err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) startRecording(ctx context.Context, _ json.RawMessage) error {
	_, err := c.coord.StartRecording(ctx, c.handle)
	return err
}

func (c *Client) stopRecording(ctx context.Context, data json.RawMessage) error {
	var req StopRecordingRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		return apperr.Inconsistent("sessionId required")
	}
	_, err := c.coord.StopRecording(ctx, c.handle, req.SessionID)
	return err
}

func ephemeral(event string) handlerFunc {
	return func(c *Client, _ context.Context, data json.RawMessage) error {
		return c.coord.BroadcastEphemeral(c.handle, event, data)
	}
}

func relay(event string) handlerFunc {
	return func(c *Client, _ context.Context, data json.RawMessage) error {
		return c.coord.Relay(c.handle, event, data)
	}
}
