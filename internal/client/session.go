package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/internal/realtime"
)

const writeWait = 10 * time.Second

// ErrClosed is returned when sending on a closed session.
var ErrClosed = errors.New("session closed")

// JoinOptions names the studio and the participant.
type JoinOptions struct {
	StudioID   string
	InviteCode string
	Name       string
	// Token is optional; only the studio owner's token makes the participant host.
	Token string
}

// Handler processes one inbound event.
type Handler func(data json.RawMessage) error

// Session is a participant's websocket connection to the coordinator.
type Session struct {
	conn   *websocket.Conn
	joined realtime.JoinedPayload
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// WebsocketURL derives the coordinator endpoint from the server's HTTP base URL.
func WebsocketURL(base string, opts JoinOptions) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	q := url.Values{}
	if opts.StudioID != "" {
		q.Set("studio_id", opts.StudioID)
	}
	if opts.InviteCode != "" {
		q.Set("invite_code", opts.InviteCode)
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects and waits for the join to be acknowledged.
func Dial(ctx context.Context, base string, opts JoinOptions, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint, err := WebsocketURL(base, opts)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var first realtime.WSMessage
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read join reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	switch first.Event {
	case realtime.EventJoined:
	case realtime.EventError:
		var e realtime.ErrorPayload
		_ = json.Unmarshal(first.Data, &e)
		_ = conn.Close()
		return nil, fmt.Errorf("join rejected: %s", e.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first event %q", first.Event)
	}
	s := &Session{conn: conn, logger: logger, handlers: make(map[string]Handler)}
	if err := json.Unmarshal(first.Data, &s.joined); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode join reply: %w", err)
	}
	s.logger = logger.With(zap.String("connection_id", s.joined.Participant.ConnectionID))
	return s, nil
}

// Joined returns the join acknowledgement.
func (s *Session) Joined() realtime.JoinedPayload { return s.joined }

// ID returns this participant's connection id.
func (s *Session) ID() string { return s.joined.Participant.ConnectionID }

// On registers the handler for an event, replacing any previous one.
func (s *Session) On(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = h
}

// Send writes one event.
func (s *Session) Send(event string, payload interface{}) error {
	msg, err := realtime.NewMessage(event, payload)
	if err != nil {
		return err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// Signal relays a negotiation message to one participant.
func (s *Session) Signal(event, to string, payload map[string]interface{}) error {
	body := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["to"] = to
	return s.Send(event, body)
}

// Run dispatches inbound events until the connection closes or ctx is done.
// Handler errors are logged; they do not end the session.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	for {
		var msg realtime.WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s.mu.RLock()
		h, ok := s.handlers[msg.Event]
		s.mu.RUnlock()
		if !ok {
			s.logger.Debug("unhandled event", zap.String("event", msg.Event))
			continue
		}
		if err := h(msg.Data); err != nil {
			s.logger.Warn("event handler failed", zap.String("event", msg.Event), zap.Error(err))
		}
	}
}

// Close sends a normal closure and closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.writeMu.Unlock()
	return s.conn.Close()
}
