package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin validation is the reverse proxy's job in production.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MessageType discriminates the envelope every frame — in either
// direction — carries.
type MessageType string

const (
	MessageTypeConnected   MessageType = "connected"
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message is the envelope for every WebSocket frame, server- or
// client-originated.
type Message struct {
	Type     MessageType     `json:"type"`
	UserID   string          `json:"userId,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Session is one accepted WebSocket connection. readPump and writePump each
// own one direction of the wire; send is the handoff between the hub's
// fan-out and writePump.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	userID string
	topics map[string]struct{}
	logger *slog.Logger
}

// NewSession upgrades the HTTP connection and returns a Session subscribed
// to the given initial topics (at minimum the caller's own user:<id>
// channel).
func NewSession(hub *Hub, w http.ResponseWriter, r *http.Request, userID string, initialTopics []string, logger *slog.Logger) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	topics := make(map[string]struct{}, len(initialTopics))
	for _, t := range initialTopics {
		topics[t] = struct{}{}
	}
	return &Session{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		userID: userID,
		topics: topics,
		logger: logger.With("user_id", userID),
	}, nil
}

// CloseWithCode writes a close frame carrying code and reason, then closes
// the connection. Used to reject an accepted-but-unauthenticated connection
// (code 4001) without ever registering it with the hub.
func (s *Session) CloseWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
}

// Run registers the session, sends the greeting, and blocks on its pumps
// until the connection closes.
func (s *Session) Run() {
	s.hub.Register(s)

	channels := make([]string, 0, len(s.topics))
	for t := range s.topics {
		channels = append(channels, t)
	}
	greeting, _ := json.Marshal(struct {
		UserID   string   `json:"userId"`
		Channels []string `json:"channels"`
	}{UserID: s.userID, Channels: channels})
	s.send <- Message{Type: MessageTypeConnected, UserID: s.userID, Channels: channels, Payload: greeting}

	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Warn("ws: unexpected close", "error", err)
			}
			return
		}
		s.handleInbound(raw)
	}
}

func (s *Session) handleInbound(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.trySend(Message{Type: MessageTypeError, Error: "malformed message"})
		return
	}

	switch msg.Type {
	case MessageTypePing:
		s.trySend(Message{Type: MessageTypePong})
	case MessageTypeSubscribe:
		if msg.Channel == "" {
			s.trySend(Message{Type: MessageTypeError, Error: "subscribe requires a channel"})
			return
		}
		s.hub.Subscribe(s, msg.Channel)
		s.trySend(Message{Type: MessageTypeSubscribed, Channel: msg.Channel})
	case MessageTypeUnsubscribe:
		if msg.Channel == "" {
			s.trySend(Message{Type: MessageTypeError, Error: "unsubscribe requires a channel"})
			return
		}
		s.hub.Unsubscribe(s, msg.Channel)
	default:
		s.trySend(Message{Type: MessageTypeError, Error: "unknown message type"})
	}
}

func (s *Session) trySend(msg Message) {
	select {
	case s.send <- msg:
	default:
		s.hub.Unregister(s)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warn("ws: write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ws: ping error", "error", err)
				return
			}
		}
	}
}
