package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/V4T54L/agent-monitor/internal/hub"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
	wsMaxMessage   = 4096
)

// wsCommand is a client message. Only "subscribe" is understood.
type wsCommand struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// wsReply acknowledges a command.
type wsReply struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

// WSHandler streams hub events over WebSocket.
type WSHandler struct {
	hub          *hub.Hub
	logger       *slog.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewWSHandler creates a WebSocket transport for the hub.
func NewWSHandler(h *hub.Hub, logger *slog.Logger, writeTimeout time.Duration) *WSHandler {
	return &WSHandler{
		hub:          h,
		logger:       logger.With("component", "websocket"),
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from other origins and the API has no auth.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws/metrics?topic=.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, err := h.hub.Subscribe(r.URL.Query().Get("topic"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.hub.Unsubscribe(sub)
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	defer h.hub.Unsubscribe(sub)

	replies := make(chan wsReply, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(conn, sub, replies)
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				h.close(conn, websocket.CloseGoingAway, "stream closed")
				return
			}
			if err := h.write(conn, websocket.TextMessage, msg); err != nil {
				h.hub.Evict(sub, err)
				return
			}
		case reply := <-replies:
			data, _ := json.Marshal(reply)
			if err := h.write(conn, websocket.TextMessage, data); err != nil {
				h.hub.Evict(sub, err)
				return
			}
		case <-ping.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				h.hub.Evict(sub, err)
				return
			}
		}
	}
}

// readLoop handles pongs and subscribe commands until the connection fails.
func (h *WSHandler) readLoop(conn *websocket.Conn, sub *hub.Subscription, replies chan<- wsReply) {
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "error", err, "subscriber_id", sub.ID())
			}
			return
		}
		var cmd wsCommand
		reply := wsReply{Type: "subscribed"}
		switch {
		case json.Unmarshal(data, &cmd) != nil || cmd.Action != "subscribe":
			reply = wsReply{Type: "error", Error: `expected {"action":"subscribe","topic":"..."}`}
		default:
			if err := sub.SetTopic(cmd.Topic); err != nil {
				reply = wsReply{Type: "error", Error: err.Error()}
			} else {
				reply.Topic = sub.Topic()
			}
		}
		select {
		case replies <- reply:
		default:
		}
	}
}

func (h *WSHandler) write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return conn.WriteMessage(messageType, data)
}

func (h *WSHandler) close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}
