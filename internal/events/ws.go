package events

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 4096
	wsPongWait        = 45 * time.Second
	wsPingPeriod      = 30 * time.Second
	wsWriteWait       = 10 * time.Second
)

// WSHandler upgrades monitoring clients and streams hub events to them.
// Authentication happens before ServeHTTP.

type WSHandler struct {
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &wsSession{
		conn:   conn,
		hub:    h.hub,
		sub:    h.hub.Subscribe(),
		log:    h.log,
		ctx:    ctx,
		cancel: cancel,
	}
	s.log.Info("event subscriber connected", "subscriber_id", s.sub.ID, "remote", r.RemoteAddr)
	s.send(New(TypeConnected, map[string]any{"message": "Connected to monitoring system"}))
	s.run()
}

type wsSession struct {
	conn   *websocket.Conn
	hub    *Hub
	sub    *Subscriber
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

type clientFrame struct {
	Type string `json:"type"`
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.cancel()
	s.hub.Unsubscribe(s.sub)
	_ = s.conn.Close()
	s.log.Info("event subscriber disconnected", "subscriber_id", s.sub.ID)
}

func (s *wsSession) send(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.sub.Offer(data)
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == "ping" {
			s.send(New(TypePong, nil))
		}
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.sub.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"),
				time.Now().Add(wsWriteWait))
			return
		case msg := <-s.sub.Messages():
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
