package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEvent is one bus event rendered for WebSocket clients.
type streamEvent struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

type wsClient struct {
	conn *websocket.Conn

	mu sync.Mutex
}

func (c *wsClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *wsClient) close(reason string) {
	_ = c.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleWS streams live bus events to the client. The optional "topic" query
// parameter narrows the stream to a topic prefix ("task.", "model.", ...).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.cfg.Logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	// Reads only serve to detect the client going away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			out := streamEvent{Topic: ev.Topic, Payload: ev.Payload, Time: time.Now().UTC()}
			if err := c.write(r.Context(), out); err != nil {
				s.cfg.Logger.Debug("ws: write failed, dropping client", "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}
