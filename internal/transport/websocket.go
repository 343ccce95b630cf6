package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketmind/marketmind/pkg/models"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxInboundSize = 4096
)

// WSSink streams analyst events over one WebSocket connection. Writes
// are serialized; a reader goroutine watches for the peer closing so
// the registry can drop the sink promptly.
type WSSink struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWSSink wraps an upgraded connection and starts its watchdogs.
func NewWSSink(conn *websocket.Conn, logger *slog.Logger) *WSSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WSSink{
		conn:   conn,
		logger: logger.With("component", "ws", "remote", conn.RemoteAddr().String()),
		closed: make(chan struct{}),
	}
	conn.SetReadLimit(maxInboundSize)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go s.readLoop()
	go s.pingLoop()
	return s
}

// Write sends one event as a JSON text frame.
func (s *WSSink) Write(ev *models.AnalystEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(ev)
}

// Close shuts the connection down. Idempotent.
func (s *WSSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.mu.Unlock()
		s.conn.Close()
	})
	return nil
}

// CloseNotify reports when the peer has gone away.
func (s *WSSink) CloseNotify() <-chan struct{} {
	return s.closed
}

// readLoop drains inbound frames. Clients are write-only from the
// server's perspective; the loop exists to process control frames and
// detect disconnects.
func (s *WSSink) readLoop() {
	defer s.Close()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (s *WSSink) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				s.Close()
				return
			}
		}
	}
}
